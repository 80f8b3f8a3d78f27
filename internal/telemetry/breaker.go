package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

type BreakerOptions struct {
	Name string
	// Failures is the number of consecutive failures that opens the breaker.
	Failures int
	// OpenFor is how long the breaker stays open before a trial request.
	OpenFor time.Duration
}

// BreakerSaver stops calling a failing backend for a while. While open, Save
// fails fast with gobreaker.ErrOpenState so requests do not pile up on a dead
// database.
type BreakerSaver struct {
	next Saver
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerSaver(log zerolog.Logger, next Saver, opts BreakerOptions) *BreakerSaver {
	name := opts.Name
	if name == "" {
		name = "telemetry-storage"
	}
	fails := opts.Failures
	if fails <= 0 {
		fails = 5
	}
	openFor := opts.OpenFor
	if openFor <= 0 {
		openFor = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(fails)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("storage breaker state change")
		},
	})
	return &BreakerSaver{next: next, cb: cb}
}

func (b *BreakerSaver) Save(ctx context.Context, s Snapshot) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Save(ctx, s)
	})
	return err
}

// State reports the breaker state, mainly for readiness.
func (b *BreakerSaver) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerSaver) Ping(ctx context.Context) error {
	if b.cb.State() == gobreaker.StateOpen {
		return errors.New("storage breaker open")
	}
	if p, ok := b.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
