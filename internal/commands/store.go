package commands

import (
	"strings"
	"sync"
	"time"
)

// State is a consistent copy of everything the store tracks for one device.
type State struct {
	DeviceID           string
	Vector             Vector
	Origin             Origin
	UpdatedAt          time.Time
	LastOperatorWrite  time.Time
	LastDeviceReport   *Vector
	LastDeviceReportAt time.Time
	OverrideActive     bool
}

// Change describes one completed write. Changes for one device reach the hook
// in the order the writes were applied.
type Change struct {
	DeviceID string
	Vector   Vector
	Origin   Origin
	Source   Origin
	// Applied is false when a device report was held back by the grace window.
	Applied bool
	At      time.Time
}

type entry struct {
	mu sync.Mutex

	vector             Vector
	origin             Origin
	updatedAt          time.Time
	lastOperatorWrite  time.Time
	lastDeviceReport   *Vector
	lastDeviceReportAt time.Time
}

// Store is the in-memory table of desired actuator vectors keyed by device id.
// Each device has its own lock; operations on different devices never contend
// beyond the brief map lookup.
type Store struct {
	policy   Policy
	now      func() time.Time
	onChange func(Change)

	mu      sync.RWMutex
	entries map[string]*entry
}

type Option func(*Store)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithChangeHook registers fn to be called after every successful write.
// fn runs on the writer's goroutine while that device's lock is held, so it
// must not block or call back into the store for the same device.
func WithChangeHook(fn func(Change)) Option {
	return func(s *Store) {
		s.onChange = fn
	}
}

func NewStore(policy Policy, opts ...Option) *Store {
	if policy.GraceWindow <= 0 {
		policy = NewPolicy(policy.GraceWindow)
	}
	s := &Store{
		policy:  policy,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the reconciliation policy the store enforces.
func (s *Store) Policy() Policy {
	return s.policy
}

func (s *Store) lookup(deviceID string) *entry {
	s.mu.RLock()
	e, ok := s.entries[deviceID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[deviceID]; ok {
		return e
	}
	e = &entry{origin: OriginDevice}
	s.entries[deviceID] = e
	return e
}

// Get returns the current vector for deviceID. A device that has never been
// seen gets an all-false vector with origin device-reported.
func (s *Store) Get(deviceID string) Vector {
	e := s.lookup(normalizeID(deviceID))
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vector
}

// State returns the full tracked state for deviceID.
func (s *Store) State(deviceID string) State {
	id := normalizeID(deviceID)
	e := s.lookup(id)
	now := s.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	st := State{
		DeviceID:           id,
		Vector:             e.vector,
		Origin:             e.origin,
		UpdatedAt:          e.updatedAt,
		LastOperatorWrite:  e.lastOperatorWrite,
		LastDeviceReportAt: e.lastDeviceReportAt,
		OverrideActive:     s.policy.OverrideActive(e.origin, e.lastOperatorWrite, now),
	}
	if e.lastDeviceReport != nil {
		v := *e.lastDeviceReport
		st.LastDeviceReport = &v
	}
	return st
}

// SetFromOperator applies the flags present in p, stamps the operator origin
// and returns the resulting full vector. Later calls win by arrival order.
func (s *Store) SetFromOperator(deviceID string, p Patch) Vector {
	id := normalizeID(deviceID)
	e := s.lookup(id)

	e.mu.Lock()
	now := s.now()
	e.vector = p.Apply(e.vector)
	e.origin = OriginOperator
	e.updatedAt = now
	e.lastOperatorWrite = now
	v := e.vector
	s.notify(Change{DeviceID: id, Vector: v, Origin: OriginOperator, Source: OriginOperator, Applied: true, At: now})
	e.mu.Unlock()

	return v
}

// SetFromDevice records a full device-reported vector. It replaces the
// authoritative vector only when the policy allows it; otherwise the report is
// kept as the shadow last device report. The returned vector is the one that
// is authoritative afterwards, and applied reports whether v took effect.
func (s *Store) SetFromDevice(deviceID string, v Vector) (Vector, bool) {
	id := normalizeID(deviceID)
	e := s.lookup(id)

	e.mu.Lock()
	now := s.now()
	reported := v
	e.lastDeviceReport = &reported
	e.lastDeviceReportAt = now

	applied := s.policy.DeviceMayOverride(e.origin, e.lastOperatorWrite, now)
	if applied {
		e.vector = v
		e.origin = OriginDevice
		e.updatedAt = now
	}
	current, origin := e.vector, e.origin
	s.notify(Change{DeviceID: id, Vector: current, Origin: origin, Source: OriginDevice, Applied: applied, At: now})
	e.mu.Unlock()

	return current, applied
}

func (s *Store) notify(c Change) {
	if s.onChange != nil {
		s.onChange(c)
	}
}

func normalizeID(deviceID string) string {
	return strings.TrimSpace(deviceID)
}
