package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"agrisync/core-go/internal/commands"
	"agrisync/core-go/internal/metrics"
)

const maxDeviceIDLen = 128

// Saver persists snapshots. Implementations must be safe for concurrent use.
type Saver interface {
	Save(ctx context.Context, s Snapshot) error
}

// Pinger is implemented by savers that can report backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CommandSink receives the actuator state folded out of a report.
//
// *commands.Store satisfies this.
type CommandSink interface {
	SetFromDevice(deviceID string, v commands.Vector) (commands.Vector, bool)
}

type Options struct {
	// DefaultDeviceID is used when a report carries no device id. Empty means
	// the id is required.
	DefaultDeviceID string
	Now             func() time.Time
	NewID           func() string
}

// Result is what a successful Record produced.
type Result struct {
	Snapshot Snapshot
	Commands commands.Vector
	// Applied is false when the reported actuators were held back by an operator override.
	Applied bool
}

type Intake struct {
	log             zerolog.Logger
	saver           Saver
	sink            CommandSink
	defaultDeviceID string
	now             func() time.Time
	newID           func() string
	metrics         *metrics.Metrics
}

func NewIntake(log zerolog.Logger, saver Saver, sink CommandSink, opts Options, m *metrics.Metrics) *Intake {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	return &Intake{
		log:             log,
		saver:           saver,
		sink:            sink,
		defaultDeviceID: strings.TrimSpace(opts.DefaultDeviceID),
		now:             now,
		newID:           newID,
		metrics:         m,
	}
}

// DefaultDeviceID is the id substituted for reports without one ("" if none).
func (in *Intake) DefaultDeviceID() string {
	return in.defaultDeviceID
}

// Saver exposes the configured persistence backend.
func (in *Intake) Saver() Saver {
	return in.saver
}

// Record validates r, persists it and only then folds its actuator flags into
// the command sink. A storage failure leaves the sink untouched.
func (in *Intake) Record(ctx context.Context, r Report) (Result, error) {
	deviceID, err := in.resolveDeviceID(r.DeviceID)
	if err != nil {
		in.metrics.IncTelemetryReport("invalid")
		return Result{}, err
	}

	snap := Snapshot{
		ID:             in.newID(),
		DeviceID:       deviceID,
		Temperature:    r.Temp,
		Humidity:       r.Hum,
		SoilMoisture:   r.Soil,
		LightIntensity: r.LDR,
		WaterLevel:     r.Water,
		BatteryLevel:   0,
		CapturedAt:     in.now().UTC(),
	}

	if err := in.saver.Save(ctx, snap); err != nil {
		in.metrics.IncTelemetryReport("storage_error")
		in.log.Error().Err(err).Str("device_id", deviceID).Msg("persist telemetry snapshot failed")
		return Result{}, &StorageError{Err: err}
	}

	vec, applied := in.sink.SetFromDevice(deviceID, r.Actuators())
	if !applied {
		in.metrics.IncDeviceReportSuppressed()
		in.log.Debug().
			Str("device_id", deviceID).
			Interface("reported", r.Actuators()).
			Interface("authoritative", vec).
			Msg("device report held back by operator override")
	}
	in.metrics.IncTelemetryReport("ok")

	return Result{Snapshot: snap, Commands: vec, Applied: applied}, nil
}

func (in *Intake) resolveDeviceID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		if in.defaultDeviceID == "" {
			return "", fmt.Errorf("%w: deviceId is required", ErrValidation)
		}
		in.log.Debug().Str("device_id", in.defaultDeviceID).Msg("report without deviceId; using default")
		return in.defaultDeviceID, nil
	}
	return ValidateDeviceID(id)
}

// ValidateDeviceID trims id and checks it is usable as a device key.
func ValidateDeviceID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: deviceId must not be empty", ErrValidation)
	}
	if !utf8.ValidString(id) {
		return "", fmt.Errorf("%w: deviceId must be valid utf-8", ErrValidation)
	}
	if utf8.RuneCountInString(id) > maxDeviceIDLen {
		return "", fmt.Errorf("%w: deviceId longer than %d characters", ErrValidation, maxDeviceIDLen)
	}
	return id, nil
}
