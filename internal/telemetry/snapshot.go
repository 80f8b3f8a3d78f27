package telemetry

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"agrisync/core-go/internal/commands"
)

var (
	// ErrValidation is commands.ErrValidation, so one errors.Is check covers
	// malformed reports and malformed operator writes.
	ErrValidation = commands.ErrValidation
	ErrStorage    = errors.New("storage failure")
)

// StorageError wraps a persistence collaborator failure. It matches ErrStorage.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure: %v", e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Snapshot is one persisted reading. It is never mutated after Intake builds it.
type Snapshot struct {
	ID             string
	DeviceID       string
	Temperature    *float64
	Humidity       *float64
	SoilMoisture   *float64
	LightIntensity *float64
	WaterLevel     *float64
	// BatteryLevel is always 0: the field devices have no battery sensor.
	BatteryLevel float64
	CapturedAt   time.Time
}

// Report is the wire body a device posts. Sensor fields are optional;
// actuator fields use the device's 0/1 encoding and servo drives the tap.
type Report struct {
	DeviceID string   `json:"deviceId"`
	Temp     *float64 `json:"temp"`
	Hum      *float64 `json:"hum"`
	Soil     *float64 `json:"soil"`
	LDR      *float64 `json:"ldr"`
	Water    *float64 `json:"water"`
	Fan      Switch   `json:"fan"`
	Bulb     Switch   `json:"bulb"`
	Pump     Switch   `json:"pump"`
	Servo    Switch   `json:"servo"`
}

// Actuators folds the reported switches into a full command vector.
func (r Report) Actuators() commands.Vector {
	return commands.Vector{
		Fan:  bool(r.Fan),
		Bulb: bool(r.Bulb),
		Pump: bool(r.Pump),
		Tap:  bool(r.Servo),
	}
}

// Switch decodes an actuator flag sent as 0/1 (or a JSON boolean). Missing or
// null decodes to off.
type Switch bool

func (s *Switch) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch string(b) {
	case "null", "false":
		*s = false
		return nil
	case "true":
		*s = true
		return nil
	}

	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("%w: actuator flag must be 0 or 1, got %s", ErrValidation, b)
	}
	switch f {
	case 0:
		*s = false
	case 1:
		*s = true
	default:
		return fmt.Errorf("%w: actuator flag must be 0 or 1, got %s", ErrValidation, b)
	}
	return nil
}
