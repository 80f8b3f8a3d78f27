package commands

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Flag names accepted on the wire. The set is closed: anything else is rejected.
const (
	FlagFan  = "fan"
	FlagBulb = "bulb"
	FlagPump = "pump"
	FlagTap  = "tap"
)

// ErrValidation marks malformed command input. Wrap it with fmt.Errorf to add detail.
var ErrValidation = errors.New("validation failed")

// UnknownFlagError is returned when a write names an actuator that does not exist.
type UnknownFlagError struct {
	Flag string
}

func (e *UnknownFlagError) Error() string {
	return fmt.Sprintf("unknown actuator flag %q (expected one of %s)", e.Flag, strings.Join(FlagNames(), ", "))
}

// Unwrap lets callers match with errors.Is(err, ErrValidation).
func (e *UnknownFlagError) Unwrap() error { return ErrValidation }

// Vector is the complete desired actuator state for one device. Every flag
// always has a value; the zero Vector is "everything off".
type Vector struct {
	Fan  bool `json:"fan"`
	Bulb bool `json:"bulb"`
	Pump bool `json:"pump"`
	Tap  bool `json:"tap"`
}

// Patch is a partial operator write. Nil fields leave the stored flag untouched.
type Patch struct {
	Fan  *bool
	Bulb *bool
	Pump *bool
	Tap  *bool
}

// FlagNames returns the recognised flag names in stable order.
func FlagNames() []string {
	return []string{FlagFan, FlagBulb, FlagPump, FlagTap}
}

// IsFlag reports whether name is a recognised actuator flag.
func IsFlag(name string) bool {
	switch name {
	case FlagFan, FlagBulb, FlagPump, FlagTap:
		return true
	default:
		return false
	}
}

// Empty reports whether the patch sets no flag at all.
func (p Patch) Empty() bool {
	return p.Fan == nil && p.Bulb == nil && p.Pump == nil && p.Tap == nil
}

// Apply returns v with every flag present in p overwritten.
func (p Patch) Apply(v Vector) Vector {
	if p.Fan != nil {
		v.Fan = *p.Fan
	}
	if p.Bulb != nil {
		v.Bulb = *p.Bulb
	}
	if p.Pump != nil {
		v.Pump = *p.Pump
	}
	if p.Tap != nil {
		v.Tap = *p.Tap
	}
	return v
}

// ParsePatch converts a decoded JSON object into a Patch. Keys must be known
// flag names and values must be JSON booleans.
func ParsePatch(fields map[string]any) (Patch, error) {
	if len(fields) == 0 {
		return Patch{}, fmt.Errorf("%w: no actuator flags supplied", ErrValidation)
	}

	// Sorted so the reported error is deterministic when several keys are bad.
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var p Patch
	for _, k := range keys {
		if !IsFlag(k) {
			return Patch{}, &UnknownFlagError{Flag: k}
		}
		b, ok := fields[k].(bool)
		if !ok {
			return Patch{}, fmt.Errorf("%w: flag %q must be a boolean, got %T", ErrValidation, k, fields[k])
		}
		switch k {
		case FlagFan:
			p.Fan = &b
		case FlagBulb:
			p.Bulb = &b
		case FlagPump:
			p.Pump = &b
		case FlagTap:
			p.Tap = &b
		}
	}
	return p, nil
}
