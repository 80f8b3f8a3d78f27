package commands

import "time"

// DefaultGraceWindow covers at least one full device poll cycle.
const DefaultGraceWindow = 60 * time.Second

// Origin records which write path last set the authoritative vector.
type Origin string

const (
	OriginOperator Origin = "operator"
	OriginDevice   Origin = "device-reported"
)

// Policy decides whether a device report may replace the authoritative vector.
// Devices echo their last applied actuator state in every telemetry report, so
// an operator write younger than GraceWindow must not be replaced by one.
type Policy struct {
	GraceWindow time.Duration
}

// NewPolicy returns a Policy, falling back to DefaultGraceWindow for non-positive windows.
func NewPolicy(grace time.Duration) Policy {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return Policy{GraceWindow: grace}
}

// DeviceMayOverride reports whether a device report arriving at now becomes
// authoritative. Only an operator write younger than the grace window blocks it.
func (p Policy) DeviceMayOverride(origin Origin, lastOperatorWrite, now time.Time) bool {
	if origin != OriginOperator {
		return true
	}
	return now.Sub(lastOperatorWrite) >= p.GraceWindow
}

// OverrideActive reports whether an operator override still suppresses device reports at now.
func (p Policy) OverrideActive(origin Origin, lastOperatorWrite, now time.Time) bool {
	return !p.DeviceMayOverride(origin, lastOperatorWrite, now)
}
