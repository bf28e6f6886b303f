package geofence

import (
	"fmt"
	"math"

	"classattend/internal/geo"
)

// DefaultToleranceMeters is the base radius used when none is configured.
const DefaultToleranceMeters = 50.0

// Fix is a device-reported position. Accuracy is the OS-reported radius in meters (0 when unknown).
type Fix struct {
	geo.Point
	Accuracy float64 `json:"accuracy"`
}

// Result describes a geofence decision and the numbers behind it.
type Result struct {
	Valid     bool    `json:"valid"`
	Distance  float64 `json:"distance"`
	Tolerance float64 `json:"tolerance"`
}

// ViolationError reports a student outside the effective radius.
type ViolationError struct {
	Distance  float64
	Tolerance float64
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("geofence violation: %.1fm away, tolerance %.1fm", e.Distance, e.Tolerance)
}

// Err returns a *ViolationError for an invalid result and nil otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &ViolationError{Distance: r.Distance, Tolerance: r.Tolerance}
}

// Check decides whether student is within max(baseTolerance, 2*accuracy) of site.
func Check(student Fix, site geo.Point, baseTolerance float64) Result {
	distance := geo.Distance(student.Point, site)
	tolerance := EffectiveTolerance(baseTolerance, student.Accuracy)
	return Result{
		Valid:     distance <= tolerance,
		Distance:  distance,
		Tolerance: tolerance,
	}
}

// EffectiveTolerance widens base for poor GPS fixes.
func EffectiveTolerance(base, accuracy float64) float64 {
	if math.IsNaN(accuracy) || accuracy < 0 {
		accuracy = 0
	}
	if math.IsNaN(base) || base < 0 {
		base = 0
	}
	return math.Max(base, 2*accuracy)
}

// Validator binds a configured base tolerance.
type Validator struct {
	Base float64
}

// NewValidator returns a validator; non-positive base falls back to DefaultToleranceMeters.
func NewValidator(base float64) *Validator {
	if base <= 0 {
		base = DefaultToleranceMeters
	}
	return &Validator{Base: base}
}

// Check runs the package-level Check with the configured base.
func (v *Validator) Check(student Fix, site geo.Point) Result {
	return Check(student, site, v.Base)
}
