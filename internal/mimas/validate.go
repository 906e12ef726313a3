package mimas

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidScenario is wrapped by every validation failure in this package.
var ErrInvalidScenario = errors.New("mimas: invalid scenario")

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("mimas: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidScenario }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NewSweep builds a validated sweep.
func NewSweep(dcid, start, end int) (Sweep, error) {
	s := Sweep{DCID: dcid, Start: start, End: end}
	if err := Validate(s); err != nil {
		return Sweep{}, err
	}
	return s, nil
}

// NewUnitCell builds a validated unit cell.
func NewUnitCell(a, b, c, alpha, beta, gamma float64) (UnitCell, error) {
	u := UnitCell{A: a, B: b, C: c, Alpha: alpha, Beta: beta, Gamma: gamma}
	if err := Validate(u); err != nil {
		return UnitCell{}, err
	}
	return u, nil
}

// Validate checks any Mimas value, recursing into nested values. A nil
// return means every consumer may rely on the value's invariants.
func Validate(v any) error {
	switch x := v.(type) {
	case Scenario:
		return validateScenario(&x)
	case *Scenario:
		if x == nil {
			return invalid("scenario", "nil")
		}
		return validateScenario(x)
	case Event:
		if x != EventStart && x != EventEnd {
			return invalid("event", "%d is not START or END", int(x))
		}
		return nil
	case DCClass:
		if x < DCClassUndefined || x > DCClassScreening {
			return invalid("dc_class", "%d is out of range", int(x))
		}
		return nil
	case DetectorClass:
		if x < DetectorUnknown || x > DetectorEiger {
			return invalid("detector_class", "%d is out of range", int(x))
		}
		return nil
	case Sweep:
		return validateSweep(x)
	case UnitCell:
		return validateUnitCell(x)
	case SpaceGroup:
		if x.number < 1 || x.number > len(spaceGroupHM) || spaceGroupHM[x.number-1] != x.hm {
			return invalid("space_group", "%q is not a known space group", x.hm)
		}
		return nil
	case Element:
		if x.number < 1 || x.number > len(elementSymbols) {
			return invalid("anomalous_scatterer", "atomic number %d", x.number)
		}
		return nil
	case Parameter:
		if x.Key == "" {
			return invalid("parameter", "empty key")
		}
		return nil
	case TriggerVariable:
		if x.Key == "" {
			return invalid("trigger_variable", "empty key")
		}
		return nil
	case RecipeInvocation:
		if x.DCID <= 0 {
			return invalid("DCID", "%d is not positive", x.DCID)
		}
		if x.Recipe == "" {
			return invalid("recipe", "empty recipe name")
		}
		return nil
	case JobInvocation:
		return validateJob(x)
	default:
		return invalid("value", "%T is not a known Mimas type", v)
	}
}

func validateScenario(s *Scenario) error {
	if s.DCID <= 0 {
		return invalid("DCID", "%d is not positive", s.DCID)
	}
	for _, v := range []any{s.Event, s.DCClass, s.DetectorClass} {
		if err := Validate(v); err != nil {
			return err
		}
	}
	for _, sw := range s.Sweeps {
		if err := validateSweep(sw); err != nil {
			return err
		}
	}
	if s.UnitCell != nil {
		if err := validateUnitCell(*s.UnitCell); err != nil {
			return err
		}
	}
	if s.SpaceGroup != nil {
		if err := Validate(*s.SpaceGroup); err != nil {
			return err
		}
	}
	if s.AnomalousScatterer != nil {
		if err := Validate(*s.AnomalousScatterer); err != nil {
			return err
		}
	}
	return nil
}

func validateSweep(s Sweep) error {
	if s.DCID <= 0 {
		return invalid("sweep", "DCID %d is not positive", s.DCID)
	}
	if s.Start <= 0 {
		return invalid("sweep", "start image %d is not positive", s.Start)
	}
	if s.End < s.Start {
		return invalid("sweep", "end image %d precedes start image %d", s.End, s.Start)
	}
	return nil
}

func validateUnitCell(u UnitCell) error {
	lengths := map[string]float64{"a": u.A, "b": u.B, "c": u.C}
	for _, name := range []string{"a", "b", "c"} {
		v := lengths[name]
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return invalid("unit_cell", "length %s=%v must be positive", name, v)
		}
	}
	angles := map[string]float64{"alpha": u.Alpha, "beta": u.Beta, "gamma": u.Gamma}
	for _, name := range []string{"alpha", "beta", "gamma"} {
		v := angles[name]
		if math.IsNaN(v) || !(v > 0 && v < 180) {
			return invalid("unit_cell", "angle %s=%v must lie in (0, 180)", name, v)
		}
	}
	return nil
}

func validateJob(j JobInvocation) error {
	if j.DCID <= 0 {
		return invalid("DCID", "%d is not positive", j.DCID)
	}
	if j.Recipe == "" {
		return invalid("recipe", "empty recipe name")
	}
	for _, p := range j.Parameters {
		if err := Validate(p); err != nil {
			return err
		}
	}
	for _, sw := range j.Sweeps {
		if err := validateSweep(sw); err != nil {
			return err
		}
	}
	for _, tv := range j.TriggerVariables {
		if err := Validate(tv); err != nil {
			return err
		}
	}
	return nil
}
