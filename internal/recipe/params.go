package recipe

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// UndefinedVariableError is returned when a placeholder names a parameter
// that is neither supplied nor deferred.
type UndefinedVariableError struct {
	Name string
	Step int
}

func (e *UndefinedVariableError) Error() string {
	if e.Step == 0 {
		return fmt.Sprintf("recipe: undefined variable {%s}", e.Name)
	}
	return fmt.Sprintf("recipe: step %d: undefined variable {%s}", e.Step, e.Name)
}

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.\-]*)\}`)

// Substituter replaces {name} placeholders with parameter values. Names in
// Deferred are left in place for a later stage to fill.
type Substituter struct {
	Parameters map[string]any
	Deferred   map[string]bool
}

// NewSubstituter builds a substituter; deferred lists variables allowed to
// stay unresolved.
func NewSubstituter(params map[string]any, deferred ...string) *Substituter {
	s := &Substituter{Parameters: params, Deferred: make(map[string]bool, len(deferred))}
	for _, d := range deferred {
		s.Deferred[d] = true
	}
	return s
}

// ApplyParameters substitutes placeholders throughout the recipe: queues,
// services, step parameters and start payloads.
func (r *Recipe) ApplyParameters(s *Substituter) error {
	for _, id := range r.StepIDs() {
		step := r.Steps[id]
		var err error
		if step.Queue, err = s.String(step.Queue); err != nil {
			return withStep(err, id)
		}
		if step.Service, err = s.String(step.Service); err != nil {
			return withStep(err, id)
		}
		if step.Parameters != nil {
			v, err := s.Value(step.Parameters)
			if err != nil {
				return withStep(err, id)
			}
			step.Parameters = v.(map[string]any)
		}
	}
	for i := range r.Start {
		v, err := s.Value(r.Start[i].Payload)
		if err != nil {
			return withStep(err, r.Start[i].Step)
		}
		r.Start[i].Payload = v
	}
	return nil
}

func withStep(err error, id int) error {
	if u, ok := err.(*UndefinedVariableError); ok {
		u.Step = id
	}
	return err
}

// Value substitutes recursively inside maps, lists and strings. A string
// consisting of exactly one placeholder takes the parameter's value with
// its type; otherwise values are formatted into the string.
func (s *Substituter) Value(v any) (any, error) {
	switch t := v.(type) {
	case string:
		if m := placeholder.FindStringSubmatch(t); m != nil && m[0] == t {
			if val, ok := s.lookup(m[1]); ok {
				return deepCopy(val), nil
			}
		}
		return s.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			nk, err := s.String(k)
			if err != nil {
				return nil, err
			}
			nv, err := s.Value(t[k])
			if err != nil {
				return nil, err
			}
			out[nk] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			nv, err := s.Value(e)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return v, nil
	}
}

// String substitutes placeholders in one string.
func (s *Substituter) String(in string) (string, error) {
	if !strings.Contains(in, "{") {
		return in, nil
	}
	var firstErr error
	out := placeholder.ReplaceAllStringFunc(in, func(match string) string {
		name := match[1 : len(match)-1]
		val, ok := s.lookup(name)
		if !ok {
			if !s.Deferred[name] && firstErr == nil {
				firstErr = &UndefinedVariableError{Name: name}
			}
			return match
		}
		return Format(val)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// lookup resolves a name, descending into nested maps on dots when the
// dotted name itself is not a parameter.
func (s *Substituter) lookup(name string) (any, bool) {
	if v, ok := s.Parameters[name]; ok {
		return v, true
	}
	parts := strings.Split(name, ".")
	if len(parts) == 1 {
		return nil, false
	}
	var cur any = s.Parameters
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Format renders a parameter value for interpolation into a string.
func Format(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprint(t)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
