// Package ispyb executes metadata-store commands. A command names an
// operation and carries its fields; fields may refer to identifiers that
// earlier commands stored in the recipe environment as $name or ${name}.
// The store assigns every identifier.
package ispyb

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

var log = slog.Default()

var (
	ErrUnknownCommand = errors.New("ispyb: unknown command")
	ErrNoCommand      = errors.New("ispyb: message is not a command")
	ErrInvalid        = errors.New("ispyb: invalid command fields")
	ErrNotFound       = errors.New("ispyb: record not found")
	ErrUnknownTable   = errors.New("ispyb: unknown table")
	ErrUnknownColumn  = errors.New("ispyb: unknown column")
	ErrRetryable      = errors.New("ispyb: transient store failure")
	ErrUnknownDriver  = errors.New("ispyb: unknown driver")
)

// KeyCommand and KeyStoreResult are the reserved command fields.
const (
	KeyCommand     = "ispyb_command"
	KeyStoreResult = "store_result"
	KeyCommandList = "ispyb_command_list"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Params resolves command fields. Layers are searched in order and the
// first one holding a name wins; string values then have environment
// references substituted.
type Params struct {
	layers []map[string]any
	env    map[string]any
}

// NewParams layers the given maps over each other, first one on top.
func NewParams(env map[string]any, layers ...map[string]any) Params {
	kept := make([]map[string]any, 0, len(layers))
	for _, l := range layers {
		if l != nil {
			kept = append(kept, l)
		}
	}
	return Params{layers: kept, env: env}
}

// Raw returns a field without substitution.
func (p Params) Raw(name string) (any, bool) {
	for _, l := range p.layers {
		if v, ok := l[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// rawFold is Raw with a case-insensitive fallback, for ISPyB field names
// that arrive in mixed case (numberOfImages).
func (p Params) rawFold(name string) (any, bool) {
	if v, ok := p.Raw(name); ok {
		return v, true
	}
	for _, l := range p.layers {
		for k, v := range l {
			if strings.EqualFold(k, name) {
				return v, true
			}
		}
	}
	return nil, false
}

// Get returns a field with environment references substituted.
func (p Params) Get(name string) any {
	v, _ := p.Raw(name)
	return p.expand(v)
}

func (p Params) expand(v any) any {
	if s, ok := v.(string); ok && strings.Contains(s, "$") {
		return Substitute(s, p.env)
	}
	return v
}

// String returns a field as text, empty when absent.
func (p Params) String(name string) string {
	v := p.Get(name)
	if v == nil {
		return ""
	}
	return text(v)
}

// Int returns a field as an integer. ok is false when absent or not an
// integral number.
func (p Params) Int(name string) (int64, bool) {
	v := p.Get(name)
	if v == nil {
		return 0, false
	}
	n, err := toInt(v)
	return n, err == nil
}

// Bool treats absent, false, zero and empty as false.
func (p Params) Bool(name string) bool {
	switch v := p.Get(name).(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		return err == nil && b
	default:
		n, err := toFloat(v)
		return err == nil && n != 0
	}
}

// Map returns a nested object field.
func (p Params) Map(name string) map[string]any {
	m, _ := p.Get(name).(map[string]any)
	return m
}

// List returns an array field.
func (p Params) List(name string) []any {
	l, _ := p.Get(name).([]any)
	return l
}

// ============================================================================
// Value conversion
// ============================================================================

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("%v is not an integer", x)
		}
		return int64(x), nil
	case json.Number:
		return strconv.ParseInt(string(x), 10, 64)
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("%T is not an integer", v)
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		return 0, fmt.Errorf("%T is not a number", v)
	}
}

func text(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}
