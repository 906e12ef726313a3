// Package recipe models processing recipes: small graphs of steps, each
// naming the channel its service listens on and where its output goes.
// A Wrapper carries a recipe alongside a message as it moves between
// services.
package recipe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

var (
	ErrNoStart       = errors.New("recipe: no start entries")
	ErrUnknownStep   = errors.New("recipe: reference to undefined step")
	ErrCycle         = errors.New("recipe: step graph contains a cycle")
	ErrMissingQueue  = errors.New("recipe: step has no queue")
	ErrUnknownRecipe = errors.New("recipe: unknown recipe")
)

// Step is one node of a recipe.
type Step struct {
	Service    string         `json:"service,omitempty"`
	Queue      string         `json:"queue"`
	Output     *Output        `json:"output,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Output lists the steps a step feeds. A plain output is a single step id
// or a list of ids; a named output maps outlet names to ids.
type Output struct {
	Default []int
	Named   map[string][]int
}

// Targets returns the steps behind an outlet. The empty name is the default
// outlet; for named outputs it resolves to the "default" entry if present.
func (o *Output) Targets(name string) []int {
	if o == nil {
		return nil
	}
	if name == "" {
		if o.Named == nil {
			return o.Default
		}
		name = "default"
	}
	return o.Named[name]
}

// Names lists the named outlets in sorted order.
func (o *Output) Names() []string {
	if o == nil {
		return nil
	}
	names := make([]string, 0, len(o.Named))
	for n := range o.Named {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (o *Output) all() []int {
	if o == nil {
		return nil
	}
	ids := append([]int(nil), o.Default...)
	for _, n := range o.Names() {
		ids = append(ids, o.Named[n]...)
	}
	return ids
}

func (o *Output) remap(f func(int) int) *Output {
	if o == nil {
		return nil
	}
	out := &Output{}
	for _, id := range o.Default {
		out.Default = append(out.Default, f(id))
	}
	if o.Named != nil {
		out.Named = make(map[string][]int, len(o.Named))
		for n, ids := range o.Named {
			for _, id := range ids {
				out.Named[n] = append(out.Named[n], f(id))
			}
		}
	}
	return out
}

func (o Output) MarshalJSON() ([]byte, error) {
	if o.Named != nil {
		m := make(map[string]any, len(o.Named))
		for n, ids := range o.Named {
			m[n] = idsValue(ids)
		}
		return json.Marshal(m)
	}
	return json.Marshal(idsValue(o.Default))
}

func idsValue(ids []int) any {
	if len(ids) == 1 {
		return ids[0]
	}
	return ids
}

func (o *Output) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		o.Named = make(map[string][]int, len(raw))
		for n, v := range raw {
			ids, err := parseIDs(v)
			if err != nil {
				return fmt.Errorf("output %q: %w", n, err)
			}
			o.Named[n] = ids
		}
		return nil
	}
	ids, err := parseIDs(data)
	if err != nil {
		return err
	}
	o.Default = ids
	return nil
}

func parseIDs(data []byte) ([]int, error) {
	var one int
	if err := json.Unmarshal(data, &one); err == nil {
		return []int{one}, nil
	}
	var many []int
	if err := json.Unmarshal(data, &many); err != nil {
		return nil, fmt.Errorf("recipe: output must be a step id or a list of step ids: %s", data)
	}
	return many, nil
}

// StartPoint is one `start` entry: the step to enter and its payload.
type StartPoint struct {
	Step    int
	Payload any
}

func (s StartPoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{s.Step, s.Payload})
}

func (s *StartPoint) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil || len(pair) != 2 {
		return fmt.Errorf("recipe: start entry must be [step, payload]: %s", data)
	}
	if err := json.Unmarshal(pair[0], &s.Step); err != nil {
		return fmt.Errorf("recipe: start step: %w", err)
	}
	return decodeAny(pair[1], &s.Payload)
}

// Recipe is a graph of steps keyed by integer label.
type Recipe struct {
	Steps map[int]*Step
	Start []StartPoint
}

// New returns an empty recipe.
func New() *Recipe {
	return &Recipe{Steps: make(map[int]*Step)}
}

func (r *Recipe) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Steps)+1)
	for id, s := range r.Steps {
		m[strconv.Itoa(id)] = s
	}
	start := r.Start
	if start == nil {
		start = []StartPoint{}
	}
	m["start"] = start
	return json.Marshal(m)
}

func (r *Recipe) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("recipe: %w", err)
	}
	r.Steps = make(map[int]*Step, len(raw))
	r.Start = nil
	for key, v := range raw {
		if key == "start" {
			if err := json.Unmarshal(v, &r.Start); err != nil {
				return err
			}
			continue
		}
		id, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("recipe: step label %q is not an integer", key)
		}
		var s Step
		dec := json.NewDecoder(bytes.NewReader(v))
		dec.UseNumber()
		if err := dec.Decode(&s); err != nil {
			return fmt.Errorf("recipe: step %d: %w", id, err)
		}
		r.Steps[id] = &s
	}
	return nil
}

// Parse decodes and validates a recipe document.
func Parse(data []byte) (*Recipe, error) {
	if err := CheckSchema(data); err != nil {
		return nil, err
	}
	r := New()
	if err := json.Unmarshal(data, r); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// StepIDs returns the step labels in ascending order.
func (r *Recipe) StepIDs() []int {
	ids := make([]int, 0, len(r.Steps))
	for id := range r.Steps {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Clone deep-copies the recipe.
func (r *Recipe) Clone() *Recipe {
	if r == nil {
		return nil
	}
	c := &Recipe{Steps: make(map[int]*Step, len(r.Steps))}
	for id, s := range r.Steps {
		c.Steps[id] = s.clone()
	}
	for _, sp := range r.Start {
		c.Start = append(c.Start, StartPoint{Step: sp.Step, Payload: deepCopy(sp.Payload)})
	}
	return c
}

func (s *Step) clone() *Step {
	c := *s
	c.Output = s.Output.remap(func(id int) int { return id })
	if s.Parameters != nil {
		c.Parameters = deepCopy(s.Parameters).(map[string]any)
	}
	return &c
}

// deepCopy copies JSON-shaped values.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = deepCopy(e)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, e := range t {
			l[i] = deepCopy(e)
		}
		return l
	default:
		return v
	}
}

// decodeAny unmarshals JSON keeping numbers as json.Number so that large
// identifiers survive.
func decodeAny(data []byte, v *any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
