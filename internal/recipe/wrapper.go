package recipe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/mxflow/internal/bus"
)

var log = slog.Default()

// HeaderRecipe marks bus messages whose body is an Envelope.
const HeaderRecipe = "mxflow-recipe"

var (
	ErrBadPointer  = errors.New("recipe: pointer does not name a step")
	ErrNoSender    = errors.New("recipe: wrapper is not bound to a sender")
	ErrNotEnvelope = errors.New("recipe: message is not a recipe envelope")
)

// Envelope is the wire form of a Wrapper.
type Envelope struct {
	Recipe      *Recipe         `json:"recipe"`
	Pointer     int             `json:"recipe-pointer"`
	Path        []int           `json:"recipe-path"`
	Environment map[string]any  `json:"environment"`
	Payload     json.RawMessage `json:"payload"`
}

// Sender is where a wrapper's messages go; a bus transaction in practice.
type Sender interface {
	Send(channel string, body json.RawMessage, opts bus.SendOptions) error
}

// Wrapper is a recipe positioned at one step, plus the environment that
// travels with it.
type Wrapper struct {
	Recipe      *Recipe
	Pointer     int
	Path        []int
	Environment map[string]any

	stub   map[string]any
	sender Sender
}

// NewWrapper positions nothing yet; use Start to enter the recipe.
func NewWrapper(r *Recipe, env map[string]any) *Wrapper {
	if env == nil {
		env = make(map[string]any)
	}
	return &Wrapper{Recipe: r, Environment: env}
}

// Stub wraps a message that did not arrive with a recipe. Only the step
// parameters are available and sends go nowhere.
func Stub(parameters map[string]any) *Wrapper {
	if parameters == nil {
		parameters = make(map[string]any)
	}
	return &Wrapper{stub: parameters, Environment: make(map[string]any)}
}

// FromEnvelope validates an envelope and returns its wrapper.
func FromEnvelope(e *Envelope) (*Wrapper, error) {
	if e.Recipe == nil {
		return nil, ErrNotEnvelope
	}
	if _, ok := e.Recipe.Steps[e.Pointer]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrBadPointer, e.Pointer)
	}
	env := e.Environment
	if env == nil {
		env = make(map[string]any)
	}
	return &Wrapper{
		Recipe:      e.Recipe,
		Pointer:     e.Pointer,
		Path:        append([]int(nil), e.Path...),
		Environment: env,
	}, nil
}

// Unwrap decodes a bus message. isRecipe is false when the body is not an
// envelope; body is then returned unchanged as the payload.
func Unwrap(header map[string]string, body json.RawMessage) (w *Wrapper, payload json.RawMessage, isRecipe bool, err error) {
	if header[HeaderRecipe] == "" && !looksLikeEnvelope(body) {
		return nil, body, false, nil
	}
	var e Envelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&e); err != nil {
		return nil, nil, true, fmt.Errorf("recipe: decode envelope: %w", err)
	}
	w, err = FromEnvelope(&e)
	if err != nil {
		return nil, nil, true, err
	}
	return w, e.Payload, true, nil
}

func looksLikeEnvelope(body json.RawMessage) bool {
	var probe struct {
		Recipe  json.RawMessage `json:"recipe"`
		Pointer json.RawMessage `json:"recipe-pointer"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Recipe != nil && probe.Pointer != nil
}

// IsStub reports whether the wrapper was synthesised for a plain message.
func (w *Wrapper) IsStub() bool { return w.Recipe == nil }

// Bind returns a copy of w that sends through s. The environment is shared.
func (w *Wrapper) Bind(s Sender) *Wrapper {
	c := *w
	c.sender = s
	return &c
}

// Step returns the current step, or nil for stubs.
func (w *Wrapper) Step() *Step {
	if w.Recipe == nil {
		return nil
	}
	return w.Recipe.Steps[w.Pointer]
}

// Parameters returns the current step's parameters, never nil.
func (w *Wrapper) Parameters() map[string]any {
	if w.stub != nil {
		return w.stub
	}
	if s := w.Step(); s != nil && s.Parameters != nil {
		return s.Parameters
	}
	return map[string]any{}
}

// Param looks up one step parameter.
func (w *Wrapper) Param(name string) (any, bool) {
	v, ok := w.Parameters()[name]
	return v, ok
}

// ParamString returns a step parameter rendered as a string, or def.
func (w *Wrapper) ParamString(name, def string) string {
	if v, ok := w.Param(name); ok && v != nil {
		return Format(v)
	}
	return def
}

// Start sends every start entry to its step.
func (w *Wrapper) Start() error {
	if w.Recipe == nil {
		return ErrNotEnvelope
	}
	for _, sp := range w.Recipe.Start {
		entry := &Wrapper{Recipe: w.Recipe, Pointer: sp.Step, Environment: w.Environment, sender: w.sender}
		if err := entry.deliver(sp.Step, nil, sp.Payload, bus.SendOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// Send forwards payload on the default outlet.
func (w *Wrapper) Send(payload any) error { return w.SendTo("", payload) }

// SendTo forwards payload on a named outlet. Sending on an outlet the step
// does not define is a no-op.
func (w *Wrapper) SendTo(outlet string, payload any) error {
	return w.SendToWithOptions(outlet, payload, bus.SendOptions{})
}

// SendToWithOptions is SendTo with bus options such as a delay.
func (w *Wrapper) SendToWithOptions(outlet string, payload any, opts bus.SendOptions) error {
	step := w.Step()
	if step == nil {
		log.Debug("recipe: send from stub wrapper dropped", "outlet", outlet)
		return nil
	}
	targets := step.Output.Targets(outlet)
	if len(targets) == 0 {
		log.Debug("recipe: step has no such outlet", "step", w.Pointer, "outlet", outlet)
		return nil
	}
	path := append(append([]int(nil), w.Path...), w.Pointer)
	for _, t := range targets {
		if err := w.deliver(t, path, payload, opts); err != nil {
			return err
		}
	}
	return nil
}

// HasOutlet reports whether the current step defines outlet.
func (w *Wrapper) HasOutlet(outlet string) bool {
	step := w.Step()
	return step != nil && len(step.Output.Targets(outlet)) > 0
}

// Checkpoint returns the channel and body that re-deliver payload to the
// current step.
func (w *Wrapper) Checkpoint(payload any) (string, json.RawMessage, error) {
	step := w.Step()
	if step == nil {
		return "", nil, ErrNotEnvelope
	}
	body, err := w.encode(w.Pointer, w.Path, payload)
	return step.Queue, body, err
}

func (w *Wrapper) deliver(target int, path []int, payload any, opts bus.SendOptions) error {
	if w.sender == nil {
		return ErrNoSender
	}
	step, ok := w.Recipe.Steps[target]
	if !ok {
		return fmt.Errorf("%w: %d", ErrBadPointer, target)
	}
	body, err := w.encode(target, path, payload)
	if err != nil {
		return err
	}
	header := make(map[string]string, len(opts.Header)+1)
	for k, v := range opts.Header {
		header[k] = v
	}
	header[HeaderRecipe] = "true"
	opts.Header = header
	return w.sender.Send(step.Queue, body, opts)
}

func (w *Wrapper) encode(pointer int, path []int, payload any) (json.RawMessage, error) {
	raw, err := bus.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if path == nil {
		path = []int{}
	}
	return json.Marshal(Envelope{
		Recipe:      w.Recipe,
		Pointer:     pointer,
		Path:        path,
		Environment: w.Environment,
		Payload:     raw,
	})
}

// Envelope returns the wire form of w carrying payload.
func (w *Wrapper) Envelope(payload any) (*Envelope, error) {
	raw, err := bus.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Recipe:      w.Recipe,
		Pointer:     w.Pointer,
		Path:        append([]int{}, w.Path...),
		Environment: w.Environment,
		Payload:     raw,
	}, nil
}
