// Package dispatcher turns processing requests into running recipes. A
// request names stored recipes, carries an inline custom recipe, or both,
// together with the parameters substituted into them.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/mxflow/internal/bus"
	"github.com/ChuLiYu/mxflow/internal/recipe"
	"github.com/ChuLiYu/mxflow/internal/runtime"
)

var log = slog.Default()

// Channel is where processing requests arrive.
const Channel = "processing_recipe"

const (
	defaultReadinessTimeout = 120 * time.Second
	readinessPoll           = 2 * time.Second
)

var (
	ErrNoRecipes     = errors.New("dispatcher: message contains no recipes")
	ErrBadParameters = errors.New("dispatcher: parameters not given as a dictionary")
)

// Metadata answers questions about a data collection before dispatch.
type Metadata interface {
	// Ready reports whether the request may be dispatched yet.
	Ready(ctx context.Context, params map[string]any) (bool, error)
	// Enrich adds looked-up values to params.
	Enrich(ctx context.Context, params map[string]any) error
}

// Config configures a Dispatcher.
type Config struct {
	Recipes *recipe.Store
	// Deferred variables may stay unresolved after substitution.
	Deferred []string
	// Logbook, when set, receives a copy of every dispatched request.
	Logbook string
	// ReadinessTimeout applies when a request sets no dispatcher_timeout.
	ReadinessTimeout time.Duration
	Metadata         Metadata
	Now              func() time.Time
}

// Dispatcher is the processing_recipe service.
type Dispatcher struct {
	cfg Config
}

// New returns a dispatcher. A nil Metadata treats every request as ready.
func New(cfg Config) *Dispatcher {
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = defaultReadinessTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{cfg: cfg}
}

func (d *Dispatcher) Name() string { return "Dispatcher" }

func (d *Dispatcher) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	if d.cfg.Logbook != "" {
		if err := os.MkdirAll(d.cfg.Logbook, 0o775); err != nil {
			rt.Logger().Error("logbook disabled: cannot create location", "path", d.cfg.Logbook, "error", err)
			d.cfg.Logbook = ""
		}
	}
	return rt.Subscribe(Channel, runtime.SubscribeOptions{AllowNonRecipe: true}, d.process)
}

// request is the decoded body of a processing request.
type request struct {
	CustomRecipe json.RawMessage `json:"custom_recipe"`
	Recipes      []string        `json:"recipes"`
}

func (d *Dispatcher) process(ctx context.Context, _ *recipe.Wrapper, msg *runtime.Message) runtime.Outcome {
	start := time.Now()
	l := msg.Log

	body, params, err := decodeBody(msg.Payload)
	if err != nil {
		l.Error("dispatcher rejected malformed message", "error", err)
		return runtime.Reject(err.Error())
	}
	var req request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		l.Error("dispatcher rejected malformed message", "error", err)
		return runtime.Reject(err.Error())
	}

	guid := recipe.Format(params["guid"])
	if guid == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return runtime.Nack{Requeue: true, Reason: err.Error()}
		}
		guid = id.String()
	}
	params["guid"] = guid
	l = l.With("recipe_ID", guid)
	l.Debug("received processing request", "parameters", params)

	if d.cfg.Metadata != nil {
		ready, err := d.cfg.Metadata.Ready(ctx, params)
		if err != nil {
			return runtime.Nack{Requeue: true, Reason: err.Error()}
		}
		if !ready {
			return d.notReady(body, params, msg, l)
		}
		if err := d.cfg.Metadata.Enrich(ctx, params); err != nil {
			l.Error("rejected message due to metadata lookup error", "error", err)
			return runtime.Reject(err.Error())
		}
	}

	full, err := d.assemble(req, params)
	if err != nil {
		l.Error("dispatcher rejected message", "error", err)
		return runtime.Reject(err.Error())
	}

	rw := recipe.NewWrapper(full, map[string]any{"ID": guid}).Bind(msg.Txn)
	if err := rw.Start(); err != nil {
		return runtime.Nack{Requeue: true, Reason: err.Error()}
	}
	if d.cfg.Logbook != "" {
		d.record(guid, msg.Header, msg.Payload, body, full, l)
	}
	l.Info("processed incoming message", "elapsed", time.Since(start), "steps", len(full.Steps))
	return runtime.Ack{}
}

// notReady re-examines the request in two seconds until its expiry passes,
// then routes it to the error queue or dead-letters it.
func (d *Dispatcher) notReady(body, params map[string]any, msg *runtime.Message, l *slog.Logger) runtime.Outcome {
	now := d.cfg.Now()
	expiry, ok := toFloat(params["dispatcher_expiration"])
	if !ok {
		timeout := d.cfg.ReadinessTimeout
		if secs, ok := toFloat(params["dispatcher_timeout"]); ok {
			timeout = time.Duration(secs * float64(time.Second))
		}
		expiry = float64(now.Add(timeout).UnixNano()) / 1e9
		params["dispatcher_expiration"] = expiry
	}
	body["parameters"] = params

	if expiry > float64(now.UnixNano())/1e9 {
		l.Info("message not yet ready for processing")
		return runtime.Checkpoint{Payload: body, Delay: readinessPoll}
	}
	if queue := recipe.Format(params["dispatcher_error_queue"]); queue != "" {
		raw, err := bus.Marshal(body)
		if err == nil {
			err = msg.Txn.Send(queue, raw, bus.SendOptions{})
		}
		if err != nil {
			return runtime.Nack{Requeue: true, Reason: err.Error()}
		}
		l.Info("message rejected to specified error queue as still not ready for processing", "queue", queue)
		return runtime.Ack{}
	}
	l.Error("message rejected as still not ready for processing")
	return runtime.Reject("not ready for processing")
}

// assemble loads, validates and parameterises every requested recipe and
// merges them into one.
func (d *Dispatcher) assemble(req request, params map[string]any) (*recipe.Recipe, error) {
	var parts []*recipe.Recipe
	if len(req.CustomRecipe) > 0 && !bytes.Equal(req.CustomRecipe, []byte("null")) {
		r, err := recipe.Parse(req.CustomRecipe)
		if err != nil {
			return nil, fmt.Errorf("custom recipe: %w", err)
		}
		log.Info("received message containing a custom recipe", "guid", params["guid"])
		parts = append(parts, r)
	}
	for _, name := range req.Recipes {
		if d.cfg.Recipes == nil {
			return nil, fmt.Errorf("%w: %q (no recipe store)", recipe.ErrUnknownRecipe, name)
		}
		r, err := d.cfg.Recipes.Get(name)
		if err != nil {
			return nil, err
		}
		parts = append(parts, r)
	}
	if len(parts) == 0 {
		return nil, ErrNoRecipes
	}

	sub := recipe.NewSubstituter(params, d.cfg.Deferred...)
	full := recipe.New()
	for _, r := range parts {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if err := r.ApplyParameters(sub); err != nil {
			return nil, err
		}
		full = full.Merge(r)
	}
	return full, nil
}

// decodeBody returns the request as a generic map and its parameters. A
// missing parameters field yields an empty map.
func decodeBody(payload json.RawMessage) (map[string]any, map[string]any, error) {
	var body map[string]any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, nil, fmt.Errorf("dispatcher: %w", err)
	}
	if body == nil {
		return nil, nil, errors.New("dispatcher: empty message")
	}
	raw, present := body["parameters"]
	if !present || raw == nil {
		return body, map[string]any{}, nil
	}
	params, ok := raw.(map[string]any)
	if !ok {
		return nil, nil, ErrBadParameters
	}
	return body, params, nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

// ============================================================================
// Logbook
// ============================================================================

var unsafeGUID = regexp.MustCompile(`[^a-z0-9A-Z\-]+`)

// LogbookPath is where the request with guid is recorded.
func LogbookPath(base, guid string, now time.Time) (string, bool) {
	clean := unsafeGUID.ReplaceAllString(guid, "")
	if len(clean) < 3 {
		return "", false
	}
	return filepath.Join(base, now.Format("2006-01"), clean[:2], clean[2:]), true
}

func (d *Dispatcher) record(guid string, header map[string]string, original json.RawMessage, parsed map[string]any, r *recipe.Recipe, l *slog.Logger) {
	path, ok := LogbookPath(d.cfg.Logbook, guid, d.cfg.Now())
	if !ok {
		l.Warn("message with non-conforming guid not written to logbook", "guid", guid)
		return
	}
	var b bytes.Buffer
	section := func(title string, v any) {
		b.WriteString(title + ":\n")
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			data = []byte(fmt.Sprint(v))
		}
		b.Write(data)
		b.WriteString("\n\n")
	}
	section("Incoming message header", header)
	section("Incoming message body", original)
	section("Parsed message body", parsed)
	section("Recipe object", r)

	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		l.Warn("could not write message to logbook", "error", err)
		return
	}
	if err := os.WriteFile(path, b.Bytes(), 0o664); err != nil {
		l.Warn("could not write message to logbook", "error", err)
		return
	}
	l.Debug("message saved in logbook", "path", path)
}
