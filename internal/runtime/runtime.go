// ============================================================================
// Service runtime
// ============================================================================
//
// A Runtime connects one service to the bus:
//   - Subscribe: decode the recipe envelope, bind the wrapper to a fresh
//     transaction, run the handler, then perform the returned Outcome
//   - RegisterIdle: periodic callbacks serialized with the handlers
//   - Finish / Reject: settle messages a handler retained earlier
//
// Settlement per outcome:
//   Ack        - txn.Ack + Commit (wrapper sends commit together)
//   Nack       - txn.Abort (sends discarded) then bus Nack
//   Checkpoint - txn.Send(same step, delay) + txn.Ack + Commit
//   Retain     - Commit the sends, leave the message in flight
//
// Handlers and idle callbacks of one runtime never run concurrently.
// ============================================================================

package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ChuLiYu/mxflow/internal/bus"
	"github.com/ChuLiYu/mxflow/internal/recipe"
	"github.com/ChuLiYu/mxflow/pkg/types"
)

var log = slog.Default()

var (
	ErrClosed       = errors.New("runtime: closed")
	ErrNotRecipe    = errors.New("runtime: message carries no recipe")
	ErrNilHandler   = errors.New("runtime: nil handler")
	ErrBadInterval  = errors.New("runtime: idle interval must be positive")
	ErrNothingToAck = errors.New("runtime: no messages to settle")
)

// Message is one received message as a handler sees it.
type Message struct {
	Channel  string
	Header   map[string]string
	Payload  json.RawMessage
	Delivery *bus.Delivery
	// Txn is the transaction the handler's outcome settles in. Sends made
	// through it commit or abort together with the message.
	Txn bus.Txn

	// Log carries service, channel, message-id and, when known, dcid and
	// guid attributes.
	Log *slog.Logger
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// HandlerFunc processes one message. The wrapper is bound to the message's
// transaction: anything sent through it commits with the outcome.
type HandlerFunc func(ctx context.Context, rw *recipe.Wrapper, msg *Message) Outcome

// IdleFunc runs periodically on the service's handler thread.
type IdleFunc func(ctx context.Context)

// SubscribeOptions modify one subscription.
type SubscribeOptions struct {
	Exclusive bool
	Prefetch  int
	// AllowNonRecipe accepts plain messages. The handler then gets a stub
	// wrapper built from the message's "parameters" field.
	AllowNonRecipe bool
}

// Observer receives one call per handled message.
type Observer interface {
	Handled(service, channel, outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) Handled(string, string, string, time.Duration) {}

// Runtime is the per-service handle on the bus.
type Runtime struct {
	service   string
	transport bus.Transport
	observer  Observer
	log       *slog.Logger

	// serial orders handler invocations and idle callbacks.
	serial sync.Mutex

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	subs   []bus.Subscription
	wg     sync.WaitGroup
	closed bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithObserver reports handler outcomes to o.
func WithObserver(o Observer) Option {
	return func(r *Runtime) {
		if o != nil {
			r.observer = o
		}
	}
}

// New creates a runtime for service on transport. The runtime lives until
// Close or until ctx ends.
func New(ctx context.Context, service string, transport bus.Transport, opts ...Option) *Runtime {
	rctx, cancel := context.WithCancel(ctx)
	r := &Runtime{
		service:   service,
		transport: transport,
		observer:  nopObserver{},
		log:       log.With("service", service),
		ctx:       rctx,
		cancel:    cancel,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Service returns the service name.
func (r *Runtime) Service() string { return r.service }

// Logger returns the service logger.
func (r *Runtime) Logger() *slog.Logger { return r.log }

// Transport returns the underlying bus.
func (r *Runtime) Transport() bus.Transport { return r.transport }

// Context is cancelled when the runtime closes.
func (r *Runtime) Context() context.Context { return r.ctx }

// Subscribe registers h on channel.
func (r *Runtime) Subscribe(channel string, opts SubscribeOptions, h HandlerFunc) error {
	if h == nil {
		return ErrNilHandler
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	sub, err := r.transport.Subscribe(r.ctx, channel, bus.SubscribeOptions{
		Exclusive: opts.Exclusive,
		Prefetch:  opts.Prefetch,
	}, func(ctx context.Context, d *bus.Delivery) {
		r.handle(ctx, channel, opts, h, d)
	})
	if err != nil {
		return fmt.Errorf("runtime: subscribe %s: %w", channel, err)
	}
	r.subs = append(r.subs, sub)
	r.log.Info("subscribed", "channel", channel, "exclusive", opts.Exclusive, "prefetch", opts.Prefetch)
	return nil
}

// RegisterIdle calls fn every interval until the runtime closes.
func (r *Runtime) RegisterIdle(interval time.Duration, fn IdleFunc) error {
	if interval <= 0 {
		return ErrBadInterval
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.runIdle(fn)
			}
		}
	}()
	return nil
}

func (r *Runtime) runIdle(fn IdleFunc) {
	r.serial.Lock()
	defer r.serial.Unlock()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("idle callback panicked", "panic", p, "stack", string(debug.Stack()))
		}
	}()
	if r.ctx.Err() != nil {
		return
	}
	fn(r.ctx)
}

// Send publishes a plain message outside any handler.
func (r *Runtime) Send(ctx context.Context, channel string, payload any, opts bus.SendOptions) error {
	body, err := bus.Marshal(payload)
	if err != nil {
		return err
	}
	return r.transport.Send(ctx, channel, body, opts)
}

// Transaction runs fn inside a bus transaction, committing when it returns
// nil and aborting otherwise.
func (r *Runtime) Transaction(fn func(txn bus.Txn) error) error {
	txn := r.transport.Begin()
	if err := fn(txn); err != nil {
		if aerr := txn.Abort(); aerr != nil && !errors.Is(aerr, bus.ErrTxnFinished) {
			r.log.Warn("abort failed", "txn", txn.ID(), "error", aerr)
		}
		return err
	}
	return txn.Commit()
}

// Finish settles retained messages in one transaction: fn may send through
// rw (bound to that transaction) and every message is then acked. rw may be
// nil when nothing is sent.
func (r *Runtime) Finish(msgs []*Message, rw *recipe.Wrapper, fn func(rw *recipe.Wrapper) error) error {
	if len(msgs) == 0 && fn == nil {
		return ErrNothingToAck
	}
	return r.Transaction(func(txn bus.Txn) error {
		if fn != nil {
			var bound *recipe.Wrapper
			if rw != nil {
				bound = rw.Bind(txn)
			}
			if err := fn(bound); err != nil {
				return err
			}
		}
		for _, m := range msgs {
			if err := txn.Ack(m.Delivery); err != nil {
				return fmt.Errorf("runtime: ack %s: %w", m.Delivery.MessageID, err)
			}
		}
		return nil
	})
}

// Reject nacks a retained message.
func (r *Runtime) Reject(msg *Message, requeue bool) error {
	return r.transport.Nack(msg.Delivery, requeue)
}

// Close unsubscribes and stops the idle timers. In-flight handlers finish
// first; their unsettled messages are redelivered by the bus.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil && !errors.Is(err, bus.ErrClosed) {
			errs = append(errs, err)
		}
	}
	r.cancel()
	r.wg.Wait()
	r.log.Info("runtime closed")
	return errors.Join(errs...)
}

// ============================================================================
// Delivery handling
// ============================================================================

func (r *Runtime) handle(ctx context.Context, channel string, opts SubscribeOptions, h HandlerFunc, d *bus.Delivery) {
	start := time.Now()
	msgLog := r.log.With("channel", channel, "message-id", string(d.MessageID))

	rw, payload, isRecipe, err := recipe.Unwrap(d.Header, d.Body)
	if err != nil {
		msgLog.Error("rejecting undecodable message", "error", err)
		r.nack(d, false, msgLog)
		r.observer.Handled(r.service, channel, Nack{}.kind(), time.Since(start))
		return
	}
	if !isRecipe {
		if !opts.AllowNonRecipe {
			msgLog.Error("rejecting message without recipe")
			r.nack(d, false, msgLog)
			r.observer.Handled(r.service, channel, Nack{}.kind(), time.Since(start))
			return
		}
		rw = recipe.Stub(stubParameters(payload))
	}
	msgLog = withContext(msgLog, rw)

	msg := &Message{
		Channel:  channel,
		Header:   d.Header,
		Payload:  payload,
		Delivery: d,
		Log:      msgLog,
	}

	txn := r.transport.Begin()
	msg.Txn = txn
	bound := rw.Bind(txn)

	r.serial.Lock()
	outcome := r.invoke(ctx, h, bound, msg)
	r.serial.Unlock()

	r.settle(txn, bound, msg, outcome)
	r.observer.Handled(r.service, channel, outcome.kind(), time.Since(start))
}

func (r *Runtime) invoke(ctx context.Context, h HandlerFunc, rw *recipe.Wrapper, msg *Message) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			msg.Log.Error("handler panicked", "panic", p, "stack", string(debug.Stack()))
			out = Nack{Requeue: true, Reason: fmt.Sprint(p)}
		}
	}()
	out = h(ctx, rw, msg)
	if out == nil {
		msg.Log.Error("handler returned no outcome")
		out = Nack{Requeue: true, Reason: "no outcome"}
	}
	return out
}

func (r *Runtime) settle(txn bus.Txn, rw *recipe.Wrapper, msg *Message, outcome Outcome) {
	d := msg.Delivery
	switch o := outcome.(type) {
	case Ack:
		if err := txn.Ack(d); err != nil {
			r.abort(txn, msg, err)
			return
		}
		r.commit(txn, msg)

	case Nack:
		if err := txn.Abort(); err != nil && !errors.Is(err, bus.ErrTxnFinished) {
			msg.Log.Warn("abort failed", "error", err)
		}
		if o.Reason != "" {
			msg.Log.Warn("message nacked", "requeue", o.Requeue, "reason", o.Reason)
		}
		r.nack(d, o.Requeue, msg.Log)

	case Checkpoint:
		channel, body, header, err := checkpointTarget(rw, msg, o.Payload)
		if err == nil {
			err = txn.Send(channel, body, bus.SendOptions{Header: header, Delay: o.Delay})
		}
		if err == nil {
			err = txn.Ack(d)
		}
		if err != nil {
			r.abort(txn, msg, err)
			return
		}
		msg.Log.Debug("checkpointed", "target", channel, "delay", o.Delay)
		r.commit(txn, msg)

	case Retain:
		r.commit(txn, msg)

	default:
		msg.Log.Error("unknown outcome", "type", fmt.Sprintf("%T", outcome))
		r.abort(txn, msg, fmt.Errorf("runtime: unknown outcome %T", outcome))
	}
}

// checkpointTarget re-addresses payload to the step that received msg. A
// stub wrapper goes back to the channel it came from as a plain message.
func checkpointTarget(rw *recipe.Wrapper, msg *Message, payload any) (string, json.RawMessage, map[string]string, error) {
	if rw.IsStub() {
		body, err := bus.Marshal(payload)
		return msg.Channel, body, nil, err
	}
	channel, body, err := rw.Checkpoint(payload)
	return channel, body, map[string]string{recipe.HeaderRecipe: "true"}, err
}

func (r *Runtime) commit(txn bus.Txn, msg *Message) {
	if err := txn.Commit(); err != nil {
		// A failed commit rolls back; the bus redelivers the message.
		msg.Log.Error("commit failed", "txn", txn.ID(), "error", err)
	}
}

func (r *Runtime) abort(txn bus.Txn, msg *Message, cause error) {
	msg.Log.Error("abandoning transaction", "txn", txn.ID(), "error", cause)
	if err := txn.Abort(); err != nil && !errors.Is(err, bus.ErrTxnFinished) {
		msg.Log.Warn("abort failed", "error", err)
	}
	r.nack(msg.Delivery, true, msg.Log)
}

func (r *Runtime) nack(d *bus.Delivery, requeue bool, l *slog.Logger) {
	if err := r.transport.Nack(d, requeue); err != nil && !errors.Is(err, bus.ErrClosed) {
		l.Warn("nack failed", "error", err)
	}
}

// stubParameters extracts the "parameters" object of a plain message.
func stubParameters(payload json.RawMessage) map[string]any {
	var probe struct {
		Parameters map[string]any `json:"parameters"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil
	}
	return probe.Parameters
}

// withContext adds the identifiers operators grep for.
func withContext(l *slog.Logger, rw *recipe.Wrapper) *slog.Logger {
	for _, key := range []string{"ispyb_dcid", "dcid"} {
		if v, ok := rw.Param(key); ok && v != nil {
			l = l.With("dcid", recipe.Format(v))
			break
		}
	}
	if guid, ok := rw.Environment["ID"]; ok {
		l = l.With("guid", recipe.Format(guid))
	}
	return l
}

// Redelivered reports whether the bus flagged msg as a redelivery.
func (m *Message) Redelivered() bool {
	return m.Delivery != nil && m.Delivery.Redelivered || m.Header[types.HeaderRedelivered] == "true"
}
