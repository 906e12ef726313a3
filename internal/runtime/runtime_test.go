package runtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mxflow/internal/bus"
	"github.com/ChuLiYu/mxflow/internal/recipe"
)

const waitFor = 2 * time.Second

const twoStep = `{
	"1": {"service": "first", "queue": "in", "output": 2, "parameters": {"ispyb_dcid": 42}},
	"2": {"service": "second", "queue": "out"},
	"start": [[1, {"x": 1}]]
}`

func startBroker(t *testing.T) *bus.Broker {
	t.Helper()
	b, err := bus.NewBroker(bus.Config{DispatchInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)
	return b
}

func newRuntime(t *testing.T, b *bus.Broker, opts ...Option) *Runtime {
	t.Helper()
	rt := New(context.Background(), "test", b, opts...)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func startRecipe(t *testing.T, rt *Runtime, src string) {
	t.Helper()
	r, err := recipe.Parse([]byte(src))
	require.NoError(t, err)
	require.NoError(t, rt.Transaction(func(txn bus.Txn) error {
		return recipe.NewWrapper(r, map[string]any{"ID": "guid-1"}).Bind(txn).Start()
	}))
}

// sink acks and keeps everything published on a channel.
type sink struct {
	mu  sync.Mutex
	got []*bus.Delivery
}

func collect(t *testing.T, b *bus.Broker, channel string) *sink {
	t.Helper()
	s := &sink{}
	_, err := b.Subscribe(context.Background(), channel, bus.SubscribeOptions{}, func(_ context.Context, d *bus.Delivery) {
		s.mu.Lock()
		s.got = append(s.got, d)
		s.mu.Unlock()
		_ = b.Ack(d)
	})
	require.NoError(t, err)
	return s
}

func (s *sink) list() []*bus.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*bus.Delivery(nil), s.got...)
}

func (s *sink) count() int { return len(s.list()) }

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) Handled(_, _, outcome string, _ time.Duration) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func (o *recordingObserver) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.outcomes...)
}

func TestAckCommitsWrapperSends(t *testing.T) {
	b := startBroker(t)
	obs := &recordingObserver{}
	rt := newRuntime(t, b, WithObserver(obs))
	out := collect(t, b, "out")

	var seen atomic.Value
	require.NoError(t, rt.Subscribe("in", SubscribeOptions{}, func(_ context.Context, rw *recipe.Wrapper, msg *Message) Outcome {
		var p map[string]int
		if err := msg.Decode(&p); err != nil {
			return Reject(err.Error())
		}
		seen.Store(p["x"])
		if err := rw.Send(map[string]int{"y": p["x"] + 1}); err != nil {
			return Nack{Requeue: true, Reason: err.Error()}
		}
		return Ack{}
	}))
	startRecipe(t, rt, twoStep)

	require.Eventually(t, func() bool { return out.count() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, seen.Load())

	d := out.list()[0]
	w, payload, isRecipe, err := recipe.Unwrap(d.Header, d.Body)
	require.NoError(t, err)
	require.True(t, isRecipe)
	assert.Equal(t, 2, w.Pointer)
	assert.Equal(t, []int{1}, w.Path)
	assert.Equal(t, "guid-1", w.Environment["ID"])
	assert.JSONEq(t, `{"y":2}`, string(payload))

	require.Eventually(t, func() bool { return b.Stats().Acked >= 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"ack"}, obs.list())
}

func TestNackDiscardsSends(t *testing.T) {
	b := startBroker(t)
	rt := newRuntime(t, b)
	out := collect(t, b, "out")
	dead := collect(t, b, "dlq.in")

	require.NoError(t, rt.Subscribe("in", SubscribeOptions{}, func(_ context.Context, rw *recipe.Wrapper, _ *Message) Outcome {
		require.NoError(t, rw.Send("ignored"))
		return Reject("bad input")
	}))
	startRecipe(t, rt, twoStep)

	require.Eventually(t, func() bool { return dead.count() == 1 }, waitFor, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, out.count())
}

func TestCheckpointRedeliversToSameStep(t *testing.T) {
	b := startBroker(t)
	rt := newRuntime(t, b)

	var mu sync.Mutex
	var payloads []string
	done := make(chan struct{})
	require.NoError(t, rt.Subscribe("in", SubscribeOptions{}, func(_ context.Context, rw *recipe.Wrapper, msg *Message) Outcome {
		mu.Lock()
		payloads = append(payloads, string(msg.Payload))
		n := len(payloads)
		mu.Unlock()
		if n == 1 {
			return Checkpoint{Payload: map[string]int{"x": 1, "round": 2}, Delay: 20 * time.Millisecond}
		}
		close(done)
		return Ack{}
	}))

	start := time.Now()
	startRecipe(t, rt, twoStep)

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("checkpointed message never came back")
	}
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 2)
	assert.JSONEq(t, `{"x":1}`, payloads[0])
	assert.JSONEq(t, `{"x":1,"round":2}`, payloads[1])
}

func TestPlainMessages(t *testing.T) {
	t.Run("rejected unless allowed", func(t *testing.T) {
		b := startBroker(t)
		rt := newRuntime(t, b)
		dead := collect(t, b, "dlq.plain")

		called := atomic.Bool{}
		require.NoError(t, rt.Subscribe("plain", SubscribeOptions{}, func(context.Context, *recipe.Wrapper, *Message) Outcome {
			called.Store(true)
			return Ack{}
		}))
		require.NoError(t, rt.Send(context.Background(), "plain", map[string]any{"a": 1}, bus.SendOptions{}))

		require.Eventually(t, func() bool { return dead.count() == 1 }, waitFor, 5*time.Millisecond)
		assert.False(t, called.Load())
	})

	t.Run("stub wrapper with parameters", func(t *testing.T) {
		b := startBroker(t)
		rt := newRuntime(t, b)

		type call struct {
			stub  bool
			param string
			body  string
		}
		calls := make(chan call, 4)
		var n atomic.Int32
		require.NoError(t, rt.Subscribe("plain", SubscribeOptions{AllowNonRecipe: true}, func(_ context.Context, rw *recipe.Wrapper, msg *Message) Outcome {
			calls <- call{stub: rw.IsStub(), param: rw.ParamString("mode", ""), body: string(msg.Payload)}
			if n.Add(1) > 1 {
				return Ack{}
			}
			var body map[string]any
			_ = json.Unmarshal(msg.Payload, &body)
			body["again"] = true
			return Checkpoint{Payload: body}
		}))
		require.NoError(t, rt.Send(context.Background(), "plain",
			map[string]any{"parameters": map[string]any{"mode": "fast"}}, bus.SendOptions{}))

		first := <-calls
		assert.True(t, first.stub)
		assert.Equal(t, "fast", first.param)

		select {
		case second := <-calls:
			assert.Equal(t, "fast", second.param)
			assert.JSONEq(t, `{"parameters":{"mode":"fast"},"again":true}`, second.body)
		case <-time.After(waitFor):
			t.Fatal("stub checkpoint was not redelivered")
		}
	})
}

func TestHandlerPanicIsRequeued(t *testing.T) {
	b := startBroker(t)
	rt := newRuntime(t, b)

	var calls atomic.Int32
	require.NoError(t, rt.Subscribe("in", SubscribeOptions{}, func(_ context.Context, _ *recipe.Wrapper, msg *Message) Outcome {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		assert.True(t, msg.Redelivered())
		return Ack{}
	}))
	startRecipe(t, rt, twoStep)

	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return b.Stats().Nacked == 1 }, waitFor, 5*time.Millisecond)
}

func TestRetainThenFinish(t *testing.T) {
	b := startBroker(t)
	rt := newRuntime(t, b)
	out := collect(t, b, "out")

	held := make(chan *Message, 3)
	var wrapper atomic.Pointer[recipe.Wrapper]
	require.NoError(t, rt.Subscribe("in", SubscribeOptions{Prefetch: 3}, func(_ context.Context, rw *recipe.Wrapper, msg *Message) Outcome {
		wrapper.Store(rw)
		held <- msg
		return Retain{}
	}))
	for i := 0; i < 3; i++ {
		startRecipe(t, rt, twoStep)
	}

	var msgs []*Message
	for i := 0; i < 3; i++ {
		select {
		case m := <-held:
			msgs = append(msgs, m)
		case <-time.After(waitFor):
			t.Fatal("expected three retained messages")
		}
	}
	assert.Equal(t, 3, b.Stats().InFlight)

	require.NoError(t, rt.Finish(msgs, wrapper.Load(), func(rw *recipe.Wrapper) error {
		return rw.Send(map[string]int{"total": 3})
	}))
	require.Eventually(t, func() bool { return out.count() == 1 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return b.Stats().InFlight == 0 }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, rt.Finish(msgs[:1], nil, nil), bus.ErrAlreadySettled)
}

func TestRegisterIdle(t *testing.T) {
	b := startBroker(t)
	rt := newRuntime(t, b)

	var ticks atomic.Int32
	require.NoError(t, rt.RegisterIdle(5*time.Millisecond, func(context.Context) { ticks.Add(1) }))
	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, waitFor, 5*time.Millisecond)

	require.NoError(t, rt.Close())
	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())

	assert.ErrorIs(t, rt.RegisterIdle(time.Second, func(context.Context) {}), ErrClosed)
	assert.ErrorIs(t, New(context.Background(), "x", b).RegisterIdle(0, nil), ErrBadInterval)
}

func TestIdleSerializedWithHandlers(t *testing.T) {
	b := startBroker(t)
	rt := newRuntime(t, b)

	var active atomic.Int32
	var overlap atomic.Bool
	enter := func() {
		if active.Add(1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
	}

	var handled atomic.Int32
	require.NoError(t, rt.Subscribe("in", SubscribeOptions{}, func(context.Context, *recipe.Wrapper, *Message) Outcome {
		enter()
		handled.Add(1)
		return Ack{}
	}))
	require.NoError(t, rt.RegisterIdle(time.Millisecond, func(context.Context) { enter() }))

	for i := 0; i < 10; i++ {
		startRecipe(t, rt, twoStep)
	}
	require.Eventually(t, func() bool { return handled.Load() == 10 }, waitFor, 5*time.Millisecond)
	assert.False(t, overlap.Load())
}

type fakeService struct {
	name    string
	initErr error
	started chan struct{}
	stopped atomic.Bool
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Initialize(_ context.Context, rt *Runtime) error {
	if s.initErr != nil {
		return s.initErr
	}
	if err := rt.Subscribe(s.name, SubscribeOptions{AllowNonRecipe: true}, func(context.Context, *recipe.Wrapper, *Message) Outcome {
		return Ack{}
	}); err != nil {
		return err
	}
	close(s.started)
	return nil
}

func (s *fakeService) Shutdown(context.Context) error {
	s.stopped.Store(true)
	return nil
}

func TestRunServices(t *testing.T) {
	b := startBroker(t)
	a := &fakeService{name: "alpha", started: make(chan struct{})}
	c := &fakeService{name: "gamma", started: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Run(ctx, b, []Service{a, c}) }()

	for _, s := range []*fakeService{a, c} {
		select {
		case <-s.started:
		case <-time.After(waitFor):
			t.Fatalf("service %s did not start", s.name)
		}
	}
	assert.Equal(t, 2, len(b.Stats().Subscriptions))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	assert.True(t, a.stopped.Load())
	assert.True(t, c.stopped.Load())
}

func TestRunFailsOnInitError(t *testing.T) {
	b := startBroker(t)
	bad := &fakeService{name: "bad", initErr: assert.AnError}
	err := Run(context.Background(), b, []Service{bad})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Error(t, Run(context.Background(), b, nil))
}
