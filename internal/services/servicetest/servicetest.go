// Package servicetest runs services against an in-memory broker for
// tests.
package servicetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mxflow/internal/bus"
	"github.com/ChuLiYu/mxflow/internal/recipe"
	"github.com/ChuLiYu/mxflow/internal/runtime"
)

// WaitFor bounds every Eventually in service tests.
const WaitFor = 3 * time.Second

// Tick is the polling interval used with WaitFor.
const Tick = 10 * time.Millisecond

// Broker starts a memory-only broker that stops with the test.
func Broker(t *testing.T) *bus.Broker {
	t.Helper()
	b, err := bus.NewBroker(bus.Config{
		DispatchInterval: 5 * time.Millisecond,
		RedeliveryDelay:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)
	return b
}

// Start initializes svc on its own runtime. The runtime closes with the
// test.
func Start(t *testing.T, b *bus.Broker, svc runtime.Service, opts ...runtime.Option) *runtime.Runtime {
	t.Helper()
	rt := runtime.New(context.Background(), svc.Name(), b, opts...)
	t.Cleanup(func() { rt.Close() })
	require.NoError(t, svc.Initialize(context.Background(), rt))
	return rt
}

// Sink records everything published on a channel and acks it.
type Sink struct {
	mu  sync.Mutex
	got []*bus.Delivery
}

// Collect subscribes a Sink to channel.
func Collect(t *testing.T, b *bus.Broker, channel string) *Sink {
	t.Helper()
	s := &Sink{}
	_, err := b.Subscribe(context.Background(), channel, bus.SubscribeOptions{Prefetch: 100}, func(_ context.Context, d *bus.Delivery) {
		s.mu.Lock()
		s.got = append(s.got, d)
		s.mu.Unlock()
		_ = b.Ack(d)
	})
	require.NoError(t, err)
	return s
}

// Deliveries returns a copy of what arrived so far.
func (s *Sink) Deliveries() []*bus.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*bus.Delivery(nil), s.got...)
}

// Count is the number of deliveries so far.
func (s *Sink) Count() int { return len(s.Deliveries()) }

// Payloads decodes each delivery as a map, unwrapping recipe envelopes.
func (s *Sink) Payloads(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, d := range s.Deliveries() {
		_, payload, _, err := recipe.Unwrap(d.Header, d.Body)
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(payload, &m))
		out = append(out, m)
	}
	return out
}

// Envelopes decodes each delivery as a recipe envelope.
func (s *Sink) Envelopes(t *testing.T) []*recipe.Envelope {
	t.Helper()
	var out []*recipe.Envelope
	for _, d := range s.Deliveries() {
		var e recipe.Envelope
		require.NoError(t, json.Unmarshal(d.Body, &e))
		out = append(out, &e)
	}
	return out
}

// SendStep enters step of the recipe in src directly, as if an upstream
// step had sent payload to it. env becomes the wrapper environment.
func SendStep(t *testing.T, b *bus.Broker, src string, step int, env map[string]any, payload any) {
	t.Helper()
	r, err := recipe.Parse([]byte(src))
	require.NoError(t, err)
	rw := recipe.NewWrapper(r, env)
	e, err := rw.Envelope(payload)
	require.NoError(t, err)
	e.Pointer = step
	body, err := json.Marshal(e)
	require.NoError(t, err)
	require.NoError(t, b.Send(context.Background(), r.Steps[step].Queue, body, bus.SendOptions{
		Header: map[string]string{recipe.HeaderRecipe: "true"},
	}))
}

// SendPlain publishes payload as a message without a recipe.
func SendPlain(t *testing.T, b *bus.Broker, channel string, payload any) {
	t.Helper()
	body, err := bus.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, b.Send(context.Background(), channel, body, bus.SendOptions{}))
}
