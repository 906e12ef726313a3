// ============================================================================
// Broker performance tests
// ============================================================================
//
// TestThroughput:
//   500 messages through 4 competing subscribers on a journaled broker.
//   Every message is acked exactly once and none are lost.
//
// TestRecoveryPerformance:
//   500 unacked messages, broker stopped and reopened from the same files.
//   Target: recovery under 3 seconds with every message pending again.
//
// BenchmarkSendAck:
//   Round trip of one send and one ack with the journal on disk.
//
// ============================================================================

package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThroughput(t *testing.T) {
	b := startBroker(t, testConfig(t))
	const total = 500

	var mu sync.Mutex
	seen := make(map[string]int, total)
	for i := 0; i < 4; i++ {
		_, err := b.Subscribe(context.Background(), "per_image_analysis", SubscribeOptions{Prefetch: 8}, func(_ context.Context, d *Delivery) {
			var body map[string]string
			if err := d.Decode(&body); err == nil {
				mu.Lock()
				seen[body["file"]]++
				mu.Unlock()
			}
			_ = b.Ack(d)
		})
		require.NoError(t, err)
	}

	start := time.Now()
	for i := 0; i < total; i++ {
		send(t, b, "per_image_analysis", map[string]string{"file": fmt.Sprintf("image_%05d.cbf", i)})
	}
	require.Eventually(t, func() bool { return b.Stats().Acked == total }, 30*time.Second, 10*time.Millisecond)
	elapsed := time.Since(start)

	t.Logf("%d messages in %v (%.0f msg/s)", total, elapsed, float64(total)/elapsed.Seconds())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, total)
	for file, n := range seen {
		assert.Equal(t, 1, n, file)
	}
	assert.Empty(t, b.Stats().Pending["per_image_analysis"])
}

func TestRecoveryPerformance(t *testing.T) {
	cfg := testConfig(t)
	const total = 500

	b, err := NewBroker(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Start())
	for i := 0; i < total; i++ {
		send(t, b, "index", map[string]int{"image": i})
	}
	b.Stop()

	start := time.Now()
	restarted := startBroker(t, cfg)
	recovery := time.Since(start)

	t.Logf("recovered %d messages in %v", restarted.Stats().Pending["index"], recovery)
	assert.Equal(t, total, restarted.Stats().Pending["index"])
	assert.Less(t, recovery, 3*time.Second)
}

func BenchmarkSendAck(b *testing.B) {
	dir := b.TempDir()
	broker, err := NewBroker(Config{
		JournalPath:      dir + "/bus.journal",
		SnapshotPath:     dir + "/bus.snapshot",
		DispatchInterval: time.Millisecond,
	})
	require.NoError(b, err)
	require.NoError(b, broker.Start())
	defer broker.Stop()

	done := make(chan struct{}, 1)
	_, err = broker.Subscribe(context.Background(), "bench", SubscribeOptions{}, func(_ context.Context, d *Delivery) {
		_ = broker.Ack(d)
		done <- struct{}{}
	})
	require.NoError(b, err)

	body, err := Marshal(map[string]int{"n": 1})
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := broker.Send(context.Background(), "bench", body, SendOptions{}); err != nil {
			b.Fatal(err)
		}
		<-done
	}
	b.StopTimer()
}
