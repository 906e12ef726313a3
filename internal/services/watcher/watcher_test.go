package watcher

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mxflow/internal/bus"
	"github.com/ChuLiYu/mxflow/internal/scheduler"
	st "github.com/ChuLiYu/mxflow/internal/services/servicetest"
)

func watchRecipe(t *testing.T, params map[string]any) string {
	t.Helper()
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(map[string]any{
		"1": map[string]any{
			"service": "HTCondorwatcher", "queue": Channel, "parameters": params,
			"output": map[string]any{"any": 2, "finally": 3, "timeout": 4},
		},
		"2":     map[string]any{"queue": "watch.any"},
		"3":     map[string]any{"queue": "watch.finally"},
		"4":     map[string]any{"queue": "watch.timeout"},
		"start": []any{[]any{1, map[string]any{}}},
	})
	require.NoError(t, err)
	return string(raw)
}

type counts struct {
	mu             sync.Mutex
	polls, timeout int
}

func (c *counts) WatcherPolled(int) {
	c.mu.Lock()
	c.polls++
	c.mu.Unlock()
}

func (c *counts) WatcherTimedOut(n int) {
	c.mu.Lock()
	c.timeout += n
	c.mu.Unlock()
}

func (c *counts) get() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls, c.timeout
}

type harness struct {
	b                     *bus.Broker
	sched                 *scheduler.Memory
	obs                   *counts
	any, finally, timeout *st.Sink
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{b: st.Broker(t), sched: scheduler.NewMemory(), obs: &counts{}}
	h.any = st.Collect(t, h.b, "watch.any")
	h.finally = st.Collect(t, h.b, "watch.finally")
	h.timeout = st.Collect(t, h.b, "watch.timeout")
	cfg.Scheduler = h.sched
	cfg.Observer = h.obs
	if cfg.MinDelay == 0 {
		cfg.MinDelay = 10 * time.Millisecond
	}
	st.Start(t, h.b, New(cfg))
	return h
}

func TestTimeoutHoldsRunningJobs(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	h := newHarness(t, Config{Now: func() time.Time { return now }})
	h.sched.Set(12345, scheduler.StateRunning)

	src := watchRecipe(t, map[string]any{"timeout": 10})
	st.SendStep(t, h.b, src, 1, nil, map[string]any{
		"jobid":      []any{12345},
		"first-seen": float64(now.Add(-11 * time.Second).Unix()),
	})

	require.Eventually(t, func() bool {
		return h.timeout.Count() == 1 && h.any.Count() == 1 && h.finally.Count() == 1
	}, st.WaitFor, st.Tick)

	for _, sink := range []*st.Sink{h.timeout, h.any, h.finally} {
		p := sink.Payloads(t)[0]
		assert.Equal(t, false, p["success"])
		assert.Equal(t, []any{float64(12345)}, p["jobid"])
	}
	reason, held := h.sched.HoldReason(12345)
	require.True(t, held)
	assert.Contains(t, reason, "timed out after 11.0 seconds")
	_, timedOut := h.obs.get()
	assert.Equal(t, 1, timedOut)
}

func TestPollsUntilJobsFinish(t *testing.T) {
	h := newHarness(t, Config{})
	h.sched.Set(1, scheduler.StateRunning)
	h.sched.Set(2, scheduler.StateCompleted)

	st.SendStep(t, h.b, watchRecipe(t, map[string]any{"timeout": 600}), 1, nil, map[string]any{"jobid": []any{1, 2}})
	require.Eventually(t, func() bool { polls, _ := h.obs.get(); return polls >= 2 }, st.WaitFor, st.Tick)
	assert.Zero(t, h.finally.Count())

	h.sched.Set(1, scheduler.StateCompleted)
	require.Eventually(t, func() bool { return h.finally.Count() == 1 }, st.WaitFor, st.Tick)

	p := h.finally.Payloads(t)[0]
	assert.Equal(t, true, p["success"])
	assert.EqualValues(t, 2, p["jobs-expected"])
	assert.Equal(t, []any{}, p["jobs-seen"])
	assert.Equal(t, 1, h.any.Count())
	assert.Zero(t, h.timeout.Count())
}

func TestQueuedJobsDoNotTimeOut(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	h := newHarness(t, Config{Now: func() time.Time { return now }})
	h.sched.Set(7, scheduler.StateIdle)

	st.SendStep(t, h.b, watchRecipe(t, map[string]any{"timeout": 10}), 1, nil, map[string]any{
		"jobid":      7,
		"first-seen": float64(now.Add(-time.Hour).Unix()),
	})
	require.Eventually(t, func() bool { polls, _ := h.obs.get(); return polls >= 3 }, st.WaitFor, st.Tick)
	assert.Zero(t, h.timeout.Count())
	_, held := h.sched.HoldReason(7)
	assert.False(t, held)
}

func TestEmptyAndMissingJobLists(t *testing.T) {
	h := newHarness(t, Config{})
	src := watchRecipe(t, nil)

	st.SendStep(t, h.b, src, 1, nil, map[string]any{"jobid": []any{nil}})
	require.Eventually(t, func() bool { return h.finally.Count() == 1 }, st.WaitFor, st.Tick)
	p := h.finally.Payloads(t)[0]
	assert.Equal(t, true, p["success"])
	assert.EqualValues(t, 0, p["jobs-expected"])

	st.SendStep(t, h.b, src, 1, nil, map[string]any{"something": "else"})
	require.Eventually(t, func() bool { return h.b.Stats().InFlight == 0 && h.b.Stats().Acked >= 3 }, st.WaitFor, st.Tick)
	assert.Equal(t, 1, h.finally.Count())
	assert.Zero(t, h.any.Count())
}

func TestInvalidJobIDIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	dlq := st.Collect(t, h.b, "dlq."+Channel)
	st.SendStep(t, h.b, watchRecipe(t, nil), 1, nil, map[string]any{"jobid": []any{"x"}})
	require.Eventually(t, func() bool { return dlq.Count() == 1 }, st.WaitFor, st.Tick)
}

func TestJobList(t *testing.T) {
	ids, empty, err := jobList(float64(5))
	require.NoError(t, err)
	assert.False(t, empty)
	assert.Equal(t, []scheduler.JobID{5}, ids)

	ids, _, err = jobList([]any{"12", json.Number("13")})
	require.NoError(t, err)
	assert.Equal(t, []scheduler.JobID{12, 13}, ids)

	_, empty, err = jobList([]any{})
	require.NoError(t, err)
	assert.True(t, empty)

	_, _, err = jobList([]any{-1})
	assert.ErrorIs(t, err, scheduler.ErrInvalidJobID)
}

func TestStatistics(t *testing.T) {
	h := newHarness(t, Config{Statistics: true, StatisticsInterval: 10 * time.Millisecond, Cluster: "iris"})
	stats := st.Collect(t, h.b, StatisticsChannel)
	h.sched.Set(1, scheduler.StateIdle)
	h.sched.Set(2, scheduler.StateRunning)
	h.sched.Set(3, scheduler.StateRunning)

	require.Eventually(t, func() bool {
		for _, d := range stats.Deliveries() {
			var p map[string]any
			if json.Unmarshal(d.Body, &p) == nil && p["running"] == float64(2) {
				return true
			}
		}
		return false
	}, st.WaitFor, st.Tick)
	all := stats.Payloads(t)
	p := all[len(all)-1]
	assert.Equal(t, "job-status", p["statistic"])
	assert.Equal(t, "iris", p["statistic-cluster"])
	assert.EqualValues(t, 1, p["waiting"])
	assert.EqualValues(t, 0, p["hold"])
}
