// Package watcher waits for cluster jobs to finish. Instead of blocking, a
// message whose jobs are still running is checkpointed back onto the
// channel, so the waiting loop lives on the bus.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ChuLiYu/mxflow/internal/bus"
	"github.com/ChuLiYu/mxflow/internal/recipe"
	"github.com/ChuLiYu/mxflow/internal/runtime"
	"github.com/ChuLiYu/mxflow/internal/scheduler"
)

// Channel is where watch requests arrive.
const Channel = "htcondorwatcher"

// StatisticsChannel receives the periodic job-state counts.
const StatisticsChannel = "statistics.cluster"

const (
	OutletAny     = "any"
	OutletFinally = "finally"
	OutletTimeout = "timeout"
)

const (
	DefaultTimeout            = time.Hour
	DefaultMinDelay           = time.Second
	DefaultStatisticsInterval = 30 * time.Second
)

// Observer counts what the watcher did.
type Observer interface {
	WatcherPolled(active int)
	WatcherTimedOut(held int)
}

type nopObserver struct{}

func (nopObserver) WatcherPolled(int)   {}
func (nopObserver) WatcherTimedOut(int) {}

// Config configures the watcher.
type Config struct {
	Scheduler scheduler.Scheduler
	// Timeout applies when the recipe step sets none.
	Timeout time.Duration
	// MinDelay is the shortest checkpoint delay.
	MinDelay time.Duration
	// Statistics enables the job-state report on StatisticsChannel.
	Statistics         bool
	StatisticsInterval time.Duration
	Cluster            string
	Observer           Observer
	Now                func() time.Time
}

// Watcher is the cluster job watcher service.
type Watcher struct {
	cfg Config
	rt  *runtime.Runtime
}

// New returns a watcher polling cfg.Scheduler.
func New(cfg Config) *Watcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = DefaultMinDelay
	}
	if cfg.StatisticsInterval <= 0 {
		cfg.StatisticsInterval = DefaultStatisticsInterval
	}
	if cfg.Cluster == "" {
		cfg.Cluster = "cluster"
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Watcher{cfg: cfg}
}

func (w *Watcher) Name() string { return "HTCondorwatcher" }

func (w *Watcher) Initialize(ctx context.Context, rt *runtime.Runtime) error {
	w.rt = rt
	rt.Logger().Info("watcher starting")
	if w.cfg.Statistics {
		if err := rt.RegisterIdle(w.cfg.StatisticsInterval, w.reportStatistics); err != nil {
			return err
		}
	}
	return rt.Subscribe(Channel, runtime.SubscribeOptions{}, w.watch)
}

// jobList parses the jobid field, a single id or a list of them. A list
// holding only null means there is nothing to wait for.
func jobList(v any) (ids []scheduler.JobID, empty bool, err error) {
	list, isList := v.([]any)
	if !isList {
		list = []any{v}
	}
	if len(list) == 1 && list[0] == nil {
		return nil, true, nil
	}
	for _, item := range list {
		n, ok := recipe.Int(item)
		if !ok || n <= 0 {
			return nil, false, fmt.Errorf("%w: %v", scheduler.ErrInvalidJobID, item)
		}
		ids = append(ids, scheduler.JobID(n))
	}
	return ids, len(ids) == 0, nil
}

func unix(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }

func fromUnix(f float64) time.Time {
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}

func (w *Watcher) watch(ctx context.Context, rw *recipe.Wrapper, msg *runtime.Message) runtime.Outcome {
	now := w.cfg.Now()

	var body map[string]any
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		msg.Log.Error("invalid received message type", "error", err)
		return runtime.Ack{}
	}
	raw, present := body["jobid"]
	if !present {
		msg.Log.Error("field 'jobid' is missing from the received message")
		return runtime.Ack{}
	}
	jobs, empty, err := jobList(raw)
	if err != nil {
		msg.Log.Error("invalid job list", "error", err)
		return runtime.Reject(err.Error())
	}
	if empty {
		msg.Log.Debug("empty list encountered")
		if err := rw.SendTo(OutletFinally, map[string]any{"jobs-expected": 0, "jobs-seen": 0, "success": true}); err != nil {
			return runtime.Nack{Requeue: true, Reason: err.Error()}
		}
		return runtime.Ack{}
	}

	firstSeen := now
	if f, ok := recipe.Float(body["first-seen"]); ok {
		firstSeen = fromUnix(f)
	}

	seen := []scheduler.JobID{}
	for _, id := range jobs {
		st, err := w.cfg.Scheduler.Status(ctx, id)
		if err != nil {
			return runtime.Nack{Requeue: true, Reason: err.Error()}
		}
		msg.Log.Debug("scheduler status", "job", id, "found", st.Found, "state", st.State)
		if st.Active() {
			seen = append(seen, id)
		}
		// queued jobs do not count against the timeout
		if st.Found && st.State == scheduler.StateIdle {
			firstSeen = now
		}
	}
	w.cfg.Observer.WatcherPolled(len(seen))
	elapsed := now.Sub(firstSeen)

	if len(seen) == 0 {
		msg.Log.Info("all jobs in list exited", "jobs", len(jobs), "elapsed", elapsed)
		err := rw.SendTo(OutletAny, map[string]any{"jobs-expected": len(jobs), "jobs-seen": seen})
		if err == nil {
			err = rw.SendTo(OutletFinally, map[string]any{"jobs-expected": len(jobs), "jobs-seen": seen, "success": true})
		}
		if err != nil {
			return runtime.Nack{Requeue: true, Reason: err.Error()}
		}
		return runtime.Ack{}
	}

	timeout := w.cfg.Timeout
	if secs, ok := recipe.Float(rw.Parameters()["timeout"]); ok {
		timeout = time.Duration(secs * float64(time.Second))
	}
	if elapsed > timeout {
		return w.timedOut(ctx, rw, msg, seen, len(jobs), elapsed)
	}

	delay := w.cfg.MinDelay
	if secs, ok := recipe.Float(rw.Parameters()["burst-wait"]); ok {
		if d := time.Duration(secs * float64(time.Second)); d > delay {
			delay = d
		}
	}
	msg.Log.Debug("jobs still running", "running", len(seen), "jobs", len(jobs), "elapsed", elapsed)
	return runtime.Checkpoint{
		Payload: map[string]any{"jobid": jobs, "first-seen": unix(firstSeen)},
		Delay:   delay,
	}
}

func (w *Watcher) timedOut(ctx context.Context, rw *recipe.Wrapper, msg *runtime.Message, seen []scheduler.JobID, total int, elapsed time.Duration) runtime.Outcome {
	reason := fmt.Sprintf("Job timed out after %.1f seconds", elapsed.Seconds())
	if err := w.cfg.Scheduler.Hold(ctx, seen, reason); err != nil {
		return runtime.Nack{Requeue: true, Reason: err.Error()}
	}
	w.cfg.Observer.WatcherTimedOut(len(seen))

	logTimeout := msg.Log.Warn
	if asInfo, _ := recipe.Bool(rw.Parameters()["log-timeout-as-info"]); asInfo {
		logTimeout = msg.Log.Info
	}
	logTimeout("watcher timed out", "jobs", seen, "running", len(seen), "total", total, "elapsed", elapsed)

	failure := map[string]any{"jobid": seen, "success": false}
	for _, outlet := range []string{OutletTimeout, OutletAny, OutletFinally} {
		if err := rw.SendTo(outlet, failure); err != nil {
			return runtime.Nack{Requeue: true, Reason: err.Error()}
		}
	}
	return runtime.Ack{}
}

// reportStatistics publishes how many jobs wait, run or are held.
func (w *Watcher) reportStatistics(ctx context.Context) {
	counts, err := w.cfg.Scheduler.Summary(ctx)
	if err != nil {
		w.rt.Logger().Warn("could not gather cluster statistics", "error", err)
		return
	}
	pack := map[string]any{
		"statistic":           "job-status",
		"statistic-cluster":   w.cfg.Cluster,
		"statistic-group":     "cluster",
		"statistic-timestamp": unix(w.cfg.Now()),
		"waiting":             counts[scheduler.StateIdle],
		"running":             counts[scheduler.StateRunning],
		"hold":                counts[scheduler.StateHeld],
	}
	if err := w.rt.Send(ctx, StatisticsChannel, pack, bus.SendOptions{}); err != nil {
		w.rt.Logger().Warn("could not send cluster statistics", "error", err)
	}
}
