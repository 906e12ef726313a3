// ============================================================================
// mxflow metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
//
// One Collector observes every layer of a running process:
//
//	bus:      mxflow_bus_{published,delivered,acked,nacked,dead_lettered}_total{channel}
//	          mxflow_bus_pending{channel}, mxflow_bus_in_flight
//	          mxflow_bus_recovery_seconds, mxflow_bus_recovered_messages
//	runtime:  mxflow_handler_duration_seconds{service,channel,outcome}
//	centering: mxflow_xray_centering_active_scans
//	watcher:  mxflow_watcher_polls_total, mxflow_watcher_active_jobs,
//	          mxflow_watcher_holds_total
//	wrappers: mxflow_wrapper_runtime_seconds{wrapper},
//	          mxflow_wrapper_runs_total{wrapper,outcome}
//
// Useful queries:
//
//	# dead-lettered messages per channel over the last hour
//	increase(mxflow_bus_dead_lettered_total[1h])
//
//	# 95th percentile handler latency per service
//	histogram_quantile(0.95, sum by (service, le) (rate(mxflow_handler_duration_seconds_bucket[5m])))
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/mxflow/internal/bus"
	"github.com/ChuLiYu/mxflow/internal/wrapper"
)

const namespace = "mxflow"

// wrapperBuckets span ten seconds to four hours, the range of processing
// programs run on the cluster.
var wrapperBuckets = []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200, 14400}

// Collector holds the process metrics. Its methods satisfy the observer
// interfaces of the bus, the runtime, the wrappers and the stateful
// services.
type Collector struct {
	published    *prometheus.CounterVec
	delivered    *prometheus.CounterVec
	acked        *prometheus.CounterVec
	nacked       *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	pending      *prometheus.GaugeVec
	inFlight     prometheus.Gauge
	recoveryTime prometheus.Gauge
	recovered    prometheus.Gauge

	handled *prometheus.HistogramVec

	activeScans prometheus.Gauge

	watcherPolls  prometheus.Counter
	watcherActive prometheus.Gauge
	watcherHolds  prometheus.Counter

	wrapperRuntime *prometheus.HistogramVec
	wrapperRuns    *prometheus.CounterVec
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	byChannel := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: name, Help: help,
		}, []string{"channel"})
	}
	c := &Collector{
		published:    byChannel("published_total", "Messages committed to a channel."),
		delivered:    byChannel("delivered_total", "Messages handed to a subscriber."),
		acked:        byChannel("acked_total", "Messages acknowledged."),
		nacked:       prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "bus", Name: "nacked_total", Help: "Messages negatively acknowledged."}, []string{"channel", "requeue"}),
		deadLettered: byChannel("dead_lettered_total", "Messages parked on a dead-letter channel."),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bus", Name: "pending", Help: "Messages waiting for a subscriber.",
		}, []string{"channel"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bus", Name: "in_flight", Help: "Messages delivered and not yet settled.",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bus", Name: "recovery_seconds", Help: "Time the last journal recovery took.",
		}),
		recovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bus", Name: "recovered_messages", Help: "Unsettled messages restored by the last recovery.",
		}),
		handled: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "handler_duration_seconds", Help: "Time from delivery to settlement.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "channel", "outcome"}),
		activeScans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "xray_centering", Name: "active_scans", Help: "Grid scans being aggregated.",
		}),
		watcherPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "polls_total", Help: "Scheduler polls made for watched jobs.",
		}),
		watcherActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "active_jobs", Help: "Jobs still running at the last poll.",
		}),
		watcherHolds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "holds_total", Help: "Jobs held after timing out.",
		}),
		wrapperRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "wrapper", Name: "runtime_seconds", Help: "Wrapped program run time.",
			Buckets: wrapperBuckets,
		}, []string{"wrapper"}),
		wrapperRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wrapper", Name: "runs_total", Help: "Wrapped program runs by outcome.",
		}, []string{"wrapper", "outcome"}),
	}
	reg.MustRegister(
		c.published, c.delivered, c.acked, c.nacked, c.deadLettered,
		c.pending, c.inFlight, c.recoveryTime, c.recovered,
		c.handled, c.activeScans,
		c.watcherPolls, c.watcherActive, c.watcherHolds,
		c.wrapperRuntime, c.wrapperRuns,
	)
	return c
}

// ---- bus.Observer ----

func (c *Collector) Published(channel string) { c.published.WithLabelValues(channel).Inc() }
func (c *Collector) Delivered(channel string) { c.delivered.WithLabelValues(channel).Inc() }
func (c *Collector) Acked(channel string)     { c.acked.WithLabelValues(channel).Inc() }

func (c *Collector) Nacked(channel string, requeue bool) {
	c.nacked.WithLabelValues(channel, strconv.FormatBool(requeue)).Inc()
}

func (c *Collector) DeadLettered(channel string) { c.deadLettered.WithLabelValues(channel).Inc() }

func (c *Collector) Recovered(d time.Duration, messages int) {
	c.recoveryTime.Set(d.Seconds())
	c.recovered.Set(float64(messages))
}

// UpdateQueueStats copies a broker snapshot into the gauges. Channels
// that drained since the last update drop to zero.
func (c *Collector) UpdateQueueStats(s bus.Stats) {
	c.pending.Reset()
	for channel, n := range s.Pending {
		c.pending.WithLabelValues(channel).Set(float64(n))
	}
	c.inFlight.Set(float64(s.InFlight))
}

// ---- runtime.Observer ----

func (c *Collector) Handled(service, channel, outcome string, elapsed time.Duration) {
	c.handled.WithLabelValues(service, channel, outcome).Observe(elapsed.Seconds())
}

// ---- service observers ----

func (c *Collector) ActiveScans(n int) { c.activeScans.Set(float64(n)) }

func (c *Collector) WatcherPolled(active int) {
	c.watcherPolls.Inc()
	c.watcherActive.Set(float64(active))
}

func (c *Collector) WatcherTimedOut(held int) { c.watcherHolds.Add(float64(held)) }

// ---- wrapper.Observer ----

func (c *Collector) WrapperFinished(name string, outcome wrapper.Outcome, elapsed time.Duration) {
	c.wrapperRuntime.WithLabelValues(name).Observe(elapsed.Seconds())
	c.wrapperRuns.WithLabelValues(name, string(outcome)).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on port until the listener fails.
func StartServer(port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
