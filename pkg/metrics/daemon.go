package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DaemonMetrics is the Prometheus-backed metrics surface for pkg/daemon:
// per-shard descriptor counters, accept-path counters, EMFILE backoff
// state, and runqueue task counters. daemon.c tracks all of these as
// plain struct fields (nactives, nwriters, nfds, the emfile counter);
// this exposes them to an operator the way every other subsystem in this
// module exposes its own Prometheus collectors.
type DaemonMetrics struct {
	nactives *prometheus.GaugeVec
	nwriters *prometheus.GaugeVec
	nfds     *prometheus.GaugeVec

	acceptsTotal  *prometheus.CounterVec
	acceptErrors  *prometheus.CounterVec
	emfileTotal   prometheus.Counter
	listenerMuted *prometheus.GaugeVec

	runqueueTasksRun     prometheus.Counter
	runqueueTasksPending prometheus.Gauge

	resizeTotal prometheus.Counter
}

// NewDaemonMetrics creates the Prometheus collectors for pkg/daemon.
// Returns nil if metrics are not enabled (InitRegistry not called); every
// method on a nil *DaemonMetrics is a no-op, mirroring badgerMetrics.
func NewDaemonMetrics() *DaemonMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &DaemonMetrics{
		nactives: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "slapd_daemon_shard_active_descriptors",
				Help: "Number of active descriptors registered with a shard's event set",
			},
			[]string{"shard"},
		),
		nwriters: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "slapd_daemon_shard_write_interested_descriptors",
				Help: "Number of descriptors currently registered for writability in a shard",
			},
			[]string{"shard"},
		),
		nfds: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "slapd_daemon_shard_open_descriptors",
				Help: "Number of open descriptors owned by a shard, including listeners",
			},
			[]string{"shard"},
		),
		acceptsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "slapd_daemon_accepts_total",
				Help: "Total number of connections accepted by listener",
			},
			[]string{"listener"},
		),
		acceptErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "slapd_daemon_accept_errors_total",
				Help: "Total number of transient accept(2) errors by listener",
			},
			[]string{"listener"},
		),
		emfileTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "slapd_daemon_emfile_total",
				Help: "Total number of EMFILE/ENFILE conditions observed on accept",
			},
		),
		listenerMuted: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "slapd_daemon_listener_muted",
				Help: "1 if a listener is currently muted due to descriptor exhaustion, else 0",
			},
			[]string{"listener"},
		),
		runqueueTasksRun: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "slapd_daemon_runqueue_tasks_run_total",
				Help: "Total number of runqueue tasks executed by shard 0",
			},
		),
		runqueueTasksPending: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "slapd_daemon_runqueue_tasks_pending",
				Help: "Number of tasks currently scheduled on the runqueue",
			},
		),
		resizeTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "slapd_daemon_resize_total",
				Help: "Total number of completed shard-count resize operations",
			},
		),
	}
}

// SetShardCounters records the three per-shard descriptor counters.
func (m *DaemonMetrics) SetShardCounters(shard string, nactives, nwriters, nfds int) {
	if m == nil {
		return
	}
	m.nactives.WithLabelValues(shard).Set(float64(nactives))
	m.nwriters.WithLabelValues(shard).Set(float64(nwriters))
	m.nfds.WithLabelValues(shard).Set(float64(nfds))
}

// RecordAccept increments the accepted-connection counter for a listener.
func (m *DaemonMetrics) RecordAccept(listener string) {
	if m == nil {
		return
	}
	m.acceptsTotal.WithLabelValues(listener).Inc()
}

// RecordAcceptError increments the transient accept-error counter for a listener.
func (m *DaemonMetrics) RecordAcceptError(listener string) {
	if m == nil {
		return
	}
	m.acceptErrors.WithLabelValues(listener).Inc()
}

// RecordEMFILE increments the global EMFILE/ENFILE counter.
func (m *DaemonMetrics) RecordEMFILE() {
	if m == nil {
		return
	}
	m.emfileTotal.Inc()
}

// SetListenerMuted records whether a listener is currently muted.
func (m *DaemonMetrics) SetListenerMuted(listener string, muted bool) {
	if m == nil {
		return
	}
	v := 0.0
	if muted {
		v = 1.0
	}
	m.listenerMuted.WithLabelValues(listener).Set(v)
}

// RecordRunqueueTaskRun increments the runqueue task-execution counter.
func (m *DaemonMetrics) RecordRunqueueTaskRun() {
	if m == nil {
		return
	}
	m.runqueueTasksRun.Inc()
}

// SetRunqueuePending records the current number of scheduled runqueue tasks.
func (m *DaemonMetrics) SetRunqueuePending(n int) {
	if m == nil {
		return
	}
	m.runqueueTasksPending.Set(float64(n))
}

// RecordResize increments the shard-resize counter.
func (m *DaemonMetrics) RecordResize() {
	if m == nil {
		return
	}
	m.resizeTotal.Inc()
}
