// Package metrics exposes the probe's own runtime counters, ambient
// observability carried regardless of spec.md's Non-goals (SPEC_FULL.md
// AMBIENT STACK): checks executed, results too large to send, pending
// protocol requests, and supervisor reconnect attempts.
package metrics

import (
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

// Registry groups the counters and gauges a single probe process exposes.
// All metrics live on their own *metrics.Set rather than the global
// default set, so a probe embedding this package can choose whether and
// how to serve them (e.g. an HTTP /metrics endpoint in cmd/probe-docker).
type Registry struct {
	Set *metrics.Set

	ChecksRun         *metrics.Counter
	CheckErrors       *metrics.Counter
	OversizeResults   *metrics.Counter
	ReconnectAttempts *metrics.Counter
	AnnounceFailures  *metrics.Counter
	ResultsSent       *metrics.Counter

	pendingRequests    atomic.Int64
	assignmentsRunning atomic.Int64
}

// New registers a fresh set of counters and gauges on their own metrics.Set.
func New() *Registry {
	set := metrics.NewSet()
	r := &Registry{
		Set:               set,
		ChecksRun:         set.NewCounter("probe_checks_run_total"),
		CheckErrors:       set.NewCounter("probe_check_errors_total"),
		OversizeResults:   set.NewCounter("probe_oversize_results_total"),
		ReconnectAttempts: set.NewCounter("probe_reconnect_attempts_total"),
		AnnounceFailures:  set.NewCounter("probe_announce_failures_total"),
		ResultsSent:       set.NewCounter("probe_results_sent_total"),
	}
	// Gauges in VictoriaMetrics/metrics are pull-based: the set calls this
	// callback on every scrape rather than being pushed to directly, so the
	// live value lives in an atomic and the gauge just reads it back.
	set.NewGauge("probe_pending_requests", func() float64 {
		return float64(r.pendingRequests.Load())
	})
	set.NewGauge("probe_assignments_running", func() float64 {
		return float64(r.assignmentsRunning.Load())
	})
	return r
}

// SetPendingRequests records the current size of the protocol client's
// pending-request table.
func (r *Registry) SetPendingRequests(n int) { r.pendingRequests.Store(int64(n)) }

// SetAssignmentsRunning records the current number of live check-runner
// goroutines.
func (r *Registry) SetAssignmentsRunning(n int) { r.assignmentsRunning.Store(int64(n)) }

// WritePrometheus renders every registered metric in Prometheus text
// exposition format, for a probe binary's optional /metrics endpoint
// (cmd/probe-docker wires one behind --metrics-addr).
func (r *Registry) WritePrometheus(w interface {
	Write([]byte) (int, error)
}) {
	r.Set.WritePrometheus(w)
}
