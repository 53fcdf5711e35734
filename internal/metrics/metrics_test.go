package metrics

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	r := New()
	r.ChecksRun.Inc()
	r.ChecksRun.Inc()
	r.CheckErrors.Inc()

	var buf bytes.Buffer
	r.WritePrometheus(&buf)
	out := buf.String()

	assert.Contains(t, out, "probe_checks_run_total 2")
	assert.Contains(t, out, "probe_check_errors_total 1")
}

func TestGaugesReflectLatestSetValue(t *testing.T) {
	r := New()
	r.SetPendingRequests(3)
	r.SetAssignmentsRunning(7)

	var buf bytes.Buffer
	r.WritePrometheus(&buf)
	out := buf.String()

	assert.True(t, strings.Contains(out, "probe_pending_requests 3"))
	assert.True(t, strings.Contains(out, "probe_assignments_running 7"))

	r.SetPendingRequests(0)
	buf.Reset()
	r.WritePrometheus(&buf)
	assert.True(t, strings.Contains(buf.String(), "probe_pending_requests 0"))
}
