package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infrasonar/probe-go/internal/check"
	"github.com/infrasonar/probe-go/internal/metrics"
)

func TestEnvOrDefault(t *testing.T) {
	os.Unsetenv("PROBE_TEST_STR")
	assert.Equal(t, "fallback", envOrDefault("PROBE_TEST_STR", "fallback"))

	os.Setenv("PROBE_TEST_STR", "set")
	defer os.Unsetenv("PROBE_TEST_STR")
	assert.Equal(t, "set", envOrDefault("PROBE_TEST_STR", "fallback"))
}

func TestEnvIntOrDefault(t *testing.T) {
	os.Unsetenv("PROBE_TEST_INT")
	assert.Equal(t, 42, envIntOrDefault("PROBE_TEST_INT", 42))

	os.Setenv("PROBE_TEST_INT", "100")
	defer os.Unsetenv("PROBE_TEST_INT")
	assert.Equal(t, 100, envIntOrDefault("PROBE_TEST_INT", 42))

	os.Setenv("PROBE_TEST_INT", "not-a-number")
	assert.Equal(t, 42, envIntOrDefault("PROBE_TEST_INT", 42))
}

func TestEnvBoolOrDefault(t *testing.T) {
	os.Unsetenv("PROBE_TEST_BOOL")
	assert.False(t, envBoolOrDefault("PROBE_TEST_BOOL", false))

	os.Setenv("PROBE_TEST_BOOL", "true")
	defer os.Unsetenv("PROBE_TEST_BOOL")
	assert.True(t, envBoolOrDefault("PROBE_TEST_BOOL", false))
}

func TestBuildLoggerProducesUsableLoggerAtEachLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "unknown"} {
		logger, err := buildLogger(level, false, "")
		require.NoError(t, err)
		require.NotNil(t, logger)
		logger.Info("smoke test")
	}
}

func TestBuildLoggerHonorsColorizedAndCustomTimeFormat(t *testing.T) {
	logger, err := buildLogger("debug", true, "2006-01-02")
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestUnavailableCheckReturnsClassifiedError(t *testing.T) {
	result, err := unavailableCheck(context.Background(), check.Asset{}, nil, nil)
	assert.Nil(t, result)
	require.Error(t, err)
}

func TestMetricsServerServesPrometheusFormat(t *testing.T) {
	reg := metrics.New()
	reg.ChecksRun.Inc()

	srv := newMetricsServer(":0", reg)
	mux, ok := srv.Handler.(*http.ServeMux)
	require.True(t, ok)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "probe_checks_run_total")
}
