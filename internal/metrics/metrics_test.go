package metrics

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordingAndHandler(t *testing.T) {
	m := NewMetrics("test")

	m.RecordAttempt("success", "")
	m.RecordAttempt("failed", "code_timeout")
	m.RecordAttempt("failed", "code_timeout")
	m.RecordStage("awaiting_code", 12*time.Second)
	m.RecordRun("ok", 3*time.Minute, 2, time.Unix(1_800_000_000, 0))
	m.RecordStoreWrite("local", "ok")
	m.RecordStoreWrite("remote", "error")
	m.SetAccountExpiry("a@example.com", time.Unix(1_800_043_200, 0))
	m.RecordProxySelection("ok")
	m.RecordRequestLatency("/health", "GET", "200", 0.01)
	m.RecordError("timeout", "/health", "GET")
	m.RecordHTTPRequest("/health", "GET", "200")
	m.IncHTTPRequestsInFlight()
	m.DecHTTPRequestsInFlight()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefreshAttempts.WithLabelValues("success", "none")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RefreshAttempts.WithLabelValues("failed", "code_timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreWrites.WithLabelValues("remote", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AccountsDue))
	assert.Equal(t, 1_800_000_000.0, testutil.ToFloat64(m.LastRunTimestamp))
	assert.Equal(t, 1_800_043_200.0, testutil.ToFloat64(m.AccountExpiry.WithLabelValues("a@example.com")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HTTPRequestsInFlight))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `test_refresh_attempts_total{outcome="failed",reason="code_timeout"} 2`)
	assert.Contains(t, body, "test_refresh_stage_duration_seconds")

	_, err := m.Registry().Gather()
	require.NoError(t, err)
}

func TestWriteTextfile(t *testing.T) {
	m := NewMetrics("cookie_refresh")
	m.RecordAttempt("skipped", "no mailbox secret")

	path := filepath.Join(t.TempDir(), "cookie_refresh.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `cookie_refresh_refresh_attempts_total{outcome="skipped",reason="no mailbox secret"} 1`))
}
