package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/hmtxj/gemini-cookie-refresh/internal/config"
	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
	"github.com/hmtxj/gemini-cookie-refresh/internal/expiry"
	"github.com/hmtxj/gemini-cookie-refresh/internal/logging"
	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
	"github.com/hmtxj/gemini-cookie-refresh/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

type fakeHistory struct {
	last    *models.Summary
	byAcct  map[string]*models.Attempt
	lastErr error
}

func (h *fakeHistory) LastRun(context.Context) (*models.Summary, bool, error) {
	if h.lastErr != nil {
		return nil, false, h.lastErr
	}
	return h.last, h.last != nil, nil
}

func (h *fakeHistory) LastByAccount(context.Context) (map[string]*models.Attempt, error) {
	return h.byAcct, nil
}

type fakeTrigger struct {
	mu      sync.Mutex
	busy    bool
	calls   []bool
	summary *models.Summary
	err     error
	done    chan struct{}
}

func (t *fakeTrigger) RunNow(_ context.Context, force bool) (*models.Summary, error) {
	t.mu.Lock()
	t.calls = append(t.calls, force)
	t.mu.Unlock()
	if t.done != nil {
		defer close(t.done)
	}
	return t.summary, t.err
}

func (t *fakeTrigger) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busy
}

func (t *fakeTrigger) forces() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.calls...)
}

func writeAccounts(t *testing.T) *store.LocalFile {
	t.Helper()
	local := store.NewLocalFile(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, local.Save(models.Population{
		{
			ID:             "a@example.com",
			MailPassword:   "secret-a",
			SessionIndex:   "1234567890",
			TenantID:       "cfg-a",
			PrimaryToken:   "ses-a",
			SecondaryToken: "oses-a",
			ExpiresAt:      "2026-05-02 08:00:00",
		},
		{
			ID:             "b@example.com",
			MailPassword:   "secret-b",
			SessionIndex:   "idx-b",
			TenantID:       "cfg-b",
			PrimaryToken:   "ses-b",
			SecondaryToken: "oses-b",
			ExpiresAt:      "2026-05-01 09:00:00",
		},
	}))
	return local
}

func setupTestServer(t *testing.T, history RunHistory, trigger Trigger) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	deps := Dependencies{
		Accounts: writeAccounts(t),
		History:  history,
		Trigger:  trigger,
		Policy:   expiry.NewPolicy(2*time.Hour, time.UTC),
		Logger:   logging.NewLogger(logging.WithOutput(&bytes.Buffer{})),
	}

	cfg := config.ServerConfig{Host: "127.0.0.1", Port: 8318, APIKeys: []string{"test-key"}, ShutdownTimeout: time.Second}
	server := NewServer(cfg, deps)
	server.now = func() time.Time { return testNow }
	return server
}

func TestHandleHealth(t *testing.T) {
	history := &fakeHistory{last: &models.Summary{RunID: "run-1", FinishedAt: testNow.Add(-time.Hour)}}
	server := setupTestServer(t, history, &fakeTrigger{busy: true})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	server.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["running"])
	assert.Equal(t, "2026-05-01T07:00:00Z", body["last_run"])
}

func TestHandleListAccounts(t *testing.T) {
	history := &fakeHistory{byAcct: map[string]*models.Attempt{
		"a@example.com": {AccountID: "a@example.com", Outcome: models.OutcomeFailed, Reason: "code_timeout", FinishedAt: testNow.Add(-2 * time.Hour)},
	}}
	server := setupTestServer(t, history, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/accounts", nil)
	server.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret-a")
	assert.NotContains(t, w.Body.String(), "ses-a\"")
	assert.NotContains(t, w.Body.String(), "oses-b")

	var resp AccountsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 1, resp.Due)
	require.Len(t, resp.Accounts, 2)

	// Due accounts are listed first.
	assert.Equal(t, "b@example.com", resp.Accounts[0].ID)
	assert.True(t, resp.Accounts[0].Due)
	assert.Equal(t, "1h0m0s", resp.Accounts[0].Remaining)

	a := resp.Accounts[1]
	assert.Equal(t, "a@example.com", a.ID)
	assert.False(t, a.Due)
	assert.Equal(t, "123456...", a.SessionIndex)
	assert.True(t, a.HasMailbox)
	assert.Equal(t, "failed", a.LastOutcome)
	assert.Equal(t, "code_timeout", a.LastReason)
	require.NotNil(t, a.LastAttempt)
}

func TestHandleListAccounts_StoreError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	// A directory where the file should be makes the read fail.
	require.NoError(t, store.NewLocalFile(filepath.Join(dir, "accounts.json", "x")).Save(models.Population{}))

	server := NewServer(config.ServerConfig{}, Dependencies{
		Accounts: store.NewLocalFile(filepath.Join(dir, "accounts.json")),
		Logger:   logging.NewLogger(logging.WithOutput(&bytes.Buffer{})),
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/accounts", nil)
	server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleLastRun(t *testing.T) {
	summary := &models.Summary{
		RunID:     "run-7",
		Total:     3,
		Due:       1,
		Succeeded: 1,
		Skipped:   2,
		Attempts:  []*models.Attempt{{ID: "att-1", AccountID: "b@example.com", Outcome: models.OutcomeSuccess}},
	}
	server := setupTestServer(t, &fakeHistory{last: summary}, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/runs/last", nil)
	server.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got models.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "run-7", got.RunID)
	assert.Equal(t, 1, got.Succeeded)
	require.Len(t, got.Attempts, 1)
	assert.Equal(t, "b@example.com", got.Attempts[0].AccountID)
}

func TestHandleLastRun_NotFound(t *testing.T) {
	tests := []struct {
		name    string
		history RunHistory
		code    int
	}{
		{"journal disabled", nil, http.StatusNotFound},
		{"no runs yet", &fakeHistory{}, http.StatusNotFound},
		{"journal error", &fakeHistory{lastErr: stderrors.New("disk I/O error")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := setupTestServer(t, tt.history, nil)
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/api/v1/runs/last", nil)
			server.Router().ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestHandleRefresh_RequiresAPIKey(t *testing.T) {
	trigger := &fakeTrigger{}
	server := setupTestServer(t, nil, trigger)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/v1/refresh", nil)
	server.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, trigger.forces())
}

func TestHandleRefresh_Wait(t *testing.T) {
	trigger := &fakeTrigger{summary: &models.Summary{RunID: "run-9", Due: 2, Succeeded: 2}}
	server := setupTestServer(t, nil, trigger)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/v1/refresh?wait=true&force=true", nil)
	req.Header.Set(DefaultAPIKeyHeader, "test-key")
	server.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "run-9")
	assert.Equal(t, []bool{true}, trigger.forces())
}

func TestHandleRefresh_WaitError(t *testing.T) {
	trigger := &fakeTrigger{
		summary: &models.Summary{RunID: "run-10"},
		err:     &errors.ErrNoHealthyNode{Group: "GLOBAL"},
	}
	server := setupTestServer(t, nil, trigger)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/v1/refresh?wait=1", nil)
	req.Header.Set(DefaultAPIKeyHeader, "test-key")
	server.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "no_egress")
	assert.Equal(t, 1.0, testutil.ToFloat64(
		server.metrics.ErrorCounter.WithLabelValues("no_egress", "/api/v1/refresh", "POST")))
}

func TestHandleRefresh_Background(t *testing.T) {
	trigger := &fakeTrigger{done: make(chan struct{})}
	server := setupTestServer(t, nil, trigger)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/v1/refresh", nil)
	req.Header.Set(DefaultAPIKeyHeader, "test-key")
	server.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	select {
	case <-trigger.done:
	case <-time.After(2 * time.Second):
		t.Fatal("background run was not started")
	}
	assert.Equal(t, []bool{false}, trigger.forces())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
}

func TestHandleRefresh_Conflict(t *testing.T) {
	trigger := &fakeTrigger{busy: true}
	server := setupTestServer(t, nil, trigger)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/v1/refresh?wait=true", nil)
	req.Header.Set(DefaultAPIKeyHeader, "test-key")
	server.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, trigger.forces())
}

func TestHandleRefresh_NotConfigured(t *testing.T) {
	server := setupTestServer(t, nil, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/v1/refresh", nil)
	req.Header.Set(DefaultAPIKeyHeader, "test-key")
	server.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	server := setupTestServer(t, nil, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	server.Router().ServeHTTP(w, req)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/metrics", nil)
	server.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `cookie_refresh_http_requests_total{endpoint="/health"`)
	assert.NotContains(t, w.Body.String(), `endpoint="/metrics"`)
}

func TestCorrelationIDHeader(t *testing.T) {
	server := setupTestServer(t, nil, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	server.Router().ServeHTTP(w, req)
	assert.Equal(t, "corr-123", w.Header().Get("X-Correlation-ID"))

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/health", nil)
	server.Router().ServeHTTP(w, req)
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
}

type closeRecorder struct{ closed bool }

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestShutdownClosesComponents(t *testing.T) {
	server := setupTestServer(t, nil, nil)
	rec := &closeRecorder{}
	server.OnShutdown(rec)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
	assert.True(t, rec.closed)
}
