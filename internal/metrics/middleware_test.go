package metrics

import (
	"bytes"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
	"github.com/hmtxj/gemini-cookie-refresh/internal/logging"
)

func newTestRouter(m *Metrics, logger *logging.Logger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(m, logger, "/metrics"))

	r.GET("/metrics", gin.WrapH(m.Handler()))
	r.GET("/api/v1/accounts/:id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.POST("/api/v1/refresh", func(c *gin.Context) {
		_ = c.Error(&errors.RemoteStoreError{Backend: "postgres", Operation: "put", Err: stderrors.New("connection reset")})
		c.Status(http.StatusInternalServerError)
	})
	return r
}

func serve(r *gin.Engine, method, path string) {
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, path, nil))
}

func TestMiddleware_LabelsByRouteTemplate(t *testing.T) {
	m := NewMetrics("testmw")
	r := newTestRouter(m, logging.Nop())

	serve(r, http.MethodGet, "/api/v1/accounts/a@example.com")
	serve(r, http.MethodGet, "/api/v1/accounts/b@example.com")
	serve(r, http.MethodGet, "/nope/1")
	serve(r, http.MethodGet, "/nope/2")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/api/v1/accounts/:id", "GET", "200")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(UnmatchedRoute, "GET", "404")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.HTTPRequestsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HTTPRequestsInFlight))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latencySamples(families, "testmw_request_latency_seconds", "/api/v1/accounts/:id"))
}

func latencySamples(families []*dto.MetricFamily, name, endpoint string) uint64 {
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "endpoint" && label.GetValue() == endpoint {
					return metric.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return 0
}

func TestMiddleware_SkipsScrapes(t *testing.T) {
	m := NewMetrics("testmw")
	r := newTestRouter(m, logging.Nop())

	serve(r, http.MethodGet, "/metrics")
	serve(r, http.MethodGet, "/metrics")

	assert.Equal(t, 0, testutil.CollectAndCount(m.HTTPRequestsTotal))
	assert.Equal(t, 0, testutil.CollectAndCount(m.RequestLatency))
}

func TestMiddleware_RecordsHandlerErrors(t *testing.T) {
	m := NewMetrics("testmw")
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.WithOutput(&buf), logging.WithLevel(logging.LevelDebug))
	r := newTestRouter(m, logger)

	serve(r, http.MethodPost, "/api/v1/refresh")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorCounter.WithLabelValues("remote_store", "/api/v1/refresh", "POST")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/api/v1/refresh", "POST", "500")))
	require.Contains(t, buf.String(), "request failed")
	assert.Contains(t, buf.String(), "connection reset")
}
