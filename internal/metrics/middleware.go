package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
	"github.com/hmtxj/gemini-cookie-refresh/internal/logging"
)

// UnmatchedRoute labels requests that hit no registered route.
const UnmatchedRoute = "unmatched"

// Middleware records request count, latency and handler errors per route
// template. Requests for a path in skip are served but not recorded.
//
// Handlers report failures with c.Error; the last one is counted under its
// errors.Reason label.
func Middleware(m *Metrics, logger *logging.Logger, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, path := range skip {
		skipped[path] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skipped[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		start := time.Now()
		m.IncHTTPRequestsInFlight()
		c.Next()
		m.DecHTTPRequestsInFlight()

		route := c.FullPath()
		if route == "" {
			route = UnmatchedRoute
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		m.RecordRequestLatency(route, method, status, time.Since(start).Seconds())
		m.RecordHTTPRequest(route, method, status)

		if last := c.Errors.Last(); last != nil {
			reason := errors.Reason(last.Err)
			m.RecordError(reason, route, method)
			logger.WarnWithContext(c.Request.Context(), "request failed",
				"route", route,
				"status", status,
				"reason", reason,
				"error", last.Err.Error(),
			)
		}
	}
}
