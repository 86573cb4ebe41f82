package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hmtxj/gemini-cookie-refresh/internal/config"
	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
	"github.com/hmtxj/gemini-cookie-refresh/internal/expiry"
	"github.com/hmtxj/gemini-cookie-refresh/internal/logging"
	"github.com/hmtxj/gemini-cookie-refresh/internal/metrics"
	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
)

// ErrRunInProgress is returned by a Trigger when a run is already going on.
var ErrRunInProgress = stderrors.New("refresh run already in progress")

// AccountSource reads the last persisted population. *store.LocalFile
// satisfies it.
type AccountSource interface {
	Load() (models.Population, bool, error)
}

// RunHistory reads past runs. *store.Journal satisfies it.
type RunHistory interface {
	LastRun(ctx context.Context) (*models.Summary, bool, error)
	LastByAccount(ctx context.Context) (map[string]*models.Attempt, error)
}

// Trigger starts fleet runs on demand.
type Trigger interface {
	// RunNow runs the fleet and blocks until it finishes. It returns
	// ErrRunInProgress without waiting when another run holds the lock.
	RunNow(ctx context.Context, force bool) (*models.Summary, error)
	Busy() bool
}

// Dependencies are the collaborators served by the API. Only Accounts is
// required.
type Dependencies struct {
	Accounts AccountSource
	History  RunHistory
	Trigger  Trigger
	Policy   expiry.Policy
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
}

// Server represents the HTTP status API server
type Server struct {
	router     *gin.Engine
	config     config.ServerConfig
	accounts   AccountSource
	history    RunHistory
	trigger    Trigger
	policy     expiry.Policy
	metrics    *metrics.Metrics
	logger     *logging.Logger
	closers    []Closer

	mu         sync.Mutex
	httpServer *http.Server

	// baseCtx outlives requests; background runs started over HTTP use it.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Dependencies) *Server {
	gin.SetMode(gin.ReleaseMode)

	m := deps.Metrics
	if m == nil {
		m = metrics.NewMetrics("cookie_refresh")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewLogger()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	server := &Server{
		router:   gin.New(),
		config:   cfg,
		accounts: deps.Accounts,
		history:  deps.History,
		trigger:  deps.Trigger,
		policy:   deps.Policy,
		metrics:  m,
		logger:   logger,
		baseCtx:  baseCtx,
		cancel:   cancel,
		now:      time.Now,
	}
	server.router.HandleMethodNotAllowed = true

	// Add recovery middleware with logging
	server.router.Use(gin.Recovery())

	// Scrapes of /metrics are not counted as API traffic
	server.router.Use(metrics.Middleware(m, logger, "/metrics"))

	// Add logging middleware for structured logs
	server.router.Use(loggingMiddleware(logger))

	server.setupRoutes()
	return server
}

// OnShutdown registers components closed after the HTTP server stops.
func (s *Server) OnShutdown(closers ...Closer) {
	s.closers = append(s.closers, closers...)
}

const correlationHeader = "X-Correlation-ID"

// loggingMiddleware provides structured logging for all requests
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		ctx := c.Request.Context()
		if id := c.GetHeader(correlationHeader); id != "" {
			ctx = logging.WithCorrelationID(ctx, id)
		}
		ctx, correlationID := logging.EnsureCorrelationID(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(correlationHeader, correlationID)

		// Process request
		c.Next()

		// Log request completion
		duration := time.Since(start).Seconds()
		logger.DebugWithContext(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", duration,
		)
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint - NO authentication required
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	// Health check - NO authentication required
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/accounts", s.handleListAccounts)
		v1.GET("/runs/last", s.handleLastRun)
	}

	// Refresh starts browser sessions - require authentication
	guarded := v1.Group("")
	guarded.Use(APIKeyAuth(s.config.APIKeys, DefaultAPIKeyHeader, s.logger))
	{
		guarded.POST("/refresh", s.handleRefresh)
	}
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	return s.StartWithServer(s.server())
}

func (s *Server) server() *http.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer == nil {
		s.httpServer = NewHTTPServer(s.config.Addr(), s.router)
	}
	return s.httpServer
}

// StartWithServer starts the server with a pre-configured http.Server
func (s *Server) StartWithServer(srv *http.Server) error {
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return &errors.ErrServerStart{Addr: srv.Addr, Err: err}
	}
	return nil
}

// Shutdown cancels and waits for background runs started over HTTP, stops the
// HTTP server and closes the registered components.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	timeout := s.config.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := ShutdownWithComponents(s.server(), timeout, s.closers); err != nil {
		s.logger.Error("shutdown error", "error", err.Error())
		return &errors.ErrServerShutdown{Err: err}
	}

	s.logger.Info("graceful shutdown completed")
	return nil
}

// handleHealth returns health status
func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":    "healthy",
		"timestamp": s.now().UTC(),
	}
	if s.trigger != nil {
		resp["running"] = s.trigger.Busy()
	}
	if s.history != nil {
		if last, found, err := s.history.LastRun(c.Request.Context()); err == nil && found {
			resp["last_run"] = last.FinishedAt
		}
	}
	c.JSON(http.StatusOK, resp)
}

// AccountStatus is one entry of GET /api/v1/accounts.
type AccountStatus struct {
	models.AccountView
	LastOutcome string     `json:"last_outcome,omitempty"`
	LastReason  string     `json:"last_reason,omitempty"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
}

// AccountsResponse is the body of GET /api/v1/accounts.
type AccountsResponse struct {
	Accounts []AccountStatus `json:"accounts"`
	Total    int             `json:"total"`
	Due      int             `json:"due"`
}

// handleListAccounts lists the population without secrets
func (s *Server) handleListAccounts(c *gin.Context) {
	pop, _, err := s.accounts.Load()
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "store_error",
			Message: err.Error(),
			Code:    http.StatusInternalServerError,
		})
		return
	}

	var last map[string]*models.Attempt
	if s.history != nil {
		last, err = s.history.LastByAccount(c.Request.Context())
		if err != nil {
			s.logger.WarnWithContext(c.Request.Context(), "failed to read attempt history", "error", err.Error())
		}
	}

	now := s.now()
	resp := AccountsResponse{Accounts: make([]AccountStatus, 0, len(pop)), Total: len(pop)}
	for _, acc := range pop {
		view := acc.Redacted()
		if remaining, ok := s.policy.Remaining(acc, now); ok {
			view.Remaining = remaining.Truncate(time.Minute).String()
		}
		view.Due = s.policy.IsDue(acc, now, false)
		if view.Due {
			resp.Due++
		}

		status := AccountStatus{AccountView: view}
		if a, ok := last[acc.ID]; ok {
			status.LastOutcome = string(a.Outcome)
			status.LastReason = a.Reason
			finished := a.FinishedAt
			status.LastAttempt = &finished
		}
		resp.Accounts = append(resp.Accounts, status)
	}

	sort.SliceStable(resp.Accounts, func(i, j int) bool {
		return resp.Accounts[i].Due && !resp.Accounts[j].Due
	})
	c.JSON(http.StatusOK, resp)
}

// handleLastRun returns the newest run summary with its attempts
func (s *Server) handleLastRun(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "attempt journal is disabled",
			Code:    http.StatusNotFound,
		})
		return
	}

	last, found, err := s.history.LastRun(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "journal_error",
			Message: err.Error(),
			Code:    http.StatusInternalServerError,
		})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "no run recorded yet",
			Code:    http.StatusNotFound,
		})
		return
	}
	c.JSON(http.StatusOK, last)
}

// handleRefresh starts a fleet run. With wait=true the summary is returned
// once the run finishes; otherwise the run continues in the background.
func (s *Server) handleRefresh(c *gin.Context) {
	if s.trigger == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "unavailable",
			Message: "refresh is not configured",
			Code:    http.StatusServiceUnavailable,
		})
		return
	}

	force, _ := strconv.ParseBool(c.Query("force"))
	wait, _ := strconv.ParseBool(c.Query("wait"))

	if s.trigger.Busy() {
		s.conflict(c)
		return
	}

	if wait {
		summary, err := s.trigger.RunNow(c.Request.Context(), force)
		switch {
		case stderrors.Is(err, ErrRunInProgress):
			s.conflict(c)
		case err != nil:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   errors.Reason(err),
				"message": err.Error(),
				"code":    http.StatusInternalServerError,
				"summary": summary,
			})
		default:
			c.JSON(http.StatusOK, summary)
		}
		return
	}

	ctx := logging.WithCorrelationID(s.baseCtx, logging.GetCorrelationID(c.Request.Context()))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.trigger.RunNow(ctx, force); err != nil && !stderrors.Is(err, ErrRunInProgress) {
			s.logger.ErrorWithContext(ctx, "background refresh failed", "error", err.Error())
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"status": "started",
		"force":  force,
	})
}

func (s *Server) conflict(c *gin.Context) {
	c.JSON(http.StatusConflict, ErrorResponse{
		Error:   "conflict",
		Message: ErrRunInProgress.Error(),
		Code:    http.StatusConflict,
	})
}
