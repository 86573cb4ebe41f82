// Package fleet runs the refresh state machine over the whole population.
package fleet

import (
	"context"
	stderrors "errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/hmtxj/gemini-cookie-refresh/internal/config"
	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
	"github.com/hmtxj/gemini-cookie-refresh/internal/expiry"
	"github.com/hmtxj/gemini-cookie-refresh/internal/logging"
	"github.com/hmtxj/gemini-cookie-refresh/internal/metrics"
	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
	"github.com/hmtxj/gemini-cookie-refresh/internal/proxy"
	"github.com/hmtxj/gemini-cookie-refresh/internal/refresh"
	"github.com/hmtxj/gemini-cookie-refresh/internal/store"
)

// Refresher refreshes a single account.
type Refresher interface {
	Refresh(ctx context.Context, account models.Account) *models.Attempt
}

// Store loads and persists the population.
type Store interface {
	Load(ctx context.Context) (models.Population, error)
	Save(ctx context.Context, pop models.Population) (*store.SaveResult, error)
}

// Journal keeps the history of attempts and runs.
type Journal interface {
	Record(ctx context.Context, runID string, a *models.Attempt) error
	RecordRun(ctx context.Context, s *models.Summary) error
}

// Notifier reports finished runs.
type Notifier interface {
	NotifySummary(ctx context.Context, s *models.Summary)
	NotifyRunError(ctx context.Context, err error)
}

// Runner refreshes every due account of the population, one at a time.
type Runner struct {
	refresher Refresher
	store     Store
	policy    expiry.Policy
	pacing    config.PacingConfig

	proxy    proxy.Manager
	journal  Journal
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *logging.Logger

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(n int64) int64
}

// Option configures a Runner.
type Option func(*Runner)

// WithProxy makes the runner acquire an egress path before refreshing.
func WithProxy(m proxy.Manager) Option {
	return func(r *Runner) { r.proxy = m }
}

// WithJournal records attempts and runs.
func WithJournal(j Journal) Option {
	return func(r *Runner) { r.journal = j }
}

// WithNotifier sends a summary after each run.
func WithNotifier(n Notifier) Option {
	return func(r *Runner) { r.notifier = n }
}

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock replaces time.Now and the pacing sleep.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// WithJitter replaces the random source used for pacing delays. fn returns a
// value in [0, n).
func WithJitter(fn func(n int64) int64) Option {
	return func(r *Runner) {
		if fn != nil {
			r.jitter = fn
		}
	}
}

// NewRunner creates a Runner.
func NewRunner(refresher Refresher, st Store, policy expiry.Policy, pacing config.PacingConfig, opts ...Option) *Runner {
	r := &Runner{
		refresher: refresher,
		store:     st,
		policy:    policy,
		pacing:    pacing,
		logger:    logging.Nop(),
		now:       time.Now,
		sleep:     refresh.Sleep,
		jitter:    rand.Int64N,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunAll refreshes every due account and persists the result once. Failures
// of single accounts are reported in the summary and never abort the run.
// The returned error is set when the population could not be loaded, no
// egress path was available or the local write failed.
func (r *Runner) RunAll(ctx context.Context, force bool) (*models.Summary, error) {
	runID := uuid.New().String()
	ctx = logging.WithCorrelationID(ctx, runID)

	summary := &models.Summary{RunID: runID, StartedAt: r.now()}

	pop, err := r.store.Load(ctx)
	if err != nil {
		return r.abort(ctx, summary, err)
	}
	summary.Total = len(pop)
	if len(pop) == 0 {
		r.logger.InfoWithContext(ctx, "No accounts to refresh")
		summary.FinishedAt = r.now()
		r.recordRun(ctx, summary, "empty")
		return summary, nil
	}

	now := r.now()
	due := make([]bool, len(pop))
	lastDue := -1
	for i, acc := range pop {
		due[i] = r.policy.IsDue(acc, now, force)
		if due[i] {
			summary.Due++
			lastDue = i
		}
	}
	r.logger.InfoWithContext(ctx, "Starting refresh run",
		"accounts", len(pop),
		"due", summary.Due,
		"force", force,
	)

	if summary.Due > 0 && r.proxy != nil {
		if err := r.acquireEgress(ctx); err != nil {
			return r.abort(ctx, summary, err)
		}
	}

	updated := pop.Clone()
	attempts := 0
	for i, acc := range pop {
		if !due[i] {
			summary.Skipped++
			if remaining, ok := r.policy.Remaining(acc, now); ok {
				r.logger.DebugWithContext(ctx, "Account not due",
					"account_id", acc.ID,
					"remaining_hours", remaining.Hours(),
				)
			}
			continue
		}
		if ctx.Err() != nil {
			// Accounts left after cancellation keep their record untouched.
			summary.Skipped++
			continue
		}

		attempt := r.refresher.Refresh(ctx, acc)
		if attempt.Succeeded() {
			if err := updated.Upsert(attempt.Record, r.policy.Location); err != nil {
				attempt.Outcome = models.OutcomeFailed
				attempt.Reason = errors.Reason(err)
				attempt.Err = err
				attempt.Error = err.Error()
				attempt.Record = acc
			}
		}
		summary.Add(attempt)
		r.observeAttempt(ctx, runID, attempt)

		attempts++
		if i < lastDue {
			if err := r.pace(ctx, attempts); err != nil {
				r.logger.DebugWithContext(ctx, "Pacing interrupted", "error", err.Error())
			}
		}
	}

	// The save must land even when the run context was canceled mid-way.
	saveCtx := context.WithoutCancel(ctx)
	result, err := r.store.Save(saveCtx, updated)
	if err != nil {
		return r.abort(saveCtx, summary, err)
	}
	summary.Saved = result.Saved
	summary.Pushed = result.Pushed
	summary.Divergent = result.Divergent
	summary.Reloaded = result.Reloaded
	summary.FinishedAt = r.now()

	r.exportExpiry(updated)
	status := "ok"
	if summary.Failed > 0 || summary.Divergent {
		status = "partial"
	}
	r.recordRun(saveCtx, summary, status)

	r.logger.InfoWithContext(ctx, "Refresh run finished",
		"due", summary.Due,
		"succeeded", summary.Succeeded,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"divergent", summary.Divergent,
		"duration_ms", summary.FinishedAt.Sub(summary.StartedAt).Milliseconds(),
	)
	if r.notifier != nil {
		r.notifier.NotifySummary(saveCtx, summary)
	}
	return summary, nil
}

func (r *Runner) acquireEgress(ctx context.Context) error {
	if err := r.proxy.Start(ctx); err != nil {
		r.recordProxy("error")
		return &errors.ErrNoHealthyNode{Err: err}
	}
	node, err := r.proxy.FindHealthyNode(ctx)
	if err != nil {
		r.recordProxy("none")
		var noNode *errors.ErrNoHealthyNode
		if stderrors.As(err, &noNode) {
			return err
		}
		return &errors.ErrNoHealthyNode{Err: err}
	}
	r.recordProxy("selected")
	r.logger.InfoWithContext(ctx, "Egress path selected", "node", node)
	return nil
}

func (r *Runner) observeAttempt(ctx context.Context, runID string, a *models.Attempt) {
	fields := []interface{}{
		"account_id", a.AccountID,
		"outcome", string(a.Outcome),
		"stage", string(a.Stage),
		"tries", a.AttemptCount,
		"duration_ms", a.Duration().Milliseconds(),
	}
	switch a.Outcome {
	case models.OutcomeFailed:
		r.logger.WarnWithContext(ctx, "Account refresh failed", append(fields, "reason", a.Reason, "error", a.Error)...)
	case models.OutcomeSkipped:
		r.logger.InfoWithContext(ctx, "Account skipped", append(fields, "reason", a.Reason)...)
	default:
		r.logger.InfoWithContext(ctx, "Account refreshed", append(fields, "expires_at", a.Record.ExpiresAt)...)
	}

	if r.metrics != nil {
		r.metrics.RecordAttempt(string(a.Outcome), a.Reason)
	}
	if r.journal != nil {
		if err := r.journal.Record(context.WithoutCancel(ctx), runID, a); err != nil {
			r.logger.WarnWithContext(ctx, "Failed to journal attempt", "account_id", a.AccountID, "error", err.Error())
		}
	}
}

// pace waits between attempts: a random delay in [MinDelay, MaxDelay] and a
// long pause after every LongPauseEvery attempts.
func (r *Runner) pace(ctx context.Context, attempts int) error {
	d := r.pacing.MinDelay
	if spread := r.pacing.MaxDelay - r.pacing.MinDelay; spread > 0 {
		d += time.Duration(r.jitter(int64(spread) + 1))
	}
	if r.pacing.LongPauseEvery > 0 && attempts%r.pacing.LongPauseEvery == 0 {
		r.logger.InfoWithContext(ctx, "Taking a long pause", "attempts", attempts, "pause", r.pacing.LongPause.String())
		d += r.pacing.LongPause
	}
	if d <= 0 {
		return nil
	}
	return r.sleep(ctx, d)
}

func (r *Runner) abort(ctx context.Context, summary *models.Summary, err error) (*models.Summary, error) {
	summary.FinishedAt = r.now()
	r.logger.ErrorWithContext(ctx, "Refresh run aborted", "error", err.Error(), "reason", errors.Reason(err))
	r.recordRun(ctx, summary, "error")
	if r.notifier != nil {
		r.notifier.NotifyRunError(ctx, err)
	}
	return summary, err
}

func (r *Runner) recordRun(ctx context.Context, summary *models.Summary, status string) {
	if r.metrics != nil {
		r.metrics.RecordRun(status, summary.FinishedAt.Sub(summary.StartedAt), summary.Due, summary.FinishedAt)
	}
	if r.journal != nil {
		if err := r.journal.RecordRun(ctx, summary); err != nil {
			r.logger.WarnWithContext(ctx, "Failed to journal run", "error", err.Error())
		}
	}
}

func (r *Runner) recordProxy(result string) {
	if r.metrics != nil {
		r.metrics.RecordProxySelection(result)
	}
}

func (r *Runner) exportExpiry(pop models.Population) {
	if r.metrics == nil {
		return
	}
	for _, acc := range pop {
		if t, ok := acc.Expiry(r.policy.Location); ok {
			r.metrics.SetAccountExpiry(acc.ID, t)
		}
	}
}
