// Package refresh drives one account through the mailbox + one-time-code
// login and produces the refreshed record.
package refresh

import (
	"context"
	stderrors "errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/hmtxj/gemini-cookie-refresh/internal/config"
	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
	"github.com/hmtxj/gemini-cookie-refresh/internal/logging"
	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
	"github.com/hmtxj/gemini-cookie-refresh/internal/session"
)

// Mailbox is the part of the mailbox provider client the orchestrator uses.
type Mailbox interface {
	Authenticate(ctx context.Context, address, password string) (string, error)
	PollMessages(ctx context.Context, token string, since time.Time) iter.Seq2[models.Message, error]
}

// CodeExtractor finds a verification code in a message.
type CodeExtractor interface {
	Extract(msg models.Message) (string, bool)
}

// CredentialExtractor turns login artifacts into a bundle.
type CredentialExtractor interface {
	Extract(finalURL string, cookies []models.Cookie) (*models.CredentialBundle, error)
}

// StageObserver is told how long each completed stage took.
type StageObserver func(stage models.Stage, elapsed time.Duration)

// Options holds the timing constants of the state machine.
type Options struct {
	MaxRetries       int
	RetryBackoff     time.Duration
	StageTimeout     time.Duration
	CodeTimeout      time.Duration
	CodePollInterval time.Duration
	SuccessTimeout   time.Duration
	ProbeInterval    time.Duration
	GraceWindow      time.Duration
	Location         *time.Location
}

// OptionsFromConfig maps the refresh section of the config.
func OptionsFromConfig(cfg config.RefreshConfig) Options {
	return Options{
		MaxRetries:       cfg.MaxRetries,
		RetryBackoff:     cfg.RetryBackoff,
		StageTimeout:     cfg.StageTimeout,
		CodeTimeout:      cfg.CodeTimeout,
		CodePollInterval: cfg.CodePollInterval,
		SuccessTimeout:   cfg.SuccessTimeout,
		ProbeInterval:    cfg.ProbeInterval,
		GraceWindow:      cfg.GraceWindow,
		Location:         cfg.Location(),
	}
}

// Orchestrator runs refresh attempts. It is not safe for concurrent use.
type Orchestrator struct {
	mailbox     Mailbox
	driver      session.Driver
	codes       CodeExtractor
	credentials CredentialExtractor
	opts        Options
	logger      *logging.Logger
	observe     StageObserver
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock replaces the wall clock and the sleep used between polls.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// WithStageObserver registers a stage duration callback.
func WithStageObserver(fn StageObserver) Option {
	return func(o *Orchestrator) {
		o.observe = fn
	}
}

// NewOrchestrator wires the collaborators of one refresh.
func NewOrchestrator(mailbox Mailbox, driver session.Driver, codes CodeExtractor, credentials CredentialExtractor, opts Options, options ...Option) *Orchestrator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	o := &Orchestrator{
		mailbox:     mailbox,
		driver:      driver,
		codes:       codes,
		credentials: credentials,
		opts:        opts,
		logger:      logging.Nop(),
		now:         time.Now,
		sleep:       Sleep,
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// run tracks the state of one attempt.
type run struct {
	attempt    *models.Attempt
	stageStart time.Time
}

// Refresh performs one attempt for account. It never returns an error: every
// failure becomes a Failed attempt that carries the unchanged prior record.
func (o *Orchestrator) Refresh(ctx context.Context, account models.Account) *models.Attempt {
	attempt := &models.Attempt{
		ID:        uuid.NewString(),
		AccountID: account.ID,
		StartedAt: o.now(),
		Stage:     models.StageIdle,
		Record:    account,
	}
	ctx = logging.WithCorrelationID(ctx, attempt.ID)
	r := &run{attempt: attempt, stageStart: attempt.StartedAt}

	if !account.HasMailbox() {
		return o.finish(ctx, r, models.OutcomeSkipped, nil, "no mailbox secret")
	}

	o.enter(ctx, r, models.StageMailboxAuth)
	token, err := o.mailbox.Authenticate(ctx, account.ID, account.MailPassword)
	if err != nil {
		var authErr *errors.AuthError
		if !stderrors.As(err, &authErr) {
			err = &errors.AuthError{Identity: account.ID, Err: err}
		}
		return o.finish(ctx, r, models.OutcomeFailed, err, "")
	}

	o.enter(ctx, r, models.StageInteractiveLogin)
	sess, err := o.login(ctx, r, account.ID)
	if err != nil {
		return o.finish(ctx, r, models.OutcomeFailed, err, "")
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			o.logger.DebugWithContext(ctx, "closing login session failed", "error", cerr)
		}
	}()

	code, err := o.awaitCode(ctx, token, attempt.StartedAt)
	if err != nil {
		return o.finish(ctx, r, models.OutcomeFailed, err, "")
	}

	o.enter(ctx, r, models.StageCodeSubmitted)
	if err := sess.SubmitCode(ctx, code); err != nil {
		return o.finish(ctx, r, models.OutcomeFailed, fmt.Errorf("submit code: %w", err), "")
	}
	indicator := o.awaitSuccess(ctx, sess)
	if indicator != session.IndicatorSuccess {
		o.logger.WarnWithContext(ctx, "no success indicator after code submission, extracting anyway",
			"account", account.ID, "indicator", indicator.String())
	}

	o.enter(ctx, r, models.StageExtracting)
	artifacts, err := sess.Artifacts(ctx)
	if err != nil {
		return o.finish(ctx, r, models.OutcomeFailed, fmt.Errorf("read artifacts: %w", err), "")
	}
	bundle, err := o.credentials.Extract(artifacts.FinalURL, artifacts.Cookies)
	if err != nil {
		return o.finish(ctx, r, models.OutcomeFailed, err, "")
	}

	if prior, ok := account.Expiry(o.opts.Location); ok && !bundle.ExpiresAt.After(prior) {
		return o.finish(ctx, r, models.OutcomeFailed, &errors.StaleExpiryError{
			Identity:  account.ID,
			Current:   prior,
			Candidate: bundle.ExpiresAt,
		}, "")
	}

	attempt.Record = bundle.ApplyTo(account, o.opts.Location)
	o.logger.DebugWithContext(ctx, "credential extracted", "account", account.ID,
		"expires_at", attempt.Record.ExpiresAt, "expiry_source", string(bundle.ExpirySource))
	return o.finish(ctx, r, models.OutcomeSuccess, nil, "")
}

// login opens a session and brings it to the code entry stage. Only
// rejections are retried, each time on a fresh login page.
func (o *Orchestrator) login(ctx context.Context, r *run, identity string) (session.Session, error) {
	backoff := o.opts.RetryBackoff
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	policy := retry.WithMaxRetries(uint64(o.opts.MaxRetries-1), retry.NewConstant(backoff))

	var opened session.Session
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		r.attempt.AttemptCount++
		if r.attempt.Stage != models.StageInteractiveLogin {
			o.enter(ctx, r, models.StageInteractiveLogin)
		}

		sess, err := o.driver.Open(ctx)
		if err != nil {
			return fmt.Errorf("open login session: %w", err)
		}

		if err := sess.SubmitIdentity(ctx, identity); err != nil {
			_ = sess.Close()
			return o.classifyLoginError(ctx, identity, r.attempt.AttemptCount, err)
		}

		o.enter(ctx, r, models.StageAwaitingCode)
		stageCtx, cancel := context.WithTimeout(ctx, o.opts.StageTimeout)
		err = sess.AwaitCodeEntry(stageCtx)
		cancel()
		if err != nil {
			_ = sess.Close()
			if ctx.Err() == nil && stderrors.Is(err, context.DeadlineExceeded) {
				return &errors.StageTimeoutError{Stage: string(models.StageAwaitingCode), Timeout: o.opts.StageTimeout, Err: err}
			}
			return o.classifyLoginError(ctx, identity, r.attempt.AttemptCount, err)
		}

		opened = sess
		return nil
	})
	if err == nil {
		return opened, nil
	}

	var rejection *session.Rejection
	if stderrors.As(err, &rejection) {
		return nil, &errors.RejectedError{Identity: identity, Attempts: r.attempt.AttemptCount, Signal: rejection.Marker}
	}
	return nil, err
}

func (o *Orchestrator) classifyLoginError(ctx context.Context, identity string, try int, err error) error {
	var rejection *session.Rejection
	if stderrors.As(err, &rejection) {
		o.logger.WarnWithContext(ctx, "login rejected, retrying on a fresh page",
			"account", identity, "try", try, "max_retries", o.opts.MaxRetries, "marker", rejection.Marker)
		return retry.RetryableError(err)
	}
	return err
}

// awaitCode polls the inbox until a code shows up in an eligible message.
func (o *Orchestrator) awaitCode(ctx context.Context, token string, start time.Time) (string, error) {
	deadline := o.now().Add(o.opts.CodeTimeout)
	since := start.Add(-o.opts.GraceWindow)
	seen := make(map[string]struct{})
	examined := 0

	for {
		for msg, err := range o.mailbox.PollMessages(ctx, token, since) {
			if err != nil {
				o.logger.DebugWithContext(ctx, "inbox poll error", "error", err)
				continue
			}
			if _, dup := seen[msg.ID]; dup {
				continue
			}
			seen[msg.ID] = struct{}{}
			if !msg.EligibleFor(start, o.opts.GraceWindow) {
				continue
			}
			examined++
			if code, ok := o.codes.Extract(msg); ok {
				o.logger.DebugWithContext(ctx, "verification code found", "message_id", msg.ID)
				return code, nil
			}
		}

		if !o.now().Before(deadline) {
			return "", &errors.CodeTimeoutError{Timeout: o.opts.CodeTimeout, Examined: examined}
		}
		if err := o.sleep(ctx, o.opts.CodePollInterval); err != nil {
			return "", err
		}
	}
}

// awaitSuccess probes the page until a success indicator appears or the
// bound elapses. The last observed indicator is returned.
func (o *Orchestrator) awaitSuccess(ctx context.Context, sess session.Session) session.Indicator {
	deadline := o.now().Add(o.opts.SuccessTimeout)
	last := session.IndicatorNone
	for {
		indicator, err := sess.Probe(ctx)
		if err != nil {
			o.logger.DebugWithContext(ctx, "probe failed", "error", err)
		} else {
			last = indicator
			if indicator == session.IndicatorSuccess {
				return indicator
			}
		}
		if !o.now().Before(deadline) {
			return last
		}
		if err := o.sleep(ctx, o.opts.ProbeInterval); err != nil {
			return last
		}
	}
}

func (o *Orchestrator) enter(ctx context.Context, r *run, stage models.Stage) {
	now := o.now()
	if o.observe != nil && r.attempt.Stage != models.StageIdle {
		o.observe(r.attempt.Stage, now.Sub(r.stageStart))
	}
	o.logger.DebugWithContext(ctx, "refresh stage", "account", r.attempt.AccountID,
		"from", string(r.attempt.Stage), "to", string(stage))
	r.attempt.Stage = stage
	r.stageStart = now
}

func (o *Orchestrator) finish(ctx context.Context, r *run, outcome models.Outcome, err error, reason string) *models.Attempt {
	a := r.attempt
	a.FinishedAt = o.now()
	a.Outcome = outcome
	if o.observe != nil && a.Stage != models.StageIdle {
		o.observe(a.Stage, a.FinishedAt.Sub(r.stageStart))
	}

	switch outcome {
	case models.OutcomeSuccess:
		a.Stage = models.StageSuccess
		o.logger.InfoWithContext(ctx, "account refreshed", "account", a.AccountID,
			"expires_at", a.Record.ExpiresAt, "tries", a.AttemptCount, "duration", a.Duration().String())
	case models.OutcomeSkipped:
		a.Stage = models.StageSkipped
		a.Reason = reason
		o.logger.InfoWithContext(ctx, "account skipped", "account", a.AccountID, "reason", reason)
	default:
		a.Err = err
		a.Reason = errors.Reason(err)
		if err != nil {
			a.Error = err.Error()
		}
		o.logger.WarnWithContext(ctx, "account refresh failed", "account", a.AccountID,
			"stage", string(a.Stage), "reason", a.Reason, "error", err, "tries", a.AttemptCount)
	}
	return a
}
