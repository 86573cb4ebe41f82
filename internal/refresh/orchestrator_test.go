package refresh

import (
	"context"
	stderrors "errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmtxj/gemini-cookie-refresh/internal/credential"
	"github.com/hmtxj/gemini-cookie-refresh/internal/errors"
	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
	"github.com/hmtxj/gemini-cookie-refresh/internal/session"
	"github.com/hmtxj/gemini-cookie-refresh/internal/verification"
)

var start = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

// fakeClock advances only when the orchestrator sleeps.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	slept  time.Duration
	sleeps int
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	c.slept += d
	c.sleeps++
	return nil
}

type fakeMailbox struct {
	authErr  error
	messages []models.Message
	// arriveAfter delays delivery of all messages until the given number of polls.
	arriveAfter int
	polls       int
	since       time.Time
	token       string
}

func (m *fakeMailbox) Authenticate(_ context.Context, _, _ string) (string, error) {
	if m.authErr != nil {
		return "", m.authErr
	}
	return "mail-token", nil
}

func (m *fakeMailbox) PollMessages(_ context.Context, token string, since time.Time) iter.Seq2[models.Message, error] {
	m.polls++
	m.since = since
	m.token = token
	deliver := m.polls > m.arriveAfter
	return func(yield func(models.Message, error) bool) {
		if !deliver {
			return
		}
		for _, msg := range m.messages {
			if !yield(msg, nil) {
				return
			}
		}
	}
}

type fakeSession struct {
	rejectSubmit bool
	rejectAwait  bool
	awaitBlocks  bool
	codeErr      error
	probes       []session.Indicator
	artifacts    *session.Artifacts

	submittedCode string
	probeCount    int
	closed        bool
}

func (s *fakeSession) SubmitIdentity(context.Context, string) error {
	if s.rejectSubmit {
		return &session.Rejection{Marker: "signin-error"}
	}
	return nil
}

func (s *fakeSession) AwaitCodeEntry(ctx context.Context) error {
	if s.rejectAwait {
		return &session.Rejection{Marker: "Try another way"}
	}
	if s.awaitBlocks {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *fakeSession) SubmitCode(_ context.Context, code string) error {
	s.submittedCode = code
	return s.codeErr
}

func (s *fakeSession) Probe(context.Context) (session.Indicator, error) {
	s.probeCount++
	if len(s.probes) == 0 {
		return session.IndicatorNone, nil
	}
	ind := s.probes[0]
	s.probes = s.probes[1:]
	return ind, nil
}

func (s *fakeSession) Artifacts(context.Context) (*session.Artifacts, error) {
	return s.artifacts, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeDriver struct {
	sessions []*fakeSession
	opened   int
	openErr  error
}

func (d *fakeDriver) Open(context.Context) (session.Session, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	i := min(d.opened, len(d.sessions)-1)
	d.opened++
	return d.sessions[i], nil
}

func goodArtifacts() *session.Artifacts {
	return &session.Artifacts{
		FinalURL: "https://business.gemini.google/home/cid/cfg-new?csesidx=idx-new",
		Cookies: []models.Cookie{
			{Name: "__Secure-C_SES", Value: "primary-new", Expiry: start.Add(48 * time.Hour).Unix()},
			{Name: "__Host-C_OSES", Value: "secondary-new"},
		},
	}
}

func codeMessage(id string, at time.Time, code string) models.Message {
	return models.Message{
		ID:         id,
		ReceivedAt: at,
		Subject:    "Your sign-in code",
		Text:       "Your one-time verification code is: " + code,
	}
}

func testAccount() models.Account {
	return models.Account{
		ID:             "alice@example.com",
		MailPassword:   "secret",
		SessionIndex:   "idx-old",
		TenantID:       "cfg-old",
		PrimaryToken:   "primary-old",
		SecondaryToken: "secondary-old",
		ExpiresAt:      "2026-05-01 09:00:00",
	}
}

func testOptions() Options {
	return Options{
		MaxRetries:       3,
		RetryBackoff:     time.Millisecond,
		StageTimeout:     50 * time.Millisecond,
		CodeTimeout:      180 * time.Second,
		CodePollInterval: 3 * time.Second,
		SuccessTimeout:   40 * time.Second,
		ProbeInterval:    time.Second,
		GraceWindow:      30 * time.Second,
		Location:         time.UTC,
	}
}

func newTestOrchestrator(mb Mailbox, drv session.Driver, clock *fakeClock, opts ...Option) *Orchestrator {
	creds := credential.NewExtractor(credential.DefaultOptions(), clock.Now)
	opts = append([]Option{WithClock(clock.Now, clock.Sleep)}, opts...)
	return NewOrchestrator(mb, drv, verification.NewExtractor(nil), creds, testOptions(), opts...)
}

func TestRefresh_Success(t *testing.T) {
	clock := &fakeClock{t: start}
	mb := &fakeMailbox{
		arriveAfter: 2,
		messages: []models.Message{
			codeMessage("new", start.Add(20*time.Second), "AB12CD"),
			codeMessage("old", start.Add(-10*time.Minute), "ZZ99ZZ"),
		},
	}
	sess := &fakeSession{
		probes:    []session.Indicator{session.IndicatorInProgress, session.IndicatorSuccess},
		artifacts: goodArtifacts(),
	}
	drv := &fakeDriver{sessions: []*fakeSession{sess}}

	var stages []models.Stage
	o := newTestOrchestrator(mb, drv, clock, WithStageObserver(func(stage models.Stage, _ time.Duration) {
		stages = append(stages, stage)
	}))

	attempt := o.Refresh(context.Background(), testAccount())

	require.Equal(t, models.OutcomeSuccess, attempt.Outcome, attempt.Error)
	assert.Equal(t, models.StageSuccess, attempt.Stage)
	assert.Equal(t, 1, attempt.AttemptCount)
	assert.NotEmpty(t, attempt.ID)
	assert.Equal(t, "AB12CD", sess.submittedCode)
	assert.True(t, sess.closed)
	assert.Equal(t, 2, sess.probeCount)

	assert.Equal(t, "mail-token", mb.token)
	assert.Equal(t, start.Add(-30*time.Second), mb.since)
	assert.Equal(t, 3, mb.polls)

	rec := attempt.Record
	assert.Equal(t, "alice@example.com", rec.ID)
	assert.Equal(t, "secret", rec.MailPassword)
	assert.Equal(t, "idx-new", rec.SessionIndex)
	assert.Equal(t, "cfg-new", rec.TenantID)
	assert.Equal(t, "primary-new", rec.PrimaryToken)
	assert.Equal(t, "secondary-new", rec.SecondaryToken)
	assert.Equal(t, "2026-05-02 20:00:00", rec.ExpiresAt)

	assert.Equal(t, []models.Stage{
		models.StageMailboxAuth,
		models.StageInteractiveLogin,
		models.StageAwaitingCode,
		models.StageCodeSubmitted,
		models.StageExtracting,
	}, stages)
}

func TestRefresh_NoMailboxSecret(t *testing.T) {
	clock := &fakeClock{t: start}
	drv := &fakeDriver{}
	o := newTestOrchestrator(&fakeMailbox{}, drv, clock)

	account := testAccount()
	account.MailPassword = ""
	attempt := o.Refresh(context.Background(), account)

	assert.Equal(t, models.OutcomeSkipped, attempt.Outcome)
	assert.Equal(t, "no mailbox secret", attempt.Reason)
	assert.Equal(t, 0, drv.opened)
	assert.Equal(t, account, attempt.Record)
}

func TestRefresh_MailboxAuthFailure(t *testing.T) {
	clock := &fakeClock{t: start}
	drv := &fakeDriver{sessions: []*fakeSession{{}}}
	o := newTestOrchestrator(&fakeMailbox{authErr: stderrors.New("401")}, drv, clock)

	account := testAccount()
	attempt := o.Refresh(context.Background(), account)

	assert.Equal(t, models.OutcomeFailed, attempt.Outcome)
	assert.Equal(t, "auth", attempt.Reason)
	assert.Equal(t, models.StageMailboxAuth, attempt.Stage)
	var authErr *errors.AuthError
	require.ErrorAs(t, attempt.Err, &authErr)
	assert.Equal(t, "alice@example.com", authErr.Identity)
	assert.Equal(t, 0, drv.opened, "no browser session without a mailbox token")
	assert.Equal(t, account, attempt.Record)
}

func TestRefresh_RejectionRetriedThenSucceeds(t *testing.T) {
	clock := &fakeClock{t: start}
	mb := &fakeMailbox{messages: []models.Message{codeMessage("m1", start.Add(5*time.Second), "QW34ER")}}
	first := &fakeSession{rejectSubmit: true}
	second := &fakeSession{rejectAwait: true}
	third := &fakeSession{probes: []session.Indicator{session.IndicatorSuccess}, artifacts: goodArtifacts()}
	drv := &fakeDriver{sessions: []*fakeSession{first, second, third}}

	attempt := newTestOrchestrator(mb, drv, clock).Refresh(context.Background(), testAccount())

	require.Equal(t, models.OutcomeSuccess, attempt.Outcome, attempt.Error)
	assert.Equal(t, 3, attempt.AttemptCount)
	assert.True(t, first.closed)
	assert.True(t, second.closed)
	assert.Equal(t, "QW34ER", third.submittedCode)
}

func TestRefresh_RejectionExhaustsRetries(t *testing.T) {
	clock := &fakeClock{t: start}
	sess := &fakeSession{rejectSubmit: true}
	drv := &fakeDriver{sessions: []*fakeSession{sess}}

	account := testAccount()
	attempt := newTestOrchestrator(&fakeMailbox{}, drv, clock).Refresh(context.Background(), account)

	assert.Equal(t, models.OutcomeFailed, attempt.Outcome)
	assert.Equal(t, "rejected", attempt.Reason)
	assert.Equal(t, 3, attempt.AttemptCount)
	var rejected *errors.RejectedError
	require.ErrorAs(t, attempt.Err, &rejected)
	assert.Equal(t, 3, rejected.Attempts)
	assert.Equal(t, "signin-error", rejected.Signal)
	assert.Equal(t, account, attempt.Record)
}

func TestRefresh_AwaitCodeEntryTimeout(t *testing.T) {
	clock := &fakeClock{t: start}
	sess := &fakeSession{awaitBlocks: true}
	drv := &fakeDriver{sessions: []*fakeSession{sess}}

	attempt := newTestOrchestrator(&fakeMailbox{}, drv, clock).Refresh(context.Background(), testAccount())

	assert.Equal(t, models.OutcomeFailed, attempt.Outcome)
	assert.Equal(t, "stage_timeout", attempt.Reason)
	assert.Equal(t, models.StageAwaitingCode, attempt.Stage)
	assert.Equal(t, 1, attempt.AttemptCount, "stage timeouts are not retried")
	var stageErr *errors.StageTimeoutError
	require.ErrorAs(t, attempt.Err, &stageErr)
	assert.Equal(t, "awaiting_code", stageErr.Stage)
	assert.True(t, sess.closed)
}

func TestRefresh_CodeTimeout(t *testing.T) {
	clock := &fakeClock{t: start}
	mb := &fakeMailbox{messages: []models.Message{
		codeMessage("stale", start.Add(-31*time.Second), "OLD123"),
		{ID: "nocode", ReceivedAt: start.Add(time.Second), Text: "Welcome aboard"},
	}}
	sess := &fakeSession{}
	drv := &fakeDriver{sessions: []*fakeSession{sess}}

	attempt := newTestOrchestrator(mb, drv, clock).Refresh(context.Background(), testAccount())

	assert.Equal(t, models.OutcomeFailed, attempt.Outcome)
	assert.Equal(t, "code_timeout", attempt.Reason)
	var codeErr *errors.CodeTimeoutError
	require.ErrorAs(t, attempt.Err, &codeErr)
	assert.Equal(t, 1, codeErr.Examined)
	assert.Equal(t, 61, mb.polls)
	assert.Empty(t, sess.submittedCode)
	assert.True(t, sess.closed)
}

func TestRefresh_GraceWindowBoundary(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
		want   models.Outcome
	}{
		{name: "inside grace", offset: -29 * time.Second, want: models.OutcomeSuccess},
		{name: "ten seconds early", offset: -10 * time.Second, want: models.OutcomeSuccess},
		{name: "outside grace", offset: -31 * time.Second, want: models.OutcomeFailed},
		{name: "a minute early", offset: -60 * time.Second, want: models.OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{t: start}
			mb := &fakeMailbox{messages: []models.Message{codeMessage("m", start.Add(tt.offset), "AB12CD")}}
			sess := &fakeSession{probes: []session.Indicator{session.IndicatorSuccess}, artifacts: goodArtifacts()}
			drv := &fakeDriver{sessions: []*fakeSession{sess}}

			attempt := newTestOrchestrator(mb, drv, clock).Refresh(context.Background(), testAccount())
			assert.Equal(t, tt.want, attempt.Outcome)
		})
	}
}

func TestRefresh_UncertainSuccessStillExtracts(t *testing.T) {
	clock := &fakeClock{t: start}
	mb := &fakeMailbox{messages: []models.Message{codeMessage("m", start, "AB12CD")}}
	sess := &fakeSession{artifacts: goodArtifacts()}
	drv := &fakeDriver{sessions: []*fakeSession{sess}}

	attempt := newTestOrchestrator(mb, drv, clock).Refresh(context.Background(), testAccount())

	require.Equal(t, models.OutcomeSuccess, attempt.Outcome, attempt.Error)
	assert.Equal(t, 41, sess.probeCount)
}

func TestRefresh_IncompleteCredential(t *testing.T) {
	clock := &fakeClock{t: start}
	mb := &fakeMailbox{messages: []models.Message{codeMessage("m", start, "AB12CD")}}
	sess := &fakeSession{
		probes: []session.Indicator{session.IndicatorSuccess},
		artifacts: &session.Artifacts{
			FinalURL: "https://business.gemini.google/home?hl=en",
			Cookies:  []models.Cookie{{Name: "__Secure-C_SES", Value: "p"}},
		},
	}
	drv := &fakeDriver{sessions: []*fakeSession{sess}}

	account := testAccount()
	attempt := newTestOrchestrator(mb, drv, clock).Refresh(context.Background(), account)

	assert.Equal(t, models.OutcomeFailed, attempt.Outcome)
	assert.Equal(t, "incomplete_credential", attempt.Reason)
	assert.Equal(t, models.StageExtracting, attempt.Stage)
	var incomplete *errors.IncompleteCredentialError
	require.ErrorAs(t, attempt.Err, &incomplete)
	assert.Equal(t, []string{"csesidx", "config_id"}, incomplete.Missing)
	assert.Equal(t, account, attempt.Record)
}

func TestRefresh_StaleExpiryRejected(t *testing.T) {
	clock := &fakeClock{t: start}
	mb := &fakeMailbox{messages: []models.Message{codeMessage("m", start, "AB12CD")}}
	sess := &fakeSession{probes: []session.Indicator{session.IndicatorSuccess}, artifacts: goodArtifacts()}
	drv := &fakeDriver{sessions: []*fakeSession{sess}}

	account := testAccount()
	account.ExpiresAt = "2026-06-01 00:00:00"
	attempt := newTestOrchestrator(mb, drv, clock).Refresh(context.Background(), account)

	assert.Equal(t, models.OutcomeFailed, attempt.Outcome)
	assert.Equal(t, "stale_expiry", attempt.Reason)
	assert.Equal(t, account, attempt.Record)
}

func TestRefresh_WrongCodeSubmission(t *testing.T) {
	clock := &fakeClock{t: start}
	mb := &fakeMailbox{messages: []models.Message{codeMessage("m", start, "AB12CD")}}
	sess := &fakeSession{codeErr: stderrors.New("code field not found")}
	drv := &fakeDriver{sessions: []*fakeSession{sess}}

	attempt := newTestOrchestrator(mb, drv, clock).Refresh(context.Background(), testAccount())

	assert.Equal(t, models.OutcomeFailed, attempt.Outcome)
	assert.Equal(t, models.StageCodeSubmitted, attempt.Stage)
	assert.Equal(t, "internal", attempt.Reason)
	assert.Contains(t, attempt.Error, "submit code")
}

func TestRefresh_CanceledWhileWaitingForCode(t *testing.T) {
	clock := &fakeClock{t: start}
	ctx, cancel := context.WithCancel(context.Background())
	mb := &cancelingMailbox{cancel: cancel}
	drv := &fakeDriver{sessions: []*fakeSession{{}}}

	attempt := newTestOrchestrator(mb, drv, clock).Refresh(ctx, testAccount())

	assert.Equal(t, models.OutcomeFailed, attempt.Outcome)
	assert.Equal(t, "canceled", attempt.Reason)
}

type cancelingMailbox struct {
	cancel context.CancelFunc
}

func (m *cancelingMailbox) Authenticate(context.Context, string, string) (string, error) {
	return "t", nil
}

func (m *cancelingMailbox) PollMessages(context.Context, string, time.Time) iter.Seq2[models.Message, error] {
	m.cancel()
	return func(func(models.Message, error) bool) {}
}

func TestSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}
