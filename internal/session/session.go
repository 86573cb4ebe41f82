// Package session defines the interactive login contract used by the refresh
// state machine and a WebDriver-backed implementation of it.
package session

import (
	"context"
	"fmt"

	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
)

// Indicator is what a probe of the page after code submission observed.
type Indicator int

const (
	IndicatorNone Indicator = iota
	IndicatorInProgress
	IndicatorSuccess
)

func (i Indicator) String() string {
	switch i {
	case IndicatorInProgress:
		return "in_progress"
	case IndicatorSuccess:
		return "success"
	default:
		return "none"
	}
}

// Rejection means the service showed a temporary rejection marker. A new
// session may succeed.
type Rejection struct {
	Marker string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("login rejected (%s)", r.Marker)
}

// Artifacts is the raw output of a finished login.
type Artifacts struct {
	FinalURL string
	Cookies  []models.Cookie
}

// Driver opens login sessions. Each Open starts from a fresh login page.
type Driver interface {
	Open(ctx context.Context) (Session, error)
}

// Session is one interactive login, driven step by step.
type Session interface {
	// SubmitIdentity enters the mailbox address and continues. It returns a
	// *Rejection when the service refuses the attempt.
	SubmitIdentity(ctx context.Context, identity string) error
	// AwaitCodeEntry blocks until the code field is shown, a *Rejection is
	// detected, or ctx is done.
	AwaitCodeEntry(ctx context.Context) error
	SubmitCode(ctx context.Context, code string) error
	Probe(ctx context.Context) (Indicator, error)
	Artifacts(ctx context.Context) (*Artifacts, error)
	Close() error
}
