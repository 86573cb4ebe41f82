package models

import "time"

// Outcome is the terminal result of a refresh attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Stage is a state of the refresh state machine.
type Stage string

const (
	StageIdle             Stage = "idle"
	StageMailboxAuth      Stage = "mailbox_auth"
	StageInteractiveLogin Stage = "interactive_login"
	StageAwaitingCode     Stage = "awaiting_code"
	StageCodeSubmitted    Stage = "code_submitted"
	StageExtracting       Stage = "extracting"
	StageSuccess          Stage = "success"
	StageFailed           Stage = "failed"
	StageSkipped          Stage = "skipped"
)

// Attempt is the record of one refresh attempt for one account.
type Attempt struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Outcome      Outcome   `json:"outcome"`
	Reason       string    `json:"reason,omitempty"`
	Stage        Stage     `json:"stage"`
	AttemptCount int       `json:"attempt_count"`
	// Record is the refreshed record on success and the prior record otherwise.
	Record Account `json:"-"`
	Err    error   `json:"-"`
	Error  string  `json:"error,omitempty"`
}

// Duration returns how long the attempt ran.
func (a *Attempt) Duration() time.Duration {
	if a.FinishedAt.IsZero() {
		return 0
	}
	return a.FinishedAt.Sub(a.StartedAt)
}

// Succeeded reports whether the attempt produced a new record.
func (a *Attempt) Succeeded() bool {
	return a.Outcome == OutcomeSuccess
}

// Summary aggregates the attempts of one fleet run.
type Summary struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Total      int        `json:"total"`
	Due        int        `json:"due"`
	Succeeded  int        `json:"succeeded"`
	Skipped    int        `json:"skipped"`
	Failed     int        `json:"failed"`
	Attempts   []*Attempt `json:"attempts,omitempty"`
	Saved      bool       `json:"saved"`
	Pushed     bool       `json:"pushed"`
	Divergent  bool       `json:"divergent"`
	Reloaded   bool       `json:"reloaded"`
}

// Add counts an attempt.
func (s *Summary) Add(a *Attempt) {
	s.Attempts = append(s.Attempts, a)
	switch a.Outcome {
	case OutcomeSuccess:
		s.Succeeded++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
}
