package models

import "time"

// Message is one inbox message fetched while waiting for a verification code.
type Message struct {
	ID         string
	ReceivedAt time.Time
	Subject    string
	Text       string
	HTML       string
}

// EligibleFor reports whether the message may carry the code for an attempt
// that started at start. grace absorbs clock skew with the mail provider.
func (m Message) EligibleFor(start time.Time, grace time.Duration) bool {
	return !m.ReceivedAt.Before(start.Add(-grace))
}
