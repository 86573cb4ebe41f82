// Package expiry decides which accounts are due for a refresh.
package expiry

import (
	"time"

	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
)

// DefaultThreshold is the remaining lifetime at which a session is renewed.
const DefaultThreshold = 2 * time.Hour

// Policy gates refresh attempts on remaining session lifetime.
type Policy struct {
	Threshold time.Duration
	// Location is the zone stored expiries are written in.
	Location *time.Location
}

// NewPolicy returns a Policy, substituting defaults for zero values.
func NewPolicy(threshold time.Duration, loc *time.Location) Policy {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if loc == nil {
		loc = time.UTC
	}
	return Policy{Threshold: threshold, Location: loc}
}

// IsDue reports whether record should be refreshed at now. A forced run and
// a record without a readable expiry are always due.
func (p Policy) IsDue(record models.Account, now time.Time, force bool) bool {
	if force {
		return true
	}
	remaining, ok := p.Remaining(record, now)
	if !ok {
		return true
	}
	return remaining <= p.threshold()
}

// Remaining returns the time left until the record expires. The second result
// is false when the expiry is missing or unparsable.
func (p Policy) Remaining(record models.Account, now time.Time) (time.Duration, bool) {
	expiresAt, ok := record.Expiry(p.Location)
	if !ok {
		return 0, false
	}
	return expiresAt.Sub(now), true
}

func (p Policy) threshold() time.Duration {
	if p.Threshold <= 0 {
		return DefaultThreshold
	}
	return p.Threshold
}
