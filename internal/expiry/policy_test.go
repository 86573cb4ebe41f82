package expiry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
)

func TestPolicy_IsDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	policy := NewPolicy(2*time.Hour, time.UTC)

	at := func(d time.Duration) models.Account {
		return models.Account{ID: "a", ExpiresAt: now.Add(d).Format(models.ExpiryLayout)}
	}

	tests := []struct {
		name   string
		record models.Account
		force  bool
		want   bool
	}{
		{"three hours left", at(3 * time.Hour), false, false},
		{"one hour left", at(time.Hour), false, true},
		{"exactly at threshold", at(2 * time.Hour), false, true},
		{"already expired", at(-time.Hour), false, true},
		{"missing expiry", models.Account{ID: "a"}, false, true},
		{"unparsable expiry", models.Account{ID: "a", ExpiresAt: "never"}, false, true},
		{"forced with time left", at(10 * time.Hour), true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.IsDue(tt.record, now, tt.force))
		})
	}
}

func TestPolicy_ForceAlwaysDue(t *testing.T) {
	now := time.Now()
	policy := NewPolicy(0, nil)
	records := []models.Account{
		{ID: "a"},
		{ID: "b", ExpiresAt: "garbage"},
		{ID: "c", ExpiresAt: now.Add(100 * time.Hour).UTC().Format(models.ExpiryLayout)},
	}
	for _, r := range records {
		assert.True(t, policy.IsDue(r, now, true), r.ID)
	}
}

func TestPolicy_Location(t *testing.T) {
	shanghai := time.FixedZone("CST", 8*3600)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	// 21:00 in UTC+8 is 13:00 UTC, three hours away.
	record := models.Account{ID: "a", ExpiresAt: "2026-03-01 21:00:00"}

	assert.False(t, NewPolicy(2*time.Hour, shanghai).IsDue(record, now, false))
	assert.True(t, NewPolicy(2*time.Hour, time.UTC).IsDue(models.Account{ID: "a", ExpiresAt: "2026-03-01 11:00:00"}, now, false))

	remaining, ok := NewPolicy(0, shanghai).Remaining(record, now)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Hour, remaining)
}
