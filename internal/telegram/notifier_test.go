package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmtxj/gemini-cookie-refresh/internal/config"
	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
)

// MockBotAPI records sent messages.
type MockBotAPI struct {
	messages   []string
	parseModes []string
	sendErr    error
}

func (m *MockBotAPI) SendMessage(chatID int64, text, parseMode string) error {
	m.messages = append(m.messages, text)
	m.parseModes = append(m.parseModes, parseMode)
	return m.sendErr
}

func summary() *models.Summary {
	start := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	return &models.Summary{
		RunID:      "run-1",
		StartedAt:  start,
		FinishedAt: start.Add(4*time.Minute + 5*time.Second),
		Total:      3,
		Due:        2,
		Succeeded:  1,
		Failed:     1,
		Skipped:    1,
		Attempts: []*models.Attempt{
			{AccountID: "a@example.com", Outcome: models.OutcomeSuccess},
			{AccountID: "b<x>@example.com", Outcome: models.OutcomeFailed, Reason: "code_timeout"},
		},
	}
}

func TestNotifySummary(t *testing.T) {
	api := &MockBotAPI{}
	n := NewNotifierWithAPI(api, 42, time.FixedZone("CST", 8*3600), nil)

	n.NotifySummary(context.Background(), summary())

	require.Len(t, api.messages, 1)
	msg := api.messages[0]
	assert.Equal(t, "HTML", api.parseModes[0])
	assert.True(t, strings.HasPrefix(msg, "🟡"))
	assert.Contains(t, msg, "<b>Accounts:</b> 3 (due 2)")
	assert.Contains(t, msg, "b&lt;x&gt;@example.com")
	assert.Contains(t, msg, "code_timeout")
	assert.Contains(t, msg, "4m 5s")
	assert.Contains(t, msg, "2026-05-01 16:04:05")
}

func TestNotifySummary_NothingDue(t *testing.T) {
	api := &MockBotAPI{}
	n := NewNotifierWithAPI(api, 42, nil, nil)

	s := summary()
	s.Due = 0
	n.NotifySummary(context.Background(), s)
	assert.Empty(t, api.messages)
}

func TestNotifyRunError_Deduplicated(t *testing.T) {
	api := &MockBotAPI{sendErr: errors.New("network down")}
	n := NewNotifierWithAPI(api, 42, nil, nil)

	n.NotifyRunError(context.Background(), errors.New("no healthy proxy node"))
	n.NotifyRunError(context.Background(), errors.New("no healthy proxy node"))
	n.NotifyRunError(context.Background(), errors.New("database locked"))

	require.Len(t, api.messages, 2)
	assert.Contains(t, api.messages[0], "no healthy proxy node")
}

func TestDisabledNotifier(t *testing.T) {
	n, err := NewNotifier(config.TelegramConfig{Enabled: false}, nil, nil)
	require.NoError(t, err)
	assert.False(t, n.Enabled())

	// Must not panic without an API client.
	n.NotifySummary(context.Background(), summary())
	n.NotifyRunError(context.Background(), errors.New("x"))

	var nilNotifier *Notifier
	assert.False(t, nilNotifier.Enabled())
}

func TestDedupLimiter(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	dl := NewDedupLimiter(time.Hour)
	dl.now = func() time.Time { return now }

	assert.True(t, dl.CanSend("k"))
	assert.False(t, dl.CanSend("k"))
	now = now.Add(time.Hour)
	assert.True(t, dl.CanSend("k"))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "500ms", formatDuration(500*time.Millisecond))
	assert.Equal(t, "1.5s", formatDuration(1500*time.Millisecond))
	assert.Equal(t, "2m", formatDuration(2*time.Minute))
	assert.Equal(t, "1h 30m", formatDuration(90*time.Minute))
	assert.Equal(t, "3h", formatDuration(3*time.Hour))
}
