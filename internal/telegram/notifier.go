// Package telegram sends run summaries and failure alerts to a Telegram chat.
package telegram

import (
	"context"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hmtxj/gemini-cookie-refresh/internal/config"
	"github.com/hmtxj/gemini-cookie-refresh/internal/logging"
	"github.com/hmtxj/gemini-cookie-refresh/internal/models"
)

// BotAPI interface for Telegram bot operations (allows mocking in tests)
type BotAPI interface {
	SendMessage(chatID int64, text, parseMode string) error
}

// DedupLimiter prevents duplicate messages within a time window
type DedupLimiter struct {
	sent   map[string]time.Time
	window time.Duration
	now    func() time.Time
	mu     sync.Mutex
}

// NewDedupLimiter creates a new deduplication limiter
func NewDedupLimiter(window time.Duration) *DedupLimiter {
	return &DedupLimiter{
		sent:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// CanSend reports whether key was not sent within the window and marks it sent.
func (dl *DedupLimiter) CanSend(key string) bool {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	now := dl.now()
	for k, sentAt := range dl.sent {
		if now.Sub(sentAt) >= dl.window {
			delete(dl.sent, k)
		}
	}
	if _, exists := dl.sent[key]; exists {
		return false
	}
	dl.sent[key] = now
	return true
}

// Notifier posts run results to one chat. A disabled notifier is a no-op.
type Notifier struct {
	api     BotAPI
	chatID  int64
	enabled bool
	dedup   *DedupLimiter
	loc     *time.Location
	logger  *logging.Logger
}

// NewNotifier connects to the Bot API when cfg is enabled.
func NewNotifier(cfg config.TelegramConfig, loc *time.Location, logger *logging.Logger) (*Notifier, error) {
	if !cfg.Enabled || strings.TrimSpace(cfg.BotToken) == "" || cfg.ChatID == 0 {
		return &Notifier{logger: logger}, nil
	}
	api, err := NewTGBotAPIClient(strings.TrimSpace(cfg.BotToken))
	if err != nil {
		return nil, err
	}
	return NewNotifierWithAPI(api, cfg.ChatID, loc, logger), nil
}

// NewNotifierWithAPI builds an enabled notifier around api.
func NewNotifierWithAPI(api BotAPI, chatID int64, loc *time.Location, logger *logging.Logger) *Notifier {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Notifier{
		api:     api,
		chatID:  chatID,
		enabled: true,
		dedup:   NewDedupLimiter(6 * time.Hour),
		loc:     loc,
		logger:  logger,
	}
}

// Enabled reports whether messages are actually sent.
func (n *Notifier) Enabled() bool {
	return n != nil && n.enabled
}

// NotifySummary sends the result of a run. Runs where nothing was due are
// not reported.
func (n *Notifier) NotifySummary(ctx context.Context, s *models.Summary) {
	if !n.Enabled() || s == nil || s.Due == 0 {
		return
	}
	n.send(ctx, formatSummary(s, n.loc))
}

// NotifyRunError reports a run that could not start or save. Identical
// errors are sent at most once per dedup window.
func (n *Notifier) NotifyRunError(ctx context.Context, err error) {
	if !n.Enabled() || err == nil {
		return
	}
	if !n.dedup.CanSend(err.Error()) {
		return
	}
	n.send(ctx, formatRunError(err))
}

func (n *Notifier) send(ctx context.Context, text string) {
	if err := n.api.SendMessage(n.chatID, text, tgbotapi.ModeHTML); err != nil {
		n.logger.WarnWithContext(ctx, "telegram notification failed", "error", err)
	}
}
