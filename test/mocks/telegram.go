package mocks

import (
	"sync"
	"time"
)

// MockTelegramBot records messages instead of calling the Bot API. It
// satisfies telegram.BotAPI.
type MockTelegramBot struct {
	SentMessages []SentMessage
	SentCount    int
	Errors       []error
	mu           sync.Mutex
}

// SentMessage represents a sent message
type SentMessage struct {
	ChatID    int64
	Text      string
	ParseMode string
	Time      time.Time
}

// NewMockTelegramBot creates a new mock Telegram bot
func NewMockTelegramBot() *MockTelegramBot {
	return &MockTelegramBot{
		SentMessages: make([]SentMessage, 0),
		Errors:       make([]error, 0),
	}
}

// SendMessage records the message. A queued error is returned instead, one
// per call.
func (m *MockTelegramBot) SendMessage(chatID int64, text string, parseMode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.Errors) > 0 {
		err := m.Errors[0]
		m.Errors = m.Errors[1:]
		return err
	}

	m.SentCount++
	m.SentMessages = append(m.SentMessages, SentMessage{
		ChatID:    chatID,
		Text:      text,
		ParseMode: parseMode,
		Time:      time.Now(),
	})

	return nil
}

// GetSentMessages returns all sent messages
func (m *MockTelegramBot) GetSentMessages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}

// GetSentCount returns the number of sent messages
func (m *MockTelegramBot) GetSentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SentCount
}

// ClearSentMessages clears the sent messages
func (m *MockTelegramBot) ClearSentMessages() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMessages = make([]SentMessage, 0)
	m.SentCount = 0
}

// AddError queues an error for the next SendMessage call.
func (m *MockTelegramBot) AddError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors = append(m.Errors, err)
}
