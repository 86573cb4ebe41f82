package telegram

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TGBotAPIClient adapts tgbotapi.BotAPI to the BotAPI interface.
type TGBotAPIClient struct {
	bot *tgbotapi.BotAPI
}

// NewTGBotAPIClient creates a new Telegram client using tgbotapi.
func NewTGBotAPIClient(token string) (*TGBotAPIClient, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &TGBotAPIClient{bot: bot}, nil
}

// SendMessage sends a message to the specified chat.
func (c *TGBotAPIClient) SendMessage(chatID int64, text, parseMode string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = parseMode
	msg.DisableWebPagePreview = true
	_, err := c.bot.Send(msg)
	return err
}

var _ BotAPI = (*TGBotAPIClient)(nil)
