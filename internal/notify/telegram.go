package notify

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSink pushes alerts to one operator chat. Per-user scoping is kept
// in the message header; routing to per-user chats is a later concern.
type TelegramSink struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSink authenticates the bot. Returns an error when the token is
// rejected so startup can log and continue without the sink.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	if token == "" || chatID == 0 {
		return nil, fmt.Errorf("telegram: token and chat id required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: auth: %w", err)
	}
	return &TelegramSink{api: api, chatID: chatID}, nil
}

// Deliver sends one message, retrying once after a short pause on failure.
func (s *TelegramSink) Deliver(n Notification) error {
	text := fmt.Sprintf("[%s] %s\n%s\n(%s)", n.Severity, n.Title, n.Body, n.Scope)
	msg := tgbotapi.NewMessage(s.chatID, text)

	_, err := s.api.Send(msg)
	if err == nil {
		return nil
	}
	time.Sleep(2 * time.Second)
	if _, err2 := s.api.Send(msg); err2 != nil {
		return fmt.Errorf("telegram send: %w", err2)
	}
	return nil
}
