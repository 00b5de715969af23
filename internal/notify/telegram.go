package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ChatSender is the part of *tgbotapi.BotAPI the sender needs.
type ChatSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender delivers notifications through a Telegram bot. When the
// command bot is running it shares the same API client.
type TelegramSender struct {
	api    ChatSender
	chatID string
}

// NewTelegramSender creates a sender for the given chat. chatID is either a
// numeric chat ID or a public channel username such as "@alerts".
func NewTelegramSender(api ChatSender, chatID string) (*TelegramSender, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, fmt.Errorf("telegram: chat id is required")
	}
	return &TelegramSender{api: api, chatID: chatID}, nil
}

// NewTelegramBotSender dials the Bot API with token and returns a sender.
func NewTelegramBotSender(token, chatID string) (*TelegramSender, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect bot: %w", err)
	}
	return NewTelegramSender(api, chatID)
}

// Send posts the title in bold followed by the message, using HTML parse
// mode so asset IDs with underscores render verbatim.
func (t *TelegramSender) Send(_ context.Context, title, message string) error {
	msg := t.message(fmt.Sprintf("<b>%s</b>\n%s", escapeHTML(title), escapeHTML(message)))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

func (t *TelegramSender) message(text string) tgbotapi.MessageConfig {
	if id, err := strconv.ParseInt(t.chatID, 10, 64); err == nil {
		return tgbotapi.NewMessage(id, text)
	}
	return tgbotapi.NewMessageToChannel(t.chatID, text)
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(s string) string { return htmlEscaper.Replace(s) }
