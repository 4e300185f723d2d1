// Package channel holds the chat backends a dispatcher can send through.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// DefaultTelegramRate stays below the Bot API limit of about 30 messages per
// second across all chats.
const DefaultTelegramRate = 20

type TelegramOptions struct {
	Token string
	// Endpoint overrides tgbotapi.APIEndpoint, mainly for tests.
	Endpoint      string
	RatePerSecond float64
	HTTPClient    *http.Client
}

// Telegram sends legacy Markdown messages through the Bot API.
type Telegram struct {
	bot     *tgbotapi.BotAPI
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewTelegram validates the token with getMe.
func NewTelegram(opts TelegramOptions, logger *slog.Logger) (*Telegram, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, fmt.Errorf("telegram token is empty")
	}

	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	bot, err := tgbotapi.NewBotAPIWithClient(opts.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram handshake: %w", err)
	}

	perSecond := opts.RatePerSecond
	if perSecond <= 0 {
		perSecond = DefaultTelegramRate
	}

	if logger != nil {
		logger.Info("telegram bot ready", "bot", bot.Self.UserName)
	}

	return &Telegram{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:  logger,
	}, nil
}

// Name returns the bot's username as reported by getMe.
func (t *Telegram) Name() string {
	return t.bot.Self.UserName
}

// Send accepts a numeric chat id or an @channel username.
func (t *Telegram) Send(ctx context.Context, recipient, text string) error {
	msg, err := telegramMessage(recipient, text)
	if err != nil {
		return err
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit: %w", err)
	}

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	if t.logger != nil {
		t.logger.Debug("telegram message sent", "chat", recipient)
	}
	return nil
}

func telegramMessage(recipient, text string) (tgbotapi.MessageConfig, error) {
	var msg tgbotapi.MessageConfig
	if strings.HasPrefix(recipient, "@") {
		msg = tgbotapi.NewMessageToChannel(recipient, text)
	} else {
		chatID, err := strconv.ParseInt(recipient, 10, 64)
		if err != nil {
			return msg, fmt.Errorf("invalid telegram chat id %q", recipient)
		}
		msg = tgbotapi.NewMessage(chatID, text)
	}
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	return msg, nil
}
