// Package telegram wraps the Bot API behind the small operation set the bot
// needs: send, edit, delete, chat probe and long-polled updates.
package telegram

import (
	"context"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
)

const (
	// ParseModeHTML is used for all dashboard and ticket renderings.
	ParseModeHTML = "HTML"
	// ParseModeMarkdownV2 requires EscapeMarkdown on dynamic content.
	ParseModeMarkdownV2 = "MarkdownV2"

	longPollTimeout = 60 // seconds
)

// Button is one inline keyboard button.
type Button struct {
	Text string
	// Exactly one of Data and URL is set.
	Data string
	URL  string
}

// Keyboard is an inline keyboard, row-major.
type Keyboard [][]Button

// SendOptions carries the optional parts of a send.
type SendOptions struct {
	TopicID   *int64
	Keyboard  Keyboard
	Silent    bool
	ReplyTo   int
	ParseMode string
}

// Config holds configuration for the Telegram client.
type Config struct {
	BotToken string
}

// Client implements the platform operations on the Telegram Bot API.
type Client struct {
	bot *tgbotapi.BotAPI
}

// NewClient creates a new Telegram client and verifies the token.
func NewClient(config *Config) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(config.BotToken)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Telegram bot")
	}
	slog.Info("telegram: authorized", "username", bot.Self.UserName)
	return &Client{bot: bot}, nil
}

// Username returns the authorized bot account name.
func (c *Client) Username() string {
	return c.bot.Self.UserName
}

// SendMessage sends a text message and returns the new message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableNotification = opts.Silent
	if opts.ParseMode != "" {
		msg.ParseMode = opts.ParseMode
	}
	if opts.TopicID != nil {
		msg.MessageThreadID = int(*opts.TopicID)
	}
	if opts.ReplyTo != 0 {
		msg.ReplyToMessageID = opts.ReplyTo
	}
	if markup := opts.Keyboard.markup(); markup != nil {
		msg.ReplyMarkup = *markup
	}
	sent, err := c.bot.Send(msg)
	if err != nil {
		return 0, classify(err)
	}
	return sent.MessageID, nil
}

// EditMessage replaces text and keyboard of an existing message.
func (c *Client) EditMessage(ctx context.Context, chatID int64, messageID int, text string, keyboard Keyboard, parseMode string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if parseMode != "" {
		edit.ParseMode = parseMode
	}
	edit.ReplyMarkup = keyboard.markup()
	if _, err := c.bot.Send(edit); err != nil {
		return classify(err)
	}
	return nil
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return classify(err)
	}
	return nil
}

// ProbeChat checks that the chat is reachable for the bot.
func (c *Client) ProbeChat(ctx context.Context, chatID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.bot.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// AnswerCallback acknowledges a callback query, optionally with a toast.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return classify(err)
	}
	return nil
}

// Updates long-polls for message and callback_query updates until ctx is
// cancelled. The library reconnects internally; a closed channel means we
// stopped it ourselves.
func (c *Client) Updates(ctx context.Context) <-chan tgbotapi.Update {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = longPollTimeout
	u.AllowedUpdates = []string{"message", "callback_query"}

	updates := c.bot.GetUpdatesChan(u)
	go func() {
		<-ctx.Done()
		c.bot.StopReceivingUpdates()
	}()
	return updates
}

func (k Keyboard) markup() *tgbotapi.InlineKeyboardMarkup {
	if len(k) == 0 {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(k))
	for _, row := range k {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			if b.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
			} else {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
			}
		}
		rows = append(rows, buttons)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}

// RetryAfter extracts the server-requested pause from a rate limit error.
func RetryAfter(err error) time.Duration {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second
	}
	return 0
}
