package telegram

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
)

// Platform failures the callers branch on. The Bot API reports them as free
// text; the string matching happens here and nowhere else.
var (
	// ErrNotModified: edit produced the exact same message. Success for us.
	ErrNotModified = errors.New("telegram: message is not modified")
	// ErrMessageNotFound: the message to edit or delete is gone.
	ErrMessageNotFound = errors.New("telegram: message not found")
	// ErrChatUnavailable: chat not found, bot kicked, or empty chat id.
	ErrChatUnavailable = errors.New("telegram: chat unavailable")
	// ErrRateLimited: too many requests; retry after the indicated pause.
	ErrRateLimited = errors.New("telegram: rate limited")
)

func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	message := strings.ToLower(apiErr.Message)
	switch {
	case strings.Contains(message, "message is not modified"):
		return ErrNotModified
	case strings.Contains(message, "message to edit not found"),
		strings.Contains(message, "message to delete not found"),
		strings.Contains(message, "message can't be deleted"):
		return errors.Wrap(ErrMessageNotFound, apiErr.Message)
	case strings.Contains(message, "chat not found"),
		strings.Contains(message, "chat_id is empty"),
		strings.Contains(message, "bot was kicked"),
		strings.Contains(message, "bot was blocked"):
		return errors.Wrap(ErrChatUnavailable, apiErr.Message)
	case apiErr.Code == 429:
		return errors.Wrap(ErrRateLimited, apiErr.Message)
	}
	return err
}

// IsTransient reports whether the error is a platform 5xx or rate limit and
// worth a capped retry.
func IsTransient(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500
	}
	return false
}

// EscapeMarkdown escapes the characters MarkdownV2 reserves.
func EscapeMarkdown(text string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, text)
}
