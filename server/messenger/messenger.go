// Package messenger owns the message lifecycle: sends, edits, deletes,
// persistent message slots and the deletion queue. Every outbound platform
// call in the process goes through this package so topic and silence policies
// live in exactly one place.
package messenger

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/deskops/plugin/telegram"
	"github.com/hrygo/deskops/store"
	"github.com/hrygo/deskops/store/cache"
)

const (
	maxRetries         = 3
	chatUnavailableTTL = 5 * time.Minute
	defaultRetryWait   = 500 * time.Millisecond
)

// Platform is the subset of platform operations the manager needs, satisfied
// by *telegram.Client.
type Platform interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) (int, error)
	EditMessage(ctx context.Context, chatID int64, messageID int, text string, keyboard telegram.Keyboard, parseMode string) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	ProbeChat(ctx context.Context, chatID int64) error
}

// MessageStore is the persistence the manager needs, satisfied by
// *store.Store.
type MessageStore interface {
	GetPersistentMessage(ctx context.Context, chatID int64, topicID *int64, kind store.MessageKind) (*store.PersistentMessage, error)
	UpsertPersistentMessage(ctx context.Context, upsert *store.PersistentMessage) error
	DeletePersistentMessage(ctx context.Context, chatID int64, topicID *int64, kind store.MessageKind) error
	SchedulePendingDeletion(ctx context.Context, pending *store.PendingDeletion) error
	ListDuePendingDeletions(ctx context.Context, now time.Time, limit int) ([]*store.PendingDeletion, error)
	ListPendingDeletionsByTopic(ctx context.Context, chatID, topicID int64) ([]*store.PendingDeletion, error)
	DeletePendingDeletion(ctx context.Context, chatID int64, messageID int) error
}

// Options is the runtime configuration view, satisfied by *store.Settings.
type Options interface {
	Int64(ctx context.Context, key string, def int64) int64
	Topic(ctx context.Context, key string) *int64
	Int64Set(ctx context.Context, key string) map[int64]bool
	Seconds(ctx context.Context, key string, def time.Duration) time.Duration
}

// Manager sends, edits and deletes messages with retry, keeps persistent
// message ids and suppresses traffic to unavailable chats.
type Manager struct {
	platform Platform
	store    MessageStore
	options  Options

	// unavailable maps chat id to when it was marked down.
	unavailable *cache.LRUCache[int64, time.Time]
	retryWait   time.Duration
	reprobeWait time.Duration

	// done stops the background re-probe loops on shutdown.
	done chan struct{}
}

func NewManager(platform Platform, messageStore MessageStore, options Options) *Manager {
	return &Manager{
		platform:    platform,
		store:       messageStore,
		options:     options,
		unavailable: cache.NewLRUCache[int64, time.Time](256, chatUnavailableTTL),
		retryWait:   defaultRetryWait,
		reprobeWait: chatUnavailableTTL,
		done:        make(chan struct{}),
	}
}

// Close stops the background re-probe loops. The manager must not be used
// after Close.
func (m *Manager) Close() {
	close(m.done)
}

// Send delivers a message and returns its id. Transient platform failures
// are retried with capped backoff; an unavailable chat short-circuits.
func (m *Manager) Send(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) (int, error) {
	if m.chatDown(chatID) {
		return 0, telegram.ErrChatUnavailable
	}
	var messageID int
	err := m.withRetry(ctx, func() error {
		var err error
		messageID, err = m.platform.SendMessage(ctx, chatID, text, opts)
		return err
	})
	if errors.Is(err, telegram.ErrChatUnavailable) {
		m.markUnavailable(chatID)
	}
	return messageID, err
}

// Edit replaces text and keyboard. "not modified" counts as success.
func (m *Manager) Edit(ctx context.Context, chatID int64, messageID int, text string, keyboard telegram.Keyboard) error {
	if m.chatDown(chatID) {
		return telegram.ErrChatUnavailable
	}
	err := m.withRetry(ctx, func() error {
		return m.platform.EditMessage(ctx, chatID, messageID, text, keyboard, telegram.ParseModeHTML)
	})
	switch {
	case errors.Is(err, telegram.ErrNotModified):
		return nil
	case errors.Is(err, telegram.ErrChatUnavailable):
		m.markUnavailable(chatID)
	}
	return err
}

// Delete removes a message. A message already gone counts as success.
func (m *Manager) Delete(ctx context.Context, chatID int64, messageID int) error {
	if m.chatDown(chatID) {
		return telegram.ErrChatUnavailable
	}
	err := m.withRetry(ctx, func() error {
		return m.platform.DeleteMessage(ctx, chatID, messageID)
	})
	switch {
	case errors.Is(err, telegram.ErrMessageNotFound):
		return nil
	case errors.Is(err, telegram.ErrChatUnavailable):
		m.markUnavailable(chatID)
	}
	return err
}

// EnsurePersistent renders into the (chat, topic, kind) slot: edit in place
// when the slot has a message, fall back to a fresh silent send when the
// stored message is gone, and store the id either way.
func (m *Manager) EnsurePersistent(ctx context.Context, chatID int64, topicID *int64, kind store.MessageKind, text string, keyboard telegram.Keyboard) (int, error) {
	existing, err := m.store.GetPersistentMessage(ctx, chatID, topicID, kind)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}
	if existing != nil {
		err := m.Edit(ctx, chatID, existing.MessageID, text, keyboard)
		if err == nil {
			return existing.MessageID, nil
		}
		if !errors.Is(err, telegram.ErrMessageNotFound) {
			return 0, err
		}
		// The stored message is gone; clear the slot and resend.
		if err := m.store.DeletePersistentMessage(ctx, chatID, topicID, kind); err != nil {
			slog.Warn("messenger: failed to clear stale persistent slot", "kind", kind, "error", err)
		}
	}

	messageID, err := m.Send(ctx, chatID, text, telegram.SendOptions{
		TopicID:   topicID,
		Keyboard:  keyboard,
		Silent:    true,
		ParseMode: telegram.ParseModeHTML,
	})
	if err != nil {
		return 0, err
	}
	if err := m.store.UpsertPersistentMessage(ctx, &store.PersistentMessage{
		ChatID:    chatID,
		TopicID:   topicID,
		Kind:      kind,
		MessageID: messageID,
	}); err != nil {
		return messageID, err
	}
	return messageID, nil
}

// ScheduleDelete enqueues the message for deletion after the delay. The
// drain decides whether the topic policy allows the actual delete.
func (m *Manager) ScheduleDelete(ctx context.Context, chatID int64, messageID int, topicID *int64, after time.Duration) error {
	return m.store.SchedulePendingDeletion(ctx, &store.PendingDeletion{
		ChatID:    chatID,
		MessageID: messageID,
		TopicID:   topicID,
		DeleteAt:  time.Now().Add(after),
	})
}

func (m *Manager) chatDown(chatID int64) bool {
	_, down := m.unavailable.Get(chatID)
	return down
}

func (m *Manager) markUnavailable(chatID int64) {
	if m.chatDown(chatID) {
		return
	}
	m.unavailable.Set(chatID, time.Now(), chatUnavailableTTL)
	slog.Warn("messenger: chat unavailable, suppressing outbound", "chat", chatID)
	go m.reprobe(chatID)
}

// reprobe re-checks the chat after each suppression window and lifts the
// suppression once the chat answers again.
func (m *Manager) reprobe(chatID int64) {
	timer := time.NewTimer(m.reprobeWait)
	defer timer.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-timer.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := m.platform.ProbeChat(ctx, chatID)
		cancel()
		if err == nil {
			m.unavailable.Delete(chatID)
			slog.Info("messenger: chat reachable again", "chat", chatID)
			return
		}
		m.unavailable.Set(chatID, time.Now(), chatUnavailableTTL)
		timer.Reset(m.reprobeWait)
	}
}

// withRetry runs the operation with capped exponential backoff on transient
// platform failures, honoring a server-requested rate limit pause.
func (m *Manager) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.retryWait
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !telegram.IsTransient(err) {
			return backoff.Permanent(err)
		}
		if pause := telegram.RetryAfter(err); pause > 0 {
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-time.After(pause):
			}
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
}
