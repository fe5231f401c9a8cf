package messenger

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/deskops/store"
)

const drainBatchSize = 100

// DrainDeletions processes one batch of due queue rows. A row whose topic is
// unset or outside the allowed set is dropped without touching the platform.
// Rows are removed even when the platform delete fails; a message the drain
// could not delete once is not worth a second pass.
func (m *Manager) DrainDeletions(ctx context.Context) {
	due, err := m.store.ListDuePendingDeletions(ctx, time.Now(), drainBatchSize)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("messenger: failed to list due deletions", "error", err)
		}
		return
	}
	if len(due) == 0 {
		return
	}

	allowed := m.options.Int64Set(ctx, store.SettingAllowedTopics)
	for _, row := range due {
		if row.TopicID != nil && allowed[*row.TopicID] {
			if err := m.Delete(ctx, row.ChatID, row.MessageID); err != nil {
				slog.Warn("messenger: drain failed to delete message",
					"chat", row.ChatID, "message", row.MessageID, "error", err)
			}
		}
		if err := m.store.DeletePendingDeletion(ctx, row.ChatID, row.MessageID); err != nil {
			slog.Error("messenger: failed to remove deletion row",
				"chat", row.ChatID, "message", row.MessageID, "error", err)
		}
	}
}

// CleanupEphemeralTopics runs once at boot: every message still queued for
// the employee-search topic is deleted immediately, except the pinned
// instruction message. Queue rows are removed unconditionally.
func (m *Manager) CleanupEphemeralTopics(ctx context.Context) {
	chatID := m.Chat(ctx)
	if chatID == 0 {
		return
	}
	topicID := m.TopicOf(ctx, DestinationEmployeeSearch)
	if topicID == nil {
		return
	}

	pinnedID := 0
	if pinned, err := m.store.GetPersistentMessage(ctx, chatID, topicID, store.MessageKindInstruction); err == nil {
		pinnedID = pinned.MessageID
	}

	rows, err := m.store.ListPendingDeletionsByTopic(ctx, chatID, *topicID)
	if err != nil {
		slog.Error("messenger: failed to list topic deletions for cleanup", "error", err)
		return
	}
	cleaned := 0
	for _, row := range rows {
		if row.MessageID != pinnedID {
			if err := m.Delete(ctx, row.ChatID, row.MessageID); err != nil {
				slog.Warn("messenger: cleanup failed to delete message",
					"chat", row.ChatID, "message", row.MessageID, "error", err)
			} else {
				cleaned++
			}
		}
		if err := m.store.DeletePendingDeletion(ctx, row.ChatID, row.MessageID); err != nil {
			slog.Error("messenger: failed to remove deletion row during cleanup",
				"chat", row.ChatID, "message", row.MessageID, "error", err)
		}
	}
	if len(rows) > 0 {
		slog.Info("messenger: cleaned ephemeral topic", "topic", *topicID, "deleted", cleaned, "rows", len(rows))
	}
}
