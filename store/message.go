package store

import (
	"context"
	"time"
)

// MessageKind identifies a persistent message slot within (chat, topic).
type MessageKind string

const (
	MessageKindDashboard   MessageKind = "dashboard"
	MessageKindMetrics     MessageKind = "metrics"
	MessageKindInstruction MessageKind = "instruction"
	MessageKindWelcome     MessageKind = "welcome"
)

// PersistentMessage is a chat message the bot keeps editing in place,
// identified by (chat, topic, kind).
type PersistentMessage struct {
	ChatID    int64
	TopicID   *int64
	Kind      MessageKind
	MessageID int
	UpdatedAt time.Time
}

// PendingDeletion is an ephemeral message scheduled for removal.
type PendingDeletion struct {
	ChatID    int64
	MessageID int
	TopicID   *int64
	DeleteAt  time.Time
}

// UpsertPersistentMessage stores the message id for the slot; a conflict on
// (chat, topic, kind) updates the id and timestamp.
func (s *Store) UpsertPersistentMessage(ctx context.Context, upsert *PersistentMessage) error {
	return s.driver.UpsertPersistentMessage(ctx, upsert)
}

// GetPersistentMessage returns the slot, or ErrNotFound.
func (s *Store) GetPersistentMessage(ctx context.Context, chatID int64, topicID *int64, kind MessageKind) (*PersistentMessage, error) {
	return s.driver.GetPersistentMessage(ctx, chatID, topicID, kind)
}

// DeletePersistentMessage clears the slot, used when the platform reports the
// message gone.
func (s *Store) DeletePersistentMessage(ctx context.Context, chatID int64, topicID *int64, kind MessageKind) error {
	return s.driver.DeletePersistentMessage(ctx, chatID, topicID, kind)
}

// SchedulePendingDeletion enqueues a message for deletion at delete_at. A
// second schedule for the same (chat, message) moves the deadline.
func (s *Store) SchedulePendingDeletion(ctx context.Context, pending *PendingDeletion) error {
	return s.driver.SchedulePendingDeletion(ctx, pending)
}

// ListDuePendingDeletions returns rows with delete_at <= now, oldest first.
func (s *Store) ListDuePendingDeletions(ctx context.Context, now time.Time, limit int) ([]*PendingDeletion, error) {
	return s.driver.ListDuePendingDeletions(ctx, now, limit)
}

// ListPendingDeletionsByTopic returns every queued deletion for a topic,
// regardless of deadline. Used by the startup cleanup of ephemeral topics.
func (s *Store) ListPendingDeletionsByTopic(ctx context.Context, chatID int64, topicID int64) ([]*PendingDeletion, error) {
	return s.driver.ListPendingDeletionsByTopic(ctx, chatID, topicID)
}

// DeletePendingDeletion removes the queue row.
func (s *Store) DeletePendingDeletion(ctx context.Context, chatID int64, messageID int) error {
	return s.driver.DeletePendingDeletion(ctx, chatID, messageID)
}
