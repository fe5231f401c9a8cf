package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hrygo/deskops/store"
)

// Persistent message slots key on (chat, topic, kind); a nil topic is stored
// as 0 so the composite primary key stays usable.
func topicKey(topicID *int64) int64 {
	if topicID == nil {
		return 0
	}
	return *topicID
}

func (d *DB) UpsertPersistentMessage(ctx context.Context, upsert *store.PersistentMessage) error {
	query := `
		INSERT INTO telegram.persistent_messages (chat_id, topic_id, kind, message_id, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (chat_id, topic_id, kind) DO UPDATE SET
			message_id = EXCLUDED.message_id,
			updated_at = NOW()
	`
	if _, err := d.db.ExecContext(ctx, query,
		upsert.ChatID, topicKey(upsert.TopicID), string(upsert.Kind), upsert.MessageID); err != nil {
		return fmt.Errorf("failed to upsert persistent message: %w", err)
	}
	return nil
}

func (d *DB) GetPersistentMessage(ctx context.Context, chatID int64, topicID *int64, kind store.MessageKind) (*store.PersistentMessage, error) {
	query := `
		SELECT chat_id, topic_id, kind, message_id, updated_at
		FROM telegram.persistent_messages
		WHERE chat_id = $1 AND topic_id = $2 AND kind = $3
	`
	message := &store.PersistentMessage{}
	var topic int64
	var kindValue string
	err := d.db.QueryRowContext(ctx, query, chatID, topicKey(topicID), string(kind)).
		Scan(&message.ChatID, &topic, &kindValue, &message.MessageID, &message.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get persistent message: %w", err)
	}
	if topic != 0 {
		message.TopicID = &topic
	}
	message.Kind = store.MessageKind(kindValue)
	return message, nil
}

func (d *DB) DeletePersistentMessage(ctx context.Context, chatID int64, topicID *int64, kind store.MessageKind) error {
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM telegram.persistent_messages WHERE chat_id = $1 AND topic_id = $2 AND kind = $3`,
		chatID, topicKey(topicID), string(kind)); err != nil {
		return fmt.Errorf("failed to delete persistent message: %w", err)
	}
	return nil
}

func (d *DB) SchedulePendingDeletion(ctx context.Context, pending *store.PendingDeletion) error {
	query := `
		INSERT INTO telegram.pending_deletions (chat_id, message_id, topic_id, delete_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chat_id, message_id) DO UPDATE SET
			topic_id = EXCLUDED.topic_id,
			delete_at = EXCLUDED.delete_at
	`
	var topic sql.NullInt64
	if pending.TopicID != nil {
		topic = sql.NullInt64{Int64: *pending.TopicID, Valid: true}
	}
	if _, err := d.db.ExecContext(ctx, query,
		pending.ChatID, pending.MessageID, topic, pending.DeleteAt); err != nil {
		return fmt.Errorf("failed to schedule pending deletion: %w", err)
	}
	return nil
}

func (d *DB) ListDuePendingDeletions(ctx context.Context, now time.Time, limit int) ([]*store.PendingDeletion, error) {
	query := `
		SELECT chat_id, message_id, topic_id, delete_at
		FROM telegram.pending_deletions
		WHERE delete_at <= $1
		ORDER BY delete_at
		LIMIT $2
	`
	rows, err := d.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due pending deletions: %w", err)
	}
	defer rows.Close()
	return scanPendingDeletions(rows)
}

func (d *DB) ListPendingDeletionsByTopic(ctx context.Context, chatID int64, topicID int64) ([]*store.PendingDeletion, error) {
	query := `
		SELECT chat_id, message_id, topic_id, delete_at
		FROM telegram.pending_deletions
		WHERE chat_id = $1 AND topic_id = $2
		ORDER BY message_id
	`
	rows, err := d.db.QueryContext(ctx, query, chatID, topicID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending deletions by topic: %w", err)
	}
	defer rows.Close()
	return scanPendingDeletions(rows)
}

func scanPendingDeletions(rows *sql.Rows) ([]*store.PendingDeletion, error) {
	var out []*store.PendingDeletion
	for rows.Next() {
		pending := &store.PendingDeletion{}
		var topic sql.NullInt64
		if err := rows.Scan(&pending.ChatID, &pending.MessageID, &topic, &pending.DeleteAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending deletion: %w", err)
		}
		if topic.Valid {
			pending.TopicID = &topic.Int64
		}
		out = append(out, pending)
	}
	return out, rows.Err()
}

func (d *DB) DeletePendingDeletion(ctx context.Context, chatID int64, messageID int) error {
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM telegram.pending_deletions WHERE chat_id = $1 AND message_id = $2`,
		chatID, messageID); err != nil {
		return fmt.Errorf("failed to delete pending deletion: %w", err)
	}
	return nil
}
