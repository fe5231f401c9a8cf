package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hrygo/deskops/store"
)

func (d *DB) UpsertTicketShadow(ctx context.Context, upsert *store.TicketShadow) error {
	query := `
		INSERT INTO otrs.ticket_shadows (ticket_id, ticket_number, last_seen_state, last_seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ticket_id) DO UPDATE SET
			ticket_number = EXCLUDED.ticket_number,
			last_seen_state = EXCLUDED.last_seen_state,
			last_seen_at = EXCLUDED.last_seen_at
	`
	lastSeen := upsert.LastSeenAt
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}
	if _, err := d.db.ExecContext(ctx, query,
		upsert.TicketID, upsert.Number, upsert.State, lastSeen); err != nil {
		return fmt.Errorf("failed to upsert ticket shadow: %w", err)
	}
	return nil
}

func (d *DB) ListTicketShadows(ctx context.Context) ([]*store.TicketShadow, error) {
	query := `
		SELECT ticket_id, ticket_number, last_seen_state, last_seen_at
		FROM otrs.ticket_shadows
		ORDER BY ticket_id
	`
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list ticket shadows: %w", err)
	}
	defer rows.Close()

	var out []*store.TicketShadow
	for rows.Next() {
		shadow := &store.TicketShadow{}
		if err := rows.Scan(&shadow.TicketID, &shadow.Number, &shadow.State, &shadow.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan ticket shadow: %w", err)
		}
		out = append(out, shadow)
	}
	return out, rows.Err()
}

func (d *DB) SaveTicketMessage(ctx context.Context, save *store.TicketMessage) error {
	query := `
		INSERT INTO otrs.otrs_ticket_messages (ticket_id, chat_id, topic_id, message_id, ticket_state)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ticket_id, chat_id, topic_id) DO UPDATE SET
			message_id = EXCLUDED.message_id,
			ticket_state = EXCLUDED.ticket_state,
			updated_at = NOW()
	`
	if _, err := d.db.ExecContext(ctx, query,
		save.TicketID, save.ChatID, topicKey(save.TopicID), save.MessageID, save.LastRenderedState); err != nil {
		return fmt.Errorf("failed to save ticket message: %w", err)
	}
	return nil
}

func (d *DB) ListTicketMessages(ctx context.Context, chatID int64, topicID *int64) ([]*store.TicketMessage, error) {
	query := `
		SELECT ticket_id, chat_id, topic_id, message_id, ticket_state, sent_at, updated_at
		FROM otrs.otrs_ticket_messages
		WHERE chat_id = $1 AND topic_id = $2
		ORDER BY ticket_id
	`
	rows, err := d.db.QueryContext(ctx, query, chatID, topicKey(topicID))
	if err != nil {
		return nil, fmt.Errorf("failed to list ticket messages: %w", err)
	}
	defer rows.Close()

	var out []*store.TicketMessage
	for rows.Next() {
		message := &store.TicketMessage{}
		var topic int64
		if err := rows.Scan(&message.TicketID, &message.ChatID, &topic, &message.MessageID,
			&message.LastRenderedState, &message.SentAt, &message.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ticket message: %w", err)
		}
		if topic != 0 {
			message.TopicID = &topic
		}
		out = append(out, message)
	}
	return out, rows.Err()
}

// DeleteTicketArtifacts removes the shadow; ticket messages follow via the
// ON DELETE CASCADE on otrs_ticket_messages.
func (d *DB) DeleteTicketArtifacts(ctx context.Context, ticketID int64) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM otrs.otrs_ticket_messages WHERE ticket_id = $1`, ticketID); err != nil {
			return fmt.Errorf("failed to delete ticket messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM otrs.ticket_shadows WHERE ticket_id = $1`, ticketID); err != nil {
			return fmt.Errorf("failed to delete ticket shadow: %w", err)
		}
		return nil
	})
}

func (d *DB) SavePrivateTicketMessage(ctx context.Context, save *store.PrivateTicketMessage) error {
	query := `
		INSERT INTO otrs.private_ticket_messages (chat_user_id, ticket_id, message_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (chat_user_id, ticket_id) DO UPDATE SET
			message_id = EXCLUDED.message_id,
			created_at = NOW()
	`
	if _, err := d.db.ExecContext(ctx, query,
		save.ChatUserID, save.TicketID, save.MessageID); err != nil {
		return fmt.Errorf("failed to save private ticket message: %w", err)
	}
	return nil
}

func (d *DB) ListPrivateTicketMessages(ctx context.Context, ticketID int64) ([]*store.PrivateTicketMessage, error) {
	query := `
		SELECT chat_user_id, ticket_id, message_id, created_at
		FROM otrs.private_ticket_messages
		WHERE ticket_id = $1
	`
	rows, err := d.db.QueryContext(ctx, query, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to list private ticket messages: %w", err)
	}
	defer rows.Close()

	var out []*store.PrivateTicketMessage
	for rows.Next() {
		message := &store.PrivateTicketMessage{}
		if err := rows.Scan(&message.ChatUserID, &message.TicketID, &message.MessageID, &message.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan private ticket message: %w", err)
		}
		out = append(out, message)
	}
	return out, rows.Err()
}

func (d *DB) DeletePrivateTicketMessages(ctx context.Context, ticketID int64) error {
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM otrs.private_ticket_messages WHERE ticket_id = $1`, ticketID); err != nil {
		return fmt.Errorf("failed to delete private ticket messages: %w", err)
	}
	return nil
}

func (d *DB) CreateTicketAction(ctx context.Context, create *store.TicketAction) error {
	query := `
		INSERT INTO otrs.ticket_actions (chat_user_id, action_kind, ticket_id, ticket_number, title, details, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	details := create.Details
	if len(details) == 0 {
		details = []byte("{}")
	}
	at := create.At
	if at.IsZero() {
		at = time.Now()
	}
	err := d.db.QueryRowContext(ctx, query,
		create.ChatUserID, string(create.Kind), create.TicketID, create.Number,
		create.Title, []byte(details), at).Scan(&create.ID)
	if err != nil {
		return fmt.Errorf("failed to create ticket action: %w", err)
	}
	return nil
}

func (d *DB) ListTicketActions(ctx context.Context, since, until time.Time) ([]*store.TicketAction, error) {
	query := `
		SELECT id, chat_user_id, action_kind, ticket_id, ticket_number, title, details, at
		FROM otrs.ticket_actions
		WHERE at >= $1 AND at < $2
		ORDER BY at
	`
	rows, err := d.db.QueryContext(ctx, query, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to list ticket actions: %w", err)
	}
	defer rows.Close()

	var out []*store.TicketAction
	for rows.Next() {
		action := &store.TicketAction{}
		var kind string
		var details []byte
		if err := rows.Scan(&action.ID, &action.ChatUserID, &kind, &action.TicketID,
			&action.Number, &action.Title, &details, &action.At); err != nil {
			return nil, fmt.Errorf("failed to scan ticket action: %w", err)
		}
		action.Kind = store.TicketActionKind(kind)
		action.Details = details
		out = append(out, action)
	}
	return out, rows.Err()
}
