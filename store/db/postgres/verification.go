package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hrygo/deskops/store"
)

func (d *DB) CreateVerification(ctx context.Context, create *store.PendingVerification) error {
	query := `
		INSERT INTO telegram.verification_codes (chat_user_id, email, code, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chat_user_id) DO UPDATE SET
			email = EXCLUDED.email,
			code = EXCLUDED.code,
			expires_at = EXCLUDED.expires_at,
			created_at = NOW()
	`
	if _, err := d.db.ExecContext(ctx, query,
		create.ChatUserID, create.Email, create.Code, create.ExpiresAt); err != nil {
		return fmt.Errorf("failed to create verification: %w", err)
	}
	return nil
}

// ConsumeVerification deletes the row only when the code matches and the
// deadline has not passed, returning the email. A row that exists but is
// expired is deleted too, and the call still reports ErrNotFound. The delete
// of an expired row must commit, so the transaction is managed by hand here.
func (d *DB) ConsumeVerification(ctx context.Context, chatUserID int32, code string) (string, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var email, storedCode string
	var expiresAt time.Time
	row := tx.QueryRowContext(ctx,
		`SELECT email, code, expires_at FROM telegram.verification_codes WHERE chat_user_id = $1 FOR UPDATE`,
		chatUserID)
	if err := row.Scan(&email, &storedCode, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("failed to read verification: %w", err)
	}

	expired := time.Now().After(expiresAt)
	if expired || storedCode == code {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM telegram.verification_codes WHERE chat_user_id = $1`, chatUserID); err != nil {
			return "", fmt.Errorf("failed to delete verification: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("failed to commit verification consume: %w", err)
		}
	}
	if expired || storedCode != code {
		return "", store.ErrNotFound
	}
	return email, nil
}

func (d *DB) DeleteVerification(ctx context.Context, chatUserID int32) error {
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM telegram.verification_codes WHERE chat_user_id = $1`, chatUserID); err != nil {
		return fmt.Errorf("failed to delete verification: %w", err)
	}
	return nil
}

func (d *DB) DeleteExpiredVerifications(ctx context.Context, now time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM telegram.verification_codes WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired verifications: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
