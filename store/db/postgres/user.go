package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hrygo/deskops/store"
)

func (d *DB) UpsertChatUser(ctx context.Context, upsert *store.UpsertChatUser) (*store.ChatUser, error) {
	query := `
		INSERT INTO telegram.chat_users (platform_user_id, username, full_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (platform_user_id) DO UPDATE SET
			username = EXCLUDED.username,
			full_name = EXCLUDED.full_name
		RETURNING id, platform_user_id, username, full_name, created_at
	`
	user := &store.ChatUser{}
	err := d.db.QueryRowContext(ctx, query, upsert.PlatformUserID, upsert.Username, upsert.FullName).
		Scan(&user.ID, &user.PlatformUserID, &user.Username, &user.FullName, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert chat user: %w", err)
	}
	return user, nil
}

func (d *DB) GetChatUser(ctx context.Context, id int32) (*store.ChatUser, error) {
	query := `
		SELECT id, platform_user_id, username, full_name, created_at
		FROM telegram.chat_users
		WHERE id = $1
	`
	user := &store.ChatUser{}
	err := d.db.QueryRowContext(ctx, query, id).
		Scan(&user.ID, &user.PlatformUserID, &user.Username, &user.FullName, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat user: %w", err)
	}
	return user, nil
}

func (d *DB) GetChatUserByPlatformID(ctx context.Context, platformUserID int64) (*store.ChatUser, error) {
	query := `
		SELECT id, platform_user_id, username, full_name, created_at
		FROM telegram.chat_users
		WHERE platform_user_id = $1
	`
	user := &store.ChatUser{}
	err := d.db.QueryRowContext(ctx, query, platformUserID).
		Scan(&user.ID, &user.PlatformUserID, &user.Username, &user.FullName, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat user: %w", err)
	}
	return user, nil
}

func (d *DB) UpsertVerifiedUser(ctx context.Context, upsert *store.VerifiedUser) error {
	query := `
		INSERT INTO telegram.verified_users (chat_user_id, email, directory_login, verified_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (chat_user_id) DO UPDATE SET
			email = EXCLUDED.email,
			directory_login = EXCLUDED.directory_login,
			verified_at = NOW()
	`
	if _, err := d.db.ExecContext(ctx, query, upsert.ChatUserID, upsert.Email, upsert.DirectoryLogin); err != nil {
		return fmt.Errorf("failed to upsert verified user: %w", err)
	}
	return nil
}

func (d *DB) GetVerifiedUser(ctx context.Context, chatUserID int32) (*store.VerifiedUser, error) {
	query := `
		SELECT chat_user_id, email, directory_login, verified_at
		FROM telegram.verified_users
		WHERE chat_user_id = $1
	`
	user := &store.VerifiedUser{}
	err := d.db.QueryRowContext(ctx, query, chatUserID).
		Scan(&user.ChatUserID, &user.Email, &user.DirectoryLogin, &user.VerifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verified user: %w", err)
	}
	return user, nil
}

func (d *DB) DeleteVerifiedUser(ctx context.Context, chatUserID int32) error {
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM telegram.verified_users WHERE chat_user_id = $1`, chatUserID); err != nil {
		return fmt.Errorf("failed to delete verified user: %w", err)
	}
	return nil
}
