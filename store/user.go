package store

import (
	"context"
	"time"
)

// ChatUser is a messaging platform user the bot has seen at least once.
type ChatUser struct {
	ID             int32
	PlatformUserID int64
	Username       string
	FullName       string
	CreatedAt      time.Time
}

// VerifiedUser binds a chat user to a corporate email after the code exchange.
// At most one verified identity exists per chat user.
type VerifiedUser struct {
	ChatUserID     int32
	Email          string
	DirectoryLogin string
	VerifiedAt     time.Time
}

// UpsertChatUser is the upsert condition for a chat user.
type UpsertChatUser struct {
	PlatformUserID int64
	Username       string
	FullName       string
}

// UpsertChatUser inserts the user on first contact or refreshes the profile
// fields on every later one.
func (s *Store) UpsertChatUser(ctx context.Context, upsert *UpsertChatUser) (*ChatUser, error) {
	return s.driver.UpsertChatUser(ctx, upsert)
}

// GetChatUser returns the chat user by surrogate id, or ErrNotFound.
func (s *Store) GetChatUser(ctx context.Context, id int32) (*ChatUser, error) {
	return s.driver.GetChatUser(ctx, id)
}

// GetChatUserByPlatformID returns the chat user with the given platform id,
// or ErrNotFound.
func (s *Store) GetChatUserByPlatformID(ctx context.Context, platformUserID int64) (*ChatUser, error) {
	return s.driver.GetChatUserByPlatformID(ctx, platformUserID)
}

// UpsertVerifiedUser records a successful verification. A second verification
// for the same chat user replaces the email.
func (s *Store) UpsertVerifiedUser(ctx context.Context, upsert *VerifiedUser) error {
	return s.driver.UpsertVerifiedUser(ctx, upsert)
}

// GetVerifiedUser returns the verified identity of the chat user, or ErrNotFound.
func (s *Store) GetVerifiedUser(ctx context.Context, chatUserID int32) (*VerifiedUser, error) {
	return s.driver.GetVerifiedUser(ctx, chatUserID)
}

// DeleteVerifiedUser removes the verified identity (logout).
func (s *Store) DeleteVerifiedUser(ctx context.Context, chatUserID int32) error {
	return s.driver.DeleteVerifiedUser(ctx, chatUserID)
}
