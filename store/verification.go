package store

import (
	"context"
	"time"
)

// VerificationTTL is the lifetime of an emailed code.
const VerificationTTL = 10 * time.Minute

// PendingVerification is an emailed code awaiting confirmation. At most one
// exists per chat user; submitting a new email replaces the prior row.
type PendingVerification struct {
	ChatUserID int32
	Email      string
	Code       string // 6 digits
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// CreateVerification writes the pending verification, replacing any earlier
// one for the same chat user.
func (s *Store) CreateVerification(ctx context.Context, create *PendingVerification) error {
	return s.driver.CreateVerification(ctx, create)
}

// ConsumeVerification atomically checks the code and deletes the row. It
// returns the verified email on success and ErrNotFound both for a mismatch
// and for an expired code (the expired row is deleted as a side effect).
func (s *Store) ConsumeVerification(ctx context.Context, chatUserID int32, code string) (string, error) {
	return s.driver.ConsumeVerification(ctx, chatUserID, code)
}

// DeleteVerification cancels a pending verification, if any.
func (s *Store) DeleteVerification(ctx context.Context, chatUserID int32) error {
	return s.driver.DeleteVerification(ctx, chatUserID)
}

// DeleteExpiredVerifications removes rows whose deadline has passed and
// returns how many were removed.
func (s *Store) DeleteExpiredVerifications(ctx context.Context, now time.Time) (int64, error) {
	return s.driver.DeleteExpiredVerifications(ctx, now)
}
