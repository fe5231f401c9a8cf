package store

import (
	"context"
	"encoding/json"
	"time"
)

// SnapshotKind distinguishes scheduler-made snapshots from admin-made ones.
type SnapshotKind string

const (
	SnapshotKindAuto   SnapshotKind = "auto"
	SnapshotKindManual SnapshotKind = "manual"
)

// EmployeeSnapshot is a frozen JSON copy of the employees table.
type EmployeeSnapshot struct {
	ID        int64
	Name      string
	Kind      SnapshotKind
	CreatedBy string
	CreatedAt time.Time
	Notes     string
	Payload   json.RawMessage
}

// EmployeeRecord is the stable per-employee schema inside a snapshot payload.
// Dates are ISO-8601 strings; unknown values are null, never stringified.
type EmployeeRecord struct {
	ID        int32   `json:"id"`
	FullName  string  `json:"full_name"`
	Email     *string `json:"email"`
	Login     *string `json:"login"`
	Position  *string `json:"position"`
	Unit      *string `json:"unit"`
	HiredAt   *string `json:"hired_at"`
	UpdatedAt *string `json:"updated_at"`
}

// ListEmployeeRecords reads the employees table in snapshot schema.
func (s *Store) ListEmployeeRecords(ctx context.Context) ([]*EmployeeRecord, error) {
	return s.driver.ListEmployeeRecords(ctx)
}

// CreateEmployeeSnapshot inserts the snapshot with a pre-serialized payload
// and returns the new id.
func (s *Store) CreateEmployeeSnapshot(ctx context.Context, create *EmployeeSnapshot) (int64, error) {
	return s.driver.CreateEmployeeSnapshot(ctx, create)
}

// PruneAutoSnapshots deletes auto snapshots beyond the newest keep, returning
// how many were removed. Manual snapshots are never pruned.
func (s *Store) PruneAutoSnapshots(ctx context.Context, keep int) (int64, error) {
	return s.driver.PruneAutoSnapshots(ctx, keep)
}
