package store

import (
	"context"
	"time"

	"github.com/hrygo/deskops/internal/profile"
)

// Node is one process in the cluster, mirrored from Redis heartbeats so the
// admin UI can show the topology. At most one is_leader=true per kind.
type Node struct {
	ID            string
	Kind          profile.NodeKind
	Hostname      string
	Addr          string
	Active        bool
	IsLeader      bool
	LastHeartbeat time.Time
}

// LockAudit is the durable trace of a named Redis lock.
type LockAudit struct {
	Name       string
	NodeID     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// UpsertNode registers the node or refreshes its heartbeat and activity flag.
func (s *Store) UpsertNode(ctx context.Context, upsert *Node) error {
	return s.driver.UpsertNode(ctx, upsert)
}

// SetLeader flips is_leader to the given node for its kind: siblings of the
// same kind are reset to false and the node set to true, in one transaction.
func (s *Store) SetLeader(ctx context.Context, kind profile.NodeKind, nodeID string) error {
	return s.driver.SetLeader(ctx, kind, nodeID)
}

// ClearLeader resets is_leader for the node if it is currently set.
func (s *Store) ClearLeader(ctx context.Context, nodeID string) error {
	return s.driver.ClearLeader(ctx, nodeID)
}

// MarkNodeInactive records a graceful shutdown.
func (s *Store) MarkNodeInactive(ctx context.Context, nodeID string) error {
	return s.driver.MarkNodeInactive(ctx, nodeID)
}

// HasActiveNode reports whether any node of the kind heartbeated within the
// staleness window. The daily snapshot falls back to the bot leader when no
// worker is active.
func (s *Store) HasActiveNode(ctx context.Context, kind profile.NodeKind, staleAfter time.Duration) (bool, error) {
	return s.driver.HasActiveNode(ctx, kind, staleAfter)
}

// SaveLockAudit records the lock acquisition.
func (s *Store) SaveLockAudit(ctx context.Context, audit *LockAudit) error {
	return s.driver.SaveLockAudit(ctx, audit)
}

// DeleteLockAudit removes the audit row, only when owned by the node.
func (s *Store) DeleteLockAudit(ctx context.Context, name, nodeID string) error {
	return s.driver.DeleteLockAudit(ctx, name, nodeID)
}
