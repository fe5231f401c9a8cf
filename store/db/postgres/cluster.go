package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hrygo/deskops/internal/profile"
	"github.com/hrygo/deskops/store"
)

func (d *DB) UpsertNode(ctx context.Context, upsert *store.Node) error {
	query := `
		INSERT INTO cluster.cluster_nodes (node_id, node_type, hostname, ip_address, is_active, last_heartbeat)
		VALUES ($1, $2, $3, $4, TRUE, NOW())
		ON CONFLICT (node_id) DO UPDATE SET
			node_type = EXCLUDED.node_type,
			hostname = EXCLUDED.hostname,
			ip_address = EXCLUDED.ip_address,
			is_active = TRUE,
			last_heartbeat = NOW()
	`
	if _, err := d.db.ExecContext(ctx, query,
		upsert.ID, string(upsert.Kind), upsert.Hostname, upsert.Addr); err != nil {
		return fmt.Errorf("failed to upsert node: %w", err)
	}
	return nil
}

// SetLeader resets the siblings of the kind and flags the node, in one
// transaction so the at-most-one-leader invariant holds at every observation.
func (d *DB) SetLeader(ctx context.Context, kind profile.NodeKind, nodeID string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE cluster.cluster_nodes SET is_leader = FALSE WHERE node_type = $1 AND node_id <> $2`,
			string(kind), nodeID); err != nil {
			return fmt.Errorf("failed to reset sibling leaders: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE cluster.cluster_nodes SET is_leader = TRUE WHERE node_id = $1`, nodeID); err != nil {
			return fmt.Errorf("failed to set leader flag: %w", err)
		}
		return nil
	})
}

func (d *DB) ClearLeader(ctx context.Context, nodeID string) error {
	if _, err := d.db.ExecContext(ctx,
		`UPDATE cluster.cluster_nodes SET is_leader = FALSE WHERE node_id = $1`, nodeID); err != nil {
		return fmt.Errorf("failed to clear leader flag: %w", err)
	}
	return nil
}

func (d *DB) MarkNodeInactive(ctx context.Context, nodeID string) error {
	if _, err := d.db.ExecContext(ctx,
		`UPDATE cluster.cluster_nodes SET is_active = FALSE, is_leader = FALSE WHERE node_id = $1`,
		nodeID); err != nil {
		return fmt.Errorf("failed to mark node inactive: %w", err)
	}
	return nil
}

func (d *DB) HasActiveNode(ctx context.Context, kind profile.NodeKind, staleAfter time.Duration) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM cluster.cluster_nodes
			WHERE node_type = $1 AND is_active AND last_heartbeat > $2
		)
	`
	var exists bool
	cutoff := time.Now().Add(-staleAfter)
	if err := d.db.QueryRowContext(ctx, query, string(kind), cutoff).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check active nodes: %w", err)
	}
	return exists, nil
}

func (d *DB) SaveLockAudit(ctx context.Context, audit *store.LockAudit) error {
	query := `
		INSERT INTO cluster.cluster_locks (lock_name, node_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lock_name) DO UPDATE SET
			node_id = EXCLUDED.node_id,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
	`
	if _, err := d.db.ExecContext(ctx, query,
		audit.Name, audit.NodeID, audit.AcquiredAt, audit.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save lock audit: %w", err)
	}
	return nil
}

func (d *DB) DeleteLockAudit(ctx context.Context, name, nodeID string) error {
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM cluster.cluster_locks WHERE lock_name = $1 AND node_id = $2`,
		name, nodeID); err != nil {
		return fmt.Errorf("failed to delete lock audit: %w", err)
	}
	return nil
}
