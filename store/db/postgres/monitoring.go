package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hrygo/deskops/store"
)

func (d *DB) ListServers(ctx context.Context) ([]*store.Server, error) {
	query := `
		SELECT s.id, s.group_id, g.name, s.name, s.address, s.first_seen, s.last_seen
		FROM monitoring.servers s
		JOIN monitoring.server_groups g ON g.id = s.group_id
		ORDER BY g.name, s.name
	`
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var out []*store.Server
	for rows.Next() {
		server := &store.Server{}
		if err := rows.Scan(&server.ID, &server.GroupID, &server.GroupName,
			&server.Name, &server.Address, &server.FirstSeen, &server.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		out = append(out, server)
	}
	return out, rows.Err()
}

func (d *DB) TouchServerLastSeen(ctx context.Context, serverID int32, at time.Time) error {
	if _, err := d.db.ExecContext(ctx,
		`UPDATE monitoring.servers SET last_seen = $2 WHERE id = $1`, serverID, at); err != nil {
		return fmt.Errorf("failed to touch server last_seen: %w", err)
	}
	return nil
}

// RecordServerEvent writes the journal entry, the metrics counters and the
// daily stat in one transaction, so a crash between them cannot desynchronize
// the aggregates from the journal.
func (d *DB) RecordServerEvent(ctx context.Context, record *store.RecordServerEvent) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		var duration sql.NullInt64
		if record.DurationSeconds != nil {
			duration = sql.NullInt64{Int64: *record.DurationSeconds, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO monitoring.server_events (server_id, event_type, event_time, duration_seconds)
			VALUES ($1, $2, $3, $4)`,
			record.ServerID, string(record.Kind), record.At, duration); err != nil {
			return fmt.Errorf("failed to insert server event: %w", err)
		}

		if record.Kind == store.ServerEventUp && record.DurationSeconds != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO monitoring.server_metrics
					(server_id, downtime_count, total_downtime_seconds, longest_downtime_seconds, last_status, last_status_change)
				VALUES ($1, 1, $2, $2, 'UP', $3)
				ON CONFLICT (server_id) DO UPDATE SET
					downtime_count = monitoring.server_metrics.downtime_count + 1,
					total_downtime_seconds = monitoring.server_metrics.total_downtime_seconds + EXCLUDED.total_downtime_seconds,
					longest_downtime_seconds = GREATEST(monitoring.server_metrics.longest_downtime_seconds, EXCLUDED.longest_downtime_seconds),
					last_status = 'UP',
					last_status_change = EXCLUDED.last_status_change`,
				record.ServerID, *record.DurationSeconds, record.At); err != nil {
				return fmt.Errorf("failed to update server metrics: %w", err)
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO monitoring.daily_stats (server_id, date, downtime_seconds, downtime_count)
				VALUES ($1, $2::date, $3, 1)
				ON CONFLICT (server_id, date) DO UPDATE SET
					downtime_seconds = monitoring.daily_stats.downtime_seconds + EXCLUDED.downtime_seconds,
					downtime_count = monitoring.daily_stats.downtime_count + 1`,
				record.ServerID, record.At, *record.DurationSeconds); err != nil {
				return fmt.Errorf("failed to upsert daily stat: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO monitoring.server_metrics (server_id, last_status, last_status_change)
				VALUES ($1, $2, $3)
				ON CONFLICT (server_id) DO UPDATE SET
					last_status = EXCLUDED.last_status,
					last_status_change = EXCLUDED.last_status_change`,
				record.ServerID, string(record.Kind), record.At); err != nil {
				return fmt.Errorf("failed to update server status: %w", err)
			}
		}
		return nil
	})
}

func (d *DB) GetServerMetrics(ctx context.Context, serverID int32) (*store.ServerMetrics, error) {
	query := `
		SELECT server_id, downtime_count, total_downtime_seconds, longest_downtime_seconds, last_status, last_status_change
		FROM monitoring.server_metrics
		WHERE server_id = $1
	`
	metrics := &store.ServerMetrics{}
	var lastChange sql.NullTime
	err := d.db.QueryRowContext(ctx, query, serverID).
		Scan(&metrics.ServerID, &metrics.DowntimeCount, &metrics.TotalDowntimeSeconds,
			&metrics.LongestDowntimeSeconds, &metrics.LastStatus, &lastChange)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server metrics: %w", err)
	}
	if lastChange.Valid {
		metrics.LastStatusChange = &lastChange.Time
	}
	return metrics, nil
}

func (d *DB) ListServerMetrics(ctx context.Context) ([]*store.ServerMetrics, error) {
	query := `
		SELECT server_id, downtime_count, total_downtime_seconds, longest_downtime_seconds, last_status, last_status_change
		FROM monitoring.server_metrics
		ORDER BY server_id
	`
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list server metrics: %w", err)
	}
	defer rows.Close()

	var out []*store.ServerMetrics
	for rows.Next() {
		metrics := &store.ServerMetrics{}
		var lastChange sql.NullTime
		if err := rows.Scan(&metrics.ServerID, &metrics.DowntimeCount, &metrics.TotalDowntimeSeconds,
			&metrics.LongestDowntimeSeconds, &metrics.LastStatus, &lastChange); err != nil {
			return nil, fmt.Errorf("failed to scan server metrics: %w", err)
		}
		if lastChange.Valid {
			metrics.LastStatusChange = &lastChange.Time
		}
		out = append(out, metrics)
	}
	return out, rows.Err()
}

func (d *DB) ListServerEvents(ctx context.Context, serverID int32, limit int) ([]*store.ServerEvent, error) {
	query := `
		SELECT id, server_id, event_type, event_time, duration_seconds
		FROM monitoring.server_events
		WHERE server_id = $1
		ORDER BY event_time DESC
		LIMIT $2
	`
	rows, err := d.db.QueryContext(ctx, query, serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list server events: %w", err)
	}
	defer rows.Close()

	var out []*store.ServerEvent
	for rows.Next() {
		event := &store.ServerEvent{}
		var kind string
		var duration sql.NullInt64
		if err := rows.Scan(&event.ID, &event.ServerID, &kind, &event.At, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan server event: %w", err)
		}
		event.Kind = store.ServerEventKind(kind)
		if duration.Valid {
			event.DurationSeconds = &duration.Int64
		}
		out = append(out, event)
	}
	return out, rows.Err()
}
