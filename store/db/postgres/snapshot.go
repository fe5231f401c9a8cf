package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hrygo/deskops/store"
)

const isoDate = "2006-01-02"

func (d *DB) ListEmployeeRecords(ctx context.Context) ([]*store.EmployeeRecord, error) {
	query := `
		SELECT id, full_name, email, login, position, unit, hired_at, updated_at
		FROM employees.employees
		ORDER BY id
	`
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list employees: %w", err)
	}
	defer rows.Close()

	var out []*store.EmployeeRecord
	for rows.Next() {
		record := &store.EmployeeRecord{}
		var email, login, position, unit sql.NullString
		var hiredAt sql.NullTime
		var updatedAt time.Time
		if err := rows.Scan(&record.ID, &record.FullName, &email, &login,
			&position, &unit, &hiredAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan employee: %w", err)
		}
		record.Email = nullString(email)
		record.Login = nullString(login)
		record.Position = nullString(position)
		record.Unit = nullString(unit)
		if hiredAt.Valid {
			hired := hiredAt.Time.Format(isoDate)
			record.HiredAt = &hired
		}
		updated := updatedAt.UTC().Format(time.RFC3339)
		record.UpdatedAt = &updated
		out = append(out, record)
	}
	return out, rows.Err()
}

func nullString(value sql.NullString) *string {
	if !value.Valid || value.String == "" {
		return nil
	}
	return &value.String
}

func (d *DB) CreateEmployeeSnapshot(ctx context.Context, create *store.EmployeeSnapshot) (int64, error) {
	query := `
		INSERT INTO backups.employee_snapshots (snapshot_name, snapshot_type, created_by, notes, employees_data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	var id int64
	err := d.db.QueryRowContext(ctx, query,
		create.Name, string(create.Kind), create.CreatedBy, create.Notes, []byte(create.Payload)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create employee snapshot: %w", err)
	}
	return id, nil
}

func (d *DB) PruneAutoSnapshots(ctx context.Context, keep int) (int64, error) {
	query := `
		DELETE FROM backups.employee_snapshots
		WHERE snapshot_type = 'auto' AND id NOT IN (
			SELECT id FROM backups.employee_snapshots
			WHERE snapshot_type = 'auto'
			ORDER BY created_at DESC
			LIMIT $1
		)
	`
	result, err := d.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune auto snapshots: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (d *DB) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT key, value FROM core.settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (d *DB) SetSetting(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO core.settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`
	if _, err := d.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}
