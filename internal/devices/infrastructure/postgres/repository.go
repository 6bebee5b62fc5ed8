package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	devices "minifarm-monitor/internal/devices/domain"
)

const defaultDevicesTable = "registered_devices"

// Repository is a Postgres implementation for registered devices.
type Repository struct {
	db    *sql.DB
	table string
}

// Option configures the repository.
type Option func(*Repository)

// WithTable overrides the default table name.
func WithTable(table string) Option {
	return func(repo *Repository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewRepository constructs a repository.
func NewRepository(db *sql.DB, opts ...Option) *Repository {
	repo := &Repository{db: db, table: defaultDevicesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Add registers a device. Re-adding returns the stored row unchanged.
func (r *Repository) Add(ctx context.Context, id string) (devices.Device, error) {
	if r == nil || r.db == nil {
		return devices.Device{}, errors.New("device repo: nil db")
	}
	id, err := devices.NormalizeID(id)
	if err != nil {
		return devices.Device{}, err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (device_id)
VALUES ($1)
ON CONFLICT (device_id)
DO UPDATE SET device_id = EXCLUDED.device_id
RETURNING device_id, registered_at`, r.table)

	var device devices.Device
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&device.ID, &device.RegisteredAt); err != nil {
		return devices.Device{}, err
	}
	device.RegisteredAt = device.RegisteredAt.UTC()
	return device, nil
}

// Remove deletes a device and reports whether it existed.
func (r *Repository) Remove(ctx context.Context, id string) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("device repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE device_id = $1`, r.table), id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// List loads every registered device ordered by id.
func (r *Repository) List(ctx context.Context) ([]devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
SELECT device_id, registered_at
FROM %s
ORDER BY device_id ASC`, r.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []devices.Device
	for rows.Next() {
		var device devices.Device
		if err := rows.Scan(&device.ID, &device.RegisteredAt); err != nil {
			return nil, err
		}
		device.RegisteredAt = device.RegisteredAt.UTC()
		result = append(result, device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Clear removes every registered device.
func (r *Repository) Clear(ctx context.Context) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, r.table))
	return err
}
