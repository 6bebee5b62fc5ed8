package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"minifarm-monitor/internal/monitor"
)

const defaultSamplesTable = "sensor_samples"

// SampleRepository appends polled sensor readings.
type SampleRepository struct {
	db    *sql.DB
	table string
}

// Option configures the repository.
type Option func(*SampleRepository)

// WithTable overrides the default table name.
func WithTable(table string) Option {
	return func(repo *SampleRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewSampleRepository constructs a repository.
func NewSampleRepository(db *sql.DB, opts ...Option) *SampleRepository {
	repo := &SampleRepository{db: db, table: defaultSamplesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RecordSample stores one reading. Duplicate (device, remote, time) rows
// are ignored.
func (r *SampleRepository) RecordSample(ctx context.Context, sample monitor.Sample) error {
	if r == nil || r.db == nil {
		return errors.New("sample repo: nil db")
	}
	if sample.DeviceID == "" || sample.Remote == "" {
		return errors.New("sample repo: empty device or remote")
	}
	at := sample.At
	if at.IsZero() {
		at = time.Now()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (device_id, remote, value, sampled_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (device_id, remote, sampled_at) DO NOTHING`, r.table)
	_, err := r.db.ExecContext(ctx, query, sample.DeviceID, sample.Remote, sample.Value, at.UTC())
	return err
}

// List loads samples of one resource in [from, to), oldest first.
func (r *SampleRepository) List(ctx context.Context, deviceID, remote string, from, to time.Time) ([]monitor.Sample, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sample repo: nil db")
	}
	if deviceID == "" || remote == "" {
		return nil, errors.New("sample repo: empty device or remote")
	}
	if !to.After(from) {
		return nil, errors.New("sample repo: empty range")
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
SELECT device_id, remote, value, sampled_at
FROM %s
WHERE device_id = $1 AND remote = $2 AND sampled_at >= $3 AND sampled_at < $4
ORDER BY sampled_at ASC`, r.table), deviceID, remote, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []monitor.Sample
	for rows.Next() {
		var s monitor.Sample
		if err := rows.Scan(&s.DeviceID, &s.Remote, &s.Value, &s.At); err != nil {
			return nil, err
		}
		s.At = s.At.UTC()
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Prune deletes samples older than before and returns the row count.
func (r *SampleRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("sample repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE sampled_at < $1`, r.table), before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
