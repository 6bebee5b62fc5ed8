package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	resources "minifarm-monitor/internal/resources/domain"
)

const defaultDefinitionsTable = "resource_definitions"

// DefinitionRepository is a Postgres implementation for resource definitions.
type DefinitionRepository struct {
	db    *sql.DB
	table string
}

// DefinitionOption configures the repository.
type DefinitionOption func(*DefinitionRepository)

// WithDefinitionTable overrides the table name.
func WithDefinitionTable(table string) DefinitionOption {
	return func(repo *DefinitionRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewDefinitionRepository constructs a repository.
func NewDefinitionRepository(db *sql.DB, opts ...DefinitionOption) *DefinitionRepository {
	repo := &DefinitionRepository{db: db, table: defaultDefinitionsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Replace deletes every definition of the device and inserts defs in one
// transaction. On failure the previous set stays intact.
func (r *DefinitionRepository) Replace(ctx context.Context, deviceID string, defs []resources.Definition) error {
	if r == nil || r.db == nil {
		return errors.New("definition repo: nil db")
	}
	if deviceID == "" {
		return errors.New("definition repo: empty device id")
	}
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return err
		}
		if def.DeviceID != deviceID {
			return fmt.Errorf("definition repo: definition for %s in replace of %s", def.DeviceID, deviceID)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE device_id = $1`, r.table), deviceID); err != nil {
		_ = tx.Rollback()
		return err
	}
	insert := fmt.Sprintf(`
INSERT INTO %s (
	device_id,
	category,
	remote,
	canonical,
	interval_ms,
	position
) VALUES (
	$1, $2, $3, $4, $5, $6
)`, r.table)
	for i, def := range defs {
		var interval any
		if def.Category == resources.CategorySensor && def.Interval > 0 {
			interval = def.Interval.Milliseconds()
		}
		if _, err := tx.ExecContext(ctx, insert, deviceID, string(def.Category), def.Remote, def.Canonical, interval, i); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// List loads definitions of a device in discovery order. An empty
// category lists every category.
func (r *DefinitionRepository) List(ctx context.Context, deviceID string, category resources.Category) ([]resources.Definition, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("definition repo: nil db")
	}
	if deviceID == "" {
		return nil, errors.New("definition repo: empty device id")
	}

	query := fmt.Sprintf(`
SELECT device_id, category, remote, canonical, interval_ms
FROM %s
WHERE device_id = $1 AND ($2 = '' OR category = $2)
ORDER BY position ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, deviceID, string(category))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []resources.Definition
	for rows.Next() {
		var def resources.Definition
		var cat string
		var intervalMs sql.NullInt64
		if err := rows.Scan(&def.DeviceID, &cat, &def.Remote, &def.Canonical, &intervalMs); err != nil {
			return nil, err
		}
		parsed, ok := resources.ParseCategory(cat)
		if !ok {
			return nil, fmt.Errorf("definition repo: unknown category %q", cat)
		}
		def.Category = parsed
		if intervalMs.Valid {
			def.Interval = time.Duration(intervalMs.Int64) * time.Millisecond
		}
		result = append(result, def)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
