package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"minifarm-monitor/internal/actuation"
)

// CommandRepository is the Postgres command log.
type CommandRepository struct {
	db *sql.DB
}

// NewCommandRepository constructs a repository.
func NewCommandRepository(db *sql.DB) *CommandRepository {
	return &CommandRepository{db: db}
}

// Record upserts a command by request id. A resolved command never
// reverts to sent.
func (r *CommandRepository) Record(ctx context.Context, res actuation.Result) error {
	if r == nil || r.db == nil {
		return errors.New("command repo: nil db")
	}
	if res.RequestID == "" {
		return errors.New("command repo: empty request id")
	}
	var completedAt any
	if !res.CompletedAt.IsZero() {
		completedAt = res.CompletedAt.UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO actuation_commands (
	request_id, device_id, remote, value, mode, status, ok,
	total_ms, http_ms, observed_ms, final_value, result_code, error,
	issued_at, completed_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
)
ON CONFLICT (request_id) DO UPDATE SET
	status = EXCLUDED.status,
	ok = EXCLUDED.ok,
	total_ms = EXCLUDED.total_ms,
	http_ms = EXCLUDED.http_ms,
	observed_ms = EXCLUDED.observed_ms,
	final_value = EXCLUDED.final_value,
	result_code = EXCLUDED.result_code,
	error = EXCLUDED.error,
	completed_at = EXCLUDED.completed_at
WHERE actuation_commands.status = 'sent'`,
		res.RequestID, res.DeviceID, res.Remote, res.Value, res.Mode, res.Status, res.OK,
		res.Total.Milliseconds(), res.HTTP.Milliseconds(), res.Observed.Milliseconds(),
		res.FinalValue, res.ResultCode, res.Error,
		res.IssuedAt.UTC(), completedAt)
	return err
}

// MarkTimeoutBefore marks commands still sent before the cutoff as timed
// out. Commands of a previous process can never be resolved.
func (r *CommandRepository) MarkTimeoutBefore(ctx context.Context, before time.Time) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("command repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE actuation_commands
SET status = $1, error = $2, completed_at = $3
WHERE status = $4 AND issued_at < $5`,
		actuation.StatusTimeout, "timeout", time.Now().UTC(), actuation.StatusSent, before.UTC())
	if err != nil {
		return 0, err
	}
	count, _ := result.RowsAffected()
	return int(count), nil
}

// ListByDevice lists commands of a device issued in [from, to).
func (r *CommandRepository) ListByDevice(ctx context.Context, deviceID string, from, to time.Time) ([]actuation.Result, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT request_id, device_id, remote, value, mode, status, ok,
	total_ms, http_ms, observed_ms, final_value, result_code, error,
	issued_at, completed_at
FROM actuation_commands
WHERE device_id = $1 AND issued_at >= $2 AND issued_at < $3
ORDER BY issued_at ASC`, deviceID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []actuation.Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (actuation.Result, error) {
	var (
		res                         actuation.Result
		totalMs, httpMs, observedMs int64
		finalValue, errMsg          sql.NullString
		resultCode                  sql.NullInt64
		completedAt                 sql.NullTime
	)
	if err := row.Scan(
		&res.RequestID,
		&res.DeviceID,
		&res.Remote,
		&res.Value,
		&res.Mode,
		&res.Status,
		&res.OK,
		&totalMs,
		&httpMs,
		&observedMs,
		&finalValue,
		&resultCode,
		&errMsg,
		&res.IssuedAt,
		&completedAt,
	); err != nil {
		return actuation.Result{}, err
	}
	res.Total = time.Duration(totalMs) * time.Millisecond
	res.HTTP = time.Duration(httpMs) * time.Millisecond
	res.Observed = time.Duration(observedMs) * time.Millisecond
	res.FinalValue = finalValue.String
	res.ResultCode = int(resultCode.Int64)
	res.Error = errMsg.String
	res.IssuedAt = res.IssuedAt.UTC()
	if completedAt.Valid {
		res.CompletedAt = completedAt.Time.UTC()
	}
	return res, nil
}
