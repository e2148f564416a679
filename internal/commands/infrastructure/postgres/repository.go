package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	commands "loxone-gateway/internal/commands/domain"
	"loxone-gateway/internal/delivery"
)

const defaultResultsTable = "command_results"

const resultsSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	command_id  TEXT PRIMARY KEY,
	device_id   TEXT NOT NULL,
	command     TEXT NOT NULL,
	priority    TEXT NOT NULL,
	source      TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	success     BOOLEAN NOT NULL,
	error       TEXT,
	attempts    INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	response    JSONB,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_device_time_idx ON %[1]s (device_id, recorded_at);
`

// ResultRepository journals terminal command results.
type ResultRepository struct {
	db    *sql.DB
	table string
}

// ResultOption configures the repository.
type ResultOption func(*ResultRepository)

// WithResultsTable overrides the table name.
func WithResultsTable(table string) ResultOption {
	return func(r *ResultRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewResultRepository constructs a repository.
func NewResultRepository(db *sql.DB, opts ...ResultOption) *ResultRepository {
	repo := &ResultRepository{db: db, table: defaultResultsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Migrate creates the journal table when missing.
func (r *ResultRepository) Migrate(ctx context.Context) error {
	if r == nil || r.db == nil {
		return errors.New("result repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(resultsSchema, r.table))
	return err
}

// Record upserts a result. A later result for the same command replaces
// the earlier one.
func (r *ResultRepository) Record(ctx context.Context, result commands.CommandResult) error {
	if r == nil || r.db == nil {
		return errors.New("result repo: nil db")
	}
	if result.CommandID == "" {
		return errors.New("result repo: empty command id")
	}
	var response any
	if len(result.Response) > 0 {
		response = []byte(result.Response)
	}
	var errMsg sql.NullString
	if result.Error != "" {
		errMsg = sql.NullString{String: result.Error, Valid: true}
	}
	recordedAt := result.Timestamp
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	command_id, device_id, command, priority, source, status, success,
	error, attempts, duration_ms, response, recorded_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
)
ON CONFLICT (command_id) DO UPDATE SET
	status = EXCLUDED.status,
	success = EXCLUDED.success,
	error = EXCLUDED.error,
	attempts = EXCLUDED.attempts,
	duration_ms = EXCLUDED.duration_ms,
	response = EXCLUDED.response,
	recorded_at = EXCLUDED.recorded_at`, r.table)
	_, err := r.db.ExecContext(ctx, query,
		result.CommandID,
		result.DeviceID,
		result.Command,
		result.Priority.String(),
		result.Source,
		result.Status,
		result.Success,
		errMsg,
		result.Attempts,
		result.Duration.Milliseconds(),
		response,
		recordedAt,
	)
	return err
}

// ListByDevice lists results for a device recorded in [from, to).
func (r *ResultRepository) ListByDevice(ctx context.Context, deviceID string, from, to time.Time) ([]commands.CommandResult, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("result repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
SELECT command_id, device_id, command, priority, source, status, success,
	error, attempts, duration_ms, response, recorded_at
FROM %s
WHERE device_id = $1 AND recorded_at >= $2 AND recorded_at < $3
ORDER BY recorded_at ASC`, r.table), deviceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []commands.CommandResult
	for rows.Next() {
		item, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// CountFailures returns the number of unsuccessful results.
func (r *ResultRepository) CountFailures(ctx context.Context) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("result repo: nil db")
	}
	var count int
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(1) FROM %s WHERE success = false`, r.table)).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (commands.CommandResult, error) {
	var item commands.CommandResult
	var priority string
	var errMsg sql.NullString
	var durationMS int64
	var response []byte
	if err := row.Scan(
		&item.CommandID,
		&item.DeviceID,
		&item.Command,
		&priority,
		&item.Source,
		&item.Status,
		&item.Success,
		&errMsg,
		&item.Attempts,
		&durationMS,
		&response,
		&item.Timestamp,
	); err != nil {
		return commands.CommandResult{}, err
	}
	parsed, err := delivery.ParsePriority(priority)
	if err != nil {
		return commands.CommandResult{}, err
	}
	item.Priority = parsed
	if errMsg.Valid {
		item.Error = errMsg.String
	}
	item.Duration = time.Duration(durationMS) * time.Millisecond
	if len(response) > 0 {
		item.Response = response
	}
	item.Timestamp = item.Timestamp.UTC()
	return item, nil
}
