package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"loxone-gateway/internal/eventing"
)

const defaultDLQTable = "dead_letter_messages"

const dlqSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	event_id      TEXT NOT NULL,
	sink          TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	payload       JSONB NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	first_seen_at TIMESTAMPTZ NOT NULL,
	last_seen_at  TIMESTAMPTZ NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (event_id, sink)
);
`

// DLQStore is a Postgres implementation for dead-lettered envelopes.
type DLQStore struct {
	db    *sql.DB
	table string
}

// NewDLQStore constructs a DLQ store.
func NewDLQStore(db *sql.DB, opts ...DLQOption) *DLQStore {
	store := &DLQStore{db: db, table: defaultDLQTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// DLQOption configures the DLQ store.
type DLQOption func(*DLQStore)

// WithDLQTable overrides the table name.
func WithDLQTable(table string) DLQOption {
	return func(store *DLQStore) {
		if table != "" {
			store.table = table
		}
	}
}

// Migrate creates the table when missing.
func (s *DLQStore) Migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("dlq store: nil db")
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(dlqSchema, s.table))
	return err
}

// RecordFailure inserts or updates a DLQ record.
func (s *DLQStore) RecordFailure(ctx context.Context, sink string, env eventing.Envelope, err error) error {
	if s == nil || s.db == nil {
		return errors.New("dlq store: nil db")
	}
	if env.EventID == "" {
		return errors.New("dlq store: empty event id")
	}
	payload, marshalErr := json.Marshal(env)
	if marshalErr != nil {
		return marshalErr
	}
	message := ""
	if err != nil {
		message = err.Error()
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	event_id,
	sink,
	event_type,
	payload,
	error,
	first_seen_at,
	last_seen_at,
	attempts
) VALUES (
	$1, $2, $3, $4, $5, $6, $6, 1
)
ON CONFLICT (event_id, sink)
DO UPDATE SET
	event_type = EXCLUDED.event_type,
	payload = EXCLUDED.payload,
	error = EXCLUDED.error,
	last_seen_at = EXCLUDED.last_seen_at,
	attempts = %s.attempts + 1`, s.table, s.table)

	now := time.Now().UTC()
	_, execErr := s.db.ExecContext(ctx, query, env.EventID, sink, env.EventType, payload, message, now)
	return execErr
}

// Attempts returns how often the envelope failed for sink.
func (s *DLQStore) Attempts(ctx context.Context, eventID, sink string) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("dlq store: nil db")
	}
	var attempts int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT attempts FROM %s WHERE event_id = $1 AND sink = $2`, s.table), eventID, sink).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return attempts, err
}
