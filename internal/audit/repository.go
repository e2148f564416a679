package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultTable = "audit_logs"

const schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id             TEXT PRIMARY KEY,
	actor          TEXT NOT NULL,
	role           TEXT NOT NULL,
	action         TEXT NOT NULL,
	resource_type  TEXT NOT NULL,
	resource_id    TEXT NOT NULL DEFAULT '',
	status         INTEGER NOT NULL,
	metadata       JSONB,
	payload_digest TEXT NOT NULL DEFAULT '',
	ip             TEXT NOT NULL DEFAULT '',
	user_agent     TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_created_idx ON %[1]s (created_at);
`

// Repository writes audit logs.
type Repository struct {
	db    *sql.DB
	table string
}

// Option configures the repository.
type Option func(*Repository)

// WithTable overrides the table name.
func WithTable(table string) Option {
	return func(r *Repository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewRepository constructs an audit repository.
func NewRepository(db *sql.DB, opts ...Option) *Repository {
	if db == nil {
		return nil
	}
	repo := &Repository{db: db, table: defaultTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Migrate creates the audit table when missing.
func (r *Repository) Migrate(ctx context.Context) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(schema, r.table))
	return err
}

// Log writes an audit entry.
func (r *Repository) Log(ctx context.Context, entry Entry) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var metadata any
	if len(entry.Metadata) > 0 {
		metadata = []byte(entry.Metadata)
	}

	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (
	id, actor, role, action, resource_type, resource_id, status,
	metadata, payload_digest, ip, user_agent, created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)`, r.table), entry.ID, entry.Actor, entry.Role, entry.Action, entry.ResourceType, entry.ResourceID, entry.Status,
		metadata, entry.PayloadDigest, entry.IP, entry.UserAgent, entry.CreatedAt)
	return err
}

// CountByAction returns how many entries recorded action.
func (r *Repository) CountByAction(ctx context.Context, action string) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("audit repo: nil db")
	}
	var count int
	err := r.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE action = $1", r.table), action).Scan(&count)
	return count, err
}
