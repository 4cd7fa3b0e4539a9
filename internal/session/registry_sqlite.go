package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/apperr"
	v1 "github.com/EdanStarfire/claudecode-webui-sub001/pkg/api/v1"
)

// SQLiteRegistry is the zero-ops, single-process Session Registry
// backend: one row per session in a local sqlite database, WAL mode,
// single writer, matching the construction the teacher uses for its own
// SQLite-backed repository.
type SQLiteRegistry struct {
	db *sql.DB
}

var _ Registry = (*SQLiteRegistry)(nil)

// NewSQLiteRegistry opens (and migrates) a sqlite-backed registry at dsn.
func NewSQLiteRegistry(dsn string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite3", dsn+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, apperr.IOError("failed to open sqlite registry", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, apperr.IOError("failed to migrate sqlite registry", err)
	}

	return &SQLiteRegistry{db: db}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	document TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// Close releases the underlying database handle.
func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

func (r *SQLiteRegistry) Create(ctx context.Context, s *v1.Session) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return apperr.Internal("failed to marshal session state", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, document, created_at) VALUES (?, ?, ?)`,
		s.ID, string(doc), s.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return apperr.Precondition("session already exists: " + s.ID)
	}
	return nil
}

func (r *SQLiteRegistry) Get(ctx context.Context, id string) (*v1.Session, error) {
	var doc string
	err := r.db.QueryRowContext(ctx, `SELECT document FROM sessions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("session", id)
	}
	if err != nil {
		return nil, apperr.IOError("failed to read session state", err)
	}
	var s v1.Session
	if err := json.Unmarshal([]byte(doc), &s); err != nil {
		return nil, apperr.Internal("corrupt session state document", err)
	}
	return &s, nil
}

func (r *SQLiteRegistry) List(ctx context.Context) ([]*v1.Session, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT document FROM sessions ORDER BY created_at ASC`)
	if err != nil {
		return nil, apperr.IOError("failed to list sessions", err)
	}
	defer rows.Close()

	var out []*v1.Session
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, apperr.IOError("failed to scan session row", err)
		}
		var s v1.Session
		if err := json.Unmarshal([]byte(doc), &s); err != nil {
			continue
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (r *SQLiteRegistry) mutate(ctx context.Context, id string, fn func(*v1.Session)) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	fn(s)
	doc, err := json.Marshal(s)
	if err != nil {
		return apperr.Internal("failed to marshal session state", err)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET document = ? WHERE id = ?`, string(doc), id)
	if err != nil {
		return apperr.IOError("failed to update session state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.IOError("failed to confirm session update", err)
	}
	if n == 0 {
		return apperr.NotFound("session", id)
	}
	return nil
}

func (r *SQLiteRegistry) UpdateState(ctx context.Context, id string, state v1.SessionState) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.State = state })
}

func (r *SQLiteRegistry) UpdateProcessing(ctx context.Context, id string, processing bool) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.IsProcessing = processing })
}

func (r *SQLiteRegistry) UpdateName(ctx context.Context, id string, name string) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.Name = name })
}

func (r *SQLiteRegistry) UpdateLastError(ctx context.Context, id string, lastErr *v1.LastError) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.LastError = lastErr })
}

func (r *SQLiteRegistry) UpdatePermissionMode(ctx context.Context, id string, mode v1.PermissionMode) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.PermissionMode = mode })
}

func (r *SQLiteRegistry) UpdateAgentSessionID(ctx context.Context, id string, agentSessionID string) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.AgentSessionID = agentSessionID })
}

func (r *SQLiteRegistry) UpdateEffectiveRules(ctx context.Context, id string, rules v1.EffectiveRules) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.EffectiveRules = rules })
}

func (r *SQLiteRegistry) Touch(ctx context.Context, id string) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.LastActiveAt = time.Now().UTC() })
}

func (r *SQLiteRegistry) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return apperr.IOError("failed to delete session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.IOError("failed to confirm session delete", err)
	}
	if n == 0 {
		return apperr.NotFound("session", id)
	}
	return nil
}

func (r *SQLiteRegistry) Reconcile(ctx context.Context) error {
	sessions, err := r.List(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		s.IsProcessing = false
		if s.State == v1.StateStarting || s.State == v1.StateProcessing {
			s.State = v1.StatePaused
		}
		doc, err := json.Marshal(s)
		if err != nil {
			return apperr.Internal("failed to marshal session state", err)
		}
		if _, err := r.db.ExecContext(ctx, `UPDATE sessions SET document = ? WHERE id = ?`, string(doc), s.ID); err != nil {
			return apperr.IOError("failed to reconcile session state", err)
		}
	}
	return nil
}
