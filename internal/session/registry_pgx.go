package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/apperr"
	v1 "github.com/EdanStarfire/claudecode-webui-sub001/pkg/api/v1"
)

// PgxRegistry is a multi-process-safe Session Registry backend for
// deployments that run several conductord processes against one
// database (still subject to the single-node websocket-fanout Non-goal
// — only the registry row storage is shared).
type PgxRegistry struct {
	pool *pgxpool.Pool
}

var _ Registry = (*PgxRegistry)(nil)

const pgxSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	document JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// NewPgxRegistry opens a pooled connection to dsn and migrates the
// sessions table.
func NewPgxRegistry(ctx context.Context, dsn string) (*PgxRegistry, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, apperr.IOError("failed to open postgres registry", err)
	}
	if _, err := pool.Exec(ctx, pgxSchemaSQL); err != nil {
		pool.Close()
		return nil, apperr.IOError("failed to migrate postgres registry", err)
	}
	return &PgxRegistry{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (r *PgxRegistry) Close() {
	r.pool.Close()
}

func (r *PgxRegistry) Create(ctx context.Context, s *v1.Session) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return apperr.Internal("failed to marshal session state", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO sessions (id, document, created_at) VALUES ($1, $2, $3)`,
		s.ID, doc, s.CreatedAt.UTC())
	if err != nil {
		return apperr.Precondition("session already exists: " + s.ID)
	}
	return nil
}

func (r *PgxRegistry) Get(ctx context.Context, id string) (*v1.Session, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx, `SELECT document FROM sessions WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("session", id)
	}
	if err != nil {
		return nil, apperr.IOError("failed to read session state", err)
	}
	var s v1.Session
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, apperr.Internal("corrupt session state document", err)
	}
	return &s, nil
}

func (r *PgxRegistry) List(ctx context.Context) ([]*v1.Session, error) {
	rows, err := r.pool.Query(ctx, `SELECT document FROM sessions ORDER BY created_at ASC`)
	if err != nil {
		return nil, apperr.IOError("failed to list sessions", err)
	}
	defer rows.Close()

	var out []*v1.Session
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, apperr.IOError("failed to scan session row", err)
		}
		var s v1.Session
		if err := json.Unmarshal(doc, &s); err != nil {
			continue
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (r *PgxRegistry) mutate(ctx context.Context, id string, fn func(*v1.Session)) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	fn(s)
	doc, err := json.Marshal(s)
	if err != nil {
		return apperr.Internal("failed to marshal session state", err)
	}
	tag, err := r.pool.Exec(ctx, `UPDATE sessions SET document = $1 WHERE id = $2`, doc, id)
	if err != nil {
		return apperr.IOError("failed to update session state", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("session", id)
	}
	return nil
}

func (r *PgxRegistry) UpdateState(ctx context.Context, id string, state v1.SessionState) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.State = state })
}

func (r *PgxRegistry) UpdateProcessing(ctx context.Context, id string, processing bool) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.IsProcessing = processing })
}

func (r *PgxRegistry) UpdateName(ctx context.Context, id string, name string) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.Name = name })
}

func (r *PgxRegistry) UpdateLastError(ctx context.Context, id string, lastErr *v1.LastError) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.LastError = lastErr })
}

func (r *PgxRegistry) UpdatePermissionMode(ctx context.Context, id string, mode v1.PermissionMode) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.PermissionMode = mode })
}

func (r *PgxRegistry) UpdateAgentSessionID(ctx context.Context, id string, agentSessionID string) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.AgentSessionID = agentSessionID })
}

func (r *PgxRegistry) UpdateEffectiveRules(ctx context.Context, id string, rules v1.EffectiveRules) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.EffectiveRules = rules })
}

func (r *PgxRegistry) Touch(ctx context.Context, id string) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.LastActiveAt = time.Now().UTC() })
}

func (r *PgxRegistry) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return apperr.IOError("failed to delete session", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("session", id)
	}
	return nil
}

func (r *PgxRegistry) Reconcile(ctx context.Context) error {
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
		if _, err := r.pool.Exec(ctx, `UPDATE sessions SET document = $1 WHERE id = $2`, doc, s.ID); err != nil {
			return apperr.IOError("failed to reconcile session state", err)
		}
	}
	return nil
}
