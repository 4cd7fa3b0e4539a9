package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/apperr"
	v1 "github.com/EdanStarfire/claudecode-webui-sub001/pkg/api/v1"
)

// FileRegistry is the default Registry backend: a directory of
// per-session JSON state documents indexed by id, matching spec.md §6's
// "Persisted layout" description verbatim.
type FileRegistry struct {
	dir string
	mu  sync.RWMutex
}

var _ Registry = (*FileRegistry)(nil)

// NewFileRegistry opens (creating if necessary) a directory-backed
// registry rooted at dir.
func NewFileRegistry(dir string) (*FileRegistry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.IOError("failed to create registry directory", err)
	}
	return &FileRegistry{dir: dir}, nil
}

func (r *FileRegistry) path(id string) string {
	return filepath.Join(r.dir, id+".json")
}

func (r *FileRegistry) Create(ctx context.Context, s *v1.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.path(s.ID)); err == nil {
		return apperr.Precondition("session already exists: " + s.ID)
	}
	return r.writeLocked(s)
}

func (r *FileRegistry) Get(ctx context.Context, id string) (*v1.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.readLocked(id)
}

func (r *FileRegistry) List(ctx context.Context) ([]*v1.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, apperr.IOError("failed to list registry directory", err)
	}

	var out []*v1.Session
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".json")]
		s, err := r.readLocked(id)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *FileRegistry) readLocked(id string) (*v1.Session, error) {
	data, err := os.ReadFile(r.path(id))
	if os.IsNotExist(err) {
		return nil, apperr.NotFound("session", id)
	}
	if err != nil {
		return nil, apperr.IOError("failed to read session state", err)
	}
	var s v1.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, apperr.Internal("corrupt session state document", err)
	}
	return &s, nil
}

func (r *FileRegistry) writeLocked(s *v1.Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return apperr.Internal("failed to marshal session state", err)
	}
	tmp := r.path(s.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperr.IOError("failed to write session state", err)
	}
	if err := os.Rename(tmp, r.path(s.ID)); err != nil {
		return apperr.IOError("failed to commit session state", err)
	}
	return nil
}

func (r *FileRegistry) mutate(ctx context.Context, id string, fn func(*v1.Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.readLocked(id)
	if err != nil {
		return err
	}
	fn(s)
	return r.writeLocked(s)
}

func (r *FileRegistry) UpdateState(ctx context.Context, id string, state v1.SessionState) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.State = state })
}

func (r *FileRegistry) UpdateProcessing(ctx context.Context, id string, processing bool) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.IsProcessing = processing })
}

func (r *FileRegistry) UpdateName(ctx context.Context, id string, name string) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.Name = name })
}

func (r *FileRegistry) UpdateLastError(ctx context.Context, id string, lastErr *v1.LastError) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.LastError = lastErr })
}

func (r *FileRegistry) UpdatePermissionMode(ctx context.Context, id string, mode v1.PermissionMode) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.PermissionMode = mode })
}

func (r *FileRegistry) UpdateAgentSessionID(ctx context.Context, id string, agentSessionID string) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.AgentSessionID = agentSessionID })
}

func (r *FileRegistry) UpdateEffectiveRules(ctx context.Context, id string, rules v1.EffectiveRules) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.EffectiveRules = rules })
}

func (r *FileRegistry) Touch(ctx context.Context, id string) error {
	return r.mutate(ctx, id, func(s *v1.Session) { s.LastActiveAt = time.Now().UTC() })
}

func (r *FileRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.path(id)); err != nil {
		if os.IsNotExist(err) {
			return apperr.NotFound("session", id)
		}
		return apperr.IOError("failed to delete session state", err)
	}
	return nil
}

// Reconcile forces is_processing=false on every row and coerces
// starting/processing rows to paused (spec.md §4.B, §8 "After server
// restart, no session has is_processing=true until explicitly started
// again").
func (r *FileRegistry) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return apperr.IOError("failed to read registry directory during reconciliation", err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".json")]
		s, err := r.readLocked(id)
		if err != nil {
			continue
		}

		s.IsProcessing = false
		if s.State == v1.StateStarting || s.State == v1.StateProcessing {
			s.State = v1.StatePaused
		}
		if err := r.writeLocked(s); err != nil {
			return err
		}
	}
	return nil
}
