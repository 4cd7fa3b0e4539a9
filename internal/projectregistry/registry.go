// Package projectregistry is a minimal out-of-scope collaborator (spec.md
// §1): a flat catalogue of working directories sessions can be created
// against. The session core only ever reads a project's working
// directory by id; everything else about a project is this package's
// concern.
package projectregistry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/apperr"
)

// Project is one catalogued working directory.
type Project struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	WorkingDir string    `json:"working_directory"`
	CreatedAt  time.Time `json:"created_at"`
}

// Registry is a catalogue of projects kept in a single JSON document that
// every call reads (and every change rewrites), mirroring the file registry's atomic-write approach but
// over one file rather than a directory, since the catalogue is small and
// rarely changes.
type Registry struct {
	path string
	mu   sync.RWMutex
}

// New constructs a Registry backed by path, creating an empty catalogue
// if none exists.
func New(path string) (*Registry, error) {
	r := &Registry{path: path}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, apperr.IOError("failed to create project registry directory", err)
		}
		if err := r.writeAll(nil); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Create adds a new project and returns it.
func (r *Registry) Create(ctx context.Context, name, workingDir string) (*Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.readAll()
	if err != nil {
		return nil, err
	}

	p := &Project{
		ID:         uuid.New().String(),
		Name:       name,
		WorkingDir: workingDir,
		CreatedAt:  time.Now().UTC(),
	}
	all = append(all, p)

	if err := r.writeAll(all); err != nil {
		return nil, err
	}
	return p, nil
}

// List returns every catalogued project.
func (r *Registry) List(ctx context.Context) ([]*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.readAll()
}

// Get returns one project by id.
func (r *Registry) Get(ctx context.Context, id string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all, err := r.readAll()
	if err != nil {
		return nil, err
	}
	for _, p := range all {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, apperr.NotFound("project", id)
}

// Update renames a project or changes its working directory.
func (r *Registry) Update(ctx context.Context, id, name, workingDir string) (*Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.readAll()
	if err != nil {
		return nil, err
	}
	for _, p := range all {
		if p.ID == id {
			if name != "" {
				p.Name = name
			}
			if workingDir != "" {
				p.WorkingDir = workingDir
			}
			if err := r.writeAll(all); err != nil {
				return nil, err
			}
			return p, nil
		}
	}
	return nil, apperr.NotFound("project", id)
}

// Delete removes a project from the catalogue.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.readAll()
	if err != nil {
		return err
	}
	for i, p := range all {
		if p.ID == id {
			all = append(all[:i], all[i+1:]...)
			return r.writeAll(all)
		}
	}
	return apperr.NotFound("project", id)
}
