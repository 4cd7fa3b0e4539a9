package projectregistry

import (
	"encoding/json"
	"os"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/apperr"
)

func (r *Registry) readAll() ([]*Project, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.IOError("failed to read project registry", err)
	}
	var projects []*Project
	if err := json.Unmarshal(data, &projects); err != nil {
		return nil, apperr.Internal("corrupt project registry document", err)
	}
	return projects, nil
}

func (r *Registry) writeAll(projects []*Project) error {
	data, err := json.MarshalIndent(projects, "", "  ")
	if err != nil {
		return apperr.Internal("failed to marshal project registry", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperr.IOError("failed to write project registry", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return apperr.IOError("failed to commit project registry", err)
	}
	return nil
}
