// Package session implements the Session Registry (spec.md §4.B) and the
// Session Coordinator (spec.md §4.E) that composes it with the log store,
// stream adapter, and permission broker.
package session

import (
	"context"

	v1 "github.com/EdanStarfire/claudecode-webui-sub001/pkg/api/v1"
)

// Registry is the durable catalogue of session rows. Every mutation to a
// row's persisted fields goes through one of these methods; no other
// component is permitted to write the registry's backing store directly
// (spec.md §5 "the registry row for a session is mutated only through
// registry methods").
type Registry interface {
	Create(ctx context.Context, s *v1.Session) error
	Get(ctx context.Context, id string) (*v1.Session, error)
	List(ctx context.Context) ([]*v1.Session, error)

	UpdateState(ctx context.Context, id string, state v1.SessionState) error
	UpdateProcessing(ctx context.Context, id string, processing bool) error
	UpdateName(ctx context.Context, id string, name string) error
	UpdateLastError(ctx context.Context, id string, lastErr *v1.LastError) error
	UpdatePermissionMode(ctx context.Context, id string, mode v1.PermissionMode) error
	UpdateAgentSessionID(ctx context.Context, id string, agentSessionID string) error
	UpdateEffectiveRules(ctx context.Context, id string, rules v1.EffectiveRules) error
	Touch(ctx context.Context, id string) error

	Delete(ctx context.Context, id string) error

	// Reconcile is run once at startup (spec.md §4.B): forces
	// is_processing=false on every row (no adapter can be running yet),
	// and coerces rows left in starting/processing to paused so an
	// explicit restart is required. Rows in error are left untouched.
	Reconcile(ctx context.Context) error
}
