package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/agentproc"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/apperr"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/config"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/logger"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/logstore"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/permission"
	v1 "github.com/EdanStarfire/claudecode-webui-sub001/pkg/api/v1"
)

// fakeRegistry is an in-memory Registry stand-in: a map of rows keyed by
// session id.
type fakeRegistry struct {
	mu   sync.Mutex
	rows map[string]*v1.Session
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{rows: make(map[string]*v1.Session)}
}

func (r *fakeRegistry) Create(_ context.Context, s *v1.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[s.ID] = s
	return nil
}

func (r *fakeRegistry) Get(_ context.Context, id string) (*v1.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return nil, apperr.NotFound("session", id)
	}
	cp := *s
	return &cp, nil
}

func (r *fakeRegistry) List(_ context.Context) ([]*v1.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*v1.Session, 0, len(r.rows))
	for _, s := range r.rows {
		out = append(out, s)
	}
	return out, nil
}

func (r *fakeRegistry) mutate(id string, fn func(s *v1.Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return apperr.NotFound("session", id)
	}
	fn(s)
	return nil
}

func (r *fakeRegistry) UpdateState(_ context.Context, id string, state v1.SessionState) error {
	return r.mutate(id, func(s *v1.Session) { s.State = state })
}

func (r *fakeRegistry) UpdateProcessing(_ context.Context, id string, processing bool) error {
	return r.mutate(id, func(s *v1.Session) { s.IsProcessing = processing })
}

func (r *fakeRegistry) UpdateName(_ context.Context, id, name string) error {
	return r.mutate(id, func(s *v1.Session) { s.Name = name })
}

func (r *fakeRegistry) UpdateLastError(_ context.Context, id string, lastErr *v1.LastError) error {
	return r.mutate(id, func(s *v1.Session) { s.LastError = lastErr })
}

func (r *fakeRegistry) UpdatePermissionMode(_ context.Context, id string, mode v1.PermissionMode) error {
	return r.mutate(id, func(s *v1.Session) { s.PermissionMode = mode })
}

func (r *fakeRegistry) UpdateAgentSessionID(_ context.Context, id string, agentSessionID string) error {
	return r.mutate(id, func(s *v1.Session) { s.AgentSessionID = agentSessionID })
}

func (r *fakeRegistry) UpdateEffectiveRules(_ context.Context, id string, rules v1.EffectiveRules) error {
	return r.mutate(id, func(s *v1.Session) { s.EffectiveRules = rules })
}

func (r *fakeRegistry) Touch(_ context.Context, id string) error {
	return r.mutate(id, func(s *v1.Session) {})
}

func (r *fakeRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *fakeRegistry) Reconcile(_ context.Context) error { return nil }

// fakeBroadcaster records every call instead of touching real WebSocket
// connections.
type fakeBroadcaster struct {
	mu      sync.Mutex
	states  []v1.SessionState
	created []*v1.Session
	updated []*v1.Session
	deleted []string
}

func (f *fakeBroadcaster) BroadcastToSession(string, any) {}

func (f *fakeBroadcaster) BroadcastSessionState(_ string, state v1.SessionState, _ bool, _ *v1.LastError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
}

func (f *fakeBroadcaster) BroadcastSessionCreated(s *v1.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, s)
}

func (f *fakeBroadcaster) BroadcastSessionUpdated(s *v1.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, s)
}

func (f *fakeBroadcaster) BroadcastSessionDeleted(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeRegistry, *fakeBroadcaster) {
	t.Helper()
	log := logger.Default()

	logs, err := logstore.New(t.TempDir(), log)
	require.NoError(t, err)

	registry := newFakeRegistry()
	broker := permission.New(log)
	launcher := agentproc.NewLauncher(config.AgentConfig{Command: "true"}, log)
	fanout := &fakeBroadcaster{}

	c := NewCoordinator(registry, logs, broker, launcher, fanout, log)
	return c, registry, fanout
}

// ============================================================================
// Create
// ============================================================================

func TestCoordinator_CreateDefaultsNameAndMode(t *testing.T) {
	c, _, fanout := newTestCoordinator(t)

	s, err := c.Create(context.Background(), "proj-1", CreateOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.NotEmpty(t, s.Name)
	assert.Equal(t, v1.ModeDefault, s.PermissionMode)
	assert.Equal(t, v1.StateCreated, s.State)

	assert.Len(t, fanout.created, 1)
	assert.Equal(t, s.ID, fanout.created[0].ID)
}

// ============================================================================
// Send precondition tie-breaks (spec §8)
// ============================================================================

func TestCoordinator_SendOnNonActiveSessionIsPrecondition(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	s, err := c.Create(context.Background(), "proj-1", CreateOptions{})
	require.NoError(t, err)

	err = c.Send(context.Background(), s.ID, "hello")
	require.Error(t, err)
	assert.True(t, apperr.IsPrecondition(err))
}

func TestCoordinator_SendWhileAlreadyProcessingIsPrecondition(t *testing.T) {
	c, registry, _ := newTestCoordinator(t)
	s, err := c.Create(context.Background(), "proj-1", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, registry.UpdateState(context.Background(), s.ID, v1.StateActive))
	require.NoError(t, registry.UpdateProcessing(context.Background(), s.ID, true))

	err = c.Send(context.Background(), s.ID, "hello")
	require.Error(t, err)
	assert.True(t, apperr.IsPrecondition(err))
}

// ============================================================================
// Interrupt requires a running adapter
// ============================================================================

func TestCoordinator_InterruptWithNoAdapterIsPrecondition(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	s, err := c.Create(context.Background(), "proj-1", CreateOptions{})
	require.NoError(t, err)

	err = c.Interrupt(context.Background(), s.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsPrecondition(err))
}

// ============================================================================
// Terminate idempotency
// ============================================================================

func TestCoordinator_TerminateOnAlreadyTerminatedIsNoop(t *testing.T) {
	c, registry, fanout := newTestCoordinator(t)
	s, err := c.Create(context.Background(), "proj-1", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, registry.UpdateState(context.Background(), s.ID, v1.StateTerminated))

	require.NoError(t, c.Terminate(context.Background(), s.ID))
	assert.Empty(t, fanout.states, "terminate on an already-terminated session must not broadcast again")
}

func TestCoordinator_TerminateTransitionsAndBroadcasts(t *testing.T) {
	c, registry, fanout := newTestCoordinator(t)
	s, err := c.Create(context.Background(), "proj-1", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, registry.UpdateState(context.Background(), s.ID, v1.StateActive))

	require.NoError(t, c.Terminate(context.Background(), s.ID))

	got, err := registry.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.StateTerminated, got.State)
	assert.False(t, got.IsProcessing)
	assert.Contains(t, fanout.states, v1.StateTerminated)
}

// ============================================================================
// RespondPermission swallows a not-found (decision arrived after teardown)
// ============================================================================

func TestCoordinator_RespondPermissionIgnoresUnknownRequest(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	err := c.RespondPermission(context.Background(), "sess-1", "does-not-exist", true, nil, "")
	assert.NoError(t, err)
}

// ============================================================================
// ApplyPermissionSuggestion persists durable rules
// ============================================================================

func TestCoordinator_ApplyPermissionSuggestionAllowTool(t *testing.T) {
	c, registry, _ := newTestCoordinator(t)
	s, err := c.Create(context.Background(), "proj-1", CreateOptions{})
	require.NoError(t, err)

	err = c.ApplyPermissionSuggestion(context.Background(), s.ID, v1.PermissionSuggestion{
		Type: "allow-tool",
		Tool: "Bash",
	})
	require.NoError(t, err)

	got, err := registry.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Contains(t, got.EffectiveRules.AllowedTools, "Bash")
}

func TestCoordinator_ApplyPermissionSuggestionIsIdempotent(t *testing.T) {
	c, registry, _ := newTestCoordinator(t)
	s, err := c.Create(context.Background(), "proj-1", CreateOptions{})
	require.NoError(t, err)

	suggestion := v1.PermissionSuggestion{Type: "allow-tool", Tool: "Bash"}
	require.NoError(t, c.ApplyPermissionSuggestion(context.Background(), s.ID, suggestion))
	require.NoError(t, c.ApplyPermissionSuggestion(context.Background(), s.ID, suggestion))

	got, err := registry.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bash"}, got.EffectiveRules.AllowedTools)
}

// ============================================================================
// UpdateName broadcasts the updated snapshot, not a state delta
// ============================================================================

func TestCoordinator_UpdateNameBroadcastsUpdatedSession(t *testing.T) {
	c, _, fanout := newTestCoordinator(t)
	s, err := c.Create(context.Background(), "proj-1", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, c.UpdateName(context.Background(), s.ID, "renamed"))

	require.Len(t, fanout.updated, 1)
	assert.Equal(t, "renamed", fanout.updated[0].Name)
}
