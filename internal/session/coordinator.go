package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/apperr"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/agentproc"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/logger"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/logstore"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/permission"
	"github.com/EdanStarfire/claudecode-webui-sub001/internal/streamadapter"
	v1 "github.com/EdanStarfire/claudecode-webui-sub001/pkg/api/v1"
)

// Broadcaster lets the coordinator fan envelopes and state deltas out to
// the two WebSocket planes without importing the gateway package
// (spec.md §4.F; the coordinator is upstream of fan-out).
type Broadcaster interface {
	BroadcastToSession(sessionID string, v any)
	BroadcastSessionState(sessionID string, state v1.SessionState, isProcessing bool, lastErr *v1.LastError)
	BroadcastSessionCreated(s *v1.Session)
	BroadcastSessionUpdated(s *v1.Session)
	BroadcastSessionDeleted(sessionID string)
}

// CreateOptions captures user-supplied fields at session creation time.
type CreateOptions struct {
	Name           string
	PermissionMode v1.PermissionMode
	ToolsAllowlist []string
	Model          string
	WorkingDir     string
}

// Coordinator enforces the session state machine and composes the
// registry, log store, stream adapters, and permission broker (spec.md
// §4.E).
type Coordinator struct {
	registry Registry
	logs     *logstore.Store
	broker   *permission.Broker
	launcher *agentproc.Launcher
	fanout   Broadcaster
	log      *logger.Logger

	mu       sync.Mutex
	adapters map[string]*streamadapter.Adapter
}

// NewCoordinator wires together the four subsystems the coordinator
// composes.
func NewCoordinator(registry Registry, logs *logstore.Store, broker *permission.Broker, launcher *agentproc.Launcher, fanout Broadcaster, log *logger.Logger) *Coordinator {
	return &Coordinator{
		registry: registry,
		logs:     logs,
		broker:   broker,
		launcher: launcher,
		fanout:   fanout,
		log:      log.WithFields(zap.String("component", "coordinator")),
		adapters: make(map[string]*streamadapter.Adapter),
	}
}

// Create creates a registry row; no adapter is started (spec.md §4.E
// "create").
func (c *Coordinator) Create(ctx context.Context, projectID string, opts CreateOptions) (*v1.Session, error) {
	now := time.Now().UTC()
	name := opts.Name
	if name == "" {
		name = now.Format(time.RFC3339)
	}
	mode := opts.PermissionMode
	if mode == "" {
		mode = v1.ModeDefault
	}

	s := &v1.Session{
		ID:             newSessionID(),
		ProjectID:      projectID,
		Name:           name,
		State:          v1.StateCreated,
		IsProcessing:   false,
		PermissionMode: mode,
		ToolsAllowlist: opts.ToolsAllowlist,
		Model:          opts.Model,
		WorkingDir:     opts.WorkingDir,
		CreatedAt:      now,
		LastActiveAt:   now,
	}

	if err := c.registry.Create(ctx, s); err != nil {
		return nil, err
	}

	c.fanout.BroadcastSessionCreated(s)
	return s, nil
}

// Start creates the adapter and transitions starting -> active, unless
// already active (tie-break: no-op) (spec.md §4.E "start").
func (c *Coordinator) Start(ctx context.Context, sessionID string) error {
	s, err := c.registry.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if s.State == v1.StateActive {
		return nil
	}
	if s.State != v1.StateCreated && s.State != v1.StatePaused && s.State != v1.StateTerminated {
		return apperr.Precondition(fmt.Sprintf("cannot start session in state %q", s.State))
	}

	resuming := s.AgentSessionID != ""

	if err := c.registry.UpdateState(ctx, sessionID, v1.StateStarting); err != nil {
		return err
	}
	c.fanout.BroadcastSessionState(sessionID, v1.StateStarting, false, nil)

	adapter := streamadapter.New(sessionID, c.launcher, c.broker, streamadapter.Callbacks{
		OnEnvelope: func(env v1.Envelope) { c.handleEnvelope(sessionID, env) },
		OnResult:   func() { c.handleResult(sessionID) },
		OnFatal:    func(appErr *apperr.AppError) { c.handleFatal(sessionID, appErr) },
	}, c.log)

	agentSessionID := s.AgentSessionID
	if agentSessionID == "" {
		agentSessionID = sessionID
	}

	// Tools the user allowed through an applied suggestion are pre-approved
	// alongside the session's own allowlist.
	allowlist := append([]string(nil), s.ToolsAllowlist...)
	for _, t := range s.EffectiveRules.AllowedTools {
		allowlist = appendUnique(allowlist, t)
	}

	if err := adapter.Start(ctx, streamadapter.StartOptions{
		SessionID:       sessionID,
		WorkingDir:      s.WorkingDir,
		PermissionMode:  s.PermissionMode,
		ToolsAllowlist:  allowlist,
		Model:           s.Model,
		ResumeSessionID: s.AgentSessionID,
	}); err != nil {
		c.handleFatal(sessionID, mustAppErr(err))
		return err
	}

	c.mu.Lock()
	c.adapters[sessionID] = adapter
	c.mu.Unlock()

	if err := c.registry.UpdateAgentSessionID(ctx, sessionID, agentSessionID); err != nil {
		return err
	}
	if err := c.registry.UpdateState(ctx, sessionID, v1.StateActive); err != nil {
		return err
	}
	c.fanout.BroadcastSessionState(sessionID, v1.StateActive, false, nil)

	subtype := v1.SubtypeClientLaunched
	if resuming {
		subtype = v1.SubtypeResumed
	}
	c.appendAndBroadcast(sessionID, v1.Envelope{
		Type:    v1.EnvelopeSystem,
		Subtype: subtype,
	})

	return nil
}

// Send enqueues text to the adapter (spec.md §4.E "send"): precondition
// adapter exists and state = active; sets is_processing = true before
// calling the adapter. It is reset on a result, on any fatal error path,
// and by Terminate.
func (c *Coordinator) Send(ctx context.Context, sessionID, text string) error {
	s, err := c.registry.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.State != v1.StateActive {
		return apperr.Precondition("session is not active")
	}
	if s.IsProcessing {
		return apperr.Precondition("session is already processing a message")
	}

	adapter, ok := c.getAdapter(sessionID)
	if !ok {
		return apperr.Precondition("no agent adapter is running for this session")
	}

	if err := c.registry.UpdateProcessing(ctx, sessionID, true); err != nil {
		return err
	}
	if err := c.registry.UpdateState(ctx, sessionID, v1.StateProcessing); err != nil {
		return err
	}
	c.fanout.BroadcastSessionState(sessionID, v1.StateProcessing, true, nil)

	adapter.Send(text)
	return nil
}

// Interrupt forwards to the adapter. It requires a running adapter (a
// Precondition error otherwise) but not is_processing: interrupting an
// idle session that has an adapter is accepted without error (spec.md
// §4.E "interrupt", §8 "interrupt(id) when idle is accepted").
func (c *Coordinator) Interrupt(ctx context.Context, sessionID string) error {
	adapter, ok := c.getAdapter(sessionID)
	if !ok {
		return apperr.Precondition("no agent adapter is running for this session")
	}
	adapter.Interrupt()
	return nil
}

// RespondPermission forwards the user's decision to the broker.
func (c *Coordinator) RespondPermission(ctx context.Context, sessionID, requestID string, allow bool, appliedSuggestions []string, guidance string) error {
	err := c.broker.Resolve(requestID, permission.Decision{
		RequestID:          requestID,
		Allow:              allow,
		AppliedSuggestions: appliedSuggestions,
		Guidance:           guidance,
	})
	if err != nil {
		// Decisions arriving after teardown are ignored, not errors
		// (spec.md §4.D); NotFound here means the request already
		// resolved or the session already tore down.
		if apperr.IsNotFound(err) {
			return nil
		}
		return err
	}

	decision := "deny"
	if allow {
		decision = "allow"
	}
	c.appendAndBroadcast(sessionID, v1.Envelope{
		Type: v1.EnvelopePermissionResponse,
		Metadata: v1.Metadata{
			PermissionResponse: &v1.PermissionResponseMeta{
				RequestID:          requestID,
				Decision:           decision,
				AppliedSuggestions: appliedSuggestions,
				Guidance:           guidance,
			},
		},
	})

	return nil
}

// ApplyPermissionSuggestion persists a durable effective rule so future
// equivalent requests auto-approve (SPEC_FULL supplemental feature #2).
func (c *Coordinator) ApplyPermissionSuggestion(ctx context.Context, sessionID string, s v1.PermissionSuggestion) error {
	sess, err := c.registry.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	rules := sess.EffectiveRules
	switch s.Type {
	case "allow-tool":
		rules.AllowedTools = appendUnique(rules.AllowedTools, s.Tool)
	case "add-directory":
		rules.AllowedDirs = appendUnique(rules.AllowedDirs, s.Directory)
	case "set-mode":
		rules.ModeOverride = s.Mode
		if err := c.SetPermissionMode(ctx, sessionID, v1.PermissionMode(s.Mode)); err != nil {
			return err
		}
	}

	return c.registry.UpdateEffectiveRules(ctx, sessionID, rules)
}

// SetPermissionMode updates the registry row and forwards to the adapter
// if one is running (spec.md §4.E "set_permission_mode").
func (c *Coordinator) SetPermissionMode(ctx context.Context, sessionID string, mode v1.PermissionMode) error {
	if err := c.registry.UpdatePermissionMode(ctx, sessionID, mode); err != nil {
		return err
	}
	if adapter, ok := c.getAdapter(sessionID); ok {
		adapter.SetPermissionMode(mode)
	}
	return nil
}

// Terminate releases the adapter, cancels pending permissions, and
// transitions to terminated (spec.md §4.E "terminate"). Best-effort
// interrupt first if processing, then a short bounded wait, per §4.E
// tie-breaks.
func (c *Coordinator) Terminate(ctx context.Context, sessionID string) error {
	s, err := c.registry.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.State == v1.StateTerminated {
		return nil
	}

	if adapter, ok := c.getAdapter(sessionID); ok {
		if s.IsProcessing {
			adapter.Interrupt()
			time.Sleep(200 * time.Millisecond)
		}
		// Auto-deny any pending permission request before Close, not
		// after: Close waits for the inbound goroutine to exit, and that
		// goroutine is blocked on the broker's decision channel until
		// CancelSession sends one (mirrors handleFatal's ordering).
		c.broker.CancelSession(sessionID)
		adapter.Close()
		c.mu.Lock()
		delete(c.adapters, sessionID)
		c.mu.Unlock()
	} else {
		c.broker.CancelSession(sessionID)
	}

	if err := c.registry.UpdateProcessing(ctx, sessionID, false); err != nil {
		return err
	}
	if err := c.registry.UpdateState(ctx, sessionID, v1.StateTerminated); err != nil {
		return err
	}
	c.fanout.BroadcastSessionState(sessionID, v1.StateTerminated, false, nil)
	return nil
}

// Delete terminates then removes the registry row and log (spec.md §4.E
// "delete").
func (c *Coordinator) Delete(ctx context.Context, sessionID string) error {
	if err := c.Terminate(ctx, sessionID); err != nil && !apperr.IsNotFound(err) {
		return err
	}
	if err := c.logs.Delete(ctx, sessionID); err != nil {
		return err
	}
	if err := c.registry.Delete(ctx, sessionID); err != nil {
		return err
	}
	c.fanout.BroadcastSessionDeleted(sessionID)
	return nil
}

// ListMessages is a passthrough to the log store (spec.md §4.E
// "list_messages").
func (c *Coordinator) ListMessages(sessionID string, offset, limit int) (logstore.LoadResult, error) {
	return c.logs.List(sessionID, offset, limit)
}

// Get is a passthrough to the registry, used by the HTTP/WS surfaces to
// read the current snapshot without reaching around the coordinator.
func (c *Coordinator) Get(ctx context.Context, sessionID string) (*v1.Session, error) {
	return c.registry.Get(ctx, sessionID)
}

// List is a passthrough to the registry.
func (c *Coordinator) List(ctx context.Context) ([]*v1.Session, error) {
	return c.registry.List(ctx)
}

// UpdateName renames a session (spec.md §3, a CRUD field the coordinator
// has no special lifecycle rule for).
func (c *Coordinator) UpdateName(ctx context.Context, sessionID, name string) error {
	if err := c.registry.UpdateName(ctx, sessionID, name); err != nil {
		return err
	}
	s, err := c.registry.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	c.fanout.BroadcastSessionUpdated(s)
	return nil
}

// ToolCallView rebuilds the derived tool-call map from the log plus the
// live permission table, never caching it (SPEC_FULL supplemental
// feature #1; spec.md §3, §9 "Tool-call state is derived").
func (c *Coordinator) ToolCallView(sessionID string) (map[string]v1.ToolCall, error) {
	result, err := c.logs.List(sessionID, 0, 0)
	if err != nil {
		return nil, err
	}

	calls := make(map[string]v1.ToolCall)
	for _, env := range result.Records {
		for _, block := range env.Metadata.Blocks {
			switch block.Type {
			case v1.BlockToolUse:
				calls[block.ToolUseID] = v1.ToolCall{
					ToolUseID: block.ToolUseID,
					Name:      block.ToolName,
					Input:     block.ToolInput,
					Status:    v1.ToolCallPending,
					Timestamp: env.Timestamp,
				}
			case v1.BlockToolResultBlk:
				if call, ok := calls[block.ToolResultForID]; ok {
					call.Result = block.ToolResultBody
					call.ResultIsError = block.ToolResultError
					if block.ToolResultError {
						call.Status = v1.ToolCallError
					} else {
						call.Status = v1.ToolCallCompleted
					}
					calls[block.ToolResultForID] = call
				}
			}
		}
		if env.Type == v1.EnvelopePermissionRequest && env.Metadata.PermissionRequest != nil {
			req := env.Metadata.PermissionRequest
			if call, ok := calls[req.ToolUseID]; ok {
				call.Status = v1.ToolCallPermissionRequired
				call.PermissionRequestID = req.RequestID
				call.Suggestions = req.Suggestions
				calls[req.ToolUseID] = call
			}
		}
		if env.Type == v1.EnvelopePermissionResponse && env.Metadata.PermissionResponse != nil {
			resp := env.Metadata.PermissionResponse
			for id, call := range calls {
				if call.PermissionRequestID == resp.RequestID {
					call.PermissionDecision = resp.Decision
					if resp.Decision == "allow" {
						call.Status = v1.ToolCallExecuting
					}
					calls[id] = call
				}
			}
		}
	}

	for id, call := range calls {
		if call.Status == v1.ToolCallPending || call.Status == v1.ToolCallExecuting {
			for _, pending := range c.broker.Pending(sessionID) {
				if pending.ToolUseID == id {
					call.Status = v1.ToolCallPermissionRequired
					call.PermissionRequestID = pending.RequestID
					calls[id] = call
				}
			}
		}
	}

	return calls, nil
}

// Reconcile runs the startup reconciliation pass (spec.md §4.B, §8).
func (c *Coordinator) Reconcile(ctx context.Context) error {
	return c.registry.Reconcile(ctx)
}

func (c *Coordinator) getAdapter(sessionID string) (*streamadapter.Adapter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.adapters[sessionID]
	return a, ok
}

func (c *Coordinator) handleEnvelope(sessionID string, env v1.Envelope) {
	c.appendAndBroadcast(sessionID, env)
}

func (c *Coordinator) appendAndBroadcast(sessionID string, env v1.Envelope) {
	stored, err := c.logs.Append(sessionID, env)
	if err != nil {
		c.log.Error("failed to append envelope", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	c.fanout.BroadcastToSession(sessionID, map[string]any{
		"type":     "message",
		"envelope": stored,
	})
}

// handleResult resets is_processing on receipt of a result-kind envelope,
// one of the reset points named on Send (spec.md §4.E "Processing-state
// authority").
func (c *Coordinator) handleResult(sessionID string) {
	ctx := context.Background()
	if err := c.registry.UpdateProcessing(ctx, sessionID, false); err != nil {
		c.log.Error("failed to reset is_processing on result", zap.Error(err))
		return
	}
	if err := c.registry.UpdateState(ctx, sessionID, v1.StateActive); err != nil {
		c.log.Error("failed to restore active state on result", zap.Error(err))
		return
	}
	c.fanout.BroadcastSessionState(sessionID, v1.StateActive, false, nil)
}

// handleFatal is the is_processing reset point for any fatal error path
// (spec.md §4.E).
func (c *Coordinator) handleFatal(sessionID string, appErr *apperr.AppError) {
	ctx := context.Background()

	lastErr := &v1.LastError{
		Kind:    string(appErr.Code),
		Message: appErr.Message,
		Raw:     appErr.Raw,
	}

	c.appendAndBroadcast(sessionID, v1.Envelope{
		Type:    v1.EnvelopeSystem,
		Subtype: v1.SubtypeSessionFailed,
		Content: appErr.Message,
	})

	c.broker.CancelSession(sessionID)

	if err := c.registry.UpdateProcessing(ctx, sessionID, false); err != nil {
		c.log.Error("failed to reset is_processing on fatal error", zap.Error(err))
	}
	if err := c.registry.UpdateLastError(ctx, sessionID, lastErr); err != nil {
		c.log.Error("failed to record last_error", zap.Error(err))
	}
	if err := c.registry.UpdateState(ctx, sessionID, v1.StateError); err != nil {
		c.log.Error("failed to transition to error state", zap.Error(err))
	}

	c.mu.Lock()
	adapter, ok := c.adapters[sessionID]
	delete(c.adapters, sessionID)
	c.mu.Unlock()
	if ok {
		// handleFatal runs on the adapter's own inbound or outbound
		// goroutine, and Close waits for both to exit, so it must not be
		// called synchronously here.
		go adapter.Close()
	}

	c.fanout.BroadcastSessionState(sessionID, v1.StateError, false, lastErr)
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func mustAppErr(err error) *apperr.AppError {
	if ae, ok := apperr.As(err); ok {
		return ae
	}
	return apperr.Internal("agent startup failed", err)
}
