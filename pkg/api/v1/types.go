// Package v1 holds the wire and persisted data types shared by every
// component of the session lifecycle: the session row, the message
// envelope, content-block variants, and permission request/response
// shapes described in spec.md §3.
package v1

import "time"

// SessionState is the session's position in the state machine (spec.md
// §4.E).
type SessionState string

const (
	StateCreated    SessionState = "created"
	StateStarting   SessionState = "starting"
	StateActive     SessionState = "active"
	StateProcessing SessionState = "processing"
	StatePaused     SessionState = "paused"
	StateError      SessionState = "error"
	StateTerminated SessionState = "terminated"
)

// PermissionMode controls which tools require a user decision.
type PermissionMode string

const (
	ModeDefault          PermissionMode = "default"
	ModeAcceptEdits      PermissionMode = "acceptEdits"
	ModePlan             PermissionMode = "plan"
	ModeBypassPermission PermissionMode = "bypassPermissions"
)

// LastError records the disposition of the fatal error, if any, that put
// a session into StateError.
type LastError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Raw     string `json:"raw,omitempty"`
}

// EffectiveRules is the durable home for permission suggestions the user
// has applied, persisted on the session row rather than in an in-process
// map. SPEC_FULL supplemental feature #2. AllowedTools is added to the
// agent's allowed-tools list each time the session's adapter starts; an
// adapter that is already running is not updated, and AllowedDirs is
// recorded but not passed to the agent.
type EffectiveRules struct {
	AllowedTools      []string `json:"allowed_tools,omitempty"`
	AllowedDirs       []string `json:"allowed_dirs,omitempty"`
	ModeOverride      string   `json:"mode_override,omitempty"`
}

// Session is the durable row describing one conversational instance
// (spec.md §3).
type Session struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	Name           string         `json:"name"`
	State          SessionState   `json:"state"`
	IsProcessing   bool           `json:"is_processing"`
	PermissionMode PermissionMode `json:"permission_mode"`
	ToolsAllowlist []string       `json:"tools_allowlist,omitempty"`
	Model          string         `json:"model,omitempty"`
	WorkingDir     string         `json:"working_directory"`
	LastError      *LastError     `json:"last_error,omitempty"`
	EffectiveRules EffectiveRules `json:"effective_rules"`

	// AgentSessionID is the id the session was last known to present to
	// the agent CLI for native resumption (spec.md §4.C). Empty until the
	// first successful start.
	AgentSessionID string `json:"agent_session_id,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// EnvelopeType is the top-level discriminator on a persisted message
// record.
type EnvelopeType string

const (
	EnvelopeUser               EnvelopeType = "user"
	EnvelopeAssistant          EnvelopeType = "assistant"
	EnvelopeSystem             EnvelopeType = "system"
	EnvelopeResult             EnvelopeType = "result"
	EnvelopePermissionRequest  EnvelopeType = "permission_request"
	EnvelopePermissionResponse EnvelopeType = "permission_response"
	EnvelopeToolResult         EnvelopeType = "tool_result"
)

// Common system/result subtypes named in spec.md §3 and §7.
const (
	SubtypeInit               = "init"
	SubtypeStatus             = "status"
	SubtypeCompactBoundary    = "compact_boundary"
	SubtypeClientLaunched     = "client_launched"
	SubtypeResumed            = "resumed"
	SubtypeSessionInterrupted = "session_interrupted"
	SubtypeSessionFailed      = "session_failed"
	SubtypeUnknown            = "unknown"
)

// ContentBlockType discriminates the content-block union (spec.md §3).
type ContentBlockType string

const (
	BlockText     ContentBlockType = "text"
	BlockThinking ContentBlockType = "thinking"
	BlockToolUse  ContentBlockType = "tool_use"
	BlockToolResultBlk ContentBlockType = "tool_result"
)

// ContentBlock is the discriminated union of structural content a message
// envelope may carry. Only the fields relevant to Type are populated.
type ContentBlock struct {
	Type ContentBlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_use
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`

	// tool_result
	ToolResultForID string `json:"tool_result_for_id,omitempty"`
	ToolResultBody  string `json:"tool_result_body,omitempty"`
	ToolResultError bool   `json:"tool_result_error,omitempty"`
}

// Envelope is one append-only record in a session's message log
// (spec.md §3).
type Envelope struct {
	Offset    int64        `json:"offset"`
	Timestamp time.Time    `json:"timestamp"`
	Type      EnvelopeType `json:"type"`
	Subtype   string       `json:"subtype,omitempty"`
	Content   string       `json:"content,omitempty"`
	Metadata  Metadata     `json:"metadata,omitempty"`
}

// Metadata is the open map attached to an envelope. Blocks holds typed
// content blocks; Raw preserves any payload the parser could not
// recognise (spec.md §4.G).
type Metadata struct {
	Blocks             []ContentBlock `json:"blocks,omitempty"`
	PermissionRequest  *PermissionRequestMeta  `json:"permission_request,omitempty"`
	PermissionResponse *PermissionResponseMeta `json:"permission_response,omitempty"`
	Raw                map[string]any          `json:"raw,omitempty"`
}

// PermissionRequestMeta is embedded in a permission_request envelope so
// replays can reconstruct the request/response pair (spec.md §3).
type PermissionRequestMeta struct {
	RequestID  string              `json:"request_id"`
	ToolName   string              `json:"tool_name"`
	Input      map[string]any      `json:"input"`
	ToolUseID  string              `json:"tool_use_id,omitempty"`
	Suggestions []PermissionSuggestion `json:"suggestions,omitempty"`
}

// PermissionResponseMeta is embedded in a permission_response envelope.
type PermissionResponseMeta struct {
	RequestID         string   `json:"request_id"`
	Decision          string   `json:"decision"` // allow | deny
	AppliedSuggestions []string `json:"applied_suggestions,omitempty"`
	Guidance          string   `json:"guidance,omitempty"`
}

// PermissionSuggestion is a structured rule proposal attached to a
// permission request (spec.md §3, §4.D).
type PermissionSuggestion struct {
	Type      string `json:"type"` // set-mode | allow-tool | add-directory
	Tool      string `json:"tool,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Directory string `json:"directory,omitempty"`
}

// ToolCallStatus is the derived lifecycle state of one tool_use id.
type ToolCallStatus string

const (
	ToolCallPending             ToolCallStatus = "pending"
	ToolCallPermissionRequired  ToolCallStatus = "permission_required"
	ToolCallExecuting           ToolCallStatus = "executing"
	ToolCallCompleted           ToolCallStatus = "completed"
	ToolCallError               ToolCallStatus = "error"
	ToolCallOrphaned            ToolCallStatus = "orphaned"
)

// ToolCall is the derived, never-persisted view of one tool use within a
// session (spec.md §3, SPEC_FULL supplemental feature #1).
type ToolCall struct {
	ToolUseID           string         `json:"tool_use_id"`
	Name                string         `json:"name"`
	Input               map[string]any `json:"input"`
	Status              ToolCallStatus `json:"status"`
	Result              string         `json:"result,omitempty"`
	ResultIsError       bool           `json:"result_is_error,omitempty"`
	PermissionRequestID string         `json:"permission_request_id,omitempty"`
	PermissionDecision  string         `json:"permission_decision,omitempty"`
	Suggestions         []PermissionSuggestion `json:"suggestions,omitempty"`
	Timestamp           time.Time      `json:"timestamp"`
}
