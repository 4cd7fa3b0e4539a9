package streamadapter

import "encoding/json"

// The agent CLI's stream-json wire protocol layers two kinds of frames
// over the same newline-delimited JSON stream: plain chat messages (the
// ones the parser package turns into envelopes) and control frames used
// for permission callbacks and interrupts.

const (
	frameControlRequest  = "control_request"
	frameControlResponse = "control_response"
)

type controlRequestFrame struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id"`
	Request   controlRequestBody  `json:"request"`
}

type controlRequestBody struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
}

const subtypeCanUseTool = "can_use_tool"

type controlResponseFrame struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id"`
	Response  controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype string                 `json:"subtype"`
	Result  *permissionResultWire  `json:"result,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

type permissionResultWire struct {
	Behavior string         `json:"behavior"` // allow | deny
	Updated  map[string]any `json:"updated_input,omitempty"`
	Guidance string         `json:"guidance,omitempty"`
}

type interruptFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype string `json:"subtype"`
	} `json:"request"`
}

func newInterruptFrame(requestID string) interruptFrame {
	f := interruptFrame{Type: frameControlRequest, RequestID: requestID}
	f.Request.Subtype = "interrupt"
	return f
}

// userMessageFrame is the outbound user-turn frame, mirroring the stream-json
// input format the agent CLI expects on stdin.
type userMessageFrame struct {
	Type    string              `json:"type"`
	Message userMessageFrameMsg `json:"message"`
}

type userMessageFrameMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func newUserMessageFrame(text string) userMessageFrame {
	return userMessageFrame{
		Type: "user",
		Message: userMessageFrameMsg{
			Role:    "user",
			Content: text,
		},
	}
}

func isControlRequest(raw []byte) (requestID, subtype, toolName, toolUseID string, input map[string]any, ok bool) {
	var peek struct {
		Type    string `json:"type"`
		ReqID   string `json:"request_id"`
		Request struct {
			Subtype   string         `json:"subtype"`
			ToolName  string         `json:"tool_name"`
			ToolUseID string         `json:"tool_use_id"`
			Input     map[string]any `json:"input"`
		} `json:"request"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return "", "", "", "", nil, false
	}
	if peek.Type != frameControlRequest {
		return "", "", "", "", nil, false
	}
	return peek.ReqID, peek.Request.Subtype, peek.Request.ToolName, peek.Request.ToolUseID, peek.Request.Input, true
}
