// Package parser converts the agent CLI's heterogeneous wire output into
// normalised v1.Envelope records (spec.md §4.G). The agent is expected to
// speak newline-delimited JSON; inside that envelope, content may arrive
// as typed blocks or as a textual encoding of the same variants that
// older/alternate agent builds still emit. Neither shape is ever allowed
// to abort parsing: anything unrecognised degrades to a system/unknown
// envelope carrying the raw payload.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	v1 "github.com/EdanStarfire/claudecode-webui-sub001/pkg/api/v1"
)

// wireMessage is the loosely-typed shape of one line of agent stdout.
// Every field is optional; which are present determines the variant.
type wireMessage struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Message *wireInner      `json:"message"`
	Result  string          `json:"result"`
	IsError bool            `json:"is_error"`
	Raw     json.RawMessage `json:"-"`
}

type wireInner struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// wireBlock is one structured content block as emitted by the agent.
type wireBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text"`
	Thinking  string         `json:"thinking"`
	Signature string         `json:"signature"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	ToolUseID string         `json:"tool_use_id"`
	Content   any            `json:"content"`
	IsError   bool           `json:"is_error"`
}

// thinkingTag recognises the textual fallback encoding of a thinking
// block: <thinking signature="...">...</thinking>, with \n and \" left
// backslash-escaped the way the agent's plain-text transport emits them.
var thinkingTag = regexp.MustCompile(`(?s)<thinking(?:\s+signature="([^"]*)")?>(.*?)</thinking>`)

// Parse converts one line of agent stdout into a normalised envelope. It
// never returns an error for malformed or unrecognised content — instead
// it produces a system/unknown envelope so the caller's stream is never
// interrupted by a parse anomaly (spec.md §4.G, §7 ParseAnomaly).
func Parse(line []byte) *v1.Envelope {
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil || msg.Type == "" {
		return unknownEnvelope(line, fmt.Sprintf("unparseable line: %v", err))
	}

	switch msg.Type {
	case "system":
		return parseSystem(msg, line)
	case "result":
		return parseResult(msg, line)
	case "assistant", "user":
		return parseChat(msg, line)
	default:
		return unknownEnvelope(line, "unrecognised top-level type: "+msg.Type)
	}
}

func parseSystem(msg wireMessage, raw []byte) *v1.Envelope {
	subtype := msg.Subtype
	if subtype == "" {
		subtype = v1.SubtypeStatus
	}
	return &v1.Envelope{
		Type:    v1.EnvelopeSystem,
		Subtype: subtype,
		Content: "",
		Metadata: v1.Metadata{
			Raw: rawMap(raw),
		},
	}
}

func parseResult(msg wireMessage, raw []byte) *v1.Envelope {
	env := &v1.Envelope{
		Type:    v1.EnvelopeResult,
		Subtype: msg.Subtype,
		Content: msg.Result,
		Metadata: v1.Metadata{
			Raw: rawMap(raw),
		},
	}
	if msg.IsError {
		if env.Metadata.Raw == nil {
			env.Metadata.Raw = map[string]any{}
		}
		env.Metadata.Raw["is_error"] = true
	}
	return env
}

func parseChat(msg wireMessage, raw []byte) *v1.Envelope {
	envType := v1.EnvelopeAssistant
	if msg.Type == "user" {
		envType = v1.EnvelopeUser
	}

	env := &v1.Envelope{Type: envType}

	if msg.Message == nil || len(msg.Message.Content) == 0 {
		env.Metadata.Raw = rawMap(raw)
		return env
	}

	// Content may be a plain string (textual fallback encoding) or an
	// array of structured blocks.
	var asString string
	if err := json.Unmarshal(msg.Message.Content, &asString); err == nil {
		blocks, text := decodeTextualContent(asString)
		env.Content = text
		env.Metadata.Blocks = blocks
		return env
	}

	var asBlocks []wireBlock
	if err := json.Unmarshal(msg.Message.Content, &asBlocks); err != nil {
		env.Metadata.Raw = rawMap(raw)
		return env
	}

	var textParts []string
	blocks := make([]v1.ContentBlock, 0, len(asBlocks))
	for _, b := range asBlocks {
		block, text, ok := decodeBlock(b)
		if !ok {
			continue
		}
		blocks = append(blocks, block)
		if text != "" {
			textParts = append(textParts, text)
		}
	}
	env.Metadata.Blocks = blocks
	env.Content = strings.Join(textParts, "\n")
	return env
}

// decodeBlock converts one structured wire block into a v1.ContentBlock,
// returning display text to fold into the envelope's Content field.
// Tool-use and tool-result blocks ALWAYS appear as typed blocks in
// metadata; a tool-use block also contributes a one-line summary to
// Content, a tool-result block contributes no text (spec.md §4.G).
func decodeBlock(b wireBlock) (v1.ContentBlock, string, bool) {
	switch b.Type {
	case "text":
		return v1.ContentBlock{Type: v1.BlockText, Text: b.Text}, b.Text, true
	case "thinking":
		return v1.ContentBlock{Type: v1.BlockThinking, Thinking: b.Thinking, Signature: b.Signature}, "", true
	case "tool_use":
		block := v1.ContentBlock{
			Type:      v1.BlockToolUse,
			ToolUseID: b.ID,
			ToolName:  b.Name,
			ToolInput: b.Input,
		}
		return block, fmt.Sprintf("[tool_use %s: %s]", b.Name, b.ID), true
	case "tool_result":
		body, isErr := stringifyToolResult(b.Content, b.IsError)
		block := v1.ContentBlock{
			Type:            v1.BlockToolResultBlk,
			ToolResultForID: b.ToolUseID,
			ToolResultBody:  body,
			ToolResultError: isErr,
		}
		return block, "", true
	default:
		return v1.ContentBlock{}, "", false
	}
}

func stringifyToolResult(content any, isError bool) (string, bool) {
	switch c := content.(type) {
	case string:
		return c, isError
	case nil:
		return "", isError
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprintf("%v", c), isError
		}
		return string(b), isError
	}
}

// decodeTextualContent recognises the plain-text fallback encoding of
// content blocks: thinking sections delimited by <thinking>...</thinking>
// tags with the agent's usual backslash escaping for newlines and quotes,
// everything else treated as plain text.
func decodeTextualContent(raw string) ([]v1.ContentBlock, string) {
	matches := thinkingTag.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return nil, raw
	}

	var blocks []v1.ContentBlock
	var textParts []string
	last := 0
	for _, m := range matches {
		if m[0] > last {
			if seg := strings.TrimSpace(raw[last:m[0]]); seg != "" {
				textParts = append(textParts, seg)
			}
		}
		signature := ""
		if m[2] >= 0 {
			signature = raw[m[2]:m[3]]
		}
		thinking := unescapeTextual(raw[m[4]:m[5]])
		blocks = append(blocks, v1.ContentBlock{
			Type:      v1.BlockThinking,
			Thinking:  thinking,
			Signature: signature,
		})
		last = m[1]
	}
	if last < len(raw) {
		if seg := strings.TrimSpace(raw[last:]); seg != "" {
			textParts = append(textParts, seg)
		}
	}
	text := strings.Join(textParts, "\n")
	if text != "" {
		blocks = append(blocks, v1.ContentBlock{Type: v1.BlockText, Text: text})
	}
	return blocks, text
}

// unescapeTextual reverses the backslash escaping the textual fallback
// format applies to newlines and quotes inside a thinking section. Walks
// the string once so an escaped backslash (`\\n`) isn't re-interpreted as
// an escaped newline by a later pass.
func unescapeTextual(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case '"':
				b.WriteByte('"')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func unknownEnvelope(raw []byte, reason string) *v1.Envelope {
	m := rawMap(raw)
	if m == nil {
		m = map[string]any{}
	}
	m["parse_warning"] = reason
	return &v1.Envelope{
		Type:    v1.EnvelopeSystem,
		Subtype: v1.SubtypeUnknown,
		Metadata: v1.Metadata{
			Raw: m,
		},
	}
}

func rawMap(raw []byte) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
