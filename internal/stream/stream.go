// Package stream decodes the agent's line-delimited JSON output into
// typed events.
//
// The wire format is one JSON record per line on stdout. Recognized
// top-level kinds are "assistant" (content blocks: text, thinking,
// tool_use), "tool_result", "usage", and "result" (terminal record for
// the invocation, carries the final cumulative usage and the agent's
// final text).
package stream

import (
	"encoding/json"
	"fmt"

	"looplab/internal/event"
)

// Kind identifies a wire record kind.
type Kind string

const (
	KindAssistant  Kind = "assistant"
	KindToolResult Kind = "tool_result"
	KindUsage      Kind = "usage"
	KindResult     Kind = "result"
)

// Block content types within an assistant record.
const (
	BlockText     = "text"
	BlockThinking = "thinking"
	BlockToolUse  = "tool_use"
)

// ContentBlock mirrors one content entry in an assistant record.
type ContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// Event is one decoded wire record.
type Event struct {
	Kind Kind

	// Content blocks for assistant records.
	Content []ContentBlock

	// Tool result fields.
	ToolUseID string
	Output    string
	IsError   bool

	// Usage snapshot for usage records; authoritative final usage for
	// result records.
	Usage event.Usage

	// Text is the agent's final textual output, present on result
	// records only.
	Text string
}

// ParseError reports a malformed wire line. Callers log and skip it;
// a single bad line is never fatal because interleaved partial writes
// happen in practice.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	excerpt := e.Line
	if len(excerpt) > 80 {
		excerpt = excerpt[:80] + "…"
	}
	return fmt.Sprintf("malformed stream line %q: %v", excerpt, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// rawRecord is the superset shape of all wire record kinds.
type rawRecord struct {
	Type    string `json:"type"`
	Message *struct {
		Content []ContentBlock `json:"content"`
	} `json:"message"`
	Content []ContentBlock `json:"content"`

	// tool_result fields
	ToolUseID string          `json:"tool_use_id"`
	Output    json.RawMessage `json:"output"`
	IsError   bool            `json:"is_error"`

	// usage fields appear top-level on usage records and nested on
	// result records
	event.Usage
	NestedUsage *event.Usage `json:"usage"`

	// result fields
	Result string `json:"result"`
}

// Decode parses one wire line into a typed event.
func Decode(line string) (*Event, error) {
	var raw rawRecord
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, &ParseError{Line: line, Err: err}
	}

	switch Kind(raw.Type) {
	case KindAssistant:
		blocks := raw.Content
		if raw.Message != nil {
			blocks = raw.Message.Content
		}
		if len(blocks) == 0 {
			return nil, &ParseError{Line: line, Err: fmt.Errorf("assistant record without content blocks")}
		}
		return &Event{Kind: KindAssistant, Content: blocks}, nil

	case KindToolResult:
		return &Event{
			Kind:      KindToolResult,
			ToolUseID: raw.ToolUseID,
			Output:    decodeOutput(raw.Output),
			IsError:   raw.IsError,
		}, nil

	case KindUsage:
		u := raw.Usage
		if raw.NestedUsage != nil {
			u = *raw.NestedUsage
		}
		return &Event{Kind: KindUsage, Usage: u}, nil

	case KindResult:
		u := raw.Usage
		if raw.NestedUsage != nil {
			u = *raw.NestedUsage
		}
		return &Event{Kind: KindResult, Usage: u, Text: raw.Result}, nil

	default:
		return nil, &ParseError{Line: line, Err: fmt.Errorf("unknown record kind %q", raw.Type)}
	}
}

// decodeOutput renders a tool_result output field, which may be a JSON
// string or an arbitrary structure.
func decodeOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
