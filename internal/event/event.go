// Package event defines the tagged event stream shared by the iteration
// engine, the trial orchestrator, and their consumers (dashboard, trace
// observer, tests). Consumers subscribe via a channel; they never call
// back into the core.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type of an event.
type Kind int

const (
	KindTextDelta Kind = iota
	KindThinkingDelta
	KindToolUse
	KindToolResult
	KindTokenUsage
	KindIterationStarted
	KindIterationCompleted
	KindTrialCompleted
	KindTrialFailed
)

// String returns a human-readable label for the kind.
func (k Kind) String() string {
	switch k {
	case KindTextDelta:
		return "text"
	case KindThinkingDelta:
		return "thinking"
	case KindToolUse:
		return "tool-use"
	case KindToolResult:
		return "tool-result"
	case KindTokenUsage:
		return "usage"
	case KindIterationStarted:
		return "iteration-started"
	case KindIterationCompleted:
		return "iteration-completed"
	case KindTrialCompleted:
		return "trial-completed"
	case KindTrialFailed:
		return "trial-failed"
	default:
		return "unknown"
	}
}

// Usage holds token accounting as reported by the agent's wire protocol.
// Counts from intermediate records are cumulative-to-date snapshots; only
// the terminal result record's usage is authoritative per invocation.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// Total returns the sum of all token counts.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// Add accumulates another usage into u. Used to total authoritative
// per-invocation usage across iterations, never to sum snapshots.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// Event is one observable occurrence within a run. Fields are populated
// according to Kind; unused fields are zero.
type Event struct {
	Kind      Kind
	Timestamp time.Time

	// Text carries the fragment for TextDelta and ThinkingDelta.
	Text string

	// Tool fields for ToolUse / ToolResult. ToolID pairs a result with
	// the invocation that produced it.
	ToolID     string
	ToolName   string
	ToolInput  json.RawMessage
	ToolOutput string
	ToolErr    bool

	// Usage for TokenUsage, IterationCompleted, TrialCompleted.
	Usage Usage

	// Iteration number for IterationStarted / IterationCompleted.
	Iteration int

	// Outcome label for IterationCompleted, TrialCompleted, TrialFailed.
	Outcome string

	// Err describes the failure for TrialFailed.
	Err string
}

// Identity tags every event and result produced within one trial.
// The zero value identifies a standalone (non-benchmark) run.
type Identity struct {
	Mode  string `json:"mode"`
	Trial int    `json:"trial"`
}

// String formats the identity as "mode/trial".
func (id Identity) String() string {
	if id.Mode == "" {
		return fmt.Sprintf("run/%d", id.Trial)
	}
	return fmt.Sprintf("%s/%d", id.Mode, id.Trial)
}

// Tagged pairs an event with the identity of the trial that produced it,
// so one consumer can demultiplex interleaved concurrent output.
type Tagged struct {
	Identity Identity
	Event    Event
}

// Emitter sends tagged events to a subscriber channel. Emit never
// blocks; events are dropped if the subscriber falls behind, so the
// loop's progress never depends on a consumer keeping up.
type Emitter struct {
	Identity Identity
	Ch       chan<- Tagged
}

// Emit sends the event, stamping the timestamp if unset.
func (e *Emitter) Emit(ev Event) {
	if e == nil || e.Ch == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case e.Ch <- Tagged{Identity: e.Identity, Event: ev}:
	default:
		// Subscriber full; drop rather than stall the loop.
	}
}
