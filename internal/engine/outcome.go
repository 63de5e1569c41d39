package engine

import (
	"encoding/json"
	"fmt"
)

// IterationOutcome is the result of one loop pass.
type IterationOutcome int

const (
	IterContinued IterationOutcome = iota
	IterCompleted
	IterPaused
	IterFailed
)

// String returns a human-readable label for the iteration outcome.
func (o IterationOutcome) String() string {
	switch o {
	case IterContinued:
		return "continued"
	case IterCompleted:
		return "completed"
	case IterPaused:
		return "paused"
	case IterFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (o IterationOutcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// FailReason classifies a failed iteration for failure memory. All
// of these are recoverable: the loop records them and retries on the
// next pass, up to the iteration cap.
type FailReason int

const (
	FailNone FailReason = iota
	FailSpawn
	FailTimeout
	FailMissingResult
	FailDocumentParse
	FailPolicy
)

// String returns a human-readable label for the failure reason.
func (r FailReason) String() string {
	switch r {
	case FailNone:
		return ""
	case FailSpawn:
		return "spawn-failure"
	case FailTimeout:
		return "timeout"
	case FailMissingResult:
		return "missing-result"
	case FailDocumentParse:
		return "document-parse-error"
	case FailPolicy:
		return "policy-violation"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler.
func (r FailReason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// RunOutcome indicates why the loop terminated.
type RunOutcome int

const (
	RunCompleted  RunOutcome = iota // Completion marker accepted.
	RunPaused                       // Checkpoint awaiting external input.
	RunCancelled                    // Context cancelled (e.g. SIGINT).
	RunExhausted                    // Hit the iteration cap without completing.
	RunSpawnFailed                  // Agent executable missing or unrunnable.
)

// String returns a human-readable label for the run outcome.
func (o RunOutcome) String() string {
	switch o {
	case RunCompleted:
		return "completed"
	case RunPaused:
		return "paused"
	case RunCancelled:
		return "cancelled"
	case RunExhausted:
		return "iterations-exhausted"
	case RunSpawnFailed:
		return "spawn-failed"
	default:
		return "unknown"
	}
}

// ExitCode returns a distinct process exit code for each run outcome.
// A paused run exits zero: the document is valid and resumable, which
// is a success from the operator's point of view.
func (o RunOutcome) ExitCode() int {
	switch o {
	case RunCompleted, RunPaused:
		return 0
	case RunExhausted:
		return 2
	case RunSpawnFailed:
		return 3
	case RunCancelled:
		return 5
	default:
		return 1
	}
}

// ParseRunOutcome converts a string label back to a RunOutcome.
func ParseRunOutcome(s string) (RunOutcome, error) {
	for _, o := range []RunOutcome{RunCompleted, RunPaused, RunCancelled, RunExhausted, RunSpawnFailed} {
		if o.String() == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown run outcome: %s", s)
}

// MarshalJSON implements json.Marshaler.
func (o RunOutcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *RunOutcome) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRunOutcome(s)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}
