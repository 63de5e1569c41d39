package stream

import (
	"errors"
	"fmt"
	"strings"

	"looplab/internal/proc"
)

// ErrMissingResult reports that the agent's output stream ended without
// a terminal result record. Downstream logic depends on final usage and
// the completion signal, so the iteration is treated as failed.
var ErrMissingResult = errors.New("stream ended without terminal result record")

// Collector drains a supervisor's output channel, decoding stdout lines
// into typed events. stderr lines and malformed stdout lines are
// reported through Warn and skipped.
type Collector struct {
	// Sink receives each decoded event in arrival order. May be nil.
	Sink func(Event)

	// Warn receives diagnostics for skipped lines. May be nil.
	Warn func(format string, args ...any)
}

func (c *Collector) warnf(format string, args ...any) {
	if c.Warn != nil {
		c.Warn(format, args...)
	}
}

// Collect consumes lines until the channel closes. It returns the
// terminal result event, or ErrMissingResult if EOF arrived first.
func (c *Collector) Collect(lines <-chan proc.OutputLine) (*Event, error) {
	var final *Event
	for line := range lines {
		if line.Stream == proc.Stderr {
			if strings.TrimSpace(line.Text) != "" {
				c.warnf("agent stderr: %s", line.Text)
			}
			continue
		}
		if strings.TrimSpace(line.Text) == "" {
			continue
		}
		ev, err := Decode(line.Text)
		if err != nil {
			c.warnf("skipping line: %v", err)
			continue
		}
		if c.Sink != nil {
			c.Sink(*ev)
		}
		if ev.Kind == KindResult {
			final = ev
		}
	}
	if final == nil {
		return nil, fmt.Errorf("collecting agent output: %w", ErrMissingResult)
	}
	return final, nil
}
