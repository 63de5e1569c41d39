// Package engine drives the fresh-context iteration loop: each pass
// spawns a new agent subprocess against the persisted task document,
// applies the resulting document mutation under the active persona's
// rules, and decides whether to continue, pause, or stop. No
// conversational state survives between iterations; all continuity is
// what gets written back into the document.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"looplab/internal/event"
	"looplab/internal/proc"
	"looplab/internal/stream"
	"looplab/internal/taskdoc"
)

// DefaultMaxIterations caps the loop when the config leaves it unset.
const DefaultMaxIterations = 25

// DefaultTimeout is the default per-invocation agent timeout.
const DefaultTimeout = 10 * time.Minute

// DefaultGrace is the default SIGTERM-to-SIGKILL window.
const DefaultGrace = 10 * time.Second

// DefaultAttemptsDepth is the default failure-memory retention depth.
const DefaultAttemptsDepth = 5

// ErrTimeout reports that a per-invocation deadline expired. The
// subprocess has already been terminated when this is returned.
var ErrTimeout = errors.New("agent invocation timed out")

// Invocation is the payload for one agent subprocess run.
type Invocation struct {
	System  string
	Prompt  string
	WorkDir string
}

// Config configures one iteration loop over one task document.
type Config struct {
	DocPath string
	WorkDir string

	// Agent is the agent CLI executable path. AgentArgs come first on
	// the command line, before the stream format, system prompt, and
	// prompt arguments. The engine never resolves either; that is the
	// caller's configuration.
	Agent     string
	AgentArgs []string

	MaxIterations int
	Timeout       time.Duration // per invocation
	Grace         time.Duration // SIGTERM to SIGKILL window
	AttemptsDepth int

	// Persona overrides the document's next_persona when non-empty.
	Persona taskdoc.Persona

	// Focus names a task to prioritize, typically the resume_task hint
	// after a cleared checkpoint. Loop position is always re-derived
	// from document state; the hint only steers attention.
	Focus string

	Identity event.Identity
	Events   chan<- event.Tagged
	Output   io.Writer // defaults to os.Stdout

	// Test hooks; nil means use real implementations.
	Invoke  func(ctx context.Context, inv Invocation) (*stream.Event, error)
	Factory proc.CommandFactory
	Now     func() time.Time
}

// IterationRecord captures one loop pass for the run summary.
type IterationRecord struct {
	Iteration int              `json:"iteration"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
	Usage     event.Usage      `json:"usage"`
	Outcome   IterationOutcome `json:"outcome"`
	Reason    FailReason       `json:"reason,omitempty"`
	Completed []string         `json:"completed,omitempty"`
	Notes     string           `json:"notes,omitempty"`
}

// Summary holds aggregate results across all iterations of one run.
type Summary struct {
	Outcome    RunOutcome        `json:"outcome"`
	Iterations int               `json:"iterations"`
	Usage      event.Usage       `json:"usage"`
	Duration   time.Duration     `json:"duration"`
	Records    []IterationRecord `json:"records,omitempty"`
}

// Run executes the iteration loop until the document reports
// completion, a checkpoint pauses it, the context is cancelled, the
// agent executable proves unrunnable, or the iteration cap is reached.
// The returned error covers only infrastructure failures (unreadable
// document, unwritable workspace); loop-level outcomes are reported
// through Summary.Outcome and its ExitCode.
func Run(ctx context.Context, cfg Config) (*Summary, error) {
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	depth := cfg.AttemptsDepth
	if depth <= 0 {
		depth = DefaultAttemptsDepth
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	em := &event.Emitter{Identity: cfg.Identity, Ch: cfg.Events}
	warn := func(format string, args ...any) {
		writef(out, "  warn: "+format+"\n", args...)
	}
	invoke := cfg.Invoke
	if invoke == nil {
		invoke = func(ctx context.Context, inv Invocation) (*stream.Event, error) {
			return invokeAgent(ctx, cfg, inv, timeout, grace, func(ev stream.Event) {
				forwardStreamEvent(em, ev)
			}, warn)
		}
	}

	summary := &Summary{}
	runStart := now()
	defer func() {
		summary.Duration = now().Sub(runStart)
	}()

	focus := cfg.Focus
	for pass := 0; pass < maxIter; pass++ {
		if ctx.Err() != nil {
			summary.Outcome = RunCancelled
			return summary, nil
		}

		doc, err := taskdoc.ParseFile(cfg.DocPath)
		if err != nil {
			return nil, err
		}

		// Pre-flight: the document may already be terminal.
		if cp := doc.Meta.Checkpoint; cp != nil {
			if doc.HasCompletionMarker() {
				warn("document declares both a checkpoint and the completion marker; pausing")
			}
			writef(out, "paused: %s (%s)\n", cp.Awaiting, cp.Kind)
			summary.Outcome = RunPaused
			return summary, nil
		}
		if doc.HasCompletionMarker() && doc.AllTasksCompleted() && doc.MustHaves.Satisfied() {
			summary.Outcome = RunCompleted
			return summary, nil
		}

		persona := cfg.Persona
		if persona == "" {
			persona, err = taskdoc.ParsePersona(string(doc.Meta.NextPersona))
			if err != nil {
				return nil, fmt.Errorf("document persona: %w", err)
			}
		}
		strat := strategies[persona]

		iterNum := doc.Meta.Iteration + 1
		system, prompt := buildPrompt(doc, cfg.WorkDir, strat, focus)
		focus = "" // the hint applies to the first pass only

		started := now()
		rec := IterationRecord{Iteration: iterNum, StartedAt: started}
		em.Emit(event.Event{Kind: event.KindIterationStarted, Iteration: iterNum})

		final, err := invoke(ctx, Invocation{System: system, Prompt: prompt, WorkDir: cfg.WorkDir})
		rec.Duration = now().Sub(started)

		if err != nil {
			if ctx.Err() != nil {
				// The document still reflects the last fully persisted
				// iteration; nothing partial is written on this path.
				summary.Outcome = RunCancelled
				writef(out, "[%d/%d] %s → cancelled (%s)\n", pass+1, maxIter, persona, formatDuration(rec.Duration))
				return summary, nil
			}
			rec.Outcome = IterFailed
			unrecoverable := false
			switch {
			case errors.Is(err, ErrTimeout):
				rec.Reason = FailTimeout
			case errors.Is(err, stream.ErrMissingResult):
				rec.Reason = FailMissingResult
			default:
				rec.Reason = FailSpawn
				// A missing or unrunnable executable will not fix
				// itself by retrying.
				unrecoverable = errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
			}
			rec.Notes = sanitize(err.Error())

			doc.PushAttempt(taskdoc.Attempt{
				Iteration: iterNum,
				Tried:     fmt.Sprintf("%s iteration", persona),
				Result:    rec.Notes,
			}, depth)
			finishIteration(doc, doc, iterNum, started, rec.Duration, 0, rec.Reason.String(), event.Usage{}, now)
			if err := doc.Save(cfg.DocPath); err != nil {
				return nil, err
			}

			summary.Iterations++
			summary.Records = append(summary.Records, rec)
			em.Emit(event.Event{Kind: event.KindIterationCompleted, Iteration: iterNum, Outcome: rec.Reason.String()})
			writef(out, "[%d/%d] %s → %s (%s)\n", pass+1, maxIter, persona, rec.Reason, formatDuration(rec.Duration))

			if unrecoverable {
				summary.Outcome = RunSpawnFailed
				return summary, nil
			}
			continue
		}

		rec.Usage = final.Usage
		summary.Usage.Add(final.Usage)

		updated, perr := taskdoc.Parse([]byte(final.Text))
		if perr != nil {
			// The previous document stays in force; only failure
			// memory and the ledger are touched.
			rec.Outcome = IterFailed
			rec.Reason = FailDocumentParse
			rec.Notes = sanitize(perr.Error())
			doc.PushAttempt(taskdoc.Attempt{
				Iteration: iterNum,
				Tried:     fmt.Sprintf("%s iteration", persona),
				Result:    "output was not a valid task document: " + rec.Notes,
			}, depth)
			finishIteration(doc, doc, iterNum, started, rec.Duration, 0, rec.Reason.String(), final.Usage, now)
			if err := doc.Save(cfg.DocPath); err != nil {
				return nil, err
			}
			summary.Iterations++
			summary.Records = append(summary.Records, rec)
			em.Emit(event.Event{Kind: event.KindIterationCompleted, Iteration: iterNum, Usage: final.Usage, Outcome: rec.Reason.String()})
			writef(out, "[%d/%d] %s → %s (%s)\n", pass+1, maxIter, persona, rec.Reason, formatDuration(rec.Duration))
			continue
		}

		// Completion is monotonic; re-assert anything the agent
		// unchecked.
		for _, desc := range taskdoc.Reverted(doc, updated) {
			warn("task %q was unchecked; restoring", desc)
			updated.FindTask(desc).Completed = true
		}

		newly := taskdoc.NewlyCompleted(doc, updated)
		if len(newly) > strat.maxCompletions {
			for _, desc := range newly[strat.maxCompletions:] {
				updated.FindTask(desc).Completed = false
			}
			warn("%d tasks completed in one %s iteration (limit %d); truncating", len(newly), persona, strat.maxCompletions)
			updated.PushAttempt(taskdoc.Attempt{
				Iteration: iterNum,
				Tried:     fmt.Sprintf("marked %d tasks complete in one iteration", len(newly)),
				Result:    fmt.Sprintf("policy violation; truncated to the first %d", strat.maxCompletions),
			}, depth)
			rec.Reason = FailPolicy
			newly = newly[:strat.maxCompletions]
		}
		rec.Completed = newly

		rec.Outcome = IterContinued
		switch {
		case updated.Meta.Checkpoint != nil:
			// Checkpoint and marker are mutually exclusive; when the
			// agent emits both, the pause wins and the marker goes.
			if updated.HasCompletionMarker() {
				warn("checkpoint and completion marker both set; keeping the checkpoint")
				updated.StripCompletionMarker()
			}
			rec.Outcome = IterPaused
		case updated.HasCompletionMarker():
			switch {
			case !strat.acceptCompletion:
				warn("%s iterations may not declare completion; marker removed", persona)
				updated.StripCompletionMarker()
			case updated.AllTasksCompleted() && updated.MustHaves.Satisfied():
				rec.Outcome = IterCompleted
			default:
				updated.StripCompletionMarker()
				for _, miss := range updated.MustHaves.Unsatisfied() {
					updated.InjectCorrectiveTask("satisfy " + miss)
				}
				warn("completion claimed with unmet must-haves; corrective tasks injected")
			}
		}

		notes := rec.Outcome.String()
		if rec.Reason == FailPolicy {
			notes += "; policy violation truncated"
		}
		finishIteration(doc, updated, iterNum, started, rec.Duration, len(newly), notes, final.Usage, now)
		if err := updated.Save(cfg.DocPath); err != nil {
			return nil, err
		}

		summary.Iterations++
		summary.Records = append(summary.Records, rec)
		em.Emit(event.Event{Kind: event.KindIterationCompleted, Iteration: iterNum, Usage: final.Usage, Outcome: rec.Outcome.String()})
		writef(out, "[%d/%d] %s → %s (%s)\n", pass+1, maxIter, persona, rec.Outcome, formatDuration(rec.Duration))

		switch rec.Outcome {
		case IterCompleted:
			summary.Outcome = RunCompleted
			return summary, nil
		case IterPaused:
			summary.Outcome = RunPaused
			return summary, nil
		}
	}

	summary.Outcome = RunExhausted
	return summary, nil
}

// finishIteration applies the bookkeeping every pass shares: metadata
// counters, cumulative tokens carried from the previous document, and
// one iteration-log row.
func finishIteration(prev, next *taskdoc.Document, iterNum int, started time.Time, dur time.Duration, completed int, notes string, usage event.Usage, now func() time.Time) {
	tok := prev.Meta.Tokens
	tok.Input += usage.InputTokens
	tok.Output += usage.OutputTokens
	tok.CacheCreation += usage.CacheCreationInputTokens
	tok.CacheRead += usage.CacheReadInputTokens
	next.Meta.Tokens = tok
	next.Meta.Iteration = iterNum
	next.Meta.Updated = now().UTC()
	next.AppendLog(taskdoc.LogEntry{
		Iteration:      iterNum,
		StartedAt:      started,
		Duration:       dur,
		TasksCompleted: completed,
		Notes:          notes,
	})
}

// invokeAgent runs one real agent subprocess and returns its terminal
// result event.
//
// The spawn deliberately does not use the deadline context: the exec
// package would hard-kill the child pid the instant the deadline fired,
// and both timeout and cancellation must instead go through the
// group-wide terminate-then-kill path. The watchdog owns all signal
// delivery and Terminate always reaps.
func invokeAgent(ctx context.Context, cfg Config, inv Invocation, timeout, grace time.Duration, sink func(stream.Event), warnf func(string, ...any)) (*stream.Event, error) {
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{}, cfg.AgentArgs...)
	args = append(args, "--output-format", "stream-json", "--system-prompt", inv.System, inv.Prompt)
	spec := proc.Spec{Path: cfg.Agent, Args: args, Dir: inv.WorkDir}

	var opts []proc.Option
	if cfg.Factory != nil {
		opts = append(opts, proc.WithCommandFactory(cfg.Factory))
	}
	h, err := proc.Spawn(context.Background(), spec, opts...)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ictx.Done():
			h.Terminate(grace)
		case <-done:
		}
	}()

	coll := &stream.Collector{Sink: sink, Warn: warnf}
	final, cerr := coll.Collect(h.Lines())
	close(done)
	_ = h.Wait()

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case ictx.Err() == context.DeadlineExceeded:
		return nil, fmt.Errorf("after %s: %w", timeout, ErrTimeout)
	}
	return final, cerr
}

// forwardStreamEvent translates one decoded wire record into tagged
// consumer events.
func forwardStreamEvent(em *event.Emitter, ev stream.Event) {
	switch ev.Kind {
	case stream.KindAssistant:
		for _, b := range ev.Content {
			switch b.Type {
			case stream.BlockText:
				em.Emit(event.Event{Kind: event.KindTextDelta, Text: b.Text})
			case stream.BlockThinking:
				em.Emit(event.Event{Kind: event.KindThinkingDelta, Text: b.Thinking})
			case stream.BlockToolUse:
				em.Emit(event.Event{Kind: event.KindToolUse, ToolID: b.ID, ToolName: b.Name, ToolInput: b.Input})
			}
		}
	case stream.KindToolResult:
		em.Emit(event.Event{Kind: event.KindToolResult, ToolID: ev.ToolUseID, ToolOutput: ev.Output, ToolErr: ev.IsError})
	case stream.KindUsage, stream.KindResult:
		em.Emit(event.Event{Kind: event.KindTokenUsage, Usage: ev.Usage})
	}
}

// sanitize flattens an error message so it fits on one attempt or
// ledger line.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "/")
}

// writef writes formatted output, ignoring errors.
// Use for non-critical output where write failures are acceptable.
func writef(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}

// formatDuration formats a duration in a human-readable way (e.g., "2m34s", "1h12m").
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
