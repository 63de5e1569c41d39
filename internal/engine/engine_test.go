package engine

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"looplab/internal/event"
	"looplab/internal/stream"
	"looplab/internal/taskdoc"
)

func seedDoc() *taskdoc.Document {
	return &taskdoc.Document{
		Meta:   taskdoc.Meta{Phase: "build"},
		Status: []string{"working"},
		Phases: []taskdoc.Phase{{Name: "Core", Tasks: []taskdoc.Task{
			{Description: "task one"},
			{Description: "task two"},
			{Description: "task three"},
		}}},
		MustHaves: taskdoc.MustHaves{
			Truths: []taskdoc.CheckItem{{Description: "it works", Satisfied: true}},
		},
	}
}

func writeSeed(t *testing.T, doc *taskdoc.Document) (dir, path string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "PLAN.md")
	require.NoError(t, doc.Save(path))
	return dir, path
}

// mutateHook replaces the agent: it reads the document from disk,
// applies fn, and returns it as the terminal result.
func mutateHook(path string, fn func(*taskdoc.Document)) func(context.Context, Invocation) (*stream.Event, error) {
	return func(ctx context.Context, inv Invocation) (*stream.Event, error) {
		doc, err := taskdoc.ParseFile(path)
		if err != nil {
			return nil, err
		}
		fn(doc)
		return &stream.Event{
			Kind:  stream.KindResult,
			Text:  string(doc.Marshal()),
			Usage: event.Usage{InputTokens: 100, OutputTokens: 50},
		}, nil
	}
}

func TestSingleIterationCompletesOneTask(t *testing.T) {
	dir, path := writeSeed(t, seedDoc())
	events := make(chan event.Tagged, 64)

	summary, err := Run(context.Background(), Config{
		DocPath:       path,
		WorkDir:       dir,
		MaxIterations: 1,
		Events:        events,
		Output:        io.Discard,
		Invoke: mutateHook(path, func(d *taskdoc.Document) {
			d.FindTask("task two").Completed = true
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, RunExhausted, summary.Outcome)
	assert.Equal(t, 1, summary.Iterations)
	assert.Equal(t, 150, summary.Usage.Total())

	doc, err := taskdoc.ParseFile(path)
	require.NoError(t, err)
	assert.False(t, doc.FindTask("task one").Completed)
	assert.True(t, doc.FindTask("task two").Completed)
	assert.False(t, doc.FindTask("task three").Completed)
	assert.Len(t, doc.Log, 1)
	assert.Equal(t, 1, doc.Log[0].TasksCompleted)
	assert.Empty(t, doc.Attempts)
	assert.Equal(t, 1, doc.Meta.Iteration)
	assert.Equal(t, 100, doc.Meta.Tokens.Input)

	var kinds []event.Kind
	close(events)
	for tev := range events {
		kinds = append(kinds, tev.Event.Kind)
	}
	assert.Contains(t, kinds, event.KindIterationStarted)
	assert.Contains(t, kinds, event.KindIterationCompleted)
}

func TestExtraCompletionsAreTruncated(t *testing.T) {
	dir, path := writeSeed(t, seedDoc())

	summary, err := Run(context.Background(), Config{
		DocPath:       path,
		WorkDir:       dir,
		MaxIterations: 1,
		Output:        io.Discard,
		Invoke: mutateHook(path, func(d *taskdoc.Document) {
			d.FindTask("task one").Completed = true
			d.FindTask("task two").Completed = true
		}),
	})
	require.NoError(t, err)
	require.Len(t, summary.Records, 1)
	assert.Equal(t, FailPolicy, summary.Records[0].Reason)
	assert.Equal(t, []string{"task one"}, summary.Records[0].Completed)

	doc, err := taskdoc.ParseFile(path)
	require.NoError(t, err)
	assert.True(t, doc.FindTask("task one").Completed)
	assert.False(t, doc.FindTask("task two").Completed)
	require.Len(t, doc.Attempts, 1)
	assert.Contains(t, doc.Attempts[0].Result, "policy violation")
}

func TestRevertedTasksAreRestored(t *testing.T) {
	seed := seedDoc()
	seed.Phases[0].Tasks[0].Completed = true
	dir, path := writeSeed(t, seed)

	_, err := Run(context.Background(), Config{
		DocPath:       path,
		WorkDir:       dir,
		MaxIterations: 1,
		Output:        io.Discard,
		Invoke: mutateHook(path, func(d *taskdoc.Document) {
			d.FindTask("task one").Completed = false
		}),
	})
	require.NoError(t, err)

	doc, err := taskdoc.ParseFile(path)
	require.NoError(t, err)
	assert.True(t, doc.FindTask("task one").Completed)
}

func TestCompletionRejectedWhenMustHavesUnsatisfied(t *testing.T) {
	seed := seedDoc()
	seed.MustHaves.Truths[0].Satisfied = false
	dir, path := writeSeed(t, seed)

	summary, err := Run(context.Background(), Config{
		DocPath:       path,
		WorkDir:       dir,
		MaxIterations: 1,
		Output:        io.Discard,
		Invoke: mutateHook(path, func(d *taskdoc.Document) {
			d.FindTask("task one").Completed = true
			for i := range d.Phases[0].Tasks {
				d.Phases[0].Tasks[i].Completed = true
			}
			d.Status = []string{taskdoc.CompletionMarker}
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, RunExhausted, summary.Outcome)

	doc, err := taskdoc.ParseFile(path)
	require.NoError(t, err)
	assert.False(t, doc.HasCompletionMarker())
	injected := doc.FindTask("satisfy truth: it works")
	require.NotNil(t, injected)
	assert.False(t, injected.Completed)
}

func TestAlreadyCompletedDocumentExitsWithoutInvoking(t *testing.T) {
	seed := seedDoc()
	for i := range seed.Phases[0].Tasks {
		seed.Phases[0].Tasks[i].Completed = true
	}
	seed.Status = []string{taskdoc.CompletionMarker}
	dir, path := writeSeed(t, seed)

	calls := 0
	summary, err := Run(context.Background(), Config{
		DocPath: path,
		WorkDir: dir,
		Output:  io.Discard,
		Invoke: func(ctx context.Context, inv Invocation) (*stream.Event, error) {
			calls++
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, summary.Outcome)
	assert.Equal(t, 0, summary.Iterations)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, summary.Outcome.ExitCode())
}

func TestCheckpointPausesTheLoop(t *testing.T) {
	dir, path := writeSeed(t, seedDoc())

	summary, err := Run(context.Background(), Config{
		DocPath:       path,
		WorkDir:       dir,
		MaxIterations: 5,
		Output:        io.Discard,
		Invoke: mutateHook(path, func(d *taskdoc.Document) {
			d.Meta.Checkpoint = &taskdoc.Checkpoint{
				Kind:     taskdoc.CheckpointDecision,
				Awaiting: "pick a storage backend",
			}
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, RunPaused, summary.Outcome)
	assert.Equal(t, 1, summary.Iterations)
	assert.Equal(t, 0, summary.Outcome.ExitCode())

	doc, err := taskdoc.ParseFile(path)
	require.NoError(t, err)
	require.NotNil(t, doc.Meta.Checkpoint)
	assert.Equal(t, "pick a storage backend", doc.Meta.Checkpoint.Awaiting)
}

func TestCancellationPreservesLastPersistedState(t *testing.T) {
	dir, path := writeSeed(t, seedDoc())
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	summary, err := Run(ctx, Config{
		DocPath:       path,
		WorkDir:       dir,
		MaxIterations: 5,
		Output:        io.Discard,
		Invoke: func(ctx context.Context, inv Invocation) (*stream.Event, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, summary.Outcome)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestInvalidReplacementDocumentPreservesPrevious(t *testing.T) {
	dir, path := writeSeed(t, seedDoc())

	summary, err := Run(context.Background(), Config{
		DocPath:       path,
		WorkDir:       dir,
		MaxIterations: 1,
		Output:        io.Discard,
		Invoke: func(ctx context.Context, inv Invocation) (*stream.Event, error) {
			return &stream.Event{
				Kind:  stream.KindResult,
				Text:  "I did some work but forgot the document format.",
				Usage: event.Usage{InputTokens: 10},
			}, nil
		},
	})
	require.NoError(t, err)
	require.Len(t, summary.Records, 1)
	assert.Equal(t, FailDocumentParse, summary.Records[0].Reason)

	doc, err := taskdoc.ParseFile(path)
	require.NoError(t, err)
	assert.False(t, doc.FindTask("task one").Completed)
	require.Len(t, doc.Attempts, 1)
	assert.Contains(t, doc.Attempts[0].Result, "not a valid task document")
	// The authoritative final usage still counts even on a bad document.
	assert.Equal(t, 10, doc.Meta.Tokens.Input)
}

func TestVerifierCompletesNoTasks(t *testing.T) {
	dir, path := writeSeed(t, seedDoc())

	_, err := Run(context.Background(), Config{
		DocPath:       path,
		WorkDir:       dir,
		MaxIterations: 1,
		Persona:       taskdoc.PersonaVerifier,
		Output:        io.Discard,
		Invoke: mutateHook(path, func(d *taskdoc.Document) {
			d.FindTask("task one").Completed = true
		}),
	})
	require.NoError(t, err)

	doc, err := taskdoc.ParseFile(path)
	require.NoError(t, err)
	assert.False(t, doc.FindTask("task one").Completed)
}

func TestUnrecoverableSpawnFailure(t *testing.T) {
	dir, path := writeSeed(t, seedDoc())

	summary, err := Run(context.Background(), Config{
		DocPath:       path,
		WorkDir:       dir,
		Agent:         filepath.Join(dir, "no-such-agent"),
		MaxIterations: 5,
		Timeout:       5 * time.Second,
		Output:        io.Discard,
	})
	require.NoError(t, err)
	assert.Equal(t, RunSpawnFailed, summary.Outcome)
	assert.Equal(t, 3, summary.Outcome.ExitCode())
	assert.Equal(t, 1, summary.Iterations)

	doc, err := taskdoc.ParseFile(path)
	require.NoError(t, err)
	require.Len(t, doc.Attempts, 1)
	assert.Equal(t, "spawn-failure", doc.Log[0].Notes)
}

// writeAgentScript installs a shell script standing in for the agent CLI.
func writeAgentScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestRunEndToEndWithScriptedAgent(t *testing.T) {
	seed := seedDoc()
	seed.Phases[0].Tasks = seed.Phases[0].Tasks[:1]
	dir, path := writeSeed(t, seed)

	reply, err := taskdoc.ParseFile(path)
	require.NoError(t, err)
	reply.Phases[0].Tasks[0].Completed = true
	reply.Status = []string{taskdoc.CompletionMarker}

	record, err := json.Marshal(map[string]any{
		"type":   "result",
		"result": string(reply.Marshal()),
		"usage":  map[string]int{"input_tokens": 7, "output_tokens": 3},
	})
	require.NoError(t, err)
	respPath := filepath.Join(dir, "response.json")
	require.NoError(t, os.WriteFile(respPath, append(record, '\n'), 0o644))

	agent := writeAgentScript(t, dir, "cat \""+respPath+"\"\n")

	summary, err := Run(context.Background(), Config{
		DocPath:       path,
		WorkDir:       dir,
		Agent:         agent,
		MaxIterations: 3,
		Timeout:       10 * time.Second,
		Grace:         time.Second,
		Output:        io.Discard,
	})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, summary.Outcome)
	assert.Equal(t, 1, summary.Iterations)
	assert.Equal(t, 10, summary.Usage.Total())

	doc, err := taskdoc.ParseFile(path)
	require.NoError(t, err)
	assert.True(t, doc.HasCompletionMarker())
	assert.True(t, doc.AllTasksCompleted())
}

func TestTimeoutTerminatesAgentAndRecordsFailure(t *testing.T) {
	dir, path := writeSeed(t, seedDoc())
	agent := writeAgentScript(t, dir, "sleep 30\n")

	start := time.Now()
	summary, err := Run(context.Background(), Config{
		DocPath:       path,
		WorkDir:       dir,
		Agent:         agent,
		MaxIterations: 1,
		Timeout:       300 * time.Millisecond,
		Grace:         200 * time.Millisecond,
		Output:        io.Discard,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, RunExhausted, summary.Outcome)
	require.Len(t, summary.Records, 1)
	assert.Equal(t, FailTimeout, summary.Records[0].Reason)

	doc, err := taskdoc.ParseFile(path)
	require.NoError(t, err)
	require.Len(t, doc.Attempts, 1)
	assert.Contains(t, doc.Attempts[0].Result, "timed out")
	assert.Equal(t, "timeout", doc.Log[0].Notes)
}

func TestMissingResultRecordedAsFailure(t *testing.T) {
	dir, path := writeSeed(t, seedDoc())
	agent := writeAgentScript(t, dir,
		`printf '{"type":"assistant","content":[{"type":"text","text":"hello"}]}\n'`+"\n")

	summary, err := Run(context.Background(), Config{
		DocPath:       path,
		WorkDir:       dir,
		Agent:         agent,
		MaxIterations: 1,
		Timeout:       10 * time.Second,
		Output:        io.Discard,
	})
	require.NoError(t, err)
	require.Len(t, summary.Records, 1)
	assert.Equal(t, FailMissingResult, summary.Records[0].Reason)

	doc, err := taskdoc.ParseFile(path)
	require.NoError(t, err)
	require.Len(t, doc.Attempts, 1)
	assert.Equal(t, "missing-result", doc.Log[0].Notes)
}
