package trial

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"looplab/internal/engine"
	"looplab/internal/event"
	"looplab/internal/stream"
	"looplab/internal/taskdoc"
)

func writeSeedDoc(t *testing.T) string {
	t.Helper()
	doc := &taskdoc.Document{
		Status: []string{"working"},
		Phases: []taskdoc.Phase{{Name: "Core", Tasks: []taskdoc.Task{
			{Description: "do the thing"},
		}}},
		MustHaves: taskdoc.MustHaves{
			Truths: []taskdoc.CheckItem{{Description: "it works", Satisfied: true}},
		},
	}
	path := filepath.Join(t.TempDir(), "PLAN.md")
	require.NoError(t, doc.Save(path))
	return path
}

// completingInvoke fakes an agent that finishes the document's single
// task and declares completion. live/maxLive probe simultaneous
// invocations.
func completingInvoke(live, maxLive *int64) func(context.Context, engine.Invocation) (*stream.Event, error) {
	return func(ctx context.Context, inv engine.Invocation) (*stream.Event, error) {
		n := atomic.AddInt64(live, 1)
		defer atomic.AddInt64(live, -1)
		for {
			old := atomic.LoadInt64(maxLive)
			if n <= old || atomic.CompareAndSwapInt64(maxLive, old, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)

		doc, err := taskdoc.ParseFile(filepath.Join(inv.WorkDir, "PLAN.md"))
		if err != nil {
			return nil, err
		}
		for _, task := range doc.AllTasks() {
			task.Completed = true
		}
		doc.Status = []string{taskdoc.CompletionMarker}
		return &stream.Event{
			Kind:  stream.KindResult,
			Text:  string(doc.Marshal()),
			Usage: event.Usage{InputTokens: 40, OutputTokens: 10},
		}, nil
	}
}

func TestBatchTagsEveryTrialAndIsolatesWorkspaces(t *testing.T) {
	var live, maxLive int64
	results, agg, err := Run(context.Background(), Plan{
		Modes:         []string{"A", "B"},
		TrialsPerMode: 2,
		Concurrency:   3,
		SeedDocPath:   writeSeedDoc(t),
		WorkRoot:      t.TempDir(),
		Engine: engine.Config{
			MaxIterations: 3,
			Invoke:        completingInvoke(&live, &maxLive),
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	var ids []string
	dirs := make(map[string]bool)
	for _, r := range results {
		ids = append(ids, r.Identity.String())
		assert.True(t, r.Passed(), "trial %s: %s %s", r.Identity, r.Outcome, r.Err)
		assert.Equal(t, 1, r.Iterations)
		dirs[r.WorkDir] = true
	}
	assert.ElementsMatch(t, []string{"A/1", "A/2", "B/1", "B/2"}, ids)
	assert.Len(t, dirs, 4, "every trial gets its own workspace")
	assert.LessOrEqual(t, maxLive, int64(3))

	assert.Equal(t, 4, agg.Trials)
	assert.Equal(t, 4, agg.Passed)
	assert.InEpsilon(t, 1.0, agg.PassRate, 1e-9)
	assert.InEpsilon(t, 50.0, agg.Tokens.Mean, 1e-9)
}

func TestConcurrencyLimitHolds(t *testing.T) {
	var live, maxLive int64
	results, _, err := Run(context.Background(), Plan{
		Modes:         []string{"A"},
		TrialsPerMode: 9,
		Concurrency:   3,
		SeedDocPath:   writeSeedDoc(t),
		WorkRoot:      t.TempDir(),
		Engine: engine.Config{
			MaxIterations: 3,
			Invoke:        completingInvoke(&live, &maxLive),
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 9)
	assert.LessOrEqual(t, maxLive, int64(3))
	assert.Positive(t, maxLive)
}

func TestOneFailingTrialDoesNotAbortSiblings(t *testing.T) {
	var live, maxLive int64
	var calls int64
	complete := completingInvoke(&live, &maxLive)
	events := make(chan event.Tagged, 256)

	results, agg, err := Run(context.Background(), Plan{
		Modes:         []string{"A", "B"},
		TrialsPerMode: 2,
		Concurrency:   2,
		SeedDocPath:   writeSeedDoc(t),
		WorkRoot:      t.TempDir(),
		Events:        events,
		Engine: engine.Config{
			MaxIterations: 3,
			Invoke: func(ctx context.Context, inv engine.Invocation) (*stream.Event, error) {
				if atomic.AddInt64(&calls, 1) == 1 {
					panic("trial blew up")
				}
				return complete(ctx, inv)
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	passed, failed := 0, 0
	for _, r := range results {
		if r.Passed() {
			passed++
		} else {
			failed++
			assert.Contains(t, r.Err, "panic")
		}
	}
	assert.Equal(t, 3, passed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 3, agg.Passed)
	assert.Equal(t, 1, agg.Failed)

	close(events)
	completedEvents, failedEvents := 0, 0
	for tev := range events {
		switch tev.Event.Kind {
		case event.KindTrialCompleted:
			completedEvents++
		case event.KindTrialFailed:
			failedEvents++
		}
	}
	assert.Equal(t, 3, completedEvents)
	assert.Equal(t, 1, failedEvents)
}

func TestSummarizePolicies(t *testing.T) {
	results := []Result{
		{Outcome: engine.RunCompleted, Duration: time.Second, Usage: event.Usage{InputTokens: 10}},
		{Outcome: engine.RunCompleted, Duration: 2 * time.Second, Usage: event.Usage{InputTokens: 20}},
		{Outcome: engine.RunCompleted, Duration: 3 * time.Second, Usage: event.Usage{InputTokens: 30}},
		{Err: "panic: boom", Duration: 4 * time.Second, Usage: event.Usage{InputTokens: 40}},
	}

	counted := Summarize(results, CountFailures)
	assert.InEpsilon(t, 0.75, counted.PassRate, 1e-9)

	excluded := Summarize(results, ExcludeFailures)
	assert.InEpsilon(t, 1.0, excluded.PassRate, 1e-9)

	// Time and token accounting include the failed trial either way.
	assert.InEpsilon(t, 2.5, counted.ElapsedSeconds.Mean, 1e-9)
	assert.InEpsilon(t, 25.0, excluded.Tokens.Mean, 1e-9)
	assert.InEpsilon(t, 40.0, counted.Tokens.Max, 1e-9)
}

func TestComputeStats(t *testing.T) {
	s := computeStats([]float64{1, 2, 3, 4})
	assert.InEpsilon(t, 2.5, s.Mean, 1e-9)
	assert.InEpsilon(t, 1.25, s.Variance, 1e-9)
	assert.InEpsilon(t, 1.0, s.Min, 1e-9)
	assert.InEpsilon(t, 4.0, s.Max, 1e-9)

	assert.Equal(t, Stats{}, computeStats(nil))
}

func TestCompareAggregates(t *testing.T) {
	before := &Aggregate{
		PassRate:       0.5,
		ElapsedSeconds: Stats{Mean: 10},
		Tokens:         Stats{Mean: 1000},
	}
	after := &Aggregate{
		PassRate:       0.75,
		ElapsedSeconds: Stats{Mean: 12},
		Tokens:         Stats{Mean: 1000},
	}

	cmp := CompareAggregates(before, after)
	require.Len(t, cmp.Deltas, 3)

	byMetric := make(map[string]MetricDelta)
	for _, d := range cmp.Deltas {
		byMetric[d.Metric] = d
	}
	assert.Equal(t, Improvement, byMetric["pass_rate"].Direction)
	assert.Equal(t, Regression, byMetric["elapsed_mean_seconds"].Direction)
	assert.Equal(t, Unchanged, byMetric["tokens_mean"].Direction)
}
