// Package trial runs many independent iteration loops in parallel for
// benchmarking: the cross product of modes and trial counts, each in
// an isolated workspace, under a bounded-concurrency permit so the
// number of simultaneously live agent subprocesses never exceeds the
// limit regardless of how many trials are scheduled.
package trial

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"looplab/internal/engine"
	"looplab/internal/event"
	"looplab/internal/taskdoc"
)

// DefaultConcurrency bounds live agent subprocesses when the plan
// leaves the limit unset. Kept low to respect upstream rate limits.
const DefaultConcurrency = 3

// Plan describes one benchmark batch.
type Plan struct {
	// Modes are persona tags, one batch member group per mode. An
	// empty mode string means the document's own next_persona governs.
	Modes         []string
	TrialsPerMode int
	Concurrency   int64

	// SeedDocPath is the starting document; every trial gets its own
	// copy in a fresh workspace.
	SeedDocPath string

	// WorkRoot hosts the per-trial workspaces. Defaults to the system
	// temp directory.
	WorkRoot string

	// Engine is the per-trial loop configuration template. DocPath,
	// WorkDir, Identity, and Events are filled in per trial.
	Engine engine.Config

	Policy FailedTrialPolicy

	// Events receives every tagged event from every trial over one
	// multiplexed channel. May be nil.
	Events chan<- event.Tagged
}

// Result is the terminal report for one trial.
type Result struct {
	Identity   event.Identity    `json:"identity"`
	Outcome    engine.RunOutcome `json:"outcome"`
	Iterations int               `json:"iterations"`
	Usage      event.Usage       `json:"usage"`
	Duration   time.Duration     `json:"duration"`
	WorkDir    string            `json:"work_dir,omitempty"`

	// Err is set when the trial never produced an engine outcome:
	// workspace setup failure, unreadable document, or a panic.
	Err string `json:"error,omitempty"`
}

// Passed reports whether the trial reached accepted completion.
func (r Result) Passed() bool {
	return r.Err == "" && r.Outcome == engine.RunCompleted
}

// Run executes the whole batch and blocks until every trial resolves.
// One trial's failure never cancels its siblings; errors are captured
// into the corresponding Result. Cancelling ctx propagates to all live
// trials, and already-finished trials keep their results.
func Run(ctx context.Context, plan Plan) ([]Result, *Aggregate, error) {
	modes := plan.Modes
	if len(modes) == 0 {
		modes = []string{""}
	}
	trials := plan.TrialsPerMode
	if trials <= 0 {
		trials = 1
	}
	limit := plan.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	if plan.SeedDocPath == "" {
		return nil, nil, fmt.Errorf("trial plan: seed document path is required")
	}

	results := make([]Result, len(modes)*trials)
	sem := semaphore.NewWeighted(limit)

	// A plain errgroup, deliberately not WithContext: a failing trial
	// must not cancel its siblings.
	var g errgroup.Group
	i := 0
	for _, mode := range modes {
		for n := 1; n <= trials; n++ {
			slot := i
			i++
			id := event.Identity{Mode: mode, Trial: n}
			g.Go(func() error {
				if err := sem.Acquire(ctx, 1); err != nil {
					results[slot] = Result{Identity: id, Outcome: engine.RunCancelled, Err: err.Error()}
					return nil
				}
				defer sem.Release(1)
				results[slot] = runOne(ctx, plan, id)
				return nil
			})
		}
	}
	_ = g.Wait()

	agg := Summarize(results, plan.Policy)
	return results, agg, nil
}

// runOne executes a single trial in its own workspace. All failure
// modes, panics included, land in the Result.
func runOne(ctx context.Context, plan Plan, id event.Identity) (res Result) {
	res.Identity = id
	em := &event.Emitter{Identity: id, Ch: plan.Events}
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		if r := recover(); r != nil {
			res.Err = fmt.Sprintf("panic: %v", r)
		}
		if res.Err != "" {
			em.Emit(event.Event{Kind: event.KindTrialFailed, Err: res.Err, Outcome: res.Outcome.String()})
			return
		}
		em.Emit(event.Event{Kind: event.KindTrialCompleted, Usage: res.Usage, Outcome: res.Outcome.String()})
	}()

	workDir, docPath, err := setupWorkspace(plan, id)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	res.WorkDir = workDir

	cfg := plan.Engine
	cfg.DocPath = docPath
	cfg.WorkDir = workDir
	cfg.Identity = id
	cfg.Events = plan.Events
	// A mode naming a persona pins it for the whole trial; any other
	// label is identity-only and the document's next_persona governs.
	if id.Mode != "" {
		if p, perr := taskdoc.ParsePersona(id.Mode); perr == nil {
			cfg.Persona = p
		}
	}

	summary, err := engine.Run(ctx, cfg)
	if err != nil {
		res.Err = err.Error()
		return res
	}
	res.Outcome = summary.Outcome
	res.Iterations = summary.Iterations
	res.Usage = summary.Usage
	return res
}

// setupWorkspace creates the isolated per-trial directory and copies
// the seed document into it.
func setupWorkspace(plan Plan, id event.Identity) (workDir, docPath string, err error) {
	root := plan.WorkRoot
	if root == "" {
		root = os.TempDir()
	}
	workDir = filepath.Join(root, "trial-"+uuid.NewString())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", "", fmt.Errorf("trial %s: workspace: %w", id, err)
	}
	seed, err := os.ReadFile(plan.SeedDocPath)
	if err != nil {
		return "", "", fmt.Errorf("trial %s: seed document: %w", id, err)
	}
	docPath = filepath.Join(workDir, filepath.Base(plan.SeedDocPath))
	if err := os.WriteFile(docPath, seed, 0o644); err != nil {
		return "", "", fmt.Errorf("trial %s: seed copy: %w", id, err)
	}
	return workDir, docPath, nil
}
