// Command loopbench runs parallel benchmark trials of the iteration
// loop and aggregates pass rate, time, and token statistics across
// configurations.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"looplab/internal/dashboard"
	"looplab/internal/engine"
	"looplab/internal/event"
	"looplab/internal/trace"
	"looplab/internal/trial"
)

// suite is the YAML benchmark definition. Flags override its fields.
type suite struct {
	SeedDoc       string        `yaml:"seed_doc"`
	Agent         string        `yaml:"agent"`
	AgentArgs     []string      `yaml:"agent_args"`
	Modes         []string      `yaml:"modes"`
	Trials        int           `yaml:"trials"`
	Concurrency   int64         `yaml:"concurrency"`
	MaxIterations int           `yaml:"max_iterations"`
	Timeout       time.Duration `yaml:"timeout"`
	Grace         time.Duration `yaml:"grace"`
	WorkRoot      string        `yaml:"work_root"`
	Policy        string        `yaml:"policy"`
}

func loadSuite(path string) (suite, error) {
	var s suite
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read suite: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse suite %s: %w", path, err)
	}
	return s, nil
}

// config holds the parsed CLI configuration for a benchmark run.
type config struct {
	suitePath   string
	doc         string
	agent       string
	modes       string
	trials      int
	concurrency int64
	policy      string
	jsonPath    string
	comparePath string
	dashboard   bool
}

func parseFlags() config {
	var cfg config

	flag.StringVar(&cfg.suitePath, "suite", "", "YAML suite file defining the benchmark")
	flag.StringVar(&cfg.doc, "doc", "", "seed task document (overrides suite)")
	flag.StringVar(&cfg.agent, "agent", "", "agent CLI executable (overrides suite)")
	flag.StringVar(&cfg.modes, "modes", "", "comma-separated mode tags (overrides suite)")
	flag.IntVar(&cfg.trials, "trials", 0, "trials per mode (overrides suite)")
	flag.Int64Var(&cfg.concurrency, "concurrency", 0, "max live trials (overrides suite)")
	flag.StringVar(&cfg.policy, "policy", "", "pass-rate policy: count-failures or exclude-failures")
	flag.StringVar(&cfg.jsonPath, "json", "", "write the full report as JSON to this path (- for stdout)")
	flag.StringVar(&cfg.comparePath, "compare", "", "previous report JSON to compare against")
	flag.BoolVar(&cfg.dashboard, "dashboard", false, "show a live terminal dashboard")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: loopbench [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Loopbench runs N trials of the iteration loop per mode under a\n")
		fmt.Fprintf(os.Stderr, "concurrency cap and reports pass rate, time, and token statistics.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()
	return cfg
}

func buildPlan(cfg config) (trial.Plan, error) {
	var s suite
	if cfg.suitePath != "" {
		loaded, err := loadSuite(cfg.suitePath)
		if err != nil {
			return trial.Plan{}, err
		}
		s = loaded
	}

	if cfg.doc != "" {
		s.SeedDoc = cfg.doc
	}
	if cfg.agent != "" {
		s.Agent = cfg.agent
	}
	if cfg.modes != "" {
		s.Modes = strings.Split(cfg.modes, ",")
	}
	if cfg.trials > 0 {
		s.Trials = cfg.trials
	}
	if cfg.concurrency > 0 {
		s.Concurrency = cfg.concurrency
	}
	if cfg.policy != "" {
		s.Policy = cfg.policy
	}

	if s.SeedDoc == "" {
		return trial.Plan{}, fmt.Errorf("no seed document: set --doc or seed_doc in the suite")
	}
	if s.Agent == "" {
		return trial.Plan{}, fmt.Errorf("no agent executable: set --agent or agent in the suite")
	}
	if s.Trials <= 0 {
		s.Trials = 1
	}

	policy := trial.CountFailures
	if s.Policy != "" {
		p, err := trial.ParseFailedTrialPolicy(s.Policy)
		if err != nil {
			return trial.Plan{}, err
		}
		policy = p
	}

	return trial.Plan{
		Modes:         s.Modes,
		TrialsPerMode: s.Trials,
		Concurrency:   s.Concurrency,
		SeedDocPath:   s.SeedDoc,
		WorkRoot:      s.WorkRoot,
		Engine: engine.Config{
			Agent:         s.Agent,
			AgentArgs:     s.AgentArgs,
			MaxIterations: s.MaxIterations,
			Timeout:       s.Timeout,
			Grace:         s.Grace,
		},
		Policy: policy,
	}, nil
}

func run(ctx context.Context, cfg config) error {
	plan, err := buildPlan(cfg)
	if err != nil {
		return err
	}

	var results []trial.Result
	var agg *trial.Aggregate

	if cfg.dashboard {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		events := make(chan event.Tagged, 1024)
		plan.Events = events

		done := make(chan error, 1)
		go func() {
			var rerr error
			results, agg, rerr = trial.Run(ctx, plan)
			close(events)
			done <- rerr
		}()

		if derr := dashboard.Run(dashboard.New(events, cancel)); derr != nil {
			return fmt.Errorf("dashboard: %w", derr)
		}
		if rerr := <-done; rerr != nil {
			return rerr
		}
	} else {
		observer, oerr := trace.New(ctx)
		if oerr != nil {
			return fmt.Errorf("trace exporter: %w", oerr)
		}
		if observer != nil {
			events := make(chan event.Tagged, 1024)
			plan.Events = events
			drained := make(chan struct{})
			go func() {
				observer.Consume(events)
				close(drained)
			}()
			defer func() {
				close(events)
				<-drained
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = observer.Shutdown(shutdownCtx)
			}()
		}

		results, agg, err = trial.Run(ctx, plan)
		if err != nil {
			return err
		}
	}

	printAggregate(os.Stdout, agg)

	if cfg.comparePath != "" {
		if err := printComparison(os.Stdout, cfg.comparePath, agg); err != nil {
			return err
		}
	}

	if cfg.jsonPath != "" {
		report := trial.Report{GeneratedAt: time.Now().UTC(), Aggregate: agg, Results: results}
		if err := writeReport(cfg.jsonPath, report); err != nil {
			return err
		}
	}

	return nil
}

func printAggregate(w *os.File, agg *trial.Aggregate) {
	fmt.Fprintf(w, "trials: %d  passed: %d  failed: %d  pass rate: %.1f%% (%s)\n",
		agg.Trials, agg.Passed, agg.Failed, agg.PassRate*100, agg.Policy)
	fmt.Fprintf(w, "elapsed: mean %.1fs  min %.1fs  max %.1fs\n",
		agg.ElapsedSeconds.Mean, agg.ElapsedSeconds.Min, agg.ElapsedSeconds.Max)
	fmt.Fprintf(w, "tokens:  mean %.0f  min %.0f  max %.0f\n",
		agg.Tokens.Mean, agg.Tokens.Min, agg.Tokens.Max)
}

func printComparison(w *os.File, path string, after *trial.Aggregate) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read comparison baseline: %w", err)
	}
	var baseline trial.Report
	if err := json.Unmarshal(data, &baseline); err != nil {
		return fmt.Errorf("parse comparison baseline %s: %w", path, err)
	}
	if baseline.Aggregate == nil {
		return fmt.Errorf("comparison baseline %s has no aggregate", path)
	}

	cmp := trial.CompareAggregates(baseline.Aggregate, after)
	fmt.Fprintf(w, "\nvs %s:\n", path)
	for _, d := range cmp.Deltas {
		fmt.Fprintf(w, "  %-22s %12.3f -> %-12.3f %+.3f (%s)\n",
			d.Metric, d.Before, d.After, d.Delta, d.Direction)
	}
	return nil
}

func writeReport(path string, report trial.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func main() {
	cfg := parseFlags()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "loopbench: %v\n", err)
		os.Exit(1)
	}
}
