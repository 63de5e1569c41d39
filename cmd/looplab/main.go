// Command looplab runs the autonomous iteration loop against one task
// document: fresh agent subprocess per iteration, all continuity through
// the document on disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"looplab/internal/engine"
	"looplab/internal/event"
	"looplab/internal/taskdoc"
	"looplab/internal/trace"
)

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ", ") }
func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// config holds the parsed CLI configuration for a looplab run.
type config struct {
	doc           string
	workdir       string
	agent         string
	agentArgs     stringSlice
	maxIterations int
	timeout       time.Duration
	grace         time.Duration
	attemptsDepth int
	persona       string
	focus         string
	verbose       bool
}

func parseFlags() config {
	var cfg config

	flag.StringVar(&cfg.doc, "doc", "", "path to the task document (required)")
	flag.StringVar(&cfg.workdir, "workdir", "", "directory the agent operates in (defaults to the document's directory)")
	flag.StringVar(&cfg.agent, "agent", "", "agent CLI executable (required)")
	flag.Var(&cfg.agentArgs, "agent-arg", "extra argument passed to the agent CLI (repeatable)")
	flag.IntVar(&cfg.maxIterations, "max-iterations", engine.DefaultMaxIterations, "safety cap on loop iterations for this run")
	flag.DurationVar(&cfg.timeout, "timeout", engine.DefaultTimeout, "per-iteration agent timeout")
	flag.DurationVar(&cfg.grace, "grace", engine.DefaultGrace, "SIGTERM to SIGKILL window when stopping the agent")
	flag.IntVar(&cfg.attemptsDepth, "attempts-depth", engine.DefaultAttemptsDepth, "failure-memory entries kept in the document")
	flag.StringVar(&cfg.persona, "persona", "", "override the document's next persona (executor|verifier|researcher|planner)")
	flag.StringVar(&cfg.focus, "focus", "", "task to prioritize on the first iteration")
	flag.BoolVar(&cfg.verbose, "verbose", false, "enable detailed logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: looplab [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Looplab drives an agent CLI through fresh-context iterations over a\n")
		fmt.Fprintf(os.Stderr, "task document until the work completes, pauses, or runs out of budget.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if cfg.doc == "" {
		fmt.Fprintln(os.Stderr, "error: --doc is required")
		flag.Usage()
		os.Exit(1)
	}
	if cfg.agent == "" {
		fmt.Fprintln(os.Stderr, "error: --agent is required")
		flag.Usage()
		os.Exit(1)
	}

	return cfg
}

func run(ctx context.Context, cfg config) (*engine.Summary, error) {
	var persona taskdoc.Persona
	if cfg.persona != "" {
		p, err := taskdoc.ParsePersona(cfg.persona)
		if err != nil {
			return nil, err
		}
		persona = p
	}

	if cfg.verbose {
		log.Printf("config: doc=%s agent=%s max-iterations=%d timeout=%s grace=%s",
			cfg.doc, cfg.agent, cfg.maxIterations, cfg.timeout, cfg.grace)
	}

	ecfg := engine.Config{
		DocPath:       cfg.doc,
		WorkDir:       cfg.workdir,
		Agent:         cfg.agent,
		AgentArgs:     cfg.agentArgs,
		MaxIterations: cfg.maxIterations,
		Timeout:       cfg.timeout,
		Grace:         cfg.grace,
		AttemptsDepth: cfg.attemptsDepth,
		Persona:       persona,
		Focus:         cfg.focus,
	}

	observer, err := trace.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	if observer != nil {
		events := make(chan event.Tagged, 256)
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
			if serr := observer.Shutdown(shutdownCtx); serr != nil {
				log.Printf("trace shutdown: %v", serr)
			}
		}()
		ecfg.Events = events
	}

	return engine.Run(ctx, ecfg)
}

func main() {
	cfg := parseFlags()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := run(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "looplab: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("looplab: %s after %d iteration(s), %d tokens\n",
		summary.Outcome, summary.Iterations, summary.Usage.Total())
	os.Exit(summary.Outcome.ExitCode())
}
