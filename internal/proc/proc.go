// Package proc spawns and supervises agent subprocesses.
//
// The child is placed in its own process group so terminal-delivered
// signals never reach it directly; the supervisor decides when and
// whether to propagate termination, and always delivers signals to the
// whole group because agents routinely spawn children of their own.
package proc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// StreamID tags an output line with the stream it arrived on.
type StreamID int

const (
	Stdout StreamID = iota
	Stderr
)

// String returns a human-readable label for the stream.
func (s StreamID) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// OutputLine is one line read from the child's stdout or stderr.
// Lines from the same stream are delivered in arrival order; the
// interleaving between the two streams is unspecified.
type OutputLine struct {
	Stream StreamID
	Text   string
}

// Spec describes the subprocess to spawn. The caller owns executable
// path and argument resolution; proc only handles the lifecycle.
type Spec struct {
	Path string
	Args []string
	Dir  string
	Env  []string // nil inherits the parent environment
}

// CommandFactory builds an *exec.Cmd for the given spec. The default
// factory uses exec.CommandContext. Tests can inject a factory that
// re-invokes the test binary as a helper process instead.
type CommandFactory func(ctx context.Context, spec Spec) *exec.Cmd

func defaultFactory(ctx context.Context, spec Spec) *exec.Cmd {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	return cmd
}

// SpawnError reports that the agent executable could not be started.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Path, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// maxLineBytes bounds a single output line. Agent stream-json lines can
// carry whole file contents in tool inputs.
const maxLineBytes = 4 * 1024 * 1024

// Handle supervises one running agent subprocess.
//
// The caller must drain Lines until it closes; the channel is the
// backpressure between the child's pipes and the consumer. Wait reaps
// the child and is safe to call from multiple goroutines.
type Handle struct {
	cmd      *exec.Cmd
	lines    chan OutputLine
	pumps    sync.WaitGroup
	waitOnce sync.Once
	waitErr  error
}

// Option configures Spawn.
type Option func(*spawnOptions)

type spawnOptions struct {
	factory CommandFactory
}

// WithCommandFactory injects a custom command factory (used in tests).
func WithCommandFactory(f CommandFactory) Option {
	return func(o *spawnOptions) { o.factory = f }
}

// Spawn starts the subprocess described by spec with stdin closed, both
// output streams captured, and the child in its own process group.
// A nil error guarantees the process started; failures are reported as
// *SpawnError.
func Spawn(ctx context.Context, spec Spec, opts ...Option) (*Handle, error) {
	cfg := spawnOptions{factory: defaultFactory}
	for _, o := range opts {
		o(&cfg)
	}

	cmd := cfg.factory(ctx, spec)

	// Own process group: terminal SIGINT must not fan out to the child;
	// we deliver signals to -pgid ourselves.
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	// Stdin stays nil so the child reads EOF immediately.
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Path: spec.Path, Err: err}
	}

	h := &Handle{
		cmd:   cmd,
		lines: make(chan OutputLine, 256),
	}

	// Both streams are pumped concurrently. Reading them sequentially
	// would deadlock when one pipe buffer fills while the other is
	// unread.
	h.pumps.Add(2)
	go h.pump(Stdout, stdout)
	go h.pump(Stderr, stderr)
	go func() {
		h.pumps.Wait()
		close(h.lines)
	}()

	return h, nil
}

func (h *Handle) pump(id StreamID, r io.Reader) {
	defer h.pumps.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		h.lines <- OutputLine{Stream: id, Text: sc.Text()}
	}
	// Scanner errors (including pipe closure after kill) end the pump;
	// the exit status from Wait is the authoritative failure signal.
}

// Lines returns the merged output channel. It closes once both streams
// reach EOF, which happens after the child exits.
func (h *Handle) Lines() <-chan OutputLine { return h.lines }

// PID returns the child's process ID.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Wait reaps the child after both output pumps finish. Every exit path
// must reach Wait exactly so the child never lingers as a zombie;
// Terminate and Kill both call it internally.
func (h *Handle) Wait() error {
	h.waitOnce.Do(func() {
		h.pumps.Wait()
		h.waitErr = h.cmd.Wait()
	})
	return h.waitErr
}

// ExitCode returns the child's exit code, or -1 if it has not been
// reaped or was killed by a signal.
func (h *Handle) ExitCode() int {
	if h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

// Terminate sends SIGTERM to the child's process group, waits up to
// grace for it to exit, then force-kills the group. It always reaps.
func (h *Handle) Terminate(grace time.Duration) {
	h.signalGroup(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		h.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		h.signalGroup(syscall.SIGKILL)
		<-done
	}
}

// Kill force-kills the process group immediately and reaps.
func (h *Handle) Kill() {
	h.signalGroup(syscall.SIGKILL)
	h.Wait()
}

// signalGroup delivers sig to the whole process group. Falls back to
// the child PID if the group signal fails (already exited, or the
// factory stripped Setpgid).
func (h *Handle) signalGroup(sig syscall.Signal) {
	pid := h.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = h.cmd.Process.Signal(sig)
	}
}
