// Package transport provides the GraphQL, CLI and REST clients used by route adapters.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/morezero/capability-router/pkg/errcode"
)

const runnerLogPrefix = "transport:runner"

const (
	// DefaultMaxOutputBytes caps combined stdout and stderr of one command.
	DefaultMaxOutputBytes = 1 << 20
	// DefaultKillGrace is the wait between SIGTERM and SIGKILL.
	DefaultKillGrace = 2 * time.Second
)

// ErrOutputExceeded is returned when a command writes more than the configured bound.
var ErrOutputExceeded = errors.New("command output exceeded configured bounds")

// CLIResult is the outcome of a command that ran to completion.
type CLIResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner runs an external command. A non-zero exit is a result, not an error.
type Runner interface {
	Run(ctx context.Context, name string, args []string, timeout time.Duration) (*CLIResult, error)
}

// SafeRunnerOptions configures SafeRunner. Zero values use defaults.
type SafeRunnerOptions struct {
	MaxOutputBytes int
	KillGrace      time.Duration
}

// SafeRunner runs commands with a timeout, bounded output and SIGTERM/SIGKILL termination.
type SafeRunner struct {
	maxOutput int
	killGrace time.Duration
}

// NewSafeRunner creates a SafeRunner.
func NewSafeRunner(opts SafeRunnerOptions) *SafeRunner {
	r := &SafeRunner{maxOutput: opts.MaxOutputBytes, killGrace: opts.KillGrace}
	if r.maxOutput <= 0 {
		r.maxOutput = DefaultMaxOutputBytes
	}
	if r.killGrace <= 0 {
		r.killGrace = DefaultKillGrace
	}
	return r
}

// Run starts name with args and waits for it, the timeout, ctx or the output bound.
func (r *SafeRunner) Run(ctx context.Context, name string, args []string, timeout time.Duration) (*CLIResult, error) {
	label := strings.TrimSpace(name + " " + strings.Join(args, " "))

	out := newBoundedOutput(r.maxOutput)
	cmd := exec.Command(name, args...)
	cmd.Stdout = out.writer(&out.stdout)
	cmd.Stderr = out.writer(&out.stderr)

	if err := cmd.Start(); err != nil {
		return nil, &errcode.UnsupportedFailure{Route: "cli", Reason: fmt.Sprintf("start %s: %v", name, err)}
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case err := <-waitErr:
		return out.result(cmd, err)
	case <-timer:
		slog.Warn(fmt.Sprintf("%s - %s timed out after %s, terminating", runnerLogPrefix, label, timeout))
		r.terminate(cmd, waitErr)
		return nil, &errcode.NetworkFailure{Op: label, Timeout: true}
	case <-out.exceeded:
		slog.Warn(fmt.Sprintf("%s - %s output exceeded %d bytes, terminating", runnerLogPrefix, label, r.maxOutput))
		r.terminate(cmd, waitErr)
		return nil, fmt.Errorf("%s: %w", label, ErrOutputExceeded)
	case <-ctx.Done():
		r.terminate(cmd, waitErr)
		return nil, &errcode.NetworkFailure{Op: label, Err: ctx.Err(), Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded)}
	}
}

func (r *SafeRunner) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		slog.Debug(fmt.Sprintf("%s - SIGTERM failed: %v", runnerLogPrefix, err))
	}
	grace := time.NewTimer(r.killGrace)
	defer grace.Stop()
	select {
	case <-waitErr:
	case <-grace.C:
		if err := cmd.Process.Kill(); err != nil {
			slog.Error(fmt.Sprintf("%s - SIGKILL failed: %v", runnerLogPrefix, err))
		}
		<-waitErr
	}
}

// boundedOutput collects stdout and stderr and signals once their combined size passes max.
type boundedOutput struct {
	mu       sync.Mutex
	max      int
	total    int
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	exceeded chan struct{}
	tripped  bool
}

func newBoundedOutput(max int) *boundedOutput {
	return &boundedOutput{max: max, exceeded: make(chan struct{})}
}

func (b *boundedOutput) writer(dst *bytes.Buffer) *boundedWriter {
	return &boundedWriter{parent: b, dst: dst}
}

func (b *boundedOutput) result(cmd *exec.Cmd, err error) (*CLIResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tripped {
		return nil, fmt.Errorf("%s: %w", cmd.Path, ErrOutputExceeded)
	}
	res := &CLIResult{Stdout: b.stdout.String(), Stderr: b.stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("wait for %s: %w", cmd.Path, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

type boundedWriter struct {
	parent *boundedOutput
	dst    *bytes.Buffer
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	b := w.parent
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tripped {
		return len(p), nil
	}
	b.total += len(p)
	if b.total > b.max {
		b.tripped = true
		close(b.exceeded)
		return len(p), nil
	}
	w.dst.Write(p)
	return len(p), nil
}
