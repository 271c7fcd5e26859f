// Package supervise executes external tools with hard lifetime
// control. Every invocation runs in its own process group so that a
// timeout or cancellation takes down the tool's children too, not just
// the leader. Termination is two-staged: SIGTERM, a grace period, then
// SIGKILL to the whole group.
package supervise

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/redconsec/redcon/internal/model"
)

// LineFunc receives one output line as it is produced. stream is
// "stdout" or "stderr".
type LineFunc func(ctx context.Context, stream, line string)

// Outcome is everything one finished invocation left behind. Err is
// set for start failures and abnormal exits; a plain nonzero exit is
// reported through ExitCode with Err carrying the *exec.ExitError.
type Outcome struct {
	Argv    []string
	Started time.Time
	Stopped time.Time

	ExitCode int
	Stdout   []byte
	// Clipped marks stdout that hit the buffer cap; the tail was
	// dropped, not the head.
	Clipped bool

	TimedOut  bool
	Cancelled bool
	Err       error
}

// Truncated reports whether the tool was stopped before it could
// finish on its own.
func (o Outcome) Truncated() bool {
	return o.TimedOut || o.Cancelled
}

const defaultMaxOutput = 10 << 20

type Supervisor struct {
	grace     time.Duration
	maxOutput int
}

type Option func(*Supervisor)

// WithMaxOutput caps the buffered stdout bytes per invocation.
func WithMaxOutput(n int) Option {
	return func(s *Supervisor) { s.maxOutput = n }
}

// New returns a Supervisor using grace as the SIGTERM to SIGKILL
// escalation delay.
func New(grace time.Duration, opts ...Option) *Supervisor {
	s := &Supervisor{grace: grace, maxOutput: defaultMaxOutput}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Execute runs one invocation to completion. It blocks until the
// process and both pipe readers are done, so the returned Outcome is
// final; no goroutine outlives the call.
func (s *Supervisor) Execute(ctx context.Context, inv model.Invocation, timeout time.Duration, lines LineFunc) Outcome {
	out := Outcome{Argv: inv.Argv(), ExitCode: -1}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	} else {
		slog.WarnContext(ctx, "command has no timeout", "path", inv.Path)
	}

	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		out.Err = err
		return out
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		out.Err = err
		return out
	}

	var buf bytes.Buffer
	var clipped bool
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.consume(ctx, stdout, func(line string) {
			if buf.Len() < s.maxOutput {
				buf.WriteString(line)
				buf.WriteByte('\n')
			} else {
				clipped = true
			}
			if lines != nil {
				lines(ctx, "stdout", line)
			}
		})
	}()
	go func() {
		defer wg.Done()
		s.consume(ctx, stderr, func(line string) {
			if lines != nil {
				lines(ctx, "stderr", line)
			}
		})
	}()

	out.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		wg.Wait() // failed Start closes the pipes, readers exit on EOF
		out.Stopped = time.Now().UTC()
		out.Err = err
		return out
	}
	slog.DebugContext(ctx, "process started", "path", inv.Path, "pid", cmd.Process.Pid)

	var waitErr error
	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		waitErr = cmd.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-runCtx.Done():
		if ctx.Err() != nil {
			out.Cancelled = true
		} else {
			out.TimedOut = true
		}
		slog.DebugContext(ctx, "terminating process group",
			"path", inv.Path, "pid", cmd.Process.Pid, "timed_out", out.TimedOut)
		termGroup(cmd)
		select {
		case <-waitDone:
		case <-time.After(s.grace):
			killGroup(cmd)
			<-waitDone
		}
	}

	out.Stopped = time.Now().UTC()
	out.Stdout = buf.Bytes()
	out.Clipped = clipped
	out.Err = waitErr
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	if out.Truncated() {
		// the kill is ours, not the tool's failure
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			out.Err = nil
		}
	}
	return out
}

func (s *Supervisor) consume(ctx context.Context, r io.Reader, fn func(line string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fn(sc.Text())
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "reading process output", "error", err)
	}
}
