// Package procexec runs external programs in their own process group with
// bounded output capture and deadline-driven termination.
package procexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"
)

const (
	// DefaultCaptureMaxBytes bounds each of stdout and stderr.
	DefaultCaptureMaxBytes = 1 << 20
	// DefaultTermGrace is the wait between SIGTERM and SIGKILL.
	DefaultTermGrace = 2 * time.Second
	// ExitTimedOut is reported when the process was killed for exceeding its deadline.
	ExitTimedOut = -2
	// ExitNotRun is reported when the process could not be started.
	ExitNotRun = -1
)

// Command describes one process invocation.
type Command struct {
	Program string
	Args    []string
	Dir     string
	Env     map[string]string
	Stdin   io.Reader
	// Timeout of zero leaves the context as the only deadline.
	Timeout         time.Duration
	TermGrace       time.Duration
	CaptureMaxBytes int
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.Join(append([]string{c.Program}, c.Args...), " ")
}

// Result is the outcome of a finished, timed out or unstartable process.
type Result struct {
	ExitCode        int
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	TimedOut        bool
	Canceled        bool
	Duration        time.Duration
	// Error is set when the program could not be started or waited on.
	Error string
}

// Success reports a clean zero exit.
func (r Result) Success() bool { return r.ExitCode == 0 && !r.TimedOut && !r.Canceled && r.Error == "" }

// Output joins stdout and stderr for diagnostics.
func (r Result) Output() string {
	switch {
	case r.Stdout == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Stdout
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// Runner executes commands. Exec is the real implementation; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Exec runs commands on the host.
type Exec struct{}

type limitedBuffer struct {
	max       int
	buf       bytes.Buffer
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.max <= 0 {
		return n, nil
	}
	remain := b.max - b.buf.Len()
	if remain > 0 {
		if remain > len(p) {
			remain = len(p)
		}
		_, _ = b.buf.Write(p[:remain])
	}
	if len(p) > remain {
		b.truncated = true
	}
	return n, nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }

// Run starts the command and waits for it. Deadline expiry of either the
// context or Command.Timeout terminates the whole process group and yields
// ExitTimedOut. A non-nil error is returned only for invalid input.
func (Exec) Run(ctx context.Context, c Command) (Result, error) {
	if c.Program == "" {
		return Result{}, errors.New("procexec: empty program")
	}
	if c.CaptureMaxBytes == 0 {
		c.CaptureMaxBytes = DefaultCaptureMaxBytes
	}
	if c.TermGrace <= 0 {
		c.TermGrace = DefaultTermGrace
	}
	if err := ctx.Err(); err != nil {
		return Result{ExitCode: ExitNotRun, Canceled: true, Error: "not started: " + err.Error()}, nil
	}

	cmd := exec.Command(c.Program, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = applyEnvOverlay(os.Environ(), c.Env)
	cmd.Stdin = c.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	outBuf := &limitedBuffer{max: c.CaptureMaxBytes}
	errBuf := &limitedBuffer{max: c.CaptureMaxBytes}
	cmd.Stdout = outBuf
	cmd.Stderr = errBuf

	start := time.Now()
	if err := cmd.Start(); err != nil {
		var ee *exec.Error
		if errors.As(err, &ee) {
			return Result{ExitCode: ExitNotRun, Error: fmt.Sprintf("program %s not found", c.Program)}, nil
		}
		return Result{ExitCode: ExitNotRun, Error: fmt.Sprintf("program %s start failed: %v", c.Program, err)}, nil
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var (
		runErr   error
		timedOut bool
		canceled bool
	)
	terminate := func() {
		signalProcess(cmd, syscall.SIGTERM)
		grace := time.NewTimer(c.TermGrace)
		defer grace.Stop()
		select {
		case runErr = <-done:
		case <-grace.C:
			signalProcess(cmd, syscall.SIGKILL)
			runErr = <-done
		}
	}
	select {
	case runErr = <-done:
	case <-timeout:
		timedOut = true
		terminate()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			timedOut = true
		} else {
			canceled = true
		}
		terminate()
	}

	res := Result{
		Stdout:          outBuf.String(),
		Stderr:          errBuf.String(),
		StdoutTruncated: outBuf.truncated,
		StderrTruncated: errBuf.truncated,
		TimedOut:        timedOut,
		Canceled:        canceled,
		Duration:        time.Since(start),
	}
	if timedOut || canceled {
		res.ExitCode = ExitTimedOut
		return res, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = ExitNotRun
		res.Error = fmt.Sprintf("program %s execution failed", c.Program)
	}
	return res, nil
}

func signalProcess(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid > 0 {
		if err := syscall.Kill(-pid, sig); err == nil {
			return
		}
	}
	_ = cmd.Process.Signal(sig)
}

func applyEnvOverlay(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return append([]string(nil), base...)
	}
	m := map[string]string{}
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range overlay {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
