package stage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/flarebyte/diffgate/internal/procexec"
)

// diagnosticLine matches `path:line[:col]: severity: message  [code]`.
var diagnosticLine = regexp.MustCompile(`^(.+?):(\d+)(?::(\d+))?: (error|warning|note): (.*?)(?:\s+\[([A-Za-z0-9_-]+)\])?\s*$`)

// parseDiagnostics returns the error diagnostics in output. Warnings and
// unreachable-code notes count as errors; other notes are context.
func parseDiagnostics(output string) []Diagnostic {
	var out []Diagnostic
	for _, line := range strings.Split(output, "\n") {
		m := diagnosticLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		d := Diagnostic{Path: m[1], Severity: m[4], Message: m[5], Code: m[6]}
		d.Line, _ = strconv.Atoi(m[2])
		if m[3] != "" {
			d.Column, _ = strconv.Atoi(m[3])
		}
		switch {
		case d.Severity == "error":
		case d.Severity == "warning", d.Code == "unreachable":
			d.Severity = "error"
		default:
			continue
		}
		out = append(out, d)
	}
	return out
}

func (d Diagnostic) String() string {
	s := fmt.Sprintf("%s:%d: %s", d.Path, d.Line, d.Message)
	if d.Code != "" {
		s += " [" + d.Code + "]"
	}
	return s
}

func runTypecheck(ctx context.Context, deps Deps) (StageResult, error) {
	res := StageResult{Name: Typecheck, StartedAt: time.Now()}
	cfg := deps.Config.Typecheck
	log := deps.Log.With("stage", Typecheck)
	if strings.TrimSpace(cfg.Program) == "" {
		return res, errors.New("typecheck: program is required")
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	cmd := procexec.Command{Program: cfg.Program, Args: cfg.Args, Dir: deps.Root}
	log.Debug("running type checker", "command", cmd.String())
	r, err := deps.Runner.Run(ctx, cmd)
	res.Duration = time.Since(res.StartedAt)
	res.ExitCode = r.ExitCode

	switch {
	case r.TimedOut || errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Status = StatusFailure
		res.TimedOut = true
		res.Reason = "timeout"
		res.Diagnostic = (&StageTimeout{Stage: Typecheck, Timeout: cfg.Timeout}).Error()
	case r.Canceled || ctx.Err() != nil:
		res.Status = StatusFailure
		res.Reason = "canceled"
		res.Diagnostic = (&StageFailure{Stage: Typecheck, Reason: "canceled"}).Error()
	case err != nil:
		res.Status = StatusFailure
		res.Reason = "could not run"
		res.Diagnostic = (&StageFailure{Stage: Typecheck, Err: err}).Error()
	case r.Error != "":
		res.Status = StatusFailure
		res.Reason = "could not run"
		res.Diagnostic = (&StageFailure{Stage: Typecheck, Reason: r.Error}).Error()
	default:
		res.TypeErrors = parseDiagnostics(r.Stdout + "\n" + r.Stderr)
		switch {
		case len(res.TypeErrors) > 0:
			res.Status = StatusFailure
			res.Reason = fmt.Sprintf("%d type errors", len(res.TypeErrors))
			res.Diagnostic = (&StageFailure{Stage: Typecheck, Reason: res.Reason + "; first: " + res.TypeErrors[0].String()}).Error()
		case r.ExitCode != 0:
			res.Status = StatusFailure
			res.Reason = fmt.Sprintf("exit status %d", r.ExitCode)
			detail := res.Reason
			if strings.TrimSpace(r.Output()) != "" {
				detail += ": " + firstLine(r.Output())
			}
			res.Diagnostic = (&StageFailure{Stage: Typecheck, Reason: detail}).Error()
		default:
			res.Status = StatusSuccess
		}
	}
	if res.Status == StatusFailure && res.ExitCode == 0 {
		res.ExitCode = 1
	}
	log.Info("stage finished", "status", res.Status, "duration", res.Duration, "errors", len(res.TypeErrors))
	return res, nil
}

func init() { Register(Typecheck, runTypecheck) }
