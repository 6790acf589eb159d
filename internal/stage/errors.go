package stage

import (
	"fmt"
	"strings"
	"time"
)

// HookFailure is one checker that reported problems or could not run. It is
// recorded on the hook outcome and never aborts sibling hooks.
type HookFailure struct {
	Hook     string
	ExitCode int
	TimedOut bool
	Summary  string
	Err      error
}

func (e *HookFailure) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("hook %s timed out", e.Hook)
	case e.Err != nil:
		return fmt.Sprintf("hook %s could not run: %s", e.Hook, sanitizeErrorMessage(e.Err.Error()))
	case e.Summary != "":
		return fmt.Sprintf("hook %s failed: %s", e.Hook, firstLine(e.Summary))
	default:
		return fmt.Sprintf("hook %s failed (exit %d)", e.Hook, e.ExitCode)
	}
}

func (e *HookFailure) Unwrap() error { return e.Err }

// StageTimeout is a stage deadline that was exceeded.
type StageTimeout struct {
	Stage   string
	Timeout time.Duration
}

func (e *StageTimeout) Error() string {
	return fmt.Sprintf("stage %s exceeded its %s timeout", e.Stage, e.Timeout)
}

// StageFailure is the aggregate failure of a stage.
type StageFailure struct {
	Stage  string
	Reason string
	Err    error
}

func (e *StageFailure) Error() string {
	if e.Reason == "" && e.Err != nil {
		return fmt.Sprintf("stage %s failed: %s", e.Stage, sanitizeErrorMessage(e.Err.Error()))
	}
	return fmt.Sprintf("stage %s failed: %s", e.Stage, e.Reason)
}

func (e *StageFailure) Unwrap() error { return e.Err }

// UploadFailure is a coverage upload that did not complete. It is logged and
// recorded but never fails the stage.
type UploadFailure struct {
	Kind string
	Err  error
}

func (e *UploadFailure) Error() string {
	return fmt.Sprintf("coverage upload (%s) failed: %s", e.Kind, sanitizeErrorMessage(e.Err.Error()))
}

func (e *UploadFailure) Unwrap() error { return e.Err }

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return sanitizeErrorMessage(s)
}
