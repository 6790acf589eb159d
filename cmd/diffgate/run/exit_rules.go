package run

import (
	"fmt"

	"github.com/flarebyte/diffgate/internal/pipeline"
)

const (
	exitCodeSuccess = 0
	exitCodeFailure = 1
)

type runExitError struct {
	code int
	msg  string
}

func (e runExitError) Error() string { return e.msg }
func (e runExitError) ExitCode() int { return e.code }

// evaluateRunExit turns a finished run into the process outcome. Only a
// Success state exits zero.
func evaluateRunExit(r pipeline.Run) error {
	if r.ExitCode() == exitCodeSuccess {
		return nil
	}
	msg := fmt.Sprintf("pipeline %s", r.State)
	if r.Diagnostic != "" {
		msg += ": " + r.Diagnostic
	}
	return runExitError{code: exitCodeFailure, msg: msg}
}
