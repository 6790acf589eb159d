package pipeline

// State is a coordinator state. LintFailed, TypeCheckFailed, TestsFailed
// and Success are terminal.
type State string

const (
	Idle            State = "idle"
	Linting         State = "linting"
	TypeChecking    State = "type-checking"
	Testing         State = "testing"
	LintFailed      State = "lint-failed"
	TypeCheckFailed State = "typecheck-failed"
	TestsFailed     State = "tests-failed"
	Success         State = "success"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	switch s {
	case LintFailed, TypeCheckFailed, TestsFailed, Success:
		return true
	}
	return false
}
