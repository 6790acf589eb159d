package stage

import (
	"context"
	"sort"
)

// Stage names as used on the command line and in reports.
const (
	Lint      = "lint"
	Typecheck = "typecheck"
	BuildTest = "build-test"
)

// Runner executes a stage. A runner reports stage failures on the result;
// the error is reserved for failures to run the stage at all.
type Runner func(ctx context.Context, deps Deps) (StageResult, error)

var registry = map[string]Runner{}

// Register adds a stage runner.
func Register(name string, r Runner) {
	registry[name] = r
}

// Names lists registered stages.
func Names() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Run executes a registered stage by name.
func Run(ctx context.Context, name string, deps Deps) (StageResult, error) {
	r, ok := registry[name]
	if !ok {
		return StageResult{}, ErrUnknown{name: name}
	}
	return r(ctx, deps.withDefaults())
}

// ErrUnknown is returned when a stage is not found.
type ErrUnknown struct{ name string }

func (e ErrUnknown) Error() string { return "unknown stage: " + e.name }
