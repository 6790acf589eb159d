package container

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Fake is an in-memory Runtime that records calls. Its zero value builds,
// pulls nothing, and runs tests that pass.
type Fake struct {
	mu       sync.Mutex
	Calls    []string
	Networks map[string]bool
	Images   map[string]bool

	PullErr   error
	BuildErr  error
	RunErr    error
	Result    TestResult
	Specs     []TestSpec
	BlockRuns bool
}

func (f *Fake) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

// Count returns how many recorded calls start with prefix.
func (f *Fake) Count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Close() error { return nil }

func (f *Fake) Pull(_ context.Context, ref string) error {
	f.record("pull %s", ref)
	if f.PullErr != nil {
		return f.PullErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Images[ref] {
		return fmt.Errorf("pull %s: manifest unknown", ref)
	}
	return nil
}

func (f *Fake) Build(_ context.Context, spec BuildSpec) error {
	f.record("build %s cache-from=%s", spec.Tag, strings.Join(spec.CacheFrom, ","))
	if f.BuildErr != nil {
		return f.BuildErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Images == nil {
		f.Images = map[string]bool{}
	}
	f.Images[spec.Tag] = true
	return nil
}

func (f *Fake) EnsureNetwork(_ context.Context, name string) (bool, error) {
	f.record("network %s", name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Networks == nil {
		f.Networks = map[string]bool{}
	}
	if f.Networks[name] {
		return false, nil
	}
	f.Networks[name] = true
	return true, nil
}

func (f *Fake) RunTests(ctx context.Context, spec TestSpec) (TestResult, error) {
	f.record("run %s", spec.Image)
	f.mu.Lock()
	f.Specs = append(f.Specs, spec)
	f.mu.Unlock()
	if f.BlockRuns {
		<-ctx.Done()
		return TestResult{ExitCode: -2, TimedOut: true}, nil
	}
	if f.RunErr != nil {
		return TestResult{}, f.RunErr
	}
	return f.Result, nil
}
