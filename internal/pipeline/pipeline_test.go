package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/flarebyte/diffgate/internal/changeset"
	"github.com/flarebyte/diffgate/internal/config"
	"github.com/flarebyte/diffgate/internal/container"
	"github.com/flarebyte/diffgate/internal/hooks"
	"github.com/flarebyte/diffgate/internal/procexec"
	"github.com/flarebyte/diffgate/internal/stage"
	"github.com/google/uuid"
)

type scriptedStages struct {
	mu      sync.Mutex
	calls   []string
	results map[string]stage.StageResult
	errs    map[string]error
	block   map[string]bool
}

func (s *scriptedStages) run(ctx context.Context, name string, _ stage.Deps) (stage.StageResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()
	if s.block[name] {
		<-ctx.Done()
		return stage.NotRun(name, "canceled"), nil
	}
	r := s.results[name]
	r.Name = name
	if r.Status == "" {
		r.Status = stage.StatusSuccess
	}
	return r, s.errs[name]
}

func (s *scriptedStages) called(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c == name {
			return true
		}
	}
	return false
}

type recordingProgress struct {
	mu          sync.Mutex
	transitions []State
	finished    []string
}

func (p *recordingProgress) Transition(_, to State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions = append(p.transitions, to)
}

func (p *recordingProgress) StageFinished(r stage.StageResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = append(p.finished, r.Name)
}

type memRecorder struct {
	runs []Run
	err  error
}

func (m *memRecorder) Record(_ context.Context, r Run) error {
	m.runs = append(m.runs, r)
	return m.err
}

func enabledConfig() config.Pipeline {
	cfg := config.Default()
	cfg.Test.Enabled = true
	cfg.Test.Image = "app:test"
	cfg.Test.Command = []string{"pytest"}
	return cfg
}

func failed(name, diag string) stage.StageResult {
	return stage.StageResult{Name: name, Status: stage.StatusFailure, Diagnostic: diag}
}

func statusOf(t *testing.T, r Run, name string) stage.Status {
	t.Helper()
	s, ok := r.Stage(name)
	if !ok {
		t.Fatalf("stage %s missing from run", name)
	}
	return s.Status
}

func TestExecute_SuccessVisitsEveryState(t *testing.T) {
	s := &scriptedStages{}
	p := &recordingProgress{}
	rec := &memRecorder{}
	c := &Coordinator{Deps: stage.Deps{Config: enabledConfig(), RunID: "r1"}, RunStage: s.run, Progress: p, Recorder: rec}
	r, err := c.Execute(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if r.State != Success || r.ExitCode() != 0 || r.ID != "r1" {
		t.Fatalf("unexpected run: %+v", r)
	}
	want := []State{Linting, TypeChecking, Testing, Success}
	if !reflect.DeepEqual(p.transitions, want) {
		t.Fatalf("transitions: %v", p.transitions)
	}
	if len(rec.runs) != 1 || len(rec.runs[0].Stages) != 3 {
		t.Fatalf("history should record every stage: %+v", rec.runs)
	}
}

func TestExecute_LintFailureCancelsTypecheckAndSkipsTests(t *testing.T) {
	s := &scriptedStages{
		results: map[string]stage.StageResult{stage.Lint: failed(stage.Lint, "stage lint failed: flake8")},
		block:   map[string]bool{stage.Typecheck: true},
	}
	c := &Coordinator{Deps: stage.Deps{Config: enabledConfig()}, RunStage: s.run}
	r, err := c.Execute(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if r.State != LintFailed || r.Diagnostic != "stage lint failed: flake8" || r.ExitCode() != 1 {
		t.Fatalf("unexpected run: %+v", r)
	}
	if statusOf(t, r, stage.Typecheck) != stage.StatusNotRun || statusOf(t, r, stage.BuildTest) != stage.StatusNotRun {
		t.Fatalf("later stages must be not-run: %+v", r.Stages)
	}
	if s.called(stage.BuildTest) {
		t.Fatalf("build-test must not be invoked after a lint failure")
	}
	if _, err := uuid.Parse(r.ID); err != nil {
		t.Fatalf("run id should be a uuid: %q", r.ID)
	}
}

func TestExecute_TypecheckGatesTests(t *testing.T) {
	s := &scriptedStages{results: map[string]stage.StageResult{stage.Typecheck: failed(stage.Typecheck, "stage typecheck failed: 1 type errors")}}
	c := &Coordinator{Deps: stage.Deps{Config: enabledConfig()}, RunStage: s.run}
	r, _ := c.Execute(context.Background())
	if r.State != TypeCheckFailed || statusOf(t, r, stage.BuildTest) != stage.StatusNotRun || s.called(stage.BuildTest) {
		t.Fatalf("unexpected run: %+v", r)
	}
	if !strings.Contains(r.Diagnostic, "typecheck") {
		t.Fatalf("unexpected diagnostic: %q", r.Diagnostic)
	}
}

func TestExecute_UngatedTestsRunBesideTypecheck(t *testing.T) {
	cfg := enabledConfig()
	cfg.Typecheck.GateTests = false
	s := &scriptedStages{results: map[string]stage.StageResult{stage.Typecheck: failed(stage.Typecheck, "tc")}}
	c := &Coordinator{Deps: stage.Deps{Config: cfg}, RunStage: s.run}
	r, _ := c.Execute(context.Background())
	if r.State != TypeCheckFailed || !s.called(stage.BuildTest) || statusOf(t, r, stage.BuildTest) != stage.StatusSuccess {
		t.Fatalf("unexpected run: %+v", r)
	}
}

func TestExecute_SequentialOrder(t *testing.T) {
	cfg := enabledConfig()
	cfg.Concurrent = false
	s := &scriptedStages{}
	c := &Coordinator{Deps: stage.Deps{Config: cfg}, RunStage: s.run}
	if _, err := c.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if want := []string{stage.Lint, stage.Typecheck, stage.BuildTest}; !reflect.DeepEqual(s.calls, want) {
		t.Fatalf("calls: %v", s.calls)
	}
}

func TestExecute_DisabledStagesAndRecorderFailure(t *testing.T) {
	cfg := config.Default()
	s := &scriptedStages{}
	rec := &memRecorder{err: errors.New("database is locked")}
	c := &Coordinator{Deps: stage.Deps{Config: cfg}, RunStage: s.run, Recorder: rec}
	r, err := c.Execute(context.Background())
	if err != nil || r.State != Success {
		t.Fatalf("recorder failure must not change the outcome: %v %+v", err, r)
	}
	if res, _ := r.Stage(stage.BuildTest); res.Status != stage.StatusNotRun || res.Reason != "disabled" {
		t.Fatalf("disabled build-test should be not-run: %+v", res)
	}
}

func TestExecute_StageErrorBecomesFailure(t *testing.T) {
	s := &scriptedStages{errs: map[string]error{stage.Lint: errors.New("lint: manifest is required")}}
	c := &Coordinator{Deps: stage.Deps{Config: enabledConfig()}, RunStage: s.run}
	r, _ := c.Execute(context.Background())
	if r.State != LintFailed || !strings.Contains(r.Diagnostic, "manifest is required") {
		t.Fatalf("unexpected run: %+v", r)
	}
}

func TestExecuteStage_OnlySelected(t *testing.T) {
	s := &scriptedStages{results: map[string]stage.StageResult{stage.BuildTest: failed(stage.BuildTest, "tests failed")}}
	c := &Coordinator{Deps: stage.Deps{Config: enabledConfig()}, RunStage: s.run}
	r, err := c.ExecuteStage(context.Background(), stage.BuildTest)
	if err != nil {
		t.Fatalf("execute stage: %v", err)
	}
	if r.State != TestsFailed || !reflect.DeepEqual(s.calls, []string{stage.BuildTest}) {
		t.Fatalf("unexpected run: %+v calls=%v", r, s.calls)
	}
	if _, err := c.ExecuteStage(context.Background(), "deploy"); err == nil {
		t.Fatalf("expected unknown stage error")
	}
}

// blockingRunner stands in for a type checker that only stops when canceled.
type blockingRunner struct{}

func (blockingRunner) Run(ctx context.Context, _ procexec.Command) (procexec.Result, error) {
	<-ctx.Done()
	return procexec.Result{ExitCode: procexec.ExitTimedOut, Canceled: true}, nil
}

func TestExecute_FailingHookMeansNoTestRuns(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "x.py"), []byte("print(1)\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := hooks.Parse([]byte(`repos:
  - repo: local
    hooks:
      - id: always-fail
        entry: always fails
        language: fail
`), "m.yaml", hooks.Options{})
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	rt := &container.Fake{}
	c := &Coordinator{Deps: stage.Deps{
		Config:    enabledConfig(),
		Root:      root,
		Manifest:  m,
		ChangeSet: changeset.ChangeSet{Root: root, Files: []string{"x.py"}},
		Runner:    blockingRunner{},
		Runtime:   rt,
	}}
	r, err := c.Execute(context.Background())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if r.State != LintFailed {
		t.Fatalf("expected lint failure, got %s", r.State)
	}
	if len(rt.Calls) != 0 {
		t.Fatalf("testing must never be invoked, got %v", rt.Calls)
	}
	if statusOf(t, r, stage.Typecheck) != stage.StatusNotRun {
		t.Fatalf("typecheck should be not-run")
	}
}

func TestExecute_UnreachableWarningFailsWhateverHooksDid(t *testing.T) {
	rt := &container.Fake{}
	runner := &stubTypechecker{out: "snuba/x.py:4: warning: Statement is unreachable  [unreachable]\n"}
	m := &hooks.Manifest{Path: "m.yaml"}
	c := &Coordinator{Deps: stage.Deps{
		Config:    enabledConfig(),
		Root:      t.TempDir(),
		Manifest:  m,
		ChangeSet: changeset.ChangeSet{Files: []string{"snuba/x.py"}},
		Runner:    runner,
		Runtime:   rt,
	}}
	r, _ := c.Execute(context.Background())
	if r.State != TypeCheckFailed || statusOf(t, r, stage.Lint) != stage.StatusSuccess {
		t.Fatalf("unexpected run: %+v", r)
	}
	if rt.Count("run") != 0 {
		t.Fatalf("tests must not run after a type error")
	}
}

type stubTypechecker struct{ out string }

func (s *stubTypechecker) Run(context.Context, procexec.Command) (procexec.Result, error) {
	return procexec.Result{ExitCode: 1, Stdout: s.out}, nil
}

type passingRunner struct{}

func (passingRunner) Run(context.Context, procexec.Command) (procexec.Result, error) {
	return procexec.Result{ExitCode: 0}, nil
}

func TestExecute_CanceledRunNeverSucceeds(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.py"), []byte("x = 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := hooks.Parse([]byte(`repos:
  - repo: local
    hooks:
      - id: always-fail
        entry: "false"
        language: system
`), "m.yaml", hooks.Options{})
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rt := &container.Fake{}
	rec := &memRecorder{}
	c := &Coordinator{Deps: stage.Deps{
		Config:    enabledConfig(),
		Root:      root,
		Manifest:  m,
		ChangeSet: changeset.ChangeSet{Root: root, Files: []string{"a.py"}},
		Runner:    passingRunner{},
		Runtime:   rt,
	}, Recorder: rec}
	r, err := c.Execute(ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if r.State == Success || r.ExitCode() != 1 {
		t.Fatalf("a canceled run must fail: %+v", r)
	}
	if statusOf(t, r, stage.Lint) != stage.StatusFailure {
		t.Fatalf("lint should fail when canceled: %+v", r.Stages)
	}
	if len(rt.Calls) != 0 {
		t.Fatalf("testing must never start on a canceled run, got %v", rt.Calls)
	}
	if len(rec.runs) != 1 || rec.runs[0].State == Success {
		t.Fatalf("history must not record a passing gate: %+v", rec.runs)
	}
}

func TestExecute_CancelAfterLintBlocksTesting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &scriptedStages{block: map[string]bool{stage.Typecheck: true}}
	c := &Coordinator{Deps: stage.Deps{Config: enabledConfig()}, RunStage: func(ctx context.Context, name string, d stage.Deps) (stage.StageResult, error) {
		if name == stage.Lint {
			defer cancel()
		}
		return s.run(ctx, name, d)
	}}
	r, _ := c.Execute(ctx)
	if r.State == Success || r.ExitCode() != 1 {
		t.Fatalf("a canceled run must fail: %+v", r)
	}
	if s.called(stage.BuildTest) {
		t.Fatalf("build-test must not start after cancellation")
	}
}

func TestExecuteStage_CanceledIsFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &scriptedStages{}
	c := &Coordinator{Deps: stage.Deps{Config: enabledConfig()}, RunStage: s.run}
	r, err := c.ExecuteStage(ctx, stage.Typecheck)
	if err != nil {
		t.Fatalf("execute stage: %v", err)
	}
	if r.State != TypeCheckFailed || s.called(stage.Typecheck) {
		t.Fatalf("unexpected run: %+v calls=%v", r, s.calls)
	}
}
