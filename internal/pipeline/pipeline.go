// Package pipeline sequences the lint, typecheck and build-test stages and
// reduces their results to one run state.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/flarebyte/diffgate/internal/logging"
	"github.com/flarebyte/diffgate/internal/stage"
	"github.com/google/uuid"
)

// Run is the record of one pipeline execution.
type Run struct {
	ID         string              `json:"id" yaml:"id"`
	StartedAt  time.Time           `json:"startedAt" yaml:"startedAt"`
	FinishedAt time.Time           `json:"finishedAt" yaml:"finishedAt"`
	BaseRef    string              `json:"baseRef,omitempty" yaml:"baseRef,omitempty"`
	BaseCommit string              `json:"baseCommit,omitempty" yaml:"baseCommit,omitempty"`
	State      State               `json:"state" yaml:"state"`
	Diagnostic string              `json:"diagnostic,omitempty" yaml:"diagnostic,omitempty"`
	ChangeSet  []string            `json:"changeSet" yaml:"changeSet"`
	Stages     []stage.StageResult `json:"stages" yaml:"stages"`
}

// ExitCode is 0 for a successful run and 1 otherwise.
func (r Run) ExitCode() int {
	if r.State == Success {
		return 0
	}
	return 1
}

// Stage returns the result recorded for name.
func (r Run) Stage(name string) (stage.StageResult, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return stage.StageResult{}, false
}

// Progress observes a run as it happens.
type Progress interface {
	Transition(from, to State)
	StageFinished(r stage.StageResult)
}

// Recorder persists finished runs. Its failures are logged and never change
// the run outcome.
type Recorder interface {
	Record(ctx context.Context, r Run) error
}

// StageFunc runs one stage.
type StageFunc func(ctx context.Context, name string, deps stage.Deps) (stage.StageResult, error)

// Coordinator owns one run at a time.
type Coordinator struct {
	Deps     stage.Deps
	Progress Progress
	Recorder Recorder
	Log      logging.Logger
	// RunStage defaults to stage.Run.
	RunStage StageFunc
}

const recordTimeout = 10 * time.Second

// Execute runs the full pipeline.
func (c *Coordinator) Execute(ctx context.Context) (Run, error) {
	r := c.begin()
	deps := c.deps(r.ID)
	cfg := deps.Config
	concurrent := cfg.Concurrent

	tcCtx, tcCancel := context.WithCancel(ctx)
	defer tcCancel()
	tcDone := make(chan stage.StageResult, 1)
	startTypecheck := func() {
		go func() { tcDone <- c.stage(tcCtx, stage.Typecheck, cfg.Typecheck.Enabled, deps) }()
	}

	c.transition(&r, Linting)
	if concurrent {
		startTypecheck()
	}
	lint := c.stage(ctx, stage.Lint, cfg.Lint.Enabled, deps)
	if lint.Failed() {
		tcCancel()
		if concurrent {
			<-tcDone
		}
		return c.finish(ctx, r, LintFailed,
			lint,
			stage.NotRun(stage.Typecheck, "lint failed"),
			stage.NotRun(stage.BuildTest, "lint failed"))
	}

	if !concurrent {
		c.transition(&r, TypeChecking)
		startTypecheck()
	}

	var testDone chan stage.StageResult
	if !cfg.Typecheck.GateTests {
		c.transition(&r, Testing)
		testDone = make(chan stage.StageResult, 1)
		go func() { testDone <- c.stage(ctx, stage.BuildTest, cfg.Test.Enabled, deps) }()
	} else if concurrent {
		c.transition(&r, TypeChecking)
	}

	tc := <-tcDone
	if testDone != nil {
		test := <-testDone
		switch {
		case tc.Failed():
			return c.finish(ctx, r, TypeCheckFailed, lint, tc, test)
		case test.Failed():
			return c.finish(ctx, r, TestsFailed, lint, tc, test)
		}
		return c.finish(ctx, r, Success, lint, tc, test)
	}
	if tc.Failed() {
		return c.finish(ctx, r, TypeCheckFailed, lint, tc, stage.NotRun(stage.BuildTest, "typecheck failed"))
	}

	c.transition(&r, Testing)
	test := c.stage(ctx, stage.BuildTest, cfg.Test.Enabled, deps)
	if test.Failed() {
		return c.finish(ctx, r, TestsFailed, lint, tc, test)
	}
	return c.finish(ctx, r, Success, lint, tc, test)
}

// ExecuteStage runs a single stage; the others are recorded as not-run.
func (c *Coordinator) ExecuteStage(ctx context.Context, name string) (Run, error) {
	states := map[string][2]State{
		stage.Lint:      {Linting, LintFailed},
		stage.Typecheck: {TypeChecking, TypeCheckFailed},
		stage.BuildTest: {Testing, TestsFailed},
	}
	st, ok := states[name]
	if !ok {
		return Run{}, fmt.Errorf("unknown stage: %s", name)
	}
	r := c.begin()
	deps := c.deps(r.ID)
	c.transition(&r, st[0])
	results := make([]stage.StageResult, 0, 3)
	final := Success
	for _, n := range []string{stage.Lint, stage.Typecheck, stage.BuildTest} {
		if n != name {
			results = append(results, stage.NotRun(n, "not selected"))
			continue
		}
		res := c.stage(ctx, n, true, deps)
		if res.Failed() {
			final = st[1]
		}
		results = append(results, res)
	}
	return c.finish(ctx, r, final, results...)
}

func (c *Coordinator) begin() Run {
	id := c.Deps.RunID
	if id == "" {
		id = uuid.NewString()
	}
	files := c.Deps.ChangeSet.Files
	if files == nil {
		files = []string{}
	}
	return Run{
		ID:         id,
		StartedAt:  time.Now().UTC(),
		BaseRef:    c.Deps.ChangeSet.BaseRef,
		BaseCommit: c.Deps.ChangeSet.BaseCommit,
		State:      Idle,
		ChangeSet:  files,
	}
}

func (c *Coordinator) deps(runID string) stage.Deps {
	d := c.Deps
	d.RunID = runID
	if d.Log == nil {
		d.Log = c.logger()
	}
	if d.Commit == "" {
		d.Commit = d.ChangeSet.HeadCommit
	}
	return d
}

func (c *Coordinator) logger() logging.Logger {
	if c.Log == nil {
		return logging.Nop()
	}
	return c.Log
}

// stage runs name, folding runner errors into a failed result. A stage
// that starts or ends with ctx done is a failure whatever it reported.
func (c *Coordinator) stage(ctx context.Context, name string, enabled bool, deps stage.Deps) stage.StageResult {
	if ctx.Err() != nil {
		res := interrupted(stage.StageResult{Name: name})
		c.stageFinished(res)
		return res
	}
	if !enabled {
		res := stage.NotRun(name, "disabled")
		c.stageFinished(res)
		return res
	}
	run := c.RunStage
	if run == nil {
		run = stage.Run
	}
	res, err := run(ctx, name, deps)
	if err != nil {
		res.Name = name
		res.Status = stage.StatusFailure
		res.ExitCode = 1
		res.Reason = "could not run"
		res.Diagnostic = (&stage.StageFailure{Stage: name, Err: err}).Error()
		c.logger().Error("stage error", "stage", name, "err", err)
	}
	if ctx.Err() != nil && !res.Failed() {
		res = interrupted(res)
	}
	c.stageFinished(res)
	return res
}

func interrupted(res stage.StageResult) stage.StageResult {
	res.Status = stage.StatusFailure
	res.ExitCode = 1
	res.Reason = "canceled"
	res.Diagnostic = (&stage.StageFailure{Stage: res.Name, Reason: "run canceled"}).Error()
	return res
}

func (c *Coordinator) stageFinished(res stage.StageResult) {
	if c.Progress != nil {
		c.Progress.StageFinished(res)
	}
}

func (c *Coordinator) transition(r *Run, to State) {
	from := r.State
	if from == to {
		return
	}
	r.State = to
	c.logger().Debug("state transition", "run", r.ID, "from", from, "to", to)
	if c.Progress != nil {
		c.Progress.Transition(from, to)
	}
}

func (c *Coordinator) finish(ctx context.Context, r Run, final State, results ...stage.StageResult) (Run, error) {
	r.Stages = results
	for _, s := range results {
		if s.Failed() {
			r.Diagnostic = s.Diagnostic
			if r.Diagnostic == "" {
				r.Diagnostic = fmt.Sprintf("stage %s failed", s.Name)
			}
			break
		}
	}
	c.transition(&r, final)
	r.FinishedAt = time.Now().UTC()
	c.logger().Info("run finished", "run", r.ID, "state", r.State, "duration", r.FinishedAt.Sub(r.StartedAt))
	if c.Recorder != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		if err := c.Recorder.Record(rctx, r); err != nil {
			c.logger().Warn("history record failed", "run", r.ID, "err", err)
		}
	}
	return r, nil
}
