package stage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/flarebyte/diffgate/internal/checker"
	"github.com/flarebyte/diffgate/internal/hooks"
	"github.com/flarebyte/diffgate/internal/procexec"
)

const reasonEmptyChangeSet = "empty changeset"

// hookPlan is one hook ready to run, or already decided.
type hookPlan struct {
	def     hooks.HookDefinition
	checker checker.Checker
	files   []string
	// decided outcomes are returned without invoking the checker.
	decided *Outcome
}

func runLint(ctx context.Context, deps Deps) (StageResult, error) {
	res := StageResult{Name: Lint, StartedAt: time.Now()}
	if deps.Manifest == nil {
		return res, errors.New("lint: manifest is required")
	}
	log := deps.Log.With("stage", Lint)
	cfg := deps.Config.Lint
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	defs := deps.Manifest.Hooks
	if deps.ChangeSet.Empty() {
		for _, def := range defs {
			o := newOutcome(def)
			o.Status = HookSkippedNoMatch
			o.Reason = reasonEmptyChangeSet
			res.Hooks = append(res.Hooks, o)
		}
		res.Status = StatusSuccess
		res.Reason = reasonEmptyChangeSet
		res.Duration = time.Since(res.StartedAt)
		log.Info("vacuous pass", "hooks", len(defs), "reason", reasonEmptyChangeSet)
		return res, nil
	}

	candidates, err := manifestScope(deps.Manifest, deps.ChangeSet.Files)
	if err != nil {
		return res, fmt.Errorf("lint: %w", err)
	}
	plans := planHooks(deps, defs, candidates)

	var stop atomic.Bool
	workers := getWorkers(cfg.Workers)
	log.Debug("scheduling hooks", "hooks", len(plans), "workers", workers, "files", len(candidates))
	res.Hooks = runIndexedParallel(len(plans), workers, func(i int) Outcome {
		p := plans[i]
		if p.decided != nil {
			return *p.decided
		}
		o := newOutcome(p.def)
		o.Files = p.files
		if stop.Load() {
			o.Status = HookNotRun
			o.Reason = "fail_fast"
			return o
		}
		if err := ctx.Err(); err != nil {
			return interrupted(o, err)
		}
		o = runHook(ctx, deps, p, o)
		log.Info("hook finished", "hook", o.ID, "files", len(o.Files), "status", o.Status, "duration", o.Duration)
		if o.Status == HookFail && deps.Manifest.FailFast {
			stop.Store(true)
		}
		return o
	})

	res.Duration = time.Since(res.StartedAt)
	res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
	failed := failedHooks(res.Hooks)
	switch {
	case res.TimedOut:
		res.Status = StatusFailure
		res.ExitCode = 1
		res.Reason = "timeout"
		res.Diagnostic = (&StageTimeout{Stage: Lint, Timeout: cfg.Timeout}).Error()
	case len(failed) > 0:
		res.Status = StatusFailure
		res.ExitCode = 1
		res.Reason = fmt.Sprintf("%d of %d hooks failed", len(failed), len(res.Hooks))
		res.Diagnostic = (&StageFailure{Stage: Lint, Reason: lintDiagnostic(res.Hooks, failed)}).Error()
	case ctx.Err() != nil:
		res.Status = StatusFailure
		res.ExitCode = 1
		res.Reason = "canceled"
		res.Diagnostic = (&StageFailure{Stage: Lint, Reason: "canceled before every hook ran"}).Error()
	default:
		res.Status = StatusSuccess
	}
	log.Info("stage finished", "status", res.Status, "duration", res.Duration, "failed", len(failed))
	return res, nil
}

// PlannedHook is what the lint stage would do with one hook.
type PlannedHook struct {
	ID     string   `json:"id" yaml:"id"`
	Source string   `json:"source" yaml:"source"`
	Files  []string `json:"files" yaml:"files"`
	Skip   string   `json:"skip,omitempty" yaml:"skip,omitempty"`
}

// Plan resolves the per-hook file lists without invoking any checker.
func Plan(deps Deps) ([]PlannedHook, error) {
	if deps.Manifest == nil {
		return nil, errors.New("plan: manifest is required")
	}
	deps = deps.withDefaults()
	out := make([]PlannedHook, 0, len(deps.Manifest.Hooks))
	if deps.ChangeSet.Empty() {
		for _, def := range deps.Manifest.Hooks {
			out = append(out, PlannedHook{ID: def.ID, Source: def.Source, Files: []string{}, Skip: reasonEmptyChangeSet})
		}
		return out, nil
	}
	candidates, err := manifestScope(deps.Manifest, deps.ChangeSet.Files)
	if err != nil {
		return nil, err
	}
	for _, p := range planHooks(deps, deps.Manifest.Hooks, candidates) {
		ph := PlannedHook{ID: p.def.ID, Source: p.def.Source, Files: p.files}
		if ph.Files == nil {
			ph.Files = []string{}
		}
		if p.decided != nil {
			ph.Skip = p.decided.Reason
		}
		out = append(out, ph)
	}
	return out, nil
}

// planHooks builds every checker and decides the hooks that need no run.
func planHooks(deps Deps, defs []hooks.HookDefinition, candidates []string) []hookPlan {
	opts := checker.Options{Root: deps.Root, Lua: deps.Config.Lua, Runner: deps.Runner}
	plans := make([]hookPlan, len(defs))
	for i, def := range defs {
		plans[i].def = def
		c, err := checker.Build(def, opts)
		if err != nil {
			o := newOutcome(def)
			o.Status = HookFail
			o.ExitCode = procexec.ExitNotRun
			o.Reason = (&HookFailure{Hook: def.ID, Err: err}).Error()
			plans[i].decided = &o
			continue
		}
		plans[i].checker = c
		var files []string
		for _, f := range candidates {
			if c.CanHandle(f) {
				files = append(files, f)
			}
		}
		plans[i].files = files
		if len(files) == 0 && !def.AlwaysRun {
			o := newOutcome(def)
			o.Status = HookSkippedNoMatch
			o.Reason = "no files matched"
			plans[i].decided = &o
		}
	}
	return plans
}

func runHook(ctx context.Context, deps Deps, p hookPlan, o Outcome) Outcome {
	start := time.Now()
	cacheDir, err := deps.HookCache.Dir(p.def.Source, p.def.Revision)
	if err != nil {
		deps.Log.Warn("hook cache unavailable", "hook", p.def.ID, "err", err)
		cacheDir = ""
	}
	r, err := p.checker.Run(ctx, checker.Request{
		Files:    p.files,
		Root:     deps.Root,
		CacheDir: cacheDir,
	})
	o.Duration = time.Since(start)
	o.ExitCode = r.ExitCode
	o.Output = r.Output
	o.Findings = r.Findings
	switch {
	case r.TimedOut || errors.Is(ctx.Err(), context.DeadlineExceeded):
		o.Status = HookFail
		o.TimedOut = true
		if o.ExitCode == 0 {
			o.ExitCode = procexec.ExitTimedOut
		}
		o.Reason = (&HookFailure{Hook: p.def.ID, TimedOut: true}).Error()
	case err != nil:
		o.Status = HookFail
		if o.ExitCode == 0 {
			o.ExitCode = procexec.ExitNotRun
		}
		o.Reason = (&HookFailure{Hook: p.def.ID, Err: err}).Error()
	case !r.Passed():
		o.Status = HookFail
		o.Reason = (&HookFailure{Hook: p.def.ID, ExitCode: r.ExitCode, Summary: r.Summary()}).Error()
	default:
		o.Status = HookPass
	}
	return o
}

// interrupted is the outcome of a hook whose turn came after the stage
// context ended.
func interrupted(o Outcome, err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		o.Status = HookFail
		o.TimedOut = true
		o.ExitCode = procexec.ExitTimedOut
		o.Reason = (&HookFailure{Hook: o.ID, TimedOut: true}).Error()
		return o
	}
	o.Status = HookNotRun
	o.Reason = "canceled"
	return o
}

func newOutcome(def hooks.HookDefinition) Outcome {
	return Outcome{ID: def.ID, Name: def.Name, Source: def.Source}
}

// manifestScope applies the manifest-level files and exclude patterns.
func manifestScope(m *hooks.Manifest, files []string) ([]string, error) {
	var include, exclude *regexp.Regexp
	var err error
	if m.Files != "" {
		if include, err = regexp.Compile(m.Files); err != nil {
			return nil, fmt.Errorf("manifest files: %w", err)
		}
	}
	if m.Exclude != "" {
		if exclude, err = regexp.Compile(m.Exclude); err != nil {
			return nil, fmt.Errorf("manifest exclude: %w", err)
		}
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		if include != nil && !include.MatchString(f) {
			continue
		}
		if exclude != nil && exclude.MatchString(f) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func failedHooks(outcomes []Outcome) []int {
	var idx []int
	for i, o := range outcomes {
		if o.Status == HookFail {
			idx = append(idx, i)
		}
	}
	return idx
}

func lintDiagnostic(outcomes []Outcome, failed []int) string {
	names := make([]string, 0, len(failed))
	for _, i := range failed {
		names = append(names, outcomes[i].ID)
	}
	first := outcomes[failed[0]]
	return fmt.Sprintf("%s (%s)", strings.Join(names, ", "), first.Reason)
}

func init() { Register(Lint, runLint) }
