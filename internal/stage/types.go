package stage

import (
	"time"

	"github.com/flarebyte/diffgate/internal/cache"
	"github.com/flarebyte/diffgate/internal/changeset"
	"github.com/flarebyte/diffgate/internal/checker"
	"github.com/flarebyte/diffgate/internal/config"
	"github.com/flarebyte/diffgate/internal/container"
	"github.com/flarebyte/diffgate/internal/coverage"
	"github.com/flarebyte/diffgate/internal/hooks"
	"github.com/flarebyte/diffgate/internal/logging"
	"github.com/flarebyte/diffgate/internal/procexec"
)

// Status is the terminal state of a stage.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusNotRun  Status = "not-run"
)

// HookStatus is the terminal state of one hook in the lint stage.
type HookStatus string

const (
	HookPass           HookStatus = "pass"
	HookFail           HookStatus = "fail"
	HookSkippedNoMatch HookStatus = "skipped-no-match"
	// HookNotRun marks hooks left unscheduled after fail_fast tripped or the
	// stage was canceled.
	HookNotRun HookStatus = "not-run"
)

// Outcome is the result of one hook.
type Outcome struct {
	ID       string            `json:"id" yaml:"id"`
	Name     string            `json:"name" yaml:"name"`
	Source   string            `json:"source" yaml:"source"`
	Status   HookStatus        `json:"status" yaml:"status"`
	Reason   string            `json:"reason,omitempty" yaml:"reason,omitempty"`
	Files    []string          `json:"files,omitempty" yaml:"files,omitempty"`
	ExitCode int               `json:"exitCode" yaml:"exitCode"`
	TimedOut bool              `json:"timedOut,omitempty" yaml:"timedOut,omitempty"`
	Output   string            `json:"output,omitempty" yaml:"output,omitempty"`
	Findings []checker.Finding `json:"findings,omitempty" yaml:"findings,omitempty"`
	Duration time.Duration     `json:"duration" yaml:"duration"`
}

// Diagnostic is one type checker message.
type Diagnostic struct {
	Path     string `json:"path" yaml:"path"`
	Line     int    `json:"line" yaml:"line"`
	Column   int    `json:"column,omitempty" yaml:"column,omitempty"`
	Severity string `json:"severity" yaml:"severity"`
	Message  string `json:"message" yaml:"message"`
	Code     string `json:"code,omitempty" yaml:"code,omitempty"`
}

// StageResult is the terminal report of one stage.
type StageResult struct {
	Name           string                 `json:"name" yaml:"name"`
	Status         Status                 `json:"status" yaml:"status"`
	Reason         string                 `json:"reason,omitempty" yaml:"reason,omitempty"`
	Diagnostic     string                 `json:"diagnostic,omitempty" yaml:"diagnostic,omitempty"`
	Hooks          []Outcome              `json:"hooks,omitempty" yaml:"hooks,omitempty"`
	TypeErrors     []Diagnostic           `json:"typeErrors,omitempty" yaml:"typeErrors,omitempty"`
	Coverage       *coverage.Report       `json:"coverage,omitempty" yaml:"coverage,omitempty"`
	Upload         *coverage.UploadResult `json:"upload,omitempty" yaml:"upload,omitempty"`
	UploadError    string                 `json:"uploadError,omitempty" yaml:"uploadError,omitempty"`
	Cache          *cache.WarmResult      `json:"cache,omitempty" yaml:"cache,omitempty"`
	NetworkCreated bool                   `json:"networkCreated,omitempty" yaml:"networkCreated,omitempty"`
	ExitCode       int                    `json:"exitCode" yaml:"exitCode"`
	StartedAt      time.Time              `json:"startedAt" yaml:"startedAt"`
	Duration       time.Duration          `json:"duration" yaml:"duration"`
	TimedOut       bool                   `json:"timedOut,omitempty" yaml:"timedOut,omitempty"`
}

// Failed reports whether the stage ended in failure.
func (r StageResult) Failed() bool { return r.Status == StatusFailure }

// NotRun builds the result for a stage that was short-circuited.
func NotRun(name, reason string) StageResult {
	return StageResult{Name: name, Status: StatusNotRun, Reason: reason}
}

// Deps are the explicit handles a stage may use.
type Deps struct {
	Config    config.Pipeline
	Root      string
	Manifest  *hooks.Manifest
	ChangeSet changeset.ChangeSet
	Runner    procexec.Runner
	Runtime   container.Runtime
	Uploader  coverage.Uploader
	HookCache cache.HookCache
	Log       logging.Logger
	RunID     string
	Commit    string
}

func (d Deps) withDefaults() Deps {
	if d.Runner == nil {
		d.Runner = procexec.Exec{}
	}
	if d.Uploader == nil {
		d.Uploader = coverage.Nop{}
	}
	if d.Log == nil {
		d.Log = logging.Nop()
	}
	if d.Root == "" {
		d.Root = d.ChangeSet.Root
	}
	return d
}
