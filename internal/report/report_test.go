package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flarebyte/diffgate/internal/coverage"
	"github.com/flarebyte/diffgate/internal/pipeline"
	"github.com/flarebyte/diffgate/internal/stage"
)

func sampleRun() pipeline.Run {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return pipeline.Run{
		ID:         "run-1",
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
		BaseRef:    "origin/master",
		State:      pipeline.Success,
		ChangeSet:  []string{"a.py"},
		Stages: []stage.StageResult{
			{Name: stage.Lint, Status: stage.StatusSuccess, Duration: 1200 * time.Millisecond, Hooks: []stage.Outcome{
				{ID: "flake8", Name: "flake8", Status: stage.HookPass, Files: []string{"a.py"}, Duration: time.Second},
				{ID: "mdl", Name: "mdl", Status: stage.HookSkippedNoMatch, Reason: "no files matched"},
			}},
			{Name: stage.Typecheck, Status: stage.StatusSuccess},
			{Name: stage.BuildTest, Status: stage.StatusSuccess, Coverage: &coverage.Report{Format: coverage.FormatCoveragePy, Percent: 81.25}},
		},
	}
}

func TestMarshal_YAMLRewriteStable(t *testing.T) {
	b1, err := Marshal(sampleRun(), FormatYAML)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b2, _ := Marshal(sampleRun(), FormatYAML)
	if !bytes.Equal(b1, b2) {
		t.Fatalf("not rewrite-stable\nfirst:\n%s\nsecond:\n%s", b1, b2)
	}
	s := string(b1)
	if !strings.HasPrefix(s, "baseRef: origin/master\nchangeSet:\n  - a.py\n") {
		t.Fatalf("keys should be sorted:\n%s", s)
	}
	if !strings.Contains(s, "percent: 81.25") || !strings.Contains(s, "duration: 1200000000") {
		t.Fatalf("numbers should stay numbers:\n%s", s)
	}
}

func TestMarshal_JSONAndWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "report.json")
	if err := Write(path, sampleRun(), ""); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var back pipeline.Run
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("report should decode as a run: %v", err)
	}
	if back.State != pipeline.Success || len(back.Stages) != 3 || back.Stages[0].Hooks[1].Status != stage.HookSkippedNoMatch {
		t.Fatalf("unexpected decoded run: %+v", back)
	}
	if _, err := Marshal(sampleRun(), "xml"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestText_Summary(t *testing.T) {
	var buf bytes.Buffer
	if err := Text(&buf, sampleRun()); err != nil {
		t.Fatalf("text: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"run run-1: success (1 changed files against origin/master)", "flake8", "no files matched", "coverage 81.25%"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}
