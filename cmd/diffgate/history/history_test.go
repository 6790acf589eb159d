package history

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flarebyte/diffgate/internal/history"
	"github.com/flarebyte/diffgate/internal/pipeline"
	"github.com/flarebyte/diffgate/internal/stage"
	"github.com/spf13/cobra"
)

func seededStore(t *testing.T) *history.Store {
	t.Helper()
	ctx := context.Background()
	s, err := history.Open(ctx, filepath.Join(t.TempDir(), "history.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	base := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	runs := []pipeline.Run{
		{ID: "run-old", StartedAt: base, FinishedAt: base.Add(time.Minute), State: pipeline.Success, ChangeSet: []string{"a.py"},
			Stages: []stage.StageResult{{Name: stage.Lint, Status: stage.StatusSuccess}}},
		{ID: "run-new", StartedAt: base.Add(time.Hour), FinishedAt: base.Add(time.Hour + time.Minute), State: pipeline.LintFailed,
			Diagnostic: "stage lint failed", ChangeSet: []string{"a.py", "b.py"},
			Stages: []stage.StageResult{{Name: stage.Lint, Status: stage.StatusFailure, ExitCode: 1}, stage.NotRun(stage.Typecheck, "lint failed")}},
	}
	for _, r := range runs {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	return s
}

func testCmd() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	return cmd
}

func TestList_JSONNewestFirstWithStages(t *testing.T) {
	var out bytes.Buffer
	if err := list(testCmd(), seededStore(t), listOptions{limit: 10, format: "json", stages: true}, &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	var got []struct {
		ID     string `json:"id"`
		State  string `json:"state"`
		Stages []struct {
			Name   string `json:"name"`
			Reason string `json:"reason"`
		} `json:"stages"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if len(got) != 2 || got[0].ID != "run-new" || got[0].State != "lint-failed" {
		t.Fatalf("unexpected runs: %+v", got)
	}
	if len(got[0].Stages) != 2 || got[0].Stages[1].Reason != "lint failed" {
		t.Fatalf("unexpected stages: %+v", got[0].Stages)
	}
}

func TestList_TextHonorsLimit(t *testing.T) {
	var out bytes.Buffer
	if err := list(testCmd(), seededStore(t), listOptions{limit: 1, format: "text"}, &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "run-new") || !strings.Contains(lines[0], "2 files") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestList_RejectsUnknownFormat(t *testing.T) {
	if err := list(testCmd(), seededStore(t), listOptions{format: "csv"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error")
	}
}
