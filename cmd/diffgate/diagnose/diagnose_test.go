package diagnose

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/flarebyte/diffgate/internal/app"
	"github.com/flarebyte/diffgate/internal/cache"
	"github.com/flarebyte/diffgate/internal/config"
	"github.com/spf13/cobra"
)

func TestDiagnose_PrintsPlanWithoutRunning(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		".pre-commit-config.yaml": "repos:\n  - repo: https://github.com/pre-commit/pre-commit-hooks\n    rev: v4.5.0\n    hooks:\n      - id: trailing-whitespace\n      - id: check-json\n",
		// Trailing whitespace would fail the hook if it ran.
		"a.txt": "dirty   \n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(root, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	t.Setenv(config.EnvHistoryDSN, "off")

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetErr(&bytes.Buffer{})
	var out bytes.Buffer
	if err := diagnose(cmd, app.Options{Root: root, Files: []string{"a.txt"}}, &out); err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if bytes.Count(out.Bytes(), []byte("\n")) != 1 {
		t.Fatalf("expected one JSON line, got %q", out.String())
	}
	var doc document
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Manifest.Hooks) != 2 || len(doc.ChangeSet) != 1 || doc.ChangeSet[0] != "a.txt" {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if len(doc.Plan) != 2 {
		t.Fatalf("unexpected plan: %+v", doc.Plan)
	}
	if doc.Plan[0].ID != "trailing-whitespace" || len(doc.Plan[0].Files) != 1 || doc.Plan[0].Skip != "" {
		t.Fatalf("unexpected whitespace plan: %+v", doc.Plan[0])
	}
	if doc.Plan[1].ID != "check-json" || len(doc.Plan[1].Files) != 0 || doc.Plan[1].Skip == "" {
		t.Fatalf("unexpected json plan: %+v", doc.Plan[1])
	}
}

func TestDiagnose_ListsCachedHookRepos(t *testing.T) {
	root := t.TempDir()
	manifest := "repos:\n  - repo: https://github.com/pre-commit/pre-commit-hooks\n    rev: v4.5.0\n    hooks:\n      - id: trailing-whitespace\n"
	if err := os.WriteFile(filepath.Join(root, ".pre-commit-config.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cacheDir := t.TempDir()
	t.Setenv(config.EnvHistoryDSN, "off")
	t.Setenv(config.EnvCacheDir, cacheDir)
	hc := cache.HookCache{Root: cacheDir}
	for _, rev := range []string{"v4.5.0", "v4.4.0"} {
		if _, err := hc.Dir("https://github.com/pre-commit/pre-commit-hooks", rev); err != nil {
			t.Fatalf("seed cache: %v", err)
		}
	}

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetErr(&bytes.Buffer{})
	var out bytes.Buffer
	if err := diagnose(cmd, app.Options{Root: root, Files: []string{".pre-commit-config.yaml"}}, &out); err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	var doc document
	if err := json.Unmarshal(out.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []string{
		"https://github.com/pre-commit/pre-commit-hooks@v4.4.0",
		"https://github.com/pre-commit/pre-commit-hooks@v4.5.0",
	}
	if len(doc.HookCache) != len(want) || doc.HookCache[0] != want[0] || doc.HookCache[1] != want[1] {
		t.Fatalf("unexpected hook cache listing: %v", doc.HookCache)
	}
}

func TestRelativizeRoot(t *testing.T) {
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if got := relativizeRoot(filepath.Join(cwd, "sub", "dir")); got != "sub/dir" {
		t.Fatalf("got %q", got)
	}
	if got := relativizeRoot("rel/path"); got != "rel/path" {
		t.Fatalf("got %q", got)
	}
	if got := relativizeRoot("/"); got != "/" {
		t.Fatalf("got %q", got)
	}
}
