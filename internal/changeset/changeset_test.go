package changeset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flarebyte/diffgate/internal/testutil"
)

func TestCompute_ExcludesDeletionsAndFoldsWorktree(t *testing.T) {
	r := testutil.InitRepo(t)
	base := r.Commit("base", map[string]string{
		"a.py":    "a = 1\n",
		"b.py":    "b = 1\n",
		"c.md":    "# c\n",
		"gone.py": "x = 1\n",
	})
	r.SetRef("refs/remotes/origin/master", base)

	r.Write(map[string]string{"a.py": "a = 2\n", "d.py": "d = 1\n"})
	r.Add("a.py", "d.py")
	r.Remove("gone.py")
	r.Commit("feature", nil)

	r.Write(map[string]string{"b.py": "b = 2\n", "e.py": "e = 1\n", "u.txt": "untracked\n"})
	r.Add("e.py")
	if err := os.Remove(filepath.Join(r.Dir, "c.md")); err != nil {
		t.Fatalf("rm: %v", err)
	}

	cs, err := Compute(context.Background(), r.Dir, "origin/master", Options{MergeBase: true})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got := strings.Join(cs.Files, ","); got != "a.py,b.py,d.py,e.py" {
		t.Fatalf("unexpected files: %s", got)
	}
	if cs.BaseCommit != base.String() || cs.BaseRef != "origin/master" {
		t.Fatalf("unexpected base: %+v", cs)
	}

	cs, err = Compute(context.Background(), r.Dir, "origin/master", Options{IncludeUntracked: true})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got := strings.Join(cs.Files, ","); got != "a.py,b.py,d.py,e.py,u.txt" {
		t.Fatalf("unexpected files with untracked: %s", got)
	}
}

func TestCompute_MergeBaseIgnoresBaseOnlyChanges(t *testing.T) {
	r := testutil.InitRepo(t)
	r.Commit("root", map[string]string{"shared.py": "v = 1\n"})
	r.Checkout("feature", true)
	r.Commit("feature work", map[string]string{"f.py": "f = 1\n"})
	r.Checkout("master", false)
	upstream := r.Commit("upstream", map[string]string{"shared.py": "v = 2\n"})
	r.SetRef("refs/remotes/origin/master", upstream)
	r.Checkout("feature", false)

	cs, err := Compute(context.Background(), r.Dir, "origin/master", Options{MergeBase: true})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got := strings.Join(cs.Files, ","); got != "f.py" {
		t.Fatalf("merge-base diff: %s", got)
	}
	cs, err = Compute(context.Background(), r.Dir, "origin/master", Options{})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got := strings.Join(cs.Files, ","); got != "f.py,shared.py" {
		t.Fatalf("tip diff: %s", got)
	}
}

func TestCompute_EmptyWhenNothingChanged(t *testing.T) {
	r := testutil.InitRepo(t)
	h := r.Commit("base", map[string]string{"a.py": "a\n"})
	r.SetRef("refs/remotes/origin/master", h)
	cs, err := Compute(context.Background(), r.Dir, "origin/master", Options{MergeBase: true})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !cs.Empty() {
		t.Fatalf("expected empty changeset, got %v", cs.Files)
	}
}

func TestCompute_Errors(t *testing.T) {
	_, err := Compute(context.Background(), t.TempDir(), "origin/master", Options{})
	if !errors.Is(err, ErrNotRepository) {
		t.Fatalf("expected ErrNotRepository, got %v", err)
	}
	r := testutil.InitRepo(t)
	r.Commit("base", map[string]string{"a.py": "a\n"})
	if _, err := Compute(context.Background(), r.Dir, "origin/nope", Options{}); err == nil || !strings.Contains(err.Error(), `resolve base "origin/nope"`) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCompute_FromSubdirectory(t *testing.T) {
	r := testutil.InitRepo(t)
	h := r.Commit("base", map[string]string{"pkg/a.py": "a\n"})
	r.SetRef("refs/remotes/origin/master", h)
	r.Write(map[string]string{"pkg/a.py": "b\n"})
	cs, err := Compute(context.Background(), filepath.Join(r.Dir, "pkg"), "origin/master", Options{})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(cs.Files) != 1 || cs.Files[0] != "pkg/a.py" {
		t.Fatalf("unexpected files: %v", cs.Files)
	}
}

func TestFromPaths_DropsMissingAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"x.py", "sub/y.py"} {
		full := filepath.Join(dir, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte("x\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	cs, err := FromPaths(dir, []string{"sub/y.py", filepath.Join(dir, "x.py"), "missing.py", "sub", "x.py"})
	if err != nil {
		t.Fatalf("from paths: %v", err)
	}
	if got := strings.Join(cs.Files, ","); got != "sub/y.py,x.py" {
		t.Fatalf("unexpected files: %s", got)
	}
	if _, err := FromPaths(dir, []string{"../outside.py"}); err == nil {
		t.Fatalf("expected error for path outside repository")
	}
}

func TestAllFiles_HonoursGitignore(t *testing.T) {
	r := testutil.InitRepo(t)
	r.Write(map[string]string{
		".gitignore":     "*.pyc\nbuild/\n",
		"a.py":           "a\n",
		"a.pyc":          "bin\n",
		"build/out.txt":  "x\n",
		"pkg/.gitignore": "local.cfg\n",
		"pkg/local.cfg":  "secret\n",
		"pkg/mod.py":     "m\n",
	})
	cs, err := AllFiles(r.Dir)
	if err != nil {
		t.Fatalf("all files: %v", err)
	}
	if got := strings.Join(cs.Files, ","); got != ".gitignore,a.py,pkg/.gitignore,pkg/mod.py" {
		t.Fatalf("unexpected files: %s", got)
	}
}
