package stage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/flarebyte/diffgate/internal/changeset"
	"github.com/flarebyte/diffgate/internal/config"
	"github.com/flarebyte/diffgate/internal/hooks"
	"github.com/flarebyte/diffgate/internal/procexec"
)

// fakeRunner answers every command with res and records what it was asked.
type fakeRunner struct {
	mu    sync.Mutex
	cmds  []procexec.Command
	res   procexec.Result
	block bool
}

func (r *fakeRunner) Run(ctx context.Context, c procexec.Command) (procexec.Result, error) {
	r.mu.Lock()
	r.cmds = append(r.cmds, c)
	r.mu.Unlock()
	if r.block {
		<-ctx.Done()
		return procexec.Result{ExitCode: procexec.ExitTimedOut, TimedOut: true}, nil
	}
	return r.res, nil
}

func (r *fakeRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cmds)
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func mustManifest(t *testing.T, src string) *hooks.Manifest {
	t.Helper()
	m, err := hooks.Parse([]byte(src), "m.yaml", hooks.Options{})
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	return m
}

func lintDeps(t *testing.T, root, manifest string, runner procexec.Runner, files ...string) Deps {
	t.Helper()
	cfg := config.Default()
	cfg.Lint.Workers = 2
	return Deps{
		Config:    cfg,
		Root:      root,
		Manifest:  mustManifest(t, manifest),
		ChangeSet: changeset.ChangeSet{Root: root, Files: files},
		Runner:    runner,
	}
}

func statuses(outcomes []Outcome) []HookStatus {
	out := make([]HookStatus, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, o.Status)
	}
	return out
}
