package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Repo is a scratch git repository for tests.
type Repo struct {
	t    *testing.T
	Dir  string
	Git  *git.Repository
	Tree *git.Worktree
}

// InitRepo creates an empty repository in a temp dir.
func InitRepo(t *testing.T) *Repo {
	t.Helper()
	dir := t.TempDir()
	r, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("git init: %v", err)
	}
	wt, err := r.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	return &Repo{t: t, Dir: dir, Git: r, Tree: wt}
}

// Write creates or overwrites files relative to the repo root.
func (r *Repo) Write(files map[string]string) {
	r.t.Helper()
	for rel, content := range files {
		p := filepath.Join(r.Dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			r.t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			r.t.Fatalf("write %s: %v", rel, err)
		}
	}
}

// Add stages paths.
func (r *Repo) Add(paths ...string) {
	r.t.Helper()
	for _, p := range paths {
		if _, err := r.Tree.Add(p); err != nil {
			r.t.Fatalf("git add %s: %v", p, err)
		}
	}
}

// Remove deletes and unstages paths.
func (r *Repo) Remove(paths ...string) {
	r.t.Helper()
	for _, p := range paths {
		if _, err := r.Tree.Remove(p); err != nil {
			r.t.Fatalf("git rm %s: %v", p, err)
		}
	}
}

// Commit writes files, stages them and commits.
func (r *Repo) Commit(msg string, files map[string]string) plumbing.Hash {
	r.t.Helper()
	r.Write(files)
	for rel := range files {
		r.Add(rel)
	}
	h, err := r.Tree.Commit(msg, &git.CommitOptions{
		Author:            &object.Signature{Name: "diffgate", Email: "ci@example.com", When: time.Unix(1700000000, 0)},
		AllowEmptyCommits: true,
	})
	if err != nil {
		r.t.Fatalf("git commit: %v", err)
	}
	return h
}

// SetRef points a reference such as refs/remotes/origin/master at h.
func (r *Repo) SetRef(name string, h plumbing.Hash) {
	r.t.Helper()
	if err := r.Git.Storer.SetReference(plumbing.NewHashReference(plumbing.ReferenceName(name), h)); err != nil {
		r.t.Fatalf("set ref %s: %v", name, err)
	}
}

// Checkout switches branches, creating the branch at HEAD when create is set.
func (r *Repo) Checkout(branch string, create bool) {
	r.t.Helper()
	if err := r.Tree.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch), Create: create}); err != nil {
		r.t.Fatalf("checkout %s: %v", branch, err)
	}
}
