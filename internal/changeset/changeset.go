// Package changeset computes the set of files a run is scoped to. A
// ChangeSet is derived fresh on every run and never cached.
package changeset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// ChangeSet is the sorted, slash-separated, repo-relative list of files that
// changed relative to a base revision. Deleted files are never present.
type ChangeSet struct {
	BaseRef    string   `json:"baseRef,omitempty" yaml:"baseRef,omitempty"`
	BaseCommit string   `json:"baseCommit,omitempty" yaml:"baseCommit,omitempty"`
	HeadCommit string   `json:"headCommit,omitempty" yaml:"headCommit,omitempty"`
	Root       string   `json:"root" yaml:"root"`
	Files      []string `json:"files" yaml:"files"`
}

// Empty reports whether no files changed.
func (c ChangeSet) Empty() bool { return len(c.Files) == 0 }

// Options tunes Compute.
type Options struct {
	// MergeBase diffs against the merge-base of HEAD and the base revision
	// rather than the base tip.
	MergeBase bool
	// IncludeUntracked adds files git does not track yet.
	IncludeUntracked bool
}

// ErrNotRepository is returned when root is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// Compute diffs HEAD against base and folds in staged and unstaged worktree
// changes.
func Compute(ctx context.Context, root, base string, opts Options) (ChangeSet, error) {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return ChangeSet{}, fmt.Errorf("%s: %w", root, ErrNotRepository)
		}
		return ChangeSet{}, fmt.Errorf("open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return ChangeSet{}, fmt.Errorf("open worktree: %w", err)
	}
	top := wt.Filesystem.Root()

	head, err := repo.Head()
	if err != nil {
		return ChangeSet{}, fmt.Errorf("resolve HEAD: %w", err)
	}
	headCommit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return ChangeSet{}, fmt.Errorf("load HEAD commit: %w", err)
	}
	baseHash, err := repo.ResolveRevision(plumbing.Revision(base))
	if err != nil {
		return ChangeSet{}, fmt.Errorf("resolve base %q: %w", base, err)
	}
	baseCommit, err := repo.CommitObject(*baseHash)
	if err != nil {
		return ChangeSet{}, fmt.Errorf("load base commit: %w", err)
	}
	if opts.MergeBase {
		bases, err := headCommit.MergeBase(baseCommit)
		if err != nil {
			return ChangeSet{}, fmt.Errorf("merge-base %s: %w", base, err)
		}
		if len(bases) > 0 {
			baseCommit = bases[0]
		}
	}

	changed := map[string]struct{}{}
	if err := addCommittedChanges(ctx, changed, baseCommit, headCommit); err != nil {
		return ChangeSet{}, err
	}
	status, err := wt.Status()
	if err != nil {
		return ChangeSet{}, fmt.Errorf("worktree status: %w", err)
	}
	for p, st := range status {
		switch {
		case st.Staging == git.Deleted || st.Worktree == git.Deleted:
			delete(changed, p)
		case st.Worktree == git.Untracked:
			if opts.IncludeUntracked {
				changed[p] = struct{}{}
			}
		case st.Staging != git.Unmodified || st.Worktree != git.Unmodified:
			changed[p] = struct{}{}
		}
	}
	return ChangeSet{
		BaseRef:    base,
		BaseCommit: baseCommit.Hash.String(),
		HeadCommit: headCommit.Hash.String(),
		Root:       top,
		Files:      existing(top, changed),
	}, nil
}

func addCommittedChanges(ctx context.Context, dst map[string]struct{}, from, to *object.Commit) error {
	if from.Hash == to.Hash {
		return nil
	}
	fromTree, err := from.Tree()
	if err != nil {
		return fmt.Errorf("load base tree: %w", err)
	}
	toTree, err := to.Tree()
	if err != nil {
		return fmt.Errorf("load HEAD tree: %w", err)
	}
	changes, err := fromTree.DiffContext(ctx, toTree)
	if err != nil {
		return fmt.Errorf("diff trees: %w", err)
	}
	for _, ch := range changes {
		action, err := ch.Action()
		if err != nil {
			return fmt.Errorf("classify change: %w", err)
		}
		if action == merkletrie.Delete {
			continue
		}
		dst[ch.To.Name] = struct{}{}
	}
	return nil
}

// FromPaths builds a ChangeSet from explicit paths. Paths may be absolute or
// relative to root; those that do not exist as regular files are dropped.
func FromPaths(root string, paths []string) (ChangeSet, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return ChangeSet{}, err
	}
	set := map[string]struct{}{}
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(absRoot, p)
		}
		rel, err := filepath.Rel(absRoot, p)
		if err != nil {
			return ChangeSet{}, err
		}
		rel = filepath.ToSlash(rel)
		if rel == ".." || strings.HasPrefix(rel, "../") {
			return ChangeSet{}, fmt.Errorf("path outside repository: %s", p)
		}
		set[rel] = struct{}{}
	}
	return ChangeSet{Root: absRoot, Files: existing(absRoot, set)}, nil
}

// existing returns the sorted members of set that are present on disk and
// not directories.
func existing(root string, set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for p := range set {
		fi, err := os.Lstat(filepath.Join(root, filepath.FromSlash(p)))
		if err != nil || fi.IsDir() {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
