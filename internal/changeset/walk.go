package changeset

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// Ignored reports whether the slash-separated rel path is excluded by the
// repository's .gitignore files or lives under .git.
type Ignored func(rel string, isDir bool) bool

// IgnoreMatcher loads the .gitignore patterns under root.
func IgnoreMatcher(root string) (Ignored, error) {
	patterns, err := gitignore.ReadPatterns(osfs.New(root), nil)
	if err != nil {
		return nil, err
	}
	m := gitignore.NewMatcher(patterns)
	return func(rel string, isDir bool) bool {
		comps := strings.Split(rel, "/")
		if comps[0] == ".git" {
			return true
		}
		return m.Match(comps, isDir)
	}, nil
}

// AllFiles lists every file under root that .gitignore does not exclude. It
// backs --all-files runs.
func AllFiles(root string) (ChangeSet, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return ChangeSet{}, err
	}
	ignored, err := IgnoreMatcher(absRoot)
	if err != nil {
		return ChangeSet{}, err
	}
	var files []string
	err = filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(absRoot, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if ignored(filepath.ToSlash(rel), d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() || d.Type()&fs.ModeSymlink != 0 {
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return ChangeSet{}, err
	}
	sort.Strings(files)
	return ChangeSet{Root: absRoot, Files: files}, nil
}
