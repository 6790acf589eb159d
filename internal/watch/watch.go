// Package watch turns settled bursts of file changes into run triggers.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/flarebyte/diffgate/internal/changeset"
	"github.com/flarebyte/diffgate/internal/logging"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the tree must stay quiet before a batch fires.
const DefaultDebounce = 300 * time.Millisecond

// Watcher watches a repository work tree.
type Watcher struct {
	root     string
	debounce time.Duration
	log      logging.Logger
	ignored  changeset.Ignored
}

// New returns a watcher for root. .gitignore and .git are honoured.
func New(root string, debounce time.Duration, log logging.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	ignored, err := changeset.IgnoreMatcher(abs)
	if err != nil {
		return nil, fmt.Errorf("load gitignore: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Watcher{root: abs, debounce: debounce, log: log, ignored: ignored}, nil
}

// Run blocks until ctx is done. Each settled batch of changed paths is passed
// to onBatch, one call at a time; changes made while a call is in flight
// form the next batch.
func (w *Watcher) Run(ctx context.Context, onBatch func(ctx context.Context, paths []string)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := w.addRecursive(fw, w.root); err != nil {
		return err
	}

	var (
		pending = map[string]struct{}{}
		timer   *time.Timer
		fire    <-chan time.Time
		running bool
		done    = make(chan struct{}, 1)
	)
	arm := func() {
		if timer == nil {
			timer = time.NewTimer(w.debounce)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		}
		fire = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if running {
				<-done
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			rel, ok := w.relevant(ev)
			if !ok {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.addRecursive(fw, ev.Name)
					continue
				}
			}
			pending[rel] = struct{}{}
			if !running {
				arm()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "err", err)
		case <-fire:
			fire = nil
			if running || len(pending) == 0 {
				continue
			}
			batch := drain(pending)
			running = true
			w.log.Info("change batch settled", "files", len(batch))
			go func() {
				onBatch(ctx, batch)
				done <- struct{}{}
			}()
		case <-done:
			running = false
			if len(pending) > 0 {
				arm()
			}
		}
	}
}

// relevant maps an event to a repo-relative path, dropping ignored paths
// and pure attribute changes.
func (w *Watcher) relevant(ev fsnotify.Event) (string, bool) {
	if ev.Op == fsnotify.Chmod {
		return "", false
	}
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == "." {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	isDir := false
	if info, err := os.Stat(ev.Name); err == nil {
		isDir = info.IsDir()
	}
	if w.ignored(rel, isDir) {
		return "", false
	}
	return rel, true
}

func (w *Watcher) addRecursive(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, relErr := filepath.Rel(w.root, p); relErr == nil && rel != "." && w.ignored(filepath.ToSlash(rel), true) {
			return filepath.SkipDir
		}
		if err := fw.Add(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.log.Warn("watch add failed", "path", p, "err", err)
		}
		return nil
	})
}

func drain(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
		delete(set, k)
	}
	sort.Strings(out)
	return out
}
