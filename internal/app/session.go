// Package app resolves everything a command needs from flags, environment
// and config: the logger, the manifest, the ChangeSet and the stage handles.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/flarebyte/diffgate/internal/cache"
	"github.com/flarebyte/diffgate/internal/changeset"
	"github.com/flarebyte/diffgate/internal/checker"
	"github.com/flarebyte/diffgate/internal/config"
	"github.com/flarebyte/diffgate/internal/container"
	"github.com/flarebyte/diffgate/internal/coverage"
	"github.com/flarebyte/diffgate/internal/history"
	"github.com/flarebyte/diffgate/internal/hooks"
	"github.com/flarebyte/diffgate/internal/logging"
	"github.com/flarebyte/diffgate/internal/procexec"
	"github.com/flarebyte/diffgate/internal/stage"
)

// Options are the command-line overrides. Flags beat env, env beats config.
type Options struct {
	Root       string
	ConfigPath string
	BaseRef    string
	Manifest   string
	LogLevel   string
	LogFormat  string
	AllFiles   bool
	Files      []string
}

// Session is a resolved configuration for one command invocation.
type Session struct {
	Root     string
	Config   config.Pipeline
	Log      logging.Logger
	Manifest *hooks.Manifest
	Stderr   io.Writer
}

// Open resolves config and logging. The manifest is loaded separately so
// that commands which do not need it can skip it.
func Open(opts Options, stderr io.Writer) (*Session, error) {
	if stderr == nil {
		stderr = os.Stderr
	}
	root := opts.Root
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	cfg, err := config.Resolve(abs, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.BaseRef != "" {
		cfg.BaseRef = opts.BaseRef
	}
	if opts.Manifest != "" {
		cfg.Manifest = opts.Manifest
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}
	log, err := logging.New(stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return &Session{Root: abs, Config: cfg, Log: log, Stderr: stderr}, nil
}

// ManifestPath is the manifest location relative to the session root.
func (s *Session) ManifestPath() string {
	if filepath.IsAbs(s.Config.Manifest) {
		return s.Config.Manifest
	}
	return filepath.Join(s.Root, s.Config.Manifest)
}

// LoadManifest reads and validates the hook manifest. Every hook must
// resolve to a registered checker.
func (s *Session) LoadManifest() (*hooks.Manifest, error) {
	m, err := hooks.Load(s.ManifestPath(), hooks.Options{
		DefaultLanguageVersion: s.Config.DefaultLanguageVersion,
		Check:                  checker.Validate(s.Root, s.Config.Lua),
	})
	if err != nil {
		return nil, err
	}
	s.Manifest = m
	s.Log.Debug("manifest loaded", "path", m.Path, "hooks", len(m.Hooks))
	return m, nil
}

// ChangeSet computes the files a run works on. Explicit files win over
// --all-files, which wins over the git diff.
func (s *Session) ChangeSet(ctx context.Context, opts Options) (changeset.ChangeSet, error) {
	var (
		cs  changeset.ChangeSet
		err error
	)
	switch {
	case len(opts.Files) > 0:
		cs, err = changeset.FromPaths(s.Root, opts.Files)
	case opts.AllFiles:
		cs, err = changeset.AllFiles(s.Root)
	default:
		cs, err = changeset.Compute(ctx, s.Root, s.Config.BaseRef, changeset.Options{
			MergeBase:        s.Config.Changes.MergeBase,
			IncludeUntracked: s.Config.Changes.IncludeUntracked,
		})
	}
	if err != nil {
		return changeset.ChangeSet{}, fmt.Errorf("compute changeset: %w", err)
	}
	s.Log.Debug("changeset computed", "base", cs.BaseRef, "files", len(cs.Files))
	return cs, nil
}

// CacheDir is the configured cache root or the user cache directory.
func (s *Session) CacheDir() string {
	if strings.TrimSpace(s.Config.Cache.Dir) != "" {
		return s.Config.Cache.Dir
	}
	return cache.DefaultDir()
}

// Deps builds the stage handles. The returned close func releases the
// container runtime.
func (s *Session) Deps(ctx context.Context, cs changeset.ChangeSet) (stage.Deps, func(), error) {
	deps := stage.Deps{
		Config:    s.Config,
		Root:      cs.Root,
		Manifest:  s.Manifest,
		ChangeSet: cs,
		Runner:    procexec.Exec{},
		HookCache: cache.HookCache{Root: s.CacheDir()},
		Log:       s.Log,
		Commit:    cs.HeadCommit,
	}
	if deps.Root == "" {
		deps.Root = s.Root
	}
	closeFn := func() {}
	if !s.Config.Test.Enabled {
		return deps, closeFn, nil
	}
	rt, err := s.runtime(ctx)
	if err != nil {
		return stage.Deps{}, closeFn, err
	}
	up, err := coverage.NewUploader(s.Config.Test.Coverage.Upload)
	if err != nil {
		_ = rt.Close()
		return stage.Deps{}, closeFn, err
	}
	deps.Runtime = rt
	deps.Uploader = up
	return deps, func() { _ = rt.Close() }, nil
}

func (s *Session) runtime(ctx context.Context) (container.Runtime, error) {
	switch s.Config.Test.Runtime {
	case "dagger":
		return container.NewDagger(ctx, s.Stderr)
	default:
		return container.NewDocker(procexec.Exec{}), nil
	}
}

// History opens the run history store, or returns nil when it is off.
func (s *Session) History(ctx context.Context) (*history.Store, error) {
	dsn := strings.TrimSpace(s.Config.History.DSN)
	if dsn == history.Off {
		return nil, nil
	}
	if dsn == "" {
		dsn = history.DefaultDSN(s.CacheDir())
	}
	return history.Open(ctx, dsn, s.Log)
}
