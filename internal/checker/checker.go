// Package checker turns hook definitions into runnable checkers. Every hook
// resolves to a variant registered by name; nothing executes free-form strings
// outside the declared entry of a local hook.
package checker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/flarebyte/diffgate/internal/config"
	"github.com/flarebyte/diffgate/internal/hooks"
	"github.com/flarebyte/diffgate/internal/procexec"
)

// Checker inspects a batch of files.
type Checker interface {
	Name() string
	CanHandle(path string) bool
	Run(ctx context.Context, req Request) (Result, error)
}

// Request is one checker invocation.
type Request struct {
	Files    []string
	Root     string
	Env      map[string]string
	CacheDir string
}

// Finding is a single problem reported against a file.
type Finding struct {
	Path    string `json:"path" yaml:"path"`
	Line    int    `json:"line,omitempty" yaml:"line,omitempty"`
	Message string `json:"message" yaml:"message"`
}

func (f Finding) String() string {
	if f.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", f.Path, f.Line, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Path, f.Message)
}

// Result is what a checker observed. A result passes when the exit code is
// zero and there are no findings.
type Result struct {
	ExitCode int
	Output   string
	Findings []Finding
	TimedOut bool
}

// Passed reports whether the checker found nothing.
func (r Result) Passed() bool { return r.ExitCode == 0 && len(r.Findings) == 0 && !r.TimedOut }

// Summary renders findings and output as text.
func (r Result) Summary() string {
	var b strings.Builder
	for _, f := range r.Findings {
		b.WriteString(f.String())
		b.WriteByte('\n')
	}
	b.WriteString(r.Output)
	return strings.TrimSpace(b.String())
}

// Options carries run-wide settings into factories.
type Options struct {
	Root   string
	Lua    config.LuaSandbox
	Runner procexec.Runner
}

// Factory builds a checker for one hook.
type Factory func(def hooks.HookDefinition, opts Options) (Checker, error)

var (
	regMu  sync.RWMutex
	byID   = map[string]Factory{}
	byLang = map[string]Factory{}
)

// Register binds a hook id to a factory. Later registrations replace earlier ones.
func Register(id string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	byID[id] = f
}

// RegisterLanguage binds a local hook language to a factory.
func RegisterLanguage(lang string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	byLang[lang] = f
}

// Names lists registered hook ids.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(byID))
	for k := range byID {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build resolves def to a checker. Local hooks resolve by language, all
// others by id.
func Build(def hooks.HookDefinition, opts Options) (Checker, error) {
	if opts.Runner == nil {
		opts.Runner = procexec.Exec{}
	}
	regMu.RLock()
	var f Factory
	var ok bool
	if def.IsLocal() {
		f, ok = byLang[def.Language]
	} else {
		f, ok = byID[def.ID]
	}
	regMu.RUnlock()
	if !ok {
		if def.IsLocal() {
			return nil, fmt.Errorf("unsupported hook language: %q", def.Language)
		}
		return nil, fmt.Errorf("no checker registered for hook id %q", def.ID)
	}
	return f(def, opts)
}

// Validate is the manifest-time check that def can be built.
func Validate(root string, lua config.LuaSandbox) func(hooks.HookDefinition) error {
	return func(def hooks.HookDefinition) error {
		_, err := Build(def, Options{Root: root, Lua: lua})
		return err
	}
}

// base supplies Name and CanHandle for every variant.
type base struct {
	name   string
	filter Filter
}

func (b base) Name() string { return b.name }

func (b base) CanHandle(path string) bool { return b.filter.Match(path) }

func newBase(def hooks.HookDefinition, root string, defaultTypes []string) (base, error) {
	f, err := NewFilter(root, def, defaultTypes)
	if err != nil {
		return base{}, err
	}
	return base{name: def.ID, filter: f}, nil
}
