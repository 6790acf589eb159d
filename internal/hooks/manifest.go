// Package hooks loads the pre-commit style hook manifest that drives the lint
// stage. Every hook is pinned to an immutable revision at load time.
package hooks

import (
	"fmt"
	"os"
	"strings"
)

// DefaultManifest is the manifest path used when none is configured.
const DefaultManifest = ".pre-commit-config.yaml"

// LocalRevision is recorded for hooks whose source is the repository itself.
const LocalRevision = "local"

// HookDefinition is one pinned hook from the manifest, flattened with its source.
type HookDefinition struct {
	Source          string   `json:"source" yaml:"source"`
	Revision        string   `json:"revision" yaml:"revision"`
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name" yaml:"name"`
	LanguageVersion string   `json:"languageVersion,omitempty" yaml:"languageVersion,omitempty"`
	Args            []string `json:"args,omitempty" yaml:"args,omitempty"`
	Entry           string   `json:"entry,omitempty" yaml:"entry,omitempty"`
	Language        string   `json:"language,omitempty" yaml:"language,omitempty"`
	Files           string   `json:"files,omitempty" yaml:"files,omitempty"`
	Exclude         string   `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	Types           []string `json:"types,omitempty" yaml:"types,omitempty"`
	TypesOr         []string `json:"typesOr,omitempty" yaml:"typesOr,omitempty"`
	ExcludeTypes    []string `json:"excludeTypes,omitempty" yaml:"excludeTypes,omitempty"`
	PassFilenames   bool     `json:"passFilenames" yaml:"passFilenames"`
	AlwaysRun       bool     `json:"alwaysRun,omitempty" yaml:"alwaysRun,omitempty"`
	Line            int      `json:"-" yaml:"-"`
}

// Key identifies a hook uniquely within a manifest.
func (h HookDefinition) Key() string { return h.Source + "#" + h.ID }

// IsLocal reports whether the hook is pinned by the repository itself.
func (h HookDefinition) IsLocal() bool { return isRepoPinned(h.Source) }

// Source is one `repos:` entry.
type Source struct {
	Repo  string   `json:"repo" yaml:"repo"`
	Rev   string   `json:"rev" yaml:"rev"`
	Hooks []string `json:"hooks" yaml:"hooks"`
}

// Manifest is a validated hook manifest.
type Manifest struct {
	Path                   string            `json:"path" yaml:"path"`
	Repos                  []Source          `json:"repos" yaml:"repos"`
	Hooks                  []HookDefinition  `json:"hooks" yaml:"hooks"`
	DefaultLanguageVersion map[string]string `json:"defaultLanguageVersion,omitempty" yaml:"defaultLanguageVersion,omitempty"`
	Files                  string            `json:"files,omitempty" yaml:"files,omitempty"`
	Exclude                string            `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	FailFast               bool              `json:"failFast" yaml:"failFast"`
}

// Options feeds values the manifest does not own into Load.
type Options struct {
	// DefaultLanguageVersion is consulted after the manifest's own map.
	DefaultLanguageVersion map[string]string
	// Check rejects hooks that cannot be turned into a runnable checker.
	Check func(HookDefinition) error
}

// Load reads and validates the manifest at path.
func Load(path string, opts Options) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data, path, opts)
}

func isRepoPinned(repo string) bool { return repo == "local" || repo == "meta" }

var floatingRefs = map[string]struct{}{
	"latest": {},
	"head":   {},
	"master": {},
	"main":   {},
}

func isFloatingRef(rev string) bool {
	_, ok := floatingRefs[strings.ToLower(strings.TrimSpace(rev))]
	return ok
}
