package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
)

// DefaultConfigFile is looked up in the repository root when no --config is given.
const DefaultConfigFile = "diffgate.cue"

// Pipeline is the resolved pipeline configuration.
type Pipeline struct {
	ConfigVersion          string
	Path                   string
	BaseRef                string
	Manifest               string
	DefaultLanguageVersion map[string]string
	Concurrent             bool
	Changes                Changes
	Lint                   Lint
	Typecheck              Typecheck
	Test                   Test
	Lua                    LuaSandbox
	History                History
	Cache                  Cache
	Output                 Output
	Log                    Log
}

// Changes controls how the ChangeSet is computed.
type Changes struct {
	MergeBase        bool
	IncludeUntracked bool
}

// Lint configures the diff-scoped hook stage.
type Lint struct {
	Enabled bool
	Timeout time.Duration
	Workers int
}

// Typecheck configures the whole-repository type check.
type Typecheck struct {
	Enabled   bool
	Timeout   time.Duration
	Program   string
	Args      []string
	GateTests bool
}

// Test configures the build-and-test stage.
type Test struct {
	Enabled    bool
	Timeout    time.Duration
	Runtime    string
	Image      string
	CacheImage string
	Dockerfile string
	Context    string
	Network    string
	Workdir    string
	Command    []string
	Env        map[string]string
	// Mounts maps host paths, relative to the repository root, to container paths.
	Mounts   map[string]string
	Services []Service
	Coverage Coverage
}

// Service is a sidecar container attached to the test network.
type Service struct {
	Name  string
	Image string
	Env   map[string]string
}

// Coverage locates the coverage file written by the test command and where to send it.
type Coverage struct {
	Path   string
	Upload Upload
}

// Upload selects the coverage aggregator.
type Upload struct {
	Kind         string
	URL          string
	TokenEnv     string
	Endpoint     string
	Bucket       string
	Region       string
	Prefix       string
	AccessKeyEnv string
	SecretKeyEnv string
	UseSSL       bool
}

// History configures the run history sink.
type History struct {
	DSN string
}

// Cache configures the local content-addressed cache root.
type Cache struct {
	Dir string
}

// Output configures how results are rendered.
type Output struct {
	Format string
	Report string
}

// Log configures the diagnostic logger.
type Log struct {
	Level  string
	Format string
}

// Default returns the configuration used when no config file exists.
func Default() Pipeline {
	return Pipeline{
		ConfigVersion:          CurrentConfigVersion,
		BaseRef:                "origin/master",
		Manifest:               ".pre-commit-config.yaml",
		DefaultLanguageVersion: map[string]string{"python": "python3"},
		Concurrent:             true,
		Changes:                Changes{MergeBase: true},
		Lint:                   Lint{Enabled: true, Timeout: 10 * time.Minute},
		Typecheck: Typecheck{
			Enabled:   true,
			Timeout:   10 * time.Minute,
			Program:   "mypy",
			Args:      []string{"--strict", "--warn-unreachable", "."},
			GateTests: true,
		},
		Test: Test{
			Enabled:    false,
			Timeout:    20 * time.Minute,
			Runtime:    "docker",
			Dockerfile: "Dockerfile",
			Context:    ".",
			Network:    "diffgate",
			Coverage:   Coverage{Upload: Upload{Kind: "none", Region: "us-east-1"}},
		},
		Lua:    defaultLuaSandbox(),
		Output: Output{Format: "text"},
		Log:    Log{Level: "info", Format: "text"},
	}
}

// Resolve loads the pipeline config for a repository. An explicit path must
// exist; otherwise root/diffgate.cue is used when present and defaults apply
// when it is not. Environment overlays are applied last.
func Resolve(root, explicit string) (Pipeline, error) {
	var (
		cfg Pipeline
		err error
	)
	switch {
	case explicit != "":
		cfg, err = Load(explicit)
	default:
		candidate := filepath.Join(root, DefaultConfigFile)
		if _, statErr := os.Stat(candidate); statErr == nil {
			cfg, err = Load(candidate)
		} else if errors.Is(statErr, fs.ErrNotExist) {
			cfg = Default()
		} else {
			return Pipeline{}, fmt.Errorf("failed to stat config: %w", statErr)
		}
	}
	if err != nil {
		return Pipeline{}, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Pipeline{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Pipeline{}, err
	}
	return cfg, nil
}

// Load compiles a CUE config file and overlays it on the defaults.
func Load(path string) (Pipeline, error) {
	v, err := compileCUE(path)
	if err != nil {
		return Pipeline{}, err
	}
	return fromValue(path, v)
}

// Parse is Load for in-memory CUE source.
func Parse(path string, data []byte) (Pipeline, error) {
	v, err := compileCUEBytes(path, data)
	if err != nil {
		return Pipeline{}, err
	}
	return fromValue(path, v)
}

func fromValue(path string, v cue.Value) (Pipeline, error) {
	root := section{path: path, v: v}
	if v.Kind() != cue.StructKind {
		return Pipeline{}, parseErrorf(path, "config must be a struct")
	}
	cfg := Default()
	cfg.Path = path

	ok, err := root.str("configVersion", &cfg.ConfigVersion)
	if err != nil {
		return Pipeline{}, err
	}
	if !ok {
		return Pipeline{}, parseErrorf(path, "missing required field: configVersion")
	}
	if !IsSupportedConfigVersion(cfg.ConfigVersion) {
		return Pipeline{}, parseErrorf(path, "unsupported configVersion: %q (supported: %s)", cfg.ConfigVersion, SupportedConfigVersionsCSV())
	}

	var langs map[string]string
	hasLangs, err := root.stringMap("defaultLanguageVersion", &langs)
	if err != nil {
		return Pipeline{}, err
	}
	if hasLangs {
		cfg.DefaultLanguageVersion = langs
	}
	if err := firstErr(
		ignore(root.str("baseRef", &cfg.BaseRef)),
		ignore(root.str("manifest", &cfg.Manifest)),
		ignore(root.boolean("concurrent", &cfg.Concurrent)),
		parseChangesSection(root, &cfg.Changes),
		parseLintSection(root, &cfg.Lint),
		parseTypecheckSection(root, &cfg.Typecheck),
		parseTestSection(root, &cfg.Test),
		parseLuaSandboxSection(root, &cfg.Lua),
		parseOutputSection(root, &cfg),
	); err != nil {
		return Pipeline{}, err
	}
	return cfg, nil
}

// Validate checks cross-field rules that CUE types alone do not express.
func (p Pipeline) Validate() error {
	path := p.Path
	if strings.TrimSpace(p.BaseRef) == "" {
		return parseErrorf(path, "baseRef is required")
	}
	if strings.TrimSpace(p.Manifest) == "" {
		return parseErrorf(path, "manifest is required")
	}
	if p.Lint.Workers < 0 {
		return parseErrorf(path, "lint.workers must be >= 0")
	}
	if p.Typecheck.Enabled && strings.TrimSpace(p.Typecheck.Program) == "" {
		return parseErrorf(path, "typecheck.program is required when typecheck is enabled")
	}
	if p.Test.Enabled {
		if err := p.Test.validate(path); err != nil {
			return err
		}
	}
	switch p.Output.Format {
	case "text", "json", "yaml":
	default:
		return parseErrorf(path, "unsupported output.format: %q", p.Output.Format)
	}
	return nil
}

func (t Test) validate(path string) error {
	switch t.Runtime {
	case "docker", "dagger":
	default:
		return parseErrorf(path, "unsupported test.runtime: %q", t.Runtime)
	}
	if strings.TrimSpace(t.Image) == "" {
		return parseErrorf(path, "test.image is required when test is enabled")
	}
	if len(t.Command) == 0 {
		return parseErrorf(path, "test.command is required when test is enabled")
	}
	if strings.TrimSpace(t.Network) == "" {
		return parseErrorf(path, "test.network is required when test is enabled")
	}
	seen := map[string]struct{}{}
	for _, s := range t.Services {
		if s.Name == "" || s.Image == "" {
			return parseErrorf(path, "test.services entries require name and image")
		}
		if _, dup := seen[s.Name]; dup {
			return parseErrorf(path, "duplicate test service: %s", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	switch t.Coverage.Upload.Kind {
	case "", "none":
	case "http":
		if t.Coverage.Upload.URL == "" {
			return parseErrorf(path, "test.coverage.upload.url is required for kind http")
		}
	case "s3":
		u := t.Coverage.Upload
		if u.Endpoint == "" || u.Bucket == "" {
			return parseErrorf(path, "test.coverage.upload requires endpoint and bucket for kind s3")
		}
		if strings.Contains(u.Endpoint, "://") {
			return parseErrorf(path, "test.coverage.upload.endpoint must not include scheme: %q", u.Endpoint)
		}
	default:
		return parseErrorf(path, "unsupported test.coverage.upload.kind: %q", t.Coverage.Upload.Kind)
	}
	if t.Coverage.Upload.Kind != "" && t.Coverage.Upload.Kind != "none" && t.Coverage.Path == "" {
		return parseErrorf(path, "test.coverage.path is required when coverage upload is configured")
	}
	return nil
}

// ignore drops the presence flag of a section lookup.
func ignore(_ bool, err error) error { return err }
