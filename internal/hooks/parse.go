package hooks

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/flarebyte/diffgate/internal/config"
	"gopkg.in/yaml.v3"
)

type rawManifest struct {
	Repos                  []rawRepo         `yaml:"repos"`
	DefaultLanguageVersion map[string]string `yaml:"default_language_version"`
	DefaultStages          []string          `yaml:"default_stages"`
	Files                  string            `yaml:"files"`
	Exclude                string            `yaml:"exclude"`
	FailFast               bool              `yaml:"fail_fast"`
	MinimumVersion         string            `yaml:"minimum_pre_commit_version"`
	CI                     map[string]any    `yaml:"ci"`
}

type rawRepo struct {
	Repo  string    `yaml:"repo"`
	Rev   string    `yaml:"rev"`
	Hooks []rawHook `yaml:"hooks"`
}

type rawHook struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Entry           string   `yaml:"entry"`
	Language        string   `yaml:"language"`
	LanguageVersion string   `yaml:"language_version"`
	Args            []string `yaml:"args"`
	Files           string   `yaml:"files"`
	Exclude         string   `yaml:"exclude"`
	Types           []string `yaml:"types"`
	TypesOr         []string `yaml:"types_or"`
	ExcludeTypes    []string `yaml:"exclude_types"`
	PassFilenames   *bool    `yaml:"pass_filenames"`
	AlwaysRun       bool     `yaml:"always_run"`
	Stages          []string `yaml:"stages"`
	Verbose         bool     `yaml:"verbose"`
	RequireSerial   bool     `yaml:"require_serial"`
	AdditionalDeps  []string `yaml:"additional_dependencies"`
}

var yamlLineRe = regexp.MustCompile(`line (\d+)`)

// Parse validates manifest bytes. path is used only for error reporting.
func Parse(data []byte, path string, opts Options) (*Manifest, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, yamlParseError(path, err)
	}
	if len(doc.Content) == 0 {
		return nil, &config.ConfigParseError{Path: path, Reason: "manifest is empty"}
	}
	top := doc.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, &config.ConfigParseError{Path: path, Line: top.Line, Reason: "top-level must be mapping"}
	}

	var raw rawManifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, yamlParseError(path, err)
	}
	if len(raw.Repos) == 0 {
		return nil, &config.ConfigParseError{Path: path, Line: top.Line, Reason: "missing required field: repos"}
	}
	if err := checkRegex(path, top.Line, "files", raw.Files); err != nil {
		return nil, err
	}
	if err := checkRegex(path, top.Line, "exclude", raw.Exclude); err != nil {
		return nil, err
	}

	m := &Manifest{
		Path:                   path,
		DefaultLanguageVersion: raw.DefaultLanguageVersion,
		Files:                  raw.Files,
		Exclude:                raw.Exclude,
		FailFast:               raw.FailFast,
	}
	repoNodes := lookup(top, "repos")
	seen := map[string]int{}
	for i, rr := range raw.Repos {
		repoNode := seqItem(repoNodes, i)
		line := nodeLine(repoNode, top.Line)
		if rr.Repo == "" {
			return nil, &config.ConfigParseError{Path: path, Line: line, Reason: fmt.Sprintf("repos[%d]: missing required field: repo", i)}
		}
		rev := rr.Rev
		if isRepoPinned(rr.Repo) {
			rev = LocalRevision
		} else {
			if rr.Rev == "" {
				return nil, &config.ConfigParseError{Path: path, Line: line, Reason: fmt.Sprintf("%s: missing required field: rev", rr.Repo)}
			}
			if isFloatingRef(rr.Rev) {
				return nil, &config.ConfigParseError{Path: path, Line: line, Reason: fmt.Sprintf("%s: rev %q is not pinned", rr.Repo, rr.Rev)}
			}
		}
		src := Source{Repo: rr.Repo, Rev: rev}
		hookNodes := lookup(repoNode, "hooks")
		for j, rh := range rr.Hooks {
			hline := nodeLine(seqItem(hookNodes, j), line)
			def, err := buildHook(path, hline, rr.Repo, rev, rh, raw.DefaultLanguageVersion, opts.DefaultLanguageVersion)
			if err != nil {
				return nil, err
			}
			if prev, dup := seen[def.Key()]; dup {
				return nil, &config.ConfigParseError{Path: path, Line: hline, Reason: fmt.Sprintf("%s: duplicate hook id %q (first defined at line %d)", rr.Repo, def.ID, prev)}
			}
			seen[def.Key()] = hline
			if opts.Check != nil {
				if err := opts.Check(def); err != nil {
					return nil, &config.ConfigParseError{Path: path, Line: hline, Reason: fmt.Sprintf("%s: %v", def.ID, err)}
				}
			}
			src.Hooks = append(src.Hooks, def.ID)
			m.Hooks = append(m.Hooks, def)
		}
		m.Repos = append(m.Repos, src)
	}
	return m, nil
}

func buildHook(path string, line int, repo, rev string, rh rawHook, manifestLangs, configLangs map[string]string) (HookDefinition, error) {
	if rh.ID == "" {
		return HookDefinition{}, &config.ConfigParseError{Path: path, Line: line, Reason: fmt.Sprintf("%s: hook missing required field: id", repo)}
	}
	if repo == "local" && (rh.Entry == "" || rh.Language == "") {
		return HookDefinition{}, &config.ConfigParseError{Path: path, Line: line, Reason: fmt.Sprintf("%s: local hooks require entry and language", rh.ID)}
	}
	if err := checkRegex(path, line, rh.ID+".files", rh.Files); err != nil {
		return HookDefinition{}, err
	}
	if err := checkRegex(path, line, rh.ID+".exclude", rh.Exclude); err != nil {
		return HookDefinition{}, err
	}
	def := HookDefinition{
		Source:        repo,
		Revision:      rev,
		ID:            rh.ID,
		Name:          rh.Name,
		Args:          rh.Args,
		Entry:         rh.Entry,
		Language:      rh.Language,
		Files:         rh.Files,
		Exclude:       rh.Exclude,
		Types:         rh.Types,
		TypesOr:       rh.TypesOr,
		ExcludeTypes:  rh.ExcludeTypes,
		PassFilenames: true,
		AlwaysRun:     rh.AlwaysRun,
		Line:          line,
	}
	if def.Name == "" {
		def.Name = def.ID
	}
	if rh.PassFilenames != nil {
		def.PassFilenames = *rh.PassFilenames
	}
	def.LanguageVersion = rh.LanguageVersion
	if def.LanguageVersion == "" {
		lang := def.Language
		if lang == "" {
			lang = "python"
		}
		if v, ok := manifestLangs[lang]; ok {
			def.LanguageVersion = v
		} else if v, ok := configLangs[lang]; ok {
			def.LanguageVersion = v
		}
	}
	return def, nil
}

func checkRegex(path string, line int, field, expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := regexp.Compile(expr); err != nil {
		return &config.ConfigParseError{Path: path, Line: line, Reason: fmt.Sprintf("invalid regex for %s: %v", field, err)}
	}
	return nil
}

func yamlParseError(path string, err error) error {
	line := 0
	if m := yamlLineRe.FindStringSubmatch(err.Error()); m != nil {
		line, _ = strconv.Atoi(m[1])
	}
	return &config.ConfigParseError{Path: path, Line: line, Reason: "invalid YAML: " + err.Error()}
}

func lookup(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

func seqItem(n *yaml.Node, i int) *yaml.Node {
	if n == nil || n.Kind != yaml.SequenceNode || i >= len(n.Content) {
		return nil
	}
	return n.Content[i]
}

func nodeLine(n *yaml.Node, fallback int) int {
	if n == nil {
		return fallback
	}
	return n.Line
}
