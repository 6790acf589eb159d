package hooks

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flarebyte/diffgate/internal/config"
)

const snubaManifest = `default_language_version:
  python: python3.8
repos:
  - repo: https://github.com/pre-commit/pre-commit-hooks
    rev: v4.1.0
    hooks:
      - id: trailing-whitespace
      - id: end-of-file-fixer
      - id: check-yaml
        args: [--allow-multiple-documents]
  - repo: https://github.com/psf/black
    rev: 22.3.0
    hooks:
      - id: black
        language_version: python3.10
  - repo: local
    hooks:
      - id: no-print
        name: forbid print
        entry: "! grep -n print"
        language: system
        types: [python]
`

func parseErr(t *testing.T, src string) *config.ConfigParseError {
	t.Helper()
	_, err := Parse([]byte(src), "m.yaml", Options{})
	if err == nil {
		t.Fatalf("expected error for:\n%s", src)
	}
	var cpe *config.ConfigParseError
	if !errors.As(err, &cpe) {
		t.Fatalf("expected ConfigParseError, got %T: %v", err, err)
	}
	return cpe
}

func TestParse_FlattensInManifestOrder(t *testing.T) {
	m, err := Parse([]byte(snubaManifest), "m.yaml", Options{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var ids []string
	for _, h := range m.Hooks {
		ids = append(ids, h.ID)
	}
	if got := strings.Join(ids, ","); got != "trailing-whitespace,end-of-file-fixer,check-yaml,black,no-print" {
		t.Fatalf("unexpected order: %s", got)
	}
	if m.Hooks[2].Args[0] != "--allow-multiple-documents" {
		t.Fatalf("args not kept verbatim: %v", m.Hooks[2].Args)
	}
	if m.Hooks[0].LanguageVersion != "python3.8" || m.Hooks[3].LanguageVersion != "python3.10" {
		t.Fatalf("unexpected language versions: %q %q", m.Hooks[0].LanguageVersion, m.Hooks[3].LanguageVersion)
	}
	local := m.Hooks[4]
	if local.Revision != LocalRevision || !local.IsLocal() || local.Name != "forbid print" || !local.PassFilenames {
		t.Fatalf("unexpected local hook: %+v", local)
	}
	if len(m.Repos) != 3 || m.Repos[1].Rev != "22.3.0" {
		t.Fatalf("unexpected repos: %+v", m.Repos)
	}
	if m.Hooks[0].Line != 7 {
		t.Fatalf("expected hook line 7, got %d", m.Hooks[0].Line)
	}
}

func TestParse_ConfigLanguageVersionFallback(t *testing.T) {
	src := "repos:\n  - repo: https://x/y\n    rev: v1\n    hooks:\n      - id: flake8\n"
	m, err := Parse([]byte(src), "m.yaml", Options{DefaultLanguageVersion: map[string]string{"python": "python3.11"}})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Hooks[0].LanguageVersion != "python3.11" {
		t.Fatalf("got %q", m.Hooks[0].LanguageVersion)
	}
}

func TestParse_DuplicateIDWithinSource(t *testing.T) {
	src := "repos:\n  - repo: https://x/y\n    rev: v1\n    hooks:\n      - id: flake8\n      - id: flake8\n"
	cpe := parseErr(t, src)
	if cpe.Line != 6 || !strings.Contains(cpe.Reason, `duplicate hook id "flake8"`) {
		t.Fatalf("unexpected error: %v", cpe)
	}
}

func TestParse_SameIDAcrossSourcesAllowed(t *testing.T) {
	src := "repos:\n  - repo: https://x/a\n    rev: v1\n    hooks:\n      - id: lint\n  - repo: https://x/b\n    rev: v2\n    hooks:\n      - id: lint\n"
	if _, err := Parse([]byte(src), "m.yaml", Options{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParse_RejectsUnpinnedRevisions(t *testing.T) {
	for _, rev := range []string{"", "latest", "HEAD", "master", "main"} {
		src := "repos:\n  - repo: https://x/y\n    rev: \"" + rev + "\"\n    hooks:\n      - id: flake8\n"
		cpe := parseErr(t, src)
		if cpe.Line != 2 {
			t.Fatalf("rev %q: expected line 2, got %d", rev, cpe.Line)
		}
	}
	src := "repos:\n  - repo: https://x/y\n    hooks:\n      - id: flake8\n"
	if cpe := parseErr(t, src); !strings.Contains(cpe.Reason, "missing required field: rev") {
		t.Fatalf("unexpected reason: %s", cpe.Reason)
	}
}

func TestParse_StructuralErrors(t *testing.T) {
	cases := []struct {
		src  string
		want string
	}{
		{"- a\n- b\n", "top-level must be mapping"},
		{"repos: []\n", "missing required field: repos"},
		{"repos:\n  - rev: v1\n", "missing required field: repo"},
		{"repos:\n  - repo: https://x/y\n    rev: v1\n    hooks:\n      - name: nameless\n", "missing required field: id"},
		{"repos:\n  - repo: https://x/y\n    rev: v1\n    hooks:\n      - id: a\n        bogus: 1\n", "field bogus not found"},
		{"repos:\n  - repo: https://x/y\n    rev: v1\n    hooks:\n      - id: a\n        files: \"(\"\n", "invalid regex for a.files"},
		{"exclude: \"[\"\nrepos:\n  - repo: local\n    hooks:\n      - id: a\n        entry: x\n        language: system\n", "invalid regex for exclude"},
		{"repos:\n  - repo: local\n    hooks:\n      - id: a\n", "local hooks require entry and language"},
		{"repos: [\n", "invalid YAML"},
	}
	for _, tc := range cases {
		cpe := parseErr(t, tc.src)
		if !strings.Contains(cpe.Reason, tc.want) {
			t.Fatalf("src %q: want %q, got %q", tc.src, tc.want, cpe.Reason)
		}
	}
}

func TestParse_CheckHookRejects(t *testing.T) {
	src := "repos:\n  - repo: https://x/y\n    rev: v1\n    hooks:\n      - id: mystery\n"
	_, err := Parse([]byte(src), "m.yaml", Options{Check: func(h HookDefinition) error {
		return errors.New("no checker registered")
	}})
	if err == nil || !strings.Contains(err.Error(), "m.yaml:5: mystery: no checker registered") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoad_ReadsFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), DefaultManifest)
	if err := os.WriteFile(p, []byte(snubaManifest), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := Load(p, Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Path != p || len(m.Hooks) != 5 {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), Options{}); err == nil {
		t.Fatalf("expected error for missing manifest")
	}
}
