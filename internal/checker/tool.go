package checker

import (
	"fmt"
	"strings"

	"github.com/flarebyte/diffgate/internal/hooks"
)

// tool is a pinned external program with a default invocation.
type tool struct {
	argv         []string
	pyModule     string
	types        []string
	failOnOutput bool
}

var tools = map[string]tool{
	"black":      {argv: []string{"black", "--check", "--diff"}, pyModule: "black", types: []string{"python"}},
	"flake8":     {argv: []string{"flake8"}, pyModule: "flake8", types: []string{"python"}},
	"isort":      {argv: []string{"isort", "--check-only", "--diff"}, pyModule: "isort", types: []string{"python"}},
	"mypy":       {argv: []string{"mypy"}, pyModule: "mypy", types: []string{"python"}},
	"shellcheck": {argv: []string{"shellcheck"}, types: []string{"shell"}},
	"gofmt":      {argv: []string{"gofmt", "-l"}, types: []string{"go"}, failOnOutput: true},
}

func toolFactory(t tool) Factory {
	return func(def hooks.HookDefinition, opts Options) (Checker, error) {
		b, err := newBase(def, opts.Root, t.types)
		if err != nil {
			return nil, err
		}
		argv := append([]string(nil), t.argv...)
		if def.Entry != "" {
			if argv, err = splitCommand(def.Entry); err != nil {
				return nil, err
			}
			if len(argv) == 0 {
				return nil, fmt.Errorf("empty entry")
			}
		} else if t.pyModule != "" && strings.HasPrefix(def.LanguageVersion, "python") {
			argv = append([]string{def.LanguageVersion, "-m", t.pyModule}, argv[1:]...)
		}
		argv = append(argv, def.Args...)
		return command{
			base:          b,
			argv:          argv,
			passFilenames: def.PassFilenames,
			runner:        opts.Runner,
			failOnOutput:  t.failOnOutput,
		}, nil
	}
}

func init() {
	for id, t := range tools {
		Register(id, toolFactory(t))
	}
}
