package checker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/flarebyte/diffgate/internal/hooks"
	"github.com/flarebyte/diffgate/internal/procexec"
)

// HookCacheEnv names the environment variable that exposes the hook's cache directory.
const HookCacheEnv = "DIFFGATE_HOOK_CACHE"

// maxBatchArgBytes bounds the filename bytes passed to a single invocation.
const maxBatchArgBytes = 128 * 1024

// command runs an argv prefix with the matched files appended.
type command struct {
	base
	argv          []string
	passFilenames bool
	runner        procexec.Runner
	// failOnOutput treats any stdout as a finding, for tools like `gofmt -l`
	// that exit zero when they list offending files.
	failOnOutput bool
}

func (c command) Run(ctx context.Context, req Request) (Result, error) {
	env := map[string]string{}
	for k, v := range req.Env {
		env[k] = v
	}
	if req.CacheDir != "" {
		env[HookCacheEnv] = req.CacheDir
	}
	batches := [][]string{nil}
	if c.passFilenames {
		batches = batchFiles(req.Files, maxBatchArgBytes)
	}
	var (
		res    Result
		output []string
	)
	for _, batch := range batches {
		args := append(append([]string(nil), c.argv[1:]...), batch...)
		r, err := c.runner.Run(ctx, procexec.Command{
			Program: c.argv[0],
			Args:    args,
			Dir:     req.Root,
			Env:     env,
		})
		if err != nil {
			return res, fmt.Errorf("%s: %w", c.name, err)
		}
		if out := strings.TrimSpace(r.Output()); out != "" {
			output = append(output, out)
		}
		if r.TimedOut || r.Canceled {
			res.TimedOut = r.TimedOut
			res.ExitCode = r.ExitCode
			res.Output = strings.Join(output, "\n")
			return res, ctx.Err()
		}
		if r.Error != "" {
			return Result{ExitCode: r.ExitCode, Output: r.Error}, errors.New(r.Error)
		}
		if r.ExitCode != 0 && res.ExitCode == 0 {
			res.ExitCode = r.ExitCode
		}
		if c.failOnOutput && strings.TrimSpace(r.Stdout) != "" {
			for _, line := range strings.Split(strings.TrimSpace(r.Stdout), "\n") {
				res.Findings = append(res.Findings, Finding{Path: strings.TrimSpace(line), Message: "needs formatting"})
			}
		}
	}
	res.Output = strings.Join(output, "\n")
	return res, nil
}

func batchFiles(files []string, maxBytes int) [][]string {
	if len(files) == 0 {
		return [][]string{nil}
	}
	var (
		out  [][]string
		cur  []string
		size int
	)
	for _, f := range files {
		if len(cur) > 0 && size+len(f)+1 > maxBytes {
			out = append(out, cur)
			cur, size = nil, 0
		}
		cur = append(cur, f)
		size += len(f) + 1
	}
	return append(out, cur)
}

// splitCommand splits an entry into argv with POSIX-style quoting.
func splitCommand(s string) ([]string, error) {
	var (
		out     []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			if inWord {
				out = append(out, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 || escaped {
		return nil, fmt.Errorf("unterminated quote in entry: %q", s)
	}
	if inWord {
		out = append(out, cur.String())
	}
	return out, nil
}

// systemFactory serves `language: system` and `language: script` hooks.
func systemFactory(script bool) Factory {
	return func(def hooks.HookDefinition, opts Options) (Checker, error) {
		b, err := newBase(def, opts.Root, nil)
		if err != nil {
			return nil, err
		}
		argv, err := splitCommand(def.Entry)
		if err != nil {
			return nil, err
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("empty entry")
		}
		if script {
			argv[0] = filepath.Join(opts.Root, filepath.FromSlash(argv[0]))
		}
		argv = append(argv, def.Args...)
		return command{base: b, argv: argv, passFilenames: def.PassFilenames, runner: opts.Runner}, nil
	}
}

// failing reports every matched file with the entry as the message.
type failing struct {
	base
	message string
}

func (f failing) Run(_ context.Context, req Request) (Result, error) {
	var res Result
	for _, rel := range req.Files {
		res.Findings = append(res.Findings, Finding{Path: rel, Message: f.message})
	}
	res.ExitCode = 1
	if len(req.Files) == 0 {
		res.Output = f.message
	}
	return res, nil
}

func failFactory(def hooks.HookDefinition, opts Options) (Checker, error) {
	b, err := newBase(def, opts.Root, nil)
	if err != nil {
		return nil, err
	}
	msg := strings.TrimSpace(def.Entry)
	if msg == "" {
		msg = def.Name
	}
	return failing{base: b, message: msg}, nil
}

// pygrepFactory serves `language: pygrep`: the entry is a regex that must not match.
func pygrepFactory(def hooks.HookDefinition, opts Options) (Checker, error) {
	b, err := newBase(def, opts.Root, nil)
	if err != nil {
		return nil, err
	}
	flags := ""
	if hasFlag(def.Args, "-i", "--ignore-case") {
		flags += "i"
	}
	// --multiline searches the whole file, so ^ and $ anchor at line breaks.
	multiline := hasFlag(def.Args, "--multiline")
	if multiline {
		flags += "m"
	}
	expr := def.Entry
	if flags != "" {
		expr = "(?" + flags + ")" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pygrep entry: %w", err)
	}
	negate := hasFlag(def.Args, "--negate")
	check := func(rel string, data []byte, _ os.FileInfo) []Finding {
		if multiline && !negate {
			loc := re.FindIndex(data)
			if loc == nil {
				return nil
			}
			line := strings.Count(string(data[:loc[0]]), "\n") + 1
			return []Finding{{Path: rel, Line: line, Message: firstMatchLine(data[loc[0]:loc[1]])}}
		}
		if negate {
			if re.Match(data) {
				return nil
			}
			return []Finding{{Path: rel, Message: "pattern not found: " + def.Entry}}
		}
		var out []Finding
		eachLine(data, func(n int, line []byte) {
			if re.Match(line) {
				out = append(out, Finding{Path: rel, Line: n, Message: strings.TrimSpace(string(line))})
			}
		})
		return out
	}
	return native{base: b, check: check}, nil
}

func firstMatchLine(m []byte) string {
	text := string(m)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

func init() {
	RegisterLanguage("system", systemFactory(false))
	RegisterLanguage("script", systemFactory(true))
	RegisterLanguage("fail", failFactory)
	RegisterLanguage("pygrep", pygrepFactory)
}
