package checker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/flarebyte/diffgate/internal/hooks"
	"gopkg.in/yaml.v3"
)

// fileCheck inspects one file's content and reports findings.
type fileCheck func(rel string, data []byte, info os.FileInfo) []Finding

// native runs a Go-implemented check over each file.
type native struct {
	base
	check fileCheck
}

func (n native) Run(ctx context.Context, req Request) (Result, error) {
	var res Result
	for _, rel := range req.Files {
		if err := ctx.Err(); err != nil {
			res.TimedOut = errors.Is(err, context.DeadlineExceeded)
			res.ExitCode = 1
			return res, err
		}
		p := filepath.Join(req.Root, filepath.FromSlash(rel))
		info, err := os.Stat(p)
		if err != nil {
			return res, fmt.Errorf("%s: %w", n.name, err)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return res, fmt.Errorf("%s: %w", n.name, err)
		}
		res.Findings = append(res.Findings, n.check(rel, data, info)...)
	}
	if len(res.Findings) > 0 {
		res.ExitCode = 1
	}
	return res, nil
}

func nativeFactory(defaultTypes []string, mk func(def hooks.HookDefinition) (fileCheck, error)) Factory {
	return func(def hooks.HookDefinition, opts Options) (Checker, error) {
		b, err := newBase(def, opts.Root, defaultTypes)
		if err != nil {
			return nil, err
		}
		check, err := mk(def)
		if err != nil {
			return nil, err
		}
		return native{base: b, check: check}, nil
	}
}

func fixed(c fileCheck) func(hooks.HookDefinition) (fileCheck, error) {
	return func(hooks.HookDefinition) (fileCheck, error) { return c, nil }
}

func eachLine(data []byte, fn func(n int, line []byte)) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		fn(n, sc.Bytes())
	}
}

func checkTrailingWhitespace(rel string, data []byte, _ os.FileInfo) []Finding {
	var out []Finding
	eachLine(data, func(n int, line []byte) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) > 0 && (line[len(line)-1] == ' ' || line[len(line)-1] == '\t') {
			out = append(out, Finding{Path: rel, Line: n, Message: "trailing whitespace"})
		}
	})
	return out
}

func checkEndOfFile(rel string, data []byte, _ os.FileInfo) []Finding {
	if len(data) == 0 {
		return nil
	}
	if !bytes.HasSuffix(data, []byte("\n")) {
		return []Finding{{Path: rel, Message: "missing newline at end of file"}}
	}
	trimmed := bytes.TrimRight(data, "\r\n")
	if len(trimmed) == 0 {
		return []Finding{{Path: rel, Message: "file contains only newlines"}}
	}
	if rest := data[len(trimmed):]; bytes.Count(rest, []byte("\n")) > 1 {
		return []Finding{{Path: rel, Message: "extra blank lines at end of file"}}
	}
	return nil
}

func checkYAML(def hooks.HookDefinition) (fileCheck, error) {
	multi := hasFlag(def.Args, "--allow-multiple-documents", "-m")
	return func(rel string, data []byte, _ os.FileInfo) []Finding {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		docs := 0
		for {
			var v yaml.Node
			err := dec.Decode(&v)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return []Finding{{Path: rel, Line: yamlErrLine(err), Message: singleLine(err.Error())}}
			}
			docs++
			if docs > 1 && !multi {
				return []Finding{{Path: rel, Line: v.Line, Message: "expected a single document in the stream"}}
			}
		}
		return nil
	}, nil
}

var yamlLineRe = regexp.MustCompile(`line (\d+)`)

func yamlErrLine(err error) int {
	if m := yamlLineRe.FindStringSubmatch(err.Error()); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

func checkJSON(rel string, data []byte, _ os.FileInfo) []Finding {
	dec := json.NewDecoder(bytes.NewReader(data))
	var v any
	if err := dec.Decode(&v); err != nil {
		line := 0
		var se *json.SyntaxError
		if errors.As(err, &se) {
			line = 1 + bytes.Count(data[:min(int(se.Offset), len(data))], []byte("\n"))
		}
		return []Finding{{Path: rel, Line: line, Message: singleLine(err.Error())}}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return []Finding{{Path: rel, Message: "trailing data after JSON value"}}
	}
	return nil
}

var conflictMarkers = [][]byte{[]byte("<<<<<<< "), []byte("======= "), []byte(">>>>>>> ")}

func checkMergeConflict(rel string, data []byte, _ os.FileInfo) []Finding {
	var out []Finding
	eachLine(data, func(n int, line []byte) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if bytes.Equal(line, []byte("=======")) {
			out = append(out, Finding{Path: rel, Line: n, Message: "merge conflict marker"})
			return
		}
		for _, m := range conflictMarkers {
			if bytes.HasPrefix(line, m) {
				out = append(out, Finding{Path: rel, Line: n, Message: "merge conflict marker"})
				return
			}
		}
	})
	return out
}

func checkLargeFiles(def hooks.HookDefinition) (fileCheck, error) {
	maxKB := 500
	for _, a := range def.Args {
		if v, ok := strings.CutPrefix(a, "--maxkb="); ok {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid --maxkb: %q", v)
			}
			maxKB = n
		}
	}
	return func(rel string, _ []byte, info os.FileInfo) []Finding {
		kb := (info.Size() + 1023) / 1024
		if kb > int64(maxKB) {
			return []Finding{{Path: rel, Message: fmt.Sprintf("%d KB exceeds %d KB", kb, maxKB)}}
		}
		return nil
	}, nil
}

func checkShebang(rel string, data []byte, _ os.FileInfo) []Finding {
	if bytes.HasPrefix(data, []byte("#!")) {
		return nil
	}
	return []Finding{{Path: rel, Message: "marked executable but has no shebang"}}
}

var debugStatementRe = regexp.MustCompile(`^\s*(import\s+(pdb|ipdb|pudb|q)\b|from\s+(pdb|ipdb|pudb|q)\s+import\b|breakpoint\(\)|.*\b(pdb|ipdb|pudb)\.set_trace\(\))`)

func checkDebugStatements(rel string, data []byte, _ os.FileInfo) []Finding {
	var out []Finding
	eachLine(data, func(n int, line []byte) {
		if debugStatementRe.Match(line) {
			out = append(out, Finding{Path: rel, Line: n, Message: "debug statement: " + strings.TrimSpace(string(line))})
		}
	})
	return out
}

func hasFlag(args []string, names ...string) bool {
	for _, a := range args {
		for _, n := range names {
			if a == n {
				return true
			}
		}
	}
	return false
}

func singleLine(s string) string { return strings.Join(strings.Fields(s), " ") }

func init() {
	Register("trailing-whitespace", nativeFactory([]string{"text"}, fixed(checkTrailingWhitespace)))
	Register("end-of-file-fixer", nativeFactory([]string{"text"}, fixed(checkEndOfFile)))
	Register("check-yaml", nativeFactory([]string{"yaml"}, checkYAML))
	Register("check-json", nativeFactory([]string{"json"}, fixed(checkJSON)))
	Register("check-merge-conflict", nativeFactory([]string{"text"}, fixed(checkMergeConflict)))
	Register("check-added-large-files", nativeFactory([]string{"file"}, checkLargeFiles))
	Register("check-executables-have-shebangs", nativeFactory([]string{"text", "executable"}, fixed(checkShebang)))
	Register("debug-statements", nativeFactory([]string{"python"}, fixed(checkDebugStatements)))
}
