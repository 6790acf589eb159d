package checker

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var extensionTags = map[string][]string{
	".py":   {"text", "python"},
	".pyi":  {"text", "python", "pyi"},
	".pyx":  {"text", "cython"},
	".md":   {"text", "markdown"},
	".rst":  {"text", "rst"},
	".txt":  {"text", "plain-text"},
	".yaml": {"text", "yaml"},
	".yml":  {"text", "yaml"},
	".json": {"text", "json"},
	".toml": {"text", "toml"},
	".cfg":  {"text", "ini"},
	".ini":  {"text", "ini"},
	".sh":   {"text", "shell", "sh"},
	".bash": {"text", "shell", "bash"},
	".zsh":  {"text", "shell", "zsh"},
	".go":   {"text", "go"},
	".cue":  {"text", "cue"},
	".lua":  {"text", "lua"},
	".js":   {"text", "javascript"},
	".ts":   {"text", "ts"},
	".tsx":  {"text", "tsx"},
	".xml":  {"text", "xml"},
	".html": {"text", "html"},
	".css":  {"text", "css"},
	".sql":  {"text", "sql"},
	".lock": {"text"},
	".png":  {"binary", "image", "png"},
	".jpg":  {"binary", "image", "jpeg"},
	".gif":  {"binary", "image", "gif"},
	".zip":  {"binary", "zip"},
	".gz":   {"binary", "gzip"},
}

var nameTags = map[string][]string{
	"Dockerfile":       {"text", "dockerfile"},
	"Makefile":         {"text", "makefile"},
	"setup.cfg":        {"text", "ini"},
	".gitignore":       {"text", "gitignore"},
	"requirements.txt": {"text", "plain-text", "requirements"},
}

var interpreterTags = map[string][]string{
	"python":  {"python"},
	"python2": {"python", "python2"},
	"python3": {"python", "python3"},
	"sh":      {"shell", "sh"},
	"bash":    {"shell", "bash"},
	"zsh":     {"shell", "zsh"},
	"lua":     {"lua"},
	"node":    {"javascript"},
}

// Tags classifies a repo-relative file the way hook `types` filters expect:
// file/symlink, executable/non-executable, text/binary, plus language tags
// from the name, extension and shebang.
func Tags(root, rel string) map[string]struct{} {
	tags := map[string]struct{}{}
	add := func(ts ...string) {
		for _, t := range ts {
			tags[t] = struct{}{}
		}
	}
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if fi, err := os.Lstat(abs); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			add("symlink")
			return tags
		}
		add("file")
		if fi.Mode()&0o111 != 0 {
			add("executable")
		} else {
			add("non-executable")
		}
	}
	base := path.Base(rel)
	if ts, ok := nameTags[base]; ok {
		add(ts...)
	} else if ts, ok := extensionTags[strings.ToLower(path.Ext(base))]; ok {
		add(ts...)
	}
	head := readHead(abs, 8192)
	if _, ok := tags["binary"]; !ok {
		if _, ok := tags["text"]; !ok && head != nil {
			if bytes.IndexByte(head, 0) >= 0 {
				add("binary")
			} else {
				add("text")
			}
		}
	}
	if interp := shebangInterpreter(head); interp != "" {
		if ts, ok := interpreterTags[interp]; ok {
			add(ts...)
		}
	}
	return tags
}

func readHead(p string, n int) []byte {
	f, err := os.Open(p)
	if err != nil {
		return nil
	}
	defer f.Close()
	buf := make([]byte, n)
	k, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil
	}
	return buf[:k]
}

// shebangInterpreter returns the interpreter basename named by a `#!` line,
// looking through `/usr/bin/env`.
func shebangInterpreter(head []byte) string {
	if !bytes.HasPrefix(head, []byte("#!")) {
		return ""
	}
	line, _, _ := bufio.NewReader(bytes.NewReader(head[2:])).ReadLine()
	fields := strings.Fields(string(line))
	if len(fields) == 0 {
		return ""
	}
	interp := path.Base(fields[0])
	if interp == "env" {
		rest := fields[1:]
		for len(rest) > 0 && strings.HasPrefix(rest[0], "-") {
			rest = rest[1:]
		}
		if len(rest) == 0 {
			return ""
		}
		interp = path.Base(rest[0])
	}
	return interp
}
