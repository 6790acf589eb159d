package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// compileCUE loads and compiles a CUE file at the given path.
func compileCUE(path string) (cue.Value, error) {
	if filepath.Ext(path) != ".cue" {
		return cue.Value{}, parseErrorf(path, "unsupported config format: expected .cue")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to read config: %w", err)
	}
	return compileCUEBytes(path, data)
}

func compileCUEBytes(path string, data []byte) (cue.Value, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return cue.Value{}, parseErrorf(path, "invalid config: %v", err)
	}
	return v, nil
}

// section is a cursor over one CUE struct that remembers the file path and the
// dotted prefix, so every type error names the full field.
type section struct {
	path   string
	prefix string
	v      cue.Value
}

func (s section) field(name string) (cue.Value, bool) {
	f := s.v.LookupPath(cue.ParsePath(name))
	return f, f.Exists()
}

func (s section) name(field string) string {
	if s.prefix == "" {
		return field
	}
	return s.prefix + "." + field
}

func (s section) typeErr(field, want string) error {
	return parseErrorf(s.path, "invalid type for field: %s (expected %s)", s.name(field), want)
}

func (s section) sub(name string) (section, bool, error) {
	f, ok := s.field(name)
	if !ok {
		return section{}, false, nil
	}
	if f.Kind() != cue.StructKind {
		return section{}, false, s.typeErr(name, "struct")
	}
	return section{path: s.path, prefix: s.name(name), v: f}, true, nil
}

func (s section) str(name string, dst *string) (bool, error) {
	f, ok := s.field(name)
	if !ok {
		return false, nil
	}
	if f.Kind() != cue.StringKind {
		return false, s.typeErr(name, "string")
	}
	if err := f.Decode(dst); err != nil {
		return false, parseErrorf(s.path, "invalid value for %s: %v", s.name(name), err)
	}
	return true, nil
}

func (s section) boolean(name string, dst *bool) (bool, error) {
	f, ok := s.field(name)
	if !ok {
		return false, nil
	}
	if f.Kind() != cue.BoolKind {
		return false, s.typeErr(name, "bool")
	}
	if err := f.Decode(dst); err != nil {
		return false, parseErrorf(s.path, "invalid value for %s: %v", s.name(name), err)
	}
	return true, nil
}

func (s section) integer(name string, dst *int) (bool, error) {
	f, ok := s.field(name)
	if !ok {
		return false, nil
	}
	if f.Kind() != cue.IntKind {
		return false, s.typeErr(name, "int")
	}
	if err := f.Decode(dst); err != nil {
		return false, parseErrorf(s.path, "invalid value for %s: %v", s.name(name), err)
	}
	return true, nil
}

func (s section) duration(name string, dst *time.Duration) (bool, error) {
	var raw string
	ok, err := s.str(name, &raw)
	if err != nil || !ok {
		return ok, err
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return false, parseErrorf(s.path, "invalid duration for %s: %q", s.name(name), raw)
	}
	if d <= 0 {
		return false, parseErrorf(s.path, "%s must be positive", s.name(name))
	}
	*dst = d
	return true, nil
}

func (s section) stringList(name string, dst *[]string) (bool, error) {
	f, ok := s.field(name)
	if !ok {
		return false, nil
	}
	if f.Kind() != cue.ListKind {
		return false, s.typeErr(name, "list of strings")
	}
	var out []string
	if err := f.Decode(&out); err != nil {
		return false, s.typeErr(name, "list of strings")
	}
	*dst = out
	return true, nil
}

func (s section) stringMap(name string, dst *map[string]string) (bool, error) {
	f, ok := s.field(name)
	if !ok {
		return false, nil
	}
	if f.Kind() != cue.StructKind {
		return false, s.typeErr(name, "map of strings")
	}
	out := map[string]string{}
	if err := f.Decode(&out); err != nil {
		return false, s.typeErr(name, "map of strings")
	}
	*dst = out
	return true, nil
}

// firstErr returns the first non-nil error.
func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
