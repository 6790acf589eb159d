package checker

import (
	"regexp"

	"github.com/flarebyte/diffgate/internal/hooks"
)

// Filter is a hook's own file selection: the files/exclude regexes and the
// types/types_or/exclude_types tag sets.
type Filter struct {
	root         string
	files        *regexp.Regexp
	exclude      *regexp.Regexp
	types        []string
	typesOr      []string
	excludeTypes []string
}

// NewFilter compiles the filter for def. Empty regexes match everything.
// defaultTypes apply when the hook declares no types of its own.
func NewFilter(root string, def hooks.HookDefinition, defaultTypes []string) (Filter, error) {
	f := Filter{root: root, types: def.Types, typesOr: def.TypesOr, excludeTypes: def.ExcludeTypes}
	if len(f.types) == 0 && len(f.typesOr) == 0 {
		f.types = defaultTypes
	}
	var err error
	if def.Files != "" {
		if f.files, err = regexp.Compile(def.Files); err != nil {
			return Filter{}, err
		}
	}
	if def.Exclude != "" {
		if f.exclude, err = regexp.Compile(def.Exclude); err != nil {
			return Filter{}, err
		}
	}
	return f, nil
}

// Match reports whether the repo-relative path passes every filter.
func (f Filter) Match(rel string) bool {
	if f.files != nil && !f.files.MatchString(rel) {
		return false
	}
	if f.exclude != nil && f.exclude.MatchString(rel) {
		return false
	}
	if len(f.types) == 0 && len(f.typesOr) == 0 && len(f.excludeTypes) == 0 {
		return true
	}
	tags := Tags(f.root, rel)
	for _, t := range f.types {
		if _, ok := tags[t]; !ok {
			return false
		}
	}
	if len(f.typesOr) > 0 {
		matched := false
		for _, t := range f.typesOr {
			if _, ok := tags[t]; ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, t := range f.excludeTypes {
		if _, ok := tags[t]; ok {
			return false
		}
	}
	return true
}
