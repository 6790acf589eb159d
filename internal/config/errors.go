package config

import (
	"fmt"
	"strings"
)

// ConfigParseError reports a malformed pipeline config or hook manifest.
// Loading fails closed with this error before any stage runs.
type ConfigParseError struct {
	Path   string
	Line   int
	Reason string
}

func (e *ConfigParseError) Error() string {
	reason := strings.Join(strings.Fields(e.Reason), " ")
	switch {
	case e.Path != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, reason)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, reason)
	default:
		return reason
	}
}

// ExitCode makes config failures distinguishable from stage failures.
func (e *ConfigParseError) ExitCode() int { return 2 }

func parseErrorf(path string, format string, args ...any) error {
	return &ConfigParseError{Path: path, Reason: fmt.Sprintf(format, args...)}
}
