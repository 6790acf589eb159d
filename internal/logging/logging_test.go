package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNew_JSONIncludesAttrs(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "json", "info")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.With("stage", "lint").Info("hook finished", "hook", "black")
	out := buf.String()
	if !strings.Contains(out, `"stage":"lint"`) || !strings.Contains(out, `"hook":"black"`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestNew_LevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "text", "warn")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.Info("hidden")
	l.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestNew_RejectsUnknownFormat(t *testing.T) {
	if _, err := New(nil, "xml", "info"); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error")
	}
}
