package run

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/flarebyte/diffgate/internal/pipeline"
	"github.com/flarebyte/diffgate/internal/stage"
)

// progressReporter prints one line per state transition and finished stage.
type progressReporter struct {
	mu sync.Mutex
	w  io.Writer
}

func newProgressReporter(w io.Writer) *progressReporter {
	return &progressReporter{w: w}
}

func (p *progressReporter) Transition(from, to pipeline.State) {
	p.emit("progress state=%s from=%s\n", to, from)
}

func (p *progressReporter) StageFinished(r stage.StageResult) {
	p.emit("progress stage=%s status=%s duration=%s\n", r.Name, r.Status, r.Duration.Round(time.Millisecond))
}

func (p *progressReporter) emit(format string, args ...any) {
	if p == nil || p.w == nil {
		return
	}
	p.mu.Lock()
	_, _ = fmt.Fprintf(p.w, format, args...)
	p.mu.Unlock()
}
