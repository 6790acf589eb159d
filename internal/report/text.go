package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/flarebyte/diffgate/internal/pipeline"
	"github.com/flarebyte/diffgate/internal/stage"
)

// Text writes a human summary of r.
func Text(w io.Writer, r pipeline.Run) error {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintf(tw, "run %s: %s (%d changed files", r.ID, r.State, len(r.ChangeSet))
	if r.BaseRef != "" {
		fmt.Fprintf(tw, " against %s", r.BaseRef)
	}
	fmt.Fprintln(tw, ")")
	for _, s := range r.Stages {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", s.Name, s.Status, roundDuration(s.Duration), stageDetail(s))
		for _, h := range s.Hooks {
			fmt.Fprintf(tw, "    %s\t%s\t%s\t%s\n", h.ID, h.Status, roundDuration(h.Duration), hookDetail(h))
		}
		for _, d := range s.TypeErrors {
			fmt.Fprintf(tw, "    %s\t\t\t\n", d.String())
		}
	}
	if r.Diagnostic != "" {
		fmt.Fprintf(tw, "%s\n", r.Diagnostic)
	}
	return tw.Flush()
}

func stageDetail(s stage.StageResult) string {
	var parts []string
	if s.Reason != "" {
		parts = append(parts, s.Reason)
	}
	if s.Cache != nil && s.Cache.Ref != "" {
		if s.Cache.Hit {
			parts = append(parts, "cache hit")
		} else {
			parts = append(parts, "cache miss")
		}
	}
	if s.Coverage != nil {
		parts = append(parts, fmt.Sprintf("coverage %.2f%%", s.Coverage.Percent))
	}
	if s.UploadError != "" {
		parts = append(parts, s.UploadError)
	}
	return strings.Join(parts, "; ")
}

func hookDetail(h stage.Outcome) string {
	if h.Status == stage.HookFail || h.Status == stage.HookNotRun || h.Status == stage.HookSkippedNoMatch {
		return h.Reason
	}
	return fmt.Sprintf("%d files", len(h.Files))
}

func roundDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}
