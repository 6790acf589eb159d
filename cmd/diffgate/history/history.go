package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/flarebyte/diffgate/internal/app"
	"github.com/flarebyte/diffgate/internal/history"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	flagConfig string
	flagRoot   string
	flagLimit  int
	flagFormat string
	flagStages bool
)

// Cmd implements `diffgate history`.
var Cmd = &cobra.Command{
	Use:           "history",
	Short:         "List recent runs from the history store",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := app.Open(app.Options{Root: flagRoot, ConfigPath: flagConfig}, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		store, err := sess.History(cmd.Context())
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("history is disabled (dsn is \"off\")")
		}
		defer func() { _ = store.Close() }()
		return list(cmd, store, listOptions{limit: flagLimit, format: flagFormat, stages: flagStages}, cmd.OutOrStdout())
	},
}

type listOptions struct {
	limit  int
	format string
	stages bool
}

// entry is one listed run, optionally with its stages.
type entry struct {
	history.Summary `yaml:",inline"`
	Stages          []history.StageRow `json:"stages,omitempty" yaml:"stages,omitempty"`
}

func list(cmd *cobra.Command, store *history.Store, opts listOptions, w io.Writer) error {
	runs, err := store.List(cmd.Context(), opts.limit)
	if err != nil {
		return err
	}
	entries := make([]entry, 0, len(runs))
	for _, r := range runs {
		e := entry{Summary: r}
		if opts.stages {
			if e.Stages, err = store.Stages(cmd.Context(), r.ID); err != nil {
				return err
			}
		}
		entries = append(entries, e)
	}
	switch opts.format {
	case "", "text":
		return writeText(w, entries)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(entries); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported --format: %q (expected text|json|yaml)", opts.format)
	}
}

func writeText(w io.Writer, entries []entry) error {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d files\t%s\n",
			e.ID, e.StartedAt.Local().Format(time.DateTime), e.State, e.ChangedFiles, e.Diagnostic)
		for _, s := range e.Stages {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t\n", s.Name, s.Status, s.Duration, s.Reason)
		}
	}
	return tw.Flush()
}

func init() {
	Cmd.Flags().StringVarP(&flagConfig, "config", "c", "", "Path to pipeline config (.cue)")
	Cmd.Flags().StringVar(&flagRoot, "root", ".", "Repository root")
	Cmd.Flags().IntVar(&flagLimit, "limit", 20, "Maximum number of runs to list")
	Cmd.Flags().StringVar(&flagFormat, "format", "text", "Output format: text|json|yaml")
	Cmd.Flags().BoolVar(&flagStages, "stages", false, "Include per-stage rows")
}
