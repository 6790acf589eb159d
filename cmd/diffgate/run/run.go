package run

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/flarebyte/diffgate/internal/app"
	"github.com/flarebyte/diffgate/internal/pipeline"
	"github.com/flarebyte/diffgate/internal/report"
	"github.com/flarebyte/diffgate/internal/stage"
	"github.com/spf13/cobra"
)

var (
	flagConfig    string
	flagRoot      string
	flagStage     string
	flagBase      string
	flagManifest  string
	flagAllFiles  bool
	flagWatch     bool
	flagReport    string
	flagFormat    string
	flagLogLevel  string
	flagLogFormat string
	flagProgress  bool
)

// Cmd represents the `diffgate run` command.
var Cmd = &cobra.Command{
	Use:           "run [-- files...]",
	Short:         "Run lint, typecheck and build-test against the changed files",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		opts := app.Options{
			Root:       flagRoot,
			ConfigPath: flagConfig,
			BaseRef:    flagBase,
			Manifest:   flagManifest,
			LogLevel:   flagLogLevel,
			LogFormat:  flagLogFormat,
			AllFiles:   flagAllFiles,
			Files:      args,
		}
		inv := invocation{
			opts:     opts,
			stage:    flagStage,
			format:   flagFormat,
			report:   flagReport,
			progress: flagProgress,
			stdout:   cmd.OutOrStdout(),
			stderr:   cmd.ErrOrStderr(),
		}
		if flagWatch {
			return inv.watchLoop(ctx)
		}
		return inv.execute(ctx)
	},
}

func init() {
	Cmd.Flags().StringVarP(&flagConfig, "config", "c", "", "Path to pipeline config (.cue); defaults to <root>/diffgate.cue when present")
	Cmd.Flags().StringVar(&flagRoot, "root", ".", "Repository root")
	Cmd.Flags().StringVar(&flagStage, "stage", "", "Run a single stage: lint|typecheck|test")
	Cmd.Flags().StringVar(&flagBase, "base", "", "Base ref the ChangeSet is computed against")
	Cmd.Flags().StringVar(&flagManifest, "manifest", "", "Hook manifest path")
	Cmd.Flags().BoolVar(&flagAllFiles, "all-files", false, "Use every tracked file instead of the diff")
	Cmd.Flags().BoolVar(&flagWatch, "watch", false, "Re-run on every settled batch of file changes")
	Cmd.Flags().StringVar(&flagReport, "report", "", "Write the run report to this file (.json or .yaml)")
	Cmd.Flags().StringVar(&flagFormat, "format", "", "Stdout format: text|json|yaml")
	Cmd.Flags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug|info|warn|error")
	Cmd.Flags().StringVar(&flagLogFormat, "log-format", "", "Log format: text|json")
	Cmd.Flags().BoolVar(&flagProgress, "progress", false, "Print state transitions to stderr")
}

// invocation is one resolved `diffgate run`.
type invocation struct {
	opts     app.Options
	stage    string
	format   string
	report   string
	progress bool
	stdout   io.Writer
	stderr   io.Writer
}

// stageName maps the --stage flag to a registered stage.
func stageName(flag string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(flag)) {
	case "", "all":
		return "", nil
	case "lint":
		return stage.Lint, nil
	case "typecheck":
		return stage.Typecheck, nil
	case "test", stage.BuildTest:
		return stage.BuildTest, nil
	default:
		return "", fmt.Errorf("invalid --stage: %q (expected lint|typecheck|test)", flag)
	}
}

func (inv invocation) execute(ctx context.Context) error {
	name, err := stageName(inv.stage)
	if err != nil {
		return err
	}
	sess, err := app.Open(inv.opts, inv.stderr)
	if err != nil {
		return err
	}
	if _, err := sess.LoadManifest(); err != nil {
		return err
	}
	r, err := inv.runOnce(ctx, sess, name)
	if err != nil {
		return err
	}
	return evaluateRunExit(r)
}

// runOnce computes a fresh ChangeSet and runs the pipeline over it.
func (inv invocation) runOnce(ctx context.Context, sess *app.Session, name string) (pipeline.Run, error) {
	cs, err := sess.ChangeSet(ctx, inv.opts)
	if err != nil {
		return pipeline.Run{}, err
	}
	deps, closeDeps, err := sess.Deps(ctx, cs)
	if err != nil {
		return pipeline.Run{}, err
	}
	defer closeDeps()

	coord := &pipeline.Coordinator{Deps: deps, Log: sess.Log}
	if inv.progress {
		coord.Progress = newProgressReporter(inv.stderr)
	}
	store, err := sess.History(ctx)
	if err != nil {
		sess.Log.Warn("history unavailable", "err", err)
	} else if store != nil {
		defer func() { _ = store.Close() }()
		coord.Recorder = store
	}

	var r pipeline.Run
	if name == "" {
		r, err = coord.Execute(ctx)
	} else {
		r, err = coord.ExecuteStage(ctx, name)
	}
	if err != nil {
		return pipeline.Run{}, err
	}
	if err := inv.render(sess, r); err != nil {
		return r, err
	}
	return r, nil
}

// render writes the run to stdout and, when requested, to the report file.
func (inv invocation) render(sess *app.Session, r pipeline.Run) error {
	format := inv.format
	if format == "" {
		format = sess.Config.Output.Format
	}
	b, err := report.Marshal(r, format)
	if err != nil {
		return err
	}
	if _, err := inv.stdout.Write(b); err != nil {
		return err
	}
	path := inv.report
	if path == "" {
		path = sess.Config.Output.Report
	}
	if path == "" {
		return nil
	}
	if err := report.Write(path, r, ""); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	sess.Log.Debug("report written", "path", path)
	return nil
}
