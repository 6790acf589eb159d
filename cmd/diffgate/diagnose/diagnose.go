package diagnose

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/flarebyte/diffgate/internal/app"
	"github.com/flarebyte/diffgate/internal/cache"
	"github.com/flarebyte/diffgate/internal/stage"
	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagRoot     string
	flagBase     string
	flagManifest string
	flagAllFiles bool
	flagPretty   bool
)

// Cmd implements `diffgate diagnose`.
var Cmd = &cobra.Command{
	Use:           "diagnose [-- files...]",
	Short:         "Print the resolved manifest, ChangeSet and hook plan without running anything",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.Options{
			Root:       flagRoot,
			ConfigPath: flagConfig,
			BaseRef:    flagBase,
			Manifest:   flagManifest,
			AllFiles:   flagAllFiles,
			Files:      args,
		}
		return diagnose(cmd, opts, cmd.OutOrStdout())
	},
}

// manifestSummary is the manifest part of the diagnose document.
type manifestSummary struct {
	Path  string   `json:"path"`
	Hooks []string `json:"hooks"`
}

type document struct {
	Root       string              `json:"root"`
	BaseRef    string              `json:"baseRef,omitempty"`
	BaseCommit string              `json:"baseCommit,omitempty"`
	Manifest   manifestSummary     `json:"manifest"`
	ChangeSet  []string            `json:"changeSet"`
	Plan       []stage.PlannedHook `json:"plan"`
	// HookCache lists the hook repositories already checked out, as source@rev.
	HookCache []string `json:"hookCache"`
}

func diagnose(cmd *cobra.Command, opts app.Options, w io.Writer) error {
	sess, err := app.Open(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	m, err := sess.LoadManifest()
	if err != nil {
		return err
	}
	cs, err := sess.ChangeSet(cmd.Context(), opts)
	if err != nil {
		return err
	}
	plan, err := stage.Plan(stage.Deps{
		Config:    sess.Config,
		Root:      cs.Root,
		Manifest:  m,
		ChangeSet: cs,
		Log:       sess.Log,
	})
	if err != nil {
		return err
	}
	cached, err := cache.HookCache{Root: sess.CacheDir()}.Entries()
	if err != nil {
		return err
	}
	if cached == nil {
		cached = []string{}
	}
	doc := document{
		Root:       relativizeRoot(sess.Root),
		BaseRef:    cs.BaseRef,
		BaseCommit: cs.BaseCommit,
		Manifest:   manifestSummary{Path: relativizeRoot(m.Path), Hooks: []string{}},
		ChangeSet:  cs.Files,
		Plan:       plan,
		HookCache:  cached,
	}
	if doc.ChangeSet == nil {
		doc.ChangeSet = []string{}
	}
	for _, h := range m.Hooks {
		doc.Manifest.Hooks = append(doc.Manifest.Hooks, h.ID)
	}
	return writeJSON(w, doc, flagPretty)
}

// relativizeRoot converts an absolute path under the current working
// directory to a relative one for deterministic output; otherwise returns
// the input.
func relativizeRoot(root string) string {
	if root == "" || root == "." {
		return root
	}
	if !filepath.IsAbs(root) {
		// Normalize separators for JSON stability
		return filepath.ToSlash(root)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return root
	}
	rel, err := filepath.Rel(cwd, root)
	if err != nil {
		return root
	}
	if len(rel) == 0 || rel == "." || rel == root || (len(rel) >= 2 && rel[:2] == "..") {
		return filepath.ToSlash(root)
	}
	return filepath.ToSlash(rel)
}

func writeJSON(w io.Writer, v any, pretty bool) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func init() {
	Cmd.Flags().StringVarP(&flagConfig, "config", "c", "", "Path to pipeline config (.cue)")
	Cmd.Flags().StringVar(&flagRoot, "root", ".", "Repository root")
	Cmd.Flags().StringVar(&flagBase, "base", "", "Base ref the ChangeSet is computed against")
	Cmd.Flags().StringVar(&flagManifest, "manifest", "", "Hook manifest path")
	Cmd.Flags().BoolVar(&flagAllFiles, "all-files", false, "Use every tracked file instead of the diff")
	Cmd.Flags().BoolVar(&flagPretty, "pretty", false, "Indent the JSON output")
}
