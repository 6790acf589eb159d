package run

import (
	"context"

	"github.com/flarebyte/diffgate/internal/app"
	"github.com/flarebyte/diffgate/internal/watch"
)

// watchLoop runs the pipeline once per settled batch of file changes until ctx
// is canceled. A failing run is reported and the loop keeps going.
func (inv invocation) watchLoop(ctx context.Context) error {
	name, err := stageName(inv.stage)
	if err != nil {
		return err
	}
	sess, err := app.Open(inv.opts, inv.stderr)
	if err != nil {
		return err
	}
	w, err := watch.New(sess.Root, watch.DefaultDebounce, sess.Log)
	if err != nil {
		return err
	}
	sess.Log.Info("watching for changes", "root", sess.Root)
	return w.Run(ctx, func(ctx context.Context, paths []string) {
		log := sess.Log.With("trigger", len(paths))
		// The manifest may be one of the changed files.
		if _, err := sess.LoadManifest(); err != nil {
			log.Error("manifest rejected", "err", err)
			return
		}
		r, err := inv.runOnce(ctx, sess, name)
		if err != nil {
			log.Error("run aborted", "err", err)
			return
		}
		log.Info("run finished", "state", r.State, "exit", r.ExitCode())
	})
}
