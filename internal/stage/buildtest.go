package stage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/flarebyte/diffgate/internal/cache"
	"github.com/flarebyte/diffgate/internal/config"
	"github.com/flarebyte/diffgate/internal/container"
	"github.com/flarebyte/diffgate/internal/coverage"
	"github.com/flarebyte/diffgate/internal/logging"
)

func runBuildTest(ctx context.Context, deps Deps) (StageResult, error) {
	res := StageResult{Name: BuildTest, StartedAt: time.Now()}
	cfg := deps.Config.Test
	if deps.Runtime == nil {
		return res, errors.New("build-test: no container runtime")
	}
	log := deps.Log.With("stage", BuildTest, "runtime", deps.Runtime.Name())
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	fail := func(step string, err error) (StageResult, error) {
		res.Duration = time.Since(res.StartedAt)
		if res.ExitCode == 0 {
			res.ExitCode = 1
		}
		res.Status = StatusFailure
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
			res.Reason = "timeout"
			res.Diagnostic = (&StageTimeout{Stage: BuildTest, Timeout: cfg.Timeout}).Error()
		} else {
			res.Reason = step
			reason := step
			if err != nil {
				reason += ": " + sanitizeErrorMessage(err.Error())
			}
			res.Diagnostic = (&StageFailure{Stage: BuildTest, Reason: reason, Err: err}).Error()
		}
		log.Info("stage finished", "status", res.Status, "reason", res.Reason, "duration", res.Duration)
		return res, nil
	}

	contextDir := cfg.Context
	if !filepath.IsAbs(contextDir) {
		contextDir = filepath.Join(deps.Root, contextDir)
	}
	tag, err := imageTag(contextDir, cfg)
	if err != nil {
		return fail("image key", err)
	}

	images := cache.NewImageCache(deps.Runtime, cfg.CacheImage)
	warm, err := images.Warm(ctx)
	if err != nil {
		return fail("cache warm", err)
	}
	res.Cache = &warm
	log.Info("image cache", "ref", warm.Ref, "hit", warm.Hit, "miss", warm.Miss)

	if err := deps.Runtime.Build(ctx, container.BuildSpec{
		Context:    contextDir,
		Dockerfile: cfg.Dockerfile,
		Tag:        tag,
		CacheFrom:  images.CacheFrom(warm),
	}); err != nil {
		return fail("build", err)
	}
	log.Info("image built", "tag", tag)

	created, err := deps.Runtime.EnsureNetwork(ctx, cfg.Network)
	if err != nil {
		return fail("network", err)
	}
	res.NetworkCreated = created
	log.Debug("network ready", "network", cfg.Network, "created", created)

	tr, err := deps.Runtime.RunTests(ctx, container.TestSpec{
		Name:         containerPrefix(deps.RunID),
		Image:        tag,
		Network:      cfg.Network,
		Command:      cfg.Command,
		Env:          cfg.Env,
		Workdir:      cfg.Workdir,
		Mounts:       mountSpecs(deps.Root, cfg.Mounts),
		Services:     serviceSpecs(cfg.Services),
		CoveragePath: cfg.Coverage.Path,
	})
	res.ExitCode = tr.ExitCode
	if err != nil {
		return fail("run tests", err)
	}
	if tr.TimedOut {
		res.TimedOut = true
		return fail("timeout", nil)
	}
	if tr.ExitCode != 0 {
		step := fmt.Sprintf("tests failed (exit %d)", tr.ExitCode)
		if tail := lastLine(tr.Output); tail != "" {
			step += ": " + tail
		}
		return fail(step, nil)
	}

	res.Status = StatusSuccess
	collectCoverage(ctx, deps, cfg.Coverage, tr.Coverage, &res, log)
	res.Duration = time.Since(res.StartedAt)
	log.Info("stage finished", "status", res.Status, "duration", res.Duration)
	return res, nil
}

// collectCoverage parses and uploads coverage. Failures are recorded on res
// and never change its status.
func collectCoverage(ctx context.Context, deps Deps, cfg config.Coverage, data []byte, res *StageResult, log logging.Logger) {
	if cfg.Path == "" {
		return
	}
	kind := cfg.Upload.Kind
	if kind == "" {
		kind = "none"
	}
	if len(data) == 0 {
		uf := &UploadFailure{Kind: kind, Err: fmt.Errorf("coverage file %s was not produced", cfg.Path)}
		res.UploadError = uf.Error()
		log.Warn("coverage missing", "path", cfg.Path)
		return
	}
	rep, err := coverage.Parse(cfg.Path, data)
	if err != nil {
		uf := &UploadFailure{Kind: kind, Err: err}
		res.UploadError = uf.Error()
		log.Warn("coverage unreadable", "err", uf)
		return
	}
	res.Coverage = &rep
	if kind == "none" {
		return
	}
	up, err := deps.Uploader.Upload(ctx, coverage.Artifact{Report: rep, Data: data, RunID: deps.RunID, Commit: deps.Commit})
	if err != nil {
		uf := &UploadFailure{Kind: kind, Err: err}
		res.UploadError = uf.Error()
		log.Warn("coverage upload failed", "err", uf)
		return
	}
	res.Upload = &up
	log.Info("coverage uploaded", "kind", up.Kind, "location", up.Location, "percent", rep.Percent)
}

// imageTag keys an untagged image by its build inputs.
func imageTag(contextDir string, cfg config.Test) (string, error) {
	if hasTag(cfg.Image) {
		return cfg.Image, nil
	}
	dockerfile := cfg.Dockerfile
	if dockerfile != "" && !filepath.IsAbs(dockerfile) {
		dockerfile = filepath.Join(contextDir, dockerfile)
	}
	key, err := cache.ContextKey(contextDir, dockerfile)
	if err != nil {
		return "", err
	}
	return cfg.Image + ":" + key, nil
}

func hasTag(ref string) bool {
	if strings.Contains(ref, "@") {
		return true
	}
	i := strings.LastIndex(ref, ":")
	return i > strings.LastIndex(ref, "/")
}

func containerPrefix(runID string) string {
	id := strings.ReplaceAll(runID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		id = fmt.Sprintf("%d", time.Now().UnixNano()%1e8)
	}
	return "diffgate-" + id
}

func serviceSpecs(in []config.Service) []container.ServiceSpec {
	out := make([]container.ServiceSpec, 0, len(in))
	for _, s := range in {
		out = append(out, container.ServiceSpec{Name: s.Name, Image: s.Image, Env: s.Env})
	}
	return out
}

// mountSpecs resolves host paths against root and orders mounts by target.
func mountSpecs(root string, in map[string]string) []container.Mount {
	out := make([]container.Mount, 0, len(in))
	for src, target := range in {
		if !filepath.IsAbs(src) {
			src = filepath.Join(root, src)
		}
		out = append(out, container.Mount{Source: src, Target: target})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

func lastLine(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return sanitizeErrorMessage(lines[len(lines)-1])
}

func init() { Register(BuildTest, runBuildTest) }
