package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flarebyte/diffgate/internal/procexec"
)

// cleanupTimeout bounds container removal after the run context is gone.
const cleanupTimeout = 30 * time.Second

// Docker drives the docker CLI through the process executor.
type Docker struct {
	Binary string
	Runner procexec.Runner
}

// NewDocker returns a Docker runtime using the `docker` binary on PATH.
func NewDocker(r procexec.Runner) *Docker {
	if r == nil {
		r = procexec.Exec{}
	}
	return &Docker{Binary: "docker", Runner: r}
}

func (d *Docker) Name() string { return "docker" }

func (d *Docker) Close() error { return nil }

func (d *Docker) run(ctx context.Context, args ...string) (procexec.Result, error) {
	res, err := d.Runner.Run(ctx, procexec.Command{Program: d.Binary, Args: args})
	if err != nil {
		return res, err
	}
	if res.Error != "" {
		return res, fmt.Errorf("docker %s: %s", args[0], res.Error)
	}
	return res, nil
}

func (d *Docker) check(ctx context.Context, args ...string) error {
	res, err := d.run(ctx, args...)
	if err != nil {
		return err
	}
	if res.TimedOut || res.Canceled {
		return fmt.Errorf("docker %s: %w", strings.Join(args[:min(2, len(args))], " "), context.DeadlineExceeded)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("docker %s: exit %d: %s", strings.Join(args[:min(2, len(args))], " "), res.ExitCode, lastLine(res.Stderr))
	}
	return nil
}

func (d *Docker) Pull(ctx context.Context, ref string) error {
	return d.check(ctx, "pull", ref)
}

func (d *Docker) Build(ctx context.Context, spec BuildSpec) error {
	args := []string{"build"}
	if spec.Dockerfile != "" {
		args = append(args, "-f", spec.Dockerfile)
	}
	if spec.Tag != "" {
		args = append(args, "-t", spec.Tag)
	}
	for _, c := range spec.CacheFrom {
		args = append(args, "--cache-from", c)
	}
	ctxDir := spec.Context
	if ctxDir == "" {
		ctxDir = "."
	}
	return d.check(ctx, append(args, ctxDir)...)
}

func (d *Docker) EnsureNetwork(ctx context.Context, name string) (bool, error) {
	res, err := d.run(ctx, "network", "inspect", name)
	if err != nil {
		return false, err
	}
	if res.ExitCode == 0 {
		return false, nil
	}
	res, err = d.run(ctx, "network", "create", "--attachable", name)
	if err != nil {
		return false, err
	}
	if res.ExitCode == 0 {
		return true, nil
	}
	if strings.Contains(res.Stderr, "already exists") {
		return false, nil
	}
	return false, fmt.Errorf("docker network create %s: exit %d: %s", name, res.ExitCode, lastLine(res.Stderr))
}

func (d *Docker) RunTests(ctx context.Context, spec TestSpec) (TestResult, error) {
	var started []string
	defer func() {
		if len(started) == 0 {
			return
		}
		cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		_, _ = d.run(cctx, append([]string{"rm", "-f", "-v"}, started...)...)
	}()

	for _, svc := range spec.Services {
		name := spec.Name + "-" + svc.Name
		args := []string{"run", "-d", "--name", name, "--network", spec.Network, "--network-alias", svc.Name}
		for _, kv := range sortedEnv(svc.Env) {
			args = append(args, "-e", kv)
		}
		args = append(args, svc.Image)
		if err := d.check(ctx, args...); err != nil {
			return TestResult{}, fmt.Errorf("start service %s: %w", svc.Name, err)
		}
		started = append(started, name)
	}

	testName := spec.Name + "-tests"
	args := []string{"run", "--name", testName}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	if spec.Workdir != "" {
		args = append(args, "-w", spec.Workdir)
	}
	for _, kv := range sortedEnv(spec.Env) {
		args = append(args, "-e", kv)
	}
	for _, m := range spec.Mounts {
		args = append(args, "-v", m.Source+":"+m.Target)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)
	started = append(started, testName)

	res, err := d.run(ctx, args...)
	if err != nil {
		return TestResult{}, err
	}
	out := TestResult{ExitCode: res.ExitCode, Output: res.Output(), TimedOut: res.TimedOut || res.Canceled}
	if out.TimedOut || spec.CoveragePath == "" {
		return out, nil
	}
	out.Coverage = d.copyOut(ctx, testName, coverageIn(spec))
	return out, nil
}

// copyOut reads one file out of a stopped container; a missing file yields nil.
func (d *Docker) copyOut(ctx context.Context, name, src string) []byte {
	dir, err := os.MkdirTemp("", "diffgate-cov-")
	if err != nil {
		return nil
	}
	defer os.RemoveAll(dir)
	dst := filepath.Join(dir, filepath.Base(src))
	if err := d.check(ctx, "cp", name+":"+src, dst); err != nil {
		return nil
	}
	b, err := os.ReadFile(dst)
	if err != nil {
		return nil
	}
	return b
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
