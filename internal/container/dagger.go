package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"dagger.io/dagger"
)

// Dagger runs the build-test stage inside a Dagger engine session. Images
// built here live in the engine, so Build hands its container to RunTests
// through the tag.
type Dagger struct {
	client *dagger.Client
	built  map[string]*dagger.Container
}

// NewDagger connects to the engine, streaming engine logs to logOut.
func NewDagger(ctx context.Context, logOut io.Writer) (*Dagger, error) {
	if logOut == nil {
		logOut = os.Stderr
	}
	client, err := dagger.Connect(ctx, dagger.WithLogOutput(logOut))
	if err != nil {
		return nil, fmt.Errorf("connect to dagger engine: %w", err)
	}
	return &Dagger{client: client, built: map[string]*dagger.Container{}}, nil
}

func (d *Dagger) Name() string { return "dagger" }

func (d *Dagger) Close() error { return d.client.Close() }

// Pull is a no-op: the engine resolves and caches base layers on demand.
func (d *Dagger) Pull(context.Context, string) error { return nil }

func (d *Dagger) Build(ctx context.Context, spec BuildSpec) error {
	ctxDir, err := filepath.Abs(spec.Context)
	if err != nil {
		return err
	}
	src := d.client.Host().Directory(ctxDir, dagger.HostDirectoryOpts{Exclude: []string{".git"}})
	ctr := src.DockerBuild(dagger.DirectoryDockerBuildOpts{Dockerfile: spec.Dockerfile})
	if _, err := ctr.Sync(ctx); err != nil {
		return fmt.Errorf("dagger build: %w", err)
	}
	d.built[spec.Tag] = ctr
	return nil
}

// EnsureNetwork is satisfied by service bindings, which the engine scopes to
// the test container.
func (d *Dagger) EnsureNetwork(context.Context, string) (bool, error) { return false, nil }

func (d *Dagger) RunTests(ctx context.Context, spec TestSpec) (TestResult, error) {
	ctr, ok := d.built[spec.Image]
	if !ok {
		ctr = d.client.Container().From(spec.Image)
	}
	for _, svc := range spec.Services {
		s := d.client.Container().From(svc.Image)
		for _, k := range sortedKeys(svc.Env) {
			s = s.WithEnvVariable(k, svc.Env[k])
		}
		ctr = ctr.WithServiceBinding(svc.Name, s.AsService())
	}
	for _, k := range sortedKeys(spec.Env) {
		ctr = ctr.WithEnvVariable(k, spec.Env[k])
	}
	for _, m := range spec.Mounts {
		ctr = ctr.WithMountedDirectory(m.Target, d.client.Host().Directory(m.Source))
	}
	if spec.Workdir != "" {
		ctr = ctr.WithWorkdir(spec.Workdir)
	}
	exec := ctr.WithExec(spec.Command)

	stdout, err := exec.Stdout(ctx)
	if err != nil {
		var execErr *dagger.ExecError
		if errors.As(err, &execErr) {
			return TestResult{ExitCode: execErr.ExitCode, Output: execErr.Stdout + "\n" + execErr.Stderr}, nil
		}
		if ctx.Err() != nil {
			return TestResult{ExitCode: -2, TimedOut: true}, nil
		}
		return TestResult{}, fmt.Errorf("dagger exec: %w", err)
	}
	stderr, _ := exec.Stderr(ctx)
	out := TestResult{Output: joinOutput(stdout, stderr)}
	if p := coverageIn(spec); p != "" {
		if contents, err := exec.File(p).Contents(ctx); err == nil {
			out.Coverage = []byte(contents)
		}
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func joinOutput(stdout, stderr string) string {
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return stderr
	default:
		return stdout + "\n" + stderr
	}
}
