// Package container abstracts the runtime that builds the test image and runs
// the test suite with its sidecars on a private network.
package container

import (
	"context"
	"fmt"
	"path"
	"sort"
)

// BuildSpec describes an image build.
type BuildSpec struct {
	Context    string
	Dockerfile string
	Tag        string
	CacheFrom  []string
}

// ServiceSpec is a sidecar started on the test network under its name.
type ServiceSpec struct {
	Name  string
	Image string
	Env   map[string]string
}

// Mount binds a host directory into the test container.
type Mount struct {
	Source string
	Target string
}

// TestSpec describes the test container run.
type TestSpec struct {
	// Name prefixes every container the run creates.
	Name     string
	Image    string
	Network  string
	Command  []string
	Env      map[string]string
	Workdir  string
	Mounts   []Mount
	Services []ServiceSpec
	// CoveragePath is read back from the container after the command exits.
	CoveragePath string
}

// TestResult is the outcome of the test command.
type TestResult struct {
	ExitCode int
	Output   string
	TimedOut bool
	// Coverage holds the file at TestSpec.CoveragePath when it could be read.
	Coverage []byte
}

// Runtime is the container engine used by the build-test stage.
type Runtime interface {
	Name() string
	Pull(ctx context.Context, ref string) error
	Build(ctx context.Context, spec BuildSpec) error
	// EnsureNetwork creates the network when absent. An existing network
	// with the same name is reused and reported as created=false.
	EnsureNetwork(ctx context.Context, name string) (created bool, err error)
	RunTests(ctx context.Context, spec TestSpec) (TestResult, error)
	Close() error
}

// sortedEnv renders env as KEY=VALUE in key order.
func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

// coverageIn resolves a relative coverage path against the container workdir.
func coverageIn(spec TestSpec) string {
	if spec.CoveragePath == "" || path.IsAbs(spec.CoveragePath) || spec.Workdir == "" {
		return spec.CoveragePath
	}
	return path.Join(spec.Workdir, spec.CoveragePath)
}
