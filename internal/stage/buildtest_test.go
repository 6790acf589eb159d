package stage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flarebyte/diffgate/internal/config"
	"github.com/flarebyte/diffgate/internal/container"
	"github.com/flarebyte/diffgate/internal/coverage"
)

type stubUploader struct {
	err   error
	calls int
}

func (u *stubUploader) Upload(_ context.Context, a coverage.Artifact) (coverage.UploadResult, error) {
	u.calls++
	if u.err != nil {
		return coverage.UploadResult{}, u.err
	}
	return coverage.UploadResult{Kind: "http", Location: "https://cov.example/upload", Bytes: len(a.Data)}, nil
}

const coverageJSON = `{"files":{"snuba/a.py":{"summary":{"covered_lines":8,"num_statements":10,"percent_covered":80.0}}},"totals":{"covered_lines":8,"num_statements":10,"percent_covered":80.0}}`

func testDeps(t *testing.T, rt container.Runtime) Deps {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root, map[string]string{"Dockerfile": "FROM python:3.8\n", "requirements.txt": "pytest\n"})
	cfg := config.Default()
	cfg.Test.Enabled = true
	cfg.Test.Image = "snuba-test"
	cfg.Test.CacheImage = "registry.example/snuba:cache"
	cfg.Test.Command = []string{"pytest", "-x"}
	cfg.Test.Services = []config.Service{{Name: "clickhouse", Image: "clickhouse/clickhouse-server:21.8"}}
	return Deps{Config: cfg, Root: root, Runtime: rt, RunID: "0b6f7c2e-1111-2222-3333-444455556666"}
}

func TestBuildTest_CacheMissThenPassingTests(t *testing.T) {
	rt := &container.Fake{}
	res, err := Run(context.Background(), BuildTest, testDeps(t, rt))
	if err != nil {
		t.Fatalf("build-test: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Cache == nil || res.Cache.Hit || res.Cache.Miss == "" {
		t.Fatalf("expected recorded cache miss, got %+v", res.Cache)
	}
	if rt.Count("pull registry.example/snuba:cache") != 1 || rt.Count("build snuba-test:") != 1 || rt.Count("run ") != 1 {
		t.Fatalf("unexpected calls: %v", rt.Calls)
	}
	if rt.Count("build snuba-test:") == 1 && !strings.HasSuffix(rt.Calls[1], "cache-from=") {
		t.Fatalf("a miss must not be used as cache source: %v", rt.Calls)
	}
	spec := rt.Specs[0]
	if spec.Name != "diffgate-0b6f7c2e" || spec.Network != "diffgate" || len(spec.Services) != 1 || spec.Services[0].Name != "clickhouse" {
		t.Fatalf("unexpected test spec: %+v", spec)
	}
	if !strings.HasPrefix(spec.Image, "snuba-test:") || len(spec.Image) != len("snuba-test:")+16 {
		t.Fatalf("image should be keyed by build inputs: %q", spec.Image)
	}
}

func TestBuildTest_MountsResolveAgainstRoot(t *testing.T) {
	rt := &container.Fake{}
	deps := testDeps(t, rt)
	deps.Config.Test.Mounts = map[string]string{"tests/fixtures": "/fixtures", "/var/cache/pip": "/root/.cache/pip"}
	res, err := Run(context.Background(), BuildTest, deps)
	if err != nil || res.Status != StatusSuccess {
		t.Fatalf("build-test: %v %+v", err, res)
	}
	mounts := rt.Specs[0].Mounts
	if len(mounts) != 2 {
		t.Fatalf("expected 2 mounts, got %+v", mounts)
	}
	if mounts[0].Target != "/fixtures" || mounts[0].Source != filepath.Join(deps.Root, "tests/fixtures") {
		t.Fatalf("relative mount not resolved: %+v", mounts[0])
	}
	if mounts[1].Target != "/root/.cache/pip" || mounts[1].Source != "/var/cache/pip" {
		t.Fatalf("absolute mount changed: %+v", mounts[1])
	}
}

func TestBuildTest_CacheHitFeedsBuild(t *testing.T) {
	rt := &container.Fake{Images: map[string]bool{"registry.example/snuba:cache": true}}
	res, err := Run(context.Background(), BuildTest, testDeps(t, rt))
	if err != nil || res.Status != StatusSuccess {
		t.Fatalf("build-test: %v %+v", err, res)
	}
	if !res.Cache.Hit || rt.Count("build") != 1 || !strings.HasSuffix(rt.Calls[1], "cache-from=registry.example/snuba:cache") {
		t.Fatalf("unexpected calls: %v", rt.Calls)
	}
}

func TestBuildTest_NetworkProvisioningIsIdempotent(t *testing.T) {
	rt := &container.Fake{}
	deps := testDeps(t, rt)
	first, err := Run(context.Background(), BuildTest, deps)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := Run(context.Background(), BuildTest, deps)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !first.NetworkCreated || second.NetworkCreated {
		t.Fatalf("network created first=%v second=%v", first.NetworkCreated, second.NetworkCreated)
	}
	if first.Status != StatusSuccess || second.Status != StatusSuccess {
		t.Fatalf("both runs should succeed: %s %s", first.Status, second.Status)
	}
}

func TestBuildTest_FailingTestsFailStage(t *testing.T) {
	rt := &container.Fake{Result: container.TestResult{ExitCode: 1, Output: "collected 3 items\nFAILED tests/test_api.py::test_x\n"}}
	up := &stubUploader{}
	deps := testDeps(t, rt)
	deps.Uploader = up
	deps.Config.Test.Coverage = config.Coverage{Path: "coverage.json", Upload: config.Upload{Kind: "http", URL: "https://cov.example"}}
	res, err := Run(context.Background(), BuildTest, deps)
	if err != nil {
		t.Fatalf("build-test: %v", err)
	}
	if res.Status != StatusFailure || res.ExitCode != 1 {
		t.Fatalf("expected failure, got %+v", res)
	}
	if !strings.Contains(res.Diagnostic, "tests failed (exit 1): FAILED tests/test_api.py::test_x") {
		t.Fatalf("unexpected diagnostic: %q", res.Diagnostic)
	}
	if up.calls != 0 {
		t.Fatalf("coverage must not upload after failing tests")
	}
}

func TestBuildTest_UploadFailureIsNotFatal(t *testing.T) {
	rt := &container.Fake{Result: container.TestResult{Coverage: []byte(coverageJSON)}}
	up := &stubUploader{err: errors.New("503 Service Unavailable")}
	deps := testDeps(t, rt)
	deps.Uploader = up
	deps.Config.Test.Coverage = config.Coverage{Path: "coverage.json", Upload: config.Upload{Kind: "http", URL: "https://cov.example"}}
	res, err := Run(context.Background(), BuildTest, deps)
	if err != nil {
		t.Fatalf("build-test: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("upload failure must not fail the stage: %+v", res)
	}
	if res.Coverage == nil || res.Coverage.Percent != 80 {
		t.Fatalf("coverage should still be parsed: %+v", res.Coverage)
	}
	if !strings.Contains(res.UploadError, "coverage upload (http) failed: 503 Service Unavailable") || res.Upload != nil {
		t.Fatalf("unexpected upload record: %q %+v", res.UploadError, res.Upload)
	}
	if rt.Specs[0].CoveragePath != "coverage.json" {
		t.Fatalf("coverage path not passed to runtime")
	}

	up.err = nil
	res, err = Run(context.Background(), BuildTest, deps)
	if err != nil || res.Upload == nil || res.Upload.Bytes != len(coverageJSON) {
		t.Fatalf("expected upload: %v %+v", err, res)
	}
}

func TestBuildTest_TimeoutIsFailure(t *testing.T) {
	rt := &container.Fake{BlockRuns: true}
	deps := testDeps(t, rt)
	deps.Config.Test.Timeout = 50 * time.Millisecond
	res, err := Run(context.Background(), BuildTest, deps)
	if err != nil {
		t.Fatalf("build-test: %v", err)
	}
	if res.Status != StatusFailure || !res.TimedOut {
		t.Fatalf("expected timeout failure, got %+v", res)
	}
}

func TestBuildTest_BuildErrorFails(t *testing.T) {
	rt := &container.Fake{BuildErr: errors.New("step 3/7: pip install failed")}
	res, err := Run(context.Background(), BuildTest, testDeps(t, rt))
	if err != nil {
		t.Fatalf("build-test: %v", err)
	}
	if res.Status != StatusFailure || !strings.Contains(res.Diagnostic, "build: step 3/7: pip install failed") {
		t.Fatalf("unexpected result: %+v", res)
	}
	if rt.Count("run") != 0 {
		t.Fatalf("tests must not run after a failed build")
	}
}

func TestImageTag(t *testing.T) {
	if !hasTag("registry:5000/app:1.2") || hasTag("registry:5000/app") || !hasTag("app@sha256:abc") {
		t.Fatalf("hasTag misclassified refs")
	}
}
