package deps

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/runpod-workers/worker-flash/internal/execx"
	"github.com/runpod-workers/worker-flash/internal/workspace"
)

// scriptedRunner answers commands by prefix and records every invocation.
type scriptedRunner struct {
	calls   []string
	replies map[string]execx.Result
}

func (s *scriptedRunner) run(ctx context.Context, c execx.Cmd) execx.Result {
	cmd := strings.Join(c.Command, " ")
	s.calls = append(s.calls, cmd)
	for prefix, res := range s.replies {
		if strings.HasPrefix(cmd, prefix) {
			return res
		}
	}
	return execx.Result{Success: true}
}

func (s *scriptedRunner) count(prefix string) int {
	n := 0
	for _, c := range s.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func noVolumeWorkspace(t *testing.T) *workspace.Manager {
	t.Helper()
	return workspace.New(
		workspace.WithSetenv(func(string, string) error { return nil }),
		workspace.WithVolumeRoot(filepath.Join(t.TempDir(), "missing")),
	)
}

func volumeWorkspace(t *testing.T) *workspace.Manager {
	t.Helper()
	return workspace.New(
		workspace.WithSetenv(func(string, string) error { return nil }),
		workspace.WithVolumeRoot(t.TempDir()),
	)
}

func TestInstallLanguageEmpty(t *testing.T) {
	sr := &scriptedRunner{}
	ins := New(noVolumeWorkspace(t), WithRunner(sr.run), WithGOOS("linux"))

	res := ins.InstallLanguage(context.Background(), nil, true)
	if !res.Success {
		t.Fatalf("empty install should succeed: %+v", res)
	}
	if len(sr.calls) != 0 {
		t.Fatalf("no subprocess expected, got %v", sr.calls)
	}
}

func TestInstallLanguageAccelerated(t *testing.T) {
	sr := &scriptedRunner{}
	ins := New(noVolumeWorkspace(t), WithRunner(sr.run), WithGOOS("linux"))

	res := ins.InstallLanguage(context.Background(), []string{"numpy"}, true)
	if !res.Success {
		t.Fatalf("install failed: %+v", res)
	}
	if sr.count("uv pip install --system numpy") != 1 {
		t.Fatalf("expected accelerated uv install, calls: %v", sr.calls)
	}
}

func TestInstallLanguageBaseline(t *testing.T) {
	sr := &scriptedRunner{}
	ins := New(noVolumeWorkspace(t), WithRunner(sr.run), WithGOOS("linux"))

	res := ins.InstallLanguage(context.Background(), []string{"numpy"}, false)
	if !res.Success {
		t.Fatalf("install failed: %+v", res)
	}
	if sr.count("pip install numpy") != 1 {
		t.Fatalf("expected baseline pip install, calls: %v", sr.calls)
	}
}

func TestDifferentialInstallSkipsExactVersions(t *testing.T) {
	sr := &scriptedRunner{replies: map[string]execx.Result{
		"uv pip list": {Success: true, Stdout: "numpy==1.26.0\nrequests==2.31.0\n"},
	}}
	ins := New(volumeWorkspace(t), WithRunner(sr.run), WithGOOS("linux"))

	res := ins.InstallLanguage(context.Background(), []string{"numpy==1.26.0", "requests==2.31.0"}, true)
	if !res.Success {
		t.Fatalf("install failed: %+v", res)
	}
	if !strings.Contains(res.Stdout, "already installed") {
		t.Fatalf("expected already-installed shortcut, got %q", res.Stdout)
	}
	if sr.count("uv pip install") != 0 {
		t.Fatalf("no installer should run, calls: %v", sr.calls)
	}
}

func TestDifferentialInstallKeepsMismatches(t *testing.T) {
	sr := &scriptedRunner{replies: map[string]execx.Result{
		"uv pip list": {Success: true, Stdout: "numpy==1.25.0\n"},
	}}
	ins := New(volumeWorkspace(t), WithRunner(sr.run), WithGOOS("linux"))

	res := ins.InstallLanguage(context.Background(), []string{"numpy==1.26.0", "pandas"}, true)
	if !res.Success {
		t.Fatalf("install failed: %+v", res)
	}
	want := "uv pip install --system numpy==1.26.0 pandas"
	if sr.count(want) != 1 {
		t.Fatalf("expected %q, calls: %v", want, sr.calls)
	}
}

func TestInstallSystemSkippedOffLinux(t *testing.T) {
	sr := &scriptedRunner{}
	ins := New(noVolumeWorkspace(t), WithRunner(sr.run), WithGOOS("darwin"))

	res := ins.InstallSystem(context.Background(), []string{"ffmpeg"}, true)
	if !res.Success {
		t.Fatalf("system install must not fail off-linux: %+v", res)
	}
	if !strings.Contains(res.Stdout, "Skipped") {
		t.Fatalf("expected skip note, got %q", res.Stdout)
	}
	if len(sr.calls) != 0 {
		t.Fatalf("no subprocess expected, got %v", sr.calls)
	}
}

func TestInstallSystemStandardSequence(t *testing.T) {
	sr := &scriptedRunner{}
	ins := New(noVolumeWorkspace(t), WithRunner(sr.run), WithGOOS("linux"))

	res := ins.InstallSystem(context.Background(), []string{"ffmpeg"}, false)
	if !res.Success {
		t.Fatalf("install failed: %+v", res)
	}
	if len(sr.calls) != 2 || !strings.HasPrefix(sr.calls[0], "apt-get update") ||
		!strings.HasPrefix(sr.calls[1], "apt-get install -y --no-install-recommends ffmpeg") {
		t.Fatalf("expected update-then-install, got %v", sr.calls)
	}
}

func TestInstallSystemIndexRefreshFailureAborts(t *testing.T) {
	sr := &scriptedRunner{replies: map[string]execx.Result{
		"apt-get update": {Success: false, Error: "mirror unreachable"},
	}}
	ins := New(noVolumeWorkspace(t), WithRunner(sr.run), WithGOOS("linux"))

	res := ins.InstallSystem(context.Background(), []string{"ffmpeg"}, false)
	if res.Success {
		t.Fatal("expected failure when index refresh fails")
	}
	if sr.count("apt-get install") != 0 {
		t.Fatalf("install must not run after refresh failure, calls: %v", sr.calls)
	}
}

func TestInstallSystemNalaForLargePackages(t *testing.T) {
	sr := &scriptedRunner{}
	ins := New(noVolumeWorkspace(t), WithRunner(sr.run), WithGOOS("linux"))

	res := ins.InstallSystem(context.Background(), []string{"build-essential"}, true)
	if !res.Success {
		t.Fatalf("install failed: %+v", res)
	}
	if sr.count("nala update") != 1 || sr.count("nala install -y build-essential") != 1 {
		t.Fatalf("expected nala path, calls: %v", sr.calls)
	}
}

func TestInstallSystemNalaFallsBack(t *testing.T) {
	sr := &scriptedRunner{replies: map[string]execx.Result{
		"nala update": {Success: false, Error: "broken"},
	}}
	ins := New(noVolumeWorkspace(t), WithRunner(sr.run), WithGOOS("linux"))

	res := ins.InstallSystem(context.Background(), []string{"gcc"}, true)
	if !res.Success {
		t.Fatalf("fallback should succeed: %+v", res)
	}
	if sr.count("apt-get install") != 1 {
		t.Fatalf("expected apt-get fallback, calls: %v", sr.calls)
	}
}

func TestInstallSystemSmallPackagesSkipNala(t *testing.T) {
	sr := &scriptedRunner{}
	ins := New(noVolumeWorkspace(t), WithRunner(sr.run), WithGOOS("linux"))

	res := ins.InstallSystem(context.Background(), []string{"jq"}, true)
	if !res.Success {
		t.Fatalf("install failed: %+v", res)
	}
	if sr.count("nala") != 0 {
		t.Fatalf("small packages must not use nala, calls: %v", sr.calls)
	}
	if sr.count("apt-get install") != 1 {
		t.Fatalf("expected apt-get, calls: %v", sr.calls)
	}
}

func TestCapabilityProbeIsCached(t *testing.T) {
	var probes atomic.Int64
	runner := func(ctx context.Context, c execx.Cmd) execx.Result {
		if c.Command[0] == "which" {
			probes.Add(1)
		}
		return execx.Result{Success: true}
	}
	ins := New(noVolumeWorkspace(t), WithRunner(runner), WithGOOS("linux"))

	for i := 0; i < 3; i++ {
		ins.InstallSystem(context.Background(), []string{"gcc"}, true)
	}
	if probes.Load() != 1 {
		t.Fatalf("expected 1 cached probe, got %d", probes.Load())
	}
}

func TestInstallAsyncDeliversResult(t *testing.T) {
	sr := &scriptedRunner{}
	ins := New(noVolumeWorkspace(t), WithRunner(sr.run), WithGOOS("linux"))

	res := <-ins.InstallLanguageAsync(context.Background(), []string{"numpy"}, false)
	if !res.Success {
		t.Fatalf("async install failed: %+v", res)
	}
}
