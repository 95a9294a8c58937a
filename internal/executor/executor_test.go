package executor

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/runpod-workers/worker-flash/internal/cachesync"
	"github.com/runpod-workers/worker-flash/internal/deps"
	"github.com/runpod-workers/worker-flash/internal/domain"
	"github.com/runpod-workers/worker-flash/internal/execx"
	"github.com/runpod-workers/worker-flash/internal/runner"
	"github.com/runpod-workers/worker-flash/internal/workspace"
)

// newTestExecutor builds an Executor whose installer runs the given fake
// subprocess runner, with no volume and cache sync disabled. The runner
// client is never exercised by these tests.
func newTestExecutor(t *testing.T, run execx.Runner) *Executor {
	t.Helper()
	ws := workspace.New(
		workspace.WithSetenv(func(string, string) error { return nil }),
		workspace.WithVolumeRoot(filepath.Join(t.TempDir(), "missing")),
	)
	installer := deps.New(ws, deps.WithRunner(run), deps.WithGOOS("linux"))
	cacheSync := cachesync.New(
		cachesync.WithEndpointID(""),
		cachesync.WithPaths(filepath.Join(t.TempDir(), ".cache"), t.TempDir(), t.TempDir()),
	)
	return New(ws, installer, cacheSync, nil, runner.NewClient(nil))
}

func TestExecuteFailsOnInstallFailure(t *testing.T) {
	run := func(ctx context.Context, c execx.Cmd) execx.Result {
		cmd := strings.Join(c.Command, " ")
		if strings.HasPrefix(cmd, "pip install") {
			return execx.Result{Error: "resolution failed for badpkg"}
		}
		return execx.Result{Success: true}
	}
	e := newTestExecutor(t, run)

	resp := e.Execute(context.Background(), &domain.Job{
		ExecutionType: domain.ExecutionTypeFunction,
		FunctionName:  "f",
		FunctionCode:  "def f(): pass",
		Dependencies:  []string{"badpkg"},
	})
	if resp.Success {
		t.Fatal("install failure must fail the job")
	}
	if !strings.Contains(resp.Error, "resolution failed") {
		t.Fatalf("installer error should surface: %q", resp.Error)
	}
	if resp.Result != "" {
		t.Fatal("failed job must not carry a result")
	}
}

func TestExecuteParallelInstallAggregatesFailures(t *testing.T) {
	run := func(ctx context.Context, c execx.Cmd) execx.Result {
		cmd := strings.Join(c.Command, " ")
		switch {
		case strings.HasPrefix(cmd, "uv pip install"):
			return execx.Result{Error: "no matching distribution"}
		case strings.HasPrefix(cmd, "apt-get update"):
			return execx.Result{Error: "mirror down"}
		}
		return execx.Result{Success: true}
	}
	e := newTestExecutor(t, run)

	resp := e.Execute(context.Background(), &domain.Job{
		ExecutionType:       domain.ExecutionTypeFunction,
		FunctionName:        "f",
		FunctionCode:        "def f(): pass",
		Dependencies:        []string{"ghost"},
		SystemDependencies:  []string{"ffmpeg"},
		AccelerateDownloads: true,
	})
	if resp.Success {
		t.Fatal("expected aggregate failure")
	}
	if !strings.Contains(resp.Error, "Failed tasks:") {
		t.Fatalf("aggregate error should name failed tasks: %q", resp.Error)
	}
	if !strings.Contains(resp.Error, "python_dependencies") || !strings.Contains(resp.Error, "system_dependencies") {
		t.Fatalf("both failed tasks should be listed: %q", resp.Error)
	}
}

func TestExecuteParallelInstallRunsBothTasks(t *testing.T) {
	var langInstalls, sysInstalls atomic.Int64
	run := func(ctx context.Context, c execx.Cmd) execx.Result {
		cmd := strings.Join(c.Command, " ")
		switch {
		case strings.HasPrefix(cmd, "uv pip install"):
			langInstalls.Add(1)
		case strings.HasPrefix(cmd, "apt-get install"):
			sysInstalls.Add(1)
		case strings.HasPrefix(cmd, "pip install"):
			langInstalls.Add(1)
		}
		return execx.Result{Success: true}
	}
	e := newTestExecutor(t, run)

	// The job fails later at the runner stage (no interpreter wired in
	// tests), but both installs must have run first.
	resp := e.Execute(context.Background(), &domain.Job{
		ExecutionType:       domain.ExecutionTypeFunction,
		FunctionName:        "f",
		FunctionCode:        "def f(): pass",
		Dependencies:        []string{"numpy"},
		SystemDependencies:  []string{"ffmpeg"},
		AccelerateDownloads: true,
	})
	if langInstalls.Load() != 1 || sysInstalls.Load() != 1 {
		t.Fatalf("expected both install tasks to run: lang=%d sys=%d",
			langInstalls.Load(), sysInstalls.Load())
	}
	// Invariant: exactly one of result/error, matching success.
	if resp.Success && resp.Error != "" {
		t.Fatalf("success with error populated: %+v", resp)
	}
	if !resp.Success && resp.Result != "" {
		t.Fatalf("failure with result populated: %+v", resp)
	}
}

func TestExecuteSequentialStopsAfterSystemFailure(t *testing.T) {
	var langAttempted atomic.Bool
	run := func(ctx context.Context, c execx.Cmd) execx.Result {
		cmd := strings.Join(c.Command, " ")
		switch {
		case strings.HasPrefix(cmd, "apt-get update"):
			return execx.Result{Error: "mirror down"}
		case strings.HasPrefix(cmd, "pip install"), strings.HasPrefix(cmd, "uv pip install"):
			langAttempted.Store(true)
		}
		return execx.Result{Success: true}
	}
	e := newTestExecutor(t, run)

	resp := e.Execute(context.Background(), &domain.Job{
		ExecutionType:      domain.ExecutionTypeFunction,
		FunctionName:       "f",
		FunctionCode:       "def f(): pass",
		Dependencies:       []string{"numpy"},
		SystemDependencies: []string{"ffmpeg"},
	})
	if resp.Success {
		t.Fatal("expected failure")
	}
	if langAttempted.Load() {
		t.Fatal("language install must not run after system install failure")
	}
}

func TestExecuteCapturesWorkerLogs(t *testing.T) {
	run := func(ctx context.Context, c execx.Cmd) execx.Result {
		if strings.HasPrefix(strings.Join(c.Command, " "), "apt-get update") {
			return execx.Result{Error: "mirror down"}
		}
		return execx.Result{Success: true}
	}
	e := newTestExecutor(t, run)

	resp := e.Execute(context.Background(), &domain.Job{
		ExecutionType:      domain.ExecutionTypeFunction,
		FunctionName:       "f",
		FunctionCode:       "def f(): pass",
		SystemDependencies: []string{"ffmpeg"},
	})
	if resp.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(resp.Stdout, "installing system dependencies") {
		t.Fatalf("worker log lines should be captured into stdout: %q", resp.Stdout)
	}
}
