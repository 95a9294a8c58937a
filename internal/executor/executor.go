// Package executor orchestrates job execution for a single worker process.
//
// # Job pipeline
//
// Execute is the entry point for jobs arriving in a job envelope; the HTTP
// class-method routes call the class executor directly. The pipeline is:
//
//  1. Log streaming: a capturing handler is installed on the operational
//     logger so infrastructure log lines (installs, workspace setup, cache
//     sync) end up in the response stdout.
//  2. Cache hydrate: when the job declares dependencies and the volume
//     tarball is newer than the local marker, the shared package cache is
//     extracted over the local one before any installer runs.
//  3. Workspace init: the endpoint venv is validated or created under the
//     init lock; failures abort the job.
//  4. Dependency install: OS and language packages install in parallel
//     (via errgroup) when acceleration is requested, sequentially
//     otherwise. The job fails if any install task fails, with the
//     aggregate error naming each failed task.
//  5. Cache sync: fire-and-forget publish of the install delta to the
//     volume tarball. Never awaited, never fails the job.
//  6. Routing: inline source runs locally through the runner (live mode).
//     Jobs without source consult the service registry — local functions
//     import-and-call without any network traffic; remote functions
//     trigger a TTL-gated manifest refresh and an HTTP forward to the
//     owning endpoint.
//  7. Drain: captured log lines are prepended to the response stdout just
//     before the capturing handler is removed.
//
// Steps 2–5 run only when the job declares dependencies.
//
// # Side effects
//
// Every job triggers metrics recording and a structured request log line,
// both run off the request path via safeGo, and — when a sink is
// configured — a job-log row handed to the batcher, whose Enqueue never
// blocks.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/runpod-workers/worker-flash/internal/cachesync"
	"github.com/runpod-workers/worker-flash/internal/config"
	"github.com/runpod-workers/worker-flash/internal/deps"
	"github.com/runpod-workers/worker-flash/internal/domain"
	"github.com/runpod-workers/worker-flash/internal/logging"
	"github.com/runpod-workers/worker-flash/internal/logsink"
	"github.com/runpod-workers/worker-flash/internal/logstream"
	"github.com/runpod-workers/worker-flash/internal/manifest"
	"github.com/runpod-workers/worker-flash/internal/metrics"
	"github.com/runpod-workers/worker-flash/internal/observability"
	"github.com/runpod-workers/worker-flash/internal/runner"
	"github.com/runpod-workers/worker-flash/internal/workspace"
)

// Execution modes reported in logs and metrics.
const (
	ModeLive        = "live"
	ModeFlashLocal  = "flash-local"
	ModeFlashRemote = "flash-remote"
)

// Executor wires the pipeline together. The zero value is not usable;
// construct via New.
type Executor struct {
	ws        *workspace.Manager
	installer *deps.Installer
	cacheSync *cachesync.Manager
	registry  *manifest.ServiceRegistry
	state     *manifest.StateManagerClient
	runner    *runner.Client

	functions *FunctionExecutor
	classes   *ClassExecutor
	flash     *FlashExecutor
	forwarder *EndpointForwarder

	logger   *logging.Logger
	streamer *logstream.Streamer
	batcher  *logsink.Batcher

	manifestPath string
	manifestTTL  time.Duration
}

// Option customizes an Executor.
type Option func(*Executor)

// WithJobLogBatcher routes job outcomes into a persistence batcher.
func WithJobLogBatcher(b *logsink.Batcher) Option {
	return func(e *Executor) { e.batcher = b }
}

// WithManifestTTL overrides the manifest staleness TTL.
func WithManifestTTL(ttl time.Duration) Option {
	return func(e *Executor) { e.manifestTTL = ttl }
}

// WithManifestPath overrides the manifest file location.
func WithManifestPath(path string) Option {
	return func(e *Executor) { e.manifestPath = path }
}

// WithStateManagerClient overrides the state-manager client.
func WithStateManagerClient(c *manifest.StateManagerClient) Option {
	return func(e *Executor) { e.state = c }
}

// New creates a ready-to-use Executor.
func New(
	ws *workspace.Manager,
	installer *deps.Installer,
	cacheSync *cachesync.Manager,
	registry *manifest.ServiceRegistry,
	runnerClient *runner.Client,
	opts ...Option,
) *Executor {
	e := &Executor{
		ws:           ws,
		installer:    installer,
		cacheSync:    cacheSync,
		registry:     registry,
		state:        manifest.NewStateManagerClient(),
		runner:       runnerClient,
		forwarder:    NewEndpointForwarder(),
		logger:       logging.Default(),
		streamer:     logstream.New(config.LogBufferSize),
		manifestPath: manifest.DefaultPath(),
		manifestTTL:  config.ManifestTTL,
	}
	e.functions = NewFunctionExecutor(runnerClient)
	e.classes = NewClassExecutor(runnerClient, NewInstanceRegistry())
	e.flash = NewFlashExecutor(runnerClient, registry)
	// Instances live in the runner process; when it is replaced, the
	// metadata registry must forget them too.
	runnerClient.OnRestart = e.classes.registry.Clear
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Classes exposes the class executor for the HTTP surface.
func (e *Executor) Classes() *ClassExecutor { return e.classes }

// Runner exposes the runner client for startup wiring.
func (e *Executor) Runner() *runner.Client { return e.runner }

// Execute runs one job end to end and always returns a response — errors
// surface in the response, never as a panic or a Go error to the host.
func (e *Executor) Execute(ctx context.Context, job *domain.Job) *domain.Response {
	reqID := uuid.New().String()[:8]
	start := time.Now()

	e.streamer.Start(logging.Level())
	defer e.streamer.Stop()

	ctx, span := observability.StartSpan(ctx, "worker.execute",
		observability.AttrTarget.String(job.Target()),
		observability.AttrExecutionType.String(job.ExecutionType),
		observability.AttrRequestID.String(reqID),
		observability.AttrEndpointID.String(config.EndpointID()),
	)
	defer span.End()

	logging.Op().Debug("executing job", "request_id", reqID, "target", job.Target(), "type", job.ExecutionType)

	mode := ModeLive
	resp := func() *domain.Response {
		if r := e.prepare(ctx, job); r != nil {
			return r
		}

		if job.IsLive() {
			if job.IsClass() {
				return e.classes.Execute(ctx, job)
			}
			return e.functions.Execute(ctx, job)
		}
		var r *domain.Response
		mode, r = e.routeFlash(ctx, job)
		return r
	}()

	// Drain captured worker logs into the response just before streaming
	// stops, so the final stdout carries every line.
	resp.PrependStdout(e.streamer.Drain())

	durationMs := time.Since(start).Milliseconds()
	span.SetAttributes(observability.AttrMode.String(mode), observability.AttrDurationMs.Int64(durationMs))
	if resp.Success {
		observability.SetSpanOK(span)
	} else {
		observability.SetSpanError(span, fmt.Errorf("%s", resp.Error))
	}

	e.recordOutcome(reqID, job, resp, mode, durationMs)
	return resp
}

// prepare runs hydrate, workspace init, and dependency installation.
// A nil return means the job may proceed to execution.
func (e *Executor) prepare(ctx context.Context, job *domain.Job) *domain.Response {
	hasInstalls := len(job.Dependencies) > 0 || len(job.SystemDependencies) > 0
	if !hasInstalls {
		return nil
	}

	e.cacheSync.HydrateFromVolume(ctx)

	if e.ws.HasVolume() {
		note, err := e.ws.Initialize(ctx, config.DefaultInitTimeout)
		if err != nil {
			return domain.Fail("workspace unavailable: "+err.Error(), "")
		}
		if note != "" {
			logging.Op().Debug("workspace ready", "note", note)
		}
		e.ws.SetupSearchPath(ctx)
	}

	e.cacheSync.MarkBaseline()

	var result *domain.Response
	if job.AccelerateDownloads {
		result = e.installParallel(ctx, job)
	} else {
		result = e.installSequential(ctx, job)
	}

	// Publish the install delta in the background; the handler never
	// waits on it and a lost publish only costs a future re-download.
	safeGo(func() { e.cacheSync.SyncToVolume(context.Background()) })

	if result != nil && !result.Success {
		return result
	}
	return nil
}

// installParallel fans system and language installs out concurrently and
// aggregates failures: success requires all tasks to succeed.
func (e *Executor) installParallel(ctx context.Context, job *domain.Job) *domain.Response {
	type task struct {
		name string
		run  func(context.Context) deps.Result
	}
	var tasks []task
	if len(job.SystemDependencies) > 0 {
		tasks = append(tasks, task{"system_dependencies", func(ctx context.Context) deps.Result {
			return e.installTimed(ctx, "system", job.SystemDependencies, job.AccelerateDownloads, e.installer.InstallSystem)
		}})
	}
	if len(job.Dependencies) > 0 {
		tasks = append(tasks, task{"python_dependencies", func(ctx context.Context) deps.Result {
			return e.installTimed(ctx, "language", job.Dependencies, job.AccelerateDownloads, e.installer.InstallLanguage)
		}})
	}
	if len(tasks) == 0 {
		return domain.Ok("", "No dependencies to install")
	}

	logging.Op().Debug("starting parallel installation", "tasks", len(tasks))

	results := make([]deps.Result, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tasks {
		g.Go(func() error {
			results[i] = t.run(gctx)
			return nil
		})
	}
	g.Wait()

	var failures []string
	var stdoutParts []string
	successes := 0
	for i, res := range results {
		if res.Success {
			successes++
			stdoutParts = append(stdoutParts, fmt.Sprintf("✓ %s: %s", tasks[i].name, strings.TrimSpace(res.Stdout)))
		} else {
			failures = append(failures, fmt.Sprintf("%s: %s", tasks[i].name, res.Error))
			logging.Op().Error("install task failed", "task", tasks[i].name, "error", res.Error)
		}
	}

	summary := fmt.Sprintf("Parallel installation: %d/%d tasks succeeded\n%s",
		successes, len(tasks), strings.Join(stdoutParts, "\n"))
	if len(failures) > 0 {
		return domain.Fail("Failed tasks: "+strings.Join(failures, "; "), summary)
	}
	return domain.Ok("", summary)
}

// installSequential installs system packages first, then language
// packages, stopping at the first failure.
func (e *Executor) installSequential(ctx context.Context, job *domain.Job) *domain.Response {
	if len(job.SystemDependencies) > 0 {
		res := e.installTimed(ctx, "system", job.SystemDependencies, job.AccelerateDownloads, e.installer.InstallSystem)
		if !res.Success {
			return domain.Fail(res.Error, res.Stdout)
		}
		logging.Op().Info("system dependencies installed", "packages", len(job.SystemDependencies))
	}
	if len(job.Dependencies) > 0 {
		res := e.installTimed(ctx, "language", job.Dependencies, job.AccelerateDownloads, e.installer.InstallLanguage)
		if !res.Success {
			return domain.Fail(res.Error, res.Stdout)
		}
		logging.Op().Info("language dependencies installed", "packages", len(job.Dependencies))
	}
	return domain.Ok("", "Dependencies installed successfully")
}

func (e *Executor) installTimed(
	ctx context.Context,
	kind string,
	packages []string,
	accelerate bool,
	install func(context.Context, []string, bool) deps.Result,
) deps.Result {
	start := time.Now()
	res := install(ctx, packages, accelerate)
	metrics.RecordInstall(kind, res.Success, time.Since(start))
	return res
}

// routeFlash handles pre-deployed jobs: local-first, then TTL-gated
// refresh and cross-endpoint forwarding.
func (e *Executor) routeFlash(ctx context.Context, job *domain.Job) (string, *domain.Response) {
	logging.Op().Debug("flash deployment detected, checking execution path", "function", job.FunctionName)

	if e.registry == nil {
		logging.Op().Debug("service registry not available, executing locally")
		return ModeFlashLocal, e.flash.Execute(ctx, job)
	}

	isLocal, err := e.registry.IsLocal(job.FunctionName)
	if err != nil {
		// Function missing from the manifest (or manifest unreadable):
		// attempt local execution, which produces the terminal error when
		// the module genuinely is not here.
		logging.Op().Warn("function lookup failed, attempting local execution", "error", err)
		return ModeFlashLocal, e.flash.Execute(ctx, job)
	}

	if isLocal {
		logging.Op().Debug("executing function locally", "function", job.FunctionName)
		return ModeFlashLocal, e.flash.Execute(ctx, job)
	}

	// Remote routing: refresh the manifest first so the endpoint URL is
	// current. Failures degrade to the stale manifest.
	manifest.RefreshIfStale(ctx, e.state, e.manifestPath, e.manifestTTL)
	e.registry.Reload()

	endpointURL, err := e.registry.EndpointFor(ctx, job.FunctionName)
	if err != nil {
		logging.Op().Warn("endpoint lookup failed, attempting local execution", "error", err)
		return ModeFlashLocal, e.flash.Execute(ctx, job)
	}
	if endpointURL == "" {
		logging.Op().Warn("no endpoint URL after refresh, executing locally", "function", job.FunctionName)
		return ModeFlashLocal, e.flash.Execute(ctx, job)
	}

	logging.Op().Debug("routing function to endpoint", "function", job.FunctionName, "endpoint", endpointURL)
	return ModeFlashRemote, e.forwarder.Forward(ctx, job, endpointURL)
}

func (e *Executor) recordOutcome(reqID string, job *domain.Job, resp *domain.Response, mode string, durationMs int64) {
	safeGo(func() {
		metrics.RecordJob(mode, resp.Success, time.Duration(durationMs)*time.Millisecond)
	})

	entry := &logging.RequestLog{
		RequestID:     reqID,
		ExecutionType: job.ExecutionType,
		Target:        job.Target(),
		Mode:          mode,
		DurationMs:    durationMs,
		Success:       resp.Success,
		Error:         resp.Error,
		InputSize:     len(job.FunctionCode) + len(job.ClassCode),
		OutputSize:    len(resp.Result),
		InstanceID:    resp.InstanceID,
	}
	safeGo(func() { e.logger.Log(entry) })

	if e.batcher != nil {
		e.batcher.Enqueue(&logsink.JobLog{
			RequestID:     reqID,
			EndpointID:    config.EndpointID(),
			Target:        job.Target(),
			ExecutionType: job.ExecutionType,
			Mode:          mode,
			Success:       resp.Success,
			Error:         resp.Error,
			DurationMs:    durationMs,
			CreatedAt:     time.Now().UTC(),
		})
	}
}

// safeGo runs f in a new goroutine with panic recovery so that a failure
// in fire-and-forget background work never crashes the process.
func safeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("recovered panic in async task", "panic", r)
			}
		}()
		f()
	}()
}
