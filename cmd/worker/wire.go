package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/runpod-workers/worker-flash/internal/cache"
	"github.com/runpod-workers/worker-flash/internal/cachesync"
	"github.com/runpod-workers/worker-flash/internal/config"
	"github.com/runpod-workers/worker-flash/internal/deps"
	"github.com/runpod-workers/worker-flash/internal/executor"
	"github.com/runpod-workers/worker-flash/internal/logging"
	"github.com/runpod-workers/worker-flash/internal/logsink"
	"github.com/runpod-workers/worker-flash/internal/manifest"
	"github.com/runpod-workers/worker-flash/internal/metrics"
	"github.com/runpod-workers/worker-flash/internal/observability"
	"github.com/runpod-workers/worker-flash/internal/runner"
	"github.com/runpod-workers/worker-flash/internal/unpack"
	"github.com/runpod-workers/worker-flash/internal/workspace"
)

// worker bundles everything a command needs to execute jobs.
type worker struct {
	exec    *executor.Executor
	runner  *runner.Client
	batcher *logsink.Batcher
	caches  cache.Cache
}

// buildWorker performs startup: observability, code unpacking, workspace
// detection, and executor wiring.
func buildWorker(ctx context.Context, cfg *config.Config) (*worker, error) {
	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
	}
	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	}); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	// Materialize pre-deployed code before anything imports it.
	if err := unpack.MaybeUnpack(); err != nil {
		return nil, err
	}
	if unpack.ShouldLoadTarball() {
		if err := unpack.DownloadAndExtractTarball(ctx); err != nil {
			return nil, err
		}
	}

	ws := workspace.New()
	if ws.HasVolume() {
		// Warm the endpoint workspace up front; jobs re-check it cheaply.
		if note, err := ws.Initialize(ctx, config.DefaultInitTimeout); err != nil {
			logging.Op().Warn("workspace initialization failed at startup", "error", err)
		} else {
			logging.Op().Info("workspace ready", "note", note)
			ws.SetupSearchPath(ctx)
		}
	}
	installer := deps.New(ws)
	cacheSync := cachesync.New()

	var lookupCache cache.Cache = cache.NewInMemoryCache()
	if cfg.Cache.RedisAddr != "" {
		redisCache := cache.NewRedisCache(cache.RedisCacheConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err := redisCache.Ping(ctx); err != nil {
			logging.Op().Warn("redis unreachable, using in-memory lookup cache only", "error", err)
			redisCache.Close()
		} else {
			lookupCache = cache.NewTieredCache(lookupCache, redisCache, cfg.Cache.L1TTL)
		}
	}

	registry := manifest.NewServiceRegistry(
		manifest.DefaultPath(),
		manifest.WithLookupCache(lookupCache, config.ManifestTTL),
	)

	runnerClient := runner.NewClient(ws.Interpreter)

	var opts []executor.Option
	var batcher *logsink.Batcher
	if cfg.JobLog.PostgresDSN != "" {
		sink, err := logsink.NewPostgresSink(ctx, cfg.JobLog.PostgresDSN)
		if err != nil {
			logging.Op().Warn("job log sink unavailable", "error", err)
		} else {
			batcher = logsink.NewBatcher(sink)
			opts = append(opts, executor.WithJobLogBatcher(batcher))
		}
	}

	exec := executor.New(ws, installer, cacheSync, registry, runnerClient, opts...)

	// Expose unpacked code locations to the runner interpreter.
	safePathSetup(ctx, runnerClient)

	return &worker{
		exec:    exec,
		runner:  runnerClient,
		batcher: batcher,
		caches:  lookupCache,
	}, nil
}

// safePathSetup adds the app and project directories to the runner's
// module search path; failures are logged, not fatal — the runner may not
// even start until the first job needs it.
func safePathSetup(ctx context.Context, client *runner.Client) {
	paths := []string{config.AppDir, filepath.Join(config.AppDir, "project")}
	if err := client.AddSearchPaths(ctx, paths...); err != nil {
		logging.Op().Debug("deferred runner search path setup", "error", err)
	}
}

// close releases worker resources on shutdown.
func (w *worker) close(ctx context.Context) {
	w.runner.Close()
	if w.batcher != nil {
		w.batcher.Close()
	}
	if w.caches != nil {
		w.caches.Close()
	}
	observability.Shutdown(ctx)
}
