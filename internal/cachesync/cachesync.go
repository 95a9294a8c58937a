// Package cachesync shares downloaded-package bytes between sibling
// workers of one endpoint through a delta tarball on the volume, without a
// global lock.
//
// # Protocol
//
// Before an install, the worker touches a baseline marker. After the
// install it enumerates local cache files strictly newer than the
// baseline, appends them to (or creates) a tarball at
// <volume>/.cache/cache-<endpoint_id>.tar via a .tmp sibling, and
// atomically renames the .tmp into place. Readers hydrate by extracting
// the tarball when its mtime is newer than the local
// .cache-last-hydrated marker, then touch the marker.
//
// Two publishers may race; the atomic rename guarantees readers never see
// a torn tarball. A late publish may drop someone else's delta — the
// contents are pure cache, so the loss costs a re-download, nothing more.
//
// # Failure policy
//
// Sync is fire-and-forget: every failure is logged and swallowed, and the
// baseline marker is removed on every exit path.
package cachesync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/runpod-workers/worker-flash/internal/config"
	"github.com/runpod-workers/worker-flash/internal/execx"
	"github.com/runpod-workers/worker-flash/internal/logging"
	"github.com/runpod-workers/worker-flash/internal/metrics"
)

// Manager owns the baseline/delta/publish cycle for one worker process.
type Manager struct {
	endpointID  string
	volumeCache string // <volume>/.cache
	localCache  string // /root/.cache
	run         execx.Runner
	tmpDir      string

	mu           sync.Mutex
	baselinePath string
	shouldSync   *bool
}

// Option customizes a Manager, mainly for tests.
type Option func(*Manager)

// WithRunner substitutes the subprocess runner.
func WithRunner(r execx.Runner) Option {
	return func(m *Manager) { m.run = r }
}

// WithPaths overrides the volume cache dir, local cache dir, and temp dir.
func WithPaths(volumeCache, localCache, tmpDir string) Option {
	return func(m *Manager) {
		m.volumeCache = volumeCache
		m.localCache = localCache
		m.tmpDir = tmpDir
	}
}

// WithEndpointID overrides the endpoint id read from the environment.
func WithEndpointID(id string) Option {
	return func(m *Manager) { m.endpointID = id }
}

// New creates a Manager using the standard volume layout.
func New(opts ...Option) *Manager {
	m := &Manager{
		endpointID:  os.Getenv(config.EnvEndpointID),
		volumeCache: filepath.Join(config.VolumeRoot, config.CacheDirName),
		localCache:  config.LocalCacheDir,
		run:         execx.Run,
		tmpDir:      os.TempDir(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) tarballPath() string {
	return filepath.Join(m.volumeCache, fmt.Sprintf("cache-%s.tar", m.endpointID))
}

func (m *Manager) markerPath() string {
	return filepath.Join(m.localCache, config.HydrateMarkerName)
}

// ShouldSync reports whether cache sync can run: an endpoint id is set and
// the volume cache directory exists or can be created. The answer is
// memoized for the process lifetime.
func (m *Manager) ShouldSync() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldSync != nil {
		return *m.shouldSync
	}

	decide := func(v bool) bool {
		m.shouldSync = &v
		return v
	}

	if m.endpointID == "" {
		logging.Op().Debug("no endpoint id set, skipping cache sync")
		return decide(false)
	}
	volumeRoot := filepath.Dir(m.volumeCache)
	if _, err := os.Stat(volumeRoot); err != nil {
		logging.Op().Debug("volume not mounted, skipping cache sync", "root", volumeRoot)
		return decide(false)
	}
	if err := os.MkdirAll(m.volumeCache, 0o755); err != nil {
		logging.Op().Warn("failed to create volume cache directory", "path", m.volumeCache, "error", err)
		return decide(false)
	}
	return decide(true)
}

// MarkBaseline records a timestamp marker before installation begins.
func (m *Manager) MarkBaseline() {
	if !m.ShouldSync() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	path := filepath.Join(m.tmpDir, fmt.Sprintf(".cache-baseline-%d", time.Now().UnixMilli()))
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		logging.Op().Warn("failed to mark cache baseline", "error", err)
		m.baselinePath = ""
		return
	}
	m.baselinePath = path
	logging.Op().Debug("marked cache baseline", "path", path)
}

// SyncToVolume collects files newer than the baseline and publishes them
// to the endpoint tarball. Intended to run fire-and-forget; errors are
// logged, never returned. The baseline marker is removed on every path.
func (m *Manager) SyncToVolume(ctx context.Context) {
	m.mu.Lock()
	baseline := m.baselinePath
	m.baselinePath = ""
	m.mu.Unlock()

	if !m.ShouldSync() || baseline == "" {
		return
	}
	defer os.Remove(baseline)

	tarball := m.tarballPath()
	tarballExists := fileExists(tarball)

	logging.Op().Debug("starting cache sync", "from", m.localCache, "to", tarball)

	find := m.run(ctx, execx.Cmd{
		Command:        []string{"find", m.localCache, "-newer", baseline, "-type", "f"},
		Operation:      "Finding new cache files",
		SuppressOutput: true,
	})
	if !find.Success {
		logging.Op().Warn("failed to find cache delta", "error", find.Error)
		return
	}

	newFiles := strings.TrimSpace(find.Stdout)
	if newFiles == "" {
		logging.Op().Debug("no new cache files to sync")
		return
	}
	fileCount := len(strings.Split(newFiles, "\n"))
	logging.Op().Debug("found new cache files to sync", "count", fileCount)

	listPath := filepath.Join(m.tmpDir, fmt.Sprintf(".cache-files-%s-%d", m.endpointID, time.Now().UnixMilli()))
	if err := os.WriteFile(listPath, []byte(newFiles), 0o644); err != nil {
		logging.Op().Warn("failed to write cache file list", "error", err)
		return
	}
	defer os.Remove(listPath)

	tmpTarball := tarball + ".tmp"
	var tarCmd []string
	var op string
	if tarballExists {
		cp := m.run(ctx, execx.Cmd{
			Command:   []string{"cp", tarball, tmpTarball},
			Operation: "Copying existing tarball",
		})
		if !cp.Success {
			logging.Op().Warn("failed to copy tarball", "error", cp.Error)
			return
		}
		tarCmd = []string{"tar", "rf", tmpTarball, "-T", listPath}
		op = "Appending to cache tarball"
	} else {
		tarCmd = []string{"tar", "cf", tmpTarball, "-T", listPath}
		op = "Creating cache tarball"
	}

	tarRes := m.run(ctx, execx.Cmd{Command: tarCmd, Operation: op})
	if !tarRes.Success {
		logging.Op().Warn("failed to build cache tarball", "error", tarRes.Error)
		os.Remove(tmpTarball)
		return
	}

	if err := os.Rename(tmpTarball, tarball); err != nil {
		logging.Op().Warn("failed to publish cache tarball", "error", err)
		os.Remove(tmpTarball)
		return
	}

	metrics.RecordCacheSync(fileCount)
	action := "created"
	if tarballExists {
		action = "appended to"
	}
	logging.Op().Info("cache tarball published", "action", action, "path", tarball, "files", fileCount)
}

// ShouldHydrate reports whether the endpoint tarball exists and is
// strictly newer than the local hydration marker.
func (m *Manager) ShouldHydrate() bool {
	if !m.ShouldSync() {
		return false
	}
	tarInfo, err := os.Stat(m.tarballPath())
	if err != nil {
		logging.Op().Debug("cache tarball absent, skipping hydration")
		return false
	}
	markerInfo, err := os.Stat(m.markerPath())
	if err != nil {
		logging.Op().Debug("no hydration marker, hydration needed")
		return true
	}
	return tarInfo.ModTime().After(markerInfo.ModTime())
}

// HydrateFromVolume extracts the endpoint tarball over the local cache and
// touches the hydration marker. Errors are logged, never returned.
func (m *Manager) HydrateFromVolume(ctx context.Context) {
	if !m.ShouldHydrate() {
		return
	}

	tarball := m.tarballPath()
	logging.Op().Debug("hydrating cache", "from", tarball, "to", m.localCache)

	if err := os.MkdirAll(m.localCache, 0o755); err != nil {
		logging.Op().Warn("failed to create local cache directory", "error", err)
		return
	}

	// Members are stored with absolute-equivalent paths under the cache
	// root, so extraction is rooted at the filesystem root.
	res := m.run(ctx, execx.Cmd{
		Command:   []string{"tar", "xf", tarball, "-C", "/"},
		Operation: "Extracting cache tarball",
	})
	if !res.Success {
		logging.Op().Warn("failed to extract cache tarball", "error", res.Error)
		return
	}

	if err := touch(m.markerPath()); err != nil {
		logging.Op().Warn("failed to mark cache hydration", "error", err)
		return
	}
	metrics.RecordCacheHydrate()
	logging.Op().Info("cache hydrated", "from", tarball)
}

func touch(path string) error {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err == nil {
		return nil
	}
	return os.WriteFile(path, nil, 0o644)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
