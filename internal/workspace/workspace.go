// Package workspace manages the endpoint-scoped persistent environment on
// the shared network volume.
//
// # Layout
//
// When the volume mount point exists, per-endpoint state lives under
// <volume>/runtimes/<endpoint_id> (the venv and the init lock), while the
// package cache and the model cache are siblings at the volume root shared
// by every endpoint. Without a volume the worker falls back to the
// container-local workspace with no venv and no caches.
//
// # Concurrent initialization
//
// Multiple workers of one endpoint may boot simultaneously. Initialization
// takes a non-blocking exclusive lock on <workspace>/.initialization.lock;
// the loser polls the venv path every 500ms until it appears and validates
// or the timeout elapses. The winner re-checks the venv after acquiring the
// lock, so the "someone else just finished" race resolves without a second
// creation. The lock file is removed on every exit path.
//
// # Validation and repair
//
// A venv is functional iff its interpreter exists, is not a dangling
// symlink, and executes a trivial version print within 10 seconds. A venv
// that fails validation is removed (together with the container-local
// symlink pointing at it) and recreated.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/runpod-workers/worker-flash/internal/config"
	"github.com/runpod-workers/worker-flash/internal/execx"
	"github.com/runpod-workers/worker-flash/internal/logging"
)

// Initialization failure modes. ErrTimeout and ErrPermission abort the job;
// a missing volume is trivial success.
var (
	ErrTimeout    = errors.New("workspace initialization timeout")
	ErrPermission = errors.New("workspace is not writable")
)

// Layout holds the derived filesystem paths.
type Layout struct {
	VolumeRoot    string // empty when no volume
	EndpointID    string
	WorkspacePath string
	VenvPath      string // empty when no volume
	CachePath     string // shared uv cache, empty when no volume
	HFCachePath   string // shared model cache, empty when no volume
}

// Manager detects the volume, derives the layout, and owns venv lifecycle.
type Manager struct {
	layout    Layout
	hasVolume bool
	run       execx.Runner
	setenv    func(key, value string) error
}

// Option customizes a Manager, mainly for tests.
type Option func(*Manager)

// WithRunner substitutes the subprocess runner.
func WithRunner(r execx.Runner) Option {
	return func(m *Manager) { m.run = r }
}

// WithVolumeRoot overrides the volume mount point probed at construction.
func WithVolumeRoot(root string) Option {
	return func(m *Manager) {
		m.hasVolume = dirExists(root)
		m.layout = deriveLayout(root, m.layout.EndpointID, m.hasVolume)
	}
}

// WithSetenv substitutes the environment mutator.
func WithSetenv(f func(key, value string) error) Option {
	return func(m *Manager) { m.setenv = f }
}

// New constructs a Manager, probing the volume mount point and configuring
// the cache environment for child installers when a volume is present.
func New(opts ...Option) *Manager {
	endpointID := config.EndpointID()
	hasVolume := dirExists(config.VolumeRoot)

	m := &Manager{
		layout:    deriveLayout(config.VolumeRoot, endpointID, hasVolume),
		hasVolume: hasVolume,
		run:       execx.Run,
		setenv:    os.Setenv,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.hasVolume {
		m.configureCacheEnv()
		m.configureVenvEnv()
	}
	return m
}

func deriveLayout(volumeRoot, endpointID string, hasVolume bool) Layout {
	if !hasVolume {
		return Layout{
			EndpointID:    endpointID,
			WorkspacePath: config.DefaultWorkspace,
		}
	}
	workspace := filepath.Join(volumeRoot, config.RuntimesDirName, endpointID)
	return Layout{
		VolumeRoot:    volumeRoot,
		EndpointID:    endpointID,
		WorkspacePath: workspace,
		VenvPath:      filepath.Join(workspace, config.VenvDirName),
		CachePath:     filepath.Join(volumeRoot, config.UVCacheDirName),
		HFCachePath:   filepath.Join(volumeRoot, config.HFCacheDirName),
	}
}

// Layout returns the derived paths.
func (m *Manager) Layout() Layout { return m.layout }

// HasVolume reports whether the shared volume is mounted.
func (m *Manager) HasVolume() bool { return m.hasVolume }

// configureCacheEnv points child installers at the shared caches.
func (m *Manager) configureCacheEnv() {
	if m.layout.CachePath != "" {
		m.setenv(config.EnvUVCacheDir, m.layout.CachePath)
	}
	if m.layout.HFCachePath != "" {
		os.MkdirAll(m.layout.HFCachePath, 0o755)
		m.setenv(config.EnvHFHome, m.layout.HFCachePath)
		m.setenv(config.EnvTransformersCache, filepath.Join(m.layout.HFCachePath, "transformers"))
		m.setenv(config.EnvHFDatasetsCache, filepath.Join(m.layout.HFCachePath, "datasets"))
		m.setenv(config.EnvHFHubCache, filepath.Join(m.layout.HFCachePath, "hub"))
	}
}

// configureVenvEnv activates the volume venv for child processes.
func (m *Manager) configureVenvEnv() {
	if m.layout.VenvPath == "" {
		return
	}
	m.setenv(config.EnvVirtualEnv, m.layout.VenvPath)
	venvBin := filepath.Join(m.layout.VenvPath, "bin")
	m.setenv("PATH", venvBin+":"+os.Getenv("PATH"))
}

// SetupSearchPath idempotently exposes the venv's package locations to the
// runner interpreter via PYTHONPATH. No-op when there is no volume or the
// venv fails validation.
func (m *Manager) SetupSearchPath(ctx context.Context) {
	if !m.hasVolume || m.layout.VenvPath == "" || !dirExists(m.layout.VenvPath) {
		return
	}
	if err := m.Validate(ctx); err != nil {
		logging.Op().Warn("virtual environment is invalid", "error", err)
		return
	}
	sitePackages, _ := filepath.Glob(filepath.Join(m.layout.VenvPath, "lib", "python*", "site-packages"))
	if len(sitePackages) == 0 {
		return
	}
	entries := strings.Join(sitePackages, ":")
	cur := os.Getenv("PYTHONPATH")
	if strings.Contains(cur, entries) {
		return
	}
	if cur != "" {
		entries = entries + ":" + cur
	}
	m.setenv("PYTHONPATH", entries)
}

// Interpreter returns the interpreter path the runner should use: the venv
// interpreter when the volume venv's bin/python3 exists, else the system one.
func (m *Manager) Interpreter() string {
	if m.hasVolume && m.layout.VenvPath != "" {
		py := filepath.Join(m.layout.VenvPath, "bin", "python3")
		if _, err := os.Stat(py); err == nil {
			return py
		}
	}
	return "python3"
}

// Initialize prepares the volume workspace: it validates or recreates the
// venv under the init lock, waiting for a concurrent initializer when the
// lock is contended. Returns a human-readable note on success.
func (m *Manager) Initialize(ctx context.Context, timeout time.Duration) (string, error) {
	if !m.hasVolume {
		return "No volume available, using container workspace", nil
	}
	if timeout <= 0 {
		timeout = config.DefaultInitTimeout
	}

	if dirExists(m.layout.VenvPath) {
		if err := m.Validate(ctx); err == nil {
			return "Workspace already initialized", nil
		} else {
			logging.Op().Warn("virtual environment validation failed, recreating", "error", err)
			m.removeBrokenVenv()
		}
	}

	if err := os.MkdirAll(m.layout.WorkspacePath, 0o755); err != nil {
		return "", fmt.Errorf("create workspace directory: %w", err)
	}
	if err := m.probeWritable(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPermission, err)
	}

	lockPath := filepath.Join(m.layout.WorkspacePath, config.WorkspaceLockFile)
	lock := flock.New(lockPath)
	defer os.Remove(lockPath)

	locked, err := lock.TryLock()
	if err != nil {
		return "", fmt.Errorf("acquire init lock: %w", err)
	}

	if !locked {
		// Another worker is initializing; wait for its venv to appear.
		return m.waitForPeer(ctx, timeout)
	}
	defer lock.Unlock()

	// Re-check: a peer may have finished between our validation above and
	// the lock acquisition.
	if dirExists(m.layout.VenvPath) {
		if err := m.Validate(ctx); err == nil {
			return "Workspace already initialized", nil
		}
		m.removeBrokenVenv()
	}

	return m.createVenv(ctx)
}

func (m *Manager) waitForPeer(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if dirExists(m.layout.VenvPath) {
			if err := m.Validate(ctx); err == nil {
				return "Workspace initialized by another worker", nil
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(config.InitPollInterval):
		}
	}
	return "", fmt.Errorf("%w: waited %s; consider a longer timeout", ErrTimeout, timeout)
}

func (m *Manager) createVenv(ctx context.Context) (string, error) {
	res := m.run(ctx, execx.Cmd{
		Command:   []string{"uv", "venv", m.layout.VenvPath},
		Timeout:   config.VenvCreateTimeout,
		Operation: "Creating virtual environment",
	})
	if !res.Success {
		return "", fmt.Errorf("create virtual environment: %s", res.Error)
	}
	m.createAppVenvSymlink()
	return res.Stdout, nil
}

// createAppVenvSymlink points the container-local .venv path at the volume
// venv for libraries that hardcode the container path. Failure is logged
// but does not fail initialization.
func (m *Manager) createAppVenvSymlink() {
	target := config.AppVenvSymlink
	if target == m.layout.VenvPath {
		return
	}
	if fi, err := os.Lstat(target); err == nil {
		if fi.IsDir() && fi.Mode()&os.ModeSymlink == 0 {
			os.RemoveAll(target)
		} else {
			os.Remove(target)
		}
	}
	if err := os.Symlink(m.layout.VenvPath, target); err != nil {
		logging.Op().Warn("failed to create app venv symlink", "target", target, "error", err)
		return
	}
	logging.Op().Info("created venv symlink", "link", target, "venv", m.layout.VenvPath)
}

func (m *Manager) removeAppVenvSymlink() {
	target := config.AppVenvSymlink
	fi, err := os.Lstat(target)
	if err != nil || fi.Mode()&os.ModeSymlink == 0 {
		return
	}
	if dest, err := os.Readlink(target); err == nil && dest == m.layout.VenvPath {
		os.Remove(target)
	}
}

func (m *Manager) removeBrokenVenv() {
	if m.layout.VenvPath == "" {
		return
	}
	if err := os.RemoveAll(m.layout.VenvPath); err != nil {
		logging.Op().Error("failed to remove broken virtual environment", "path", m.layout.VenvPath, "error", err)
		return
	}
	m.removeAppVenvSymlink()
	logging.Op().Info("removed broken virtual environment", "path", m.layout.VenvPath)
}

// Validate checks that the venv interpreter exists, resolves through any
// symlink chain, and executes a trivial command within the validation
// timeout.
func (m *Manager) Validate(ctx context.Context) error {
	if m.layout.VenvPath == "" || !dirExists(m.layout.VenvPath) {
		return errors.New("virtual environment does not exist")
	}

	py := filepath.Join(m.layout.VenvPath, "bin", "python3")
	fi, err := os.Lstat(py)
	if err != nil {
		return fmt.Errorf("interpreter not found at %s", py)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		resolved, err := filepath.EvalSymlinks(py)
		if err != nil {
			return fmt.Errorf("broken symlink at %s: %w", py, err)
		}
		if _, err := os.Stat(resolved); err != nil {
			return fmt.Errorf("broken symlink at %s: underlying interpreter removed", py)
		}
	}

	res := m.run(ctx, execx.Cmd{
		Command:        []string{py, "-c", "import sys; print(sys.version)"},
		Timeout:        config.VenvValidateTimeout,
		Operation:      "Validating virtual environment",
		SuppressOutput: true,
	})
	if res.TimedOut {
		return errors.New("interpreter validation timed out")
	}
	if !res.Success {
		return fmt.Errorf("interpreter failed to execute: %s", res.Error)
	}
	return nil
}

// probeWritable verifies the workspace directory accepts writes.
func (m *Manager) probeWritable() error {
	if err := unix.Access(m.layout.WorkspacePath, unix.W_OK); err != nil {
		return fmt.Errorf("access %s: %w", m.layout.WorkspacePath, err)
	}
	probe := filepath.Join(m.layout.WorkspacePath, fmt.Sprintf(".write-probe-%d", os.Getpid()))
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return err
	}
	os.Remove(probe)
	return nil
}

func dirExists(path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
