// Package deps installs OS-level and language-level packages on behalf of
// a job.
//
// Language packages go through uv (accelerated, shared-cache aware) or pip
// (baseline). When a volume venv exists, the request is filtered against
// the installed set first so repeat jobs with identical dependencies never
// spawn an installer (differential install).
//
// System packages go through nala (accelerated front-end) when acceleration
// is requested, the request contains at least one known-large package and
// nala is present, falling
// back to apt-get on any nala failure. On non-Linux platforms system
// installs are skipped rather than failed, so local test runs survive.
//
// Availability of each accelerated front-end is probed once per process
// and cached.
package deps

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/runpod-workers/worker-flash/internal/config"
	"github.com/runpod-workers/worker-flash/internal/execx"
	"github.com/runpod-workers/worker-flash/internal/logging"
	"github.com/runpod-workers/worker-flash/internal/workspace"
)

// Result is the outcome of one install call.
type Result struct {
	Success bool
	Stdout  string
	Error   string
}

func ok(stdout string) Result { return Result{Success: true, Stdout: stdout} }
func fail(msg string) Result  { return Result{Success: false, Error: msg} }

// Installer installs job dependencies.
type Installer struct {
	ws  *workspace.Manager
	run execx.Runner

	probeMu       sync.Mutex
	nalaAvailable *bool
	uvAvailable   *bool

	goos string
}

// New creates an Installer bound to the given workspace.
func New(ws *workspace.Manager, opts ...Option) *Installer {
	ins := &Installer{ws: ws, run: execx.Run, goos: runtime.GOOS}
	for _, opt := range opts {
		opt(ins)
	}
	return ins
}

// Option customizes an Installer, mainly for tests.
type Option func(*Installer)

// WithRunner substitutes the subprocess runner.
func WithRunner(r execx.Runner) Option {
	return func(i *Installer) { i.run = r }
}

// WithGOOS overrides the platform check.
func WithGOOS(goos string) Option {
	return func(i *Installer) { i.goos = goos }
}

// InstallLanguage installs language packages, differentially when a volume
// venv exists.
func (i *Installer) InstallLanguage(ctx context.Context, packages []string, accelerate bool) Result {
	if len(packages) == 0 {
		return ok("No packages to install")
	}

	logging.Op().Info("installing language dependencies", "packages", packages, "accelerate", accelerate)

	if i.ws.HasVolume() {
		remaining := i.filterInstalled(ctx, packages)
		if len(remaining) == 0 {
			return ok("All packages already installed")
		}
		packages = remaining
	}

	var command []string
	if accelerate && i.uvOK(ctx) {
		command = append([]string{"uv", "pip", "install", "--system"}, packages...)
	} else {
		command = append([]string{"pip", "install"}, packages...)
	}

	res := i.run(ctx, execx.Cmd{
		Command:   command,
		Env:       os.Environ(),
		Timeout:   config.InstallTimeout,
		Operation: "Installing language packages",
	})
	if res.TimedOut {
		return fail(fmt.Sprintf("package installation timed out after %s", config.InstallTimeout))
	}
	if !res.Success {
		return fail(res.Error)
	}
	return ok(res.Stdout)
}

// InstallSystem installs OS packages: nala for large requests when
// available and acceleration is on, apt-get otherwise. The sequence is
// always refresh-index-then-install; a nala failure at either step falls
// back to apt-get once.
func (i *Installer) InstallSystem(ctx context.Context, packages []string, accelerate bool) Result {
	if i.goos != "linux" {
		logging.Op().Warn("system package installation not supported on this platform", "goos", i.goos)
		return ok(fmt.Sprintf("Skipped system packages on %s: %s", i.goos, strings.Join(packages, " ")))
	}
	if len(packages) == 0 {
		return ok("No system packages to install")
	}

	logging.Op().Info("installing system dependencies", "packages", packages, "accelerate", accelerate)

	if accelerate && len(i.largePackages(packages)) > 0 && i.nalaOK(ctx) {
		return i.installSystemNala(ctx, packages)
	}
	return i.installSystemStandard(ctx, packages)
}

// InstallLanguageAsync runs InstallLanguage on a goroutine, delivering the
// result over the returned channel.
func (i *Installer) InstallLanguageAsync(ctx context.Context, packages []string, accelerate bool) <-chan Result {
	ch := make(chan Result, 1)
	go func() { ch <- i.InstallLanguage(ctx, packages, accelerate) }()
	return ch
}

// InstallSystemAsync runs InstallSystem on a goroutine.
func (i *Installer) InstallSystemAsync(ctx context.Context, packages []string, accelerate bool) <-chan Result {
	ch := make(chan Result, 1)
	go func() { ch <- i.InstallSystem(ctx, packages, accelerate) }()
	return ch
}

func (i *Installer) installSystemNala(ctx context.Context, packages []string) Result {
	env := append(os.Environ(), "DEBIAN_FRONTEND=noninteractive")

	update := i.run(ctx, execx.Cmd{
		Command:   []string{"nala", "update"},
		Env:       env,
		Timeout:   config.InstallTimeout,
		Operation: "Refreshing package index (nala)",
	})
	if !update.Success {
		logging.Op().Warn("nala update failed, falling back to standard installation")
		return i.installSystemStandard(ctx, packages)
	}

	install := i.run(ctx, execx.Cmd{
		Command:   append([]string{"nala", "install", "-y"}, packages...),
		Env:       env,
		Timeout:   config.InstallTimeout,
		Operation: "Installing system packages (nala)",
	})
	if !install.Success {
		logging.Op().Warn("nala installation failed, falling back to standard installation")
		return i.installSystemStandard(ctx, packages)
	}
	return ok("Installed with nala: " + install.Stdout)
}

func (i *Installer) installSystemStandard(ctx context.Context, packages []string) Result {
	env := append(os.Environ(), "DEBIAN_FRONTEND=noninteractive")

	update := i.run(ctx, execx.Cmd{
		Command:   []string{"apt-get", "update"},
		Env:       env,
		Timeout:   config.InstallTimeout,
		Operation: "Refreshing package index",
	})
	if update.TimedOut {
		return fail(fmt.Sprintf("package index refresh timed out after %s", config.InstallTimeout))
	}
	if !update.Success {
		return fail("error updating package list: " + update.Error)
	}

	install := i.run(ctx, execx.Cmd{
		Command:   append([]string{"apt-get", "install", "-y", "--no-install-recommends"}, packages...),
		Env:       env,
		Timeout:   config.InstallTimeout,
		Operation: "Installing system packages",
	})
	if install.TimedOut {
		return fail(fmt.Sprintf("system package installation timed out after %s", config.InstallTimeout))
	}
	if !install.Success {
		return fail("error installing system packages: " + install.Error)
	}
	return ok(install.Stdout)
}

// filterInstalled removes packages already present at the exact requested
// version. Unversioned specifiers always install.
func (i *Installer) filterInstalled(ctx context.Context, packages []string) []string {
	installed := i.installedPackages(ctx)
	if len(installed) == 0 {
		return packages
	}
	var remaining []string
	for _, pkg := range packages {
		name, version, versioned := strings.Cut(pkg, "==")
		if !versioned {
			remaining = append(remaining, pkg)
			continue
		}
		if have, ok := installed[name]; !ok || have != version {
			remaining = append(remaining, pkg)
		}
	}
	return remaining
}

// installedPackages queries the venv for its installed set. Failures
// degrade to an empty map (install everything).
func (i *Installer) installedPackages(ctx context.Context) map[string]string {
	res := i.run(ctx, execx.Cmd{
		Command:        []string{"uv", "pip", "list", "--format=freeze"},
		Env:            os.Environ(),
		Timeout:        config.VenvValidateTimeout,
		Operation:      "Listing installed packages",
		SuppressOutput: true,
	})
	if !res.Success {
		return nil
	}
	packages := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if name, version, found := strings.Cut(line, "=="); found {
			packages[name] = version
		}
	}
	return packages
}

func (i *Installer) largePackages(packages []string) []string {
	var large []string
	for _, pkg := range packages {
		for _, pattern := range config.LargeSystemPackages {
			if strings.Contains(pkg, pattern) {
				large = append(large, pkg)
				break
			}
		}
	}
	return large
}

func (i *Installer) nalaOK(ctx context.Context) bool {
	i.probeMu.Lock()
	defer i.probeMu.Unlock()
	if i.nalaAvailable == nil {
		avail := i.run(ctx, execx.Cmd{Command: []string{"which", "nala"}, SuppressOutput: true}).Success
		i.nalaAvailable = &avail
	}
	return *i.nalaAvailable
}

func (i *Installer) uvOK(ctx context.Context) bool {
	i.probeMu.Lock()
	defer i.probeMu.Unlock()
	if i.uvAvailable == nil {
		avail := i.run(ctx, execx.Cmd{Command: []string{"which", "uv"}, SuppressOutput: true}).Success
		i.uvAvailable = &avail
	}
	return *i.uvAvailable
}
