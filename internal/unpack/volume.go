package unpack

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/runpod-workers/worker-flash/internal/config"
	"github.com/runpod-workers/worker-flash/internal/logging"
)

var (
	unpackMu sync.Mutex
	unpacked bool
)

// artifactPath returns the canonical Flash build artifact location.
func artifactPath() string {
	if p := os.Getenv(config.EnvArtifactPath); p != "" {
		return p
	}
	return config.DefaultArtifactPath
}

// unpackDisabled honors the explicit disable flag.
func unpackDisabled() bool {
	v := strings.ToLower(os.Getenv(config.EnvDisableUnpack))
	return v == "1" || v == "true" || v == "yes"
}

// AppFromVolume extracts the build artifact from the volume into appDir.
func AppFromVolume(appDir string) error {
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		return fmt.Errorf("create app dir: %w", err)
	}

	artifact := artifactPath()
	fi, err := os.Stat(artifact)
	if err != nil || fi.IsDir() {
		return fmt.Errorf("flash build artifact not found at %s", artifact)
	}

	if err := extractArchive(artifact, appDir); err != nil {
		return fmt.Errorf("extract flash artifact: %w", err)
	}
	logging.Op().Info("extracted build artifact", "to", appDir)
	return nil
}

// MaybeUnpack extracts the build artifact when running as a Flash
// deployment. Safe to call repeatedly; only the first call per process
// unpacks. Retries a bounded number of times before giving up.
func MaybeUnpack() error {
	unpackMu.Lock()
	defer unpackMu.Unlock()

	if unpacked {
		return nil
	}
	if unpackDisabled() {
		logging.Op().Debug("unpacking disabled via " + config.EnvDisableUnpack)
		return nil
	}
	if !config.IsFlashDeployment() {
		logging.Op().Debug("not a Flash deployment, skipping unpacking")
		return nil
	}

	logging.Op().Info("unpacking app from volume")

	var lastErr error
	for attempt := 1; attempt <= config.UnpackAttempts; attempt++ {
		if err := AppFromVolume(config.AppDir); err != nil {
			lastErr = err
			logging.Op().Error("failed to unpack app from volume",
				"attempt", attempt, "attempts", config.UnpackAttempts, "error", err)
			if attempt < config.UnpackAttempts {
				time.Sleep(config.UnpackRetryInterval)
			}
			continue
		}
		unpacked = true
		return nil
	}
	return fmt.Errorf("unpack app from volume after %d attempts: %w", config.UnpackAttempts, lastErr)
}
