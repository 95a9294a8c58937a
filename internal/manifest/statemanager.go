package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/runpod-workers/worker-flash/internal/config"
	"github.com/runpod-workers/worker-flash/internal/logging"
)

// DefaultStateManagerURL is the central state-manager base URL, overridable
// via FLASH_STATE_MANAGER_URL.
const DefaultStateManagerURL = "https://api.runpod.ai/v2/flash/state"

// StateManagerClient fetches the authoritative manifest for an endpoint
// from the central state manager.
type StateManagerClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewStateManagerClient builds a client from the environment.
func NewStateManagerClient() *StateManagerClient {
	base := os.Getenv(config.EnvStateManagerURL)
	if base == "" {
		base = DefaultStateManagerURL
	}
	return &StateManagerClient{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  os.Getenv(config.EnvAPIKey),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// PersistedManifest returns the manifest the state manager holds for the
// endpoint, or nil when none is stored.
func (c *StateManagerClient) PersistedManifest(ctx context.Context, endpointID string) (*Manifest, error) {
	url := fmt.Sprintf("%s/manifest/%s", c.baseURL, endpointID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build state manager request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query state manager: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("state manager returned %d: %s", resp.StatusCode, body)
	}

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode state manager manifest: %w", err)
	}
	return &m, nil
}

// RefreshIfStale refreshes the local manifest from the state manager when
// the file is older than ttl. State-manager failures are non-fatal: the
// stale manifest stays in place and the worker proceeds with it.
//
// Refresh is skipped entirely outside Flash deployments, and when the
// endpoint id or API key is missing.
func RefreshIfStale(ctx context.Context, client *StateManagerClient, path string, ttl time.Duration) bool {
	if !config.IsFlashDeployment() {
		return false
	}
	endpointID := os.Getenv(config.EnvEndpointID)
	if endpointID == "" {
		logging.Op().Debug("endpoint id not set, skipping manifest refresh")
		return false
	}
	if os.Getenv(config.EnvAPIKey) == "" {
		logging.Op().Debug("API key not set, skipping manifest refresh")
		return false
	}

	if !IsStale(path, ttl) {
		logging.Op().Debug("manifest is fresh, skipping refresh")
		return true
	}

	logging.Op().Debug("manifest is stale, refreshing from state manager")
	m, err := client.PersistedManifest(ctx, endpointID)
	if err != nil {
		logging.Op().Warn("manifest refresh failed, continuing with stale manifest", "error", err)
		return true
	}
	if m == nil {
		logging.Op().Warn("no manifest in state manager")
		return true
	}
	if err := Save(m, path); err != nil {
		logging.Op().Warn("failed to write refreshed manifest", "error", err)
		return true
	}
	logging.Op().Info("manifest refreshed from state manager")
	return true
}
