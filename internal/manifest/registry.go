package manifest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/runpod-workers/worker-flash/internal/cache"
	"github.com/runpod-workers/worker-flash/internal/config"
	"github.com/runpod-workers/worker-flash/internal/logging"
)

// ServiceRegistry answers routing questions for pre-deployed functions:
// is the function hosted on this endpoint, and if not, at which URL.
//
// The in-memory manifest is reloaded lazily when the file changes on disk
// (the refresher rewrites it atomically). Resolved endpoint URLs are
// memoized in the lookup cache so repeated remote dispatches to the same
// function skip the manifest walk, and — with a Redis-backed cache —
// sibling workers share resolutions.
type ServiceRegistry struct {
	path         string
	resourceName string
	endpointID   string
	lookups      cache.Cache
	lookupTTL    time.Duration

	mu       sync.Mutex
	manifest *Manifest
	loadedAt time.Time
}

// RegistryOption customizes a ServiceRegistry.
type RegistryOption func(*ServiceRegistry)

// WithLookupCache installs a cache for endpoint-URL resolutions.
func WithLookupCache(c cache.Cache, ttl time.Duration) RegistryOption {
	return func(r *ServiceRegistry) {
		r.lookups = c
		if ttl > 0 {
			r.lookupTTL = ttl
		}
	}
}

// NewServiceRegistry creates a registry over the manifest at path.
// The manifest is loaded on first use; a missing file surfaces as a lookup
// error, not a construction error.
func NewServiceRegistry(path string, opts ...RegistryOption) *ServiceRegistry {
	r := &ServiceRegistry{
		path:         path,
		resourceName: os.Getenv(config.EnvResourceName),
		endpointID:   os.Getenv(config.EnvEndpointID),
		lookupTTL:    config.ManifestTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reload forces the next lookup to re-read the manifest file.
func (r *ServiceRegistry) Reload() {
	r.mu.Lock()
	r.manifest = nil
	r.mu.Unlock()
}

// current returns the manifest, re-reading the file when it changed since
// the last load.
func (r *ServiceRegistry) current() (*Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fi, err := os.Stat(r.path)
	if err != nil {
		return nil, fmt.Errorf("manifest unavailable: %w", err)
	}
	if r.manifest != nil && !fi.ModTime().After(r.loadedAt) {
		return r.manifest, nil
	}

	m, err := Load(r.path)
	if err != nil {
		return nil, err
	}
	r.manifest = m
	r.loadedAt = fi.ModTime()
	return m, nil
}

// IsLocal reports whether the named function's resource is this endpoint.
// When the worker has a resource name, locality is a name match; otherwise
// a resource with no endpoint URL (or one naming this endpoint id) counts
// as local.
func (r *ServiceRegistry) IsLocal(functionName string) (bool, error) {
	m, err := r.current()
	if err != nil {
		return false, err
	}
	resourceName, res, _, err := m.Function(functionName)
	if err != nil {
		return false, err
	}
	if r.resourceName != "" {
		return resourceName == r.resourceName, nil
	}
	if res.EndpointURL == "" {
		return true, nil
	}
	return r.endpointID != "" && containsEndpoint(res.EndpointURL, r.endpointID), nil
}

// EndpointFor returns the endpoint URL hosting the named function, or ""
// when the manifest has no URL for it.
func (r *ServiceRegistry) EndpointFor(ctx context.Context, functionName string) (string, error) {
	if r.lookups != nil {
		if cached, err := r.lookups.Get(ctx, "endpoint:"+functionName); err == nil {
			return string(cached), nil
		}
	}

	m, err := r.current()
	if err != nil {
		return "", err
	}
	_, res, _, err := m.Function(functionName)
	if err != nil {
		return "", err
	}

	if res.EndpointURL != "" && r.lookups != nil {
		if err := r.lookups.Set(ctx, "endpoint:"+functionName, []byte(res.EndpointURL), r.lookupTTL); err != nil {
			logging.Op().Debug("failed to cache endpoint lookup", "function", functionName, "error", err)
		}
	}
	return res.EndpointURL, nil
}

// Detail returns the manifest entry for the named function.
func (r *ServiceRegistry) Detail(functionName string) (FunctionDetail, error) {
	m, err := r.current()
	if err != nil {
		return FunctionDetail{}, err
	}
	_, _, detail, err := m.Function(functionName)
	return detail, err
}

func containsEndpoint(url, endpointID string) bool {
	return strings.Contains(url, endpointID)
}
