// Package manifest reads and refreshes the Flash deployment manifest: the
// JSON file mapping function names to their modules and to the endpoint
// hosting them. Refresh from the state manager is TTL-gated on the file's
// mtime and only happens on the remote-routing path — the local fast path
// never touches the network.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/runpod-workers/worker-flash/internal/config"
)

// FunctionDetail describes one deployed function inside a resource.
type FunctionDetail struct {
	Name    string `json:"name"`
	Module  string `json:"module"`
	IsAsync bool   `json:"is_async"`
	IsClass bool   `json:"is_class"`
}

// Resource groups the functions deployed to one endpoint.
type Resource struct {
	ResourceType string           `json:"resource_type"`
	EndpointURL  string           `json:"endpoint_url,omitempty"`
	Functions    []FunctionDetail `json:"functions"`
}

// Manifest is the deployed-code routing table.
type Manifest struct {
	Version          string              `json:"version"`
	Resources        map[string]Resource `json:"resources"`
	FunctionRegistry map[string]string   `json:"function_registry"`
}

// Function resolves a function name to its resource and detail entry.
func (m *Manifest) Function(name string) (resourceName string, res Resource, detail FunctionDetail, err error) {
	resourceName, ok := m.FunctionRegistry[name]
	if !ok {
		return "", Resource{}, FunctionDetail{}, fmt.Errorf("function %q not found in manifest", name)
	}
	res, ok = m.Resources[resourceName]
	if !ok {
		return "", Resource{}, FunctionDetail{}, fmt.Errorf("function %q registered to unknown resource %q", name, resourceName)
	}
	for _, f := range res.Functions {
		if f.Name == name {
			return resourceName, res, f, nil
		}
	}
	return "", Resource{}, FunctionDetail{}, fmt.Errorf("function %q found in registry but not in resource %q", name, resourceName)
}

// DefaultPath returns the manifest location inside the app directory.
func DefaultPath() string {
	return filepath.Join(config.AppDir, config.ManifestFileName)
}

// Load reads and parses the manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// Save writes the manifest via a temp sibling and an atomic rename so
// concurrent readers never observe a torn file.
func Save(m *Manifest, path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish manifest: %w", err)
	}
	return nil
}

// IsStale reports whether the manifest file is older than ttl. A missing
// or unreadable file is always stale.
func IsStale(path string, ttl time.Duration) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return true
	}
	return time.Since(fi.ModTime()) >= ttl
}
