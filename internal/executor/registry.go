package executor

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runpod-workers/worker-flash/internal/domain"
)

// InstanceRegistry tracks live class instances by id. The objects
// themselves live in the runner process; the registry holds the
// authoritative metadata and makes the create-or-reuse decision. Access is
// single-threaded in serverless mode (one job at a time) but the mutex
// keeps HTTP server mode safe.
type InstanceRegistry struct {
	mu      sync.Mutex
	entries map[string]*domain.InstanceMetadata
}

// NewInstanceRegistry creates an empty registry.
func NewInstanceRegistry() *InstanceRegistry {
	return &InstanceRegistry{
		entries: make(map[string]*domain.InstanceMetadata),
	}
}

// GenerateID builds an instance id of the form <class>_<8-hex>.
func GenerateID(className string) string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s_%s", className, hex)
}

// Has reports whether the id is registered.
func (r *InstanceRegistry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Register records a freshly constructed instance.
func (r *InstanceRegistry) Register(id, className string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC().Format(time.RFC3339)
	r.entries[id] = &domain.InstanceMetadata{
		ClassName:   className,
		CreatedAt:   now,
		MethodCalls: 0,
		LastUsed:    now,
	}
}

// Touch increments the call counter after a successful method call and
// returns a copy of the updated metadata.
func (r *InstanceRegistry) Touch(id string) *domain.InstanceMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	meta, ok := r.entries[id]
	if !ok {
		return nil
	}
	meta.MethodCalls++
	meta.LastUsed = time.Now().UTC().Format(time.RFC3339)
	return meta.Clone()
}

// Get returns a copy of the metadata for id, or nil.
func (r *InstanceRegistry) Get(id string) *domain.InstanceMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[id].Clone()
}

// Clear drops every entry; called when the runner process is replaced and
// all live objects are gone.
func (r *InstanceRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*domain.InstanceMetadata)
}

// Len returns the number of live instances.
func (r *InstanceRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
