// Package tenant tracks the organizations writing to the trail and the
// freeze switch that halts their appends during incident response.
//
// Tenants are auto-registered when their first entry lands in the chain.
// The registry persists to tenants.yaml and tracks per-tenant stats:
// total appends, denied attempts, verification and scan runs, and
// first/last activity timestamps.
//
// Freeze state persists separately to frozen.yaml so an operator can
// freeze a tenant from the CLI while the server is running; the server
// file-watches frozen.yaml and reloads it on change.
package tenant

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veritrail/veritrail/internal/audit"
)

// Tenant statuses as stored in the registry.
const (
	StatusActive = "active"
	StatusFrozen = "frozen"
)

// Tenant is one tracked organization. Tenants are identified by their ID
// and accumulate stats over their lifetime.
type Tenant struct {
	ID        string    `yaml:"-" json:"id"`
	FirstSeen time.Time `yaml:"first_seen" json:"first_seen"`
	LastSeen  time.Time `yaml:"last_seen" json:"last_seen"`
	Status    string    `yaml:"status" json:"status"`
	Stats     Stats     `yaml:"stats" json:"stats"`
}

// Stats holds cumulative counters for a tenant's activity.
type Stats struct {
	TotalAppends   uint64 `yaml:"total_appends" json:"total_appends"`
	DeniedAttempts uint64 `yaml:"denied_attempts" json:"denied_attempts"`
	VerifyRuns     uint64 `yaml:"verify_runs" json:"verify_runs"`
	ScanRuns       uint64 `yaml:"scan_runs" json:"scan_runs"`
}

// Registry manages the set of known tenants and their stats.
// Thread-safe — the service calls Touch and the Record helpers
// concurrently from multiple handler goroutines.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	path    string
}

// registryFile is the YAML envelope for tenants.yaml. The top-level key
// "tenants" maps tenant IDs to their data.
type registryFile struct {
	Tenants map[string]*Tenant `yaml:"tenants"`
}

// NewRegistry loads the tenant registry from the given YAML file path.
// A missing file yields an empty registry, not an error.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		tenants: make(map[string]*Tenant),
		path:    path,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("reading tenant registry %s: %w", path, err)
	}
	if len(data) == 0 {
		return r, nil
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing tenant registry %s: %w", path, err)
	}

	// The ID lives in the map key, not the YAML value.
	for id, t := range file.Tenants {
		if t == nil {
			continue
		}
		t.ID = id
		r.tenants[id] = t
	}

	slog.Info("tenant registry loaded", "tenants", len(r.tenants), "path", path)
	return r, nil
}

// List returns all registered tenants, sorted alphabetically by ID.
func (r *Registry) List() []Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenants := make([]Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		tenants = append(tenants, *t)
	}
	sort.Slice(tenants, func(i, j int) bool {
		return tenants[i].ID < tenants[j].ID
	})
	return tenants
}

// Get returns the tenant with the given ID.
func (r *Registry) Get(id string) (Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tenants[id]
	if !ok {
		return Tenant{}, fmt.Errorf("tenant %q: %w", id, audit.ErrNotFound)
	}
	return *t, nil
}

// Touch updates the tenant's last-seen timestamp and increments the
// append count. An unknown tenant is auto-registered, first seen on its
// first appended entry.
func (r *Registry) Touch(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	t, ok := r.tenants[tenantID]
	if !ok {
		t = &Tenant{
			ID:        tenantID,
			FirstSeen: now,
			Status:    StatusActive,
		}
		r.tenants[tenantID] = t
		slog.Info("new tenant registered", "tenant", tenantID)
	}

	t.LastSeen = now
	t.Stats.TotalAppends++
}

// RecordDenied increments the denied-attempt counter. The denial entry
// itself reaches the chain through Touch first, so the tenant exists by
// the time this runs; unknown tenants are ignored.
func (r *Registry) RecordDenied(tenantID string) {
	r.bump(tenantID, func(s *Stats) { s.DeniedAttempts++ })
}

// RecordVerify increments the verification-run counter.
func (r *Registry) RecordVerify(tenantID string) {
	r.bump(tenantID, func(s *Stats) { s.VerifyRuns++ })
}

// RecordScan increments the anomaly-scan counter.
func (r *Registry) RecordScan(tenantID string) {
	r.bump(tenantID, func(s *Stats) { s.ScanRuns++ })
}

func (r *Registry) bump(tenantID string, fn func(*Stats)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tenants[tenantID]; ok {
		fn(&t.Stats)
	}
}

// SetStatus updates a tenant's status. Used by the freeze switch to
// reflect frozen state in the registry.
func (r *Registry) SetStatus(tenantID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tenants[tenantID]; ok {
		t.Status = status
	}
}

// Save persists the current registry state to tenants.yaml.
// Called on graceful shutdown to avoid losing in-memory stats.
func (r *Registry) Save() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	file := registryFile{Tenants: r.tenants}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling tenant registry: %w", err)
	}

	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("writing tenant registry %s: %w", r.path, err)
	}
	return nil
}
