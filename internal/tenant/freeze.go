package tenant

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// FrozenEntry records one frozen tenant in frozen.yaml: who froze it,
// when, and why. A frozen tenant rejects new appends; reads, proofs and
// verification stay available so investigators can work.
type FrozenEntry struct {
	Tenant   string    `yaml:"tenant"`
	FrozenAt time.Time `yaml:"frozen_at"`
	Reason   string    `yaml:"reason"`
	FrozenBy string    `yaml:"frozen_by"`
}

// FreezeList manages the set of frozen tenants. It persists state to
// frozen.yaml and keeps an in-memory set for fast lookups.
//
// Thread-safe — IsFrozen is checked on every append from concurrent
// goroutines, while Freeze/Unfreeze/Reload modify the state.
type FreezeList struct {
	mu      sync.RWMutex
	frozen  map[string]FrozenEntry
	entries []FrozenEntry
	path    string
}

// NewFreezeList loads freeze state from the given YAML file. A missing
// file yields an empty list (no tenants frozen).
func NewFreezeList(path string) (*FreezeList, error) {
	fl := &FreezeList{
		frozen: make(map[string]FrozenEntry),
		path:   path,
	}
	if err := fl.loadFromFile(); err != nil {
		return nil, err
	}
	return fl, nil
}

// IsFrozen checks whether the given tenant is currently frozen.
// Called on every append, so it must stay an O(1) lookup under a read
// lock.
func (fl *FreezeList) IsFrozen(tenantID string) bool {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	_, frozen := fl.frozen[tenantID]
	return frozen
}

// Entry returns the freeze record for a tenant, if any. The reason
// travels into the error callers see on a rejected append.
func (fl *FreezeList) Entry(tenantID string) (FrozenEntry, bool) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	e, ok := fl.frozen[tenantID]
	return e, ok
}

// Frozen returns all freeze records, in the order they were applied.
func (fl *FreezeList) Frozen() []FrozenEntry {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	out := make([]FrozenEntry, len(fl.entries))
	copy(out, fl.entries)
	return out
}

// Freeze adds a tenant to the freeze list and persists to frozen.yaml.
// Freezing an already-frozen tenant is a no-op, not an error.
func (fl *FreezeList) Freeze(id, reason, by string) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if _, exists := fl.frozen[id]; exists {
		return nil
	}

	entry := FrozenEntry{
		Tenant:   id,
		FrozenAt: time.Now().UTC(),
		Reason:   reason,
		FrozenBy: by,
	}
	fl.frozen[id] = entry
	fl.entries = append(fl.entries, entry)

	slog.Warn("tenant frozen", "tenant", id, "reason", reason, "by", by)
	return fl.saveToFile()
}

// Unfreeze removes a tenant from the freeze list and persists to
// frozen.yaml. Unfreezing a tenant that is not frozen is a no-op.
func (fl *FreezeList) Unfreeze(id string) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if _, exists := fl.frozen[id]; !exists {
		return nil
	}

	delete(fl.frozen, id)
	filtered := make([]FrozenEntry, 0, len(fl.entries))
	for _, e := range fl.entries {
		if e.Tenant != id {
			filtered = append(filtered, e)
		}
	}
	fl.entries = filtered

	slog.Info("tenant unfrozen", "tenant", id)
	return fl.saveToFile()
}

// Reload re-reads frozen.yaml from disk and replaces the in-memory
// state. Called by the file watcher when another process (the CLI's
// freeze command) modifies the file.
func (fl *FreezeList) Reload() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	fl.frozen = make(map[string]FrozenEntry)
	fl.entries = nil
	if err := fl.loadFromFile(); err != nil {
		return err
	}

	slog.Info("freeze list reloaded", "frozen_tenants", len(fl.frozen))
	return nil
}

// loadFromFile reads frozen.yaml into memory.
// NOT thread-safe; the caller holds the mutex.
func (fl *FreezeList) loadFromFile() error {
	data, err := os.ReadFile(fl.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading freeze list %s: %w", fl.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var entries []FrozenEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing freeze list %s: %w", fl.path, err)
	}

	fl.entries = entries
	for _, e := range entries {
		fl.frozen[e.Tenant] = e
	}
	return nil
}

// saveToFile writes the current freeze list to frozen.yaml.
// NOT thread-safe; the caller holds the mutex.
func (fl *FreezeList) saveToFile() error {
	// An empty list writes an empty file rather than "[]".
	if len(fl.entries) == 0 {
		return os.WriteFile(fl.path, []byte(""), 0o644)
	}

	data, err := yaml.Marshal(fl.entries)
	if err != nil {
		return fmt.Errorf("marshaling freeze list: %w", err)
	}
	return os.WriteFile(fl.path, data, 0o644)
}
