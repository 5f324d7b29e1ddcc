package chain

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/veritrail/veritrail/internal/audit"
	"github.com/veritrail/veritrail/internal/store"
)

// testClock hands out strictly increasing timestamps unless rewound.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *testClock) rewind(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(-d)
}

func newTestAppender(t *testing.T) (*Appender, *store.Store, *testClock) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	clock := newTestClock()
	a := NewAppenderWithClock(s, clock.now)
	return a, s, clock
}

func candidate(tenantID string) audit.Entry {
	return audit.Entry{
		TenantID:  tenantID,
		ActorID:   "user-1",
		ActorRole: audit.RoleUser,
		Action:    "consent.granted",
		Resource:  "consent",
		Details:   map[string]any{"summary": "granted marketing consent"},
	}
}

func TestAppend_FirstEntryStartsChain(t *testing.T) {
	a, s, _ := newTestAppender(t)
	ctx := context.Background()

	e, err := a.Append(ctx, candidate("acme"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if e.Seq != 1 {
		t.Errorf("expected seq 1, got %d", e.Seq)
	}
	if e.ID == "" {
		t.Error("expected an assigned id")
	}

	head, err := s.Head(ctx, "acme")
	if err != nil {
		t.Fatalf("reading head: %v", err)
	}
	if e.PrevHash != audit.GenesisHash(head.GenesisSalt) {
		t.Errorf("first entry should link to the genesis hash, got %q", e.PrevHash)
	}
	if head.LastHash != e.EntryHash {
		t.Errorf("head should point at the new entry")
	}

	recomputed, err := audit.ComputeEntryHash(&e)
	if err != nil {
		t.Fatalf("recomputing hash: %v", err)
	}
	if recomputed != e.EntryHash {
		t.Errorf("stored hash %q does not match recomputed %q", e.EntryHash, recomputed)
	}
}

func TestAppend_LinksSequentially(t *testing.T) {
	a, _, _ := newTestAppender(t)
	ctx := context.Background()

	var prev audit.Entry
	for i := 1; i <= 4; i++ {
		e, err := a.Append(ctx, candidate("acme"))
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		if e.Seq != uint64(i) {
			t.Errorf("expected seq %d, got %d", i, e.Seq)
		}
		if i > 1 {
			if e.PrevHash != prev.EntryHash {
				t.Errorf("entry %d does not link to predecessor", i)
			}
			if e.Timestamp.Before(prev.Timestamp) {
				t.Errorf("entry %d timestamp regressed", i)
			}
		}
		prev = e
	}
}

func TestAppend_ClockRegressionRejected(t *testing.T) {
	a, s, clock := newTestAppender(t)
	ctx := context.Background()

	if _, err := a.Append(ctx, candidate("acme")); err != nil {
		t.Fatalf("first append failed: %v", err)
	}

	clock.rewind(time.Hour)
	_, err := a.Append(ctx, candidate("acme"))
	if !errors.Is(err, audit.ErrClockRegression) {
		t.Fatalf("expected ErrClockRegression, got %v", err)
	}

	head, _ := s.Head(ctx, "acme")
	if head.LastSeq != 1 {
		t.Errorf("rejected append must not move the head, got seq %d", head.LastSeq)
	}

	// Once the clock catches up, appends resume.
	clock.rewind(-2 * time.Hour)
	if _, err := a.Append(ctx, candidate("acme")); err != nil {
		t.Errorf("append after clock recovery failed: %v", err)
	}
}

func TestAppend_EqualTimestampAllowed(t *testing.T) {
	a, _, clock := newTestAppender(t)
	ctx := context.Background()

	if _, err := a.Append(ctx, candidate("acme")); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	// The next tick lands exactly on the head timestamp.
	clock.rewind(time.Second)
	if _, err := a.Append(ctx, candidate("acme")); err != nil {
		t.Errorf("append with equal timestamp failed: %v", err)
	}
}

func TestAppend_RejectsInvalidCandidate(t *testing.T) {
	a, _, _ := newTestAppender(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		modify func(e *audit.Entry)
	}{
		{"missing tenant", func(e *audit.Entry) { e.TenantID = "" }},
		{"missing actor", func(e *audit.Entry) { e.ActorID = "" }},
		{"unknown role", func(e *audit.Entry) { e.ActorRole = "root" }},
		{"bad action", func(e *audit.Entry) { e.Action = "Consent Granted" }},
		{"missing resource", func(e *audit.Entry) { e.Resource = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := candidate("acme")
			tc.modify(&c)
			if _, err := a.Append(ctx, c); !errors.Is(err, audit.ErrInvalidEntry) {
				t.Errorf("expected ErrInvalidEntry, got %v", err)
			}
		})
	}
}

func TestAppend_TenantsDoNotInterleave(t *testing.T) {
	a, s, _ := newTestAppender(t)
	ctx := context.Background()

	const perTenant = 8
	tenants := []string{"acme", "beta", "gamma"}

	var wg sync.WaitGroup
	errs := make(chan error, len(tenants)*perTenant)
	for _, tenantID := range tenants {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < perTenant; i++ {
				if _, err := a.Append(ctx, candidate(id)); err != nil {
					errs <- fmt.Errorf("%s: %w", id, err)
				}
			}
		}(tenantID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent append failed: %v", err)
	}

	for _, tenantID := range tenants {
		head, err := s.Head(ctx, tenantID)
		if err != nil {
			t.Fatalf("reading head for %s: %v", tenantID, err)
		}
		if head.LastSeq != perTenant {
			t.Errorf("%s: expected %d entries, got %d", tenantID, perTenant, head.LastSeq)
		}
		entries, err := s.EntriesRange(ctx, tenantID, 1, perTenant)
		if err != nil {
			t.Fatalf("reading entries for %s: %v", tenantID, err)
		}
		prev := audit.GenesisHash(head.GenesisSalt)
		for i, e := range entries {
			if e.Seq != uint64(i+1) {
				t.Errorf("%s: gap at position %d", tenantID, i)
			}
			if e.PrevHash != prev {
				t.Errorf("%s: broken link at seq %d", tenantID, e.Seq)
			}
			prev = e.EntryHash
		}
	}
}

func TestAppend_SameTenantSerialized(t *testing.T) {
	a, s, _ := newTestAppender(t)
	ctx := context.Background()

	const writers = 4
	const each = 5
	var wg sync.WaitGroup
	errs := make(chan error, writers*each)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if _, err := a.Append(ctx, candidate("acme")); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent same-tenant append failed: %v", err)
	}

	head, _ := s.Head(ctx, "acme")
	if head.LastSeq != writers*each {
		t.Errorf("expected %d appends to commit, got %d", writers*each, head.LastSeq)
	}
}
