// Package chain appends entries to per-tenant hash chains and verifies
// them. The appender is the only writer of new entries; the verifier
// walks stored chains and recomputes what the appender promised.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veritrail/veritrail/internal/audit"
	"github.com/veritrail/veritrail/internal/store"
)

// Appender builds chain entries and commits them through the store.
// Appends for the same tenant are serialized; different tenants append
// in parallel.
type Appender struct {
	store *store.Store
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAppender wires an appender to its store.
func NewAppender(s *store.Store) *Appender {
	return NewAppenderWithClock(s, time.Now)
}

// NewAppenderWithClock wires an appender with an explicit clock.
func NewAppenderWithClock(s *store.Store, now func() time.Time) *Appender {
	return &Appender{
		store: s,
		now:   now,
		locks: make(map[string]*sync.Mutex),
	}
}

func (a *Appender) lockFor(tenantID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[tenantID] = l
	}
	return l
}

// Append validates the candidate, assigns its chain position and commits
// it. The caller fills the event fields (tenant, actor, action, resource,
// details, request metadata); Append owns ID, Seq, Timestamp, PrevHash
// and EntryHash.
//
// The entry's timestamp is taken from the server clock at append time. A
// clock running behind the tenant's last entry rejects the append with
// audit.ErrClockRegression instead of writing a non-monotonic timestamp.
func (a *Appender) Append(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	if err := audit.ValidateCandidate(&e); err != nil {
		return audit.Entry{}, err
	}

	lock := a.lockFor(e.TenantID)
	lock.Lock()
	defer lock.Unlock()

	head, err := a.store.Head(ctx, e.TenantID)
	if errors.Is(err, audit.ErrNotFound) {
		head, err = a.initChain(ctx, e.TenantID)
	}
	if err != nil {
		return audit.Entry{}, err
	}

	ts := a.now().UTC()
	if ts.Before(head.LastTimestamp) {
		slog.Warn("append rejected, server clock behind chain head",
			"tenant", e.TenantID, "clock", ts, "head", head.LastTimestamp)
		return audit.Entry{}, fmt.Errorf("clock %s behind head %s for tenant %q: %w",
			ts.Format(time.RFC3339Nano), head.LastTimestamp.Format(time.RFC3339Nano),
			e.TenantID, audit.ErrClockRegression)
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Seq = head.LastSeq + 1
	e.Timestamp = ts
	e.PrevHash = head.LastHash
	e.SealedBatchID = ""

	hash, err := audit.ComputeEntryHash(&e)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("%w: %v", audit.ErrAppendAborted, err)
	}
	e.EntryHash = hash

	if err := a.store.AppendEntry(ctx, &e); err != nil {
		return audit.Entry{}, err
	}
	return e, nil
}

// initChain creates the genesis head for a tenant's first entry.
func (a *Appender) initChain(ctx context.Context, tenantID string) (audit.ChainHead, error) {
	salt, err := audit.NewGenesisSalt()
	if err != nil {
		return audit.ChainHead{}, fmt.Errorf("starting chain for %q: %w", tenantID, err)
	}
	head := audit.GenesisHead(tenantID, salt, a.now().UTC())
	created, err := a.store.CreateHead(ctx, head)
	if err != nil {
		return audit.ChainHead{}, err
	}
	slog.Info("started audit chain", "tenant", tenantID, "genesis", audit.ShortHash(created.LastHash))
	return created, nil
}
