package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/veritrail/veritrail/internal/audit"
	"github.com/veritrail/veritrail/internal/store"
)

const followInterval = 500 * time.Millisecond

// Export writes the tenant's hot entries to w in the requested format.
// json emits one indented array, jsonl one object per line, csv a header
// row plus one row per entry.
func (s *Service) Export(ctx context.Context, actor Actor, tenantID string, w io.Writer, format string) error {
	t, err := s.resolveScope(ctx, actor, tenantID, "export")
	if err != nil {
		return err
	}
	entries, err := s.allEntries(ctx, t)
	if err != nil {
		return err
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		defer cw.Flush()
		if err := cw.Write([]string{
			"seq", "id", "timestamp", "actor_id", "actor_role", "action",
			"resource", "resource_id", "ip_address", "session_id",
			"prev_hash", "entry_hash", "sealed_batch_id",
		}); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write([]string{
				strconv.FormatUint(e.Seq, 10),
				e.ID,
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				e.ActorID,
				string(e.ActorRole),
				e.Action,
				e.Resource,
				e.ResourceID,
				e.IPAddress,
				e.SessionID,
				e.PrevHash,
				e.EntryHash,
				e.SealedBatchID,
			}); err != nil {
				return err
			}
		}
		return nil

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for i := range entries {
			if err := enc.Encode(&entries[i]); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}

// allEntries walks the tenant's hot chain in pages, oldest first.
func (s *Service) allEntries(ctx context.Context, tenantID string) ([]audit.Entry, error) {
	var (
		out    []audit.Entry
		cursor uint64
	)
	for {
		page, next, err := s.store.Query(ctx, store.Filter{TenantID: tenantID},
			store.Page{Limit: store.MaxPageLimit, Cursor: cursor})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// Follow watches one tenant's chain and calls fn for each new entry, in
// order. Blocks until the context is cancelled. Similar to tail -f for
// the audit log; the CLI uses it, the websocket feed has its own push
// path.
func (s *Service) Follow(ctx context.Context, tenantID string, fn func(audit.Entry)) error {
	if tenantID == "" {
		return fmt.Errorf("follow: %w", audit.ErrMissingTenantScope)
	}

	// Polling keeps this simple and reliable; new entries surface within
	// one tick.
	lastSeq := uint64(0)
	if head, err := s.store.Head(ctx, tenantID); err == nil {
		lastSeq = head.LastSeq
	} else if !errors.Is(err, audit.ErrNotFound) {
		return err
	}

	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			head, err := s.store.Head(ctx, tenantID)
			if err != nil {
				if errors.Is(err, audit.ErrNotFound) {
					continue // chain not started yet
				}
				slog.Error("follow: reading chain head", "tenant", tenantID, "error", err)
				continue
			}
			if head.LastSeq <= lastSeq {
				continue
			}
			entries, err := s.store.EntriesRange(ctx, tenantID, lastSeq+1, head.LastSeq)
			if err != nil {
				slog.Error("follow: reading entries", "tenant", tenantID, "error", err)
				continue
			}
			for _, e := range entries {
				fn(e)
				if e.Seq > lastSeq {
					lastSeq = e.Seq
				}
			}
		}
	}
}
