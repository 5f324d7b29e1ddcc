package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/veritrail/veritrail/internal/audit"
)

// Filter narrows an entry query. Zero values mean "no constraint".
// Action supports a trailing-star pattern such as "consent.*"; every
// other field matches exactly.
type Filter struct {
	TenantID   string
	ActorID    string
	Action     string
	Resource   string
	ResourceID string
	SessionID  string
	Since      time.Time
	Until      time.Time
	FromSeq    uint64
	ToSeq      uint64
	Descending bool
}

// Page drives cursor pagination. Cursor is the seq of the last entry of
// the previous page (0 for the first page); Limit caps the page size.
type Page struct {
	Limit  int
	Cursor uint64
}

const (
	// DefaultPageLimit applies when a query asks for no explicit limit.
	DefaultPageLimit = 100
	// MaxPageLimit caps any single page.
	MaxPageLimit = 1000
)

// Query returns one page of entries matching the filter, newest or
// oldest first per Filter.Descending, plus the cursor for the next page.
// A zero next cursor means the listing is exhausted.
func (s *Store) Query(ctx context.Context, f Filter, p Page) ([]audit.Entry, uint64, error) {
	if f.TenantID == "" {
		return nil, 0, fmt.Errorf("query: %w", audit.ErrMissingTenantScope)
	}

	limit := p.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	query := `SELECT ` + entryColumns + ` FROM audit_entries WHERE tenant_id = ?`
	args := []any{f.TenantID}

	if f.ActorID != "" {
		query += ` AND actor_id = ?`
		args = append(args, f.ActorID)
	}
	if f.Action != "" {
		if pattern, ok := likePattern(f.Action); ok {
			query += ` AND action LIKE ? ESCAPE '\'`
			args = append(args, pattern)
		} else {
			query += ` AND action = ?`
			args = append(args, f.Action)
		}
	}
	if f.Resource != "" {
		query += ` AND resource = ?`
		args = append(args, f.Resource)
	}
	if f.ResourceID != "" {
		query += ` AND resource_id = ?`
		args = append(args, f.ResourceID)
	}
	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if !f.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, formatTime(f.Until))
	}
	if f.FromSeq > 0 {
		query += ` AND seq >= ?`
		args = append(args, f.FromSeq)
	}
	if f.ToSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, f.ToSeq)
	}

	if f.Descending {
		if p.Cursor > 0 {
			query += ` AND seq < ?`
			args = append(args, p.Cursor)
		}
		query += ` ORDER BY seq DESC`
	} else {
		if p.Cursor > 0 {
			query += ` AND seq > ?`
			args = append(args, p.Cursor)
		}
		query += ` ORDER BY seq ASC`
	}

	// One extra row tells us whether another page exists.
	query += ` LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying entries for %q: %w", f.TenantID, err)
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}

	var next uint64
	if len(entries) > limit {
		entries = entries[:limit]
		next = entries[len(entries)-1].Seq
	}
	return entries, next, nil
}

// likePattern translates a trailing-star action pattern into a SQL LIKE
// pattern. Only the trailing star form is supported here; richer glob
// matching lives in the anomaly scanner.
func likePattern(action string) (string, bool) {
	if !strings.HasSuffix(action, "*") {
		return "", false
	}
	prefix := strings.TrimSuffix(action, "*")
	escaped := strings.NewReplacer(`%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%", true
}
