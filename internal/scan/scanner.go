package scan

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/veritrail/veritrail/internal/audit"
	"github.com/veritrail/veritrail/internal/chain"
	"github.com/veritrail/veritrail/internal/store"
)

// Config tunes the builtin detectors. Zero values select the defaults.
type Config struct {
	// WindowMinutes is how far back a scan looks. Default 24h.
	WindowMinutes int `yaml:"window_minutes"`
	// DeniedBurstThreshold fires denied_burst when one actor collects
	// this many denials inside DeniedBurstWindowMinutes. Defaults 5 / 15.
	DeniedBurstThreshold     int `yaml:"denied_burst_threshold"`
	DeniedBurstWindowMinutes int `yaml:"denied_burst_window_minutes"`
	// Business hours in UTC; admin activity outside [Start, End) counts
	// as off-hours. Defaults 8 and 18.
	BusinessStartHour int `yaml:"business_start_hour"`
	BusinessEndHour   int `yaml:"business_end_hour"`
	// OffHoursThreshold fires off_hours_admin per actor. Default 10.
	OffHoursThreshold int `yaml:"off_hours_threshold"`
	// BulkReadThreshold fires bulk_data_access per actor. Default 25.
	BulkReadThreshold int `yaml:"bulk_read_threshold"`
	// MaxEntries caps how many entries one scan loads. Default 10000.
	MaxEntries int `yaml:"max_entries"`
}

func (c Config) withDefaults() Config {
	if c.WindowMinutes <= 0 {
		c.WindowMinutes = 24 * 60
	}
	if c.DeniedBurstThreshold <= 0 {
		c.DeniedBurstThreshold = 5
	}
	if c.DeniedBurstWindowMinutes <= 0 {
		c.DeniedBurstWindowMinutes = 15
	}
	if c.BusinessStartHour <= 0 {
		c.BusinessStartHour = 8
	}
	if c.BusinessEndHour <= 0 {
		c.BusinessEndHour = 18
	}
	if c.OffHoursThreshold <= 0 {
		c.OffHoursThreshold = 10
	}
	if c.BulkReadThreshold <= 0 {
		c.BulkReadThreshold = 25
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10000
	}
	return c
}

// maxSeqSample caps how many entry seqs a finding carries.
const maxSeqSample = 10

// Finding is one detected anomaly.
type Finding struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Summary  string   `json:"summary"`
	Detail   string   `json:"detail,omitempty"`
	ActorID  string   `json:"actor_id,omitempty"`
	Count    int      `json:"count"`
	Seqs     []uint64 `json:"seqs,omitempty"`
}

// Report is the outcome of one tenant scan. RiskScore is the capped sum
// of finding severity weights, 0 meaning nothing suspicious.
type Report struct {
	TenantID   string    `json:"tenant_id"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Scanned    int       `json:"scanned"`
	Findings   []Finding `json:"findings,omitempty"`
	RiskScore  int       `json:"risk_score"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Scanner runs the anomaly detectors over recent entries. It reads
// through the store only and never blocks appends.
type Scanner struct {
	store *store.Store
	ver   *chain.Verifier
	cfg   Config
	now   func() time.Time

	mu    sync.RWMutex
	rules *RuleSet
}

// NewScanner wires a scanner. rules may be nil for builtin-only scans.
func NewScanner(s *store.Store, ver *chain.Verifier, rules *RuleSet, cfg Config) *Scanner {
	return &Scanner{
		store: s,
		ver:   ver,
		rules: rules,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
}

// SetRules swaps the rule set, for hot reload. In-flight scans keep
// the set they started with.
func (s *Scanner) SetRules(rules *RuleSet) {
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
}

func (s *Scanner) ruleSet() *RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

// Scan inspects one tenant's recent window and reports findings.
func (s *Scanner) Scan(ctx context.Context, tenantID string) (Report, error) {
	started := s.now().UTC()
	if tenantID == "" {
		return Report{}, fmt.Errorf("scan: %w", audit.ErrMissingTenantScope)
	}

	to := started
	from := to.Add(-time.Duration(s.cfg.WindowMinutes) * time.Minute)
	report := Report{
		TenantID:  tenantID,
		From:      from,
		To:        to,
		StartedAt: started,
	}

	rules := s.ruleSet()

	// Chain verification failures are anomalies of the highest order.
	if rules.BuiltinEnabled(DetectorChainIntegrity) {
		res, err := s.ver.Verify(ctx, tenantID, chain.Params{})
		if err != nil {
			return Report{}, fmt.Errorf("scan: verifying chain: %w", err)
		}
		if !res.Valid {
			report.Findings = append(report.Findings, integrityFinding(res))
		}
	}

	entries, err := s.loadWindow(ctx, tenantID, from, to)
	if err != nil {
		return Report{}, err
	}
	report.Scanned = len(entries)

	if rules.BuiltinEnabled(DetectorDeniedBurst) {
		report.Findings = append(report.Findings, s.detectDeniedBursts(entries)...)
	}
	if rules.BuiltinEnabled(DetectorOffHoursAdmin) {
		report.Findings = append(report.Findings, s.detectOffHoursAdmin(entries)...)
	}
	if rules.BuiltinEnabled(DetectorBulkDataAccess) {
		report.Findings = append(report.Findings, s.detectBulkReads(entries)...)
	}
	if rules != nil {
		report.Findings = append(report.Findings, s.evalCustomRules(rules, entries, to)...)
	}

	sort.SliceStable(report.Findings, func(i, j int) bool {
		return report.Findings[i].Severity.weight() > report.Findings[j].Severity.weight()
	})
	for _, f := range report.Findings {
		report.RiskScore += f.Severity.weight()
	}
	if report.RiskScore > 100 {
		report.RiskScore = 100
	}

	report.DurationMS = time.Since(started).Milliseconds()
	slog.Info("anomaly scan finished",
		"tenant", tenantID, "scanned", report.Scanned,
		"findings", len(report.Findings), "risk_score", report.RiskScore)
	return report, nil
}

// ScanAll scans every tenant.
func (s *Scanner) ScanAll(ctx context.Context) ([]Report, error) {
	tenants, err := s.store.Tenants(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]Report, 0, len(tenants))
	for _, tenantID := range tenants {
		r, err := s.Scan(ctx, tenantID)
		if err != nil {
			return reports, fmt.Errorf("scanning tenant %q: %w", tenantID, err)
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// loadWindow pages through the window's entries, oldest first.
func (s *Scanner) loadWindow(ctx context.Context, tenantID string, from, to time.Time) ([]audit.Entry, error) {
	var entries []audit.Entry
	var cursor uint64
	for len(entries) < s.cfg.MaxEntries {
		page, next, err := s.store.Query(ctx,
			store.Filter{TenantID: tenantID, Since: from, Until: to},
			store.Page{Limit: store.DefaultPageLimit, Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("scan: loading entries: %w", err)
		}
		entries = append(entries, page...)
		if next == 0 {
			break
		}
		cursor = next
	}
	if len(entries) > s.cfg.MaxEntries {
		entries = entries[len(entries)-s.cfg.MaxEntries:]
	}
	return entries, nil
}

func integrityFinding(res chain.Result) Finding {
	seqs := make([]uint64, 0, maxSeqSample)
	classes := make(map[string]int)
	for _, b := range res.Breaks {
		if len(seqs) < maxSeqSample {
			seqs = append(seqs, b.Seq)
		}
		classes[b.Classification]++
	}
	parts := make([]string, 0, len(classes))
	for class, n := range classes {
		parts = append(parts, fmt.Sprintf("%s x%d", class, n))
	}
	sort.Strings(parts)
	return Finding{
		Rule:     DetectorChainIntegrity,
		Severity: SeverityCritical,
		Summary:  "chain verification failed",
		Detail:   strings.Join(parts, ", "),
		Count:    len(res.Breaks),
		Seqs:     seqs,
	}
}

func isDenial(action string) bool {
	return action == "audit.access_denied" || strings.HasSuffix(action, ".denied")
}

// detectDeniedBursts slides a window over each actor's denials and fires
// when any window holds the threshold.
func (s *Scanner) detectDeniedBursts(entries []audit.Entry) []Finding {
	window := time.Duration(s.cfg.DeniedBurstWindowMinutes) * time.Minute
	byActor := make(map[string][]audit.Entry)
	for _, e := range entries {
		if isDenial(e.Action) {
			byActor[e.ActorID] = append(byActor[e.ActorID], e)
		}
	}

	var findings []Finding
	for _, actor := range sortedKeys(byActor) {
		denials := byActor[actor]
		best, bestStart := 0, 0
		lo := 0
		for hi := range denials {
			for denials[hi].Timestamp.Sub(denials[lo].Timestamp) > window {
				lo++
			}
			if n := hi - lo + 1; n > best {
				best, bestStart = n, lo
			}
		}
		if best >= s.cfg.DeniedBurstThreshold {
			findings = append(findings, Finding{
				Rule:     DetectorDeniedBurst,
				Severity: SeverityError,
				Summary:  fmt.Sprintf("%d access denials within %s", best, window),
				ActorID:  actor,
				Count:    best,
				Seqs:     sampleSeqs(denials[bestStart:]),
			})
		}
	}
	return findings
}

func (s *Scanner) offHours(t time.Time) bool {
	h := t.UTC().Hour()
	return h < s.cfg.BusinessStartHour || h >= s.cfg.BusinessEndHour
}

// detectOffHoursAdmin counts admin and superadmin actions outside
// business hours, per actor.
func (s *Scanner) detectOffHoursAdmin(entries []audit.Entry) []Finding {
	byActor := make(map[string][]audit.Entry)
	for _, e := range entries {
		if e.ActorRole != audit.RoleAdmin && e.ActorRole != audit.RoleSuperadmin {
			continue
		}
		if s.offHours(e.Timestamp) {
			byActor[e.ActorID] = append(byActor[e.ActorID], e)
		}
	}

	var findings []Finding
	for _, actor := range sortedKeys(byActor) {
		hits := byActor[actor]
		if len(hits) >= s.cfg.OffHoursThreshold {
			findings = append(findings, Finding{
				Rule:     DetectorOffHoursAdmin,
				Severity: SeverityWarning,
				Summary: fmt.Sprintf("%d administrative actions outside %02d:00-%02d:00 UTC",
					len(hits), s.cfg.BusinessStartHour, s.cfg.BusinessEndHour),
				ActorID: actor,
				Count:   len(hits),
				Seqs:    sampleSeqs(hits),
			})
		}
	}
	return findings
}

func isDataRead(e *audit.Entry) bool {
	if class, _ := audit.ClassifyAction(e.Action); class == "data" {
		return true
	}
	return strings.HasSuffix(e.Action, ".read") ||
		strings.HasSuffix(e.Action, ".viewed") ||
		strings.HasSuffix(e.Action, ".exported")
}

// detectBulkReads counts data accesses per actor.
func (s *Scanner) detectBulkReads(entries []audit.Entry) []Finding {
	byActor := make(map[string][]audit.Entry)
	for i := range entries {
		if isDataRead(&entries[i]) {
			byActor[entries[i].ActorID] = append(byActor[entries[i].ActorID], entries[i])
		}
	}

	var findings []Finding
	for _, actor := range sortedKeys(byActor) {
		hits := byActor[actor]
		if len(hits) < s.cfg.BulkReadThreshold {
			continue
		}
		offHours := 0
		for _, e := range hits {
			if s.offHours(e.Timestamp) {
				offHours++
			}
		}
		severity := SeverityWarning
		detail := ""
		if offHours*2 > len(hits) {
			severity = SeverityError
			detail = fmt.Sprintf("%d of %d accesses outside business hours", offHours, len(hits))
		}
		findings = append(findings, Finding{
			Rule:     DetectorBulkDataAccess,
			Severity: severity,
			Summary:  fmt.Sprintf("%d data accesses in scan window", len(hits)),
			Detail:   detail,
			ActorID:  actor,
			Count:    len(hits),
			Seqs:     sampleSeqs(hits),
		})
	}
	return findings
}

// evalCustomRules counts matches per rule, optionally per actor, inside
// the rule's own window.
func (s *Scanner) evalCustomRules(rules *RuleSet, entries []audit.Entry, to time.Time) []Finding {
	var findings []Finding
	for i := range rules.Custom {
		rule := &rules.Custom[i]
		threshold := rule.Threshold
		if threshold <= 0 {
			threshold = 1
		}
		cutoff := time.Time{}
		if rule.WindowMin > 0 {
			cutoff = to.Add(-time.Duration(rule.WindowMin) * time.Minute)
		}

		matched := make(map[string][]audit.Entry)
		for j := range entries {
			e := &entries[j]
			if !cutoff.IsZero() && e.Timestamp.Before(cutoff) {
				continue
			}
			if !rule.matches(e) {
				continue
			}
			key := ""
			if rule.Match.PerActor {
				key = e.ActorID
			}
			matched[key] = append(matched[key], *e)
		}

		for _, key := range sortedKeys(matched) {
			hits := matched[key]
			if len(hits) < threshold {
				continue
			}
			summary := rule.Message
			if summary == "" {
				summary = fmt.Sprintf("rule %s matched %d entries", rule.Name, len(hits))
			}
			findings = append(findings, Finding{
				Rule:     "custom:" + rule.Name,
				Severity: rule.Severity,
				Summary:  summary,
				ActorID:  key,
				Count:    len(hits),
				Seqs:     sampleSeqs(hits),
			})
		}
	}
	return findings
}

func sampleSeqs(entries []audit.Entry) []uint64 {
	n := len(entries)
	if n > maxSeqSample {
		n = maxSeqSample
	}
	seqs := make([]uint64, 0, n)
	for _, e := range entries[:n] {
		seqs = append(seqs, e.Seq)
	}
	return seqs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
