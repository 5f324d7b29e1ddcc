package scan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/veritrail/veritrail/internal/audit"
)

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan_rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing rules file: %v", err)
	}
	return path
}

func TestLoadRules_MissingFileYieldsDefaults(t *testing.T) {
	rs, err := LoadRules(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("expected defaults for missing file, got %v", err)
	}
	if len(rs.Custom) != 0 {
		t.Errorf("expected no custom rules, got %d", len(rs.Custom))
	}
	for _, name := range []string{DetectorChainIntegrity, DetectorDeniedBurst, DetectorOffHoursAdmin, DetectorBulkDataAccess} {
		if !rs.BuiltinEnabled(name) {
			t.Errorf("expected %s enabled by default", name)
		}
	}
}

func TestLoadRules_ParsesScalarAndListForms(t *testing.T) {
	path := writeRules(t, `
rules:
  - name: single
    match:
      action: "user.*"
    severity: warning
  - name: multi
    match:
      action: ["consent.*", "data.*"]
      role: [admin, superadmin]
      resource: "record"
      per_actor: true
    threshold: 3
    window_minutes: 30
    severity: error
    message: suspicious pattern
builtin:
  off_hours_admin: false
`)
	rs, err := LoadRules(path)
	if err != nil {
		t.Fatalf("loading rules: %v", err)
	}
	if len(rs.Custom) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rs.Custom))
	}
	if got := rs.Custom[0].Match.Action; len(got) != 1 || got[0] != "user.*" {
		t.Errorf("scalar action parsed wrong: %v", got)
	}
	if got := rs.Custom[1].Match.Action; len(got) != 2 {
		t.Errorf("list action parsed wrong: %v", got)
	}
	if !rs.Custom[1].Match.PerActor || rs.Custom[1].Threshold != 3 || rs.Custom[1].WindowMin != 30 {
		t.Errorf("rule fields parsed wrong: %+v", rs.Custom[1])
	}
	if rs.BuiltinEnabled(DetectorOffHoursAdmin) {
		t.Error("expected off_hours_admin disabled")
	}
	if !rs.BuiltinEnabled(DetectorDeniedBurst) {
		t.Error("detectors missing from the toggle map should stay enabled")
	}
}

func TestLoadRules_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad glob", "rules:\n  - name: r\n    match:\n      action: \"[\"\n    severity: info\n"},
		{"bad severity", "rules:\n  - name: r\n    match:\n      action: \"x.*\"\n    severity: fatal\n"},
		{"bad role", "rules:\n  - name: r\n    match:\n      role: root\n    severity: info\n"},
		{"unnamed", "rules:\n  - match:\n      action: \"x\"\n    severity: info\n"},
		{"not yaml", "rules: [\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadRules(writeRules(t, tc.content)); err == nil {
				t.Error("expected a load error")
			}
		})
	}
}

func TestWriteDefaultRules_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan_rules.yaml")
	if err := WriteDefaultRules(path); err != nil {
		t.Fatalf("writing defaults: %v", err)
	}
	rs, err := LoadRules(path)
	if err != nil {
		t.Fatalf("loading written defaults: %v", err)
	}
	if len(rs.Custom) != 0 {
		t.Errorf("expected no custom rules in defaults, got %d", len(rs.Custom))
	}
	if !rs.BuiltinEnabled(DetectorChainIntegrity) {
		t.Error("expected builtin detectors enabled in defaults")
	}
}

func TestRuleMatches(t *testing.T) {
	rule := Rule{
		Name: "test",
		Match: RuleMatch{
			Action:   stringOrList{"consent.*", "user.deleted"},
			Role:     stringOrList{"admin"},
			Resource: stringOrList{"consent*"},
		},
		Severity: SeverityInfo,
	}
	if err := compileRule(&rule); err != nil {
		t.Fatalf("compiling rule: %v", err)
	}

	base := audit.Entry{
		ActorRole: audit.RoleAdmin,
		Action:    "consent.revoked",
		Resource:  "consent",
	}
	tests := []struct {
		name   string
		modify func(e *audit.Entry)
		want   bool
	}{
		{"all match", func(e *audit.Entry) {}, true},
		{"second action alternative", func(e *audit.Entry) { e.Action = "user.deleted" }, true},
		{"resource glob prefix", func(e *audit.Entry) { e.Resource = "consent_record" }, true},
		{"wrong action", func(e *audit.Entry) { e.Action = "auth.login" }, false},
		{"wrong role", func(e *audit.Entry) { e.ActorRole = audit.RoleUser }, false},
		{"wrong resource", func(e *audit.Entry) { e.Resource = "user" }, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := base
			tc.modify(&e)
			if got := rule.matches(&e); got != tc.want {
				t.Errorf("matches() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSeverityWeights(t *testing.T) {
	if SeverityCritical.weight() != 40 || SeverityError.weight() != 25 ||
		SeverityWarning.weight() != 10 || SeverityInfo.weight() != 3 {
		t.Error("severity weights changed; risk scores depend on them")
	}
}
