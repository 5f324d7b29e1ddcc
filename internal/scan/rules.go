// Package scan inspects recent audit activity for suspicious patterns:
// broken chains, bursts of denied access, off-hours administrator
// activity, bulk data reads, plus operator-defined pattern rules loaded
// from scan_rules.yaml.
package scan

import (
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/veritrail/veritrail/internal/audit"
)

// Severity grades a finding. The report's risk score is the capped sum
// of finding weights.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Valid reports whether s is one of the defined severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityError, SeverityWarning, SeverityInfo:
		return true
	}
	return false
}

func (s Severity) weight() int {
	switch s {
	case SeverityCritical:
		return 40
	case SeverityError:
		return 25
	case SeverityWarning:
		return 10
	default:
		return 3
	}
}

// Rule is one operator-defined anomaly pattern. A rule fires when at
// least Threshold entries match inside the rule's window.
type Rule struct {
	Name      string    `yaml:"name"`
	Match     RuleMatch `yaml:"match"`
	Threshold int       `yaml:"threshold"`      // default 1
	WindowMin int       `yaml:"window_minutes"` // 0 means the whole scan window
	Severity  Severity  `yaml:"severity"`
	Message   string    `yaml:"message"`

	compiled *compiledMatcher
}

// RuleMatch is the condition side of a rule. All non-empty fields must
// match (AND logic); within a list any value matching suffices (OR).
type RuleMatch struct {
	Action   stringOrList `yaml:"action"`   // glob patterns
	Role     stringOrList `yaml:"role"`     // exact role names
	Resource stringOrList `yaml:"resource"` // glob patterns
	PerActor bool         `yaml:"per_actor"`
}

// stringOrList handles YAML fields that can be either a single string
// or a list of strings:
//
//	action: "consent.*"
//	action: ["consent.*", "user.deleted"]
type stringOrList []string

// UnmarshalYAML accepts both scalar and sequence forms.
func (s *stringOrList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = []string{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("expected string or list, got %v", value.Kind)
	}
}

// compiledMatcher holds the rule's pre-compiled glob patterns. Compiling
// once at load time keeps per-entry evaluation cheap.
type compiledMatcher struct {
	actionGlobs   []glob.Glob
	resourceGlobs []glob.Glob
	roles         map[audit.Role]struct{}
}

func compileRule(r *Rule) error {
	if r.Name == "" {
		return fmt.Errorf("rule without a name")
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("rule %q: unknown severity %q", r.Name, r.Severity)
	}
	if r.Threshold < 0 || r.WindowMin < 0 {
		return fmt.Errorf("rule %q: negative threshold or window", r.Name)
	}

	c := &compiledMatcher{}
	for _, p := range r.Match.Action {
		g, err := glob.Compile(p)
		if err != nil {
			return fmt.Errorf("rule %q: invalid action glob %q: %w", r.Name, p, err)
		}
		c.actionGlobs = append(c.actionGlobs, g)
	}
	for _, p := range r.Match.Resource {
		g, err := glob.Compile(p)
		if err != nil {
			return fmt.Errorf("rule %q: invalid resource glob %q: %w", r.Name, p, err)
		}
		c.resourceGlobs = append(c.resourceGlobs, g)
	}
	if len(r.Match.Role) > 0 {
		c.roles = make(map[audit.Role]struct{}, len(r.Match.Role))
		for _, role := range r.Match.Role {
			rr := audit.Role(role)
			if !rr.Valid() {
				return fmt.Errorf("rule %q: unknown role %q", r.Name, role)
			}
			c.roles[rr] = struct{}{}
		}
	}
	r.compiled = c
	return nil
}

// matches checks one entry against the rule's conditions.
func (r *Rule) matches(e *audit.Entry) bool {
	m := r.compiled
	if m == nil {
		return false
	}
	if len(m.actionGlobs) > 0 {
		matched := false
		for _, g := range m.actionGlobs {
			if g.Match(e.Action) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(m.resourceGlobs) > 0 {
		matched := false
		for _, g := range m.resourceGlobs {
			if g.Match(e.Resource) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if m.roles != nil {
		if _, ok := m.roles[e.ActorRole]; !ok {
			return false
		}
	}
	return true
}

// Builtin detector names, for the builtin toggle map in scan_rules.yaml.
const (
	DetectorChainIntegrity = "chain_integrity"
	DetectorDeniedBurst    = "denied_burst"
	DetectorOffHoursAdmin  = "off_hours_admin"
	DetectorBulkDataAccess = "bulk_data_access"
)

func defaultBuiltinToggles() map[string]bool {
	return map[string]bool{
		DetectorChainIntegrity: true,
		DetectorDeniedBurst:    true,
		DetectorOffHoursAdmin:  true,
		DetectorBulkDataAccess: true,
	}
}

// RuleSet is the loaded rule configuration: custom rules plus the
// enable/disable toggles for the builtin detectors.
type RuleSet struct {
	Custom  []Rule
	Builtin map[string]bool
}

// BuiltinEnabled reports whether a builtin detector is on. Detectors
// missing from the toggle map default to enabled.
func (rs *RuleSet) BuiltinEnabled(name string) bool {
	if rs == nil || rs.Builtin == nil {
		return true
	}
	enabled, ok := rs.Builtin[name]
	if !ok {
		return true
	}
	return enabled
}

// rulesFile is the YAML envelope for scan_rules.yaml.
type rulesFile struct {
	Rules   []Rule          `yaml:"rules"`
	Builtin map[string]bool `yaml:"builtin"`
}

// LoadRules reads and compiles scan_rules.yaml. A missing file yields an
// empty rule set with every builtin detector enabled.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &RuleSet{Builtin: defaultBuiltinToggles()}, nil
		}
		return nil, fmt.Errorf("reading scan rules %s: %w", path, err)
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing scan rules %s: %w", path, err)
	}

	for i := range file.Rules {
		if err := compileRule(&file.Rules[i]); err != nil {
			return nil, fmt.Errorf("scan rules %s: %w", path, err)
		}
	}
	if file.Builtin == nil {
		file.Builtin = defaultBuiltinToggles()
	}
	return &RuleSet{Custom: file.Rules, Builtin: file.Builtin}, nil
}

// WriteDefaultRules writes a scan_rules.yaml with no custom rules and
// every builtin detector enabled. Used by first-run setup.
func WriteDefaultRules(path string) error {
	file := rulesFile{Builtin: defaultBuiltinToggles()}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling scan rules: %w", err)
	}
	header := "# veritrail anomaly scan rules\n" +
		"# Custom rules fire when `threshold` matching entries occur within\n" +
		"# `window_minutes`. Globs use * and ? wildcards.\n\n"
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}
