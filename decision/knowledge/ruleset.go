// Package knowledge holds the versioned business rule set and resolves the
// rules that apply to one customer.
package knowledge

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"quotegenius/pkg/api"
)

//go:embed reference_rules.json
var referenceRules []byte

// ruleFile is the on-disk shape of a rule set.
type ruleFile struct {
	StandardRules []api.Rule `json:"standard_rules" yaml:"standard_rules"`
	CustomerRules []api.Rule `json:"customer_rules" yaml:"customer_rules"`
}

// RuleSet is an immutable, versioned collection of rules in definition order.
type RuleSet struct {
	Version    string
	General    []api.Rule
	ByCustomer map[string][]api.Rule
	size       int
}

// Reference returns the built-in rule set.
func Reference() *RuleSet {
	rs, err := ParseJSON(referenceRules)
	if err != nil {
		panic(fmt.Sprintf("reference rules: %v", err))
	}
	return rs
}

// LoadRuleSet reads a rule file, choosing the decoder by extension.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseJSON(data)
	}
}

// ParseJSON decodes a standard_rules/customer_rules document.
func ParseJSON(data []byte) (*RuleSet, error) {
	var f ruleFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	return build(f)
}

// ParseYAML decodes the YAML form of the same document.
func ParseYAML(data []byte) (*RuleSet, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	return build(f)
}

func build(f ruleFile) (*RuleSet, error) {
	rs := &RuleSet{ByCustomer: make(map[string][]api.Rule)}
	seen := make(map[string]bool)

	for _, r := range f.StandardRules {
		if r.RuleType == "" {
			r.RuleType = api.RuleTypeGeneral
		}
		if err := check(r, seen); err != nil {
			return nil, err
		}
		if r.IsCustomerSpecific() {
			return nil, fmt.Errorf("rule %s: standard rule cannot be customer-specific", r.RuleID)
		}
		rs.General = append(rs.General, r)
	}

	for _, r := range f.CustomerRules {
		if r.RuleType == "" {
			r.RuleType = api.RuleTypeCustomerSpecific
		}
		if err := check(r, seen); err != nil {
			return nil, err
		}
		if !r.IsCustomerSpecific() || r.CustomerID == "" {
			return nil, fmt.Errorf("rule %s: customer rule requires rule_type customer-specific and customer_id", r.RuleID)
		}
		rs.ByCustomer[r.CustomerID] = append(rs.ByCustomer[r.CustomerID], r)
	}

	rs.size = len(seen)
	rs.Version = fingerprint(f)
	return rs, nil
}

func check(r api.Rule, seen map[string]bool) error {
	if r.RuleID == "" {
		return fmt.Errorf("rule without rule_id")
	}
	if seen[r.RuleID] {
		return fmt.Errorf("duplicate rule_id %s", r.RuleID)
	}
	seen[r.RuleID] = true
	return nil
}

// fingerprint derives the version from the canonical JSON of the rule set so
// identical content always yields the same version.
func fingerprint(f ruleFile) string {
	body, _ := json.Marshal(f)
	sum := sha256.Sum256(body)
	return "rules-" + hex.EncodeToString(sum[:6])
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	return rs.size
}

// ApplicableRules returns general rules followed by the customer's rules,
// each in definition order. Unknown customers get the general rules only.
func (rs *RuleSet) ApplicableRules(customerID string) ApplicableRuleSet {
	custom := rs.ByCustomer[customerID]
	rules := make([]api.Rule, 0, len(rs.General)+len(custom))
	rules = append(rules, rs.General...)
	rules = append(rules, custom...)

	return ApplicableRuleSet{
		Version:    rs.Version,
		CustomerID: customerID,
		Rules:      rules,
	}
}
