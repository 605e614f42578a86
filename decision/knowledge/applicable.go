package knowledge

import (
	"fmt"

	"quotegenius/pkg/api"
)

// ApplicableRuleSet is the ordered rule list for one customer, pinned to the
// rule set version it was resolved from.
type ApplicableRuleSet struct {
	Version    string     `json:"version"`
	CustomerID string     `json:"customer_id"`
	Rules      []api.Rule `json:"rules"`
}

// IDs returns the rule IDs in order.
func (s ApplicableRuleSet) IDs() []string {
	ids := make([]string, len(s.Rules))
	for i, r := range s.Rules {
		ids[i] = r.RuleID
	}
	return ids
}

// All returns every rule of kind whose material scope covers material, in order.
// Used for additive kinds such as documentation requirements.
func (s ApplicableRuleSet) All(kind api.PolicyKind, material string) []api.Rule {
	var out []api.Rule
	for _, r := range s.Rules {
		if r.Kind() == kind && r.AppliesToMaterial(material) {
			out = append(out, r)
		}
	}
	return out
}

// Effective resolves the single rule governing kind for material.
//
// Customer-specific rules override general ones. Among several candidates at the
// same scope, a rule scoped to the material wins over an unscoped one, and
// otherwise the later-defined rule wins. Any such choice is returned as a
// RuleConflict so the caller can log and record it.
func (s ApplicableRuleSet) Effective(kind api.PolicyKind, material string) (api.Rule, *api.RuleConflict, bool) {
	var general, custom []api.Rule
	for _, r := range s.All(kind, material) {
		if r.IsCustomerSpecific() {
			custom = append(custom, r)
		} else {
			general = append(general, r)
		}
	}

	candidates := custom
	if len(candidates) == 0 {
		candidates = general
	}
	if len(candidates) == 0 {
		return api.Rule{}, nil, false
	}

	winner := candidates[0]
	for _, r := range candidates[1:] {
		if r.MaterialScoped() || !winner.MaterialScoped() {
			winner = r
		}
	}

	if len(candidates) == 1 {
		return winner, nil, true
	}

	conflict := &api.RuleConflict{Kind: kind, WinnerID: winner.RuleID}
	for _, r := range candidates {
		if r.RuleID != winner.RuleID {
			conflict.Overridden = append(conflict.Overridden, r.RuleID)
		}
	}
	if winner.MaterialScoped() {
		conflict.Reason = fmt.Sprintf("%s is scoped to material %q", winner.RuleID, winner.Params.Material)
	} else {
		conflict.Reason = fmt.Sprintf("%s is the most recently defined", winner.RuleID)
	}
	return winner, conflict, true
}
