// Package policy reviews finished quotes against governance policies before
// they are sent to a customer.
package policy

import (
	"fmt"

	"quotegenius/pkg/api"
)

// PolicyType defines the type of policy
type PolicyType string

const (
	PolicyTypeMinConfidence    PolicyType = "min_confidence"
	PolicyTypeMarginFloor      PolicyType = "margin_floor"
	PolicyTypeMaxTotal         PolicyType = "max_total"
	PolicyTypeApprovalRequired PolicyType = "approval_required"
	PolicyTypeRuleConflicts    PolicyType = "rule_conflicts"
)

// Severity defines policy violation severity
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Decision is the policy evaluation outcome
type Decision string

const (
	DecisionPass Decision = "pass"
	DecisionWarn Decision = "warn"
	DecisionDeny Decision = "deny"
)

// Policy defines a governance rule
type Policy struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Type        PolicyType `json:"type"`
	Severity    Severity   `json:"severity"`
	Threshold   float64    `json:"threshold"`
	Enabled     bool       `json:"enabled"`
}

// Violation represents a policy violation
type Violation struct {
	PolicyID   string `json:"policy_id"`
	PolicyName string `json:"policy_name"`
	Message    string `json:"message"`
	Severity   string `json:"severity"`
}

// Warning represents a policy warning
type Warning struct {
	PolicyID string `json:"policy_id"`
	Message  string `json:"message"`
}

// EvaluationResult contains the policy evaluation outcome
type EvaluationResult struct {
	Decision    Decision    `json:"decision"`
	Violations  []Violation `json:"violations"`
	Warnings    []Warning   `json:"warnings"`
	PoliciesRan int         `json:"policies_ran"`
}

// Engine evaluates policies against quotes
type Engine struct {
	policies []Policy
}

// NewEngine creates a policy engine with the default policies
func NewEngine() *Engine {
	return &Engine{policies: defaultPolicies()}
}

// AddPolicy adds a custom policy
func (e *Engine) AddPolicy(p Policy) *Engine {
	e.policies = append(e.policies, p)
	return e
}

// Policies returns the configured policies.
func (e *Engine) Policies() []Policy {
	out := make([]Policy, len(e.policies))
	copy(out, e.policies)
	return out
}

// Evaluate runs all enabled policies against quote. Error-severity violations
// deny; anything else flagged warns.
func (e *Engine) Evaluate(quote *api.FinalQuote) *EvaluationResult {
	result := &EvaluationResult{
		Decision:   DecisionPass,
		Violations: make([]Violation, 0),
		Warnings:   make([]Warning, 0),
	}

	for _, policy := range e.policies {
		if !policy.Enabled {
			continue
		}

		result.PoliciesRan++
		violation, warning := evaluatePolicy(policy, quote)

		if violation != nil {
			result.Violations = append(result.Violations, *violation)
			if policy.Severity == SeverityError {
				result.Decision = DecisionDeny
			} else if result.Decision != DecisionDeny {
				result.Decision = DecisionWarn
			}
		}

		if warning != nil {
			result.Warnings = append(result.Warnings, *warning)
			if result.Decision == DecisionPass {
				result.Decision = DecisionWarn
			}
		}
	}

	return result
}

func evaluatePolicy(p Policy, q *api.FinalQuote) (*Violation, *Warning) {
	violate := func(msg string) (*Violation, *Warning) {
		if p.Severity == SeverityError {
			return &Violation{PolicyID: p.ID, PolicyName: p.Name, Message: msg, Severity: string(p.Severity)}, nil
		}
		return nil, &Warning{PolicyID: p.ID, Message: msg}
	}

	switch p.Type {
	case PolicyTypeMinConfidence:
		if q.Confidence < p.Threshold {
			return violate(fmt.Sprintf("Quote confidence (%.0f%%) below threshold (%.0f%%)", q.Confidence*100, p.Threshold*100))
		}

	case PolicyTypeMarginFloor:
		if q.MarginEstimate < p.Threshold {
			return violate(fmt.Sprintf("Margin (%.1f%%) below floor (%.1f%%)", q.MarginEstimate*100, p.Threshold*100))
		}

	case PolicyTypeMaxTotal:
		if q.OptimizedTotal.InexactFloat64() > p.Threshold {
			return violate(fmt.Sprintf("Quoted total (%s) exceeds limit (%.2f)", q.OptimizedTotal.StringFixed(2), p.Threshold))
		}

	case PolicyTypeApprovalRequired:
		if q.Terms.RequiresApproval {
			return violate(fmt.Sprintf("Quote total %s requires management approval", q.Total.StringFixed(2)))
		}

	case PolicyTypeRuleConflicts:
		if len(q.RuleConflicts) > 0 {
			return violate(fmt.Sprintf("%d rule conflict(s) resolved automatically", len(q.RuleConflicts)))
		}
	}

	return nil, nil
}

func defaultPolicies() []Policy {
	return []Policy{
		{
			ID:          "default-confidence",
			Name:        "Minimum Confidence",
			Description: "Warn when quote confidence is below 50%",
			Type:        PolicyTypeMinConfidence,
			Severity:    SeverityWarning,
			Threshold:   0.5,
			Enabled:     true,
		},
		{
			ID:          "margin-floor",
			Name:        "No Loss-Making Quotes",
			Description: "Block quotes priced below cost",
			Type:        PolicyTypeMarginFloor,
			Severity:    SeverityError,
			Threshold:   0,
			Enabled:     true,
		},
		{
			ID:          "management-approval",
			Name:        "Management Approval",
			Description: "Flag quotes that need sign-off before sending",
			Type:        PolicyTypeApprovalRequired,
			Severity:    SeverityWarning,
			Enabled:     true,
		},
		{
			ID:          "rule-conflicts",
			Name:        "Rule Conflicts",
			Description: "Flag quotes whose rules overrode each other",
			Type:        PolicyTypeRuleConflicts,
			Severity:    SeverityWarning,
			Enabled:     true,
		},
	}
}
