package policy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"quotegenius/pkg/api"
)

func healthyQuote() *api.FinalQuote {
	return &api.FinalQuote{
		DraftQuote: api.DraftQuote{
			Total: decimal.RequireFromString("20000"),
		},
		OptimizedTotal: decimal.RequireFromString("19500"),
		MarginEstimate: 0.12,
		Confidence:     0.8,
	}
}

func TestEvaluate_Pass(t *testing.T) {
	result := NewEngine().Evaluate(healthyQuote())

	assert.Equal(t, DecisionPass, result.Decision)
	assert.Empty(t, result.Violations)
	assert.Empty(t, result.Warnings)
	assert.Equal(t, 4, result.PoliciesRan)
}

func TestEvaluate_Warnings(t *testing.T) {
	q := healthyQuote()
	q.Confidence = 0.2
	q.Terms.RequiresApproval = true
	q.RuleConflicts = []api.RuleConflict{{Kind: api.PolicyMarkup, WinnerID: "b"}}

	result := NewEngine().Evaluate(q)

	assert.Equal(t, DecisionWarn, result.Decision)
	assert.Empty(t, result.Violations)
	var ids []string
	for _, w := range result.Warnings {
		ids = append(ids, w.PolicyID)
	}
	assert.Equal(t, []string{"default-confidence", "management-approval", "rule-conflicts"}, ids)
}

func TestEvaluate_DenyBelowCost(t *testing.T) {
	q := healthyQuote()
	q.MarginEstimate = -0.03
	q.Confidence = 0.2

	result := NewEngine().Evaluate(q)

	assert.Equal(t, DecisionDeny, result.Decision)
	assert.Len(t, result.Violations, 1)
	assert.Equal(t, "margin-floor", result.Violations[0].PolicyID)
	assert.Len(t, result.Warnings, 1, "warnings still reported alongside a denial")
}

func TestEvaluate_CustomMaxTotal(t *testing.T) {
	e := NewEngine().AddPolicy(Policy{
		ID:        "cli-max-total",
		Name:      "Max Total",
		Type:      PolicyTypeMaxTotal,
		Severity:  SeverityError,
		Threshold: 10000,
		Enabled:   true,
	})

	result := e.Evaluate(healthyQuote())
	assert.Equal(t, DecisionDeny, result.Decision)
	assert.Contains(t, result.Violations[0].Message, "19500.00")
	assert.Len(t, e.Policies(), 5)
}

func TestEvaluate_DisabledPolicySkipped(t *testing.T) {
	e := &Engine{policies: []Policy{{ID: "off", Type: PolicyTypeMinConfidence, Threshold: 1, Severity: SeverityError}}}

	result := e.Evaluate(healthyQuote())
	assert.Equal(t, DecisionPass, result.Decision)
	assert.Zero(t, result.PoliciesRan)
}
