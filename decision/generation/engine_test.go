package generation

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotegenius/decision/knowledge"
	"quotegenius/internal/customers"
	"quotegenius/pkg/api"
	qerrors "quotegenius/pkg/errors"
)

func newEngine() *Engine {
	return NewEngine(nil, customers.Reference(), zerolog.Nop())
}

func noHistory(req api.Request) *api.Analysis {
	return &api.Analysis{Request: req, RiskFlags: []string{api.RiskNoHistoricalData}}
}

func clean(req api.Request) *api.Analysis {
	return &api.Analysis{Request: req, RiskFlags: []string{}}
}

func rulesFor(customerID string) knowledge.ApplicableRuleSet {
	return knowledge.Reference().ApplicableRules(customerID)
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(amount(want)), "want %s, got %s", want, got.StringFixed(2))
}

func TestDraft_CatalogPricedUnknownCustomer(t *testing.T) {
	req := api.Request{CustomerID: "cust-999", Material: "Aluminum Alloy 6061", Quantity: 1000, LeadTimeWeeks: 6}

	q, err := newEngine().Draft(noHistory(req), rulesFor("cust-999"))
	require.NoError(t, err)

	base, _ := q.Line(api.LineBase)
	assertAmount(t, "15500.00", base.Subtotal)
	markup, _ := q.Line(api.LineMarkup)
	assertAmount(t, "2325.00", markup.Subtotal)
	labor, _ := q.Line(api.LineLaborOverhead)
	assertAmount(t, "1162.50", labor.Subtotal)
	contingency, ok := q.Line(api.LineContingency)
	require.True(t, ok)
	assertAmount(t, "1898.75", contingency.Subtotal)

	assertAmount(t, "20886.25", q.Total)
	assertAmount(t, "16662.50", q.CostBasis)
	assert.Equal(t, []string{"std-1", "std-2", "std-5", "std-9"}, q.AppliedRuleIDs)

	assert.Equal(t, 30, q.Terms.PaymentTermsDays)
	assert.Equal(t, 30, q.Terms.ValidityDays)
	assert.Equal(t, 6, q.Terms.LeadTimeWeeks)
	assert.False(t, q.Terms.MilestonePayments)
	assert.False(t, q.Terms.RequiresApproval)
}

func TestDraft_VolumeTiersAreExclusive(t *testing.T) {
	req := api.Request{CustomerID: "cust-999", Material: "Aluminum Alloy 6061", Quantity: 10000, LeadTimeWeeks: 6}

	q, err := newEngine().Draft(clean(req), rulesFor("cust-999"))
	require.NoError(t, err)

	var discounts []api.LineItem
	for _, li := range q.LineItems {
		if li.Kind == api.LineVolumeDiscount {
			discounts = append(discounts, li)
		}
	}
	require.Len(t, discounts, 1)
	assertAmount(t, "-12400.00", discounts[0].Subtotal)
	assert.Equal(t, []string{"std-8"}, discounts[0].RuleIDs)
}

func TestDraft_VolumeLowerTier(t *testing.T) {
	req := api.Request{CustomerID: "cust-999", Material: "Aluminum Alloy 6061", Quantity: 3000, LeadTimeWeeks: 6}

	q, err := newEngine().Draft(clean(req), rulesFor("cust-999"))
	require.NoError(t, err)

	li, ok := q.Line(api.LineVolumeDiscount)
	require.True(t, ok)
	// 46500 base, 56962.50 running: only the 5% tier qualifies.
	assertAmount(t, "-2325.00", li.Subtotal)
}

func TestDraft_RushPremiumIffBelowHistoricalMinimum(t *testing.T) {
	for _, tc := range []struct {
		weeks int
		rush  bool
	}{
		{weeks: 4, rush: true},
		{weeks: 5, rush: true},
		{weeks: 6, rush: false},
		{weeks: 9, rush: false},
	} {
		req := api.Request{CustomerID: "cust-999", Material: "Aluminum Alloy 6061", Quantity: 1000, LeadTimeWeeks: tc.weeks}
		a := clean(req)
		a.Benchmarks = api.Benchmarks{
			Known:                 true,
			AvgUnitPrice:          amount("16.00"),
			MinLeadTimeWeeks:      3,
			MinLeadTimeByMaterial: map[string]int{"aluminum alloy 6061": 6},
		}

		q, err := newEngine().Draft(a, rulesFor("cust-999"))
		require.NoError(t, err)

		_, has := q.Line(api.LineRushPremium)
		assert.Equal(t, tc.rush, has, "lead time %d", tc.weeks)
		assert.Equal(t, tc.rush, q.HasAppliedRule("std-6"), "lead time %d", tc.weeks)
	}
}

func TestDraft_HistoricalBasePrice(t *testing.T) {
	req := api.Request{CustomerID: "cust-999", Material: "Aluminum Alloy 6061", Quantity: 10, LeadTimeWeeks: 6}
	a := clean(req)
	a.Benchmarks = api.Benchmarks{Known: true, AvgUnitPrice: amount("17.1234")}

	q, err := newEngine().Draft(a, rulesFor("cust-999"))
	require.NoError(t, err)

	base, _ := q.Line(api.LineBase)
	assertAmount(t, "17.12", base.UnitPrice)
	assertAmount(t, "171.20", base.Subtotal)
}

func TestDraft_MedTechLeadTimeReduction(t *testing.T) {
	req := api.Request{CustomerID: "cust-103", Material: "Stainless Steel 304", Quantity: 234, LeadTimeWeeks: 9}

	q, err := newEngine().Draft(noHistory(req), rulesFor("cust-103"))
	require.NoError(t, err)

	assert.Equal(t, 8, q.Terms.LeadTimeWeeks)
	assert.True(t, q.HasAppliedRule("cust-rule-5"))
	assert.True(t, q.HasAppliedRule("cust-rule-4"))
	assert.Equal(t, []string{"ISO 13485 certification documentation"}, q.Terms.Documentation)
}

func TestDraft_PaymentTermsOverride(t *testing.T) {
	req := api.Request{CustomerID: "cust-102", Material: "Copper Rod", Quantity: 500, LeadTimeWeeks: 6}

	q, err := newEngine().Draft(clean(req), rulesFor("cust-102"))
	require.NoError(t, err)

	assert.Equal(t, 45, q.Terms.PaymentTermsDays)
	assert.True(t, q.HasAppliedRule("cust-rule-3"))
	assert.Empty(t, q.RuleConflicts)
}

func TestDraft_CustomerDiscountAndApproval(t *testing.T) {
	req := api.Request{CustomerID: "cust-101", Material: "Aluminum Alloy 6061", Quantity: 10000, LeadTimeWeeks: 6}

	q, err := newEngine().Draft(clean(req), rulesFor("cust-101"))
	require.NoError(t, err)

	li, ok := q.Line(api.LineCustomerDiscount)
	require.True(t, ok)
	assertAmount(t, "-8873.75", li.Subtotal)
	assert.Equal(t, []string{"cust-rule-1"}, li.RuleIDs)

	assertAmount(t, "168601.25", q.Total)
	assert.True(t, q.Terms.RequiresApproval)
	assert.True(t, q.HasAppliedRule("std-3"))
	assert.False(t, q.HasAppliedRule("cust-rule-2"))
}

func TestDraft_MinimumOrder(t *testing.T) {
	newReq := api.Request{CustomerID: "cust-999", Material: "Industrial Fasteners", Quantity: 10, LeadTimeWeeks: 4}
	q, err := newEngine().Draft(clean(newReq), rulesFor("cust-999"))
	require.NoError(t, err)

	li, ok := q.Line(api.LineMinimumOrder)
	require.True(t, ok)
	assertAmount(t, "4571.25", li.Subtotal)
	assertAmount(t, "5000.00", q.Total)
	assert.True(t, q.HasAppliedRule("std-10"))

	existing := newReq
	existing.CustomerID = "cust-102"
	q, err = newEngine().Draft(clean(existing), rulesFor("cust-102"))
	require.NoError(t, err)
	assertAmount(t, "2500.00", q.Total)
}

func TestDraft_MilestonePayments(t *testing.T) {
	req := api.Request{CustomerID: "cust-999", Material: "Titanium Grade 5", Quantity: 100, LeadTimeWeeks: 20}

	q, err := newEngine().Draft(clean(req), rulesFor("cust-999"))
	require.NoError(t, err)

	assert.True(t, q.Terms.MilestonePayments)
	assert.True(t, q.HasAppliedRule("std-4"))
}

func TestDraft_InsufficientData(t *testing.T) {
	req := api.Request{CustomerID: "cust-999", Material: "Unobtainium", Quantity: 10, LeadTimeWeeks: 4}

	_, err := newEngine().Draft(noHistory(req), rulesFor("cust-999"))
	require.Error(t, err)
	assert.ErrorIs(t, err, qerrors.ErrInsufficientData)
	assert.False(t, qerrors.IsRecoverable(err))
}

func TestDraft_ConflictsRecorded(t *testing.T) {
	rs, err := knowledge.ParseJSON([]byte(`{
		"customer_rules": [
			{"rule_id": "a", "customer_id": "c1", "rule_description": "x", "params": {"kind": "payment_terms", "days": 45}},
			{"rule_id": "b", "customer_id": "c1", "rule_description": "y", "params": {"kind": "payment_terms", "days": 60}}
		]
	}`))
	require.NoError(t, err)

	req := api.Request{CustomerID: "c1", Material: "Copper Rod", Quantity: 500, LeadTimeWeeks: 6}
	q, err := newEngine().Draft(clean(req), rs.ApplicableRules("c1"))
	require.NoError(t, err)

	assert.Equal(t, 60, q.Terms.PaymentTermsDays)
	require.Len(t, q.RuleConflicts, 1)
	assert.Equal(t, "b", q.RuleConflicts[0].WinnerID)
}

func TestDraft_AdjustmentsAreAuditable(t *testing.T) {
	req := api.Request{CustomerID: "cust-101", Material: "Aluminum Alloy 6061", Quantity: 10000, LeadTimeWeeks: 2}

	q, err := newEngine().Draft(noHistory(req), rulesFor("cust-101"))
	require.NoError(t, err)

	sum := decimal.Zero
	for _, li := range q.LineItems {
		sum = sum.Add(li.Subtotal)
		assert.True(t, li.Subtotal.Equal(li.Subtotal.Round(2)))
		if li.Kind == api.LineBase {
			continue
		}
		require.NotEmpty(t, li.RuleIDs, li.Kind)
		for _, id := range li.RuleIDs {
			assert.True(t, q.HasAppliedRule(id), id)
		}
	}
	assert.True(t, sum.Equal(q.Total))
	assert.True(t, q.Total.IsPositive())
	assert.IsIncreasing(t, q.AppliedRuleIDs)
}
