package api

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Risk flags raised by analysis.
const (
	RiskNoHistoricalData     = "no_historical_data"
	RiskRetrievalUnavailable = "retrieval_unavailable"
	RiskTightTolerance       = "tight_tolerance"
	RiskCompressedSchedule   = "compressed_schedule"
	RiskUnknownMaterial      = "unknown_material"
)

// Benchmarks are similarity-weighted aggregates over the matched history.
// When Known is false every other field is meaningless and must not be read as zero.
type Benchmarks struct {
	Known                 bool            `json:"known"`
	AvgUnitPrice          decimal.Decimal `json:"avg_unit_price"`
	AvgLeadTimeWeeks      float64         `json:"avg_lead_time_weeks"`
	PriceVariance         float64         `json:"price_variance"`
	MinLeadTimeWeeks      int             `json:"min_lead_time_weeks"`
	MinLeadTimeByMaterial map[string]int  `json:"min_lead_time_by_material,omitempty"`
	AvgToleranceMM        float64         `json:"avg_tolerance_mm,omitempty"`
}

// Analysis is built once per run and read by every later stage.
type Analysis struct {
	Request           Request           `json:"request"`
	Matches           []HistoricalMatch `json:"matches"`
	Benchmarks        Benchmarks        `json:"benchmarks"`
	RiskFlags         []string          `json:"risk_flags"`
	Confidence        float64           `json:"confidence"`
	RetrievalDegraded bool              `json:"retrieval_degraded"`
	HistoryVersion    string            `json:"history_version,omitempty"`
}

// HasRisk reports whether flag was raised.
func (a *Analysis) HasRisk(flag string) bool {
	for _, f := range a.RiskFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// AddRisk raises flag, keeping the set sorted and unique.
func (a *Analysis) AddRisk(flag string) {
	a.RiskFlags = addSorted(a.RiskFlags, flag)
}

// LineKind classifies a draft line item.
type LineKind string

const (
	LineBase             LineKind = "base"
	LineMarkup           LineKind = "markup"
	LineLaborOverhead    LineKind = "labor_overhead"
	LineVolumeDiscount   LineKind = "volume_discount"
	LineCustomerDiscount LineKind = "customer_discount"
	LineRushPremium      LineKind = "rush_premium"
	LineContingency      LineKind = "contingency"
	LineMinimumOrder     LineKind = "minimum_order"
)

// LineItem is one priced row of a quote. Adjustments carry the rule IDs that caused them.
type LineItem struct {
	Kind        LineKind        `json:"kind"`
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	RuleIDs     []string        `json:"rule_ids,omitempty"`
}

// Terms are the commercial conditions of a quote.
type Terms struct {
	PaymentTermsDays  int      `json:"payment_terms_days"`
	ValidityDays      int      `json:"validity_days"`
	LeadTimeWeeks     int      `json:"lead_time_weeks"`
	MilestonePayments bool     `json:"milestone_payments"`
	RequiresApproval  bool     `json:"requires_approval"`
	Documentation     []string `json:"documentation,omitempty"`
}

// DraftQuote is the pre-optimization pricing artifact.
type DraftQuote struct {
	CustomerID     string          `json:"customer_id"`
	ProjectName    string          `json:"project_name"`
	Material       string          `json:"material"`
	Quantity       int             `json:"quantity"`
	LineItems      []LineItem      `json:"line_items"`
	Total          decimal.Decimal `json:"total"`
	CostBasis      decimal.Decimal `json:"cost_basis"`
	Terms          Terms           `json:"terms"`
	AppliedRuleIDs []string        `json:"applied_rule_ids"`
	RuleConflicts  []RuleConflict  `json:"rule_conflicts,omitempty"`
	Notes          []string        `json:"notes,omitempty"`

	// FixedPriceRuleID names the agreement that freezes the total, if any.
	FixedPriceRuleID string `json:"fixed_price_rule_id,omitempty"`
}

// AddAppliedRules records rule IDs, keeping the set sorted and unique.
func (d *DraftQuote) AddAppliedRules(ids ...string) {
	for _, id := range ids {
		d.AppliedRuleIDs = addSorted(d.AppliedRuleIDs, id)
	}
}

// HasAppliedRule reports whether id influenced the draft.
func (d *DraftQuote) HasAppliedRule(id string) bool {
	i := sort.SearchStrings(d.AppliedRuleIDs, id)
	return i < len(d.AppliedRuleIDs) && d.AppliedRuleIDs[i] == id
}

// Line returns the first line item of kind.
func (d *DraftQuote) Line(kind LineKind) (LineItem, bool) {
	for _, li := range d.LineItems {
		if li.Kind == kind {
			return li, true
		}
	}
	return LineItem{}, false
}

// OptimizationPoint is one evaluated candidate price.
type OptimizationPoint struct {
	Total          decimal.Decimal `json:"total"`
	WinProbability float64         `json:"win_probability"`
	Margin         float64         `json:"margin"`
	ExpectedValue  float64         `json:"expected_value"`
}

// FinalQuote is the terminal artifact of one pipeline run.
type FinalQuote struct {
	QuoteID string `json:"quote_id"`
	DraftQuote

	OptimizedTotal         decimal.Decimal     `json:"optimized_total"`
	WinProbabilityEstimate float64             `json:"win_probability_estimate"`
	MarginEstimate         float64             `json:"margin_estimate"`
	OptimizationNotes      []string            `json:"optimization_notes"`
	FixedPrice             bool                `json:"fixed_price"`
	Confidence             float64             `json:"confidence"`
	Trace                  []OptimizationPoint `json:"trace,omitempty"`

	RuleSetVersion string `json:"rule_set_version"`
	HistoryVersion string `json:"history_version,omitempty"`
}

func addSorted(set []string, v string) []string {
	i := sort.SearchStrings(set, v)
	if i < len(set) && set[i] == v {
		return set
	}
	set = append(set, "")
	copy(set[i+1:], set[i:])
	set[i] = v
	return set
}
