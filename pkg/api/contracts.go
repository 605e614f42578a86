package api

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RuleType scopes a rule globally or to one customer.
type RuleType string

const (
	RuleTypeGeneral          RuleType = "general"
	RuleTypeCustomerSpecific RuleType = "customer-specific"
)

// PolicyKind names the numeric policy a rule's params configure.
type PolicyKind string

const (
	PolicyMarkup            PolicyKind = "markup"
	PolicyLaborOverhead     PolicyKind = "labor_overhead"
	PolicyApprovalThreshold PolicyKind = "approval_threshold"
	PolicyMilestonePayments PolicyKind = "milestone_payments"
	PolicyContingency       PolicyKind = "contingency"
	PolicyRushPremium       PolicyKind = "rush_premium"
	PolicyDiscountCap       PolicyKind = "discount_cap"
	PolicyVolumeDiscount    PolicyKind = "volume_discount"
	PolicyValidity          PolicyKind = "validity"
	PolicyMinimumOrder      PolicyKind = "minimum_order"
	PolicyCustomerDiscount  PolicyKind = "customer_discount"
	PolicyDocumentation     PolicyKind = "documentation"
	PolicyPaymentTerms      PolicyKind = "payment_terms"
	PolicyLeadTimeReduction PolicyKind = "lead_time_reduction"
	PolicyFixedPrice        PolicyKind = "fixed_price"
)

// Tier is one threshold of a tiered discount.
type Tier struct {
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Fraction  float64 `json:"fraction" yaml:"fraction"`
}

// RuleParams is the machine-actionable form of a rule. The description text
// is never parsed; everything the pipeline acts on lives here.
type RuleParams struct {
	Kind PolicyKind `json:"kind" yaml:"kind"`

	Fraction          float64 `json:"fraction,omitempty" yaml:"fraction,omitempty"`
	Threshold         float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	ExistingThreshold float64 `json:"existing_threshold,omitempty" yaml:"existing_threshold,omitempty"`
	Cap               float64 `json:"cap,omitempty" yaml:"cap,omitempty"`
	Days              int     `json:"days,omitempty" yaml:"days,omitempty"`
	Weeks             int     `json:"weeks,omitempty" yaml:"weeks,omitempty"`
	Tiers             []Tier  `json:"tiers,omitempty" yaml:"tiers,omitempty"`

	// Material restricts the rule to materials with this prefix (case-insensitive).
	Material    string `json:"material,omitempty" yaml:"material,omitempty"`
	Requirement string `json:"requirement,omitempty" yaml:"requirement,omitempty"`
}

// Rule is a business directive scoped globally or to one customer.
type Rule struct {
	RuleID      string      `json:"rule_id" yaml:"rule_id"`
	RuleType    RuleType    `json:"rule_type" yaml:"rule_type"`
	CustomerID  string      `json:"customer_id,omitempty" yaml:"customer_id,omitempty"`
	Description string      `json:"rule_description" yaml:"rule_description"`
	Params      *RuleParams `json:"params,omitempty" yaml:"params,omitempty"`
}

// Kind returns the policy kind, or "" for guidance-only rules.
func (r Rule) Kind() PolicyKind {
	if r.Params == nil {
		return ""
	}
	return r.Params.Kind
}

// IsCustomerSpecific reports whether the rule is scoped to one customer.
func (r Rule) IsCustomerSpecific() bool {
	return r.RuleType == RuleTypeCustomerSpecific
}

// MaterialScoped reports whether the rule names a material scope.
func (r Rule) MaterialScoped() bool {
	return r.Params != nil && r.Params.Material != ""
}

// AppliesToMaterial reports whether the rule's material scope covers material.
func (r Rule) AppliesToMaterial(material string) bool {
	if !r.MaterialScoped() {
		return true
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(material)), strings.ToLower(r.Params.Material))
}

// RuleConflict records two rules governing the same policy for one request.
type RuleConflict struct {
	Kind       PolicyKind `json:"kind"`
	WinnerID   string     `json:"winner_rule_id"`
	Overridden []string   `json:"overridden_rule_ids"`
	Reason     string     `json:"reason"`
}

// HistoricalProject is one record of the historical quote index.
type HistoricalProject struct {
	QuoteID       string          `json:"quote_id"`
	QuotedAt      time.Time       `json:"quoted_at"`
	CustomerID    string          `json:"customer_id"`
	Industry      string          `json:"industry"`
	ProjectName   string          `json:"project_name"`
	Material      string          `json:"material"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	TotalPrice    decimal.Decimal `json:"total_price"`
	LeadTimeWeeks int             `json:"lead_time_weeks"`
	Tolerance     string          `json:"tolerance"`
	Won           bool            `json:"won"`
}

// HistoricalMatch is a historical project judged similar to a request.
type HistoricalMatch struct {
	SourceQuoteID   string            `json:"source_quote_id"`
	SimilarityScore float64           `json:"similarity_score"`
	Summary         HistoricalProject `json:"summary"`
}
