// Package generation drafts a line-item quote from an analysis and the
// customer's applicable rules.
package generation

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quotegenius/decision/analysis"
	"quotegenius/decision/knowledge"
	"quotegenius/internal/customers"
	"quotegenius/internal/pricing"
	"quotegenius/pkg/api"
	qerrors "quotegenius/pkg/errors"
	"quotegenius/pkg/units"
)

// Defaults applied when no rule governs a term.
const (
	DefaultPaymentTermsDays = 30
	DefaultValidityDays     = 30
	DefaultLaborShare       = 0.30
)

// Engine is the quote generator stage.
type Engine struct {
	catalog    *pricing.PriceStore
	customers  customers.Directory
	laborShare decimal.Decimal
	logger     zerolog.Logger
}

// NewEngine creates a generator. Nil collaborators fall back to the reference data.
func NewEngine(catalog *pricing.PriceStore, dir customers.Directory, logger zerolog.Logger) *Engine {
	if catalog == nil {
		catalog = pricing.NewPriceStore()
	}
	if dir == nil {
		dir = customers.NewStatic()
	}
	return &Engine{
		catalog:    catalog,
		customers:  dir,
		laborShare: decimal.NewFromFloat(DefaultLaborShare),
		logger:     logger.With().Str("component", "generation").Logger(),
	}
}

// WithLaborShare sets the share of the base subtotal treated as labor.
func (e *Engine) WithLaborShare(share float64) *Engine {
	e.laborShare = decimal.NewFromFloat(share)
	return e
}

// draft carries the in-progress quote and the resolved rule set.
type draft struct {
	quote    *api.DraftQuote
	rules    knowledge.ApplicableRuleSet
	material string
	logger   zerolog.Logger
}

// effective resolves kind and records any conflict.
func (d *draft) effective(kind api.PolicyKind) (api.Rule, bool) {
	rule, conflict, ok := d.rules.Effective(kind, d.material)
	if conflict != nil {
		d.logger.Warn().
			Err(qerrors.NewRuleConflictError(string(kind), conflict.WinnerID, conflict.Overridden)).
			Str("reason", conflict.Reason).
			Msg("Rule conflict resolved")
		d.quote.RuleConflicts = append(d.quote.RuleConflicts, *conflict)
	}
	return rule, ok
}

func (d *draft) subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, li := range d.quote.LineItems {
		sum = sum.Add(li.Subtotal)
	}
	return sum
}

// adjust appends a single-quantity adjustment line caused by rule.
func (d *draft) adjust(kind api.LineKind, description string, amount decimal.Decimal, ruleIDs ...string) {
	amount = money(amount)
	d.quote.LineItems = append(d.quote.LineItems, api.LineItem{
		Kind:        kind,
		Description: description,
		UnitPrice:   amount,
		Quantity:    1,
		Subtotal:    amount,
		RuleIDs:     ruleIDs,
	})
	d.quote.AddAppliedRules(ruleIDs...)
}

// Draft prices the request in analysis under rules. The only fatal outcome is
// a missing price basis.
func (e *Engine) Draft(a *api.Analysis, rules knowledge.ApplicableRuleSet) (*api.DraftQuote, error) {
	req := a.Request
	customer, _ := e.customers.Lookup(req.CustomerID)

	d := &draft{
		quote: &api.DraftQuote{
			CustomerID:     req.CustomerID,
			ProjectName:    req.ProjectName,
			Material:       req.Material,
			Quantity:       req.Quantity,
			LineItems:      []api.LineItem{},
			AppliedRuleIDs: []string{},
		},
		rules:    rules,
		material: req.Material,
		logger:   e.logger.With().Str("customer_id", req.CustomerID).Logger(),
	}

	unitPrice, err := e.baseUnitPrice(a, d)
	if err != nil {
		return nil, err
	}

	base := money(unitPrice.Mul(decimal.NewFromInt(int64(req.Quantity))))
	d.quote.LineItems = append(d.quote.LineItems, api.LineItem{
		Kind:        api.LineBase,
		Description: fmt.Sprintf("%s x %d", req.Material, req.Quantity),
		UnitPrice:   unitPrice,
		Quantity:    req.Quantity,
		Subtotal:    base,
	})

	e.applyMarkup(d, base)
	labor := e.applyLaborOverhead(d, base)
	e.applyVolumeDiscount(d, base)
	e.applyCustomerDiscount(d, customer)
	e.applyRushPremium(d, a)
	e.applyContingency(d, a)
	e.applyMinimumOrder(d, customer)

	d.quote.Total = d.subtotal()
	d.quote.CostBasis = base.Add(labor)
	d.quote.Terms = e.terms(d, req)

	if rule, ok := d.effective(api.PolicyFixedPrice); ok {
		d.quote.FixedPriceRuleID = rule.RuleID
		d.quote.AddAppliedRules(rule.RuleID)
	}

	d.logger.Info().
		Str("total", d.quote.Total.StringFixed(2)).
		Strs("applied_rules", d.quote.AppliedRuleIDs).
		Int("line_items", len(d.quote.LineItems)).
		Msg("Draft quote generated")

	return d.quote, nil
}

func (e *Engine) baseUnitPrice(a *api.Analysis, d *draft) (decimal.Decimal, error) {
	if a.Benchmarks.Known && a.Benchmarks.AvgUnitPrice.IsPositive() {
		d.quote.Notes = append(d.quote.Notes, fmt.Sprintf("base price from %d historical matches", len(a.Matches)))
		return money(a.Benchmarks.AvgUnitPrice), nil
	}

	price, err := e.catalog.Resolve(a.Request.Material)
	if err != nil || !price.IsPositive() {
		qerr := qerrors.NewInsufficientDataError(a.Request.Material)
		qerr.Stage = "generation"
		qerr.Err = err
		return decimal.Zero, qerr
	}
	d.quote.Notes = append(d.quote.Notes, "base price from material catalog")
	return money(price), nil
}

// =============================================================================
// RULE EFFECTS (applied in this order)
// =============================================================================

func (e *Engine) applyMarkup(d *draft, base decimal.Decimal) {
	rule, ok := d.effective(api.PolicyMarkup)
	if !ok {
		return
	}
	f := fraction(rule.Params.Fraction)
	d.adjust(api.LineMarkup, fmt.Sprintf("Material markup %s%%", percent(f)), base.Mul(f), rule.RuleID)
}

func (e *Engine) applyLaborOverhead(d *draft, base decimal.Decimal) decimal.Decimal {
	rule, ok := d.effective(api.PolicyLaborOverhead)
	if !ok {
		return decimal.Zero
	}
	f := fraction(rule.Params.Fraction)
	amount := money(base.Mul(e.laborShare).Mul(f))
	d.adjust(api.LineLaborOverhead, fmt.Sprintf("Labor overhead %s%% on labor share", percent(f)), amount, rule.RuleID)
	return amount
}

// applyVolumeDiscount applies only the largest tier the running subtotal
// exceeds. The discount is taken on the material subtotal.
func (e *Engine) applyVolumeDiscount(d *draft, base decimal.Decimal) {
	rule, ok := d.effective(api.PolicyVolumeDiscount)
	if !ok {
		return
	}
	tier, ok := largestTier(rule.Params.Tiers, d.subtotal())
	if !ok {
		return
	}
	f := fraction(tier.Fraction)
	d.adjust(api.LineVolumeDiscount,
		fmt.Sprintf("Volume discount %s%% (orders over %s)", percent(f), decimal.NewFromFloat(tier.Threshold).StringFixed(0)),
		base.Mul(f).Neg(), rule.RuleID)
}

func largestTier(tiers []api.Tier, subtotal decimal.Decimal) (api.Tier, bool) {
	var best api.Tier
	found := false
	for _, t := range tiers {
		if subtotal.GreaterThan(decimal.NewFromFloat(t.Threshold)) && (!found || t.Threshold > best.Threshold) {
			best, found = t, true
		}
	}
	return best, found
}

// applyCustomerDiscount applies the customer's negotiated discount, capped by
// the rule's own cap and, for first-time customers, the general discount cap.
func (e *Engine) applyCustomerDiscount(d *draft, customer *api.Customer) {
	rule, ok := d.effective(api.PolicyCustomerDiscount)
	if !ok {
		return
	}
	running := d.subtotal()
	if rule.Params.Threshold > 0 && !running.GreaterThan(decimal.NewFromFloat(rule.Params.Threshold)) {
		return
	}

	amount := running.Mul(fraction(rule.Params.Fraction))
	ids := []string{rule.RuleID}

	if rule.Params.Cap > 0 {
		amount = decimal.Min(amount, running.Mul(fraction(rule.Params.Cap)))
	}
	if !customer.Existing() {
		if capRule, ok := d.effective(api.PolicyDiscountCap); ok {
			limit := running.Mul(fraction(capRule.Params.Cap))
			if amount.GreaterThan(limit) {
				amount = limit
				ids = append(ids, capRule.RuleID)
			}
		}
	}
	if !amount.IsPositive() {
		return
	}
	d.adjust(api.LineCustomerDiscount, "Negotiated customer discount", amount.Neg(), ids...)
}

// applyRushPremium charges a premium when the requested lead time is shorter
// than the fastest comparable historical delivery, or the catalog standard
// lead time when there is no history.
func (e *Engine) applyRushPremium(d *draft, a *api.Analysis) {
	rule, ok := d.effective(api.PolicyRushPremium)
	if !ok {
		return
	}
	reference, source := e.referenceLeadTime(a)
	if reference == 0 || a.Request.LeadTimeWeeks >= reference {
		return
	}
	f := fraction(rule.Params.Fraction)
	d.adjust(api.LineRushPremium,
		fmt.Sprintf("Rush premium %s%% (%d weeks requested, %s minimum %d)", percent(f), a.Request.LeadTimeWeeks, source, reference),
		d.subtotal().Mul(f), rule.RuleID)
}

// referenceLeadTime returns the lead time a rush is measured against.
func (e *Engine) referenceLeadTime(a *api.Analysis) (int, string) {
	b := a.Benchmarks
	if b.Known {
		if weeks, ok := b.MinLeadTimeByMaterial[analysis.MaterialKey(a.Request.Material)]; ok && weeks > 0 {
			return weeks, "historical"
		}
		if b.MinLeadTimeWeeks > 0 {
			return b.MinLeadTimeWeeks, "historical"
		}
	}
	if m, ok := e.catalog.Get(a.Request.Material); ok {
		return m.StandardLeadTimeWeeks, "standard"
	}
	return 0, ""
}

func (e *Engine) applyContingency(d *draft, a *api.Analysis) {
	if len(a.RiskFlags) == 0 {
		return
	}
	rule, ok := d.effective(api.PolicyContingency)
	if !ok {
		return
	}
	f := fraction(rule.Params.Fraction)
	d.adjust(api.LineContingency, fmt.Sprintf("Risk contingency %s%% (%v)", percent(f), a.RiskFlags), d.subtotal().Mul(f), rule.RuleID)
}

func (e *Engine) applyMinimumOrder(d *draft, customer *api.Customer) {
	rule, ok := d.effective(api.PolicyMinimumOrder)
	if !ok {
		return
	}
	threshold := rule.Params.Threshold
	if customer.Existing() && rule.Params.ExistingThreshold > 0 {
		threshold = rule.Params.ExistingThreshold
	}
	minimum := money(decimal.NewFromFloat(threshold))
	total := d.subtotal()
	if total.GreaterThanOrEqual(minimum) {
		return
	}
	d.adjust(api.LineMinimumOrder, fmt.Sprintf("Minimum order value %s", minimum.StringFixed(2)), minimum.Sub(total), rule.RuleID)
}

// =============================================================================
// TERMS
// =============================================================================

func (e *Engine) terms(d *draft, req api.Request) api.Terms {
	t := api.Terms{
		PaymentTermsDays: DefaultPaymentTermsDays,
		ValidityDays:     DefaultValidityDays,
		LeadTimeWeeks:    req.LeadTimeWeeks,
	}

	if rule, ok := d.effective(api.PolicyPaymentTerms); ok && rule.Params.Days > 0 {
		t.PaymentTermsDays = rule.Params.Days
		d.quote.AddAppliedRules(rule.RuleID)
	}
	if rule, ok := d.effective(api.PolicyValidity); ok && rule.Params.Days > 0 {
		t.ValidityDays = rule.Params.Days
		d.quote.AddAppliedRules(rule.RuleID)
	}
	if rule, ok := d.effective(api.PolicyLeadTimeReduction); ok {
		t.LeadTimeWeeks = units.ScaleWeeks(req.LeadTimeWeeks, 1-rule.Params.Fraction)
		d.quote.AddAppliedRules(rule.RuleID)
	}
	if rule, ok := d.effective(api.PolicyMilestonePayments); ok {
		weeks := rule.Params.Weeks
		if weeks == 0 {
			weeks = units.WeeksPerQuarter
		}
		if t.LeadTimeWeeks > weeks {
			t.MilestonePayments = true
			d.quote.AddAppliedRules(rule.RuleID)
		}
	}
	if rule, ok := d.effective(api.PolicyApprovalThreshold); ok {
		if d.quote.Total.GreaterThan(decimal.NewFromFloat(rule.Params.Threshold)) {
			t.RequiresApproval = true
			d.quote.AddAppliedRules(rule.RuleID)
		}
	}
	for _, rule := range d.rules.All(api.PolicyDocumentation, d.material) {
		if rule.Params.Threshold > 0 && !d.quote.Total.GreaterThan(decimal.NewFromFloat(rule.Params.Threshold)) {
			continue
		}
		t.Documentation = append(t.Documentation, rule.Params.Requirement)
		d.quote.AddAppliedRules(rule.RuleID)
	}

	return t
}

// money rounds to cents, half away from zero.
func money(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func fraction(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func percent(f decimal.Decimal) string {
	return f.Mul(decimal.NewFromInt(100)).String()
}
