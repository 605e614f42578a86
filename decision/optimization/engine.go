// Package optimization searches for the quote total that maximizes expected
// value within the allowed discount and uplift bounds.
package optimization

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quotegenius/internal/customers"
	"quotegenius/pkg/api"
	"quotegenius/pkg/confidence"
	qerrors "quotegenius/pkg/errors"
)

// Config bounds and shapes the search.
type Config struct {
	SearchSpan   float64 // candidates span benchmark × [1-span, 1+span]
	Steps        int
	MaxDiscount  float64
	MaxUplift    float64
	Steepness    float64 // logistic slope against the price ratio
	TenureBonus  float64 // win probability added per relationship year
	TenureCap    float64
	IncludeTrace bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SearchSpan:  0.25,
		Steps:       50,
		MaxDiscount: 0.10,
		MaxUplift:   0.05,
		Steepness:   6,
		TenureBonus: 0.01,
		TenureCap:   0.05,
	}
}

// Engine is the pricing optimizer stage.
type Engine struct {
	cfg       Config
	customers customers.Directory
	logger    zerolog.Logger
}

// NewEngine creates an optimizer. A nil directory gives every customer zero tenure.
func NewEngine(cfg Config, dir customers.Directory, logger zerolog.Logger) *Engine {
	if cfg.Steps < 2 {
		cfg.Steps = DefaultConfig().Steps
	}
	if dir == nil {
		dir = customers.NewStatic()
	}
	return &Engine{
		cfg:       cfg,
		customers: dir,
		logger:    logger.With().Str("component", "optimization").Logger(),
	}
}

// Model scores a candidate total.
type Model struct {
	// Market is set when Benchmark comes from matched history rather than the draft.
	Market    bool
	Benchmark decimal.Decimal
	CostBasis decimal.Decimal
	Steepness float64
	Bonus     float64
}

// WinProbability is logistic in price relative to the benchmark, shifted by the
// tenure bonus and clamped to [0,1]. It never increases with price.
func (m Model) WinProbability(price decimal.Decimal) float64 {
	ratio := price.Div(m.Benchmark).InexactFloat64()
	return confidence.Clamp(confidence.Logistic(-m.Steepness*(ratio-1)) + m.Bonus)
}

// Margin is (price - cost) / price. It never decreases with price.
func (m Model) Margin(price decimal.Decimal) float64 {
	if !price.IsPositive() {
		return 0
	}
	return price.Sub(m.CostBasis).Div(price).InexactFloat64()
}

// Point evaluates price.
func (m Model) Point(price decimal.Decimal) api.OptimizationPoint {
	win := m.WinProbability(price)
	margin := m.Margin(price)
	return api.OptimizationPoint{
		Total:          price,
		WinProbability: round4(win),
		Margin:         round4(margin),
		ExpectedValue:  win * margin,
	}
}

func (e *Engine) model(draft *api.DraftQuote, a *api.Analysis) Model {
	benchmark, market := draft.Total, false
	if a.Benchmarks.Known && a.Benchmarks.AvgUnitPrice.IsPositive() && draft.Quantity > 0 {
		benchmark = a.Benchmarks.AvgUnitPrice.Mul(decimal.NewFromInt(int64(draft.Quantity)))
		market = true
	}

	var bonus float64
	if c, ok := e.customers.Lookup(draft.CustomerID); ok {
		bonus = math.Min(float64(c.RelationshipYears)*e.cfg.TenureBonus, e.cfg.TenureCap)
	}

	return Model{
		Market:    market,
		Benchmark: benchmark,
		CostBasis: draft.CostBasis,
		Steepness: e.cfg.Steepness,
		Bonus:     bonus,
	}
}

// Optimize picks the final total. A fixed-price agreement keeps the draft
// total exactly, as does a missing benchmark. Otherwise the best candidate
// around the benchmark is clamped into the draft's discount and uplift bounds,
// so a higher draft never yields a lower total.
func (e *Engine) Optimize(draft *api.DraftQuote, a *api.Analysis) (*api.FinalQuote, error) {
	if !draft.Total.IsPositive() {
		qerr := qerrors.NewInsufficientDataError(draft.Material)
		qerr.Stage = "optimization"
		qerr.Message = fmt.Sprintf("draft total %s is not positive", draft.Total.StringFixed(2))
		return nil, qerr
	}

	m := e.model(draft, a)
	final := &api.FinalQuote{
		DraftQuote:        *draft,
		Confidence:        a.Confidence,
		OptimizationNotes: []string{},
	}

	if draft.FixedPriceRuleID != "" {
		p := m.Point(draft.Total)
		final.OptimizedTotal = draft.Total
		final.WinProbabilityEstimate = p.WinProbability
		final.MarginEstimate = p.Margin
		final.FixedPrice = true
		final.OptimizationNotes = append(final.OptimizationNotes,
			fmt.Sprintf("fixed pricing agreement %s: optimization skipped", draft.FixedPriceRuleID))
		return final, nil
	}

	if !m.Market {
		p := m.Point(draft.Total)
		final.OptimizedTotal = draft.Total
		final.WinProbabilityEstimate = p.WinProbability
		final.MarginEstimate = p.Margin
		final.OptimizationNotes = append(final.OptimizationNotes,
			"no historical benchmark: draft total kept")
		return final, nil
	}

	lower := money(draft.Total.Mul(decimal.NewFromFloat(1 - e.cfg.MaxDiscount)))
	upper := money(draft.Total.Mul(decimal.NewFromFloat(1 + e.cfg.MaxUplift)))
	best := e.search(m, final)
	chosen := best.Total
	switch {
	case chosen.LessThan(lower):
		chosen = lower
	case chosen.GreaterThan(upper):
		chosen = upper
	}
	if !chosen.Equal(best.Total) {
		qerr := qerrors.NewBoundsViolationError(best.Total.StringFixed(2), chosen.StringFixed(2))
		qerr.Stage = "optimization"
		e.logger.Info().Err(qerr).Str("customer_id", draft.CustomerID).Msg("Optimizer candidate clamped")
		final.OptimizationNotes = append(final.OptimizationNotes, qerr.Message)
	}

	p := m.Point(chosen)
	final.OptimizedTotal = chosen
	final.WinProbabilityEstimate = p.WinProbability
	final.MarginEstimate = p.Margin
	final.OptimizationNotes = append(final.OptimizationNotes, fmt.Sprintf(
		"optimized total %s from draft %s (win probability %.2f, margin %.2f)",
		chosen.StringFixed(2), draft.Total.StringFixed(2), p.WinProbability, p.Margin))

	e.logger.Debug().
		Str("customer_id", draft.CustomerID).
		Str("draft_total", draft.Total.StringFixed(2)).
		Str("optimized_total", chosen.StringFixed(2)).
		Float64("win_probability", p.WinProbability).
		Msg("Optimization complete")

	return final, nil
}

// search scans a grid anchored on the market benchmark. The candidates depend
// only on the benchmark and cost, so the chosen total moves with the draft only
// through the clamp bounds.
func (e *Engine) search(m Model, final *api.FinalQuote) api.OptimizationPoint {
	var best api.OptimizationPoint
	for i := 0; i <= e.cfg.Steps; i++ {
		mult := 1 - e.cfg.SearchSpan + 2*e.cfg.SearchSpan*float64(i)/float64(e.cfg.Steps)
		price := money(m.Benchmark.Mul(decimal.NewFromFloat(mult)))
		if !price.IsPositive() {
			continue
		}
		p := m.Point(price)
		if e.cfg.IncludeTrace {
			final.Trace = append(final.Trace, p)
		}
		// Ascending scan with >= prefers the higher price on ties.
		if best.Total.IsZero() || p.ExpectedValue >= best.ExpectedValue {
			best = p
		}
	}
	return best
}

func money(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func round4(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}
