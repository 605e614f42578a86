// Package analysis turns a quote request and its historical matches into
// benchmarks and risk flags.
package analysis

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quotegenius/decision/retrieval"
	"quotegenius/internal/pricing"
	"quotegenius/pkg/api"
	"quotegenius/pkg/confidence"
	qerrors "quotegenius/pkg/errors"
	"quotegenius/pkg/units"
)

// Config tunes the analyst.
type Config struct {
	RetrievalTimeout time.Duration
	TopK             int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{RetrievalTimeout: 5 * time.Second, TopK: retrieval.DefaultTopK}
}

// Engine is the data analyst stage.
type Engine struct {
	retriever retrieval.Retriever
	catalog   *pricing.PriceStore
	cfg       Config
	logger    zerolog.Logger
}

// NewEngine creates an analyst over retriever. A nil catalog uses the reference catalog.
func NewEngine(retriever retrieval.Retriever, catalog *pricing.PriceStore, cfg Config, logger zerolog.Logger) *Engine {
	if catalog == nil {
		catalog = pricing.NewPriceStore()
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = DefaultConfig().RetrievalTimeout
	}
	if cfg.TopK <= 0 {
		cfg.TopK = retrieval.DefaultTopK
	}
	return &Engine{
		retriever: retriever,
		catalog:   catalog,
		cfg:       cfg,
		logger:    logger.With().Str("component", "analysis").Logger(),
	}
}

// Analyze retrieves similar projects and derives benchmarks. Retrieval failure
// degrades to an analysis with unknown benchmarks; it never fails the run.
func (e *Engine) Analyze(ctx context.Context, req api.Request) (*api.Analysis, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	r := e.retriever
	if p, ok := r.(retrieval.Pinner); ok {
		r = p.Pin()
	}

	result := &api.Analysis{
		Request:        req,
		Matches:        []api.HistoricalMatch{},
		RiskFlags:      []string{},
		HistoryVersion: r.Version(),
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RetrievalTimeout)
	matches, err := r.Similar(rctx, req)
	cancel()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if err != nil {
		qerr := qerrors.NewRetrievalUnavailableError(err)
		e.logger.Warn().Err(qerr).Str("customer_id", req.CustomerID).Msg("Retrieval unavailable, continuing without history")
		result.RetrievalDegraded = true
		result.AddRisk(api.RiskRetrievalUnavailable)
		result.AddRisk(api.RiskNoHistoricalData)
		e.flagMaterial(result, false)
		result.Confidence = 0.1
		return result, nil
	}

	matches = retrieval.Rank(matches, e.cfg.TopK)
	result.Matches = append(result.Matches, matches...)

	if len(matches) == 0 {
		result.AddRisk(api.RiskNoHistoricalData)
		e.flagMaterial(result, false)
		result.Confidence = 0.2
		return result, nil
	}

	result.Benchmarks = Benchmark(matches)
	e.flagMaterial(result, hasMaterial(matches, req.Material))

	if tol, ok := units.ParseToleranceMM(req.Tolerances); ok && result.Benchmarks.AvgToleranceMM > 0 && tol < result.Benchmarks.AvgToleranceMM {
		result.AddRisk(api.RiskTightTolerance)
	}
	if req.LeadTimeWeeks < result.Benchmarks.MinLeadTimeWeeks {
		result.AddRisk(api.RiskCompressedSchedule)
	}

	result.Confidence = e.score(matches, result.Benchmarks)

	e.logger.Debug().
		Str("customer_id", req.CustomerID).
		Int("matches", len(matches)).
		Strs("risk_flags", result.RiskFlags).
		Float64("confidence", result.Confidence).
		Msg("Analysis complete")

	return result, nil
}

func (e *Engine) flagMaterial(a *api.Analysis, inHistory bool) {
	if inHistory {
		return
	}
	if _, ok := e.catalog.Get(a.Request.Material); !ok {
		a.AddRisk(api.RiskUnknownMaterial)
	}
}

// score combines match quality, coverage of K and price dispersion.
func (e *Engine) score(matches []api.HistoricalMatch, b api.Benchmarks) float64 {
	var sim float64
	for _, m := range matches {
		sim += m.SimilarityScore
	}
	sim /= float64(len(matches))

	coverage := math.Min(1, float64(len(matches))/float64(e.cfg.TopK))

	dispersion := 1.0
	if avg := b.AvgUnitPrice.InexactFloat64(); avg > 0 {
		cv := math.Sqrt(b.PriceVariance) / avg
		dispersion = confidence.Clamp(1 - cv)
	}

	return math.Round(confidence.Aggregate([]float64{
		confidence.Clamp(sim),
		math.Sqrt(coverage),
		math.Max(dispersion, 0.05),
	})*1e4) / 1e4
}

func hasMaterial(matches []api.HistoricalMatch, material string) bool {
	for _, m := range matches {
		if strings.EqualFold(strings.TrimSpace(m.Summary.Material), strings.TrimSpace(material)) {
			return true
		}
	}
	return false
}

// Benchmark computes similarity-weighted aggregates. Weights are renormalized to
// sum to 1; when every score is zero the matches are weighted equally.
func Benchmark(matches []api.HistoricalMatch) api.Benchmarks {
	if len(matches) == 0 {
		return api.Benchmarks{}
	}

	scores := make([]float64, len(matches))
	for i, m := range matches {
		scores[i] = m.SimilarityScore
	}
	weights := confidence.Normalize(scores)
	if weights == nil {
		weights = make([]float64, len(matches))
		for i := range weights {
			weights[i] = 1 / float64(len(matches))
		}
	}

	b := api.Benchmarks{
		Known:                 true,
		MinLeadTimeByMaterial: make(map[string]int),
	}

	avgPrice := decimal.Zero
	prices := make([]float64, len(matches))
	leads := make([]float64, len(matches))
	var tolValues, tolWeights []float64

	for i, m := range matches {
		p := m.Summary
		avgPrice = avgPrice.Add(p.UnitPrice.Mul(decimal.NewFromFloat(weights[i])))
		prices[i] = p.UnitPrice.InexactFloat64()
		leads[i] = float64(p.LeadTimeWeeks)

		if p.LeadTimeWeeks > 0 {
			if b.MinLeadTimeWeeks == 0 || p.LeadTimeWeeks < b.MinLeadTimeWeeks {
				b.MinLeadTimeWeeks = p.LeadTimeWeeks
			}
			key := MaterialKey(p.Material)
			if cur, ok := b.MinLeadTimeByMaterial[key]; !ok || p.LeadTimeWeeks < cur {
				b.MinLeadTimeByMaterial[key] = p.LeadTimeWeeks
			}
		}

		if tol, ok := units.ParseToleranceMM(p.Tolerance); ok {
			tolValues = append(tolValues, tol)
			tolWeights = append(tolWeights, weights[i])
		}
	}

	b.AvgUnitPrice = avgPrice.Round(4)
	b.AvgLeadTimeWeeks = confidence.WeightedAverage(leads, weights)
	b.PriceVariance = confidence.WeightedVariance(prices, weights)
	b.AvgToleranceMM = confidence.WeightedAverage(tolValues, tolWeights)
	return b
}

// MaterialKey normalizes a material name for per-material lookups.
func MaterialKey(material string) string {
	return strings.ToLower(strings.TrimSpace(material))
}
