package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotegenius/pkg/api"
)

type stubRetriever struct {
	matches []api.HistoricalMatch
	err     error
	delay   time.Duration
}

func (s stubRetriever) Similar(ctx context.Context, _ api.Request) ([]api.HistoricalMatch, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.matches, s.err
}

func (s stubRetriever) Version() string { return "stub" }

func match(id string, score float64, material string, price string, weeks int, tol string) api.HistoricalMatch {
	return api.HistoricalMatch{
		SourceQuoteID:   id,
		SimilarityScore: score,
		Summary: api.HistoricalProject{
			QuoteID:       id,
			Material:      material,
			UnitPrice:     decimal.RequireFromString(price),
			LeadTimeWeeks: weeks,
			Tolerance:     tol,
		},
	}
}

func request() api.Request {
	return api.Request{
		CustomerID:    "cust-101",
		Material:      "Aluminum Alloy 6061",
		Quantity:      100,
		LeadTimeWeeks: 6,
		Tolerances:    "±0.01mm",
	}
}

func newEngine(r stubRetriever) *Engine {
	return NewEngine(r, nil, Config{RetrievalTimeout: 50 * time.Millisecond, TopK: 5}, zerolog.Nop())
}

func TestAnalyze_Benchmarks(t *testing.T) {
	e := newEngine(stubRetriever{matches: []api.HistoricalMatch{
		match("q-1", 0.75, "Aluminum Alloy 6061", "16.00", 6, "±0.05mm"),
		match("q-2", 0.25, "Aluminum Alloy 6061", "20.00", 4, "±0.05mm"),
	}})

	a, err := e.Analyze(context.Background(), request())
	require.NoError(t, err)

	b := a.Benchmarks
	require.True(t, b.Known)
	assert.True(t, b.AvgUnitPrice.Equal(decimal.RequireFromString("17")), b.AvgUnitPrice.String())
	assert.InDelta(t, 5.5, b.AvgLeadTimeWeeks, 1e-9)
	assert.InDelta(t, 3.0, b.PriceVariance, 1e-9)
	assert.Equal(t, 4, b.MinLeadTimeWeeks)
	assert.Equal(t, 4, b.MinLeadTimeByMaterial["aluminum alloy 6061"])
	assert.InDelta(t, 0.05, b.AvgToleranceMM, 1e-9)

	assert.True(t, a.HasRisk(api.RiskTightTolerance))
	assert.False(t, a.HasRisk(api.RiskCompressedSchedule))
	assert.False(t, a.HasRisk(api.RiskNoHistoricalData))
	assert.Greater(t, a.Confidence, 0.0)
	assert.LessOrEqual(t, a.Confidence, 1.0)
	assert.Equal(t, "stub", a.HistoryVersion)
}

func TestAnalyze_EmptyRetrieval(t *testing.T) {
	a, err := newEngine(stubRetriever{}).Analyze(context.Background(), request())
	require.NoError(t, err)

	assert.False(t, a.Benchmarks.Known)
	assert.Empty(t, a.Matches)
	assert.Equal(t, []string{api.RiskNoHistoricalData}, a.RiskFlags)
	assert.False(t, a.RetrievalDegraded)
}

func TestAnalyze_RetrieverErrorDegrades(t *testing.T) {
	a, err := newEngine(stubRetriever{err: errors.New("vector store down")}).Analyze(context.Background(), request())
	require.NoError(t, err)

	assert.True(t, a.RetrievalDegraded)
	assert.False(t, a.Benchmarks.Known)
	assert.Equal(t, []string{api.RiskNoHistoricalData, api.RiskRetrievalUnavailable}, a.RiskFlags)
}

func TestAnalyze_RetrieverTimeoutDegrades(t *testing.T) {
	a, err := newEngine(stubRetriever{delay: time.Second}).Analyze(context.Background(), request())
	require.NoError(t, err)

	assert.True(t, a.RetrievalDegraded)
	assert.True(t, a.HasRisk(api.RiskRetrievalUnavailable))
}

func TestAnalyze_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newEngine(stubRetriever{delay: time.Second}).Analyze(ctx, request())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAnalyze_CompressedSchedule(t *testing.T) {
	e := newEngine(stubRetriever{matches: []api.HistoricalMatch{
		match("q-1", 0.9, "Aluminum Alloy 6061", "16.00", 8, ""),
	}})

	a, err := e.Analyze(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, a.HasRisk(api.RiskCompressedSchedule))
}

func TestAnalyze_UnknownMaterial(t *testing.T) {
	req := request()
	req.Material = "Unobtainium"

	a, err := newEngine(stubRetriever{}).Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{api.RiskNoHistoricalData, api.RiskUnknownMaterial}, a.RiskFlags)
}

func TestAnalyze_InvalidRequest(t *testing.T) {
	req := request()
	req.Quantity = 0

	_, err := newEngine(stubRetriever{}).Analyze(context.Background(), req)
	assert.Error(t, err)
}

func TestBenchmark_ZeroScoresWeightedEqually(t *testing.T) {
	b := Benchmark([]api.HistoricalMatch{
		match("q-1", 0, "Copper Rod", "10.00", 4, ""),
		match("q-2", 0, "Copper Rod", "20.00", 6, ""),
	})

	require.True(t, b.Known)
	assert.True(t, b.AvgUnitPrice.Equal(decimal.NewFromInt(15)))
}
