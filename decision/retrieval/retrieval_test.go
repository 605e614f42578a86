package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotegenius/pkg/api"
	"quotegenius/pkg/platform"
)

var day = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func project(id, material string, qty, weeks int, at time.Time) api.HistoricalProject {
	return api.HistoricalProject{
		QuoteID:       id,
		QuotedAt:      at,
		CustomerID:    "cust-101",
		Industry:      "Aerospace",
		Material:      material,
		Quantity:      qty,
		UnitPrice:     decimal.NewFromInt(15),
		TotalPrice:    decimal.NewFromInt(int64(15 * qty)),
		LeadTimeWeeks: weeks,
		Tolerance:     "±0.01mm",
	}
}

func request() api.Request {
	return api.Request{
		CustomerID:    "cust-101",
		Industry:      "Aerospace",
		Material:      "Aluminum Alloy 6061",
		Quantity:      100,
		LeadTimeWeeks: 6,
		Tolerances:    "±0.01mm",
	}
}

func TestRank_TieBreaks(t *testing.T) {
	matches := []api.HistoricalMatch{
		{SourceQuoteID: "q-a", SimilarityScore: 0.5, Summary: api.HistoricalProject{QuotedAt: day}},
		{SourceQuoteID: "q-b", SimilarityScore: 0.5, Summary: api.HistoricalProject{QuotedAt: day}},
		{SourceQuoteID: "q-c", SimilarityScore: 0.5, Summary: api.HistoricalProject{QuotedAt: day.Add(time.Hour)}},
		{SourceQuoteID: "q-d", SimilarityScore: 0.9, Summary: api.HistoricalProject{QuotedAt: day}},
	}

	ranked := Rank(matches, 3)

	ids := []string{ranked[0].SourceQuoteID, ranked[1].SourceQuoteID, ranked[2].SourceQuoteID}
	assert.Equal(t, []string{"q-d", "q-c", "q-b"}, ids)
}

func TestIndex_Similar(t *testing.T) {
	ix := NewIndex("h1", []api.HistoricalProject{
		project("q-1", "Aluminum Alloy 6061", 100, 6, day),
		project("q-2", "Aluminum Alloy 7075", 400, 12, day),
		project("q-3", "Titanium Grade 5", 100, 6, day),
	}, 5)

	matches, err := ix.Similar(context.Background(), request())
	require.NoError(t, err)

	require.Len(t, matches, 2)
	assert.Equal(t, "q-1", matches[0].SourceQuoteID)
	assert.InDelta(t, 1.0, matches[0].SimilarityScore, 1e-9)
	assert.Less(t, matches[1].SimilarityScore, matches[0].SimilarityScore)
	for _, m := range matches {
		assert.GreaterOrEqual(t, m.SimilarityScore, 0.0)
		assert.LessOrEqual(t, m.SimilarityScore, 1.0)
	}
}

func TestIndex_TopK(t *testing.T) {
	var projects []api.HistoricalProject
	for i := 0; i < 10; i++ {
		projects = append(projects, project(string(rune('a'+i)), "Copper Rod", 50+i, 4, day))
	}
	ix := NewIndex("h1", projects, 3)

	req := request()
	req.Material = "Copper Rod"
	matches, err := ix.Similar(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, matches, 3)
}

func TestIndex_EmptyIsValid(t *testing.T) {
	matches, err := NewIndex("h0", nil, 0).Similar(context.Background(), request())
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestIndex_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewIndex("h0", nil, 0).Similar(ctx, request())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLive_SwapAndPin(t *testing.T) {
	live := NewLive(NewIndex("h1", nil, 0))
	pinned := live.Pin()

	live.Swap(NewIndex("h2", []api.HistoricalProject{project("q-1", "Aluminum Alloy 6061", 100, 6, day)}, 0))

	assert.Equal(t, "h1", pinned.Version())
	assert.Equal(t, "h2", live.Version())
}

type failing struct{}

func (failing) Similar(context.Context, api.Request) ([]api.HistoricalMatch, error) {
	return nil, errors.New("down")
}
func (failing) Version() string { return "failing" }

func TestMultiPool_MergesAndDedupes(t *testing.T) {
	a := NewIndex("a", []api.HistoricalProject{project("q-1", "Aluminum Alloy 6061", 100, 6, day)}, 0)
	b := NewIndex("b", []api.HistoricalProject{
		project("q-1", "Aluminum Alloy 6061", 100, 6, day),
		project("q-2", "Aluminum Alloy 6061", 200, 6, day),
	}, 0)

	pool := NewMultiPool(5, zerolog.Nop(), a, b, failing{})
	matches, err := pool.Similar(context.Background(), request())
	require.NoError(t, err)

	require.Len(t, matches, 2)
	assert.Equal(t, "q-1", matches[0].SourceQuoteID)
	assert.Equal(t, "a+b+failing", pool.Version())
}

func TestMultiPool_AllFail(t *testing.T) {
	pool := NewMultiPool(5, zerolog.Nop(), failing{}, failing{})
	_, err := pool.Similar(context.Background(), request())
	assert.Error(t, err)
}

func TestHTTPClient_Similar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body similarRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 2, body.K)

		json.NewEncoder(w).Encode(similarResponse{
			Version: "remote",
			Matches: []api.HistoricalMatch{
				{SourceQuoteID: "q-1", SimilarityScore: 0.4},
				{SourceQuoteID: "q-2", SimilarityScore: 0.8},
				{SourceQuoteID: "q-3", SimilarityScore: 1.7},
				{SourceQuoteID: "q-4", SimilarityScore: 0.6},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "remote", 2, platform.NewHTTPClient(0, time.Second))
	matches, err := c.Similar(context.Background(), request())
	require.NoError(t, err)

	require.Len(t, matches, 2)
	assert.Equal(t, "q-2", matches[0].SourceQuoteID)
	assert.Equal(t, "q-4", matches[1].SourceQuoteID)
}

func TestHTTPClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	hc := platform.NewHTTPClient(1, time.Second)
	hc.Backoff = time.Millisecond
	c := NewHTTPClient(srv.URL, "remote", 5, hc)

	_, err := c.Similar(context.Background(), request())
	assert.Error(t, err)
}

func TestWonOnly_Index(t *testing.T) {
	lost := project("q-1", "Aluminum Alloy 6061", 100, 6, day)
	won := project("q-2", "Aluminum Alloy 6061", 120, 6, day)
	won.Won = true
	live := NewLive(NewIndex("h1", []api.HistoricalProject{lost, won}, 5))

	r := WonOnly(live)
	assert.Equal(t, "h1+won", r.Version())

	matches, err := r.Similar(context.Background(), request())
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "q-2", matches[0].SourceQuoteID)

	// The won view is pinned; later swaps do not affect it.
	live.Swap(NewIndex("h2", nil, 5))
	assert.Equal(t, "h1+won", r.Version())
}

type fixedMatches []api.HistoricalMatch

func (f fixedMatches) Similar(context.Context, api.Request) ([]api.HistoricalMatch, error) {
	return append([]api.HistoricalMatch(nil), f...), nil
}
func (fixedMatches) Version() string { return "remote" }

func TestWonOnly_FiltersRemoteMatches(t *testing.T) {
	r := WonOnly(fixedMatches{
		{SourceQuoteID: "q-1", SimilarityScore: 0.9},
		{SourceQuoteID: "q-2", SimilarityScore: 0.8, Summary: api.HistoricalProject{Won: true}},
	})
	assert.Equal(t, "remote+won", r.Version())

	matches, err := r.Similar(context.Background(), request())
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "q-2", matches[0].SourceQuoteID)

	_, err = WonOnly(failing{}).Similar(context.Background(), request())
	assert.Error(t, err)
}
