package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotegenius/db/postgres"
	"quotegenius/decision/analysis"
	"quotegenius/decision/coordinator"
	"quotegenius/decision/knowledge"
	"quotegenius/decision/optimization"
	"quotegenius/decision/retrieval"
	"quotegenius/internal/customers"
	qapi "quotegenius/pkg/api"
	"quotegenius/pkg/platform"
)

type fakeStore struct {
	quotes   map[string]*postgres.StoredQuote
	feedback []qapi.Feedback
	pingErr  error
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) GetQuote(_ context.Context, id string) (*postgres.StoredQuote, error) {
	q, ok := f.quotes[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	return q, nil
}

func (f *fakeStore) CustomerQuotes(_ context.Context, customerID string, limit int) ([]postgres.QuoteSummary, error) {
	var out []postgres.QuoteSummary
	for id, q := range f.quotes {
		if q.Quote.CustomerID == customerID && len(out) < limit {
			out = append(out, postgres.QuoteSummary{QuoteID: id, Status: q.Status})
		}
	}
	return out, nil
}

func (f *fakeStore) RecordFeedback(_ context.Context, fb qapi.Feedback) error {
	if _, ok := f.quotes[fb.QuoteID]; !ok {
		return postgres.ErrNotFound
	}
	f.feedback = append(f.feedback, fb)
	return nil
}

func (f *fakeStore) RecordQuote(_ context.Context, req qapi.Request, q *qapi.FinalQuote) error {
	if f.quotes == nil {
		f.quotes = map[string]*postgres.StoredQuote{}
	}
	f.quotes[q.QuoteID] = &postgres.StoredQuote{Request: req, Quote: *q, Status: postgres.StatusPending}
	return nil
}

func (f *fakeStore) RecordFailure(context.Context, qapi.Request, qapi.Failure) error { return nil }

func (f *fakeStore) LoadQuote(ctx context.Context, id string) (qapi.Request, *qapi.FinalQuote, error) {
	sq, err := f.GetQuote(ctx, id)
	if err != nil {
		return qapi.Request{}, nil, err
	}
	return sq.Request, &sq.Quote, nil
}

func (f *fakeStore) Analytics(context.Context) (*postgres.Analytics, error) {
	return postgres.Summarize([]postgres.StatusBucket{
		{Status: postgres.StatusAccepted, Count: 1, Value: decimal.NewFromInt(100)},
	}), nil
}

func newTestServer(t *testing.T, store QuoteStore, cfg *Config) *httptest.Server {
	t.Helper()
	rules := knowledge.NewBase(knowledge.Reference(), zerolog.Nop())
	projects := []qapi.HistoricalProject{{
		QuoteID: "q-1", QuotedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), CustomerID: "cust-103",
		Material: "Stainless Steel 304", Quantity: 200, UnitPrice: decimal.RequireFromString("13.40"),
		LeadTimeWeeks: 6, Tolerance: "±0.02mm", Won: true,
	}}
	deps := coordinator.Deps{
		Knowledge:    rules,
		Retriever:    retrieval.NewIndex("h1", projects, 5),
		Customers:    customers.Reference(),
		Analysis:     analysis.DefaultConfig(),
		Optimization: optimization.DefaultConfig(),
		Logger:       zerolog.Nop(),
	}
	if fs, ok := store.(*fakeStore); ok {
		deps.Sink = fs
		deps.Quotes = fs
	}
	engine := coordinator.NewEngine(deps)
	if cfg == nil {
		cfg = DefaultConfig()
	}
	srv := httptest.NewServer(NewServer(engine, rules, store, cfg, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	resp := get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.True(t, strings.HasPrefix(body["rule_set_version"], "rules-"))
}

func TestReady(t *testing.T) {
	srv := newTestServer(t, &fakeStore{pingErr: context.DeadlineExceeded}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv.URL+"/ready").StatusCode)

	srv = newTestServer(t, &fakeStore{}, nil)
	assert.Equal(t, http.StatusOK, get(t, srv.URL+"/ready").StatusCode)
}

func TestCreateQuote(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	resp := post(t, srv.URL+"/api/v1/quotes", `{
		"project_name": "Surgical tray brackets",
		"customer_id": "cust-103",
		"material": "Stainless Steel 304",
		"quantity": 234,
		"tolerances": "±0.01mm",
		"lead_time_weeks": 9
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result coordinator.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, coordinator.StateDone, result.State)
	require.NotNil(t, result.Quote)
	assert.Equal(t, 8, result.Quote.Terms.LeadTimeWeeks)
	assert.NotEmpty(t, result.Quote.QuoteID)
}

func TestCreateQuote_Rejections(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	resp := post(t, srv.URL+"/api/v1/quotes", `{"customer_id": "cust-101", "material": "Copper", "quantity": 0, "lead_time_weeks": 4}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var result coordinator.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, coordinator.StateFailed, result.State)
	require.NotNil(t, result.Failure)
	assert.Equal(t, "INVALID_REQUEST", result.Failure.Code)

	resp = post(t, srv.URL+"/api/v1/quotes", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/api/v1/quotes", `{"customer_id": "cust-101", "material": "Unobtainium", "quantity": 5, "lead_time_weeks": 4}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestRules(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	resp := get(t, srv.URL+"/api/v1/rules?customer_id=cust-103")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var set knowledge.ApplicableRuleSet
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&set))
	assert.Equal(t, "cust-103", set.CustomerID)
	assert.Len(t, set.Rules, 12)

	resp = get(t, srv.URL+"/api/v1/rules?customer_id=unknown")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&set))
	assert.Len(t, set.Rules, 10)
}

func TestQuoteLookupAndFeedback(t *testing.T) {
	store := &fakeStore{quotes: map[string]*postgres.StoredQuote{
		"q-1": {Quote: qapi.FinalQuote{QuoteID: "q-1", DraftQuote: qapi.DraftQuote{CustomerID: "cust-101"}}, Status: postgres.StatusPending},
	}}
	srv := newTestServer(t, store, nil)

	assert.Equal(t, http.StatusOK, get(t, srv.URL+"/api/v1/quotes/q-1").StatusCode)
	assert.Equal(t, http.StatusNotFound, get(t, srv.URL+"/api/v1/quotes/missing").StatusCode)

	resp := post(t, srv.URL+"/api/v1/quotes/q-1/feedback", `{"accepted": true, "feedback": "Good price"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, postgres.StatusAccepted, body["status"])
	require.Len(t, store.feedback, 1)
	assert.Equal(t, "Good price", store.feedback[0].Text)

	assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/api/v1/quotes/q-1/feedback", `{"feedback": "no verdict"}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, post(t, srv.URL+"/api/v1/quotes/missing/feedback", `{"accepted": false}`).StatusCode)

	resp = get(t, srv.URL+"/api/v1/customers/cust-101/quotes?limit=5")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summaries []postgres.QuoteSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summaries))
	assert.Len(t, summaries, 1)

	assert.Equal(t, http.StatusBadRequest, get(t, srv.URL+"/api/v1/customers/cust-101/quotes?limit=-1").StatusCode)
}

func TestReoptimizeQuote(t *testing.T) {
	store := &fakeStore{}
	srv := newTestServer(t, store, nil)

	resp := post(t, srv.URL+"/api/v1/quotes", `{
		"customer_id": "cust-103",
		"material": "Stainless Steel 304",
		"quantity": 234,
		"lead_time_weeks": 9
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created coordinator.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Contains(t, store.quotes, created.Quote.QuoteID)

	resp = post(t, srv.URL+"/api/v1/quotes/"+created.Quote.QuoteID+"/optimize", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out coordinator.Reoptimization
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, created.Quote.QuoteID, out.Quote.QuoteID)
	assert.Equal(t, 1, out.WonMatches)
	assert.True(t, out.PreviousTotal.Equal(created.Quote.OptimizedTotal))

	assert.Equal(t, http.StatusNotFound, post(t, srv.URL+"/api/v1/quotes/missing/optimize", `{}`).StatusCode)
}

func TestReoptimizeQuote_StoreNotConfigured(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, post(t, srv.URL+"/api/v1/quotes/q-1/optimize", `{}`).StatusCode)
}

func TestAnalytics(t *testing.T) {
	srv := newTestServer(t, &fakeStore{}, nil)

	resp := get(t, srv.URL+"/api/v1/analytics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var analytics postgres.Analytics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&analytics))
	assert.Equal(t, 1, analytics.TotalQuotes)
}

func TestStoreNotConfigured(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv.URL+"/api/v1/analytics").StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv.URL+"/api/v1/quotes/q-1").StatusCode)
}

func TestAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey = "secret"
	srv := newTestServer(t, nil, cfg)

	assert.Equal(t, http.StatusUnauthorized, get(t, srv.URL+"/api/v1/rules").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, srv.URL+"/health").StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/rules", nil)
	require.NoError(t, err)
	req.Header.Set(platform.APIKeyHeader, "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	srv := newTestServer(t, nil, cfg)

	assert.Equal(t, http.StatusOK, get(t, srv.URL+"/api/v1/rules").StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, get(t, srv.URL+"/api/v1/rules").StatusCode)
}
