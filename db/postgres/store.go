// Package postgres persists quotes, pipeline failures, customer feedback and
// the customer directory in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"quotegenius/pkg/api"
)

// ErrNotFound is returned when a quote does not exist.
var ErrNotFound = errors.New("not found")

// Quote statuses.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// StoredQuote is a persisted quote with its lifecycle status.
type StoredQuote struct {
	Request   api.Request    `json:"request"`
	Quote     api.FinalQuote `json:"quote"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// QuoteSummary is one row of a customer's quote history.
type QuoteSummary struct {
	QuoteID        string          `json:"quote_id"`
	ProjectName    string          `json:"project_name"`
	Material       string          `json:"material"`
	OptimizedTotal decimal.Decimal `json:"optimized_total"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Analytics summarizes persisted quotes.
type Analytics struct {
	TotalQuotes        int             `json:"total_quotes"`
	TotalValue         decimal.Decimal `json:"total_value"`
	AverageValue       decimal.Decimal `json:"average_value"`
	StatusDistribution map[string]int  `json:"status_distribution"`
	WinRate            float64         `json:"win_rate"`
	Failures           int             `json:"failures"`
}

// Store implements the coordinator sink and quote lookups over PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore opens and pings dsn.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromDB wraps an open handle.
func NewStoreFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS customers (
	customer_id        TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	industry           TEXT NOT NULL DEFAULT '',
	relationship_years INTEGER NOT NULL DEFAULT 0,
	credit_score       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS quotes (
	quote_id          UUID PRIMARY KEY,
	customer_id       TEXT NOT NULL,
	project_name      TEXT NOT NULL DEFAULT '',
	material          TEXT NOT NULL,
	quantity          INTEGER NOT NULL,
	total             NUMERIC(14,2) NOT NULL,
	optimized_total   NUMERIC(14,2) NOT NULL,
	applied_rule_ids  TEXT[] NOT NULL DEFAULT '{}',
	rule_set_version  TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'pending',
	request           JSONB NOT NULL,
	quote             JSONB NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS quotes_customer_idx ON quotes (customer_id, created_at DESC);

CREATE TABLE IF NOT EXISTS quote_failures (
	id          BIGSERIAL PRIMARY KEY,
	customer_id TEXT NOT NULL,
	stage       TEXT NOT NULL,
	code        TEXT NOT NULL,
	reason      TEXT NOT NULL,
	retryable   BOOLEAN NOT NULL,
	request     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS quote_feedback (
	id          BIGSERIAL PRIMARY KEY,
	quote_id    UUID NOT NULL REFERENCES quotes (quote_id),
	accepted    BOOLEAN NOT NULL,
	feedback    TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// =============================================================================
// QUOTES
// =============================================================================

// RecordQuote stores a final quote. Re-recording the same quote ID is a no-op.
func (s *Store) RecordQuote(ctx context.Context, req api.Request, quote *api.FinalQuote) error {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	quoteJSON, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("failed to marshal quote: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quotes (
			quote_id, customer_id, project_name, material, quantity,
			total, optimized_total, applied_rule_ids, rule_set_version, request, quote
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (quote_id) DO NOTHING
	`,
		quote.QuoteID, quote.CustomerID, quote.ProjectName, quote.Material, quote.Quantity,
		quote.Total, quote.OptimizedTotal, pq.Array(quote.AppliedRuleIDs), quote.RuleSetVersion,
		reqJSON, quoteJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert quote: %w", err)
	}
	return nil
}

// RecordFailure stores a failure descriptor.
func (s *Store) RecordFailure(ctx context.Context, req api.Request, f api.Failure) error {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quote_failures (customer_id, stage, code, reason, retryable, request)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, req.CustomerID, f.Stage, f.Code, f.Reason, f.Retryable, reqJSON)
	if err != nil {
		return fmt.Errorf("failed to insert failure: %w", err)
	}
	return nil
}

// GetQuote retrieves a quote by ID. IDs that are not UUIDs cannot exist and
// give ErrNotFound.
func (s *Store) GetQuote(ctx context.Context, quoteID string) (*StoredQuote, error) {
	if !validQuoteID(quoteID) {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT request, quote, status, created_at, updated_at FROM quotes WHERE quote_id = $1
	`, quoteID)

	var sq StoredQuote
	var reqJSON, quoteJSON []byte
	err := row.Scan(&reqJSON, &quoteJSON, &sq.Status, &sq.CreatedAt, &sq.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quote: %w", err)
	}
	if err := json.Unmarshal(reqJSON, &sq.Request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	if err := json.Unmarshal(quoteJSON, &sq.Quote); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quote: %w", err)
	}
	return &sq, nil
}

// LoadQuote returns the stored request and quote for re-optimization.
func (s *Store) LoadQuote(ctx context.Context, quoteID string) (api.Request, *api.FinalQuote, error) {
	sq, err := s.GetQuote(ctx, quoteID)
	if err != nil {
		return api.Request{}, nil, err
	}
	return sq.Request, &sq.Quote, nil
}

func validQuoteID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// CustomerQuotes lists a customer's most recent quotes.
func (s *Store) CustomerQuotes(ctx context.Context, customerID string, limit int) ([]QuoteSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT quote_id, project_name, material, optimized_total, status, created_at
		FROM quotes WHERE customer_id = $1
		ORDER BY created_at DESC, quote_id DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list quotes: %w", err)
	}
	defer rows.Close()

	out := []QuoteSummary{}
	for rows.Next() {
		var q QuoteSummary
		if err := rows.Scan(&q.QuoteID, &q.ProjectName, &q.Material, &q.OptimizedTotal, &q.Status, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan quote: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// =============================================================================
// FEEDBACK
// =============================================================================

// RecordFeedback stores feedback and moves the quote to accepted or rejected.
func (s *Store) RecordFeedback(ctx context.Context, fb api.Feedback) error {
	if !validQuoteID(fb.QuoteID) {
		return ErrNotFound
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE quotes SET status = $2, updated_at = now() WHERE quote_id = $1
	`, fb.QuoteID, StatusFor(fb.Accepted))
	if err != nil {
		return fmt.Errorf("failed to update quote status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO quote_feedback (quote_id, accepted, feedback) VALUES ($1, $2, $3)
	`, fb.QuoteID, fb.Accepted, fb.Text); err != nil {
		return fmt.Errorf("failed to insert feedback: %w", err)
	}

	return tx.Commit()
}

// StatusFor maps a feedback decision to a quote status.
func StatusFor(accepted bool) string {
	if accepted {
		return StatusAccepted
	}
	return StatusRejected
}

// =============================================================================
// ANALYTICS
// =============================================================================

// Analytics aggregates quote totals, status distribution and win rate.
func (s *Store) Analytics(ctx context.Context) (*Analytics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, count(*), COALESCE(sum(optimized_total), 0) FROM quotes GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query analytics: %w", err)
	}
	defer rows.Close()

	var buckets []StatusBucket
	for rows.Next() {
		var b StatusBucket
		if err := rows.Scan(&b.Status, &b.Count, &b.Value); err != nil {
			return nil, fmt.Errorf("failed to scan analytics: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	a := Summarize(buckets)
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM quote_failures`).Scan(&a.Failures); err != nil {
		return nil, fmt.Errorf("failed to count failures: %w", err)
	}
	return a, nil
}

// StatusBucket is the per-status aggregate Analytics is built from.
type StatusBucket struct {
	Status string
	Count  int
	Value  decimal.Decimal
}

// Summarize folds per-status buckets into Analytics. Win rate is accepted over
// decided quotes and zero when nothing has been decided.
func Summarize(buckets []StatusBucket) *Analytics {
	a := &Analytics{
		TotalValue:         decimal.Zero,
		AverageValue:       decimal.Zero,
		StatusDistribution: make(map[string]int),
	}
	for _, b := range buckets {
		a.TotalQuotes += b.Count
		a.TotalValue = a.TotalValue.Add(b.Value)
		a.StatusDistribution[b.Status] += b.Count
	}
	if a.TotalQuotes > 0 {
		a.AverageValue = a.TotalValue.Div(decimal.NewFromInt(int64(a.TotalQuotes))).Round(2)
	}
	decided := a.StatusDistribution[StatusAccepted] + a.StatusDistribution[StatusRejected]
	if decided > 0 {
		a.WinRate = float64(a.StatusDistribution[StatusAccepted]) / float64(decided)
	}
	return a
}

// =============================================================================
// CUSTOMERS
// =============================================================================

// UpsertCustomer inserts or updates a directory entry.
func (s *Store) UpsertCustomer(ctx context.Context, c api.Customer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (customer_id, name, industry, relationship_years, credit_score)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (customer_id) DO UPDATE SET
			name = EXCLUDED.name, industry = EXCLUDED.industry,
			relationship_years = EXCLUDED.relationship_years, credit_score = EXCLUDED.credit_score
	`, c.CustomerID, c.Name, c.Industry, c.RelationshipYears, c.CreditScore)
	if err != nil {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}
	return nil
}

// LoadCustomers returns every directory entry.
func (s *Store) LoadCustomers(ctx context.Context) ([]api.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT customer_id, name, industry, relationship_years, credit_score FROM customers ORDER BY customer_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load customers: %w", err)
	}
	defer rows.Close()

	var out []api.Customer
	for rows.Next() {
		var c api.Customer
		if err := rows.Scan(&c.CustomerID, &c.Name, &c.Industry, &c.RelationshipYears, &c.CreditScore); err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
