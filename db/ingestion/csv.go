package ingestion

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"quotegenius/pkg/api"
)

// Column names understood in a history CSV header. Order is free.
const (
	ColQuoteID     = "quote_id"
	ColDate        = "date"
	ColCustomerID  = "customer_id"
	ColIndustry    = "industry"
	ColProjectName = "project_name"
	ColMaterial    = "material"
	ColQuantity    = "quantity"
	ColUnitPrice   = "unit_price"
	ColTotalPrice  = "total_price"
	ColLeadTime    = "lead_time_weeks"
	ColTolerance   = "tolerance"
	ColWon         = "won"
)

var requiredColumns = []string{ColQuoteID, ColMaterial, ColQuantity, ColUnitPrice, ColLeadTime}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05"}

// ParseError locates a malformed CSV row.
type ParseError struct {
	Line   int
	Column string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("line %d, column %s: %v", e.Line, e.Column, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseCSV reads historical projects from a headered CSV stream.
// Rows without a total_price get unit_price × quantity.
func ParseCSV(r io.Reader) ([]api.HistoricalProject, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, &ParseError{Line: 1, Err: errors.New("missing header")}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, &ParseError{Line: 1, Column: col, Err: errors.New("required column missing")}
		}
	}

	var projects []api.HistoricalProject
	seen := make(map[string]int)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		line, _ := reader.FieldPos(0)

		row := csvRow{record: record, index: index, line: line}
		p, err := row.project()
		if err != nil {
			return nil, err
		}
		if first, dup := seen[p.QuoteID]; dup {
			return nil, &ParseError{Line: line, Column: ColQuoteID, Err: fmt.Errorf("duplicate quote id %q (first on line %d)", p.QuoteID, first)}
		}
		seen[p.QuoteID] = line
		projects = append(projects, p)
	}
	return projects, nil
}

type csvRow struct {
	record []string
	index  map[string]int
	line   int
}

func (r csvRow) get(col string) string {
	i, ok := r.index[col]
	if !ok || i >= len(r.record) {
		return ""
	}
	return strings.TrimSpace(r.record[i])
}

func (r csvRow) fail(col string, err error) error {
	return &ParseError{Line: r.line, Column: col, Err: err}
}

func (r csvRow) project() (api.HistoricalProject, error) {
	p := api.HistoricalProject{
		QuoteID:     r.get(ColQuoteID),
		CustomerID:  r.get(ColCustomerID),
		Industry:    r.get(ColIndustry),
		ProjectName: r.get(ColProjectName),
		Material:    r.get(ColMaterial),
		Tolerance:   r.get(ColTolerance),
	}
	if p.QuoteID == "" {
		return p, r.fail(ColQuoteID, errors.New("empty"))
	}
	if p.Material == "" {
		return p, r.fail(ColMaterial, errors.New("empty"))
	}

	qty, err := strconv.Atoi(r.get(ColQuantity))
	if err != nil || qty <= 0 {
		return p, r.fail(ColQuantity, fmt.Errorf("not a positive integer: %q", r.get(ColQuantity)))
	}
	p.Quantity = qty

	weeks, err := strconv.Atoi(r.get(ColLeadTime))
	if err != nil || weeks <= 0 {
		return p, r.fail(ColLeadTime, fmt.Errorf("not a positive integer: %q", r.get(ColLeadTime)))
	}
	p.LeadTimeWeeks = weeks

	unit, err := decimal.NewFromString(r.get(ColUnitPrice))
	if err != nil || !unit.IsPositive() {
		return p, r.fail(ColUnitPrice, fmt.Errorf("not a positive price: %q", r.get(ColUnitPrice)))
	}
	p.UnitPrice = unit

	if raw := r.get(ColTotalPrice); raw != "" {
		total, err := decimal.NewFromString(raw)
		if err != nil || total.IsNegative() {
			return p, r.fail(ColTotalPrice, fmt.Errorf("not a price: %q", raw))
		}
		p.TotalPrice = total.Round(2)
	} else {
		p.TotalPrice = unit.Mul(decimal.NewFromInt(int64(qty))).Round(2)
	}

	if raw := r.get(ColDate); raw != "" {
		at, err := parseDate(raw)
		if err != nil {
			return p, r.fail(ColDate, err)
		}
		p.QuotedAt = at
	}

	if raw := r.get(ColWon); raw != "" {
		won, err := strconv.ParseBool(strings.ToLower(raw))
		if err != nil {
			return p, r.fail(ColWon, fmt.Errorf("not a boolean: %q", raw))
		}
		p.Won = won
	}

	return p, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
