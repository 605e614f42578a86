// Package pricing provides the reference material catalog used as the
// fallback price table when no historical benchmark is available.
package pricing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Material is one catalog entry.
type Material struct {
	Name                  string
	Unit                  string
	BasePrice             decimal.Decimal
	StandardLeadTimeWeeks int
}

// PriceStore is an in-memory material price table keyed by lower-cased name.
type PriceStore struct {
	entries map[string]Material
}

// NewPriceStore creates a store preloaded with the reference catalog.
func NewPriceStore() *PriceStore {
	store := &PriceStore{
		entries: make(map[string]Material),
	}

	store.Add(Material{Name: "Aluminum Alloy 6061", Unit: "kg", BasePrice: decimal.RequireFromString("15.50"), StandardLeadTimeWeeks: 4})
	store.Add(Material{Name: "Stainless Steel 304", Unit: "kg", BasePrice: decimal.RequireFromString("12.75"), StandardLeadTimeWeeks: 4})
	store.Add(Material{Name: "Carbon Fiber Sheet", Unit: "sqm", BasePrice: decimal.RequireFromString("85.00"), StandardLeadTimeWeeks: 6})
	store.Add(Material{Name: "Titanium Grade 5", Unit: "kg", BasePrice: decimal.RequireFromString("110.00"), StandardLeadTimeWeeks: 8})
	store.Add(Material{Name: "High-Density Polyethylene", Unit: "kg", BasePrice: decimal.RequireFromString("8.25"), StandardLeadTimeWeeks: 3})
	store.Add(Material{Name: "Copper Rod", Unit: "kg", BasePrice: decimal.RequireFromString("22.50"), StandardLeadTimeWeeks: 4})
	store.Add(Material{Name: "Precision Bearings", Unit: "units", BasePrice: decimal.RequireFromString("45.00"), StandardLeadTimeWeeks: 5})
	store.Add(Material{Name: "Hydraulic Cylinders", Unit: "units", BasePrice: decimal.RequireFromString("155.00"), StandardLeadTimeWeeks: 8})
	store.Add(Material{Name: "Electronic Control Boards", Unit: "units", BasePrice: decimal.RequireFromString("210.00"), StandardLeadTimeWeeks: 10})
	store.Add(Material{Name: "Industrial Fasteners", Unit: "boxes", BasePrice: decimal.RequireFromString("35.00"), StandardLeadTimeWeeks: 2})

	return store
}

// Add inserts or replaces a catalog entry.
func (s *PriceStore) Add(m Material) {
	s.entries[normalize(m.Name)] = m
}

// Get looks up a material by name, case-insensitively. A request naming a
// grade variant ("Stainless Steel 304L") matches the longest catalog prefix.
func (s *PriceStore) Get(name string) (Material, bool) {
	key := normalize(name)
	if m, ok := s.entries[key]; ok {
		return m, true
	}

	var best Material
	found := false
	for k, m := range s.entries {
		if strings.HasPrefix(key, k) && (!found || len(k) > len(normalize(best.Name))) {
			best, found = m, true
		}
	}
	return best, found
}

// Resolve returns the catalog unit price for name.
func (s *PriceStore) Resolve(name string) (decimal.Decimal, error) {
	m, ok := s.Get(name)
	if !ok {
		return decimal.Zero, fmt.Errorf("no catalog price for material: %s", name)
	}
	return m.BasePrice, nil
}

// Names lists catalog materials in sorted order.
func (s *PriceStore) Names() []string {
	out := make([]string, 0, len(s.entries))
	for _, m := range s.entries {
		out = append(out, m.Name)
	}
	sort.Strings(out)
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
