// Package customers provides the customer directory used to tell new
// customers from existing ones and to weigh relationship tenure.
package customers

import (
	"sort"
	"sync"

	"quotegenius/pkg/api"
)

// Directory looks up customers by ID.
type Directory interface {
	Lookup(customerID string) (*api.Customer, bool)
}

// Static is an in-memory directory safe for concurrent use.
type Static struct {
	mu        sync.RWMutex
	customers map[string]api.Customer
}

// NewStatic creates a directory holding customers.
func NewStatic(customers ...api.Customer) *Static {
	s := &Static{customers: make(map[string]api.Customer, len(customers))}
	for _, c := range customers {
		s.customers[c.CustomerID] = c
	}
	return s
}

// Reference returns the directory of known reference customers.
func Reference() *Static {
	return NewStatic(
		api.Customer{CustomerID: "cust-101", Name: "Aerospace Dynamics", Industry: "Aerospace", RelationshipYears: 5, CreditScore: 85},
		api.Customer{CustomerID: "cust-102", Name: "Industrial Solutions Inc.", Industry: "Industrial Equipment", RelationshipYears: 3, CreditScore: 72},
		api.Customer{CustomerID: "cust-103", Name: "MedTech Innovations", Industry: "Medical Devices", RelationshipYears: 7, CreditScore: 90},
		api.Customer{CustomerID: "cust-104", Name: "Precision Manufacturing", Industry: "Manufacturing", RelationshipYears: 4, CreditScore: 78},
		api.Customer{CustomerID: "cust-105", Name: "EnergyTech Systems", Industry: "Energy", RelationshipYears: 2, CreditScore: 67},
		api.Customer{CustomerID: "cust-106", Name: "Global Construction", Industry: "Construction", RelationshipYears: 1, CreditScore: 70},
	)
}

// Lookup returns a copy of the customer.
func (s *Static) Lookup(customerID string) (*api.Customer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[customerID]
	if !ok {
		return nil, false
	}
	return &c, true
}

// Put adds or replaces a customer.
func (s *Static) Put(c api.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.CustomerID] = c
}

// List returns all customers ordered by ID.
func (s *Static) List() []api.Customer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]api.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerID < out[j].CustomerID })
	return out
}
