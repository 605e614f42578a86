package api

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	qerrors "quotegenius/pkg/errors"
)

// quoteNamespace scopes deterministic quote IDs.
var quoteNamespace = uuid.MustParse("6f1c5e0a-9b7d-4f3e-a2c1-5d8e7b9a0c4f")

// Request is the immutable input of one quote cycle.
type Request struct {
	ProjectName         string `json:"project_name"`
	CustomerID          string `json:"customer_id"`
	Industry            string `json:"industry"`
	Material            string `json:"material"`
	Quantity            int    `json:"quantity"`
	Tolerances          string `json:"tolerances"`
	LeadTimeWeeks       int    `json:"lead_time_weeks"`
	DeliverySchedule    string `json:"delivery_schedule"`
	SpecialInstructions string `json:"special_instructions"`
}

// Validate rejects requests the pipeline cannot price.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.CustomerID) == "":
		return qerrors.NewInvalidRequestError("customer_id is required")
	case strings.TrimSpace(r.Material) == "":
		return qerrors.NewInvalidRequestError("material is required")
	case r.Quantity <= 0:
		return qerrors.NewInvalidRequestError("quantity must be positive")
	case r.LeadTimeWeeks <= 0:
		return qerrors.NewInvalidRequestError("lead_time_weeks must be positive")
	}
	return nil
}

// QuoteID derives a stable identifier from the request and the versions of the
// rule set and historical index it was priced against.
func (r Request) QuoteID(ruleSetVersion, historyVersion string) string {
	body, _ := json.Marshal(r)
	name := append(body, []byte("|"+ruleSetVersion+"|"+historyVersion)...)
	return uuid.NewSHA1(quoteNamespace, name).String()
}

// Customer is the directory entry for a customer.
type Customer struct {
	CustomerID        string `json:"customer_id"`
	Name              string `json:"customer_name"`
	Industry          string `json:"industry"`
	RelationshipYears int    `json:"relationship_length"`
	CreditScore       int    `json:"credit_score"`
}

// Existing reports whether the customer has an established relationship.
func (c *Customer) Existing() bool {
	return c != nil && c.RelationshipYears > 0
}

// Feedback is a customer's response to a delivered quote.
type Feedback struct {
	QuoteID  string `json:"quote_id"`
	Accepted bool   `json:"accepted"`
	Text     string `json:"feedback"`
}

// Failure describes a pipeline run that ended FAILED.
type Failure struct {
	Stage     string `json:"stage"`
	Code      string `json:"code"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}
