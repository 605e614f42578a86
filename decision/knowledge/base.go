package knowledge

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Base serves the current rule set. Readers pin a snapshot per pipeline run;
// Replace installs a new version without disturbing runs in flight.
type Base struct {
	current atomic.Pointer[RuleSet]
	logger  zerolog.Logger
}

// NewBase creates a knowledge base serving rs.
func NewBase(rs *RuleSet, logger zerolog.Logger) *Base {
	b := &Base{logger: logger.With().Str("component", "knowledge").Logger()}
	b.current.Store(rs)
	return b
}

// Snapshot returns the rule set in effect now.
func (b *Base) Snapshot() *RuleSet {
	return b.current.Load()
}

// Replace installs rs and returns the version it replaced.
func (b *Base) Replace(rs *RuleSet) string {
	old := b.current.Swap(rs)
	b.logger.Info().
		Str("old_version", old.Version).
		Str("new_version", rs.Version).
		Int("rules", rs.Len()).
		Msg("Rule set replaced")
	return old.Version
}

// ApplicableRules resolves the customer's rules against the current snapshot.
func (b *Base) ApplicableRules(customerID string) ApplicableRuleSet {
	set := b.Snapshot().ApplicableRules(customerID)
	b.logger.Debug().
		Str("customer_id", customerID).
		Str("version", set.Version).
		Int("rules", len(set.Rules)).
		Msg("Resolved applicable rules")
	return set
}
