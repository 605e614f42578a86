// Package retrieval finds historical projects similar to a quote request.
package retrieval

import (
	"context"
	"sort"

	"quotegenius/pkg/api"
)

// DefaultTopK is the number of matches returned when no limit is configured.
const DefaultTopK = 5

// Retriever returns at most K historical matches for a request, ordered by
// descending similarity. An empty result is valid.
type Retriever interface {
	Similar(ctx context.Context, req api.Request) ([]api.HistoricalMatch, error)
	// Version identifies the history snapshot the matches come from.
	Version() string
}

// Pinner is implemented by retrievers whose underlying index can be swapped.
// Pin returns a retriever fixed to the snapshot current at call time.
type Pinner interface {
	Pin() Retriever
}

// Rank sorts matches by similarity descending, then quote date descending,
// then source quote ID descending, and truncates to k.
func Rank(matches []api.HistoricalMatch, k int) []api.HistoricalMatch {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.SimilarityScore != b.SimilarityScore {
			return a.SimilarityScore > b.SimilarityScore
		}
		if !a.Summary.QuotedAt.Equal(b.Summary.QuotedAt) {
			return a.Summary.QuotedAt.After(b.Summary.QuotedAt)
		}
		return a.SourceQuoteID > b.SourceQuoteID
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// WonSuffix marks the version of a won-only view.
const WonSuffix = "+won"

// WonOnly restricts r to projects that were won. Swappable retrievers are
// pinned first. An in-memory index is filtered before ranking; other
// retrievers have their top K filtered, so they may return fewer matches.
func WonOnly(r Retriever) Retriever {
	if r == nil {
		return nil
	}
	if p, ok := r.(Pinner); ok {
		r = p.Pin()
	}
	if ix, ok := r.(*Index); ok {
		return ix.Won()
	}
	return wonFilter{r}
}

type wonFilter struct {
	inner Retriever
}

func (f wonFilter) Similar(ctx context.Context, req api.Request) ([]api.HistoricalMatch, error) {
	matches, err := f.inner.Similar(ctx, req)
	if err != nil {
		return nil, err
	}
	won := matches[:0]
	for _, m := range matches {
		if m.Summary.Won {
			won = append(won, m)
		}
	}
	return won, nil
}

func (f wonFilter) Version() string { return f.inner.Version() + WonSuffix }
