package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"quotegenius/pkg/api"
)

// MultiPool fans a query out to several retrievers concurrently and merges the
// results. It fails only when every retriever fails.
type MultiPool struct {
	retrievers []Retriever
	k          int
	logger     zerolog.Logger
}

// NewMultiPool creates a pool over retrievers.
func NewMultiPool(k int, logger zerolog.Logger, retrievers ...Retriever) *MultiPool {
	if k <= 0 {
		k = DefaultTopK
	}
	return &MultiPool{retrievers: retrievers, k: k, logger: logger}
}

func (p *MultiPool) Version() string {
	versions := make([]string, len(p.retrievers))
	for i, r := range p.retrievers {
		versions[i] = r.Version()
	}
	return strings.Join(versions, "+")
}

// Pin pins every member that supports it.
func (p *MultiPool) Pin() Retriever {
	pinned := make([]Retriever, len(p.retrievers))
	for i, r := range p.retrievers {
		if pr, ok := r.(Pinner); ok {
			pinned[i] = pr.Pin()
		} else {
			pinned[i] = r
		}
	}
	return &MultiPool{retrievers: pinned, k: p.k, logger: p.logger}
}

func (p *MultiPool) Similar(ctx context.Context, req api.Request) ([]api.HistoricalMatch, error) {
	if len(p.retrievers) == 0 {
		return nil, nil
	}

	results := make([][]api.HistoricalMatch, len(p.retrievers))
	errs := make([]error, len(p.retrievers))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range p.retrievers {
		g.Go(func() error {
			matches, err := r.Similar(gctx, req)
			if err != nil {
				// A failed member must not cancel its siblings.
				errs[i] = fmt.Errorf("retriever %s: %w", r.Version(), err)
				return nil
			}
			results[i] = matches
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			p.logger.Warn().Err(err).Msg("Retriever failed, continuing with remaining pool")
		}
	}
	if failed == len(p.retrievers) {
		return nil, errors.Join(errs...)
	}

	best := make(map[string]api.HistoricalMatch)
	for _, matches := range results {
		for _, m := range matches {
			if cur, ok := best[m.SourceQuoteID]; !ok || m.SimilarityScore > cur.SimilarityScore {
				best[m.SourceQuoteID] = m
			}
		}
	}

	merged := make([]api.HistoricalMatch, 0, len(best))
	for _, m := range best {
		merged = append(merged, m)
	}
	return Rank(merged, p.k), nil
}
