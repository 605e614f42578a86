package retrieval

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"quotegenius/pkg/api"
	"quotegenius/pkg/units"
)

// Feature weights sum to 1 so a perfect match scores 1.
const (
	weightMaterial  = 0.45
	weightIndustry  = 0.15
	weightQuantity  = 0.20
	weightLeadTime  = 0.10
	weightTolerance = 0.10

	// familyCredit is the share of the material weight given when only the
	// material family (first word) matches.
	familyCredit = 0.6
)

// Index is an immutable in-memory historical index scored by feature similarity.
type Index struct {
	version  string
	projects []api.HistoricalProject
	k        int
}

// NewIndex creates an index over projects. k <= 0 uses DefaultTopK.
func NewIndex(version string, projects []api.HistoricalProject, k int) *Index {
	if k <= 0 {
		k = DefaultTopK
	}
	cp := make([]api.HistoricalProject, len(projects))
	copy(cp, projects)
	return &Index{version: version, projects: cp, k: k}
}

// Loader supplies the active history snapshot.
type Loader interface {
	ActiveProjects(ctx context.Context) (version string, projects []api.HistoricalProject, err error)
}

// Load builds an index from the loader's active snapshot.
func Load(ctx context.Context, loader Loader, k int) (*Index, error) {
	version, projects, err := loader.ActiveProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return NewIndex(version, projects, k), nil
}

func (ix *Index) Version() string { return ix.version }

// Len returns the number of indexed projects.
func (ix *Index) Len() int { return len(ix.projects) }

// Won returns an index over the projects that were won.
func (ix *Index) Won() *Index {
	won := make([]api.HistoricalProject, 0, len(ix.projects))
	for _, p := range ix.projects {
		if p.Won {
			won = append(won, p)
		}
	}
	return &Index{version: ix.version + WonSuffix, projects: won, k: ix.k}
}

// Similar scores every project against req. Projects whose material shares
// neither name nor family with the request are never returned.
func (ix *Index) Similar(ctx context.Context, req api.Request) ([]api.HistoricalMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reqTol, reqHasTol := units.ParseToleranceMM(req.Tolerances)

	var matches []api.HistoricalMatch
	for _, p := range ix.projects {
		m := materialScore(req.Material, p.Material)
		if m == 0 {
			continue
		}

		score := weightMaterial * m
		if req.Industry != "" && strings.EqualFold(req.Industry, p.Industry) {
			score += weightIndustry
		}
		score += weightQuantity * ratio(float64(req.Quantity), float64(p.Quantity))
		score += weightLeadTime * ratio(float64(req.LeadTimeWeeks), float64(p.LeadTimeWeeks))
		if reqHasTol {
			if tol, ok := units.ParseToleranceMM(p.Tolerance); ok {
				score += weightTolerance * ratio(reqTol, tol)
			}
		}

		matches = append(matches, api.HistoricalMatch{
			SourceQuoteID:   p.QuoteID,
			SimilarityScore: math.Round(score*1e6) / 1e6,
			Summary:         p,
		})
	}

	return Rank(matches, ix.k), nil
}

func materialScore(want, have string) float64 {
	want = strings.ToLower(strings.TrimSpace(want))
	have = strings.ToLower(strings.TrimSpace(have))
	if want == "" || have == "" {
		return 0
	}
	if want == have {
		return 1
	}
	if strings.HasPrefix(want, have) || strings.HasPrefix(have, want) {
		return 0.8
	}
	if family(want) == family(have) {
		return familyCredit
	}
	return 0
}

func family(material string) string {
	if i := strings.IndexByte(material, ' '); i > 0 {
		return material[:i]
	}
	return material
}

// ratio is min/max of two positive values, 0 when either is non-positive.
func ratio(a, b float64) float64 {
	if a <= 0 || b <= 0 {
		return 0
	}
	return math.Min(a, b) / math.Max(a, b)
}

// Live serves the most recently installed index.
type Live struct {
	current atomic.Pointer[Index]
}

// NewLive creates a live retriever serving ix.
func NewLive(ix *Index) *Live {
	l := &Live{}
	l.current.Store(ix)
	return l
}

// Swap installs ix and returns the previous index.
func (l *Live) Swap(ix *Index) *Index {
	return l.current.Swap(ix)
}

func (l *Live) Similar(ctx context.Context, req api.Request) ([]api.HistoricalMatch, error) {
	return l.current.Load().Similar(ctx, req)
}

func (l *Live) Version() string { return l.current.Load().Version() }

// Pin returns the index current at call time.
func (l *Live) Pin() Retriever { return l.current.Load() }
