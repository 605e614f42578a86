// Package coordinator runs the quote pipeline: analysis, rule resolution,
// drafting and optimization, strictly in that order.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quotegenius/decision/analysis"
	"quotegenius/decision/generation"
	"quotegenius/decision/knowledge"
	"quotegenius/decision/optimization"
	"quotegenius/decision/policy"
	"quotegenius/decision/retrieval"
	"quotegenius/internal/customers"
	"quotegenius/internal/pricing"
	"quotegenius/pkg/api"
	qerrors "quotegenius/pkg/errors"
)

// State is a pipeline state.
type State string

const (
	StateReceived      State = "RECEIVED"
	StateAnalyzed      State = "ANALYZED"
	StateRulesResolved State = "RULES_RESOLVED"
	StateDrafted       State = "DRAFTED"
	StateOptimized     State = "OPTIMIZED"
	StateDone          State = "DONE"
	StateFailed        State = "FAILED"
)

// Stage names used in failures and logs.
const (
	StageValidation   = "validation"
	StageAnalysis     = "analysis"
	StageKnowledge    = "knowledge"
	StageGeneration   = "generation"
	StageOptimization = "optimization"
)

// DefaultStageTimeout bounds each stage when none is configured.
const DefaultStageTimeout = 10 * time.Second

// Transition records one state change.
type Transition struct {
	From  State  `json:"from"`
	To    State  `json:"to"`
	Stage string `json:"stage"`
}

// Result is the outcome of one run. Quote is set only when State is DONE.
type Result struct {
	State          State           `json:"state"`
	Quote          *api.FinalQuote `json:"quote,omitempty"`
	Failure        *api.Failure    `json:"failure,omitempty"`
	Transitions    []Transition    `json:"transitions"`
	RuleSetVersion string          `json:"rule_set_version"`
	HistoryVersion string          `json:"history_version,omitempty"`

	// Review is the governance verdict on a DONE quote.
	Review *policy.EvaluationResult `json:"review,omitempty"`
}

// Sink persists run outcomes. Its errors never change the outcome.
type Sink interface {
	RecordQuote(ctx context.Context, req api.Request, quote *api.FinalQuote) error
	RecordFailure(ctx context.Context, req api.Request, failure api.Failure) error
}

// QuoteSource loads previously generated quotes with the requests that produced them.
type QuoteSource interface {
	LoadQuote(ctx context.Context, quoteID string) (api.Request, *api.FinalQuote, error)
}

// ErrNoQuoteSource is returned by Reoptimize when no quote source is configured.
var ErrNoQuoteSource = errors.New("quote storage not configured")

// Deps are the versioned collaborators of the pipeline.
type Deps struct {
	Knowledge *knowledge.Base
	Retriever retrieval.Retriever
	Catalog   *pricing.PriceStore
	Customers customers.Directory

	Analysis     analysis.Config
	Optimization optimization.Config
	LaborShare   float64
	StageTimeout time.Duration
	Review       *policy.Engine

	Sink Sink
	// Quotes backs Reoptimize. Optional.
	Quotes QuoteSource
	Logger zerolog.Logger
}

// Engine is the coordinator.
type Engine struct {
	knowledge    *knowledge.Base
	retriever    retrieval.Retriever
	catalog      *pricing.PriceStore
	analysisCfg  analysis.Config
	analyst      *analysis.Engine
	generator    *generation.Engine
	optimizer    *optimization.Engine
	stageTimeout time.Duration
	review       *policy.Engine
	sink         Sink
	quotes       QuoteSource
	logger       zerolog.Logger
}

// NewEngine wires the stages from deps.
func NewEngine(deps Deps) *Engine {
	if deps.Catalog == nil {
		deps.Catalog = pricing.NewPriceStore()
	}
	if deps.Customers == nil {
		deps.Customers = customers.NewStatic()
	}
	if deps.StageTimeout <= 0 {
		deps.StageTimeout = DefaultStageTimeout
	}
	if deps.Review == nil {
		deps.Review = policy.NewEngine()
	}

	generator := generation.NewEngine(deps.Catalog, deps.Customers, deps.Logger)
	if deps.LaborShare > 0 {
		generator.WithLaborShare(deps.LaborShare)
	}

	return &Engine{
		knowledge:    deps.Knowledge,
		retriever:    deps.Retriever,
		catalog:      deps.Catalog,
		analysisCfg:  deps.Analysis,
		analyst:      analysis.NewEngine(deps.Retriever, deps.Catalog, deps.Analysis, deps.Logger),
		generator:    generator,
		optimizer:    optimization.NewEngine(deps.Optimization, deps.Customers, deps.Logger),
		stageTimeout: deps.StageTimeout,
		review:       deps.Review,
		sink:         deps.Sink,
		quotes:       deps.Quotes,
		logger:       deps.Logger.With().Str("component", "coordinator").Logger(),
	}
}

// run tracks the state machine of one request.
type run struct {
	result *Result
	logger zerolog.Logger
}

func (r *run) advance(to State, stage string) {
	r.result.Transitions = append(r.result.Transitions, Transition{From: r.result.State, To: to, Stage: stage})
	r.logger.Debug().Str("from", string(r.result.State)).Str("to", string(to)).Msg("Pipeline transition")
	r.result.State = to
}

func (r *run) fail(stage string, err error) {
	f := api.Failure{
		Stage:     stage,
		Code:      qerrors.CodeOf(err),
		Reason:    err.Error(),
		Retryable: qerrors.IsRecoverable(err),
	}
	if f.Code == "" {
		f.Code = "INTERNAL"
	}
	r.advance(StateFailed, stage)
	r.result.Failure = &f
	r.result.Quote = nil
}

// GenerateQuote runs the pipeline for req. On failure the returned error is the
// stage's error and Result describes it; no partial quote is returned.
func (e *Engine) GenerateQuote(ctx context.Context, req api.Request) (*Result, error) {
	start := time.Now()
	rules := e.knowledge.Snapshot()

	r := &run{
		result: &Result{State: StateReceived, Transitions: []Transition{}, RuleSetVersion: rules.Version},
		logger: e.logger.With().Str("customer_id", req.CustomerID).Str("material", req.Material).Logger(),
	}

	quote, err := e.pipeline(ctx, r, req, rules)
	if err != nil {
		r.logger.Warn().Err(err).
			Str("stage", r.result.Failure.Stage).
			Dur("duration", time.Since(start)).
			Msg("Quote pipeline failed")
		e.recordFailure(ctx, req, *r.result.Failure)
		return r.result, err
	}

	r.result.Quote = quote
	r.advance(StateDone, "")
	r.result.Review = e.review.Evaluate(quote)
	r.logger.Info().
		Str("quote_id", quote.QuoteID).
		Str("optimized_total", quote.OptimizedTotal.StringFixed(2)).
		Str("review", string(r.result.Review.Decision)).
		Dur("duration", time.Since(start)).
		Msg("Quote generated")
	e.recordQuote(ctx, req, quote)

	return r.result, nil
}

func (e *Engine) pipeline(ctx context.Context, r *run, req api.Request, rules *knowledge.RuleSet) (*api.FinalQuote, error) {
	if err := req.Validate(); err != nil {
		r.fail(StageValidation, err)
		return nil, err
	}

	a, err := runStage(ctx, e.stageTimeout, StageAnalysis, func(sctx context.Context) (*api.Analysis, error) {
		return e.analyst.Analyze(sctx, req)
	})
	if err != nil {
		r.fail(StageAnalysis, err)
		return nil, err
	}
	r.result.HistoryVersion = a.HistoryVersion
	r.advance(StateAnalyzed, StageAnalysis)

	applicable, err := runStage(ctx, e.stageTimeout, StageKnowledge, func(context.Context) (knowledge.ApplicableRuleSet, error) {
		return rules.ApplicableRules(req.CustomerID), nil
	})
	if err != nil {
		r.fail(StageKnowledge, err)
		return nil, err
	}
	r.advance(StateRulesResolved, StageKnowledge)

	draft, err := runStage(ctx, e.stageTimeout, StageGeneration, func(context.Context) (*api.DraftQuote, error) {
		return e.generator.Draft(a, applicable)
	})
	if err != nil {
		r.fail(StageGeneration, err)
		return nil, err
	}
	r.advance(StateDrafted, StageGeneration)

	final, err := runStage(ctx, e.stageTimeout, StageOptimization, func(context.Context) (*api.FinalQuote, error) {
		return e.optimizer.Optimize(draft, a)
	})
	if err != nil {
		r.fail(StageOptimization, err)
		return nil, err
	}
	r.advance(StateOptimized, StageOptimization)

	final.QuoteID = req.QuoteID(rules.Version, a.HistoryVersion)
	final.RuleSetVersion = rules.Version
	final.HistoryVersion = a.HistoryVersion
	return final, nil
}

// Reoptimization is a stored quote re-priced against won history only.
type Reoptimization struct {
	Quote         *api.FinalQuote          `json:"quote"`
	PreviousTotal decimal.Decimal          `json:"previous_total"`
	WonMatches    int                      `json:"won_matches"`
	Review        *policy.EvaluationResult `json:"review"`
}

// Reoptimize reloads a stored quote, re-analyzes its request against won
// projects only and runs the optimizer on the stored draft again. Rules are not
// re-resolved, so a fixed-price agreement still keeps the draft total. The
// stored quote is left unchanged.
func (e *Engine) Reoptimize(ctx context.Context, quoteID string) (*Reoptimization, error) {
	if e.quotes == nil {
		return nil, ErrNoQuoteSource
	}
	req, stored, err := e.quotes.LoadQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	logger := e.logger.With().Str("quote_id", quoteID).Logger()

	analyst := analysis.NewEngine(retrieval.WonOnly(e.retriever), e.catalog, e.analysisCfg, e.logger)
	a, err := runStage(ctx, e.stageTimeout, StageAnalysis, func(sctx context.Context) (*api.Analysis, error) {
		return analyst.Analyze(sctx, req)
	})
	if err != nil {
		return nil, err
	}

	draft := stored.DraftQuote
	final, err := runStage(ctx, e.stageTimeout, StageOptimization, func(context.Context) (*api.FinalQuote, error) {
		return e.optimizer.Optimize(&draft, a)
	})
	if err != nil {
		return nil, err
	}

	final.QuoteID = stored.QuoteID
	final.RuleSetVersion = stored.RuleSetVersion
	final.HistoryVersion = a.HistoryVersion
	final.OptimizationNotes = append([]string{
		fmt.Sprintf("re-optimized against %d won historical project(s)", len(a.Matches)),
	}, final.OptimizationNotes...)

	out := &Reoptimization{
		Quote:         final,
		PreviousTotal: stored.OptimizedTotal,
		WonMatches:    len(a.Matches),
		Review:        e.review.Evaluate(final),
	}
	logger.Info().
		Str("previous_total", stored.OptimizedTotal.StringFixed(2)).
		Str("optimized_total", final.OptimizedTotal.StringFixed(2)).
		Int("won_matches", out.WonMatches).
		Msg("Quote re-optimized")
	return out, nil
}

type stageOutcome[T any] struct {
	value T
	err   error
}

// runStage checks for cancellation, then runs fn under the stage deadline.
// A stage that outlives its deadline is abandoned and its result discarded.
func runStage[T any](ctx context.Context, timeout time.Duration, stage string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, qerrors.NewCancelledError(stage, err)
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan stageOutcome[T], 1)
	go func() {
		v, err := fn(sctx)
		done <- stageOutcome[T]{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return zero, classify(ctx, sctx, stage, out.err)
		}
		return out.value, nil
	case <-sctx.Done():
		return zero, classify(ctx, sctx, stage, sctx.Err())
	}
}

func classify(ctx, sctx context.Context, stage string, err error) error {
	var qe *qerrors.QuoteError
	if errors.As(err, &qe) {
		if qe.Stage == "" {
			qe.Stage = stage
		}
		return qe
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return qerrors.NewCancelledError(stage, err)
	}
	if errors.Is(sctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return qerrors.NewStageTimeoutError(stage, err)
	}
	return err
}

func (e *Engine) recordQuote(ctx context.Context, req api.Request, quote *api.FinalQuote) {
	if e.sink == nil {
		return
	}
	if err := e.sink.RecordQuote(context.WithoutCancel(ctx), req, quote); err != nil {
		e.logger.Error().Err(err).Str("quote_id", quote.QuoteID).Msg("Failed to persist quote")
	}
}

func (e *Engine) recordFailure(ctx context.Context, req api.Request, f api.Failure) {
	if e.sink == nil {
		return
	}
	if err := e.sink.RecordFailure(context.WithoutCancel(ctx), req, f); err != nil {
		e.logger.Error().Err(err).Str("stage", f.Stage).Msg("Failed to persist failure")
	}
}
