// Package app wires configuration into a running quote pipeline.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"quotegenius/db/clickhouse"
	"quotegenius/db/ingestion"
	"quotegenius/db/postgres"
	"quotegenius/decision/analysis"
	"quotegenius/decision/coordinator"
	"quotegenius/decision/knowledge"
	"quotegenius/decision/optimization"
	"quotegenius/decision/policy"
	"quotegenius/decision/retrieval"
	"quotegenius/internal/config"
	"quotegenius/internal/customers"
	"quotegenius/internal/pricing"
	"quotegenius/pkg/platform"
)

// App holds the wired pipeline and the stores behind it.
type App struct {
	Config    *config.Config
	Engine    *coordinator.Engine
	Knowledge *knowledge.Base
	History   *retrieval.Live
	Retriever retrieval.Retriever
	Customers *customers.Static

	// Quotes and HistoryStore are nil when not configured.
	Quotes       *postgres.Store
	HistoryStore *clickhouse.Store

	logger zerolog.Logger
}

// Options select which stores Build connects to.
type Options struct {
	// Persist connects the PostgreSQL quote store when a DSN is configured.
	Persist bool
	// ClickHouse loads history from ClickHouse when no history file is configured.
	ClickHouse bool
	// MaxTotal, when positive, denies quotes above this total.
	MaxTotal float64
}

// Build loads rules and history and assembles the coordinator.
func Build(ctx context.Context, cfg *config.Config, opts Options, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, logger: platform.Component(logger, "app")}

	rules := knowledge.Reference()
	if cfg.Pipeline.RulesPath != "" {
		rs, err := knowledge.LoadRuleSet(cfg.Pipeline.RulesPath)
		if err != nil {
			return nil, err
		}
		rules = rs
	}
	a.Knowledge = knowledge.NewBase(rules, logger)
	a.Customers = customers.Reference()

	if opts.Persist && cfg.Postgres.DSN != "" {
		store, err := postgres.NewStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		a.Quotes = store
		known, err := store.LoadCustomers(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		for _, c := range known {
			a.Customers.Put(c)
		}
	}

	if opts.ClickHouse && cfg.Pipeline.HistoryPath == "" {
		store, err := clickhouse.NewStore(ClickHouseConfig(cfg))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.HistoryStore = store
	}

	index, err := a.loadHistory(ctx)
	if err != nil {
		if cfg.Pipeline.HistoryPath != "" {
			a.Close()
			return nil, err
		}
		a.logger.Warn().Err(err).Msg("History unavailable, starting with an empty index")
		index = retrieval.NewIndex("empty", nil, cfg.Pipeline.TopK)
	}
	a.History = retrieval.NewLive(index)
	a.Retriever = a.History

	if len(cfg.Retrieval.Endpoints) > 0 {
		members := []retrieval.Retriever{a.History}
		client := platform.NewHTTPClient(cfg.Retrieval.Retries, cfg.Retrieval.Timeout)
		client.Logger = platform.Component(logger, "retrieval")
		for _, endpoint := range cfg.Retrieval.Endpoints {
			members = append(members, retrieval.NewHTTPClient(endpoint, endpoint, cfg.Pipeline.TopK, client))
		}
		a.Retriever = retrieval.NewMultiPool(cfg.Pipeline.TopK, platform.Component(logger, "retrieval"), members...)
	}

	deps := coordinator.Deps{
		Knowledge: a.Knowledge,
		Retriever: a.Retriever,
		Catalog:   pricing.NewPriceStore(),
		Customers: a.Customers,
		Analysis: analysis.Config{
			RetrievalTimeout: cfg.Pipeline.RetrievalTimeout,
			TopK:             cfg.Pipeline.TopK,
		},
		Optimization: OptimizationConfig(cfg),
		StageTimeout: cfg.Pipeline.StageTimeout,
		Review:       ReviewPolicies(opts.MaxTotal),
		Logger:       logger,
	}
	if a.Quotes != nil {
		deps.Sink = a.Quotes
		deps.Quotes = a.Quotes
	}
	a.Engine = coordinator.NewEngine(deps)

	a.logger.Info().
		Str("rule_set_version", rules.Version).
		Int("rules", rules.Len()).
		Str("history_version", a.Retriever.Version()).
		Int("history_projects", index.Len()).
		Bool("persistence", a.Quotes != nil).
		Msg("Pipeline ready")

	return a, nil
}

func (a *App) loadHistory(ctx context.Context) (*retrieval.Index, error) {
	k := a.Config.Pipeline.TopK
	switch {
	case a.Config.Pipeline.HistoryPath != "":
		return LoadHistoryFile(a.Config.Pipeline.HistoryPath, k)
	case a.HistoryStore != nil:
		return retrieval.Load(ctx, a.HistoryStore, k)
	default:
		return retrieval.NewIndex("empty", nil, k), nil
	}
}

// RefreshHistory reloads the active history and swaps it in. Requests already
// running keep the index they pinned.
func (a *App) RefreshHistory(ctx context.Context) error {
	index, err := a.loadHistory(ctx)
	if err != nil {
		return err
	}
	old := a.History.Swap(index)
	if old.Version() != index.Version() {
		a.logger.Info().Str("from", old.Version()).Str("to", index.Version()).Int("projects", index.Len()).Msg("History index swapped")
	}
	return nil
}

// WatchHistory refreshes the history every interval until ctx is done.
func (a *App) WatchHistory(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.RefreshHistory(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("History refresh failed")
			}
		}
	}
}

// Close releases the configured stores.
func (a *App) Close() error {
	var errs []error
	if a.Quotes != nil {
		errs = append(errs, a.Quotes.Close())
	}
	if a.HistoryStore != nil {
		errs = append(errs, a.HistoryStore.Close())
	}
	return errors.Join(errs...)
}

// LoadHistoryFile builds an index from a history CSV. The version is derived
// from the content so identical files share a version.
func LoadHistoryFile(path string, k int) (*retrieval.Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	defer f.Close()

	projects, err := ingestion.ParseCSV(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return retrieval.NewIndex(clickhouse.VersionFor(clickhouse.HashProjects(projects)), projects, k), nil
}

// ReviewPolicies returns the default review policies plus an optional total limit.
func ReviewPolicies(maxTotal float64) *policy.Engine {
	e := policy.NewEngine()
	if maxTotal > 0 {
		e.AddPolicy(policy.Policy{
			ID:          "max-total",
			Name:        "Total Limit",
			Description: "Block quotes above the configured total",
			Type:        policy.PolicyTypeMaxTotal,
			Severity:    policy.SeverityError,
			Threshold:   maxTotal,
			Enabled:     true,
		})
	}
	return e
}

// ClickHouseConfig maps the clickhouse section of cfg.
func ClickHouseConfig(cfg *config.Config) *clickhouse.Config {
	return &clickhouse.Config{
		Host:     cfg.ClickHouse.Host,
		Port:     cfg.ClickHouse.Port,
		Database: cfg.ClickHouse.Database,
		Username: cfg.ClickHouse.Username,
		Password: cfg.ClickHouse.Password,
	}
}

// OptimizationConfig maps the optimizer section of cfg.
func OptimizationConfig(cfg *config.Config) optimization.Config {
	oc := optimization.DefaultConfig()
	oc.SearchSpan = cfg.Optimizer.SearchSpan
	oc.Steps = cfg.Optimizer.Steps
	oc.MaxDiscount = cfg.Optimizer.MaxDiscount
	oc.MaxUplift = cfg.Optimizer.MaxUplift
	oc.Steepness = cfg.Optimizer.Steepness
	oc.TenureBonus = cfg.Optimizer.TenureBonus
	oc.TenureCap = cfg.Optimizer.TenureCap
	return oc
}
