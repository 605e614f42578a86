// QuoteGenius CLI - manufacturing quote generation
//
// Usage:
//
//	quotegenius quote --customer cust-103 --material "Stainless Steel 304" --quantity 234 --lead-time 9
//	quotegenius serve
//	quotegenius history ingest --file historical_quotes.csv --activate
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"quotegenius/api"
	"quotegenius/db/clickhouse"
	"quotegenius/db/ingestion"
	"quotegenius/db/postgres"
	"quotegenius/decision/coordinator"
	"quotegenius/decision/knowledge"
	"quotegenius/decision/policy"
	"quotegenius/internal/app"
	"quotegenius/internal/config"
	qapi "quotegenius/pkg/api"
	"quotegenius/pkg/platform"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "quotegenius",
		Usage:     "Generate, optimize and track manufacturing quotes",
		Version:   fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Writer:    out,
		ErrWriter: os.Stderr,

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML configuration file",
				EnvVars: []string{"QUOTEGENIUS_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level override (debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Human-readable console logs",
			},
		},

		Commands: []*cli.Command{
			quoteCommand(),
			reoptimizeCommand(),
			rulesCommand(),
			serveCommand(),
			historyCommand(),
			migrateCommand(),
			configCommand(),
		},
	}
}

// setup loads configuration and the logger shared by every command.
func setup(c *cli.Context) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if c.Bool("pretty") {
		cfg.Log.Pretty = true
	}
	return cfg, platform.InitLogger(cfg.Log.Level, cfg.Log.Pretty), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// QUOTE COMMAND
// =============================================================================

func quoteCommand() *cli.Command {
	return &cli.Command{
		Name:  "quote",
		Usage: "Generate a quote for one request",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Request JSON file (- for stdin)"},
			&cli.StringFlag{Name: "customer", Usage: "Customer ID"},
			&cli.StringFlag{Name: "project", Usage: "Project name"},
			&cli.StringFlag{Name: "industry", Usage: "Industry"},
			&cli.StringFlag{Name: "material", Aliases: []string{"m"}, Usage: "Material"},
			&cli.IntFlag{Name: "quantity", Aliases: []string{"q"}, Usage: "Quantity"},
			&cli.StringFlag{Name: "tolerance", Usage: "Tolerance, e.g. ±0.01mm"},
			&cli.IntFlag{Name: "lead-time", Usage: "Requested lead time in weeks"},
			&cli.StringFlag{Name: "instructions", Usage: "Special instructions"},
			&cli.StringFlag{Name: "format", Value: "table", Usage: "Output format (table, json)"},
			&cli.BoolFlag{Name: "save", Usage: "Persist the outcome to PostgreSQL"},
			&cli.Float64Flag{Name: "max-total", Usage: "Deny quotes above this total"},
		},
		Action: runQuote,
	}
}

func requestFromFlags(c *cli.Context) (qapi.Request, error) {
	var req qapi.Request
	if path := c.String("file"); path != "" {
		var data []byte
		var err error
		if path == "-" {
			data, err = io.ReadAll(c.App.Reader)
		} else {
			data, err = os.ReadFile(path)
		}
		if err != nil {
			return req, fmt.Errorf("failed to read request: %w", err)
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("failed to parse request: %w", err)
		}
	}

	if v := c.String("customer"); v != "" {
		req.CustomerID = v
	}
	if v := c.String("project"); v != "" {
		req.ProjectName = v
	}
	if v := c.String("industry"); v != "" {
		req.Industry = v
	}
	if v := c.String("material"); v != "" {
		req.Material = v
	}
	if v := c.Int("quantity"); v != 0 {
		req.Quantity = v
	}
	if v := c.String("tolerance"); v != "" {
		req.Tolerances = v
	}
	if v := c.Int("lead-time"); v != 0 {
		req.LeadTimeWeeks = v
	}
	if v := c.String("instructions"); v != "" {
		req.SpecialInstructions = v
	}
	return req, nil
}

func runQuote(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	req, err := requestFromFlags(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.Options{Persist: c.Bool("save"), ClickHouse: true, MaxTotal: c.Float64("max-total")}, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	result, runErr := a.Engine.GenerateQuote(ctx, req)
	if c.String("format") == "json" {
		if err := writeJSON(c.App.Writer, result); err != nil {
			return err
		}
	} else if runErr == nil {
		printQuote(c.App.Writer, result)
	}
	if runErr != nil {
		return fmt.Errorf("quote failed: %w", runErr)
	}
	if result.Review != nil && result.Review.Decision == policy.DecisionDeny {
		return fmt.Errorf("quote %s denied by review", result.Quote.QuoteID)
	}
	return nil
}

func printQuote(w io.Writer, res *coordinator.Result) {
	q := res.Quote
	fmt.Fprintf(w, "Quote %s\n", q.QuoteID)
	fmt.Fprintf(w, "  Customer:  %s\n", q.CustomerID)
	fmt.Fprintf(w, "  Material:  %s x %d\n", q.Material, q.Quantity)
	fmt.Fprintln(w)
	for _, li := range q.LineItems {
		fmt.Fprintf(w, "  %-42s %14s\n", truncate(li.Description, 42), li.Subtotal.StringFixed(2))
	}
	fmt.Fprintf(w, "  %-42s %14s\n", "Draft total", q.Total.StringFixed(2))
	fmt.Fprintf(w, "  %-42s %14s\n", "Optimized total", q.OptimizedTotal.StringFixed(2))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Win probability: %.0f%%   Margin: %.1f%%   Confidence: %.0f%%\n",
		q.WinProbabilityEstimate*100, q.MarginEstimate*100, q.Confidence*100)
	fmt.Fprintf(w, "  Payment: net %d   Valid: %d days   Lead time: %d weeks\n",
		q.Terms.PaymentTermsDays, q.Terms.ValidityDays, q.Terms.LeadTimeWeeks)
	if q.Terms.MilestonePayments {
		fmt.Fprintln(w, "  Milestone payments required")
	}
	if q.Terms.RequiresApproval {
		fmt.Fprintln(w, "  Requires management approval")
	}
	for _, doc := range q.Terms.Documentation {
		fmt.Fprintf(w, "  Documentation: %s\n", doc)
	}
	fmt.Fprintf(w, "  Rules applied: %s\n", strings.Join(q.AppliedRuleIDs, ", "))
	for _, note := range q.OptimizationNotes {
		fmt.Fprintf(w, "  Note: %s\n", note)
	}
	if res.Review != nil {
		fmt.Fprintf(w, "\n  Review: %s\n", strings.ToUpper(string(res.Review.Decision)))
		for _, v := range res.Review.Violations {
			fmt.Fprintf(w, "    x %s\n", v.Message)
		}
		for _, warn := range res.Review.Warnings {
			fmt.Fprintf(w, "    ! %s\n", warn.Message)
		}
	}
}

func reoptimizeCommand() *cli.Command {
	return &cli.Command{
		Name:      "reoptimize",
		Usage:     "Re-price a stored quote against won projects only",
		ArgsUsage: "<quote-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Value: "table", Usage: "Output format (table, json)"},
		},
		Action: runReoptimize,
	}
}

func runReoptimize(c *cli.Context) error {
	quoteID := c.Args().First()
	if quoteID == "" {
		return fmt.Errorf("quote ID is required")
	}
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}

	a, err := app.Build(c.Context, cfg, app.Options{Persist: true, ClickHouse: true}, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.Engine.Reoptimize(c.Context, quoteID)
	if err != nil {
		return fmt.Errorf("reoptimize %s: %w", quoteID, err)
	}
	if c.String("format") == "json" {
		return writeJSON(c.App.Writer, out)
	}
	fmt.Fprintf(c.App.Writer, "Re-optimized against %d won project(s): %s -> %s\n\n",
		out.WonMatches, out.PreviousTotal.StringFixed(2), out.Quote.OptimizedTotal.StringFixed(2))
	printQuote(c.App.Writer, &coordinator.Result{State: coordinator.StateDone, Quote: out.Quote, Review: out.Review})
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// =============================================================================
// RULES COMMAND
// =============================================================================

func rulesCommand() *cli.Command {
	return &cli.Command{
		Name:  "rules",
		Usage: "List the rules that apply to a customer",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "customer", Usage: "Customer ID (empty for general rules only)"},
			&cli.StringFlag{Name: "file", Usage: "Rule file to inspect instead of the configured one"},
			&cli.StringFlag{Name: "format", Value: "table", Usage: "Output format (table, json)"},
		},
		Action: func(c *cli.Context) error {
			cfg, _, err := setup(c)
			if err != nil {
				return err
			}
			rs := knowledge.Reference()
			path := c.String("file")
			if path == "" {
				path = cfg.Pipeline.RulesPath
			}
			if path != "" {
				if rs, err = knowledge.LoadRuleSet(path); err != nil {
					return err
				}
			}

			set := rs.ApplicableRules(c.String("customer"))
			if c.String("format") == "json" {
				return writeJSON(c.App.Writer, set)
			}
			fmt.Fprintf(c.App.Writer, "Rule set %s (%d rules)\n", set.Version, len(set.Rules))
			for _, r := range set.Rules {
				kind := string(r.Kind())
				if kind == "" {
					kind = "-"
				}
				fmt.Fprintf(c.App.Writer, "  %-12s %-20s %s\n", r.RuleID, kind, r.Description)
			}
			return nil
		},
	}
}

// =============================================================================
// SERVE COMMAND (API SERVER)
// =============================================================================

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the QuoteGenius API server",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Usage: "API server port (overrides server.port)"},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	if port := c.Int("port"); port > 0 {
		cfg.Server.Port = port
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.Options{Persist: true, ClickHouse: true}, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	go a.WatchHistory(ctx, cfg.Pipeline.HistoryRefresh)

	serverCfg := api.DefaultConfig()
	serverCfg.Port = cfg.Server.Port
	serverCfg.APIKey = platform.ResolveAPIKey(cfg.Server.APIKey)
	serverCfg.RateLimit = cfg.Server.RateLimit
	serverCfg.RateBurst = cfg.Server.RateBurst

	var store api.QuoteStore
	if a.Quotes != nil {
		store = a.Quotes
	}
	api.Version = version
	return api.NewServer(a.Engine, a.Knowledge, store, serverCfg, logger).Run(ctx)
}

// =============================================================================
// HISTORY COMMAND
// =============================================================================

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Manage historical quote snapshots",
		Subcommands: []*cli.Command{
			{
				Name:  "ingest",
				Usage: "Load a historical quotes CSV into a new snapshot",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "CSV file", Required: true},
					&cli.BoolFlag{Name: "activate", Usage: "Activate the snapshot after loading"},
					&cli.IntFlag{Name: "batch-size", Value: ingestion.DefaultBatchSize, Usage: "Insert batch size"},
					&cli.BoolFlag{Name: "dry-run", Usage: "Parse and report without writing"},
				},
				Action: runHistoryIngest,
			},
			{
				Name:      "activate",
				Usage:     "Make a snapshot the active history",
				ArgsUsage: "<snapshot-id>",
				Action: func(c *cli.Context) error {
					id, err := uuid.Parse(c.Args().First())
					if err != nil {
						return fmt.Errorf("invalid snapshot id %q: %w", c.Args().First(), err)
					}
					return withHistoryStore(c, func(ctx context.Context, store *clickhouse.Store, _ zerolog.Logger) error {
						if err := store.ActivateSnapshot(ctx, id); err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "Activated snapshot %s\n", id)
						return nil
					})
				},
			},
			{
				Name:  "list",
				Usage: "List history snapshots",
				Action: func(c *cli.Context) error {
					return withHistoryStore(c, func(ctx context.Context, store *clickhouse.Store, _ zerolog.Logger) error {
						snapshots, err := store.ListSnapshots(ctx)
						if err != nil {
							return err
						}
						for _, s := range snapshots {
							marker := " "
							if s.IsActive {
								marker = "*"
							}
							fmt.Fprintf(c.App.Writer, "%s %s  %-22s %6d  %s  %s\n",
								marker, s.ID, s.Version, s.RecordCount, s.CreatedAt.Format("2006-01-02 15:04"), s.Source)
						}
						return nil
					})
				},
			},
			{
				Name:  "stats",
				Usage: "Show the active snapshot",
				Action: func(c *cli.Context) error {
					return withHistoryStore(c, func(ctx context.Context, store *clickhouse.Store, logger zerolog.Logger) error {
						stats, err := ingestion.NewClickHouseAdapter(store, logger).GetIngestionStats(ctx)
						if err != nil {
							return err
						}
						return writeJSON(c.App.Writer, stats)
					})
				},
			},
		},
	}
}

func withHistoryStore(c *cli.Context, fn func(context.Context, *clickhouse.Store, zerolog.Logger) error) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	store, err := clickhouse.NewStore(app.ClickHouseConfig(cfg))
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(c.Context, store, platform.Component(logger, "history"))
}

func runHistoryIngest(c *cli.Context) error {
	f, err := os.Open(c.String("file"))
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer f.Close()

	projects, err := ingestion.ParseCSV(f)
	if err != nil {
		return err
	}

	if c.Bool("dry-run") {
		hash := clickhouse.HashProjects(projects)
		fmt.Fprintf(c.App.Writer, "Parsed %d projects, version %s (dry run, nothing written)\n", len(projects), clickhouse.VersionFor(hash))
		return nil
	}

	return withHistoryStore(c, func(ctx context.Context, store *clickhouse.Store, logger zerolog.Logger) error {
		adapter := ingestion.NewClickHouseAdapter(store, logger).WithBatchSize(c.Int("batch-size"))
		result, err := adapter.IngestHistory(ctx, &ingestion.IngestionInput{
			Source:   c.String("file"),
			Projects: projects,
			Activate: c.Bool("activate"),
		})
		if err != nil {
			return err
		}
		return writeJSON(c.App.Writer, result)
	})
}

// =============================================================================
// MIGRATE COMMAND
// =============================================================================

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create database schemas",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "skip-clickhouse", Usage: "Do not migrate the history store"},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			ctx := c.Context

			if cfg.Postgres.DSN != "" {
				store, err := postgres.NewStore(ctx, cfg.Postgres.DSN)
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.Migrate(ctx); err != nil {
					return err
				}
				logger.Info().Msg("PostgreSQL schema ready")
			}

			if !c.Bool("skip-clickhouse") {
				store, err := clickhouse.NewStore(app.ClickHouseConfig(cfg))
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.Migrate(ctx); err != nil {
					return err
				}
				logger.Info().Msg("ClickHouse schema ready")
			}
			return nil
		},
	}
}

// =============================================================================
// CONFIG COMMAND
// =============================================================================

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a sample configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "path", Value: "quotegenius.toml", Usage: "Destination path"},
				},
				Action: func(c *cli.Context) error {
					if err := config.InitConfig(c.String("path")); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "Wrote %s\n", c.String("path"))
					return nil
				},
			},
		},
	}
}
