// Package config loads QuoteGenius configuration from defaults, an optional
// TOML file and QUOTEGENIUS_ environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix scopes environment overrides. QUOTEGENIUS_PIPELINE_STAGE_TIMEOUT
// maps to pipeline.stage_timeout.
const EnvPrefix = "QUOTEGENIUS_"

// Config represents the application configuration.
type Config struct {
	Log struct {
		Level  string `koanf:"level"`
		Pretty bool   `koanf:"pretty"`
	} `koanf:"log"`

	Server struct {
		Port      int     `koanf:"port"`
		APIKey    string  `koanf:"api_key"`
		RateLimit float64 `koanf:"rate_limit"`
		RateBurst int     `koanf:"rate_burst"`
	} `koanf:"server"`

	Pipeline struct {
		RetrievalTimeout time.Duration `koanf:"retrieval_timeout"`
		StageTimeout     time.Duration `koanf:"stage_timeout"`
		TopK             int           `koanf:"top_k"`
		RulesPath        string        `koanf:"rules_path"`
		HistoryPath      string        `koanf:"history_path"`
		HistoryRefresh   time.Duration `koanf:"history_refresh"`
	} `koanf:"pipeline"`

	Optimizer struct {
		SearchSpan  float64 `koanf:"search_span"`
		Steps       int     `koanf:"steps"`
		MaxDiscount float64 `koanf:"max_discount"`
		MaxUplift   float64 `koanf:"max_uplift"`
		Steepness   float64 `koanf:"steepness"`
		TenureBonus float64 `koanf:"tenure_bonus"`
		TenureCap   float64 `koanf:"tenure_cap"`
	} `koanf:"optimizer"`

	Retrieval struct {
		Endpoints []string      `koanf:"endpoints"`
		Retries   int           `koanf:"retries"`
		Timeout   time.Duration `koanf:"timeout"`
	} `koanf:"retrieval"`

	ClickHouse struct {
		Host     string `koanf:"host"`
		Port     int    `koanf:"port"`
		Database string `koanf:"database"`
		Username string `koanf:"username"`
		Password string `koanf:"password"`
	} `koanf:"clickhouse"`

	Postgres struct {
		DSN string `koanf:"dsn"`
	} `koanf:"postgres"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"log.level":  "info",
		"log.pretty": false,

		"server.port":       8080,
		"server.rate_limit": 20.0,
		"server.rate_burst": 40,

		"pipeline.retrieval_timeout": "5s",
		"pipeline.stage_timeout":     "10s",
		"pipeline.top_k":             5,
		"pipeline.history_refresh":   "5m",

		"optimizer.search_span":  0.25,
		"optimizer.steps":        50,
		"optimizer.max_discount": 0.10,
		"optimizer.max_uplift":   0.05,
		"optimizer.steepness":    6.0,
		"optimizer.tenure_bonus": 0.01,
		"optimizer.tenure_cap":   0.05,

		"retrieval.retries": 2,
		"retrieval.timeout": "3s",

		"clickhouse.host":     "localhost",
		"clickhouse.port":     9000,
		"clickhouse.database": "quotegenius",
		"clickhouse.username": "default",
	}
}

// LoadConfig loads the configuration. An empty path searches the default locations.
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		// The first existing default file wins.
		for _, path := range []string{"./quotegenius.toml", "$HOME/.quotegenius.toml"} {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("error loading config %s: %w", path, err)
			}
			break
		}
	}

	// Only the first underscore separates section from key.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, Validate(&config)
}

// Validate validates the configuration.
func Validate(config *Config) error {
	if config.Pipeline.StageTimeout <= 0 {
		return fmt.Errorf("pipeline.stage_timeout must be positive")
	}
	if config.Pipeline.RetrievalTimeout <= 0 {
		return fmt.Errorf("pipeline.retrieval_timeout must be positive")
	}
	if config.Pipeline.TopK <= 0 {
		return fmt.Errorf("pipeline.top_k must be positive")
	}
	if config.Optimizer.SearchSpan <= 0 || config.Optimizer.Steps < 2 {
		return fmt.Errorf("optimizer.search_span must be positive and optimizer.steps at least 2")
	}
	if config.Optimizer.MaxDiscount < 0 || config.Optimizer.MaxDiscount >= 1 || config.Optimizer.MaxUplift < 0 {
		return fmt.Errorf("optimizer bounds out of range")
	}
	return nil
}

// InitConfig writes a sample configuration file.
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sampleConfig := `# QuoteGenius Configuration

[log]
level = "info"

[server]
port = 8080
api_key = ""

[pipeline]
retrieval_timeout = "5s"
stage_timeout = "10s"
top_k = 5
# rules_path = "rules.yaml"
# history_path = "historical_quotes.csv"
history_refresh = "5m"

[optimizer]
search_span = 0.25
max_discount = 0.10
max_uplift = 0.05

[clickhouse]
host = "localhost"
port = 9000
database = "quotegenius"

[postgres]
dsn = "postgres://quotegenius@localhost/quotegenius?sslmode=disable"
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}
