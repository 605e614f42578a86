package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotegenius/pkg/api"
	"quotegenius/pkg/platform"
)

func sampleProjects() []api.HistoricalProject {
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return []api.HistoricalProject{
		{
			QuoteID: "Q-1001", QuotedAt: at, CustomerID: "cust-101", Industry: "Aerospace",
			Material: "Titanium Alloy", Quantity: 500, UnitPrice: decimal.RequireFromString("85.50"),
			TotalPrice: decimal.RequireFromString("42750.00"), LeadTimeWeeks: 10, Tolerance: "±0.01mm", Won: true,
		},
		{
			QuoteID: "Q-1002", QuotedAt: at.AddDate(0, 1, 0), CustomerID: "cust-103", Industry: "Medical",
			Material: "Stainless Steel", Quantity: 2000, UnitPrice: decimal.RequireFromString("12.25"),
			TotalPrice: decimal.RequireFromString("24500.00"), LeadTimeWeeks: 6, Tolerance: "±0.05mm",
		},
	}
}

func TestHashProjects_OrderIndependent(t *testing.T) {
	projects := sampleProjects()
	reversed := []api.HistoricalProject{projects[1], projects[0]}

	assert.Equal(t, HashProjects(projects), HashProjects(reversed))
	assert.Len(t, HashProjects(projects), 64)
}

func TestHashProjects_ContentSensitive(t *testing.T) {
	projects := sampleProjects()
	changed := sampleProjects()
	changed[0].Won = false

	assert.NotEqual(t, HashProjects(projects), HashProjects(changed))
}

func TestVersionFor(t *testing.T) {
	assert.Equal(t, "history-0123456789ab", VersionFor("0123456789abcdef"))
	assert.Equal(t, "history-abc", VersionFor("abc"))
}

func TestBoolToUInt8(t *testing.T) {
	assert.Equal(t, uint8(1), boolToUInt8(true))
	assert.Equal(t, uint8(0), boolToUInt8(false))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "quotegenius", cfg.Database)
	assert.Equal(t, 9000, cfg.Port)
}

// TestStore_Integration runs against a real server when
// QUOTEGENIUS_TEST_CLICKHOUSE_HOST is set.
func TestStore_Integration(t *testing.T) {
	host := platform.GetEnv("QUOTEGENIUS_TEST_CLICKHOUSE_HOST", "")
	if host == "" {
		t.Skip("QUOTEGENIUS_TEST_CLICKHOUSE_HOST not set")
	}
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.Host = host
	cfg.Port = platform.GetEnvInt("QUOTEGENIUS_TEST_CLICKHOUSE_PORT", cfg.Port)

	store, err := NewStore(cfg)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.Migrate(ctx))

	projects := sampleProjects()
	projects[0].QuoteID = "it-" + uuid.NewString()[:8]
	hash := HashProjects(projects)
	snapshot := &HistorySnapshot{
		ID:          uuid.New(),
		Source:      "integration",
		Hash:        hash,
		Version:     VersionFor(hash),
		RecordCount: uint32(len(projects)),
	}
	require.NoError(t, store.CreateSnapshot(ctx, snapshot))
	require.NoError(t, store.BulkInsertProjects(ctx, snapshot.ID, projects))
	require.NoError(t, store.ActivateSnapshot(ctx, snapshot.ID))

	count, err := store.CountProjects(ctx, snapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, len(projects), count)

	version, loaded, err := store.ActiveProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, snapshot.Version, version)
	assert.Len(t, loaded, len(projects))
}
