// Package ingestion loads historical quotes into versioned ClickHouse snapshots.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quotegenius/db/clickhouse"
	"quotegenius/pkg/api"
)

// DefaultBatchSize bounds a single batch insert.
const DefaultBatchSize = 1000

// SnapshotStore is the subset of the ClickHouse store ingestion needs.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, snapshot *clickhouse.HistorySnapshot) error
	FindSnapshotByHash(ctx context.Context, hash string) (*clickhouse.HistorySnapshot, error)
	GetActiveSnapshot(ctx context.Context) (*clickhouse.HistorySnapshot, error)
	ActivateSnapshot(ctx context.Context, id uuid.UUID) error
	BulkInsertProjects(ctx context.Context, snapshotID uuid.UUID, projects []api.HistoricalProject) error
	CountProjects(ctx context.Context, snapshotID uuid.UUID) (int, error)
}

// ClickHouseAdapter writes parsed history into the snapshot store
type ClickHouseAdapter struct {
	store     SnapshotStore
	logger    zerolog.Logger
	batchSize int
}

// NewClickHouseAdapter creates a new ClickHouse adapter
func NewClickHouseAdapter(store SnapshotStore, logger zerolog.Logger) *ClickHouseAdapter {
	return &ClickHouseAdapter{store: store, logger: logger, batchSize: DefaultBatchSize}
}

// WithBatchSize overrides the insert batch size.
func (a *ClickHouseAdapter) WithBatchSize(n int) *ClickHouseAdapter {
	if n > 0 {
		a.batchSize = n
	}
	return a
}

// IngestionInput contains the history to ingest
type IngestionInput struct {
	Source   string
	Projects []api.HistoricalProject
	Activate bool
}

// IngestionResult tracks the result of a history ingestion
type IngestionResult struct {
	SnapshotID   uuid.UUID     `json:"snapshot_id"`
	Version      string        `json:"version"`
	ProjectCount int           `json:"project_count"`
	Duplicate    bool          `json:"duplicate"`
	Activated    bool          `json:"activated"`
	Duration     time.Duration `json:"duration"`
	Success      bool          `json:"success"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// IngestHistory stores projects as a new snapshot. Content already ingested is
// not stored twice; the existing snapshot is returned (and activated if asked).
func (a *ClickHouseAdapter) IngestHistory(ctx context.Context, input *IngestionInput) (*IngestionResult, error) {
	startTime := time.Now()
	result := &IngestionResult{}

	if len(input.Projects) == 0 {
		result.ErrorMessage = "no projects to ingest"
		return result, fmt.Errorf("ingest %s: %s", input.Source, result.ErrorMessage)
	}

	hash := clickhouse.HashProjects(input.Projects)
	existing, err := a.store.FindSnapshotByHash(ctx, hash)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to look up snapshot: %v", err)
		return result, err
	}
	if existing != nil {
		a.logger.Info().Str("snapshot_id", existing.ID.String()).Str("version", existing.Version).Msg("history already ingested")
		result.SnapshotID = existing.ID
		result.Version = existing.Version
		result.ProjectCount = int(existing.RecordCount)
		result.Duplicate = true
		return a.finish(ctx, input, result, startTime, existing.IsActive)
	}

	snapshot := &clickhouse.HistorySnapshot{
		ID:          uuid.New(),
		Source:      input.Source,
		Hash:        hash,
		Version:     clickhouse.VersionFor(hash),
		RecordCount: uint32(len(input.Projects)),
		IsActive:    false, // activated after all projects are stored
	}
	if err := a.store.CreateSnapshot(ctx, snapshot); err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to create snapshot: %v", err)
		return result, err
	}
	result.SnapshotID = snapshot.ID
	result.Version = snapshot.Version

	for i := 0; i < len(input.Projects); i += a.batchSize {
		end := min(i+a.batchSize, len(input.Projects))
		if err := a.store.BulkInsertProjects(ctx, snapshot.ID, input.Projects[i:end]); err != nil {
			result.ErrorMessage = fmt.Sprintf("failed to bulk insert projects at batch %d: %v", i/a.batchSize, err)
			return result, err
		}
		result.ProjectCount += end - i
	}

	a.logger.Info().
		Str("snapshot_id", snapshot.ID.String()).
		Str("version", snapshot.Version).
		Int("projects", result.ProjectCount).
		Msg("history snapshot stored")

	return a.finish(ctx, input, result, startTime, false)
}

func (a *ClickHouseAdapter) finish(ctx context.Context, input *IngestionInput, result *IngestionResult, startTime time.Time, active bool) (*IngestionResult, error) {
	if input.Activate && !active {
		if err := a.store.ActivateSnapshot(ctx, result.SnapshotID); err != nil {
			result.ErrorMessage = fmt.Sprintf("failed to activate snapshot: %v", err)
			return result, err
		}
		active = true
	}
	result.Activated = active
	result.Success = true
	result.Duration = time.Since(startTime)
	return result, nil
}

// VerifyIngestion checks that the stored row count matches the snapshot record.
func (a *ClickHouseAdapter) VerifyIngestion(ctx context.Context, snapshot *clickhouse.HistorySnapshot) error {
	count, err := a.store.CountProjects(ctx, snapshot.ID)
	if err != nil {
		return err
	}
	if count != int(snapshot.RecordCount) {
		return fmt.Errorf("snapshot %s: expected %d projects, found %d", snapshot.ID, snapshot.RecordCount, count)
	}
	return nil
}

// GetIngestionStats returns statistics about the active history snapshot
func (a *ClickHouseAdapter) GetIngestionStats(ctx context.Context) (*IngestionStats, error) {
	stats := &IngestionStats{}

	snapshot, err := a.store.GetActiveSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return stats, nil
	}

	count, err := a.store.CountProjects(ctx, snapshot.ID)
	if err != nil {
		return nil, err
	}
	stats.ActiveSnapshotID = snapshot.ID
	stats.Version = snapshot.Version
	stats.Source = snapshot.Source
	stats.LastUpdated = snapshot.CreatedAt
	stats.IsActive = true
	stats.ProjectCount = count
	return stats, nil
}

// IngestionStats contains statistics about ingested data
type IngestionStats struct {
	ActiveSnapshotID uuid.UUID `json:"active_snapshot_id"`
	Version          string    `json:"version"`
	Source           string    `json:"source"`
	LastUpdated      time.Time `json:"last_updated"`
	IsActive         bool      `json:"is_active"`
	ProjectCount     int       `json:"project_count"`
}
