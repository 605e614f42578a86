// Package clickhouse stores versioned snapshots of historical quotes.
// Exactly one snapshot is active at a time; the retrieval index is built from it.
package clickhouse

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quotegenius/pkg/api"
)

// HistorySnapshot is a point-in-time capture of the historical quote index.
type HistorySnapshot struct {
	ID          uuid.UUID `ch:"id"`
	Source      string    `ch:"source"`
	Hash        string    `ch:"hash"`
	Version     string    `ch:"version"`
	RecordCount uint32    `ch:"record_count"`
	IsActive    bool      `ch:"is_active"`
	CreatedAt   time.Time `ch:"created_at"`
}

// Config holds ClickHouse connection configuration
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Debug    bool
}

// DefaultConfig returns default development configuration
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     9000,
		Database: "quotegenius",
		Username: "default",
		Password: "",
		Debug:    false,
	}
}

// Store implements snapshot storage using ClickHouse
type Store struct {
	conn clickhouse.Conn
	cfg  *Config
}

// NewStore creates a new ClickHouse history store
func NewStore(cfg *Config) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: cfg.Debug,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	return &Store{conn: conn, cfg: cfg}, nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.conn.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS history_snapshots (
		id UUID,
		source String,
		hash String,
		version String,
		record_count UInt32,
		is_active UInt8,
		created_at DateTime64(3),
		_version UInt64 DEFAULT 1,
		_deleted UInt8 DEFAULT 0
	) ENGINE = ReplacingMergeTree(_version)
	ORDER BY id`,
	`CREATE TABLE IF NOT EXISTS historical_quotes (
		snapshot_id UUID,
		quote_id String,
		quoted_at DateTime64(3),
		customer_id String,
		industry String,
		project_name String,
		material String,
		quantity UInt32,
		unit_price Decimal(18, 4),
		total_price Decimal(18, 2),
		lead_time_weeks UInt16,
		tolerance String,
		won UInt8,
		_deleted UInt8 DEFAULT 0
	) ENGINE = MergeTree
	ORDER BY (snapshot_id, material, quote_id)`,
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

// =============================================================================
// SNAPSHOT OPERATIONS
// =============================================================================

const snapshotColumns = `id, source, hash, version, record_count, is_active, created_at`

// CreateSnapshot inserts a new, inactive history snapshot
func (s *Store) CreateSnapshot(ctx context.Context, snapshot *HistorySnapshot) error {
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO history_snapshots (` + snapshotColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	return s.conn.Exec(ctx, query,
		snapshot.ID,
		snapshot.Source,
		snapshot.Hash,
		snapshot.Version,
		snapshot.RecordCount,
		boolToUInt8(snapshot.IsActive),
		snapshot.CreatedAt,
	)
}

func (s *Store) scanSnapshot(row interface{ Scan(dest ...any) error }) (*HistorySnapshot, error) {
	var snapshot HistorySnapshot
	var isActive uint8
	err := row.Scan(
		&snapshot.ID, &snapshot.Source, &snapshot.Hash, &snapshot.Version,
		&snapshot.RecordCount, &isActive, &snapshot.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	snapshot.IsActive = isActive == 1
	return &snapshot, nil
}

func (s *Store) querySnapshot(ctx context.Context, where string, args ...any) (*HistorySnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM history_snapshots FINAL WHERE ` + where + ` AND _deleted = 0 LIMIT 1`
	snapshot, err := s.scanSnapshot(s.conn.QueryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snapshot, nil
}

// GetSnapshot retrieves a snapshot by ID
func (s *Store) GetSnapshot(ctx context.Context, id uuid.UUID) (*HistorySnapshot, error) {
	return s.querySnapshot(ctx, `id = ?`, id)
}

// GetActiveSnapshot retrieves the active snapshot, or nil when none is active
func (s *Store) GetActiveSnapshot(ctx context.Context) (*HistorySnapshot, error) {
	return s.querySnapshot(ctx, `is_active = 1`)
}

// FindSnapshotByHash finds a snapshot by its content hash
func (s *Store) FindSnapshotByHash(ctx context.Context, hash string) (*HistorySnapshot, error) {
	return s.querySnapshot(ctx, `hash = ?`, hash)
}

// ActivateSnapshot marks a snapshot active and deactivates the others
func (s *Store) ActivateSnapshot(ctx context.Context, id uuid.UUID) error {
	snapshot, err := s.GetSnapshot(ctx, id)
	if err != nil {
		return err
	}
	if snapshot == nil {
		return fmt.Errorf("snapshot not found: %s", id)
	}

	deactivateQuery := `
		INSERT INTO history_snapshots
		SELECT id, source, hash, version, record_count, 0 as is_active, created_at,
			   _version + 1 as _version, _deleted
		FROM history_snapshots FINAL
		WHERE is_active = 1 AND _deleted = 0 AND id != ?
	`
	if err := s.conn.Exec(ctx, deactivateQuery, id); err != nil {
		return fmt.Errorf("failed to deactivate snapshots: %w", err)
	}

	activateQuery := `
		INSERT INTO history_snapshots
		SELECT id, source, hash, version, record_count, 1 as is_active, created_at,
			   _version + 1 as _version, _deleted
		FROM history_snapshots FINAL
		WHERE id = ?
	`
	return s.conn.Exec(ctx, activateQuery, id)
}

// ListSnapshots lists snapshots, newest first
func (s *Store) ListSnapshots(ctx context.Context) ([]*HistorySnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM history_snapshots FINAL WHERE _deleted = 0 ORDER BY created_at DESC`
	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*HistorySnapshot
	for rows.Next() {
		snapshot, err := s.scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}

// CountProjects returns the number of projects in a snapshot
func (s *Store) CountProjects(ctx context.Context, snapshotID uuid.UUID) (int, error) {
	query := `SELECT count() FROM historical_quotes WHERE snapshot_id = ? AND _deleted = 0`
	row := s.conn.QueryRow(ctx, query, snapshotID)
	var count uint64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count projects: %w", err)
	}
	return int(count), nil
}

// =============================================================================
// PROJECT OPERATIONS
// =============================================================================

// BulkInsertProjects inserts projects into a snapshot using batch insert
func (s *Store) BulkInsertProjects(ctx context.Context, snapshotID uuid.UUID, projects []api.HistoricalProject) error {
	if len(projects) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO historical_quotes (
			snapshot_id, quote_id, quoted_at, customer_id, industry, project_name,
			material, quantity, unit_price, total_price, lead_time_weeks, tolerance, won
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, p := range projects {
		if err := batch.Append(
			snapshotID, p.QuoteID, p.QuotedAt, p.CustomerID, p.Industry, p.ProjectName,
			p.Material, uint32(p.Quantity), p.UnitPrice, p.TotalPrice,
			uint16(p.LeadTimeWeeks), p.Tolerance, boolToUInt8(p.Won),
		); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	return batch.Send()
}

// Projects returns every project in a snapshot
func (s *Store) Projects(ctx context.Context, snapshotID uuid.UUID) ([]api.HistoricalProject, error) {
	query := `
		SELECT quote_id, quoted_at, customer_id, industry, project_name, material,
			   quantity, unit_price, total_price, lead_time_weeks, tolerance, won
		FROM historical_quotes
		WHERE snapshot_id = ? AND _deleted = 0
		ORDER BY quote_id
	`
	rows, err := s.conn.Query(ctx, query, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var projects []api.HistoricalProject
	for rows.Next() {
		var p api.HistoricalProject
		var quantity uint32
		var leadTime uint16
		var won uint8
		var unitPrice, totalPrice decimal.Decimal
		if err := rows.Scan(
			&p.QuoteID, &p.QuotedAt, &p.CustomerID, &p.Industry, &p.ProjectName, &p.Material,
			&quantity, &unitPrice, &totalPrice, &leadTime, &p.Tolerance, &won,
		); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.Quantity = int(quantity)
		p.LeadTimeWeeks = int(leadTime)
		p.UnitPrice = unitPrice
		p.TotalPrice = totalPrice
		p.Won = won == 1
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// ActiveProjects returns the active snapshot's version and projects. With no
// active snapshot the history is empty, which is a valid state.
func (s *Store) ActiveProjects(ctx context.Context) (string, []api.HistoricalProject, error) {
	snapshot, err := s.GetActiveSnapshot(ctx)
	if err != nil {
		return "", nil, err
	}
	if snapshot == nil {
		return "empty", nil, nil
	}
	projects, err := s.Projects(ctx, snapshot.ID)
	if err != nil {
		return "", nil, err
	}
	return snapshot.Version, projects, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// HashProjects computes an order-independent content hash of projects.
func HashProjects(projects []api.HistoricalProject) string {
	lines := make([]string, len(projects))
	for i, p := range projects {
		lines[i] = strings.Join([]string{
			p.QuoteID,
			p.QuotedAt.UTC().Format(time.RFC3339),
			p.CustomerID,
			p.Industry,
			p.Material,
			strconv.Itoa(p.Quantity),
			p.UnitPrice.String(),
			p.TotalPrice.String(),
			strconv.Itoa(p.LeadTimeWeeks),
			p.Tolerance,
			strconv.FormatBool(p.Won),
		}, "|")
	}
	sort.Strings(lines)

	h := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(h[:])
}

// VersionFor derives a snapshot version from its content hash.
func VersionFor(hash string) string {
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return "history-" + hash
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
