package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/nelssec/gapscan/internal/models"
)

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) CreateRun(ctx context.Context, run *models.DiscoveryRun) error {
	query := `
		INSERT INTO discovery_runs (id, status, triggered_by, started_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = models.RunStatusPending
	}
	run.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Status, run.TriggeredBy, run.StartedAt, run.CreatedAt,
	)
	return err
}

func (s *Store) UpdateRunStatus(ctx context.Context, id uuid.UUID, status models.RunStatus, workerID string) error {
	query := `UPDATE discovery_runs SET status = $1, worker_id = $2`
	args := []interface{}{status, workerID}

	switch status {
	case models.RunStatusRunning:
		query += ", started_at = $3 WHERE id = $4"
		args = append(args, time.Now(), id)
	case models.RunStatusCompleted, models.RunStatusFailed:
		query += ", completed_at = $3 WHERE id = $4"
		args = append(args, time.Now(), id)
	default:
		query += " WHERE id = $3"
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// CompleteRun records the terminal state of a run together with its
// module execution summary.
func (s *Store) CompleteRun(ctx context.Context, id uuid.UUID, metadata models.RunMetadata, assetCount, gapCount int) error {
	executed := make(models.StringArray, 0)
	skipped := make(models.StringArray, 0)
	runErrors := make(models.JSONB)
	for _, m := range metadata.Modules {
		if m.Executed {
			executed = append(executed, string(m.Method))
		} else {
			skipped = append(skipped, string(m.Method))
		}
		if m.SkipReason != "" {
			runErrors[string(m.Method)] = m.SkipReason
		}
	}

	query := `
		UPDATE discovery_runs
		SET status = $1, completed_at = $2, truncated = $3,
		    modules_run = $4, modules_skipped = $5, errors = $6,
		    asset_count = $7, gap_count = $8
		WHERE id = $9
	`
	_, err := s.db.ExecContext(ctx, query,
		models.RunStatusCompleted, metadata.EndedAt, metadata.Truncated,
		executed, skipped, runErrors, assetCount, gapCount, id,
	)
	return err
}

func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*models.DiscoveryRun, error) {
	var run models.DiscoveryRun
	query := `SELECT * FROM discovery_runs WHERE id = $1`
	err := s.db.GetContext(ctx, &run, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &run, err
}

func (s *Store) ListRuns(ctx context.Context, status *models.RunStatus, limit, offset int) ([]models.DiscoveryRun, int, error) {
	baseQuery := `FROM discovery_runs WHERE 1=1`
	args := make([]interface{}, 0)

	if status != nil {
		baseQuery += " AND status = $1"
		args = append(args, *status)
	}

	var total int
	countQuery := "SELECT COUNT(*) " + baseQuery
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	selectQuery := "SELECT * " + baseQuery + " ORDER BY created_at DESC"
	if limit > 0 {
		selectQuery += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		selectQuery += fmt.Sprintf(" OFFSET %d", offset)
	}

	var runs []models.DiscoveryRun
	if err := s.db.SelectContext(ctx, &runs, selectQuery, args...); err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// DeleteRunsBefore removes old runs and their assets and gaps. Used by
// the cleanup scheduler job.
func (s *Store) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM gaps WHERE run_id IN (SELECT id FROM discovery_runs WHERE created_at < $1)`, cutoff); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM discovered_assets WHERE run_id IN (SELECT id FROM discovery_runs WHERE created_at < $1)`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM discovery_runs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	deleted, _ := res.RowsAffected()

	return deleted, tx.Commit()
}

func (s *Store) InsertAssets(ctx context.Context, runID uuid.UUID, assets []*models.DiscoveredAsset) error {
	if len(assets) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO discovered_assets (
			asset_id, run_id, asset_type, locators, supporting_methods,
			confidence_score, confidence_level, attributes, discovered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	for _, a := range assets {
		attrs := make(models.JSONB, len(a.Attributes))
		for k, v := range a.Attributes {
			attrs[k] = v
		}
		_, err := tx.ExecContext(ctx, query,
			a.AssetID, runID, a.AssetType,
			models.StringArray(a.Locators), models.StringArray(a.SupportingMethods),
			a.ConfidenceScore, a.ConfidenceLevel, attrs, a.DiscoveredAt,
		)
		if err != nil {
			return fmt.Errorf("inserting asset %s: %w", a.AssetID, err)
		}
	}

	return tx.Commit()
}

type ListAssetFilters struct {
	RunID           *uuid.UUID
	AssetType       *models.AssetType
	ConfidenceLevel *models.ConfidenceLevel
	Method          *models.DiscoveryMethod
	Limit           int
	Offset          int
}

func (s *Store) ListAssets(ctx context.Context, filters ListAssetFilters) ([]models.StoredAsset, int, error) {
	baseQuery := `FROM discovered_assets WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if filters.RunID != nil {
		baseQuery += fmt.Sprintf(" AND run_id = $%d", argIdx)
		args = append(args, *filters.RunID)
		argIdx++
	}
	if filters.AssetType != nil {
		baseQuery += fmt.Sprintf(" AND asset_type = $%d", argIdx)
		args = append(args, *filters.AssetType)
		argIdx++
	}
	if filters.ConfidenceLevel != nil {
		baseQuery += fmt.Sprintf(" AND confidence_level = $%d", argIdx)
		args = append(args, *filters.ConfidenceLevel)
		argIdx++
	}
	if filters.Method != nil {
		baseQuery += fmt.Sprintf(" AND $%d = ANY(supporting_methods)", argIdx)
		args = append(args, string(*filters.Method))
		_ = argIdx
	}

	var total int
	countQuery := "SELECT COUNT(*) " + baseQuery
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	selectQuery := "SELECT * " + baseQuery + " ORDER BY confidence_score DESC, asset_id ASC"
	if filters.Limit > 0 {
		selectQuery += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}
	if filters.Offset > 0 {
		selectQuery += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	var assets []models.StoredAsset
	if err := s.db.SelectContext(ctx, &assets, selectQuery, args...); err != nil {
		return nil, 0, err
	}
	return assets, total, nil
}

func (s *Store) GetAsset(ctx context.Context, runID uuid.UUID, assetID string) (*models.StoredAsset, error) {
	var asset models.StoredAsset
	query := `SELECT * FROM discovered_assets WHERE run_id = $1 AND asset_id = $2`
	err := s.db.GetContext(ctx, &asset, query, runID, assetID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &asset, err
}

func (s *Store) InsertGaps(ctx context.Context, gaps []*models.Gap) error {
	if len(gaps) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO gaps (
			gap_id, run_id, gap_type, asset_id, detected_at, evidence,
			status, framework, violated_rule
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	for _, g := range gaps {
		_, err := tx.ExecContext(ctx, query,
			g.GapID, g.RunID, g.GapType, g.AssetID, g.DetectedAt,
			g.Evidence, g.Status, g.Framework, g.ViolatedRule,
		)
		if err != nil {
			return fmt.Errorf("inserting gap %s: %w", g.GapID, err)
		}
	}

	return tx.Commit()
}

type ListGapFilters struct {
	RunID     *uuid.UUID
	GapType   *models.GapType
	Status    *models.GapStatus
	Framework *models.Framework
	AssetID   *string
	Limit     int
	Offset    int
}

func (s *Store) ListGaps(ctx context.Context, filters ListGapFilters) ([]models.Gap, int, error) {
	baseQuery := `FROM gaps WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if filters.RunID != nil {
		baseQuery += fmt.Sprintf(" AND run_id = $%d", argIdx)
		args = append(args, *filters.RunID)
		argIdx++
	}
	if filters.GapType != nil {
		baseQuery += fmt.Sprintf(" AND gap_type = $%d", argIdx)
		args = append(args, *filters.GapType)
		argIdx++
	}
	if filters.Status != nil {
		baseQuery += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *filters.Status)
		argIdx++
	}
	if filters.Framework != nil {
		baseQuery += fmt.Sprintf(" AND framework = $%d", argIdx)
		args = append(args, *filters.Framework)
		argIdx++
	}
	if filters.AssetID != nil {
		baseQuery += fmt.Sprintf(" AND asset_id = $%d", argIdx)
		args = append(args, *filters.AssetID)
		_ = argIdx
	}

	var total int
	countQuery := "SELECT COUNT(*) " + baseQuery
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	selectQuery := "SELECT * " + baseQuery + " ORDER BY detected_at DESC, gap_id ASC"
	if filters.Limit > 0 {
		selectQuery += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}
	if filters.Offset > 0 {
		selectQuery += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	var gaps []models.Gap
	if err := s.db.SelectContext(ctx, &gaps, selectQuery, args...); err != nil {
		return nil, 0, err
	}
	return gaps, total, nil
}

func (s *Store) GetGap(ctx context.Context, id uuid.UUID) (*models.Gap, error) {
	var gap models.Gap
	query := `SELECT * FROM gaps WHERE gap_id = $1`
	err := s.db.GetContext(ctx, &gap, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &gap, err
}

func (s *Store) UpdateGapStatus(ctx context.Context, id uuid.UUID, status models.GapStatus, reason string) error {
	query := `UPDATE gaps SET status = $1, status_reason = $2`
	args := []interface{}{status, reason}

	if status == models.GapStatusResolved {
		query += ", resolved_at = $3 WHERE gap_id = $4"
		args = append(args, time.Now(), id)
	} else {
		query += " WHERE gap_id = $3"
		args = append(args, id)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type GapCounts struct {
	TotalRuns      int `db:"total_runs"`
	TotalAssets    int `db:"total_assets"`
	TotalGaps      int `db:"total_gaps"`
	OpenGaps       int `db:"open_gaps"`
	ComplianceGaps int `db:"compliance_gaps"`
	OrphanedGaps   int `db:"orphaned_gaps"`
}

func (s *Store) GetGapCounts(ctx context.Context) (*GapCounts, error) {
	counts := &GapCounts{}

	query := `
		SELECT
			(SELECT COUNT(*) FROM discovery_runs) AS total_runs,
			(SELECT COUNT(*) FROM discovered_assets) AS total_assets,
			(SELECT COUNT(*) FROM gaps) AS total_gaps,
			(SELECT COUNT(*) FROM gaps WHERE status = 'open') AS open_gaps,
			(SELECT COUNT(*) FROM gaps WHERE gap_type = 'compliance') AS compliance_gaps,
			(SELECT COUNT(*) FROM gaps WHERE gap_type = 'orphaned_asset') AS orphaned_gaps
	`

	err := s.db.GetContext(ctx, counts, query)
	if err != nil {
		return nil, fmt.Errorf("getting gap counts: %w", err)
	}

	return counts, nil
}
