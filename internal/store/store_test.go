package store

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nelssec/gapscan/internal/models"
)

// getTestDSN returns the test database DSN from environment
func getTestDSN() string {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=gapscan password=gapscan_password dbname=gapscan_test sslmode=disable"
	}
	return dsn
}

// skipIfNoTestDB skips the test if no test database is available
func skipIfNoTestDB(t *testing.T) *Store {
	t.Helper()

	store, err := New(Config{
		DSN:          getTestDSN(),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	if err != nil {
		t.Skipf("Skipping test, database not available: %v", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		t.Skipf("Skipping test, database not reachable: %v", err)
		return nil
	}

	return store
}

func TestStore_Runs(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()

	run := &models.DiscoveryRun{
		TriggeredBy: "test",
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run.ID == uuid.Nil {
		t.Fatal("CreateRun did not assign an ID")
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetRun returned nil for existing run")
	}
	if got.Status != models.RunStatusPending {
		t.Errorf("Status = %q, want %q", got.Status, models.RunStatusPending)
	}
	if got.TriggeredBy != "test" {
		t.Errorf("TriggeredBy = %q, want %q", got.TriggeredBy, "test")
	}

	if err := store.UpdateRunStatus(ctx, run.ID, models.RunStatusRunning, "worker-1"); err != nil {
		t.Fatalf("UpdateRunStatus failed: %v", err)
	}
	got, err = store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun after update failed: %v", err)
	}
	if got.Status != models.RunStatusRunning {
		t.Errorf("Status = %q, want %q", got.Status, models.RunStatusRunning)
	}
	if got.WorkerID != "worker-1" {
		t.Errorf("WorkerID = %q, want %q", got.WorkerID, "worker-1")
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not set on running run")
	}

	metadata := models.RunMetadata{
		RunID:   run.ID,
		EndedAt: time.Now(),
		Modules: []models.ModuleStatus{
			{Method: models.MethodFilesystem, Executed: true},
			{Method: models.MethodContainer, Executed: false, SkipReason: "docker socket not available"},
		},
	}
	if err := store.CompleteRun(ctx, run.ID, metadata, 5, 2); err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}
	got, err = store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun after complete failed: %v", err)
	}
	if got.Status != models.RunStatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, models.RunStatusCompleted)
	}
	if got.AssetCount != 5 || got.GapCount != 2 {
		t.Errorf("counts = (%d, %d), want (5, 2)", got.AssetCount, got.GapCount)
	}
	if len(got.ModulesRun) != 1 || got.ModulesRun[0] != string(models.MethodFilesystem) {
		t.Errorf("ModulesRun = %v, want [filesystem]", got.ModulesRun)
	}
	if len(got.ModulesSkipped) != 1 {
		t.Errorf("ModulesSkipped = %v, want one entry", got.ModulesSkipped)
	}

	status := models.RunStatusCompleted
	runs, total, err := store.ListRuns(ctx, &status, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if total < 1 {
		t.Error("ListRuns total should include the completed run")
	}
	found := false
	for _, r := range runs {
		if r.ID == run.ID {
			found = true
		}
	}
	if !found && total <= 10 {
		t.Error("completed run missing from ListRuns results")
	}

	// Missing run resolves to nil, not an error.
	missing, err := store.GetRun(ctx, uuid.New())
	if err != nil {
		t.Fatalf("GetRun for missing ID failed: %v", err)
	}
	if missing != nil {
		t.Error("GetRun for missing ID should return nil")
	}
}

func TestStore_Assets(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()

	run := &models.DiscoveryRun{TriggeredBy: "test"}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	assets := []*models.DiscoveredAsset{
		{
			AssetID:           "asset-pg-" + run.ID.String()[:8],
			AssetType:         models.AssetTypePostgreSQL,
			Locators:          []string{"tcp://db.internal:5432"},
			SupportingMethods: []string{string(models.MethodNetwork), string(models.MethodCodeAnalysis)},
			ConfidenceScore:   0.95,
			ConfidenceLevel:   models.ConfidenceHigh,
			Attributes:        map[string]string{"owner": "payments-team", "engine": "postgresql"},
			DiscoveredAt:      time.Now(),
		},
		{
			AssetID:           "asset-sqlite-" + run.ID.String()[:8],
			AssetType:         models.AssetTypeSQLite,
			Locators:          []string{"file:///data/app.sqlite"},
			SupportingMethods: []string{string(models.MethodFilesystem)},
			ConfidenceScore:   0.6,
			ConfidenceLevel:   models.ConfidenceMedium,
			DiscoveredAt:      time.Now(),
		},
	}
	if err := store.InsertAssets(ctx, run.ID, assets); err != nil {
		t.Fatalf("InsertAssets failed: %v", err)
	}

	listed, total, err := store.ListAssets(ctx, ListAssetFilters{RunID: &run.ID})
	if err != nil {
		t.Fatalf("ListAssets failed: %v", err)
	}
	if total != 2 || len(listed) != 2 {
		t.Fatalf("ListAssets returned %d/%d, want 2/2", len(listed), total)
	}
	// Ordered by confidence descending.
	if listed[0].AssetID != assets[0].AssetID {
		t.Errorf("first asset = %q, want highest-confidence %q", listed[0].AssetID, assets[0].AssetID)
	}

	method := models.MethodFilesystem
	filtered, _, err := store.ListAssets(ctx, ListAssetFilters{RunID: &run.ID, Method: &method})
	if err != nil {
		t.Fatalf("ListAssets with method filter failed: %v", err)
	}
	if len(filtered) != 1 || filtered[0].AssetType != models.AssetTypeSQLite {
		t.Errorf("method filter returned %v, want the sqlite asset", filtered)
	}

	got, err := store.GetAsset(ctx, run.ID, assets[0].AssetID)
	if err != nil {
		t.Fatalf("GetAsset failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetAsset returned nil for existing asset")
	}
	if owner, ok := got.Attributes["owner"].(string); !ok || owner != "payments-team" {
		t.Errorf("owner attribute = %v, want payments-team", got.Attributes["owner"])
	}
	if len(got.Locators) != 1 || got.Locators[0] != "tcp://db.internal:5432" {
		t.Errorf("Locators = %v", got.Locators)
	}

	missing, err := store.GetAsset(ctx, run.ID, "no-such-asset")
	if err != nil {
		t.Fatalf("GetAsset for missing asset failed: %v", err)
	}
	if missing != nil {
		t.Error("GetAsset for missing asset should return nil")
	}
}

func TestStore_Gaps(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()

	run := &models.DiscoveryRun{TriggeredBy: "test"}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	gaps := []*models.Gap{
		{
			GapID:      uuid.New(),
			RunID:      run.ID,
			GapType:    models.GapTypeOrphanedAsset,
			AssetID:    "asset-1",
			DetectedAt: time.Now(),
			Evidence:   models.JSONB{"confidence_score": 0.9},
			Status:     models.GapStatusOpen,
		},
		{
			GapID:        uuid.New(),
			RunID:        run.ID,
			GapType:      models.GapTypeCompliance,
			AssetID:      "asset-1",
			DetectedAt:   time.Now(),
			Status:       models.GapStatusOpen,
			Framework:    models.FrameworkGDPR,
			ViolatedRule: "GDPR-ART32-CREDS",
		},
	}
	if err := store.InsertGaps(ctx, gaps); err != nil {
		t.Fatalf("InsertGaps failed: %v", err)
	}

	listed, total, err := store.ListGaps(ctx, ListGapFilters{RunID: &run.ID})
	if err != nil {
		t.Fatalf("ListGaps failed: %v", err)
	}
	if total != 2 || len(listed) != 2 {
		t.Fatalf("ListGaps returned %d/%d, want 2/2", len(listed), total)
	}

	framework := models.FrameworkGDPR
	filtered, _, err := store.ListGaps(ctx, ListGapFilters{RunID: &run.ID, Framework: &framework})
	if err != nil {
		t.Fatalf("ListGaps with framework filter failed: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ViolatedRule != "GDPR-ART32-CREDS" {
		t.Errorf("framework filter returned %v, want the compliance gap", filtered)
	}

	if err := store.UpdateGapStatus(ctx, gaps[0].GapID, models.GapStatusResolved, "documented and assigned"); err != nil {
		t.Fatalf("UpdateGapStatus failed: %v", err)
	}
	got, err := store.GetGap(ctx, gaps[0].GapID)
	if err != nil {
		t.Fatalf("GetGap failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetGap returned nil for existing gap")
	}
	if got.Status != models.GapStatusResolved {
		t.Errorf("Status = %q, want %q", got.Status, models.GapStatusResolved)
	}
	if got.StatusReason != "documented and assigned" {
		t.Errorf("StatusReason = %q", got.StatusReason)
	}
	if got.ResolvedAt == nil {
		t.Error("ResolvedAt not set on resolved gap")
	}

	if err := store.UpdateGapStatus(ctx, uuid.New(), models.GapStatusAcknowledged, "n/a"); err != sql.ErrNoRows {
		t.Errorf("UpdateGapStatus for missing gap = %v, want sql.ErrNoRows", err)
	}

	counts, err := store.GetGapCounts(ctx)
	if err != nil {
		t.Fatalf("GetGapCounts failed: %v", err)
	}
	if counts.TotalGaps < 2 {
		t.Errorf("TotalGaps = %d, want at least 2", counts.TotalGaps)
	}
	if counts.ComplianceGaps < 1 {
		t.Errorf("ComplianceGaps = %d, want at least 1", counts.ComplianceGaps)
	}
}

func TestStore_DeleteRunsBefore(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()

	run := &models.DiscoveryRun{TriggeredBy: "cleanup-test"}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := store.InsertGaps(ctx, []*models.Gap{{
		GapID:      uuid.New(),
		RunID:      run.ID,
		GapType:    models.GapTypeDocumentation,
		AssetID:    "asset-old",
		DetectedAt: time.Now(),
		Status:     models.GapStatusOpen,
	}}); err != nil {
		t.Fatalf("InsertGaps failed: %v", err)
	}

	deleted, err := store.DeleteRunsBefore(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteRunsBefore failed: %v", err)
	}
	if deleted < 1 {
		t.Errorf("deleted = %d, want at least 1", deleted)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun after delete failed: %v", err)
	}
	if got != nil {
		t.Error("run should be gone after DeleteRunsBefore")
	}
	_, gapTotal, err := store.ListGaps(ctx, ListGapFilters{RunID: &run.ID})
	if err != nil {
		t.Fatalf("ListGaps after delete failed: %v", err)
	}
	if gapTotal != 0 {
		t.Errorf("gaps remaining after delete = %d, want 0", gapTotal)
	}
}
