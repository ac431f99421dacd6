package gaps

import (
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/nelssec/gapscan/internal/models"
)

func TestPrioritize_ComponentScores(t *testing.T) {
	asset := &models.DiscoveredAsset{
		AssetID:         "asset-1",
		AssetType:       models.AssetTypePostgreSQL,
		ConfidenceLevel: models.ConfidenceHigh,
	}

	tests := []struct {
		name          string
		gap           *models.Gap
		wantSev       float64
		wantReg       float64
		wantExp       float64
		wantComposite float64
	}{
		{
			"gdpr compliance gap on high-confidence postgres",
			&models.Gap{GapID: uuid.New(), GapType: models.GapTypeCompliance, AssetID: "asset-1", Framework: models.FrameworkGDPR},
			0.9, 1.0, 1.0, (0.9 + 1.0 + 1.0) / 3,
		},
		{
			"orphaned gap gets the regulatory floor",
			&models.Gap{GapID: uuid.New(), GapType: models.GapTypeOrphanedAsset, AssetID: "asset-1"},
			0.8, 0.2, 1.0, (0.8 + 0.2 + 1.0) / 3,
		},
		{
			"documentation gap",
			&models.Gap{GapID: uuid.New(), GapType: models.GapTypeDocumentation, AssetID: "asset-1"},
			0.5, 0.2, 1.0, (0.5 + 0.2 + 1.0) / 3,
		},
		{
			"systemic gap with no asset",
			&models.Gap{GapID: uuid.New(), GapType: models.GapTypeCompliance, Framework: models.FrameworkSOC2},
			0.9, 0.7, 0.25 * 0.4, (0.9 + 0.7 + 0.1) / 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scores := Prioritize([]*models.Gap{tt.gap}, []*models.DiscoveredAsset{asset}, DefaultWeights())
			if len(scores) != 1 {
				t.Fatalf("expected 1 score, got %d", len(scores))
			}
			s := scores[0]
			if got := s.ContributingFactors["severity"]; got != tt.wantSev {
				t.Errorf("severity = %v, want %v", got, tt.wantSev)
			}
			if got := s.ContributingFactors["regulatory"]; got != tt.wantReg {
				t.Errorf("regulatory = %v, want %v", got, tt.wantReg)
			}
			if got := s.ContributingFactors["exposure"]; math.Abs(got-tt.wantExp) > 1e-9 {
				t.Errorf("exposure = %v, want %v", got, tt.wantExp)
			}
			if math.Abs(s.CompositeScore-tt.wantComposite) > 1e-9 {
				t.Errorf("composite = %v, want %v", s.CompositeScore, tt.wantComposite)
			}
		})
	}
}

func TestPrioritize_OrderedDescending(t *testing.T) {
	asset := &models.DiscoveredAsset{
		AssetID:         "asset-1",
		AssetType:       models.AssetTypePostgreSQL,
		ConfidenceLevel: models.ConfidenceHigh,
	}
	gaps := []*models.Gap{
		{GapID: uuid.New(), GapType: models.GapTypeDocumentation, AssetID: "asset-1"},
		{GapID: uuid.New(), GapType: models.GapTypeCompliance, AssetID: "asset-1", Framework: models.FrameworkGDPR},
		{GapID: uuid.New(), GapType: models.GapTypeOrphanedAsset, AssetID: "asset-1"},
	}

	scores := Prioritize(gaps, []*models.DiscoveredAsset{asset}, DefaultWeights())

	for i := 1; i < len(scores); i++ {
		if scores[i-1].CompositeScore < scores[i].CompositeScore {
			t.Fatalf("scores not descending at %d: %v then %v", i, scores[i-1].CompositeScore, scores[i].CompositeScore)
		}
	}
	if scores[0].Gap.GapType != models.GapTypeCompliance {
		t.Errorf("top gap = %s, want compliance", scores[0].Gap.GapType)
	}
}

func TestPrioritize_TieBrokenByGapID(t *testing.T) {
	// Two identical gaps differ only in ID; order must be reproducible.
	idA := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	idB := uuid.MustParse("00000000-0000-0000-0000-00000000000b")

	gaps := []*models.Gap{
		{GapID: idB, GapType: models.GapTypeOrphanedAsset, AssetID: "asset-1"},
		{GapID: idA, GapType: models.GapTypeOrphanedAsset, AssetID: "asset-1"},
	}

	for i := 0; i < 3; i++ {
		scores := Prioritize(gaps, nil, DefaultWeights())
		if scores[0].Gap.GapID != idA || scores[1].Gap.GapID != idB {
			t.Fatalf("tie not broken by gap ID: got %s then %s", scores[0].Gap.GapID, scores[1].Gap.GapID)
		}
	}
}

func TestPrioritize_ExposureScalesWithConfidenceAndType(t *testing.T) {
	tests := []struct {
		name  string
		level models.ConfidenceLevel
		typ   models.AssetType
		want  float64
	}{
		{"high postgres", models.ConfidenceHigh, models.AssetTypePostgreSQL, 1.0},
		{"medium duckdb", models.ConfidenceMedium, models.AssetTypeDuckDB, 0.75 * 0.7},
		{"low sqlite", models.ConfidenceLow, models.AssetTypeSQLite, 0.5 * 0.6},
		{"very low file storage", models.ConfidenceVeryLow, models.AssetTypeFileStorage, 0.25 * 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asset := &models.DiscoveredAsset{
				AssetID:         "asset-1",
				AssetType:       tt.typ,
				ConfidenceLevel: tt.level,
			}
			gap := &models.Gap{GapID: uuid.New(), GapType: models.GapTypeOrphanedAsset, AssetID: "asset-1"}

			scores := Prioritize([]*models.Gap{gap}, []*models.DiscoveredAsset{asset}, DefaultWeights())
			if got := scores[0].ContributingFactors["exposure"]; math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("exposure = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPrioritize_Empty(t *testing.T) {
	scores := Prioritize(nil, nil, DefaultWeights())
	if len(scores) != 0 {
		t.Errorf("expected no scores, got %d", len(scores))
	}
}
