package reports

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nelssec/gapscan/internal/gaps"
	"github.com/nelssec/gapscan/internal/models"
)

func sampleInputs() (models.RunMetadata, []*models.DiscoveredAsset, *gaps.Result, []*models.GapPriorityScore) {
	runID := uuid.New()
	metadata := models.RunMetadata{
		RunID:     runID,
		StartedAt: time.Now().Add(-time.Minute),
		EndedAt:   time.Now(),
		Modules: []models.ModuleStatus{
			{Method: models.MethodFilesystem, Executed: true, Observations: 2},
			{Method: models.MethodContainer, SkipReason: "socket not found"},
		},
	}

	asset := &models.DiscoveredAsset{
		AssetID:           "asset-1",
		RunID:             runID,
		AssetType:         models.AssetTypePostgreSQL,
		Locators:          []string{"postgres://db.example.com:5432/app"},
		SupportingMethods: []string{"network", "code_analysis"},
		ConfidenceScore:   0.92,
		ConfidenceLevel:   models.ConfidenceHigh,
		Attributes:        map[string]string{"engine": "postgresql"},
	}

	gap := &models.Gap{
		GapID:      uuid.New(),
		RunID:      runID,
		GapType:    models.GapTypeOrphanedAsset,
		AssetID:    asset.AssetID,
		Status:     models.GapStatusOpen,
		DetectedAt: time.Now(),
		Evidence:   models.JSONB{"confidence_score": 0.92},
	}

	result := &gaps.Result{Gaps: []*models.Gap{gap}}
	scores := []*models.GapPriorityScore{{
		Gap:                 gap,
		CompositeScore:      0.66,
		ContributingFactors: map[string]float64{"severity": 0.8, "regulatory": 0.2, "exposure": 1.0},
	}}

	return metadata, []*models.DiscoveredAsset{asset}, result, scores
}

func TestAssemble_DeepCopiesInputs(t *testing.T) {
	metadata, assets, result, scores := sampleInputs()

	report := Assemble(metadata, assets, result, scores)

	// Mutate every input after assembly; the report must not change.
	assets[0].Locators[0] = "mutated"
	assets[0].Attributes["engine"] = "mutated"
	result.Gaps[0].Status = models.GapStatusResolved
	result.Gaps[0].Evidence["confidence_score"] = 0.0
	scores[0].ContributingFactors["severity"] = 0.0
	metadata.Modules[0].Observations = 99

	if report.Assets[0].Locators[0] != "postgres://db.example.com:5432/app" {
		t.Error("asset locator mutated through the report")
	}
	if report.Assets[0].Attributes["engine"] != "postgresql" {
		t.Error("asset attribute mutated through the report")
	}
	if report.Gaps[0].Status != models.GapStatusOpen {
		t.Error("gap status mutated through the report")
	}
	if report.Gaps[0].Evidence["confidence_score"] != 0.92 {
		t.Error("gap evidence mutated through the report")
	}
	if report.Scores[0].ContributingFactors["severity"] != 0.8 {
		t.Error("score factors mutated through the report")
	}
	if report.Metadata.Modules[0].Observations != 2 {
		t.Error("module status mutated through the report")
	}
}

func TestGenerate_JSON(t *testing.T) {
	metadata, assets, result, scores := sampleInputs()
	report := Assemble(metadata, assets, result, scores)

	generated, err := NewGenerator().Generate(report, FormatJSON, "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if generated.MimeType != "application/json" {
		t.Errorf("mime type = %s, want application/json", generated.MimeType)
	}
	if !strings.HasSuffix(generated.Filename, ".json") {
		t.Errorf("filename = %s, want .json suffix", generated.Filename)
	}

	var decoded models.DiscoveryReport
	if err := json.Unmarshal(generated.Data, &decoded); err != nil {
		t.Fatalf("output is not valid json: %v", err)
	}
	if len(decoded.Assets) != 1 || len(decoded.Gaps) != 1 {
		t.Errorf("decoded report has %d assets and %d gaps, want 1 and 1", len(decoded.Assets), len(decoded.Gaps))
	}
}

func TestGenerate_CSV(t *testing.T) {
	metadata, assets, result, scores := sampleInputs()
	report := Assemble(metadata, assets, result, scores)

	generated, err := NewGenerator().Generate(report, FormatCSV, "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	out := string(generated.Data)
	if !strings.Contains(out, "asset-1") {
		t.Error("csv output missing asset row")
	}
	if !strings.Contains(out, "orphaned_asset") {
		t.Error("csv output missing gap row")
	}
	if !strings.Contains(out, metadata.RunID.String()) {
		t.Error("csv output missing run id")
	}
}

func TestGenerate_PDF(t *testing.T) {
	metadata, assets, result, scores := sampleInputs()
	report := Assemble(metadata, assets, result, scores)

	generated, err := NewGenerator().Generate(report, FormatPDF, "Quarterly Review")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !bytes.HasPrefix(generated.Data, []byte("%PDF")) {
		t.Error("pdf output missing %PDF header")
	}
	if generated.MimeType != "application/pdf" {
		t.Errorf("mime type = %s, want application/pdf", generated.MimeType)
	}
}

func TestGenerate_UnsupportedFormat(t *testing.T) {
	metadata, assets, result, scores := sampleInputs()
	report := Assemble(metadata, assets, result, scores)

	if _, err := NewGenerator().Generate(report, ReportFormat("xml"), ""); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestStreamCSV(t *testing.T) {
	metadata, assets, result, scores := sampleInputs()
	report := Assemble(metadata, assets, result, scores)

	var buf bytes.Buffer
	if err := NewGenerator().StreamCSV(&buf, report); err != nil {
		t.Fatalf("StreamCSV: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want header plus one asset", len(lines))
	}
	if !strings.Contains(lines[1], "code_analysis;network") {
		t.Errorf("methods not sorted and joined: %s", lines[1])
	}
}

func TestAssemble_NilResult(t *testing.T) {
	metadata, assets, _, _ := sampleInputs()

	report := Assemble(metadata, assets, nil, nil)
	if report.Gaps != nil && len(report.Gaps) != 0 {
		t.Errorf("expected no gaps, got %d", len(report.Gaps))
	}
	if len(report.Assets) != 1 {
		t.Errorf("assets = %d, want 1", len(report.Assets))
	}
}
