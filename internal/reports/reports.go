package reports

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/nelssec/gapscan/internal/gaps"
	"github.com/nelssec/gapscan/internal/models"
)

type ReportFormat string

const (
	FormatJSON ReportFormat = "json"
	FormatCSV  ReportFormat = "csv"
	FormatPDF  ReportFormat = "pdf"
)

// Report is a rendered artifact ready to serve or write to disk.
type Report struct {
	RunID       string
	Format      ReportFormat
	Title       string
	GeneratedAt time.Time
	Data        []byte
	Filename    string
	MimeType    string
}

// Assemble builds the immutable run report from the pipeline outputs.
// Every slice and map is deep-copied so later mutation of the inputs
// cannot change an already assembled report.
func Assemble(metadata models.RunMetadata, assets []*models.DiscoveredAsset, result *gaps.Result, scores []*models.GapPriorityScore) *models.DiscoveryReport {
	report := &models.DiscoveryReport{
		Metadata: copyMetadata(metadata),
		Assets:   make([]*models.DiscoveredAsset, 0, len(assets)),
		Scores:   make([]models.GapPriorityScore, 0, len(scores)),
	}

	for _, a := range assets {
		copied := copyAsset(a)
		report.Assets = append(report.Assets, &copied)
	}
	if result != nil {
		report.Gaps = make([]*models.Gap, 0, len(result.Gaps))
		for _, g := range result.Gaps {
			copied := copyGap(g)
			report.Gaps = append(report.Gaps, &copied)
		}
	}
	for _, s := range scores {
		copied := models.GapPriorityScore{
			CompositeScore:      s.CompositeScore,
			ContributingFactors: make(map[string]float64, len(s.ContributingFactors)),
		}
		for k, v := range s.ContributingFactors {
			copied.ContributingFactors[k] = v
		}
		if s.Gap != nil {
			g := copyGap(s.Gap)
			copied.Gap = &g
		}
		report.Scores = append(report.Scores, copied)
	}

	return report
}

func copyMetadata(m models.RunMetadata) models.RunMetadata {
	out := m
	out.Modules = make([]models.ModuleStatus, len(m.Modules))
	copy(out.Modules, m.Modules)
	return out
}

func copyAsset(a *models.DiscoveredAsset) models.DiscoveredAsset {
	out := *a
	out.Locators = append([]string(nil), a.Locators...)
	out.SupportingMethods = append([]string(nil), a.SupportingMethods...)
	out.Attributes = make(map[string]string, len(a.Attributes))
	for k, v := range a.Attributes {
		out.Attributes[k] = v
	}
	return out
}

func copyGap(g *models.Gap) models.Gap {
	out := *g
	out.Evidence = make(models.JSONB, len(g.Evidence))
	for k, v := range g.Evidence {
		out.Evidence[k] = v
	}
	return out
}

// Generator renders an assembled report in the supported formats.
type Generator struct{}

func NewGenerator() *Generator { return &Generator{} }

func (g *Generator) Generate(report *models.DiscoveryReport, format ReportFormat, title string) (*Report, error) {
	var (
		data []byte
		err  error
		ext  string
		mime string
	)

	switch format {
	case FormatJSON:
		data, err = json.MarshalIndent(report, "", "  ")
		ext, mime = "json", "application/json"
	case FormatCSV:
		data, err = g.toCSV(report)
		ext, mime = "csv", "text/csv"
	case FormatPDF:
		data, err = g.toPDF(report, title)
		ext, mime = "pdf", "application/pdf"
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
	if err != nil {
		return nil, err
	}

	return &Report{
		RunID:       report.Metadata.RunID.String(),
		Format:      format,
		Title:       title,
		GeneratedAt: time.Now(),
		Data:        data,
		Filename:    fmt.Sprintf("discovery_%s.%s", time.Now().Format("20060102_150405"), ext),
		MimeType:    mime,
	}, nil
}

func (g *Generator) toCSV(report *models.DiscoveryReport) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	_ = w.Write([]string{"Discovery Report"})
	_ = w.Write([]string{"Run ID", report.Metadata.RunID.String()})
	_ = w.Write([]string{"Started", report.Metadata.StartedAt.Format(time.RFC3339)})
	_ = w.Write([]string{"Truncated", fmt.Sprintf("%t", report.Metadata.Truncated)})
	_ = w.Write([]string{""})

	_ = w.Write([]string{"Assets"})
	header := []string{"Asset ID", "Type", "Confidence", "Level", "Methods", "Primary Locator"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, a := range report.Assets {
		primary := ""
		if len(a.Locators) > 0 {
			primary = a.Locators[0]
		}
		row := []string{
			a.AssetID,
			string(a.AssetType),
			fmt.Sprintf("%.3f", a.ConfidenceScore),
			string(a.ConfidenceLevel),
			joinMethods(a.SupportingMethods),
			primary,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	_ = w.Write([]string{""})
	_ = w.Write([]string{"Prioritized Gaps"})
	if err := w.Write([]string{"Gap ID", "Type", "Asset ID", "Framework", "Rule", "Score"}); err != nil {
		return nil, err
	}
	for _, s := range report.Scores {
		row := []string{
			s.Gap.GapID.String(),
			string(s.Gap.GapType),
			s.Gap.AssetID,
			string(s.Gap.Framework),
			s.Gap.ViolatedRule,
			fmt.Sprintf("%.3f", s.CompositeScore),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func (g *Generator) toPDF(report *models.DiscoveryReport, title string) ([]byte, error) {
	if title == "" {
		title = "Data Asset Discovery Report"
	}
	pdf := NewPDFReport(title)

	pdf.AddSection("Run Summary")
	executed, skipped := 0, 0
	for _, m := range report.Metadata.Modules {
		if m.Executed {
			executed++
		} else {
			skipped++
		}
	}
	pdf.AddSummaryTable(map[string]int{
		"Assets Discovered": len(report.Assets),
		"Gaps Detected":     len(report.Gaps),
		"Modules Executed":  executed,
		"Modules Skipped":   skipped,
	})
	if report.Metadata.Truncated {
		pdf.AddParagraph("This run exceeded its time budget; results cover only the observations collected before truncation.")
	}

	pdf.AddSection("Gaps by Type")
	byType := map[string]int{}
	for _, gap := range report.Gaps {
		byType[string(gap.GapType)]++
	}
	pdf.AddChart("", byType)

	pdf.AddSection("Asset Inventory")
	assetRows := make([][]string, len(report.Assets))
	for i, a := range report.Assets {
		primary := ""
		if len(a.Locators) > 0 {
			primary = a.Locators[0]
		}
		assetRows[i] = []string{
			truncate(a.AssetID, 18),
			string(a.AssetType),
			fmt.Sprintf("%.2f", a.ConfidenceScore),
			string(a.ConfidenceLevel),
			truncate(primary, 25),
		}
	}
	pdf.AddTable([]string{"Asset", "Type", "Confidence", "Level", "Locator"}, assetRows)

	pdf.AddSection("Prioritized Gaps")
	gapRows := make([][]string, len(report.Scores))
	for i, s := range report.Scores {
		gapRows[i] = []string{
			truncate(s.Gap.GapID.String(), 12),
			string(s.Gap.GapType),
			truncate(s.Gap.AssetID, 18),
			string(s.Gap.Framework),
			fmt.Sprintf("%.2f", s.CompositeScore),
		}
	}
	pdf.AddTable([]string{"Gap", "Type", "Asset", "Framework", "Score"}, gapRows)

	return pdf.Output()
}

// StreamCSV writes the asset inventory directly to w for large runs.
func (g *Generator) StreamCSV(w io.Writer, report *models.DiscoveryReport) error {
	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	header := []string{"Asset ID", "Type", "Confidence", "Level", "Methods", "Locators"}
	if err := csvWriter.Write(header); err != nil {
		return err
	}
	for _, a := range report.Assets {
		row := []string{
			a.AssetID,
			string(a.AssetType),
			fmt.Sprintf("%.3f", a.ConfidenceScore),
			string(a.ConfidenceLevel),
			joinMethods(a.SupportingMethods),
			joinMethods(a.Locators),
		}
		if err := csvWriter.Write(row); err != nil {
			return err
		}
	}
	return csvWriter.Error()
}

func joinMethods(items []string) string {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	out := ""
	for i, s := range sorted {
		if i > 0 {
			out += ";"
		}
		out += s
	}
	return out
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
