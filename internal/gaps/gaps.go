package gaps

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/nelssec/gapscan/internal/models"
	"github.com/nelssec/gapscan/internal/reconcile"
)

// Thresholds tune the documentation checks.
type Thresholds struct {
	// StalenessWindow is the maximum age of a documentation entry before
	// it counts as stale.
	StalenessWindow time.Duration

	// CompletenessThreshold is the minimum completeness score a
	// documentation entry must carry.
	CompletenessThreshold float64
}

// DefaultThresholds mirrors the configuration defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		StalenessWindow:       90 * 24 * time.Hour,
		CompletenessThreshold: 0.7,
	}
}

// DocumentationIndex holds the catalog entries assets are checked
// against. Lookup matches either an explicit asset ID or any locator of
// the asset, compared under the same normalization discovery locators
// get.
type DocumentationIndex struct {
	entries   []models.DocumentationEntry
	byAssetID map[string]*models.DocumentationEntry
	byLocator map[string]*models.DocumentationEntry
	errors    []ValidationError
}

// NewDocumentationIndex validates entries individually. A malformed
// entry is recorded and dropped; the rest of the index stays usable.
func NewDocumentationIndex(entries []models.DocumentationEntry) *DocumentationIndex {
	idx := &DocumentationIndex{
		byAssetID: make(map[string]*models.DocumentationEntry),
		byLocator: make(map[string]*models.DocumentationEntry),
	}

	for _, e := range entries {
		if e.Locator == "" && e.AssetID == "" {
			idx.errors = append(idx.errors, ValidationError{
				Source: "documentation_index",
				Entry:  e.Owner,
				Reason: "entry has neither locator nor asset_id",
			})
			continue
		}
		if e.CompletenessScore < 0 || e.CompletenessScore > 1 {
			idx.errors = append(idx.errors, ValidationError{
				Source: "documentation_index",
				Entry:  entryName(e),
				Reason: fmt.Sprintf("completeness_score %.2f outside [0,1]", e.CompletenessScore),
			})
			continue
		}

		stored := e
		idx.entries = append(idx.entries, stored)
		ref := &idx.entries[len(idx.entries)-1]
		if e.AssetID != "" {
			idx.byAssetID[e.AssetID] = ref
		}
		if e.Locator != "" {
			idx.byLocator[reconcile.IdentityKey(e.Locator)] = ref
		}
	}
	return idx
}

// LoadDocumentationIndex reads a yaml documentation catalog. A missing
// file yields an empty index so discovery-only deployments still run.
func LoadDocumentationIndex(path string) (*DocumentationIndex, error) {
	if path == "" {
		return NewDocumentationIndex(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDocumentationIndex(nil), nil
		}
		return nil, fmt.Errorf("reading documentation index: %w", err)
	}

	var entries []models.DocumentationEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing documentation index: %w", err)
	}
	return NewDocumentationIndex(entries), nil
}

// Lookup returns the documentation entry covering the asset, if any.
func (idx *DocumentationIndex) Lookup(asset *models.DiscoveredAsset) *models.DocumentationEntry {
	if e, ok := idx.byAssetID[asset.AssetID]; ok {
		return e
	}
	for _, loc := range asset.Locators {
		if e, ok := idx.byLocator[reconcile.IdentityKey(loc)]; ok {
			return e
		}
	}
	return nil
}

// Errors returns per-entry validation failures recorded during load.
func (idx *DocumentationIndex) Errors() []ValidationError { return idx.errors }

func entryName(e models.DocumentationEntry) string {
	if e.Locator != "" {
		return e.Locator
	}
	return e.AssetID
}

// Result is the outcome of one analysis pass.
type Result struct {
	Gaps             []*models.Gap
	SkippedRules     []SkippedRule
	ValidationErrors []ValidationError
}

// Analyzer evaluates the reconciled inventory against documentation and
// compliance rules. It holds no state between runs; identical inputs
// produce identical gaps modulo generated IDs and timestamps.
type Analyzer struct {
	docs       *DocumentationIndex
	rules      *RuleSet
	thresholds Thresholds
	logger     *slog.Logger
}

func NewAnalyzer(docs *DocumentationIndex, rules *RuleSet, thresholds Thresholds, logger *slog.Logger) *Analyzer {
	if docs == nil {
		docs = NewDocumentationIndex(nil)
	}
	if rules == nil {
		rules = NewRuleSet(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{docs: docs, rules: rules, thresholds: thresholds, logger: logger}
}

// Analyze runs all three gap detectors over the inventory. An empty
// inventory or an empty rule set simply contributes no gaps of the
// corresponding kind.
func (a *Analyzer) Analyze(runID uuid.UUID, assets []*models.DiscoveredAsset, now time.Time) *Result {
	res := &Result{}
	res.ValidationErrors = append(res.ValidationErrors, a.docs.Errors()...)
	res.ValidationErrors = append(res.ValidationErrors, a.rules.Errors()...)

	seenSkipped := make(map[string]bool)

	for _, asset := range assets {
		entry := a.docs.Lookup(asset)

		if gap := a.checkOrphaned(runID, asset, entry, now); gap != nil {
			res.Gaps = append(res.Gaps, gap)
		}
		if gap := a.checkDocumentation(runID, asset, entry, now); gap != nil {
			res.Gaps = append(res.Gaps, gap)
		}

		for _, rule := range a.rules.Rules() {
			violated, skipped := evaluate(rule, asset)
			if skipped {
				if !seenSkipped[rule.RuleID] {
					seenSkipped[rule.RuleID] = true
					res.SkippedRules = append(res.SkippedRules, SkippedRule{
						RuleID: rule.RuleID,
						Reason: fmt.Sprintf("unsupported rule kind %q", rule.Kind),
					})
					a.logger.Warn("skipping compliance rule",
						"rule_id", rule.RuleID,
						"kind", string(rule.Kind))
				}
				continue
			}
			if violated {
				res.Gaps = append(res.Gaps, a.complianceGap(runID, asset, rule, now))
			}
		}
	}

	sortGaps(res.Gaps)
	return res
}

// checkOrphaned flags assets with neither a documentation match nor an
// owner attribute. Either one is enough to keep an asset off the
// orphaned list.
func (a *Analyzer) checkOrphaned(runID uuid.UUID, asset *models.DiscoveredAsset, entry *models.DocumentationEntry, now time.Time) *models.Gap {
	if entry != nil {
		return nil
	}
	if _, ok := asset.Owner(); ok {
		return nil
	}
	return &models.Gap{
		GapID:      uuid.New(),
		RunID:      runID,
		GapType:    models.GapTypeOrphanedAsset,
		AssetID:    asset.AssetID,
		DetectedAt: now,
		Status:     models.GapStatusOpen,
		Evidence: models.JSONB{
			"locators":           asset.Locators,
			"supporting_methods": asset.SupportingMethods,
			"confidence_score":   asset.ConfidenceScore,
		},
	}
}

// checkDocumentation flags owned assets with no documentation entry at
// all, and documented assets whose entry is stale or below the
// completeness threshold. An undocumented asset with no owner either is
// the orphan detector's concern, not this one's.
func (a *Analyzer) checkDocumentation(runID uuid.UUID, asset *models.DiscoveredAsset, entry *models.DocumentationEntry, now time.Time) *models.Gap {
	if entry == nil {
		owner, ok := asset.Owner()
		if !ok {
			return nil
		}
		return &models.Gap{
			GapID:      uuid.New(),
			RunID:      runID,
			GapType:    models.GapTypeDocumentation,
			AssetID:    asset.AssetID,
			DetectedAt: now,
			Status:     models.GapStatusOpen,
			Evidence: models.JSONB{
				"reasons": []string{"missing"},
				"owner":   owner,
			},
		}
	}

	evidence := models.JSONB{"documentation_locator": entryName(*entry)}
	var reasons []string

	if age := now.Sub(entry.LastUpdated); age > a.thresholds.StalenessWindow {
		reasons = append(reasons, "stale")
		evidence["last_updated"] = entry.LastUpdated.Format(time.RFC3339)
		evidence["age_days"] = int(age.Hours() / 24)
	}
	if entry.CompletenessScore < a.thresholds.CompletenessThreshold {
		reasons = append(reasons, "incomplete")
		evidence["completeness_score"] = entry.CompletenessScore
		evidence["completeness_threshold"] = a.thresholds.CompletenessThreshold
	}
	if len(reasons) == 0 {
		return nil
	}
	evidence["reasons"] = reasons

	return &models.Gap{
		GapID:      uuid.New(),
		RunID:      runID,
		GapType:    models.GapTypeDocumentation,
		AssetID:    asset.AssetID,
		DetectedAt: now,
		Status:     models.GapStatusOpen,
		Evidence:   evidence,
	}
}

func (a *Analyzer) complianceGap(runID uuid.UUID, asset *models.DiscoveredAsset, rule ComplianceRule, now time.Time) *models.Gap {
	return &models.Gap{
		GapID:        uuid.New(),
		RunID:        runID,
		GapType:      models.GapTypeCompliance,
		AssetID:      asset.AssetID,
		DetectedAt:   now,
		Status:       models.GapStatusOpen,
		Framework:    rule.Framework,
		ViolatedRule: rule.RuleID,
		Evidence: models.JSONB{
			"rule_description": rule.Description,
			"asset_type":       string(asset.AssetType),
			"confidence_score": asset.ConfidenceScore,
		},
	}
}

// sortGaps orders by asset, then gap type, then rule, so repeated runs
// over the same inventory list gaps in the same order.
func sortGaps(gaps []*models.Gap) {
	sort.Slice(gaps, func(a, b int) bool {
		if gaps[a].AssetID != gaps[b].AssetID {
			return gaps[a].AssetID < gaps[b].AssetID
		}
		if gaps[a].GapType != gaps[b].GapType {
			return gaps[a].GapType < gaps[b].GapType
		}
		return gaps[a].ViolatedRule < gaps[b].ViolatedRule
	})
}
