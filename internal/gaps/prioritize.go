package gaps

import (
	"sort"

	"github.com/nelssec/gapscan/internal/models"
)

// Weights controls the relative contribution of the three priority
// factors. They are used as given; callers wanting a normalized blend
// pass weights summing to 1.
type Weights struct {
	Severity   float64
	Regulatory float64
	Exposure   float64
}

// DefaultWeights blends the factors equally.
func DefaultWeights() Weights {
	return Weights{Severity: 1.0 / 3, Regulatory: 1.0 / 3, Exposure: 1.0 / 3}
}

var severityFactor = map[models.GapType]float64{
	models.GapTypeCompliance:    0.9,
	models.GapTypeOrphanedAsset: 0.8,
	models.GapTypeDocumentation: 0.5,
}

var regulatoryFactor = map[models.Framework]float64{
	models.FrameworkGDPR: 1.0,
	models.FrameworkNIST: 0.8,
	models.FrameworkSOC2: 0.7,
}

// regulatoryFloor applies to gaps with no framework attached;
// non-compliance gaps still carry some regulatory relevance.
const regulatoryFloor = 0.2

var exposureLevelFactor = map[models.ConfidenceLevel]float64{
	models.ConfidenceHigh:    1.0,
	models.ConfidenceMedium:  0.75,
	models.ConfidenceLow:     0.5,
	models.ConfidenceVeryLow: 0.25,
}

var exposureTypeFactor = map[models.AssetType]float64{
	models.AssetTypePostgreSQL:  1.0,
	models.AssetTypeDuckDB:      0.7,
	models.AssetTypeSQLite:      0.6,
	models.AssetTypeFileStorage: 0.5,
	models.AssetTypeOther:       0.4,
}

// Prioritize scores every gap and returns them ordered by composite
// score descending, ties broken by gap ID so equal scores still rank
// reproducibly. Systemic gaps with no asset score exposure at the
// floor.
func Prioritize(gaps []*models.Gap, assets []*models.DiscoveredAsset, weights Weights) []*models.GapPriorityScore {
	byID := make(map[string]*models.DiscoveredAsset, len(assets))
	for _, a := range assets {
		byID[a.AssetID] = a
	}

	scores := make([]*models.GapPriorityScore, 0, len(gaps))
	for _, gap := range gaps {
		sev := severityFactor[gap.GapType]
		reg := regulatoryFloor
		if f, ok := regulatoryFactor[gap.Framework]; ok {
			reg = f
		}
		exp := exposure(byID[gap.AssetID])

		scores = append(scores, &models.GapPriorityScore{
			Gap:            gap,
			CompositeScore: weights.Severity*sev + weights.Regulatory*reg + weights.Exposure*exp,
			ContributingFactors: map[string]float64{
				"severity":   sev,
				"regulatory": reg,
				"exposure":   exp,
			},
		})
	}

	sort.Slice(scores, func(a, b int) bool {
		if scores[a].CompositeScore != scores[b].CompositeScore {
			return scores[a].CompositeScore > scores[b].CompositeScore
		}
		return scores[a].Gap.GapID.String() < scores[b].Gap.GapID.String()
	})
	return scores
}

func exposure(asset *models.DiscoveredAsset) float64 {
	if asset == nil {
		return exposureLevelFactor[models.ConfidenceVeryLow] * exposureTypeFactor[models.AssetTypeOther]
	}
	lf, ok := exposureLevelFactor[asset.ConfidenceLevel]
	if !ok {
		lf = exposureLevelFactor[models.ConfidenceVeryLow]
	}
	tf, ok := exposureTypeFactor[asset.AssetType]
	if !ok {
		tf = exposureTypeFactor[models.AssetTypeOther]
	}
	return lf * tf
}
