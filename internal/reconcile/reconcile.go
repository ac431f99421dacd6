package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nelssec/gapscan/internal/models"
)

// methodPrecedence breaks ties when methods disagree: source code and
// declared configuration outrank inference from side effects.
var methodPrecedence = map[models.DiscoveryMethod]int{
	models.MethodCodeAnalysis: 5,
	models.MethodContainer:    4,
	models.MethodFilesystem:   3,
	models.MethodNetwork:      2,
	models.MethodSecurityScan: 1,
}

// Engine merges candidate observations into discovered assets. It is
// stateless across runs; Reconcile on the same observation set always
// yields identical asset IDs and scores.
type Engine struct {
	logger *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// Reconcile groups observations by identity key, joins groups connected by
// explicit cross-method links, and folds each group into one asset.
func (e *Engine) Reconcile(runID uuid.UUID, observations []models.CandidateObservation) []*models.DiscoveredAsset {
	if len(observations) == 0 {
		return nil
	}

	uf := newUnionFind()
	keys := make([]string, len(observations))
	for i, obs := range observations {
		keys[i] = IdentityKey(obs.Locator)
		uf.find(keys[i])
	}

	// Explicit links only: an observation that names an endpoint asserts
	// that its own locator and that endpoint are the same asset.
	// Incidental attribute similarity never merges.
	for i, obs := range observations {
		if endpoint, ok := obs.Attributes["endpoint"]; ok && endpoint != "" {
			uf.union(keys[i], IdentityKey(endpoint))
		}
	}

	groups := make(map[string][]int)
	for i := range observations {
		root := uf.find(keys[i])
		groups[root] = append(groups[root], i)
	}

	roots := make([]string, 0, len(groups))
	for root := range groups {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	assets := make([]*models.DiscoveredAsset, 0, len(roots))
	for _, root := range roots {
		assets = append(assets, e.merge(runID, root, groups[root], observations, keys))
	}
	return assets
}

func (e *Engine) merge(runID uuid.UUID, root string, indices []int, observations []models.CandidateObservation, keys []string) *models.DiscoveredAsset {
	group := make([]models.CandidateObservation, len(indices))
	for i, idx := range indices {
		group[i] = observations[idx]
	}

	// Deterministic fold order regardless of collection interleaving.
	sort.Slice(group, func(a, b int) bool {
		if group[a].Locator != group[b].Locator {
			return group[a].Locator < group[b].Locator
		}
		return group[a].Method < group[b].Method
	})

	asset := &models.DiscoveredAsset{
		AssetID:      assetID(root),
		RunID:        runID,
		DiscoveredAt: time.Now().UTC(),
	}

	locatorSet := make(map[string]bool)
	methodSet := make(map[string]bool)
	for _, obs := range group {
		locatorSet[obs.Locator] = true
		methodSet[string(obs.Method)] = true
	}
	asset.Locators = sortedKeys(locatorSet)
	asset.SupportingMethods = sortedKeys(methodSet)

	asset.ConfidenceScore = combineConfidence(group)
	asset.ConfidenceLevel = models.LevelForScore(asset.ConfidenceScore)
	asset.AssetType = e.voteType(root, group)
	asset.Attributes = e.mergeAttributes(root, group)

	return asset
}

// combineConfidence treats each observation as independent evidence:
// 1 - product of (1 - confidence). Corroboration only ever raises the
// score and it can never pass 1.
func combineConfidence(group []models.CandidateObservation) float64 {
	remaining := 1.0
	for _, obs := range group {
		c := obs.MethodConfidence
		if c < 0 {
			c = 0
		}
		if c > 1 {
			c = 1
		}
		remaining *= 1 - c
	}
	score := 1 - remaining
	if score > 1 {
		score = 1
	}
	return score
}

// voteType resolves asset type by majority across observations, ties by
// the most authoritative contributing method.
func (e *Engine) voteType(root string, group []models.CandidateObservation) models.AssetType {
	votes := make(map[models.AssetType]int)
	best := make(map[models.AssetType]int)
	for _, obs := range group {
		votes[obs.AssetType]++
		if p := methodPrecedence[obs.Method]; p > best[obs.AssetType] {
			best[obs.AssetType] = p
		}
	}

	types := make([]models.AssetType, 0, len(votes))
	for t := range votes {
		types = append(types, t)
	}
	sort.Slice(types, func(a, b int) bool {
		if votes[types[a]] != votes[types[b]] {
			return votes[types[a]] > votes[types[b]]
		}
		if best[types[a]] != best[types[b]] {
			return best[types[a]] > best[types[b]]
		}
		return types[a] < types[b]
	})

	if len(votes) > 1 {
		e.logger.Debug("asset type conflict resolved",
			"asset", root, "winner", types[0], "candidates", len(types))
	}
	return types[0]
}

// mergeAttributes folds attribute maps: per key, the highest-confidence
// observation wins; confidence ties go to the lexicographically first
// method name for determinism.
func (e *Engine) mergeAttributes(root string, group []models.CandidateObservation) map[string]string {
	ordered := make([]models.CandidateObservation, len(group))
	copy(ordered, group)
	sort.SliceStable(ordered, func(a, b int) bool {
		if ordered[a].MethodConfidence != ordered[b].MethodConfidence {
			return ordered[a].MethodConfidence > ordered[b].MethodConfidence
		}
		return ordered[a].Method < ordered[b].Method
	})

	merged := make(map[string]string)
	for _, obs := range ordered {
		for k, v := range obs.Attributes {
			if existing, ok := merged[k]; ok {
				if existing != v {
					e.logger.Debug("attribute conflict resolved",
						"asset", root, "key", k, "kept", existing, "dropped_method", obs.Method)
				}
				continue
			}
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

// assetID derives a stable identifier from the canonical identity key of
// the group root. Static environments produce byte-identical IDs run over
// run.
func assetID(root string) string {
	sum := sha256.Sum256([]byte(root))
	return "asset-" + hex.EncodeToString(sum[:8])
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
