package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

// DiscoveryMethod identifies which technique produced an observation.
type DiscoveryMethod string

const (
	MethodContainer    DiscoveryMethod = "container"
	MethodNetwork      DiscoveryMethod = "network"
	MethodFilesystem   DiscoveryMethod = "filesystem"
	MethodCodeAnalysis DiscoveryMethod = "code_analysis"
	MethodSecurityScan DiscoveryMethod = "security_scan"
)

// AllMethods lists every known discovery method.
func AllMethods() []DiscoveryMethod {
	return []DiscoveryMethod{
		MethodContainer,
		MethodNetwork,
		MethodFilesystem,
		MethodCodeAnalysis,
		MethodSecurityScan,
	}
}

type AssetType string

const (
	AssetTypePostgreSQL  AssetType = "postgresql"
	AssetTypeSQLite      AssetType = "sqlite"
	AssetTypeDuckDB      AssetType = "duckdb"
	AssetTypeFileStorage AssetType = "file_storage"
	AssetTypeOther       AssetType = "other"
)

type ConfidenceLevel string

const (
	ConfidenceHigh    ConfidenceLevel = "high"
	ConfidenceMedium  ConfidenceLevel = "medium"
	ConfidenceLow     ConfidenceLevel = "low"
	ConfidenceVeryLow ConfidenceLevel = "very_low"
)

// LevelForScore buckets a continuous confidence score.
func LevelForScore(score float64) ConfidenceLevel {
	switch {
	case score >= 0.9:
		return ConfidenceHigh
	case score >= 0.7:
		return ConfidenceMedium
	case score >= 0.5:
		return ConfidenceLow
	default:
		return ConfidenceVeryLow
	}
}

type GapType string

const (
	GapTypeOrphanedAsset GapType = "orphaned_asset"
	GapTypeDocumentation GapType = "documentation"
	GapTypeCompliance    GapType = "compliance"
)

type GapStatus string

const (
	GapStatusOpen         GapStatus = "open"
	GapStatusAcknowledged GapStatus = "acknowledged"
	GapStatusResolved     GapStatus = "resolved"
)

type Framework string

const (
	FrameworkGDPR Framework = "GDPR"
	FrameworkSOC2 Framework = "SOC2"
	FrameworkNIST Framework = "NIST"
)

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// CandidateObservation is one unverified sighting of a possible asset.
// Created by exactly one module per run, immutable afterwards, consumed
// once by reconciliation.
type CandidateObservation struct {
	Method           DiscoveryMethod   `json:"method"`
	Locator          string            `json:"locator"`
	AssetType        AssetType         `json:"asset_type"`
	Attributes       map[string]string `json:"attributes,omitempty"`
	MethodConfidence float64           `json:"method_confidence"`
	ObservedAt       time.Time         `json:"observed_at"`
}

// DiscoveredAsset is the reconciled unit of truth about one real asset.
// A later run supersedes it with a fresh asset under the same AssetID;
// it is never updated in place.
type DiscoveredAsset struct {
	AssetID           string            `json:"asset_id" db:"asset_id"`
	RunID             uuid.UUID         `json:"run_id" db:"run_id"`
	AssetType         AssetType         `json:"asset_type" db:"asset_type"`
	Locators          []string          `json:"locators"`
	SupportingMethods []string          `json:"supporting_methods"`
	ConfidenceScore   float64           `json:"confidence_score" db:"confidence_score"`
	ConfidenceLevel   ConfidenceLevel   `json:"confidence_level" db:"confidence_level"`
	Attributes        map[string]string `json:"attributes,omitempty"`
	DiscoveredAt      time.Time         `json:"discovered_at" db:"discovered_at"`
}

// Owner returns the owner attribute recovered by discovery, if any.
func (a *DiscoveredAsset) Owner() (string, bool) {
	owner, ok := a.Attributes["owner"]
	return owner, ok && owner != ""
}

// HasMethod reports whether the given method contributed to this asset.
func (a *DiscoveredAsset) HasMethod(m DiscoveryMethod) bool {
	for _, s := range a.SupportingMethods {
		if s == string(m) {
			return true
		}
	}
	return false
}

// Gap is a detected deficiency. AssetID is empty for systemic gaps.
// Framework and ViolatedRule are set only for compliance gaps.
type Gap struct {
	GapID      uuid.UUID `json:"gap_id" db:"gap_id"`
	RunID      uuid.UUID `json:"run_id" db:"run_id"`
	GapType    GapType   `json:"gap_type" db:"gap_type"`
	AssetID    string    `json:"asset_id,omitempty" db:"asset_id"`
	DetectedAt time.Time `json:"detected_at" db:"detected_at"`
	Evidence   JSONB     `json:"evidence,omitempty" db:"evidence"`
	Status     GapStatus `json:"status" db:"status"`

	Framework    Framework `json:"framework,omitempty" db:"framework"`
	ViolatedRule string    `json:"violated_rule,omitempty" db:"violated_rule"`

	StatusReason string     `json:"status_reason,omitempty" db:"status_reason"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// GapPriorityScore is a derived view over a Gap, recomputed every
// prioritization pass and never persisted as authoritative state.
type GapPriorityScore struct {
	Gap                 *Gap               `json:"gap"`
	CompositeScore      float64            `json:"composite_score"`
	ContributingFactors map[string]float64 `json:"contributing_factors"`
}

// ModuleStatus records how a single module fared within a run.
type ModuleStatus struct {
	Method       DiscoveryMethod `json:"method"`
	Executed     bool            `json:"executed"`
	Partial      bool            `json:"partial"`
	SkipReason   string          `json:"skip_reason,omitempty"`
	Observations int             `json:"observations"`
	Duration     time.Duration   `json:"duration"`
}

// RunMetadata describes one discovery run.
type RunMetadata struct {
	RunID     uuid.UUID      `json:"run_id"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Modules   []ModuleStatus `json:"modules"`
	Truncated bool           `json:"truncated"`
}

// ModulesExecuted returns the methods that ran to completion or partially.
func (m RunMetadata) ModulesExecuted() []DiscoveryMethod {
	var out []DiscoveryMethod
	for _, ms := range m.Modules {
		if ms.Executed {
			out = append(out, ms.Method)
		}
	}
	return out
}

// ModulesSkipped returns the methods that could not run at all.
func (m RunMetadata) ModulesSkipped() []DiscoveryMethod {
	var out []DiscoveryMethod
	for _, ms := range m.Modules {
		if !ms.Executed {
			out = append(out, ms.Method)
		}
	}
	return out
}

// DiscoveryReport is the immutable snapshot handed to the reporting and
// storage collaborators. It holds no live references into module internals.
type DiscoveryReport struct {
	Metadata RunMetadata        `json:"metadata"`
	Assets   []*DiscoveredAsset `json:"assets"`
	Gaps     []*Gap             `json:"gaps"`
	Scores   []GapPriorityScore `json:"scores,omitempty"`
}

// DiscoveryRun is the persisted record of a run.
type DiscoveryRun struct {
	ID             uuid.UUID   `json:"id" db:"id"`
	Status         RunStatus   `json:"status" db:"status"`
	Truncated      bool        `json:"truncated" db:"truncated"`
	ModulesRun     StringArray `json:"modules_run" db:"modules_run"`
	ModulesSkipped StringArray `json:"modules_skipped" db:"modules_skipped"`
	AssetCount     int         `json:"asset_count" db:"asset_count"`
	GapCount       int         `json:"gap_count" db:"gap_count"`
	Errors         JSONB       `json:"errors,omitempty" db:"errors"`
	TriggeredBy    string      `json:"triggered_by" db:"triggered_by"`
	WorkerID       string      `json:"worker_id,omitempty" db:"worker_id"`
	StartedAt      *time.Time  `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
}

// StoredAsset is the database projection of a DiscoveredAsset.
type StoredAsset struct {
	AssetID           string          `json:"asset_id" db:"asset_id"`
	RunID             uuid.UUID       `json:"run_id" db:"run_id"`
	AssetType         AssetType       `json:"asset_type" db:"asset_type"`
	Locators          StringArray     `json:"locators" db:"locators"`
	SupportingMethods StringArray     `json:"supporting_methods" db:"supporting_methods"`
	ConfidenceScore   float64         `json:"confidence_score" db:"confidence_score"`
	ConfidenceLevel   ConfidenceLevel `json:"confidence_level" db:"confidence_level"`
	Attributes        JSONB           `json:"attributes,omitempty" db:"attributes"`
	DiscoveredAt      time.Time       `json:"discovered_at" db:"discovered_at"`
}

// DocumentationEntry is one record of the external documentation index.
type DocumentationEntry struct {
	Locator           string    `json:"locator" yaml:"locator"`
	AssetID           string    `json:"asset_id,omitempty" yaml:"asset_id"`
	Owner             string    `json:"owner,omitempty" yaml:"owner"`
	CompletenessScore float64   `json:"completeness_score" yaml:"completeness_score"`
	LastUpdated       time.Time `json:"last_updated" yaml:"last_updated"`
}
