package gaps

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/nelssec/gapscan/internal/models"
)

// RuleKind selects the predicate a compliance rule evaluates. The engine
// owns only the structural contract; kinds it does not recognize are
// reported as skipped, never evaluated and never fatal.
type RuleKind string

const (
	RuleRequireAttribute RuleKind = "require_attribute"
	RuleForbidAttribute  RuleKind = "forbid_attribute"
	RuleMinConfidence    RuleKind = "min_confidence"
	RuleRequireOwner     RuleKind = "require_owner"
)

// ComplianceRule is one externally supplied check.
type ComplianceRule struct {
	Framework   models.Framework `json:"framework" yaml:"framework"`
	RuleID      string           `json:"rule_id" yaml:"rule_id"`
	Description string           `json:"description" yaml:"description"`
	Kind        RuleKind         `json:"kind" yaml:"kind"`

	// AppliesTo limits the rule to certain asset types; empty means all.
	AppliesTo []models.AssetType `json:"applies_to,omitempty" yaml:"applies_to"`

	// Attribute/Value parameterize the attribute kinds.
	Attribute string `json:"attribute,omitempty" yaml:"attribute"`
	Value     string `json:"value,omitempty" yaml:"value"`

	// MinConfidence parameterizes min_confidence rules.
	MinConfidence float64 `json:"min_confidence,omitempty" yaml:"min_confidence"`
}

// ValidationError records one rejected rule-set or documentation entry.
// Bad entries are dropped individually; analysis continues without them.
type ValidationError struct {
	Source string `json:"source"`
	Entry  string `json:"entry"`
	Reason string `json:"reason"`
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("%s entry %q: %s", v.Source, v.Entry, v.Reason)
}

// SkippedRule records a rule the engine could not evaluate.
type SkippedRule struct {
	RuleID string `json:"rule_id"`
	Reason string `json:"reason"`
}

// RuleSet holds validated compliance rules keyed by rule ID.
type RuleSet struct {
	rules  []ComplianceRule
	byID   map[string]ComplianceRule
	errors []ValidationError
}

// NewRuleSet validates definitions one by one. A malformed rule yields a
// recorded validation error, not a failed rule set.
func NewRuleSet(defs []ComplianceRule) *RuleSet {
	rs := &RuleSet{byID: make(map[string]ComplianceRule)}

	for _, def := range defs {
		if err := validateRule(def); err != nil {
			rs.errors = append(rs.errors, ValidationError{
				Source: "rule_set",
				Entry:  def.RuleID,
				Reason: err.Error(),
			})
			continue
		}
		if _, dup := rs.byID[def.RuleID]; dup {
			rs.errors = append(rs.errors, ValidationError{
				Source: "rule_set",
				Entry:  def.RuleID,
				Reason: "duplicate rule id",
			})
			continue
		}
		rs.rules = append(rs.rules, def)
		rs.byID[def.RuleID] = def
	}

	sort.Slice(rs.rules, func(a, b int) bool { return rs.rules[a].RuleID < rs.rules[b].RuleID })
	return rs
}

// LoadRuleSet reads rule definitions from a yaml file. A missing path
// falls back to the built-in pack.
func LoadRuleSet(path string) (*RuleSet, error) {
	if path == "" {
		return NewRuleSet(DefaultRules()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewRuleSet(DefaultRules()), nil
		}
		return nil, fmt.Errorf("reading rule set: %w", err)
	}

	var defs []ComplianceRule
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parsing rule set: %w", err)
	}
	return NewRuleSet(defs), nil
}

func validateRule(r ComplianceRule) error {
	if r.RuleID == "" {
		return fmt.Errorf("missing rule_id")
	}
	if r.Framework == "" {
		return fmt.Errorf("missing framework")
	}
	switch r.Kind {
	case RuleRequireAttribute, RuleForbidAttribute:
		if r.Attribute == "" {
			return fmt.Errorf("%s requires an attribute name", r.Kind)
		}
	case RuleMinConfidence:
		if r.MinConfidence <= 0 || r.MinConfidence > 1 {
			return fmt.Errorf("min_confidence must be in (0,1]")
		}
	case RuleRequireOwner:
	case "":
		return fmt.Errorf("missing kind")
	default:
		// Unknown kinds pass validation; they surface as skipped rules at
		// evaluation time so new rule types degrade gracefully.
	}
	return nil
}

// Rules returns the validated rules in stable order.
func (rs *RuleSet) Rules() []ComplianceRule { return rs.rules }

// Errors returns per-entry validation failures recorded during load.
func (rs *RuleSet) Errors() []ValidationError { return rs.errors }

// Known reports whether a rule ID belongs to this set.
func (rs *RuleSet) Known(ruleID string) bool {
	_, ok := rs.byID[ruleID]
	return ok
}

// evaluate applies one rule to one asset. The skipped return is set for
// rule kinds this engine does not understand.
func evaluate(rule ComplianceRule, asset *models.DiscoveredAsset) (violated, skipped bool) {
	if len(rule.AppliesTo) > 0 {
		applies := false
		for _, t := range rule.AppliesTo {
			if asset.AssetType == t {
				applies = true
				break
			}
		}
		if !applies {
			return false, false
		}
	}

	switch rule.Kind {
	case RuleRequireAttribute:
		v, ok := asset.Attributes[rule.Attribute]
		if !ok || v == "" {
			return true, false
		}
		if rule.Value != "" && v != rule.Value {
			return true, false
		}
		return false, false

	case RuleForbidAttribute:
		v, ok := asset.Attributes[rule.Attribute]
		if ok && (rule.Value == "" || v == rule.Value) {
			return true, false
		}
		return false, false

	case RuleMinConfidence:
		return asset.ConfidenceScore < rule.MinConfidence, false

	case RuleRequireOwner:
		_, owned := asset.Owner()
		return !owned, false

	default:
		return false, true
	}
}

// DefaultRules is the built-in GDPR/SOC2/NIST pack, overridable from yaml.
func DefaultRules() []ComplianceRule {
	return []ComplianceRule{
		{
			Framework:   models.FrameworkGDPR,
			RuleID:      "GDPR-ART30-OWNER",
			Description: "Records of processing require an accountable owner for every data store",
			Kind:        RuleRequireOwner,
		},
		{
			Framework:   models.FrameworkGDPR,
			RuleID:      "GDPR-ART32-CREDS",
			Description: "Credential material must not be recoverable alongside a data store reference",
			Kind:        RuleForbidAttribute,
			Attribute:   "credential_type",
		},
		{
			Framework:   models.FrameworkSOC2,
			RuleID:      "SOC2-CC6.1-ENGINE",
			Description: "Production database engines must be identifiable",
			Kind:        RuleRequireAttribute,
			Attribute:   "engine",
			AppliesTo:   []models.AssetType{models.AssetTypePostgreSQL, models.AssetTypeOther},
		},
		{
			Framework:     models.FrameworkNIST,
			RuleID:        "NIST-CM8-CONFIDENCE",
			Description:   "Inventory entries below medium confidence require manual verification",
			Kind:          RuleMinConfidence,
			MinConfidence: 0.7,
		},
		{
			Framework:   models.FrameworkNIST,
			RuleID:      "NIST-CM8-OWNER",
			Description: "System component inventory must record the responsible party",
			Kind:        RuleRequireOwner,
			AppliesTo:   []models.AssetType{models.AssetTypePostgreSQL, models.AssetTypeSQLite, models.AssetTypeDuckDB},
		},
	}
}
