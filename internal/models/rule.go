package models

// Rule types understood by the detection engine. The pattern grammar depends
// on the type: keyword and model_restriction take comma-separated lists,
// regex takes a single case-insensitive expression, custom_scoring is
// delegated to a pluggable evaluator.
const (
	RuleTypeKeyword          = "keyword"
	RuleTypeRegex            = "regex"
	RuleTypeModelRestriction = "model_restriction"
	RuleTypeCustomScoring    = "custom_scoring"
)

// Rule severities, strongest first.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// DetectionRule is one row of the rule store. The rule cache serves rules
// ordered by severity rank descending, then points descending; that order
// fixes the order rule names appear in FlagReason.
type DetectionRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	RuleType    string `json:"rule_type"`
	Pattern     string `json:"pattern"`
	Severity    string `json:"severity"`
	Points      int    `json:"points"`
	IsActive    bool   `json:"is_active"`
}

// SeverityRank maps a severity to its sort weight. Unknown severities rank
// below low so malformed rows sort last instead of first.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}
