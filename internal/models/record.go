package models

// EnrichedRecord is an IncomingEvent after rule evaluation. It is created by
// the detection engine, has its score fields written exactly once, and is
// treated as immutable from then on by the persistence sink and the alert
// dispatcher.
type EnrichedRecord struct {
	IncomingEvent

	// Response is reserved for proxied response capture; empty today.
	Response string `json:"response,omitempty"`

	// RiskScore is the capped sum of matched rule points, in [0,100].
	RiskScore int `json:"risk_score"`

	// IsFlagged is true iff RiskScore > 0.
	IsFlagged bool `json:"is_flagged"`

	// FlagReason lists triggered rule names, comma-joined in snapshot order.
	// Empty when the record is not flagged.
	FlagReason string `json:"flag_reason,omitempty"`
}

// NewEnrichedRecord wraps an incoming event with zeroed detection fields.
func NewEnrichedRecord(event *IncomingEvent) *EnrichedRecord {
	return &EnrichedRecord{IncomingEvent: *event}
}
