package models

import "time"

// Alert delivery statuses. Each send attempt produces exactly one record;
// records are never updated afterwards.
const (
	AlertStatusSent        = "sent"
	AlertStatusFailed      = "failed"
	AlertStatusRateLimited = "rate_limited"
)

// AlertDeliveryRecord is one row of the append-only alert audit trail.
type AlertDeliveryRecord struct {
	RequestID string     `json:"request_id"`
	Channel   string     `json:"channel"`
	Recipient string     `json:"recipient"`
	Status    string     `json:"status"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}
