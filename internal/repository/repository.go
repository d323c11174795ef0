package repository

import (
	"context"

	"github.com/bluewave-labs/flagwise/internal/models"
)

// Store defines the persistence surface used by the consumer pipeline.
type Store interface {
	// SaveRecords bulk-inserts enriched records, returning how many rows
	// were actually written. Redelivered records with known IDs are
	// silently skipped, so the count may be lower than len(records).
	SaveRecords(ctx context.Context, records []*models.EnrichedRecord) (int, error)

	// ActiveRules returns enabled detection rules ordered by severity
	// (critical first), then points descending.
	ActiveRules(ctx context.Context) ([]models.DetectionRule, error)

	// InsertAlertDelivery appends one row to the alert audit trail.
	InsertAlertDelivery(ctx context.Context, rec *models.AlertDeliveryRecord) error

	// RecordCount returns the total number of stored requests.
	RecordCount(ctx context.Context) (int64, error)

	// Utility
	Ping(ctx context.Context) error
	Close()
}
