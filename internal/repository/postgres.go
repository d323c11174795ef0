package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bluewave-labs/flagwise/internal/crypto"
	"github.com/bluewave-labs/flagwise/internal/logging"
	"github.com/bluewave-labs/flagwise/internal/metrics"
	"github.com/bluewave-labs/flagwise/internal/models"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	crypto *crypto.Service
	log    *logging.Logger
}

// NewPostgresStore creates a new PostgreSQL store. Sensitive request fields
// are run through the crypto service before they hit the wire.
func NewPostgresStore(ctx context.Context, connString string, cryptoSvc *crypto.Service, log *logging.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Connection pool configuration
	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{
		pool:   pool,
		crypto: cryptoSvc,
		log:    log.Component("repository"),
	}, nil
}

// SaveRecords bulk-inserts enriched records in a single batched round trip.
// Conflicting IDs are skipped so redeliveries from the event log stay
// idempotent. Either the whole batch commits or none of it does.
func (s *PostgresStore) SaveRecords(ctx context.Context, records []*models.EnrichedRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO llm_requests (
			id, timestamp, src_ip, provider, model, endpoint, method,
			headers, prompt, response, duration_ms, status_code,
			risk_score, is_flagged, flag_reason
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, rec := range records {
		prompt, err := s.crypto.Encrypt(crypto.FieldPrompt, rec.Prompt)
		if err != nil {
			return 0, fmt.Errorf("failed to encrypt prompt for %s: %w", rec.ID, err)
		}
		response, err := s.crypto.Encrypt(crypto.FieldResponse, rec.Response)
		if err != nil {
			return 0, fmt.Errorf("failed to encrypt response for %s: %w", rec.ID, err)
		}
		headers, err := s.crypto.Encrypt(crypto.FieldHeaders, rec.HeadersJSON())
		if err != nil {
			return 0, fmt.Errorf("failed to encrypt headers for %s: %w", rec.ID, err)
		}

		batch.Queue(query,
			rec.ID, rec.Timestamp, rec.SrcIP, rec.Provider, rec.Model,
			rec.Endpoint, rec.Method, headers, prompt, response,
			rec.DurationMS, rec.StatusCode,
			rec.RiskScore, rec.IsFlagged, rec.FlagReason,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		metrics.StorageErrors.Inc()
		return 0, fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	results := tx.SendBatch(ctx, batch)
	inserted := 0
	for range records {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			metrics.StorageErrors.Inc()
			return 0, fmt.Errorf("failed to insert request batch: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		metrics.StorageErrors.Inc()
		return 0, fmt.Errorf("failed to close batch results: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		metrics.StorageErrors.Inc()
		return 0, fmt.Errorf("failed to commit request batch: %w", err)
	}

	metrics.RecordsPersisted.Add(float64(inserted))
	if skipped := len(records) - inserted; skipped > 0 {
		s.log.Debug("skipped duplicate records", "count", skipped)
	}
	return inserted, nil
}

// ActiveRules loads enabled detection rules. Severity is a text column, so
// ordering goes through an explicit rank rather than lexicographic DESC.
func (s *PostgresStore) ActiveRules(ctx context.Context) ([]models.DetectionRule, error) {
	query := `
		SELECT id, name, description, category, rule_type, pattern,
		       severity, points, is_active
		FROM detection_rules
		WHERE is_active = true
		ORDER BY
			CASE severity
				WHEN 'critical' THEN 4
				WHEN 'high' THEN 3
				WHEN 'medium' THEN 2
				WHEN 'low' THEN 1
				ELSE 0
			END DESC,
			points DESC,
			name ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		metrics.StorageErrors.Inc()
		return nil, fmt.Errorf("failed to query detection rules: %w", err)
	}
	defer rows.Close()

	var rules []models.DetectionRule
	for rows.Next() {
		var r models.DetectionRule
		if err := rows.Scan(
			&r.ID, &r.Name, &r.Description, &r.Category, &r.RuleType,
			&r.Pattern, &r.Severity, &r.Points, &r.IsActive,
		); err != nil {
			return nil, fmt.Errorf("failed to scan detection rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read detection rules: %w", err)
	}

	return rules, nil
}

// InsertAlertDelivery appends one delivery attempt to the audit trail.
func (s *PostgresStore) InsertAlertDelivery(ctx context.Context, rec *models.AlertDeliveryRecord) error {
	query := `
		INSERT INTO alerts (request_id, channel, recipient, status, sent_at, error)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.pool.Exec(ctx, query,
		rec.RequestID, rec.Channel, rec.Recipient, rec.Status, rec.SentAt, rec.Error,
	)
	if err != nil {
		metrics.StorageErrors.Inc()
		return fmt.Errorf("failed to insert alert delivery: %w", err)
	}
	return nil
}

// RecordCount returns the total number of stored requests.
func (s *PostgresStore) RecordCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM llm_requests").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count requests: %w", err)
	}
	return count, nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
