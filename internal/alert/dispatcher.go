package alert

import (
	"context"
	"time"

	"github.com/bluewave-labs/flagwise/internal/logging"
	"github.com/bluewave-labs/flagwise/internal/metrics"
	"github.com/bluewave-labs/flagwise/internal/models"
)

// AuditStore records every delivery attempt, one row per attempt.
type AuditStore interface {
	InsertAlertDelivery(ctx context.Context, rec *models.AlertDeliveryRecord) error
}

// Dispatcher fans flagged records out to notification channels. Alerting is
// best-effort: a failed or suppressed alert never fails the pipeline, it only
// leaves an audit row behind.
type Dispatcher struct {
	channels     []Channel
	limiter      Limiter
	audit        AuditStore
	minRiskScore int
	log          *logging.Logger

	now func() time.Time
}

// NewDispatcher creates a dispatcher. With no channels configured every
// record is ineligible and Dispatch is a no-op.
func NewDispatcher(channels []Channel, limiter Limiter, audit AuditStore, minRiskScore int, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		channels:     channels,
		limiter:      limiter,
		audit:        audit,
		minRiskScore: minRiskScore,
		log:          log.Component("alert"),
		now:          time.Now,
	}
}

// ShouldAlert reports whether a record is eligible for alerting: at least one
// channel configured, record flagged, and risk score at or above the
// configured threshold.
func (d *Dispatcher) ShouldAlert(rec *models.EnrichedRecord) bool {
	if len(d.channels) == 0 {
		return false
	}
	if !rec.IsFlagged {
		return false
	}
	return rec.RiskScore >= d.minRiskScore
}

// Dispatch sends alerts for one eligible record across all channels, writing
// one audit row per attempt. It never returns an error.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *models.EnrichedRecord) {
	if !d.ShouldAlert(rec) {
		return
	}

	for _, ch := range d.channels {
		d.sendOne(ctx, ch, rec)
	}
}

func (d *Dispatcher) sendOne(ctx context.Context, ch Channel, rec *models.EnrichedRecord) {
	audit := &models.AlertDeliveryRecord{
		RequestID: rec.ID.String(),
		Channel:   ch.Type(),
		Recipient: ch.Recipient(),
	}

	allowed, err := d.limiter.Allow(ctx, ch.Type())
	if err != nil {
		// A broken limiter must not silence alerting; fall through to send.
		d.log.Error("rate limiter check failed", "channel", ch.Type(), "error", err)
		allowed = true
	}
	if !allowed {
		d.log.Warn("alert rate limit exceeded - skipping alert",
			"request_id", rec.ID, "channel", ch.Type())
		audit.Status = models.AlertStatusRateLimited
		metrics.AlertsTotal.WithLabelValues(models.AlertStatusRateLimited).Inc()
		d.writeAudit(ctx, audit)
		return
	}

	if err := ch.Send(ctx, rec); err != nil {
		d.log.Error("alert delivery failed",
			"request_id", rec.ID, "channel", ch.Type(), "error", err)
		audit.Status = models.AlertStatusFailed
		audit.Error = err.Error()
		metrics.AlertsTotal.WithLabelValues(models.AlertStatusFailed).Inc()
		d.writeAudit(ctx, audit)
		return
	}

	sentAt := d.now().UTC()
	audit.Status = models.AlertStatusSent
	audit.SentAt = &sentAt
	metrics.AlertsTotal.WithLabelValues(models.AlertStatusSent).Inc()
	d.log.Info("alert sent", "request_id", rec.ID, "channel", ch.Type(), "risk_score", rec.RiskScore)
	d.writeAudit(ctx, audit)
}

func (d *Dispatcher) writeAudit(ctx context.Context, rec *models.AlertDeliveryRecord) {
	if d.audit == nil {
		return
	}
	if err := d.audit.InsertAlertDelivery(ctx, rec); err != nil {
		d.log.Error("failed to record alert delivery",
			"request_id", rec.RequestID, "status", rec.Status, "error", err)
	}
}
