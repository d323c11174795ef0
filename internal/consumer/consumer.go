package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/bluewave-labs/flagwise/internal/config"
	"github.com/bluewave-labs/flagwise/internal/detect"
	"github.com/bluewave-labs/flagwise/internal/dlq"
	"github.com/bluewave-labs/flagwise/internal/logging"
	"github.com/bluewave-labs/flagwise/internal/messaging"
	"github.com/bluewave-labs/flagwise/internal/metrics"
	"github.com/bluewave-labs/flagwise/internal/models"
)

// Sink persists a processed batch.
type Sink interface {
	SaveRecords(ctx context.Context, records []*models.EnrichedRecord) (int, error)
}

// Alerter dispatches notifications for flagged records.
type Alerter interface {
	Dispatch(ctx context.Context, rec *models.EnrichedRecord)
}

// Stats is a point-in-time snapshot of consumer progress.
type Stats struct {
	Consumed    uint64 `json:"messages_consumed"`
	Parsed      uint64 `json:"messages_parsed"`
	ParseErrors uint64 `json:"parse_errors"`
	Persisted   uint64 `json:"records_persisted"`
	Flushes     uint64 `json:"batches_flushed"`
	FlushErrors uint64 `json:"flush_errors"`
}

// item pairs a parsed event with the log message it came from, so the
// message can be acked once the event is durably persisted.
type item struct {
	event *models.IncomingEvent
	msg   messaging.InboundMessage
}

// Consumer runs the single-threaded ingestion loop: poll the event log,
// parse, batch, detect, alert, persist, then ack. Messages are acked only
// after their batch is stored (or dead-lettered), so a crash between fetch
// and flush replays them. Duplicate replays are absorbed by the sink's
// insert-if-absent semantics.
type Consumer struct {
	source     messaging.Source
	engine     *detect.Engine
	sink       Sink
	alerter    Alerter
	deadletter *dlq.Queue
	cfg        config.ConsumerConfig
	log        *logging.Logger

	batch       []item
	pendingAcks []messaging.InboundMessage

	statsMu sync.Mutex
	stats   Stats
}

// New creates a consumer. The alerter may be nil when alerting is not
// configured.
func New(source messaging.Source, engine *detect.Engine, sink Sink, alerter Alerter, deadletter *dlq.Queue, cfg config.ConsumerConfig, log *logging.Logger) *Consumer {
	return &Consumer{
		source:     source,
		engine:     engine,
		sink:       sink,
		alerter:    alerter,
		deadletter: deadletter,
		cfg:        cfg,
		log:        log.Component("consumer"),
	}
}

// Run executes the ingestion loop until ctx is cancelled. On shutdown the
// in-progress batch is flushed and acked before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("consumer started",
		"batch_size", c.cfg.BatchSize,
		"poll_timeout", c.cfg.PollTimeout,
		"ack_interval", c.cfg.AckInterval,
	)

	ackTicker := time.NewTicker(c.cfg.AckInterval)
	defer ackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-ackTicker.C:
			c.ackPending()
		default:
		}

		msgs, err := c.source.Fetch(ctx, c.cfg.BatchSize-len(c.batch), c.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				c.shutdown()
				return ctx.Err()
			}
			c.log.Error("fetch from event log failed", "error", err)
			select {
			case <-ctx.Done():
				c.shutdown()
				return ctx.Err()
			case <-time.After(c.cfg.PollTimeout):
			}
			continue
		}

		for _, msg := range msgs {
			c.ingest(ctx, msg)
		}

		// Flush on a full batch, or drain a partial one when the log
		// goes quiet.
		if len(c.batch) >= c.cfg.BatchSize || (len(msgs) == 0 && len(c.batch) > 0) {
			c.flush(ctx)
		}
	}
}

// ingest parses one message into the current batch. Malformed messages go to
// the dead letter queue and are acked once the dead letter write lands, so
// they are neither redelivered forever nor lost.
func (c *Consumer) ingest(ctx context.Context, msg messaging.InboundMessage) {
	c.statsMu.Lock()
	c.stats.Consumed++
	c.statsMu.Unlock()

	event, err := models.ParseIncomingEvent(msg.Data())
	if err != nil {
		c.log.Warn("dropping malformed message", "error", err)
		metrics.MessagesTotal.WithLabelValues("parse_error").Inc()
		c.statsMu.Lock()
		c.stats.ParseErrors++
		c.statsMu.Unlock()
		if dlqErr := c.deadletter.Write(ctx, msg.Data(), "parse_error", err); dlqErr != nil {
			// Leave the message unacked so the server redelivers it and
			// the dead letter write gets another attempt.
			c.log.Error("dead letter write failed, message left for redelivery", "error", dlqErr)
			return
		}
		c.pendingAcks = append(c.pendingAcks, msg)
		metrics.AcksPending.Set(float64(len(c.pendingAcks)))
		return
	}

	metrics.MessagesTotal.WithLabelValues("parsed").Inc()
	c.statsMu.Lock()
	c.stats.Parsed++
	c.statsMu.Unlock()
	c.batch = append(c.batch, item{event: event, msg: msg})
}

// flush runs detection over the current batch, dispatches alerts, and
// persists the enriched records. On persistence failure the batch is dropped
// unacked; the event log redelivers it after the ack deadline.
func (c *Consumer) flush(ctx context.Context) {
	if len(c.batch) == 0 {
		return
	}
	start := time.Now()

	events := make([]*models.IncomingEvent, len(c.batch))
	for i, it := range c.batch {
		events[i] = it.event
	}

	records := c.engine.ProcessBatch(ctx, events)

	if c.alerter != nil {
		for _, rec := range records {
			if rec.IsFlagged {
				c.alerter.Dispatch(ctx, rec)
			}
		}
	}

	inserted, err := c.sink.SaveRecords(ctx, records)
	if err != nil {
		c.log.Error("batch flush failed, leaving messages for redelivery",
			"batch_size", len(c.batch), "error", err)
		c.statsMu.Lock()
		c.stats.FlushErrors++
		c.statsMu.Unlock()
		c.batch = c.batch[:0]
		return
	}

	for _, it := range c.batch {
		c.pendingAcks = append(c.pendingAcks, it.msg)
	}
	metrics.AcksPending.Set(float64(len(c.pendingAcks)))
	metrics.BatchesFlushed.Inc()
	metrics.BatchFlushDuration.Observe(time.Since(start).Seconds())

	c.statsMu.Lock()
	c.stats.Flushes++
	c.stats.Persisted += uint64(inserted)
	c.statsMu.Unlock()

	c.log.Debug("batch flushed",
		"records", len(records), "inserted", inserted,
		"duration_ms", time.Since(start).Milliseconds())
	c.batch = c.batch[:0]
}

// ackPending acks every message whose data is already durable. Ack failures
// are logged and the message retried on the next tick; a duplicate delivery
// is cheaper than a lost one.
func (c *Consumer) ackPending() {
	if len(c.pendingAcks) == 0 {
		return
	}

	remaining := c.pendingAcks[:0]
	for _, msg := range c.pendingAcks {
		if err := msg.Ack(); err != nil {
			c.log.Error("ack failed, will retry", "error", err)
			remaining = append(remaining, msg)
		}
	}
	acked := len(c.pendingAcks) - len(remaining)
	c.pendingAcks = remaining
	metrics.AcksPending.Set(float64(len(c.pendingAcks)))
	if acked > 0 {
		c.log.Debug("acked messages", "count", acked)
	}
}

// shutdown flushes and acks whatever is in flight. It uses a fresh context
// because the loop context is already cancelled.
func (c *Consumer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.log.Info("consumer draining",
		"batched", len(c.batch), "pending_acks", len(c.pendingAcks))
	c.flush(ctx)
	c.ackPending()
	c.log.Info("consumer stopped", "stats", c.Stats())
}

// Stats returns a snapshot of consumer progress.
func (c *Consumer) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}
