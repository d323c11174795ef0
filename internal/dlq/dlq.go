// Package dlq publishes unparseable messages to a dead-letter stream so the
// original payload survives for inspection and replay.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/bluewave-labs/flagwise/internal/logging"
	"github.com/bluewave-labs/flagwise/internal/metrics"
	"github.com/bluewave-labs/flagwise/internal/models"
)

// Publisher is the stream publish surface the queue needs; satisfied by
// messaging.JetStreamClient.
type Publisher interface {
	PublishSync(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error)
}

// Queue routes failed messages to the dead-letter stream.
// Safe for use across multiple consumer instances.
type Queue struct {
	pub           Publisher
	subjectPrefix string
	log           *logging.Logger
	written       atomic.Uint64
}

// NewQueue creates a dead-letter queue publishing under subjectPrefix
// (entries go to "<prefix>.<reason>").
func NewQueue(pub Publisher, subjectPrefix string, log *logging.Logger) *Queue {
	return &Queue{
		pub:           pub,
		subjectPrefix: subjectPrefix,
		log:           log.Component("dlq"),
	}
}

// Write publishes a failed message to the dead-letter stream.
func (q *Queue) Write(ctx context.Context, raw []byte, reason string, cause error) error {
	entry := models.DeadLetter{
		Timestamp: time.Now().UTC(),
		Reason:    reason,
		Error:     cause.Error(),
		Raw:       raw,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		q.log.Error("marshal dead letter", "error", err)
		return err
	}

	subject := fmt.Sprintf("%s.%s", q.subjectPrefix, reason)
	if _, err := q.pub.PublishSync(ctx, subject, data); err != nil {
		q.log.Error("publish dead letter", "subject", subject, "error", err)
		return err
	}

	q.written.Add(1)
	metrics.DeadLettersTotal.Inc()
	q.log.Debug("dead letter published", "reason", reason)
	return nil
}

// Written returns how many dead letters this instance has published.
func (q *Queue) Written() uint64 {
	return q.written.Load()
}
