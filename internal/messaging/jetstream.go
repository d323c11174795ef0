package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamClient provides stream provisioning, publishing and pull
// consumption on top of a NATS connection.
type JetStreamClient struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
	MaxBytes int64
	MaxMsgs  int64
	// Retention policy (LimitsPolicy, InterestPolicy, WorkQueuePolicy).
	Retention jetstream.RetentionPolicy
	Storage   jetstream.StorageType
}

// ConsumerConfig defines a durable pull consumer. The durable name plays the
// consumer-group role: instances sharing a name share the stream cursor.
type ConsumerConfig struct {
	Name          string
	FilterSubject string
	// AckWait is how long the server waits for an ack before redelivering.
	// Must exceed the control loop's ack interval.
	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int
}

// TrafficStreamConfig describes the LLM traffic event log.
func TrafficStreamConfig(name, subject string) StreamConfig {
	return StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		MaxAge:    24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		MaxMsgs:   1000000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
}

// DLQStreamConfig describes the dead-letter stream. Retention is generous:
// dead letters exist to be inspected, not expired under the operator.
func DLQStreamConfig(name, subject string) StreamConfig {
	return StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  256 * 1024 * 1024, // 256MB
		MaxMsgs:   100000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
}

// NewJetStreamClient creates a JetStream-enabled client over an existing
// connection.
func NewJetStreamClient(conn *nats.Conn) (*JetStreamClient, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return &JetStreamClient{conn: conn, js: js}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		MaxAge:    cfg.MaxAge,
		MaxBytes:  cfg.MaxBytes,
		MaxMsgs:   cfg.MaxMsgs,
		Retention: cfg.Retention,
		Storage:   cfg.Storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// CreateOrUpdateConsumer creates or updates a durable consumer on a stream.
func (c *JetStreamClient) CreateOrUpdateConsumer(ctx context.Context, streamName string, cfg ConsumerConfig) (jetstream.Consumer, error) {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", cfg.Name, err)
	}
	return consumer, nil
}

// PublishSync publishes a message and waits for stream acknowledgment.
func (c *JetStreamClient) PublishSync(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error) {
	return c.js.Publish(ctx, subject, data)
}

// IsConnected reports whether the underlying connection is up.
func (c *JetStreamClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Drain gracefully closes the connection, letting in-flight operations finish.
func (c *JetStreamClient) Drain() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Drain()
}

// InboundMessage is one message pulled from the event log. Ack advances the
// consumer cursor past it; an unacked message is redelivered after AckWait.
type InboundMessage interface {
	Data() []byte
	Ack() error
}

// Source pulls batches of messages from the event log.
type Source interface {
	// Fetch returns up to max messages, waiting at most maxWait for the
	// first one. An empty slice with nil error means the wait expired.
	Fetch(ctx context.Context, max int, maxWait time.Duration) ([]InboundMessage, error)
}

// PullSource adapts a JetStream pull consumer to the Source interface.
type PullSource struct {
	consumer jetstream.Consumer
}

// NewPullSource wraps a durable pull consumer.
func NewPullSource(consumer jetstream.Consumer) *PullSource {
	return &PullSource{consumer: consumer}
}

func (s *PullSource) Fetch(ctx context.Context, max int, maxWait time.Duration) ([]InboundMessage, error) {
	batch, err := s.consumer.Fetch(max, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var msgs []InboundMessage
	for msg := range batch.Messages() {
		msgs = append(msgs, msg)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return msgs, fmt.Errorf("fetch completed with error: %w", err)
	}
	return msgs, nil
}
