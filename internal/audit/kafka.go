package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/linnemanlabs/go-core/log"
)

// messageWriter is the subset of *kafka.Writer used by Kafka.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DefaultWriteTimeout bounds how long Record may hold up its caller.
const DefaultWriteTimeout = 2 * time.Second

// Kafka publishes events as JSON, keyed by tenant so a tenant's events keep
// their order within a partition. Writes are asynchronous; delivery failures
// are logged, not returned.
type Kafka struct {
	writer  messageWriter
	now     func() time.Time
	timeout time.Duration
	logger  log.Logger
}

// KafkaOption configures a Kafka publisher.
type KafkaOption func(*Kafka)

// WithWriteTimeout caps the time Record waits on the writer.
func WithWriteTimeout(d time.Duration) KafkaOption {
	return func(k *Kafka) {
		if d > 0 {
			k.timeout = d
		}
	}
}

// WithLogger sets the logger for delivery failures.
func WithLogger(l log.Logger) KafkaOption {
	return func(k *Kafka) {
		if l != nil {
			k.logger = l
		}
	}
}

// NewKafka creates a publisher for topic on brokers.
func NewKafka(brokers []string, topic string, opts ...KafkaOption) *Kafka {
	k := &Kafka{now: time.Now, timeout: DefaultWriteTimeout, logger: log.Nop()}
	for _, o := range opts {
		o(k)
	}
	k.writer = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion:             k.delivered,
	}
	return k
}

func (k *Kafka) delivered(msgs []kafka.Message, err error) {
	if err != nil {
		k.logger.Warn(context.Background(), "audit events not delivered", "err", err, "count", len(msgs))
	}
}

// Record implements Log.
func (k *Kafka) Record(ctx context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = k.now().UTC()
	}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.TenantID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(e.Kind)},
		},
	}
	timeout := k.timeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write audit event to kafka: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (k *Kafka) Close() error {
	if k.writer != nil {
		return k.writer.Close()
	}
	return nil
}
