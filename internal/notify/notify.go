// Package notify publishes the outcome of every table sync to Kafka so
// downstream consumers can react to freshly indexed data.
package notify

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/lakesync/pkg/config"
	"github.com/ajitpratap0/lakesync/pkg/errors"
	"github.com/ajitpratap0/lakesync/pkg/json"
)

// Event is the payload of one table sync result.
type Event struct {
	RunID          string    `json:"run_id"`
	Table          string    `json:"table"`
	Index          string    `json:"index"`
	State          string    `json:"state"`
	RowsProcessed  int       `json:"rows_processed"`
	RowsFailed     int       `json:"rows_failed"`
	RowsDeleted    int       `json:"rows_deleted"`
	Batches        int       `json:"batches"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
	LastPrimaryKey string    `json:"last_primary_key,omitempty"`
	Error          string    `json:"error,omitempty"`
	DurationMS     int64     `json:"duration_ms"`
	Timestamp      time.Time `json:"timestamp"`
}

// Notifier publishes sync events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, Event) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }

// Open returns a Kafka notifier when brokers are configured and Nop
// otherwise.
func Open(cfg config.NotifyConfig, logger *zap.Logger) (Notifier, error) {
	if len(cfg.Brokers) == 0 {
		return Nop{}, nil
	}
	return NewKafkaNotifier(cfg, logger)
}

// KafkaNotifier sends events through a synchronous sarama producer, keyed
// by table so one table's events stay ordered within a partition.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// ProducerConfig returns the sarama settings used for notifications.
func ProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "lakesync"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Compression = sarama.CompressionLZ4
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// NewKafkaNotifier connects to the configured brokers.
func NewKafkaNotifier(cfg config.NotifyConfig, logger *zap.Logger) (*KafkaNotifier, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, ProducerConfig())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create kafka producer").
			WithDetail("brokers", cfg.Brokers)
	}
	return NewKafkaNotifierWithProducer(producer, cfg.Topic, logger), nil
}

// NewKafkaNotifierWithProducer wraps an existing producer.
func NewKafkaNotifierWithProducer(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaNotifier{producer: producer, topic: topic, logger: logger.With(zap.String("component", "notifier"))}
}

// Notify publishes event.
func (n *KafkaNotifier) Notify(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode sync event")
	}

	msg := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(event.Table),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("table"), Value: []byte(event.Table)},
			{Key: []byte("state"), Value: []byte(event.State)},
			{Key: []byte("content-type"), Value: []byte("application/json")},
		},
		Timestamp: event.Timestamp,
	}
	partition, offset, err := n.producer.SendMessage(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to publish sync event").
			WithDetail("table", event.Table).
			WithDetail("topic", n.topic)
	}
	n.logger.Debug("sync event published",
		zap.String("table", event.Table),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Close flushes and closes the producer.
func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}
