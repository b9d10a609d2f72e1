// Package events publishes settlement events to the configured sinks.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event types
const (
	DepositConfirmed            = "deposit.confirmed"
	DepositFailed               = "deposit.failed"
	WithdrawalReserved          = "withdrawal.reserved"
	WithdrawalSubmitted         = "withdrawal.submitted"
	WithdrawalConfirmed         = "withdrawal.confirmed"
	WithdrawalFailed            = "withdrawal.failed"
	WithdrawalFailedUnconfirmed = "withdrawal.failed_unconfirmed"
)

// Event is a settlement state change.
type Event struct {
	ID        uuid.UUID  `json:"id"`
	Type      string     `json:"type"`
	AccountID *uuid.UUID `json:"account_id,omitempty"`
	// Reference is the deposit hash or the withdrawal id.
	Reference string    `json:"reference"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an event with an id and the current time.
func NewEvent(eventType, reference, status string) *Event {
	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Reference: reference,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher defines the interface for event publishers
type Publisher interface {
	PublishEvent(ctx context.Context, topic string, event *Event) error
	Close() error
}

// EventPublisher fans events out to every configured publisher
type EventPublisher struct {
	publishers []Publisher
	topic      string
	log        *zap.Logger
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(publishers []Publisher, topic string, log *zap.Logger) *EventPublisher {
	return &EventPublisher{
		publishers: publishers,
		topic:      topic,
		log:        log.Named("events"),
	}
}

// Publish sends the event to all publishers. It fails only when every
// publisher failed.
func (p *EventPublisher) Publish(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if len(p.publishers) == 0 {
		return nil
	}

	var lastErr error
	successCount := 0

	for i, publisher := range p.publishers {
		if err := publisher.PublishEvent(ctx, p.topic, event); err != nil {
			p.log.Error("failed to publish event",
				zap.Int("publisher_index", i),
				zap.String("event_type", event.Type),
				zap.String("reference", event.Reference),
				zap.Error(err),
			)
			lastErr = err
		} else {
			successCount++
		}
	}

	p.log.Debug("published settlement event",
		zap.String("event_type", event.Type),
		zap.String("reference", event.Reference),
		zap.String("status", event.Status),
		zap.Int("publishers_success", successCount),
		zap.Int("publishers_total", len(p.publishers)),
	)

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("all publishers failed, last error: %w", lastErr)
	}

	return nil
}

// Close closes every publisher.
func (p *EventPublisher) Close() error {
	var firstErr error
	for _, publisher := range p.publishers {
		if err := publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// KafkaPublisher implements Publisher for Apache Kafka
type KafkaPublisher struct {
	writer *kafka.Writer
	log    *zap.Logger
}

// NewKafkaPublisher creates a new Kafka publisher. The topic is set per message.
func NewKafkaPublisher(brokers []string, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  3,
		},
		log: log,
	}
}

// PublishEvent publishes an event to Kafka, keyed by reference so that the
// events of one deposit or withdrawal stay ordered within a partition.
func (k *KafkaPublisher) PublishEvent(ctx context.Context, topic string, event *Event) error {
	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	k.log.Debug("publishing event to kafka",
		zap.String("topic", topic),
		zap.Int("event_size", len(eventData)),
	)

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(event.Reference),
		Value: eventData,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "timestamp", Value: []byte(event.Timestamp.Format(time.RFC3339))},
		},
	}

	return k.writer.WriteMessages(ctx, msg)
}

// Close flushes and closes the writer.
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

// RedisPublisher implements Publisher for Redis Streams
type RedisPublisher struct {
	client redis.Cmdable
	stream string
	closer func() error
	log    *zap.Logger
}

// NewRedisPublisher creates a new Redis publisher. A non-empty stream
// overrides the topic passed per event.
func NewRedisPublisher(addr, stream string, log *zap.Logger) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	return &RedisPublisher{
		client: client,
		stream: stream,
		closer: client.Close,
		log:    log,
	}
}

// PublishEvent appends an event to the Redis stream
func (r *RedisPublisher) PublishEvent(ctx context.Context, topic string, event *Event) error {
	if r.stream != "" {
		topic = r.stream
	}

	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	fields := map[string]interface{}{
		"event_type": event.Type,
		"reference":  event.Reference,
		"data":       string(eventData),
		"timestamp":  event.Timestamp.Format(time.RFC3339),
		"source":     "p2pex",
	}

	result := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		ID:     "*",
		Values: fields,
	})

	if err := result.Err(); err != nil {
		r.log.Error("failed to publish event to redis stream",
			zap.String("stream", topic),
			zap.Error(err))
		return fmt.Errorf("failed to publish to redis stream: %w", err)
	}

	r.log.Debug("successfully published event to redis stream",
		zap.String("stream", topic),
		zap.String("message_id", result.Val()))

	return nil
}

// Close closes the redis client.
func (r *RedisPublisher) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
