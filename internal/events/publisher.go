// Package events publishes attribution outcomes to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/Gopher0727/InviteTracker/config"
	logger "github.com/Gopher0727/InviteTracker/middleware/log"
)

// RedeemedEvent is emitted once per token, when an arrival is attributed to it.
type RedeemedEvent struct {
	TokenID      string    `json:"token_id"`
	GuildID      string    `json:"guild_id"`
	CreatorID    string    `json:"creator_id"`
	MemberID     string    `json:"member_id"`
	ExternalCode string    `json:"external_code"`
	RedeemedAt   time.Time `json:"redeemed_at"`
}

// Publisher delivers RedeemedEvents. Callers treat failures as best-effort.
type Publisher interface {
	PublishRedeemed(ctx context.Context, event RedeemedEvent) error
	Close() error
}

// KafkaPublisher writes events as JSON to a Kafka topic, keyed by guild so
// a guild's attributions stay ordered within one partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *logger.Logger
}

// NewKafkaPublisher connects a synchronous producer to the configured brokers.
//
// Parameters:
//   - cfg: Kafka configuration with broker addresses and topic
//   - log: Logger used for delivery diagnostics
//
// Returns:
//   - *KafkaPublisher: The connected publisher
//   - error: Any error encountered while reaching the brokers
func NewKafkaPublisher(cfg *config.KafkaConfig, log *logger.Logger) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, ProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, cfg.Topic, log), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer, typically a sarama mock.
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string, log *logger.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, log: log}
}

// ProducerConfig returns the sarama settings used for attribution events.
func ProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Retry.Backoff = 100 * time.Millisecond
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1

	// Set connection timeouts to prevent hanging
	cfg.Net.DialTimeout = 5 * time.Second
	cfg.Net.ReadTimeout = 5 * time.Second
	cfg.Net.WriteTimeout = 5 * time.Second
	cfg.Metadata.Timeout = 5 * time.Second
	return cfg
}

func (p *KafkaPublisher) PublishRedeemed(ctx context.Context, event RedeemedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal redeemed event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.GuildID),
		Value: sarama.ByteEncoder(payload),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send redeemed event to topic %s: %w", p.topic, err)
	}

	p.log.DebugContext(ctx, "redeemed event published",
		zap.String("token_id", event.TokenID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// NopPublisher drops every event. Used when kafka.enabled is false.
type NopPublisher struct{}

func (NopPublisher) PublishRedeemed(context.Context, RedeemedEvent) error { return nil }
func (NopPublisher) Close() error                                        { return nil }
