package queue

import (
	"context"
	"fmt"
	"net"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

const (
	headerMessageGroupID         = "message-group-id"
	headerMessageDeduplicationID = "message-deduplication-id"
)

// KafkaConfig configures the Kafka-backed Publisher.
type KafkaConfig struct {
	Brokers      []string
	ClientID     string
	BatchTimeout time.Duration
	DialTimeout  time.Duration
}

// KafkaPublisher implements Publisher on top of a single shared kafka.Writer.
// FIFO ordering per message group is approximated by keying each message
// with its MessageGroupID, which Kafka's default balancer routes to a
// single partition for the lifetime of that key.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher constructs a KafkaPublisher from cfg.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	dialer := &kafka.Dialer{
		ClientID:  cfg.ClientID,
		Timeout:   dialTimeout,
		DualStack: true,
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: batchTimeout,
		Transport: &kafka.Transport{
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, address)
			},
			ClientID: cfg.ClientID,
		},
	}
	return &KafkaPublisher{writer: writer}, nil
}

// Publish writes env to Kafka. The queue's topic is the resolved queue URL
// (the routing resolver already baked in color/.fifo naming); the message
// group and deduplication ids travel as both the partition key and headers
// so downstream consumers can still read them directly.
func (p *KafkaPublisher) Publish(ctx context.Context, env Envelope) error {
	if env.QueueURL == "" {
		return fmt.Errorf("queue url is required")
	}
	msg := kafka.Message{
		Topic: env.QueueURL,
		Key:   []byte(env.MessageGroupID),
		Value: env.Body,
		Headers: []kafka.Header{
			{Key: headerMessageGroupID, Value: []byte(env.MessageGroupID)},
			{Key: headerMessageDeduplicationID, Value: []byte(env.MessageDeduplicationID)},
		},
		Time: time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", env.QueueURL, err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
