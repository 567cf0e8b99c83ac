package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig contains configuration for the kafka connection.
type KafkaConfig struct {
	Brokers         []string
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	MaxAttempts     int
	MaxMessageBytes int
}

func DefaultKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:         []string{"localhost:9092"},
		WriteTimeout:    5 * time.Second,
		ReadTimeout:     10 * time.Second,
		MaxAttempts:     3,
		MaxMessageBytes: 1 << 20,
	}
}

// KafkaProducer writes synchronously with all-replica acks so the outbox
// only marks an event published once the broker has it.
type KafkaProducer struct {
	config  *KafkaConfig
	writers map[string]*kafka.Writer
	logger  *zap.Logger
	mu      sync.RWMutex
}

func NewKafkaProducer(config *KafkaConfig, logger *zap.Logger) (*KafkaProducer, error) {
	if config == nil {
		config = DefaultKafkaConfig()
	}
	if len(config.Brokers) == 0 {
		return nil, errors.New("kafka producer requires at least one broker")
	}
	return &KafkaProducer{
		config:  config,
		writers: make(map[string]*kafka.Writer),
		logger:  logger.Named("kafka"),
	}, nil
}

func (p *KafkaProducer) getWriter(topic string) *kafka.Writer {
	p.mu.RLock()
	writer, exists := p.writers[topic]
	p.mu.RUnlock()
	if exists {
		return writer
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if writer, exists := p.writers[topic]; exists {
		return writer
	}

	writer = &kafka.Writer{
		Addr:         kafka.TCP(p.config.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: p.config.WriteTimeout,
		ReadTimeout:  p.config.ReadTimeout,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  p.config.MaxAttempts,
		BatchBytes:   int64(p.config.MaxMessageBytes),
		BatchTimeout: 10 * time.Millisecond,
	}
	p.writers[topic] = writer
	return writer
}

// Publish sends one message keyed by key so events for the same user land on
// the same partition.
func (p *KafkaProducer) Publish(ctx context.Context, topic, key string, payload []byte) error {
	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now().UTC(),
	}
	if err := p.getWriter(topic).WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", topic, err)
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			p.logger.Error("failed to close writer", zap.String("topic", topic), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MessageHandler processes one consumed message. A returned error is retried.
type MessageHandler func(ctx context.Context, msg *ReceivedMessage) error

type ReceivedMessage struct {
	Topic     string
	Key       string
	Value     []byte
	Offset    int64
	Partition int
	Timestamp time.Time
}

// KafkaConsumer reads one topic in a consumer group and commits an offset
// only after the handler has finished with the message.
type KafkaConsumer struct {
	reader     *kafka.Reader
	logger     *zap.Logger
	maxRetries int
	backoff    time.Duration
}

func NewKafkaConsumer(config *KafkaConfig, topic Topic, groupID string, logger *zap.Logger) *KafkaConsumer {
	if config == nil {
		config = DefaultKafkaConfig()
	}
	log := logger.Named("kafka-consumer")
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  config.Brokers,
		Topic:    string(topic),
		GroupID:  groupID,
		MaxBytes: config.MaxMessageBytes,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Error(fmt.Sprintf(msg, args...))
		}),
	})
	return &KafkaConsumer{reader: reader, logger: log, maxRetries: 3, backoff: 500 * time.Millisecond}
}

// Run consumes until ctx is cancelled. A message whose handler keeps failing
// is logged and committed so the partition is not blocked.
func (c *KafkaConsumer) Run(ctx context.Context, handler MessageHandler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to fetch message", zap.Error(err))
			continue
		}

		received := &ReceivedMessage{
			Topic:     msg.Topic,
			Key:       string(msg.Key),
			Value:     msg.Value,
			Offset:    msg.Offset,
			Partition: msg.Partition,
			Timestamp: msg.Time,
		}
		c.handle(ctx, received, handler)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to commit offset",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, msg *ReceivedMessage, handler MessageHandler) {
	var err error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err = handler(ctx, msg); err == nil {
			return
		}
		c.logger.Warn("message handler failed",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
	c.logger.Error("dropping message after retries",
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.Int64("offset", msg.Offset),
		zap.Error(err))
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
