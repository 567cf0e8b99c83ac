package messaging

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// RedisProducer publishes events on redis pub/sub channels named after the
// topic. Subscribers that are offline miss events; the kafka transport is the
// durable option.
type RedisProducer struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisProducer(cfg *RedisConfig, logger *zap.Logger) (*RedisProducer, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, fmt.Errorf("redis producer requires an address")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisProducer{client: client, logger: logger.Named("redis")}, nil
}

// NewRedisProducerFromClient wraps an existing client.
func NewRedisProducerFromClient(client *redis.Client, logger *zap.Logger) *RedisProducer {
	return &RedisProducer{client: client, logger: logger.Named("redis")}
}

func (p *RedisProducer) Publish(ctx context.Context, topic, key string, payload []byte) error {
	receivers, err := p.client.Publish(ctx, topic, payload).Result()
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	p.logger.Debug("published event",
		zap.String("channel", topic),
		zap.String("key", key),
		zap.Int64("receivers", receivers))
	return nil
}

func (p *RedisProducer) Close() error {
	return p.client.Close()
}
