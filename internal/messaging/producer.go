package messaging

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Producer delivers raw payloads to a transport. It satisfies
// outbox.Publisher.
type Producer interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Close() error
}

// NewProducer selects the transport by name: kafka, redis or none. A nil
// Producer with a nil error means events are kept in the outbox only.
func NewProducer(transport string, kafkaCfg *KafkaConfig, redisCfg *RedisConfig, log *zap.Logger) (Producer, error) {
	switch transport {
	case "kafka":
		p, err := NewKafkaProducer(kafkaCfg, log)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "redis":
		p, err := NewRedisProducer(redisCfg, log)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "none", "":
		log.Warn("event transport disabled, outbox rows will accumulate")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown event transport %q", transport)
	}
}
