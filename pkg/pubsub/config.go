package pubsub

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownDriver is returned by NewPubSub for a driver it cannot build.
var ErrUnknownDriver = errors.New("unknown pubsub driver")

const defaultBufferSize = 100

// Config selects and configures the event bus driver.
type Config struct {
	Driver string      `mapstructure:"driver"` // "redis", "kafka", "memory"
	Redis  RedisConfig `mapstructure:"redis"`
	Kafka  KafkaConfig `mapstructure:"kafka"`
}

// RedisConfig configures the redis driver. BufferSize bounds each
// subscription's channel; events arriving while it is full are dropped.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BufferSize   int           `mapstructure:"buffer_size"`
}

// KafkaConfig configures the kafka driver.
type KafkaConfig struct {
	Brokers    string `mapstructure:"brokers"`
	GroupID    string `mapstructure:"group_id"`
	Partitions int    `mapstructure:"partitions"`
}

// NewPubSub builds the driver named by cfg.Driver. An empty driver means redis.
func NewPubSub(cfg Config) (PubSub, error) {
	switch cfg.Driver {
	case "", "redis":
		return NewRedisPubSub(cfg.Redis)
	case "kafka":
		return NewKafkaPubSub(cfg.Kafka)
	case "memory":
		return NewMemoryPubSub(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
