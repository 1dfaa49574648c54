// Package intake 通过消息队列接收履约批次，每个批次只交给 fulfiller 执行一次。
package intake

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "ProofMarket/internal/errors"
)

// Handler 处理一条编码后的批次。
type Handler func(ctx context.Context, payload []byte) error

// Producer 发布编码后的批次。
type Producer interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Consumer 将批次交给 handler，无论处理结果如何都视为已投递。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备发布与消费能力。
type Queue interface {
	Producer
	Consumer
}

// Config 选择并配置队列驱动。
type Config struct {
	Driver   string         `yaml:"driver"`
	Workers  int            `yaml:"workers"`
	Buffer   int            `yaml:"buffer"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 列表队列。
type RedisConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Queue     string        `yaml:"queue"`
	BlockWait time.Duration `yaml:"block_wait"`
}

// RabbitMQConfig 描述 AMQP 队列。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// NewQueue 按 cfg.Driver 创建队列，未配置时使用内存队列。
func NewQueue(ctx context.Context, cfg Config) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return NewRedisQueue(ctx, cfg.Redis)
	case "rabbitmq", "amqp":
		return NewRabbitMQQueue(cfg.RabbitMQ)
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("不支持的队列类型 %q", cfg.Driver))
	}
}
