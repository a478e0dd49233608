package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"consensus-trader/internal/bus"
	"consensus-trader/internal/service"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter kafka.Writer 的最小接口，测试可替换
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ProducerConfig Kafka 写入参数
type ProducerConfig struct {
	Brokers      []string
	RequiredAcks int
	MaxAttempts  int
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

type ProducerOption func(*ProducerConfig)

func WithBatch(size int, timeout time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		c.BatchSize = size
		c.BatchTimeout = timeout
	}
}

func WithRequiredAcks(acks int) ProducerOption {
	return func(c *ProducerConfig) { c.RequiredAcks = acks }
}

// Producer wraps a Kafka writer. 同一 key 的消息落在同一分区，保证单个 symbol 有序
type Producer struct {
	writer messageWriter
}

func NewProducer(brokers []string, opts ...ProducerOption) (*Producer, error) {
	cfg := &ProducerConfig{
		Brokers:      brokers,
		RequiredAcks: int(kafka.RequireOne),
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 200 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers are required", service.ErrConfig)
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            kafka.Snappy,
		MaxAttempts:            cfg.MaxAttempts,
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return &Producer{writer: writer}, nil
}

// Publish 写入单条消息
func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte) error {
	msg := kafka.Message{Topic: topic, Key: key, Value: value, Time: time.Now()}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return &service.NetworkError{Op: "kafka publish " + topic, Err: err}
	}
	return nil
}

func (p *Producer) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}

// Bridge 把总线事件转发到 Kafka，topic 为 <prefix>.<event type>
type Bridge struct {
	producer *Producer
	codec    Codec
	prefix   string
	timeout  time.Duration
	logger   *zap.Logger

	published uint64
	failed    uint64
}

func NewBridge(producer *Producer, codec Codec, prefix string) *Bridge {
	return &Bridge{
		producer: producer,
		codec:    codec,
		prefix:   prefix,
		timeout:  5 * time.Second,
		logger:   service.Named("storage.kafka"),
	}
}

// Topic 事件对应的 topic
func (b *Bridge) Topic(t bus.EventType) string {
	if b.prefix == "" {
		return string(t)
	}
	return b.prefix + "." + string(t)
}

// Forward 编码并发送单个事件
func (b *Bridge) Forward(ctx context.Context, e bus.Event) error {
	value, err := b.codec.Encode(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	pctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.producer.Publish(pctx, b.Topic(e.Type), []byte(e.Key), value)
}

// Run 消费总线队列直到 ctx 结束。发送失败只记日志，不阻塞后续事件
func (b *Bridge) Run(ctx context.Context, q *bus.Queue) {
	b.logger.Info("Kafka bridge started", zap.String("codec", b.codec.Name()), zap.String("prefix", b.prefix))
	q.Run(ctx, func(e bus.Event) {
		if err := b.Forward(ctx, e); err != nil {
			b.failed++
			if errors.Is(err, context.Canceled) {
				return
			}
			b.logger.Warn("Event forward failed", zap.String("type", string(e.Type)), zap.String("key", e.Key), zap.Error(err))
			return
		}
		b.published++
	})
	b.logger.Info("Kafka bridge stopped", zap.Uint64("published", b.published), zap.Uint64("failed", b.failed))
}
