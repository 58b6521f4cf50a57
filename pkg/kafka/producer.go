// 文件: pkg/kafka/producer.go
// Kafka 异步生产者
//
// 特点:
// - 异步发送，错误在后台 goroutine 中统计并记录日志
// - Send 支持 ctx，输入队列阻塞时可被取消
// - 任意消息类型通过 Message 接口接入

package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"optpricer.com/pkg/logger"
)

// ErrProducerClosed 生产者已关闭
var ErrProducerClosed = errors.New("kafka: producer closed")

// =============================================================================
// Message 接口
// =============================================================================

// Message 可发送到 Kafka 的消息
type Message interface {
	Topic() string          // 目标 topic
	Key() string            // 分区 key，相同 key 保证顺序
	Value() ([]byte, error) // 序列化后的消息体
}

// =============================================================================
// 配置
// =============================================================================

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers        []string      // broker 地址列表
	ClientID       string        // 客户端标识
	RequiredAcks   int           // 0=不等待, 1=leader确认, -1=全部确认
	Compression    string        // none, gzip, snappy, lz4, zstd
	FlushFrequency time.Duration // 批量刷新间隔
	FlushMessages  int           // 批量消息数
	MaxRetries     int           // 最大重试次数
}

// DefaultProducerConfig 默认配置
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:        brokers,
		ClientID:       "optpricer",
		RequiredAcks:   1,
		Compression:    "snappy",
		FlushFrequency: 100 * time.Millisecond,
		FlushMessages:  100,
		MaxRetries:     3,
	}
}

// saramaConfig 转换为 sarama 配置
func (cfg ProducerConfig) saramaConfig() *sarama.Config {
	sc := sarama.NewConfig()
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}

	switch cfg.RequiredAcks {
	case 0:
		sc.Producer.RequiredAcks = sarama.NoResponse
	case -1:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	default:
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	}

	sc.Producer.Compression = compressionCodec(cfg.Compression)
	sc.Producer.Flush.Frequency = cfg.FlushFrequency
	sc.Producer.Flush.Messages = cfg.FlushMessages
	sc.Producer.Retry.Max = cfg.MaxRetries
	sc.Producer.Return.Successes = false
	sc.Producer.Return.Errors = true
	return sc
}

func compressionCodec(name string) sarama.CompressionCodec {
	switch name {
	case "gzip":
		return sarama.CompressionGZIP
	case "snappy":
		return sarama.CompressionSnappy
	case "lz4":
		return sarama.CompressionLZ4
	case "zstd":
		return sarama.CompressionZSTD
	}
	return sarama.CompressionNone
}

// =============================================================================
// Producer
// =============================================================================

// Producer 异步生产者
type Producer struct {
	producer sarama.AsyncProducer
	logger   *slog.Logger

	sentCount  atomic.Int64
	errorCount atomic.Int64

	// OnError 发送失败回调 (可选，在后台 goroutine 中调用)
	OnError func(topic string, err error)

	mu     sync.RWMutex // 保护 closed 与 Input 通道
	closed bool
	wg     sync.WaitGroup
}

// NewProducer 创建生产者
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	producer, err := sarama.NewAsyncProducer(cfg.Brokers, cfg.saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newProducer(producer), nil
}

// newProducer 包装已有的 sarama 生产者 (测试中注入 mock)
func newProducer(ap sarama.AsyncProducer) *Producer {
	p := &Producer{
		producer: ap,
		logger:   logger.Get().With("component", "kafka_producer"),
	}
	p.wg.Add(1)
	go p.handleErrors()
	return p
}

// Send 发送消息 (异步)
func (p *Producer) Send(ctx context.Context, msg Message) error {
	data, err := msg.Value()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}
	return p.SendRaw(ctx, msg.Topic(), msg.Key(), data)
}

// SendRaw 发送原始字节
func (p *Producer) SendRaw(ctx context.Context, topic, key string, value []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	m := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	select {
	case p.producer.Input() <- m:
		p.sentCount.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Producer) handleErrors() {
	defer p.wg.Done()
	for perr := range p.producer.Errors() {
		p.errorCount.Add(1)
		topic := ""
		if perr.Msg != nil {
			topic = perr.Msg.Topic
		}
		p.logger.Error("kafka send failed", "topic", topic, "error", perr.Err)
		if p.OnError != nil {
			p.OnError(topic, perr.Err)
		}
	}
}

// ProducerStats 统计信息
type ProducerStats struct {
	SentCount  int64
	ErrorCount int64
}

// Stats 获取统计信息
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		SentCount:  p.sentCount.Load(),
		ErrorCount: p.errorCount.Load(),
	}
}

// Close 刷新并关闭，重复调用安全
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.producer.Close()
	p.wg.Wait()
	return err
}
