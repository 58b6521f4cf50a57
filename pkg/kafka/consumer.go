// 文件: pkg/kafka/consumer.go
// Kafka 消费者组
//
// 特点:
// - 消费者组 + RoundRobin 再均衡
// - 处理失败只记日志，继续下一条 (至多一次语义由调用方决定是否重投)
// - Stop 等待当前批次结束

package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"optpricer.com/pkg/logger"
)

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers       []string // broker 地址列表
	GroupID       string   // 消费者组 ID
	Topics        []string // 订阅的 topics
	OffsetInitial int64    // sarama.OffsetNewest / sarama.OffsetOldest
	AutoCommit    bool     // 是否自动提交 offset
}

// DefaultConsumerConfig 默认配置
func DefaultConsumerConfig(brokers []string, groupID string, topics ...string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:       brokers,
		GroupID:       groupID,
		Topics:        topics,
		OffsetInitial: sarama.OffsetNewest,
		AutoCommit:    true,
	}
}

// Record 一条消费到的消息
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Handler 消息处理函数
type Handler func(ctx context.Context, rec Record) error

// Consumer 消费者组封装
type Consumer struct {
	client  sarama.ConsumerGroup
	topics  []string
	handler Handler
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer 创建消费者
func NewConsumer(cfg ConsumerConfig, handler Handler) (*Consumer, error) {
	if len(cfg.Topics) == 0 {
		return nil, errors.New("kafka: consumer needs at least one topic")
	}
	sc := sarama.NewConfig()
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = cfg.OffsetInitial
	sc.Consumer.Offsets.AutoCommit.Enable = cfg.AutoCommit
	sc.Consumer.Return.Errors = true

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &Consumer{
		client:  client,
		topics:  cfg.Topics,
		handler: handler,
		logger:  logger.Get().With("component", "kafka_consumer", "group", cfg.GroupID),
	}, nil
}

// Start 后台消费，直到 ctx 取消或 Stop
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for err := range c.client.Errors() {
			c.logger.Error("consumer group error", "error", err)
		}
	}()
	go func() {
		defer c.wg.Done()
		gh := &groupHandler{handler: c.handler, logger: c.logger}
		for {
			// Consume 在再均衡后返回，需要循环重新加入
			if err := c.client.Consume(ctx, c.topics, gh); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("consume failed", "error", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

// Stop 停止消费并关闭客户端
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	err := c.client.Close()
	c.wg.Wait()
	return err
}

// =============================================================================
// sarama.ConsumerGroupHandler
// =============================================================================

type groupHandler struct {
	handler Handler
	logger  *slog.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		rec := Record{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       msg.Key,
			Value:     msg.Value,
			Timestamp: msg.Timestamp,
		}
		if err := h.handler(session.Context(), rec); err != nil {
			h.logger.Warn("handle message failed",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}
