// 文件: pkg/valuation/events.go
// 定价完成事件
//
// 同一个事件可以走 Kafka (持久、可回放) 或 NATS (轻量广播)
// 发布失败不影响定价结果，由 Service 记录日志与指标

package valuation

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/shopspring/decimal"

	"optpricer.com/pkg/kafka"
	"optpricer.com/pkg/nats"
)

// 默认 topic / subject
const (
	TopicOptionPriced   = "option.valuations"
	SubjectOptionPriced = "option.valuations"
)

// OptionPricedEvent 定价完成事件
type OptionPricedEvent struct {
	ValuationID int64           `json:"valuation_id,string"`
	Fingerprint string          `json:"fingerprint"`
	Method      Method          `json:"method"`
	Kind        string          `json:"kind"`
	Style       string          `json:"style"`
	Spot        float64         `json:"spot"`
	Strike      float64         `json:"strike"`
	Maturity    float64         `json:"maturity"`
	Price       decimal.Decimal `json:"price"`
	StdError    decimal.Decimal `json:"std_error"`
	DurationMs  int64           `json:"duration_ms"`
	Timestamp   int64           `json:"timestamp"`
}

// NewOptionPricedEvent 由定价记录生成事件
func NewOptionPricedEvent(v *Valuation) *OptionPricedEvent {
	return &OptionPricedEvent{
		ValuationID: v.ID,
		Fingerprint: v.Fingerprint,
		Method:      v.Method,
		Kind:        string(v.Kind),
		Style:       string(v.Style),
		Spot:        v.Spot,
		Strike:      v.Strike,
		Maturity:    v.Maturity,
		Price:       v.Price,
		StdError:    v.StdError,
		DurationMs:  v.DurationMs,
		Timestamp:   v.CreatedAt,
	}
}

// Key 分区 key (按记录 ID)
func (e *OptionPricedEvent) Key() string {
	return strconv.FormatInt(e.ValuationID, 10)
}

// Value 序列化后的消息体
func (e *OptionPricedEvent) Value() ([]byte, error) {
	return json.Marshal(e)
}

// EventPublisher 事件发布器
type EventPublisher interface {
	PublishPriced(ctx context.Context, e *OptionPricedEvent) error
	Close() error
}

// =============================================================================
// Kafka
// =============================================================================

// kafkaMessage 为事件绑定 topic，实现 kafka.Message
type kafkaMessage struct {
	*OptionPricedEvent
	topic string
}

func (m kafkaMessage) Topic() string { return m.topic }

// KafkaEventPublisher 通过 Kafka 发布
type KafkaEventPublisher struct {
	producer *kafka.Producer
	topic    string
}

// NewKafkaEventPublisher 创建 Kafka 发布器，topic 为空时使用默认值
func NewKafkaEventPublisher(producer *kafka.Producer, topic string) *KafkaEventPublisher {
	if topic == "" {
		topic = TopicOptionPriced
	}
	return &KafkaEventPublisher{producer: producer, topic: topic}
}

// PublishPriced 发布事件
func (p *KafkaEventPublisher) PublishPriced(ctx context.Context, e *OptionPricedEvent) error {
	return p.producer.Send(ctx, kafkaMessage{OptionPricedEvent: e, topic: p.topic})
}

// Close 关闭生产者
func (p *KafkaEventPublisher) Close() error {
	return p.producer.Close()
}

// =============================================================================
// NATS
// =============================================================================

// NatsEventPublisher 通过 NATS 发布
type NatsEventPublisher struct {
	pub     *nats.Publisher
	subject string
}

// NewNatsEventPublisher 创建 NATS 发布器
func NewNatsEventPublisher(pub *nats.Publisher, subject string) *NatsEventPublisher {
	if subject == "" {
		subject = SubjectOptionPriced
	}
	return &NatsEventPublisher{pub: pub, subject: subject}
}

// PublishPriced 发布事件
func (p *NatsEventPublisher) PublishPriced(_ context.Context, e *OptionPricedEvent) error {
	return p.pub.Publish(p.subject, e)
}

// Close 关闭连接
func (p *NatsEventPublisher) Close() error {
	p.pub.Close()
	return nil
}

// =============================================================================
// 组合与空实现
// =============================================================================

// MultiPublisher 依次发布到多个发布器，返回第一个错误
type MultiPublisher []EventPublisher

// PublishPriced 发布事件
func (m MultiPublisher) PublishPriced(ctx context.Context, e *OptionPricedEvent) error {
	var first error
	for _, p := range m {
		if err := p.PublishPriced(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close 关闭全部
func (m MultiPublisher) Close() error {
	var first error
	for _, p := range m {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type nopPublisher struct{}

func (nopPublisher) PublishPriced(context.Context, *OptionPricedEvent) error { return nil }
func (nopPublisher) Close() error                                            { return nil }
