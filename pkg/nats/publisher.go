// 文件: pkg/nats/publisher.go
// NATS 发布者: 事件广播 + 请求/应答
// 轻量级替代 Kafka，适合本地开发与低延迟 RPC

package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"optpricer.com/pkg/logger"
)

// Connect 建立连接，带断线重连与日志
func Connect(url, name string) (*nats.Conn, error) {
	log := logger.Get().With("component", "nats", "name", name)
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return conn, nil
}

// Publisher NATS 发布者
type Publisher struct {
	conn  *nats.Conn
	owned bool // 连接由 Publisher 创建，Close 时一并关闭
}

// NewPublisher 创建发布者并建立连接
func NewPublisher(url string) (*Publisher, error) {
	conn, err := Connect(url, "optpricer-publisher")
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, owned: true}, nil
}

// NewPublisherWithConn 复用已有连接
func NewPublisherWithConn(conn *nats.Conn) *Publisher {
	return &Publisher{conn: conn}
}

// Publish 以 JSON 发布
func (p *Publisher) Publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return p.conn.Publish(subject, data)
}

// PublishRaw 发布原始字节
func (p *Publisher) PublishRaw(subject string, data []byte) error {
	return p.conn.Publish(subject, data)
}

// Request 发送 JSON 请求并把应答解码到 out
func (p *Publisher) Request(ctx context.Context, subject string, req, out any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", subject, err)
	}
	msg, err := p.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", subject, err)
	}
	return nil
}

// Flush 等待已发布消息写出
func (p *Publisher) Flush() error {
	return p.conn.Flush()
}

// Close 关闭
func (p *Publisher) Close() {
	if p.owned {
		p.conn.Close()
	}
}
