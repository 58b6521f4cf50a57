// 文件: pkg/nats/subscriber.go
// NATS 订阅者: 普通订阅、队列订阅、队列应答

package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"optpricer.com/pkg/logger"
)

// MessageHandler 消息处理函数
type MessageHandler func(ctx context.Context, subject string, data []byte) error

const (
	// DefaultDrainTimeout Close 等待订阅排空的上限
	DefaultDrainTimeout = 5 * time.Second
	drainPollInterval   = 10 * time.Millisecond
)

// Responder 请求处理函数，返回值作为应答体
type Responder func(ctx context.Context, subject string, data []byte) []byte

// Subscriber NATS 订阅者
type Subscriber struct {
	conn   *nats.Conn
	owned  bool
	logger *slog.Logger

	mu       sync.Mutex
	subs     []*nats.Subscription
	inflight sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	drainTimeout time.Duration
}

// NewSubscriber 创建订阅者并建立连接
func NewSubscriber(url string) (*Subscriber, error) {
	conn, err := Connect(url, "optpricer-subscriber")
	if err != nil {
		return nil, err
	}
	s := NewSubscriberWithConn(conn)
	s.owned = true
	return s, nil
}

// NewSubscriberWithConn 复用已有连接
func NewSubscriberWithConn(conn *nats.Conn) *Subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscriber{
		conn:   conn,
		logger: logger.Get().With("component", "nats_subscriber"),
		ctx:    ctx,
		cancel: cancel,

		drainTimeout: DefaultDrainTimeout,
	}
}

// Subscribe 订阅主题 (每个实例都会收到)
func (s *Subscriber) Subscribe(subject string, handler MessageHandler) error {
	sub, err := s.conn.Subscribe(subject, s.wrap(handler))
	if err != nil {
		return err
	}
	s.track(sub)
	return nil
}

// SubscribeQueue 队列订阅 (同组实例负载均衡)
func (s *Subscriber) SubscribeQueue(subject, queue string, handler MessageHandler) error {
	sub, err := s.conn.QueueSubscribe(subject, queue, s.wrap(handler))
	if err != nil {
		return err
	}
	s.track(sub)
	return nil
}

// ReplyQueue 队列订阅并对每条请求应答
func (s *Subscriber) ReplyQueue(subject, queue string, responder Responder) error {
	sub, err := s.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		s.inflight.Add(1)
		defer s.inflight.Done()
		reply := responder(s.ctx, msg.Subject, msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			s.logger.Error("nats respond failed", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.track(sub)
	return nil
}

func (s *Subscriber) wrap(handler MessageHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		s.inflight.Add(1)
		defer s.inflight.Done()
		if err := handler(s.ctx, msg.Subject, msg.Data); err != nil {
			s.logger.Warn("nats handle failed", "subject", msg.Subject, "error", err)
		}
	}
}

func (s *Subscriber) track(sub *nats.Subscription) {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

// Close 排空订阅后关闭
// 先等所有订阅排空 (处理中的消息跑完并应答)，再取消处理上下文
func (s *Subscriber) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.waitDrained(subs); err != nil && firstErr == nil {
		firstErr = err
	}
	s.cancel()
	if s.owned {
		s.conn.Close()
	}
	return firstErr
}

// waitDrained 轮询直到所有订阅失效，再等处理中的回调返回；整体受 drainTimeout 限制
func (s *Subscriber) waitDrained(subs []*nats.Subscription) error {
	deadline := time.Now().Add(s.drainTimeout)
	for _, sub := range subs {
		for sub.IsValid() {
			if time.Now().After(deadline) {
				s.logger.Warn("nats drain timed out", "subject", sub.Subject, "timeout", s.drainTimeout)
				return nats.ErrDrainTimeout
			}
			time.Sleep(drainPollInterval)
		}
	}

	// 订阅已失效，不会再有新回调
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(time.Until(deadline)):
		s.logger.Warn("nats handlers still running after drain", "timeout", s.drainTimeout)
		return nats.ErrDrainTimeout
	}
}

// =============================================================================
// 便捷方法
// =============================================================================

// UnmarshalJSON 反序列化 JSON
func UnmarshalJSON[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
