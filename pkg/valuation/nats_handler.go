// 文件: pkg/valuation/nats_handler.go
// NATS 请求/应答定价
//
// 请求: pricing.request (队列组 pricer，多实例负载均衡)
// 应答: {"valuation": {...}} 或 {"error": "..."}

package valuation

import (
	"context"
	"encoding/json"

	"optpricer.com/pkg/logger"
	"optpricer.com/pkg/nats"
)

// 默认 subject / 队列
const (
	SubjectPricingRequest = "pricing.request"
	QueuePricer           = "pricer"
)

// Reply NATS 应答体
type Reply struct {
	Valuation *Valuation `json:"valuation,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// NatsRequestHandler NATS 定价请求处理器
type NatsRequestHandler struct {
	svc     *Service
	sub     *nats.Subscriber
	subject string
	queue   string
}

// NewNatsRequestHandler 创建处理器
func NewNatsRequestHandler(svc *Service, sub *nats.Subscriber, subject, queue string) *NatsRequestHandler {
	if subject == "" {
		subject = SubjectPricingRequest
	}
	if queue == "" {
		queue = QueuePricer
	}
	return &NatsRequestHandler{svc: svc, sub: sub, subject: subject, queue: queue}
}

// Start 开始订阅
func (h *NatsRequestHandler) Start() error {
	logger.Get().Info("nats pricing handler started", "subject", h.subject, "queue", h.queue)
	return h.sub.ReplyQueue(h.subject, h.queue, h.respond)
}

// respond 解码请求并定价，任何错误都编码进应答
func (h *NatsRequestHandler) respond(ctx context.Context, _ string, data []byte) []byte {
	var reply Reply
	req, err := nats.UnmarshalJSON[Request](data)
	if err != nil {
		reply.Error = invalid("decode request: %v", err).Error()
	} else if v, err := h.svc.Price(ctx, *req); err != nil {
		reply.Error = err.Error()
	} else {
		reply.Valuation = v
	}

	out, err := json.Marshal(reply)
	if err != nil {
		logger.Error(ctx, "encode nats reply failed", "error", err)
		return []byte(`{"error":"internal error"}`)
	}
	return out
}
