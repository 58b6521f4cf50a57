// 文件: pkg/valuation/job_consumer.go
// Kafka 批量定价任务
//
// 上游把定价请求写入 option.valuation.requests，
// 每条消息定价一次，结果落库并通过事件发布器广播

package valuation

import (
	"context"
	"encoding/json"
	"fmt"

	"optpricer.com/pkg/kafka"
	"optpricer.com/pkg/logger"
)

// TopicValuationJobs 默认任务 topic
const TopicValuationJobs = "option.valuation.requests"

// Job 定价任务
type Job struct {
	JobID   string  `json:"job_id"`
	Request Request `json:"request"`
}

// JobConsumer Kafka 任务消费者
type JobConsumer struct {
	svc      *Service
	consumer *kafka.Consumer
}

// NewJobConsumer 创建任务消费者
func NewJobConsumer(svc *Service, cfg kafka.ConsumerConfig) (*JobConsumer, error) {
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{TopicValuationJobs}
	}
	c := &JobConsumer{svc: svc}
	consumer, err := kafka.NewConsumer(cfg, c.handle)
	if err != nil {
		return nil, err
	}
	c.consumer = consumer
	return c, nil
}

// Start 后台消费
func (c *JobConsumer) Start(ctx context.Context) {
	c.consumer.Start(ctx)
}

// Stop 停止消费
func (c *JobConsumer) Stop() error {
	return c.consumer.Stop()
}

// handle 处理单条任务；返回的错误只记日志，不重投
func (c *JobConsumer) handle(ctx context.Context, rec kafka.Record) error {
	var job Job
	if err := json.Unmarshal(rec.Value, &job); err != nil {
		return fmt.Errorf("decode job at offset %d: %w", rec.Offset, err)
	}
	v, err := c.svc.Price(ctx, job.Request)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.JobID, err)
	}
	logger.Info(ctx, "valuation job done", "job_id", job.JobID, "valuation_id", v.ID, "cached", v.Cached)
	return nil
}
