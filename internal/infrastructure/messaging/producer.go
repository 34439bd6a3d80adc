// Package messaging 提供基于 Redis Stream 的消息队列实现
package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"artisan-gen-api/pkg/metrics"
)

var tracer = otel.Tracer("messaging")

// 生成任务类型
const (
	JobTypeSampleGeneration   = "sample_generation"
	JobTypeSampleRegeneration = "sample_regeneration"
	JobTypeFinalGeneration    = "final_generation"
)

// GenerationJobMessage 投递给执行引擎的生成任务
type GenerationJobMessage struct {
	RequestID         string                 `json:"request_id"`
	JobType           string                 `json:"job_type"`
	UserID            string                 `json:"user_id"`
	ProjectID         string                 `json:"project_id"`
	Prompt            string                 `json:"prompt"`
	StyleGuidance     string                 `json:"style_guidance,omitempty"`
	Parameters        map[string]interface{} `json:"parameters,omitempty"`
	SourceSampleID    string                 `json:"source_sample_id,omitempty"`
	DesiredResolution string                 `json:"desired_resolution,omitempty"`
	// 引擎完成后按任务类型回调其中之一，失败时统一回调 ErrorCallbackURL
	SampleCallbackURL string `json:"sample_callback_url"`
	FinalCallbackURL  string `json:"final_callback_url"`
	ErrorCallbackURL  string `json:"error_callback_url"`
}

// NotificationMessage 用户通知消息
type NotificationMessage struct {
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
}

// Producer 消息生产者
type Producer struct {
	client *redis.Client
	maxLen int64
}

// NewProducer 创建消息生产者
func NewProducer(client *redis.Client, maxLen int64) *Producer {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &Producer{
		client: client,
		maxLen: maxLen,
	}
}

// Publish 发布消息到指定流
func (p *Producer) Publish(ctx context.Context, stream Stream, msg *Message) (string, error) {
	ctx, span := tracer.Start(ctx, "producer.Publish",
		trace.WithAttributes(
			attribute.String("stream", string(stream)),
			attribute.String("message.id", msg.ID),
			attribute.String("message.type", msg.Type),
		))
	defer span.End()

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: string(stream),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()

	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to publish message: %w", err)
	}

	span.SetAttributes(attribute.String("stream.message_id", result))
	return result, nil
}

// PublishGenerationJob 发布生成任务。引擎侧按 request_id 去重，
// 同一请求重复投递是安全的。
func (p *Producer) PublishGenerationJob(ctx context.Context, job *GenerationJobMessage) (string, error) {
	msg, err := NewMessage(job.RequestID, TypeGenerationJob, job.UserID, job.ProjectID, job)
	if err != nil {
		return "", err
	}
	msg.SetMetadata("job_type", job.JobType)

	id, err := p.Publish(ctx, StreamGenerationJobs, msg)
	if err != nil {
		metrics.JobPublishTotal.WithLabelValues(job.JobType, "error").Inc()
		return "", err
	}

	metrics.JobPublishTotal.WithLabelValues(job.JobType, "ok").Inc()
	return id, nil
}

// PublishNotification 发布用户通知
func (p *Producer) PublishNotification(ctx context.Context, notify *NotificationMessage) (string, error) {
	msg, err := NewMessage(notify.RequestID, TypeUserNotification, notify.UserID, "", notify)
	if err != nil {
		return "", err
	}
	msg.SetMetadata("notify_type", notify.Type)

	return p.Publish(ctx, StreamUserNotify, msg)
}
