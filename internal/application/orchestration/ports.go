// Package orchestration 实现生成请求编排引擎
package orchestration

import (
	"context"

	"artisan-gen-api/internal/domain/entity"
	"artisan-gen-api/internal/infrastructure/messaging"
)

// 账本记账动作类型，与任务类型一一对应，
// 同时作为账本侧 (reference_id, action_type) 幂等键的一部分
const (
	ActionSampleGeneration   = "sample_generation"
	ActionSampleRegeneration = "sample_regeneration"
	ActionFinalGeneration    = "final_generation"
)

// ErrorCodeContentPolicy 执行引擎回报的内容审核拒绝错误码
const ErrorCodeContentPolicy = "content_policy_violation"

// 用户通知类型
const (
	NotifyTypeSamplesReady     = "samples_ready"
	NotifyTypeFinalReady       = "final_ready"
	NotifyTypeGenerationFailed = "generation_failed"
	NotifyTypeContentRejected  = "content_rejected"
)

// CreditLedger 信用点账本端口
type CreditLedger interface {
	// Deduct 扣减信用点，余额不足返回 ErrInsufficientCredits
	Deduct(ctx context.Context, userID, referenceID string, amount int64, actionType string) error
	// Refund 退还信用点，失败由调用方记录后交由对账处理
	Refund(ctx context.Context, userID, referenceID string, amount int64, reason string) error
}

// JobPublisher 生成任务发布端口
type JobPublisher interface {
	PublishGenerationJob(ctx context.Context, job *messaging.GenerationJobMessage) (string, error)
}

// Notifier 用户通知端口，尽力而为，不返回错误
type Notifier interface {
	Notify(ctx context.Context, userID, requestID, notifyType, title, body string)
}

// StatusCache 生成请求状态读缓存端口
type StatusCache interface {
	GetOrLoad(ctx context.Context, requestID string, loader func() (*entity.GenerationRequest, error)) (*entity.GenerationRequest, error)
	Invalidate(ctx context.Context, requestID string) error
}
