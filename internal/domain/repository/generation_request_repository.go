// Package repository 定义数据访问层接口
package repository

import (
	"context"
	"time"

	"artisan-gen-api/internal/domain/entity"
)

// RequestFilter 生成请求过滤条件
type RequestFilter struct {
	ProjectID string
	Status    entity.RequestStatus
}

// GenerationRequestRepository 生成请求仓储接口
type GenerationRequestRepository interface {
	// Create 创建生成请求
	Create(ctx context.Context, req *entity.GenerationRequest) error

	// GetByID 根据 ID 获取生成请求，不存在时返回 nil
	GetByID(ctx context.Context, id string) (*entity.GenerationRequest, error)

	// Update 带版本比对的更新。req.Version 与库中不一致时
	// 返回 ErrVersionConflict，成功后 req.Version 自增。
	Update(ctx context.Context, req *entity.GenerationRequest) error

	// ListByUser 获取用户的生成请求列表
	ListByUser(ctx context.Context, userID string, filter *RequestFilter, pagination Pagination) (*PagedResult[*entity.GenerationRequest], error)

	// ListStuckInPublishing 获取停留在入队中状态超过时限的请求（对账用）
	ListStuckInPublishing(ctx context.Context, olderThan time.Time, limit int) ([]*entity.GenerationRequest, error)

	// ListExpiredProcessing 获取停留在生成中状态超过时限的请求（对账用）
	ListExpiredProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*entity.GenerationRequest, error)
}
