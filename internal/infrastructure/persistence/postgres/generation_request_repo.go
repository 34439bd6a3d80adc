// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"artisan-gen-api/internal/domain/entity"
	"artisan-gen-api/internal/domain/repository"
)

// GenerationRequestRepository 生成请求仓储实现
type GenerationRequestRepository struct {
	client *Client
	txm    *TxManager
}

// NewGenerationRequestRepository 创建生成请求仓储
func NewGenerationRequestRepository(client *Client) *GenerationRequestRepository {
	return &GenerationRequestRepository{
		client: client,
		txm:    NewTxManager(client),
	}
}

// Create 创建生成请求
func (r *GenerationRequestRepository) Create(ctx context.Context, req *entity.GenerationRequest) error {
	ctx, span := tracer.Start(ctx, "postgres.GenerationRequestRepository.Create")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Create(req).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create generation request: %w", err)
	}
	return nil
}

// GetByID 根据 ID 获取生成请求
func (r *GenerationRequestRepository) GetByID(ctx context.Context, id string) (*entity.GenerationRequest, error) {
	ctx, span := tracer.Start(ctx, "postgres.GenerationRequestRepository.GetByID")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var req entity.GenerationRequest
	if err := db.First(&req, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get generation request: %w", err)
	}
	return &req, nil
}

// Update 带乐观锁的整行更新。WHERE 条件携带版本号，
// 没有命中行说明并发写已先行提交，返回 ErrVersionConflict。
func (r *GenerationRequestRepository) Update(ctx context.Context, req *entity.GenerationRequest) error {
	ctx, span := tracer.Start(ctx, "postgres.GenerationRequestRepository.Update")
	defer span.End()

	db := getDB(ctx, r.client.db)
	result := db.Model(&entity.GenerationRequest{}).
		Where("id = ? AND version = ?", req.ID, req.Version).
		Updates(map[string]interface{}{
			"status":               req.Status,
			"error_message":        req.ErrorMessage,
			"error_details":        req.ErrorDetails,
			"failed_stage":         req.FailedStage,
			"sample_asset_infos":   req.SampleAssetInfos,
			"selected_sample_id":   req.SelectedSampleID,
			"final_asset_info":     req.FinalAssetInfo,
			"credits_cost_sample":  req.CreditsCostSample,
			"credits_cost_final":   req.CreditsCostFinal,
			"last_deducted_amount": req.LastDeductedAmount,
			"last_deducted_stage":  req.LastDeductedStage,
			"updated_at":           req.UpdatedAt,
			"version":              req.Version + 1,
		})

	if result.Error != nil {
		span.RecordError(result.Error)
		return fmt.Errorf("failed to update generation request: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return repository.ErrVersionConflict
	}

	req.Version++
	return nil
}

// ListByUser 获取用户的生成请求列表。
// 计数与取页在同一事务内执行，分页元数据与页内容来自同一快照。
func (r *GenerationRequestRepository) ListByUser(ctx context.Context, userID string, filter *repository.RequestFilter, pagination repository.Pagination) (*repository.PagedResult[*entity.GenerationRequest], error) {
	ctx, span := tracer.Start(ctx, "postgres.GenerationRequestRepository.ListByUser")
	defer span.End()

	var total int64
	var reqs []*entity.GenerationRequest

	err := r.txm.WithTransaction(ctx, func(txCtx context.Context) error {
		query := getDB(txCtx, r.client.db).Model(&entity.GenerationRequest{}).Where("user_id = ?", userID)

		// 应用过滤条件
		if filter != nil {
			if filter.ProjectID != "" {
				query = query.Where("project_id = ?", filter.ProjectID)
			}
			if filter.Status != "" {
				query = query.Where("status = ?", filter.Status)
			}
		}

		if err := query.Count(&total).Error; err != nil {
			return fmt.Errorf("failed to count generation requests: %w", err)
		}

		if err := query.Order("created_at DESC").
			Offset(pagination.Offset()).
			Limit(pagination.Limit()).
			Find(&reqs).Error; err != nil {
			return fmt.Errorf("failed to list generation requests: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return repository.NewPagedResult(reqs, total, pagination), nil
}

// ListStuckInPublishing 获取停留在入队中状态超过时限的请求
func (r *GenerationRequestRepository) ListStuckInPublishing(ctx context.Context, olderThan time.Time, limit int) ([]*entity.GenerationRequest, error) {
	ctx, span := tracer.Start(ctx, "postgres.GenerationRequestRepository.ListStuckInPublishing")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var reqs []*entity.GenerationRequest

	if err := db.Where("status = ? AND updated_at < ?", entity.StatusPublishingToQueue, olderThan).
		Order("updated_at ASC").
		Limit(limit).
		Find(&reqs).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list stuck requests: %w", err)
	}

	return reqs, nil
}

// ListExpiredProcessing 获取停留在生成中状态超过时限的请求
func (r *GenerationRequestRepository) ListExpiredProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*entity.GenerationRequest, error) {
	ctx, span := tracer.Start(ctx, "postgres.GenerationRequestRepository.ListExpiredProcessing")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var reqs []*entity.GenerationRequest

	if err := db.Where("status IN ? AND updated_at < ?",
		[]entity.RequestStatus{entity.StatusProcessingSamples, entity.StatusProcessingFinal},
		olderThan).
		Order("updated_at ASC").
		Limit(limit).
		Find(&reqs).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list expired requests: %w", err)
	}

	return reqs, nil
}
