// Package orchestration 实现生成请求编排引擎
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"artisan-gen-api/internal/config"
	"artisan-gen-api/internal/domain/entity"
	"artisan-gen-api/internal/domain/repository"
	"artisan-gen-api/internal/infrastructure/messaging"
	apperrors "artisan-gen-api/pkg/errors"
	"artisan-gen-api/pkg/logger"
	"artisan-gen-api/pkg/metrics"
)

var tracer = otel.Tracer("orchestration")

// maxCASRetries 乐观锁冲突后的最大重读次数。
// 冲突意味着并发写已先行提交，重读后多数操作会退化为幂等空操作。
const maxCASRetries = 3

// Orchestrator 生成请求编排器。
//
// 每个变更操作都是一个 saga 步骤：扣费 → 落库状态转换 → 投递任务。
// 扣费失败则后续不执行；落库失败先退款再上抛；投递失败转入失败终态并退款。
type Orchestrator struct {
	repo      repository.GenerationRequestRepository
	ledger    CreditLedger
	publisher JobPublisher
	notifier  Notifier
	cache     StatusCache

	pricing               config.PricingConfig
	callbackBase          string
	refundOnSystemFailure bool
}

// NewOrchestrator 创建编排器
func NewOrchestrator(
	repo repository.GenerationRequestRepository,
	ledger CreditLedger,
	publisher JobPublisher,
	notifier Notifier,
	cache StatusCache,
	cfg *config.Config,
) *Orchestrator {
	return &Orchestrator{
		repo:                  repo,
		ledger:                ledger,
		publisher:             publisher,
		notifier:              notifier,
		cache:                 cache,
		pricing:               cfg.Pricing,
		callbackBase:          strings.TrimRight(cfg.Callbacks.BaseURL, "/"),
		refundOnSystemFailure: cfg.Features.RefundOnSystemFailure,
	}
}

// InitiateInput 发起生成请求的输入
type InitiateInput struct {
	UserID        string
	ProjectID     string
	Prompt        string
	StyleGuidance string
	Parameters    entity.JSONMap
}

// Initiate 发起一次新的生成请求。
// 余额不足时留下失败终态记录并返回 ErrInsufficientCredits；
// 任务投递失败时自动退款并返回 ErrPublishFailure。
func (o *Orchestrator) Initiate(ctx context.Context, input *InitiateInput) (*entity.GenerationRequest, error) {
	ctx, span := tracer.Start(ctx, "orchestration.Initiate")
	defer span.End()

	if input.UserID == "" {
		return nil, apperrors.ErrInvalidParam.WithDetail("user_id is required")
	}
	if strings.TrimSpace(input.Prompt) == "" {
		return nil, apperrors.ErrInvalidParam.WithDetail("input_prompt is required")
	}

	req := entity.NewGenerationRequest(input.UserID, input.ProjectID, input.Prompt, input.StyleGuidance, input.Parameters)
	req.ID = uuid.NewString()

	ctx = logger.WithContext(ctx, logger.GenerationIDKey, req.ID)
	span.SetAttributes(attribute.String("generation.id", req.ID))
	log := logger.FromContext(ctx)

	o.transition(req, entity.TriggerInitiate)

	amount := o.pricing.SampleCredits
	if err := o.ledger.Deduct(ctx, req.UserID, req.ID, amount, ActionSampleGeneration); err != nil {
		span.RecordError(err)
		if apperrors.Is(err, apperrors.CodeInsufficientCredits) {
			// 余额不足也落一条终态记录，用户可据此看到失败原因
			o.transition(req, entity.TriggerCreditsRejected)
			req.SetFailure("insufficient credits for sample generation", nil, entity.FailedStageCreditValidation)
			if createErr := o.repo.Create(ctx, req); createErr != nil {
				log.Error("failed to persist rejected request", "error", createErr)
			}
			metrics.GenerationRequestsTotal.WithLabelValues("rejected").Inc()
			return nil, err
		}
		return nil, err
	}

	req.RecordDeduction(entity.StageSample, amount)
	o.transition(req, entity.TriggerCreditsReserved)

	if err := o.repo.Create(ctx, req); err != nil {
		// 扣费已生效但落库失败，先回滚扣费再上抛
		o.refund(ctx, req.UserID, req.ID, amount, "persist_failed")
		span.RecordError(err)
		return nil, fmt.Errorf("failed to persist generation request: %w", err)
	}

	job := o.buildJob(req, messaging.JobTypeSampleGeneration)
	if _, err := o.publisher.PublishGenerationJob(ctx, job); err != nil {
		span.RecordError(err)
		log.Error("failed to publish sample job", "error", err)

		o.transition(req, entity.TriggerPublishFailed)
		req.SetFailure("failed to publish generation job", entity.JSONMap{"error": err.Error()}, entity.FailedStageQueuePublish)
		refundAmount := req.LastDeductedAmount
		req.ConsumeDeduction()
		if updateErr := o.repo.Update(ctx, req); updateErr != nil {
			log.Error("failed to persist publish failure", "error", updateErr)
		}
		o.refund(ctx, req.UserID, req.ID, refundAmount, "publish_failed")
		o.invalidate(ctx, req.ID)
		metrics.GenerationRequestsTotal.WithLabelValues("publish_failed").Inc()
		return req, apperrors.ErrPublishFailure.WithError(err)
	}

	o.transition(req, entity.TriggerPublishAccepted)
	if err := o.repo.Update(ctx, req); err != nil {
		// 任务已投递，仅状态推进失败，请求会被对账任务兜底
		log.Error("failed to advance request after publish", "error", err)
	}
	o.invalidate(ctx, req.ID)
	metrics.GenerationRequestsTotal.WithLabelValues("accepted").Inc()

	log.Info("generation request initiated",
		"user_id", req.UserID,
		"project_id", req.ProjectID,
		"credits", amount,
	)
	return req, nil
}

// ProcessSampleCallback 处理采样结果回调。
// 回调至少一次投递，源状态不匹配的重复或乱序投递按幂等空操作吸收。
func (o *Orchestrator) ProcessSampleCallback(ctx context.Context, requestID string, samples []entity.AssetInfo) error {
	ctx, span := tracer.Start(ctx, "orchestration.ProcessSampleCallback",
		trace.WithAttributes(attribute.String("generation.id", requestID)))
	defer span.End()

	ctx = logger.WithContext(ctx, logger.GenerationIDKey, requestID)

	if len(samples) == 0 {
		metrics.CallbacksTotal.WithLabelValues("sample", "error").Inc()
		return apperrors.ErrInvalidParam.WithDetail("sample callback carries no samples")
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		req, err := o.repo.GetByID(ctx, requestID)
		if err != nil {
			return err
		}
		if req == nil {
			metrics.CallbacksTotal.WithLabelValues("sample", "error").Inc()
			return apperrors.ErrRequestNotFound
		}

		if !req.CanApply(entity.TriggerSamplesReady) {
			logger.FromContext(ctx).Info("sample callback ignored", "status", req.Status)
			metrics.CallbacksTotal.WithLabelValues("sample", "noop").Inc()
			return nil
		}

		req.StoreSamples(samples)
		o.transition(req, entity.TriggerSamplesReady)

		if err := o.repo.Update(ctx, req); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			metrics.CallbacksTotal.WithLabelValues("sample", "error").Inc()
			return err
		}

		o.invalidate(ctx, requestID)
		metrics.CallbacksTotal.WithLabelValues("sample", "applied").Inc()
		o.notify(ctx, req.UserID, req.ID, NotifyTypeSamplesReady, "样稿已生成", "请挑选一张样稿继续生成成品")
		return nil
	}
	return repository.ErrVersionConflict
}

// ProcessFinalCallback 处理最终结果回调
func (o *Orchestrator) ProcessFinalCallback(ctx context.Context, requestID string, finalAsset entity.AssetInfo) error {
	ctx, span := tracer.Start(ctx, "orchestration.ProcessFinalCallback",
		trace.WithAttributes(attribute.String("generation.id", requestID)))
	defer span.End()

	ctx = logger.WithContext(ctx, logger.GenerationIDKey, requestID)

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		req, err := o.repo.GetByID(ctx, requestID)
		if err != nil {
			return err
		}
		if req == nil {
			metrics.CallbacksTotal.WithLabelValues("final", "error").Inc()
			return apperrors.ErrRequestNotFound
		}

		if !req.CanApply(entity.TriggerFinalReady) {
			logger.FromContext(ctx).Info("final callback ignored", "status", req.Status)
			metrics.CallbacksTotal.WithLabelValues("final", "noop").Inc()
			return nil
		}

		req.SetFinalAsset(finalAsset)
		o.transition(req, entity.TriggerFinalReady)

		if err := o.repo.Update(ctx, req); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			metrics.CallbacksTotal.WithLabelValues("final", "error").Inc()
			return err
		}

		o.invalidate(ctx, requestID)
		metrics.CallbacksTotal.WithLabelValues("final", "applied").Inc()
		metrics.GenerationRequestsTotal.WithLabelValues("completed").Inc()
		o.notify(ctx, req.UserID, req.ID, NotifyTypeFinalReady, "成品已生成", "本次创作生成已完成")
		return nil
	}
	return repository.ErrVersionConflict
}

// HandleErrorCallback 处理执行引擎的错误回调。
// 内容审核拒绝转入 CONTENT_REJECTED 且不退款；系统性错误转入 FAILED，
// 并在策略开启时退还最近一次已扣未耗的信用点。已终态请求为空操作。
func (o *Orchestrator) HandleErrorCallback(ctx context.Context, requestID, errorCode, message string, details entity.JSONMap, failedStage string, isSystemError bool) error {
	ctx, span := tracer.Start(ctx, "orchestration.HandleErrorCallback",
		trace.WithAttributes(
			attribute.String("generation.id", requestID),
			attribute.String("callback.error_code", errorCode),
			attribute.Bool("callback.is_system_error", isSystemError),
		))
	defer span.End()

	ctx = logger.WithContext(ctx, logger.GenerationIDKey, requestID)
	log := logger.FromContext(ctx)

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		req, err := o.repo.GetByID(ctx, requestID)
		if err != nil {
			return err
		}
		if req == nil {
			metrics.CallbacksTotal.WithLabelValues("error", "error").Inc()
			return apperrors.ErrRequestNotFound
		}

		var trigger entity.Trigger
		switch {
		case errorCode == ErrorCodeContentPolicy && req.CanApply(entity.TriggerContentRejected):
			trigger = entity.TriggerContentRejected
		case req.CanApply(entity.TriggerSystemError):
			trigger = entity.TriggerSystemError
		default:
			log.Info("error callback ignored", "status", req.Status, "error_code", errorCode)
			metrics.CallbacksTotal.WithLabelValues("error", "noop").Inc()
			return nil
		}

		var refundAmount int64
		if trigger == entity.TriggerSystemError && isSystemError && o.refundOnSystemFailure {
			refundAmount = req.LastDeductedAmount
		}

		req.SetFailure(message, details, o.resolveFailedStage(failedStage, req.Status))
		req.ConsumeDeduction()
		o.transition(req, trigger)

		if err := o.repo.Update(ctx, req); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				continue
			}
			metrics.CallbacksTotal.WithLabelValues("error", "error").Inc()
			return err
		}

		o.invalidate(ctx, requestID)
		// 退款放在状态落库之后，重复回调不会触发二次退款
		o.refund(ctx, req.UserID, req.ID, refundAmount, "system_error")
		metrics.CallbacksTotal.WithLabelValues("error", "applied").Inc()

		if trigger == entity.TriggerContentRejected {
			metrics.GenerationRequestsTotal.WithLabelValues("content_rejected").Inc()
			o.notify(ctx, req.UserID, req.ID, NotifyTypeContentRejected, "内容未通过审核", message)
		} else {
			metrics.GenerationRequestsTotal.WithLabelValues("failed").Inc()
			o.notify(ctx, req.UserID, req.ID, NotifyTypeGenerationFailed, "生成失败", message)
		}
		return nil
	}
	return repository.ErrVersionConflict
}

// SelectSampleAndInitiateFinal 选定样稿并发起最终生成
func (o *Orchestrator) SelectSampleAndInitiateFinal(ctx context.Context, requestID, userID, sampleID, desiredResolution string) (*entity.GenerationRequest, error) {
	ctx, span := tracer.Start(ctx, "orchestration.SelectSampleAndInitiateFinal",
		trace.WithAttributes(
			attribute.String("generation.id", requestID),
			attribute.String("generation.sample_id", sampleID),
		))
	defer span.End()

	ctx = logger.WithContext(ctx, logger.GenerationIDKey, requestID)

	req, err := o.loadOwned(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	if !req.CanApply(entity.TriggerSampleSelected) {
		return nil, apperrors.ErrInvalidState.WithDetail(fmt.Sprintf("current status: %s", req.Status))
	}
	if _, ok := req.FindSample(sampleID); !ok {
		return nil, apperrors.ErrSampleNotFound
	}

	amount := o.pricing.FinalCreditsFor(desiredResolution)
	if err := o.ledger.Deduct(ctx, req.UserID, req.ID, amount, ActionFinalGeneration); err != nil {
		span.RecordError(err)
		return nil, err
	}

	apply := func(r *entity.GenerationRequest) error {
		if !r.CanApply(entity.TriggerSampleSelected) {
			return apperrors.ErrInvalidState.WithDetail(fmt.Sprintf("current status: %s", r.Status))
		}
		if _, ok := r.FindSample(sampleID); !ok {
			return apperrors.ErrSampleNotFound
		}
		r.SelectSample(sampleID)
		r.RecordDeduction(entity.StageFinal, amount)
		o.transition(r, entity.TriggerSampleSelected)
		return nil
	}
	req, err = o.mutateWithRefund(ctx, req, amount, apply)
	if err != nil {
		return nil, err
	}

	job := o.buildJob(req, messaging.JobTypeFinalGeneration)
	job.SourceSampleID = sampleID
	job.DesiredResolution = desiredResolution
	if _, err := o.publisher.PublishGenerationJob(ctx, job); err != nil {
		return nil, o.failAfterPublishError(ctx, req, err, entity.FailedStageQueuePublish)
	}

	o.invalidate(ctx, req.ID)
	return req, nil
}

// TriggerSampleRegeneration 重新生成样稿。追加扣费，
// 新样稿到达后整体取代旧样稿。
func (o *Orchestrator) TriggerSampleRegeneration(ctx context.Context, requestID, userID, updatedPrompt, updatedStyle string) (*entity.GenerationRequest, error) {
	ctx, span := tracer.Start(ctx, "orchestration.TriggerSampleRegeneration",
		trace.WithAttributes(attribute.String("generation.id", requestID)))
	defer span.End()

	ctx = logger.WithContext(ctx, logger.GenerationIDKey, requestID)

	req, err := o.loadOwned(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	if !req.CanApply(entity.TriggerRegenerate) {
		return nil, apperrors.ErrInvalidState.WithDetail(fmt.Sprintf("current status: %s", req.Status))
	}

	amount := o.pricing.RegenerationCreditsOrDefault()
	if err := o.ledger.Deduct(ctx, req.UserID, req.ID, amount, ActionSampleRegeneration); err != nil {
		span.RecordError(err)
		return nil, err
	}

	apply := func(r *entity.GenerationRequest) error {
		if !r.CanApply(entity.TriggerRegenerate) {
			return apperrors.ErrInvalidState.WithDetail(fmt.Sprintf("current status: %s", r.Status))
		}
		if updatedPrompt != "" {
			r.InputPrompt = updatedPrompt
		}
		if updatedStyle != "" {
			r.StyleGuidance = updatedStyle
		}
		r.RecordDeduction(entity.StageSample, amount)
		o.transition(r, entity.TriggerRegenerate)
		return nil
	}
	req, err = o.mutateWithRefund(ctx, req, amount, apply)
	if err != nil {
		return nil, err
	}

	job := o.buildJob(req, messaging.JobTypeSampleRegeneration)
	if _, err := o.publisher.PublishGenerationJob(ctx, job); err != nil {
		return nil, o.failAfterPublishError(ctx, req, err, entity.FailedStageQueuePublish)
	}

	o.invalidate(ctx, req.ID)
	return req, nil
}

// GetStatus 查询生成请求当前状态。userID 非空时校验归属，
// 非本人请求按不存在处理。
func (o *Orchestrator) GetStatus(ctx context.Context, requestID, userID string) (*entity.GenerationRequest, error) {
	ctx, span := tracer.Start(ctx, "orchestration.GetStatus",
		trace.WithAttributes(attribute.String("generation.id", requestID)))
	defer span.End()

	loader := func() (*entity.GenerationRequest, error) {
		return o.repo.GetByID(ctx, requestID)
	}

	var req *entity.GenerationRequest
	var err error
	if o.cache != nil {
		req, err = o.cache.GetOrLoad(ctx, requestID, loader)
	} else {
		req, err = loader()
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if req == nil {
		return nil, apperrors.ErrRequestNotFound
	}
	if userID != "" && req.UserID != userID {
		return nil, apperrors.ErrRequestNotFound
	}
	return req, nil
}

// ListRequests 查询用户的生成请求列表
func (o *Orchestrator) ListRequests(ctx context.Context, userID string, filter *repository.RequestFilter, pagination repository.Pagination) (*repository.PagedResult[*entity.GenerationRequest], error) {
	ctx, span := tracer.Start(ctx, "orchestration.ListRequests")
	defer span.End()

	return o.repo.ListByUser(ctx, userID, filter, pagination)
}

// loadOwned 加载请求并校验归属
func (o *Orchestrator) loadOwned(ctx context.Context, requestID, userID string) (*entity.GenerationRequest, error) {
	req, err := o.repo.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, apperrors.ErrRequestNotFound
	}
	if userID != "" && req.UserID != userID {
		return nil, apperrors.ErrRequestNotFound
	}
	return req, nil
}

// mutateWithRefund 在已扣费的前提下落库变更。
// 乐观锁冲突时重读并重新评估；最终无法落库时回滚扣费。
func (o *Orchestrator) mutateWithRefund(ctx context.Context, req *entity.GenerationRequest, amount int64, apply func(*entity.GenerationRequest) error) (*entity.GenerationRequest, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		if err := apply(req); err != nil {
			o.refund(ctx, req.UserID, req.ID, amount, "state_conflict")
			return nil, err
		}

		err := o.repo.Update(ctx, req)
		if err == nil {
			return req, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			o.refund(ctx, req.UserID, req.ID, amount, "persist_failed")
			return nil, err
		}

		// 并发写抢先提交，重读当前状态重新评估
		fresh, getErr := o.repo.GetByID(ctx, req.ID)
		if getErr != nil {
			o.refund(ctx, req.UserID, req.ID, amount, "persist_failed")
			return nil, getErr
		}
		if fresh == nil {
			o.refund(ctx, req.UserID, req.ID, amount, "request_missing")
			return nil, apperrors.ErrRequestNotFound
		}
		req = fresh
	}

	o.refund(ctx, req.UserID, req.ID, amount, "version_conflict")
	return nil, repository.ErrVersionConflict
}

// failAfterPublishError 落库成功但任务投递失败的补偿路径：
// 转入失败终态并退还本次扣费。
func (o *Orchestrator) failAfterPublishError(ctx context.Context, req *entity.GenerationRequest, publishErr error, failedStage string) error {
	log := logger.FromContext(ctx)
	log.Error("failed to publish generation job", "error", publishErr, "status", req.Status)

	refundAmount := req.LastDeductedAmount
	req.SetFailure("failed to publish generation job", entity.JSONMap{"error": publishErr.Error()}, failedStage)
	req.ConsumeDeduction()
	o.transition(req, entity.TriggerSystemError)

	if err := o.repo.Update(ctx, req); err != nil {
		log.Error("failed to persist publish failure", "error", err)
	}
	o.refund(ctx, req.UserID, req.ID, refundAmount, "publish_failed")
	o.invalidate(ctx, req.ID)
	metrics.GenerationRequestsTotal.WithLabelValues("publish_failed").Inc()

	return apperrors.ErrPublishFailure.WithError(publishErr)
}

// transition 推进状态机并记录指标
func (o *Orchestrator) transition(req *entity.GenerationRequest, trigger entity.Trigger) bool {
	from := req.Status
	if !req.Apply(trigger) {
		return false
	}
	metrics.StateTransitionsTotal.WithLabelValues(string(from), string(req.Status)).Inc()
	return true
}

// refund 尽力而为的退款。失败只记录告警与指标，
// 由带外对账流程补偿，绝不打断调用方的处理路径。
func (o *Orchestrator) refund(ctx context.Context, userID, requestID string, amount int64, reason string) {
	if amount <= 0 {
		return
	}
	if err := o.ledger.Refund(ctx, userID, requestID, amount, reason); err != nil {
		metrics.RefundFailuresTotal.Inc()
		logger.FromContext(ctx).Error("refund failed, left for reconciliation",
			"error", err,
			"user_id", userID,
			"amount", amount,
			"reason", reason,
		)
	}
}

// notify 异步投递用户通知，不阻塞也不影响触发它的操作
func (o *Orchestrator) notify(ctx context.Context, userID, requestID, notifyType, title, body string) {
	if o.notifier == nil {
		return
	}
	go o.notifier.Notify(context.WithoutCancel(ctx), userID, requestID, notifyType, title, body)
}

// invalidate 状态变更落库后使读缓存失效
func (o *Orchestrator) invalidate(ctx context.Context, requestID string) {
	if o.cache == nil {
		return
	}
	if err := o.cache.Invalidate(ctx, requestID); err != nil {
		logger.FromContext(ctx).Warn("failed to invalidate status cache", "error", err)
	}
}

// resolveFailedStage 引擎未指明失败子阶段时按当前状态推断
func (o *Orchestrator) resolveFailedStage(failedStage string, status entity.RequestStatus) string {
	if failedStage != "" {
		return failedStage
	}
	switch status {
	case entity.StatusProcessingSamples:
		return entity.FailedStageSampleGeneration
	case entity.StatusProcessingFinal:
		return entity.FailedStageFinalGeneration
	default:
		return ""
	}
}

// buildJob 构建投递给执行引擎的任务描述
func (o *Orchestrator) buildJob(req *entity.GenerationRequest, jobType string) *messaging.GenerationJobMessage {
	return &messaging.GenerationJobMessage{
		RequestID:         req.ID,
		JobType:           jobType,
		UserID:            req.UserID,
		ProjectID:         req.ProjectID,
		Prompt:            req.InputPrompt,
		StyleGuidance:     req.StyleGuidance,
		Parameters:        map[string]interface{}(req.InputParameters),
		SampleCallbackURL: o.callbackURL(req.ID, "samples"),
		FinalCallbackURL:  o.callbackURL(req.ID, "final"),
		ErrorCallbackURL:  o.callbackURL(req.ID, "error"),
	}
}

// callbackURL 拼接回调地址
func (o *Orchestrator) callbackURL(requestID, kind string) string {
	return fmt.Sprintf("%s/api/v1/callbacks/generations/%s/%s", o.callbackBase, requestID, kind)
}
