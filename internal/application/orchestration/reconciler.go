// Package orchestration 实现生成请求编排引擎
package orchestration

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"artisan-gen-api/internal/config"
	"artisan-gen-api/internal/domain/entity"
	"artisan-gen-api/pkg/logger"
	"artisan-gen-api/pkg/metrics"
)

// Reconciler 对账任务。
//
// 两类异常请求需要兜底：停留在入队中状态超过窗口的请求
// （saga 在落库与投递之间崩溃），以及长时间收不到引擎回调的
// 生成中请求。两者都强制转入失败终态并退还未消耗的扣费。
type Reconciler struct {
	orch *Orchestrator
	cfg  config.ReconcilerConfig
}

// NewReconciler 创建对账任务
func NewReconciler(orch *Orchestrator, cfg config.ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StuckPublishWindow <= 0 {
		cfg.StuckPublishWindow = 5 * time.Minute
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 2 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Reconciler{orch: orch, cfg: cfg}
}

// Run 周期性执行对账，直到上下文取消
func (r *Reconciler) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	log.Info("reconciler started",
		"interval", r.cfg.Interval,
		"stuck_publish_window", r.cfg.StuckPublishWindow,
		"processing_timeout", r.cfg.ProcessingTimeout,
	)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("reconciler stopped")
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep 执行一轮对账扫描
func (r *Reconciler) Sweep(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "reconciler.Sweep")
	defer span.End()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.sweepStuckPublishing(ctx) })
	g.Go(func() error { return r.sweepExpiredProcessing(ctx) })

	// 单条失败已逐条记录，扫描级错误不中断下一轮
	if err := g.Wait(); err != nil {
		span.RecordError(err)
	}
}

// sweepStuckPublishing 处理停留在入队中状态超窗的请求
func (r *Reconciler) sweepStuckPublishing(ctx context.Context) error {
	olderThan := time.Now().Add(-r.cfg.StuckPublishWindow)
	reqs, err := r.orch.repo.ListStuckInPublishing(ctx, olderThan, r.cfg.BatchSize)
	if err != nil {
		logger.FromContext(ctx).Error("failed to list stuck requests", "error", err)
		return err
	}

	for _, req := range reqs {
		r.failStuckPublish(ctx, req)
	}
	return nil
}

// failStuckPublish 将卡住的请求强制转入失败终态并退款
func (r *Reconciler) failStuckPublish(ctx context.Context, req *entity.GenerationRequest) {
	ctx = logger.WithContext(ctx, logger.GenerationIDKey, req.ID)
	log := logger.FromContext(ctx)
	log.Warn("request stuck in publishing, forcing failure",
		"updated_at", req.UpdatedAt,
	)

	refundAmount := req.LastDeductedAmount
	req.SetFailure("publish step did not complete within the allowed window", nil, entity.FailedStageQueuePublish)
	req.ConsumeDeduction()
	if !r.orch.transition(req, entity.TriggerPublishFailed) {
		return
	}

	if err := r.orch.repo.Update(ctx, req); err != nil {
		// 版本冲突说明请求已被并发推进，留给下一轮重新评估
		log.Warn("failed to reconcile stuck request", "error", err)
		return
	}

	r.orch.refund(ctx, req.UserID, req.ID, refundAmount, "stuck_publish")
	r.orch.invalidate(ctx, req.ID)
	metrics.ReconciledRequestsTotal.WithLabelValues("stuck_publish").Inc()
}

// sweepExpiredProcessing 处理引擎回调超时的生成中请求，
// 走与系统性错误回调相同的失败与退款路径
func (r *Reconciler) sweepExpiredProcessing(ctx context.Context) error {
	olderThan := time.Now().Add(-r.cfg.ProcessingTimeout)
	reqs, err := r.orch.repo.ListExpiredProcessing(ctx, olderThan, r.cfg.BatchSize)
	if err != nil {
		logger.FromContext(ctx).Error("failed to list expired requests", "error", err)
		return err
	}

	for _, req := range reqs {
		err := r.orch.HandleErrorCallback(ctx, req.ID,
			"processing_timeout",
			"generation timed out waiting for engine callback",
			nil, "", true)
		if err != nil {
			logger.FromContext(ctx).Error("failed to reconcile expired request",
				"error", err,
				"generation_id", req.ID,
			)
			continue
		}
		metrics.ReconciledRequestsTotal.WithLabelValues("processing_timeout").Inc()
	}
	return nil
}
