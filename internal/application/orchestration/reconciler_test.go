package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artisan-gen-api/internal/config"
	"artisan-gen-api/internal/domain/entity"
)

func newTestReconciler(env *testEnv, cfg config.ReconcilerConfig) *Reconciler {
	return NewReconciler(env.orch, cfg)
}

func backdate(env *testEnv, id string, age time.Duration) {
	stored := env.repo.store[id]
	stored.UpdatedAt = time.Now().Add(-age)
}

func TestReconcilerDefaults(t *testing.T) {
	rec := NewReconciler(nil, config.ReconcilerConfig{})
	assert.Equal(t, time.Minute, rec.cfg.Interval)
	assert.Equal(t, 5*time.Minute, rec.cfg.StuckPublishWindow)
	assert.Equal(t, 2*time.Hour, rec.cfg.ProcessingTimeout)
	assert.Equal(t, 50, rec.cfg.BatchSize)
}

func TestSweepFailsStuckPublishing(t *testing.T) {
	env := newTestEnv()

	// saga 在落库与投递确认之间崩溃留下的请求
	req := entity.NewGenerationRequest("user-1", "project-1", "prompt", "", nil)
	req.ID = "stuck-1"
	req.Status = entity.StatusPublishingToQueue
	req.RecordDeduction(entity.StageSample, 2)
	require.NoError(t, env.repo.Create(context.Background(), req))
	backdate(env, req.ID, time.Hour)

	rec := newTestReconciler(env, config.ReconcilerConfig{StuckPublishWindow: 5 * time.Minute})
	rec.Sweep(context.Background())

	stored := env.mustGet(t, req.ID)
	assert.Equal(t, entity.StatusFailed, stored.Status)
	assert.Equal(t, entity.FailedStageQueuePublish, stored.FailedStage)
	assert.Zero(t, stored.LastDeductedAmount)

	require.Len(t, env.ledger.refunds, 1)
	assert.Equal(t, ledgerCall{"user-1", req.ID, 2, "stuck_publish"}, env.ledger.refunds[0])
}

func TestSweepIgnoresRecentPublishing(t *testing.T) {
	env := newTestEnv()

	req := entity.NewGenerationRequest("user-1", "project-1", "prompt", "", nil)
	req.ID = "fresh-1"
	req.Status = entity.StatusPublishingToQueue
	require.NoError(t, env.repo.Create(context.Background(), req))

	rec := newTestReconciler(env, config.ReconcilerConfig{StuckPublishWindow: 5 * time.Minute})
	rec.Sweep(context.Background())

	stored := env.mustGet(t, req.ID)
	assert.Equal(t, entity.StatusPublishingToQueue, stored.Status)
	assert.Empty(t, env.ledger.refunds)
}

func TestSweepFailsExpiredProcessing(t *testing.T) {
	env := newTestEnv()
	req := env.initiateWithSamples(t)
	_, err := env.orch.SelectSampleAndInitiateFinal(context.Background(), req.ID, "user-1", "s2", "")
	require.NoError(t, err)
	backdate(env, req.ID, 3*time.Hour)

	rec := newTestReconciler(env, config.ReconcilerConfig{ProcessingTimeout: 2 * time.Hour})
	rec.Sweep(context.Background())

	stored := env.mustGet(t, req.ID)
	assert.Equal(t, entity.StatusFailed, stored.Status)
	assert.Equal(t, entity.FailedStageFinalGeneration, stored.FailedStage)

	// 与系统性错误回调相同的退款路径：退未消耗的 5 点
	require.Len(t, env.ledger.refunds, 1)
	assert.Equal(t, int64(5), env.ledger.refunds[0].amount)

	// 下一轮扫描不会再命中已终态的请求
	rec.Sweep(context.Background())
	assert.Len(t, env.ledger.refunds, 1)
}
