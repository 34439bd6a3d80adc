package orchestration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artisan-gen-api/internal/config"
	"artisan-gen-api/internal/domain/entity"
	"artisan-gen-api/internal/domain/repository"
	"artisan-gen-api/internal/infrastructure/messaging"
	apperrors "artisan-gen-api/pkg/errors"
)

// fakeRepo 内存仓储，与生产实现一样在 Update 时比对版本号
type fakeRepo struct {
	mu    sync.Mutex
	store map[string]*entity.GenerationRequest

	createErr error
	updateErr error
	// beforeUpdate 在版本比对前执行，用于模拟并发写抢先提交
	beforeUpdate func(stored *entity.GenerationRequest)
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{store: map[string]*entity.GenerationRequest{}}
}

func cloneRequest(req *entity.GenerationRequest) *entity.GenerationRequest {
	cp := *req
	cp.SampleAssetInfos = append(entity.AssetInfoList(nil), req.SampleAssetInfos...)
	if req.FinalAssetInfo != nil {
		asset := *req.FinalAssetInfo
		cp.FinalAssetInfo = &asset
	}
	return &cp
}

func (r *fakeRepo) Create(_ context.Context, req *entity.GenerationRequest) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store[req.ID] = cloneRequest(req)
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (*entity.GenerationRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.store[id]
	if !ok {
		return nil, nil
	}
	return cloneRequest(stored), nil
}

func (r *fakeRepo) Update(_ context.Context, req *entity.GenerationRequest) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.store[req.ID]
	if !ok {
		return repository.ErrVersionConflict
	}
	if r.beforeUpdate != nil {
		hook := r.beforeUpdate
		r.beforeUpdate = nil
		hook(stored)
	}
	if stored.Version != req.Version {
		return repository.ErrVersionConflict
	}
	cp := cloneRequest(req)
	cp.Version++
	r.store[req.ID] = cp
	req.Version++
	return nil
}

func (r *fakeRepo) ListByUser(_ context.Context, userID string, filter *repository.RequestFilter, pagination repository.Pagination) (*repository.PagedResult[*entity.GenerationRequest], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*entity.GenerationRequest
	for _, stored := range r.store {
		if stored.UserID != userID {
			continue
		}
		if filter != nil && filter.Status != "" && stored.Status != filter.Status {
			continue
		}
		items = append(items, cloneRequest(stored))
	}
	return repository.NewPagedResult(items, int64(len(items)), pagination), nil
}

func (r *fakeRepo) ListStuckInPublishing(_ context.Context, olderThan time.Time, limit int) ([]*entity.GenerationRequest, error) {
	return r.listByStatus(olderThan, limit, entity.StatusPublishingToQueue), nil
}

func (r *fakeRepo) ListExpiredProcessing(_ context.Context, olderThan time.Time, limit int) ([]*entity.GenerationRequest, error) {
	return r.listByStatus(olderThan, limit, entity.StatusProcessingSamples, entity.StatusProcessingFinal), nil
}

func (r *fakeRepo) listByStatus(olderThan time.Time, limit int, statuses ...entity.RequestStatus) []*entity.GenerationRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*entity.GenerationRequest
	for _, stored := range r.store {
		if len(items) >= limit {
			break
		}
		if !stored.UpdatedAt.Before(olderThan) {
			continue
		}
		for _, s := range statuses {
			if stored.Status == s {
				items = append(items, cloneRequest(stored))
				break
			}
		}
	}
	return items
}

type ledgerCall struct {
	userID      string
	referenceID string
	amount      int64
	action      string
}

// fakeLedger 记录扣费与退款调用
type fakeLedger struct {
	deducts []ledgerCall
	refunds []ledgerCall

	deductErr error
	refundErr error
}

func (l *fakeLedger) Deduct(_ context.Context, userID, referenceID string, amount int64, actionType string) error {
	if l.deductErr != nil {
		return l.deductErr
	}
	l.deducts = append(l.deducts, ledgerCall{userID, referenceID, amount, actionType})
	return nil
}

func (l *fakeLedger) Refund(_ context.Context, userID, referenceID string, amount int64, reason string) error {
	if l.refundErr != nil {
		return l.refundErr
	}
	l.refunds = append(l.refunds, ledgerCall{userID, referenceID, amount, reason})
	return nil
}

// fakePublisher 记录投递的任务
type fakePublisher struct {
	jobs       []*messaging.GenerationJobMessage
	publishErr error
}

func (p *fakePublisher) PublishGenerationJob(_ context.Context, job *messaging.GenerationJobMessage) (string, error) {
	if p.publishErr != nil {
		return "", p.publishErr
	}
	p.jobs = append(p.jobs, job)
	return "msg-1", nil
}

type testEnv struct {
	orch      *Orchestrator
	repo      *fakeRepo
	ledger    *fakeLedger
	publisher *fakePublisher
}

func newTestEnv() *testEnv {
	repo := newFakeRepo()
	ledger := &fakeLedger{}
	publisher := &fakePublisher{}
	cfg := &config.Config{
		Pricing: config.PricingConfig{
			SampleCredits: 2,
			FinalCredits:  5,
			FinalByResolution: map[string]int64{
				"2048x2048": 8,
			},
		},
		Callbacks: config.CallbacksConfig{BaseURL: "https://api.example.com/"},
		Features:  config.FeaturesConfig{RefundOnSystemFailure: true},
	}
	return &testEnv{
		orch:      NewOrchestrator(repo, ledger, publisher, nil, nil, cfg),
		repo:      repo,
		ledger:    ledger,
		publisher: publisher,
	}
}

func (e *testEnv) initiate(t *testing.T) *entity.GenerationRequest {
	t.Helper()
	req, err := e.orch.Initiate(context.Background(), &InitiateInput{
		UserID:    "user-1",
		ProjectID: "project-1",
		Prompt:    "a misty harbor at dawn",
	})
	require.NoError(t, err)
	return req
}

func (e *testEnv) initiateWithSamples(t *testing.T) *entity.GenerationRequest {
	t.Helper()
	req := e.initiate(t)
	samples := []entity.AssetInfo{
		{ID: "s1", URL: "https://cdn.example.com/s1.png"},
		{ID: "s2", URL: "https://cdn.example.com/s2.png"},
		{ID: "s3", URL: "https://cdn.example.com/s3.png"},
		{ID: "s4", URL: "https://cdn.example.com/s4.png"},
	}
	require.NoError(t, e.orch.ProcessSampleCallback(context.Background(), req.ID, samples))
	return e.mustGet(t, req.ID)
}

func (e *testEnv) mustGet(t *testing.T, id string) *entity.GenerationRequest {
	t.Helper()
	req, err := e.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, req)
	return req
}

func TestInitiateSuccess(t *testing.T) {
	env := newTestEnv()
	req := env.initiate(t)

	assert.Equal(t, entity.StatusProcessingSamples, req.Status)
	assert.Equal(t, int64(2), req.CreditsCostSample)

	require.Len(t, env.ledger.deducts, 1)
	assert.Equal(t, ledgerCall{"user-1", req.ID, 2, ActionSampleGeneration}, env.ledger.deducts[0])
	assert.Empty(t, env.ledger.refunds)

	require.Len(t, env.publisher.jobs, 1)
	job := env.publisher.jobs[0]
	assert.Equal(t, messaging.JobTypeSampleGeneration, job.JobType)
	assert.Equal(t, "https://api.example.com/api/v1/callbacks/generations/"+req.ID+"/samples", job.SampleCallbackURL)
	assert.Equal(t, "https://api.example.com/api/v1/callbacks/generations/"+req.ID+"/error", job.ErrorCallbackURL)

	stored := env.mustGet(t, req.ID)
	assert.Equal(t, entity.StatusProcessingSamples, stored.Status)
}

func TestInitiateValidation(t *testing.T) {
	env := newTestEnv()

	_, err := env.orch.Initiate(context.Background(), &InitiateInput{UserID: "user-1", Prompt: "   "})
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidParam))

	_, err = env.orch.Initiate(context.Background(), &InitiateInput{Prompt: "a prompt"})
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidParam))

	assert.Empty(t, env.ledger.deducts, "validation failures must not reach the ledger")
}

func TestInitiateInsufficientCredits(t *testing.T) {
	env := newTestEnv()
	env.ledger.deductErr = apperrors.ErrInsufficientCredits

	_, err := env.orch.Initiate(context.Background(), &InitiateInput{
		UserID: "user-1",
		Prompt: "a misty harbor at dawn",
	})
	require.True(t, apperrors.Is(err, apperrors.CodeInsufficientCredits))

	// 余额不足也留下失败终态记录
	var stored *entity.GenerationRequest
	for _, s := range env.repo.store {
		stored = s
	}
	require.NotNil(t, stored)
	assert.Equal(t, entity.StatusFailed, stored.Status)
	assert.Equal(t, entity.FailedStageCreditValidation, stored.FailedStage)
	assert.Empty(t, env.ledger.refunds)
	assert.Empty(t, env.publisher.jobs)
}

func TestInitiatePublishFailureRefunds(t *testing.T) {
	env := newTestEnv()
	env.publisher.publishErr = errors.New("stream unavailable")

	req, err := env.orch.Initiate(context.Background(), &InitiateInput{
		UserID: "user-1",
		Prompt: "a misty harbor at dawn",
	})
	require.True(t, apperrors.Is(err, apperrors.CodePublishFailure))
	require.NotNil(t, req)

	stored := env.mustGet(t, req.ID)
	assert.Equal(t, entity.StatusFailed, stored.Status)
	assert.Equal(t, entity.FailedStageQueuePublish, stored.FailedStage)
	assert.Zero(t, stored.LastDeductedAmount)

	// 恰好一笔等额退款
	require.Len(t, env.ledger.refunds, 1)
	assert.Equal(t, ledgerCall{"user-1", req.ID, 2, "publish_failed"}, env.ledger.refunds[0])
}

func TestInitiatePersistFailureRefunds(t *testing.T) {
	env := newTestEnv()
	env.repo.createErr = errors.New("database unavailable")

	_, err := env.orch.Initiate(context.Background(), &InitiateInput{
		UserID: "user-1",
		Prompt: "a misty harbor at dawn",
	})
	require.Error(t, err)

	// 扣费已生效但落库失败：恰好一笔等额退款，任务不得投递
	require.Len(t, env.ledger.deducts, 1)
	require.Len(t, env.ledger.refunds, 1)
	assert.Equal(t, ledgerCall{"user-1", env.ledger.deducts[0].referenceID, 2, "persist_failed"}, env.ledger.refunds[0])
	assert.Empty(t, env.publisher.jobs)
	assert.Empty(t, env.repo.store)
}

func TestSelectSamplePersistFailureRefunds(t *testing.T) {
	env := newTestEnv()
	req := env.initiateWithSamples(t)
	env.repo.updateErr = errors.New("database unavailable")

	_, err := env.orch.SelectSampleAndInitiateFinal(context.Background(), req.ID, "user-1", "s2", "")
	require.Error(t, err)
	assert.False(t, apperrors.Is(err, apperrors.CodeInvalidState))

	// 非冲突类落库失败回滚本次扣费，不重试也不投递
	require.Len(t, env.ledger.refunds, 1)
	assert.Equal(t, ledgerCall{"user-1", req.ID, 5, "persist_failed"}, env.ledger.refunds[0])
	assert.Len(t, env.publisher.jobs, 1, "no final job after failed persist")

	env.repo.updateErr = nil
	stored := env.mustGet(t, req.ID)
	assert.Equal(t, entity.StatusAwaitingSelection, stored.Status)
	assert.Empty(t, stored.SelectedSampleID)
}

func TestSampleCallbackAppliesOnce(t *testing.T) {
	env := newTestEnv()
	req := env.initiate(t)

	samples := []entity.AssetInfo{
		{ID: "s1", URL: "https://cdn.example.com/s1.png"},
		{ID: "s2", URL: "https://cdn.example.com/s2.png"},
	}
	require.NoError(t, env.orch.ProcessSampleCallback(context.Background(), req.ID, samples))

	stored := env.mustGet(t, req.ID)
	assert.Equal(t, entity.StatusAwaitingSelection, stored.Status)
	assert.Len(t, stored.SampleAssetInfos, 2)
	assert.Zero(t, stored.LastDeductedAmount)
	version := stored.Version

	// 重复投递吸收为空操作
	require.NoError(t, env.orch.ProcessSampleCallback(context.Background(), req.ID, samples))
	stored = env.mustGet(t, req.ID)
	assert.Equal(t, version, stored.Version, "duplicate callback must not write")
}

func TestSampleCallbackValidation(t *testing.T) {
	env := newTestEnv()
	req := env.initiate(t)

	err := env.orch.ProcessSampleCallback(context.Background(), req.ID, nil)
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidParam))

	err = env.orch.ProcessSampleCallback(context.Background(), "missing", []entity.AssetInfo{{ID: "s1"}})
	assert.True(t, apperrors.Is(err, apperrors.CodeRequestNotFound))
}

func TestFinalCallbackBeforeSamplesIsNoOp(t *testing.T) {
	env := newTestEnv()
	req := env.initiate(t)

	// 乱序：样稿尚未就绪就收到成品回调
	err := env.orch.ProcessFinalCallback(context.Background(), req.ID, entity.AssetInfo{ID: "f1", URL: "https://cdn.example.com/f1.png"})
	require.NoError(t, err)

	stored := env.mustGet(t, req.ID)
	assert.Equal(t, entity.StatusProcessingSamples, stored.Status)
	assert.Nil(t, stored.FinalAssetInfo)
}

func TestSelectSampleAndInitiateFinal(t *testing.T) {
	env := newTestEnv()
	req := env.initiateWithSamples(t)

	got, err := env.orch.SelectSampleAndInitiateFinal(context.Background(), req.ID, "user-1", "s2", "")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusProcessingFinal, got.Status)
	assert.Equal(t, "s2", got.SelectedSampleID)
	assert.Equal(t, int64(5), got.CreditsCostFinal)

	require.Len(t, env.ledger.deducts, 2)
	assert.Equal(t, ledgerCall{"user-1", req.ID, 5, ActionFinalGeneration}, env.ledger.deducts[1])

	require.Len(t, env.publisher.jobs, 2)
	job := env.publisher.jobs[1]
	assert.Equal(t, messaging.JobTypeFinalGeneration, job.JobType)
	assert.Equal(t, "s2", job.SourceSampleID)
}

func TestSelectSamplePricedByResolution(t *testing.T) {
	env := newTestEnv()
	req := env.initiateWithSamples(t)

	got, err := env.orch.SelectSampleAndInitiateFinal(context.Background(), req.ID, "user-1", "s1", "2048x2048")
	require.NoError(t, err)
	assert.Equal(t, int64(8), got.CreditsCostFinal)
	assert.Equal(t, "2048x2048", env.publisher.jobs[1].DesiredResolution)
}

func TestSelectSampleRejections(t *testing.T) {
	env := newTestEnv()
	req := env.initiateWithSamples(t)
	deducts := len(env.ledger.deducts)

	// 未知样稿：拒绝且不触达账本
	_, err := env.orch.SelectSampleAndInitiateFinal(context.Background(), req.ID, "user-1", "nope", "")
	assert.True(t, apperrors.Is(err, apperrors.CodeSampleNotFound))
	assert.Len(t, env.ledger.deducts, deducts)

	// 非本人请求按不存在处理
	_, err = env.orch.SelectSampleAndInitiateFinal(context.Background(), req.ID, "user-2", "s2", "")
	assert.True(t, apperrors.Is(err, apperrors.CodeRequestNotFound))

	// 状态不允许选择
	fresh := env.initiate(t)
	_, err = env.orch.SelectSampleAndInitiateFinal(context.Background(), fresh.ID, "user-1", "s1", "")
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidState))
}

func TestSelectSampleConcurrentConflictRefunds(t *testing.T) {
	env := newTestEnv()
	req := env.initiateWithSamples(t)

	// 版本比对前并发写抢先把请求推进到最终生成中
	env.repo.beforeUpdate = func(stored *entity.GenerationRequest) {
		stored.Status = entity.StatusProcessingFinal
		stored.SelectedSampleID = "s1"
		stored.Version++
	}

	_, err := env.orch.SelectSampleAndInitiateFinal(context.Background(), req.ID, "user-1", "s2", "")
	require.True(t, apperrors.Is(err, apperrors.CodeInvalidState))

	// 重读后操作不再有效，已扣的 5 点必须退回
	require.Len(t, env.ledger.refunds, 1)
	assert.Equal(t, ledgerCall{"user-1", req.ID, 5, "state_conflict"}, env.ledger.refunds[0])
	assert.Len(t, env.publisher.jobs, 1, "no final job after losing the race")
}

func TestRegenerationSupersedesSamples(t *testing.T) {
	env := newTestEnv()
	req := env.initiateWithSamples(t)

	got, err := env.orch.TriggerSampleRegeneration(context.Background(), req.ID, "user-1", "a stormy harbor at dusk", "")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusProcessingSamples, got.Status)
	assert.Equal(t, "a stormy harbor at dusk", got.InputPrompt)
	assert.Equal(t, int64(4), got.CreditsCostSample, "regeneration charges on top of the first batch")

	require.Len(t, env.publisher.jobs, 2)
	assert.Equal(t, messaging.JobTypeSampleRegeneration, env.publisher.jobs[1].JobType)

	// 新一批样稿整体取代旧样稿
	newBatch := []entity.AssetInfo{{ID: "s9", URL: "https://cdn.example.com/s9.png"}}
	require.NoError(t, env.orch.ProcessSampleCallback(context.Background(), req.ID, newBatch))

	stored := env.mustGet(t, req.ID)
	assert.Equal(t, entity.StatusAwaitingSelection, stored.Status)
	require.Len(t, stored.SampleAssetInfos, 1)
	assert.Equal(t, "s9", stored.SampleAssetInfos[0].ID)
	assert.Empty(t, stored.SelectedSampleID)
}

func TestErrorCallbackSystemErrorRefundsOnce(t *testing.T) {
	env := newTestEnv()
	req := env.initiateWithSamples(t)
	_, err := env.orch.SelectSampleAndInitiateFinal(context.Background(), req.ID, "user-1", "s2", "")
	require.NoError(t, err)

	err = env.orch.HandleErrorCallback(context.Background(), req.ID, "engine_crash", "render node lost", nil, "", true)
	require.NoError(t, err)

	stored := env.mustGet(t, req.ID)
	assert.Equal(t, entity.StatusFailed, stored.Status)
	assert.Equal(t, entity.FailedStageFinalGeneration, stored.FailedStage)
	assert.Equal(t, "render node lost", stored.ErrorMessage)

	// 退最近一次未消耗的扣费：最终生成的 5 点，采样的 2 点已被样稿消耗
	require.Len(t, env.ledger.refunds, 1)
	assert.Equal(t, int64(5), env.ledger.refunds[0].amount)

	// 重复错误回调为空操作，不产生第二笔退款
	require.NoError(t, env.orch.HandleErrorCallback(context.Background(), req.ID, "engine_crash", "render node lost", nil, "", true))
	assert.Len(t, env.ledger.refunds, 1)
}

func TestErrorCallbackContentRejected(t *testing.T) {
	env := newTestEnv()
	req := env.initiate(t)

	err := env.orch.HandleErrorCallback(context.Background(), req.ID, ErrorCodeContentPolicy, "prompt violates content policy", nil, "", false)
	require.NoError(t, err)

	stored := env.mustGet(t, req.ID)
	assert.Equal(t, entity.StatusContentRejected, stored.Status)
	assert.Empty(t, env.ledger.refunds, "content rejection never refunds")
}

func TestErrorCallbackIgnoredWhileAwaitingSelection(t *testing.T) {
	env := newTestEnv()
	req := env.initiateWithSamples(t)

	// 等待选择阶段没有运行中的生成任务，错误回调没有意义
	err := env.orch.HandleErrorCallback(context.Background(), req.ID, "engine_crash", "stale callback", nil, "", true)
	require.NoError(t, err)

	stored := env.mustGet(t, req.ID)
	assert.Equal(t, entity.StatusAwaitingSelection, stored.Status)
	assert.Empty(t, env.ledger.refunds)
}

func TestErrorCallbackRefundDisabledByPolicy(t *testing.T) {
	env := newTestEnv()
	env.orch.refundOnSystemFailure = false
	req := env.initiate(t)

	require.NoError(t, env.orch.HandleErrorCallback(context.Background(), req.ID, "engine_crash", "render node lost", nil, "", true))

	stored := env.mustGet(t, req.ID)
	assert.Equal(t, entity.StatusFailed, stored.Status)
	assert.Empty(t, env.ledger.refunds)
}

func TestGetStatusOwnership(t *testing.T) {
	env := newTestEnv()
	req := env.initiate(t)

	got, err := env.orch.GetStatus(context.Background(), req.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)

	_, err = env.orch.GetStatus(context.Background(), req.ID, "user-2")
	assert.True(t, apperrors.Is(err, apperrors.CodeRequestNotFound))

	_, err = env.orch.GetStatus(context.Background(), "missing", "user-1")
	assert.True(t, apperrors.Is(err, apperrors.CodeRequestNotFound))
}

// 完整闭环：2 点采样 → 4 张样稿 → 选中 s2 → 5 点成品 →
// 系统性失败 → 退 5 点进入失败终态 → 重复回调空操作
func TestFullLifecycleWithSystemFailure(t *testing.T) {
	env := newTestEnv()
	req := env.initiateWithSamples(t)
	require.Len(t, req.SampleAssetInfos, 4)

	_, err := env.orch.SelectSampleAndInitiateFinal(context.Background(), req.ID, "user-1", "s2", "")
	require.NoError(t, err)

	require.NoError(t, env.orch.HandleErrorCallback(context.Background(), req.ID, "engine_crash", "render node lost", nil, "", true))

	stored := env.mustGet(t, req.ID)
	assert.Equal(t, entity.StatusFailed, stored.Status)
	assert.Equal(t, int64(2), stored.CreditsCostSample)
	assert.Equal(t, int64(5), stored.CreditsCostFinal)

	var deducted, refunded int64
	for _, c := range env.ledger.deducts {
		deducted += c.amount
	}
	for _, c := range env.ledger.refunds {
		refunded += c.amount
	}
	assert.Equal(t, int64(7), deducted)
	assert.Equal(t, int64(5), refunded)

	require.NoError(t, env.orch.HandleErrorCallback(context.Background(), req.ID, "engine_crash", "render node lost", nil, "", true))
	assert.Equal(t, int64(5), func() int64 {
		var sum int64
		for _, c := range env.ledger.refunds {
			sum += c.amount
		}
		return sum
	}())
}
