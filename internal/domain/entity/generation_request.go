// Package entity 定义领域实体
package entity

import (
	"time"
)

// RequestStatus 生成请求状态
type RequestStatus string

const (
	StatusPending           RequestStatus = "pending"
	StatusValidatingCredits RequestStatus = "validating_credits"
	StatusPublishingToQueue RequestStatus = "publishing_to_queue"
	StatusProcessingSamples RequestStatus = "processing_samples"
	StatusAwaitingSelection RequestStatus = "awaiting_selection"
	StatusProcessingFinal   RequestStatus = "processing_final"
	StatusCompleted         RequestStatus = "completed"
	StatusFailed            RequestStatus = "failed"
	StatusContentRejected   RequestStatus = "content_rejected"
)

// IsTerminal 是否为终态
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusContentRejected:
		return true
	}
	return false
}

// Trigger 状态机触发器
type Trigger string

const (
	TriggerInitiate        Trigger = "initiate"
	TriggerCreditsReserved Trigger = "credits_reserved"
	TriggerCreditsRejected Trigger = "credits_rejected"
	TriggerPublishAccepted Trigger = "publish_accepted"
	TriggerPublishFailed   Trigger = "publish_failed"
	TriggerSamplesReady    Trigger = "samples_ready"
	TriggerSampleSelected  Trigger = "sample_selected"
	TriggerRegenerate      Trigger = "regenerate"
	TriggerFinalReady      Trigger = "final_ready"
	TriggerSystemError     Trigger = "system_error"
	TriggerContentRejected Trigger = "content_rejected"
)

// transitions 状态转换表。不在表内的 (状态, 触发器) 组合一律视为幂等空操作：
// 回调由执行引擎至少一次投递，重复与乱序都靠源状态检查吸收。
var transitions = map[RequestStatus]map[Trigger]RequestStatus{
	StatusPending: {
		TriggerInitiate: StatusValidatingCredits,
	},
	StatusValidatingCredits: {
		TriggerCreditsReserved: StatusPublishingToQueue,
		TriggerCreditsRejected: StatusFailed,
	},
	StatusPublishingToQueue: {
		TriggerPublishAccepted: StatusProcessingSamples,
		TriggerPublishFailed:   StatusFailed,
	},
	StatusProcessingSamples: {
		TriggerSamplesReady:    StatusAwaitingSelection,
		TriggerSystemError:     StatusFailed,
		TriggerContentRejected: StatusContentRejected,
	},
	StatusAwaitingSelection: {
		TriggerSampleSelected: StatusProcessingFinal,
		TriggerRegenerate:     StatusProcessingSamples,
	},
	StatusProcessingFinal: {
		TriggerFinalReady:  StatusCompleted,
		TriggerSystemError: StatusFailed,
	},
}

// NextStatus 查询状态转换表
func NextStatus(from RequestStatus, trigger Trigger) (RequestStatus, bool) {
	next, ok := transitions[from][trigger]
	return next, ok
}

// Stage 计费阶段
type Stage string

const (
	StageSample Stage = "sample"
	StageFinal  Stage = "final"
)

// 失败子阶段标识
const (
	FailedStageCreditValidation = "credit_validation"
	FailedStageQueuePublish     = "queue_publish"
	FailedStageSampleGeneration = "sample_generation"
	FailedStageFinalGeneration  = "final_generation"
)

// GenerationRequest 生成请求聚合根
//
// 一行对应一次创作生成尝试。所有变更都经过状态机转换表，
// version 列用于乐观并发控制，同一请求上的并发写最多只有一个成功。
type GenerationRequest struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`

	InputPrompt     string  `json:"input_prompt"`
	StyleGuidance   string  `json:"style_guidance,omitempty"`
	InputParameters JSONMap `json:"input_parameters,omitempty"`

	Status       RequestStatus `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorDetails JSONMap       `json:"error_details,omitempty"`
	FailedStage  string        `json:"failed_stage,omitempty"`

	SampleAssetInfos AssetInfoList `json:"sample_asset_infos,omitempty"`
	SelectedSampleID string        `json:"selected_sample_id,omitempty"`
	FinalAssetInfo   *AssetInfo    `json:"final_asset_info,omitempty" gorm:"serializer:json"`

	CreditsCostSample int64 `json:"credits_cost_sample"`
	CreditsCostFinal  int64 `json:"credits_cost_final"`

	// 最近一次已扣未耗的扣费，系统性失败时按此退款
	LastDeductedAmount int64  `json:"-"`
	LastDeductedStage  string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"-"`
}

// TableName 指定表名
func (GenerationRequest) TableName() string {
	return "generation_requests"
}

// NewGenerationRequest 创建新的生成请求
func NewGenerationRequest(userID, projectID, prompt, styleGuidance string, params JSONMap) *GenerationRequest {
	now := time.Now()
	return &GenerationRequest{
		UserID:          userID,
		ProjectID:       projectID,
		InputPrompt:     prompt,
		StyleGuidance:   styleGuidance,
		InputParameters: params,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
}

// IsTerminal 是否处于终态
func (r *GenerationRequest) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Apply 按状态机推进状态。组合不在转换表内（含终态上的任意触发器）
// 时不做任何变更并返回 false。
func (r *GenerationRequest) Apply(trigger Trigger) bool {
	next, ok := NextStatus(r.Status, trigger)
	if !ok {
		return false
	}
	r.Status = next
	r.UpdatedAt = time.Now()
	return true
}

// CanApply 检查当前状态下触发器是否有效
func (r *GenerationRequest) CanApply(trigger Trigger) bool {
	_, ok := NextStatus(r.Status, trigger)
	return ok
}

// RecordDeduction 登记一次成功的信用点扣减。
// 采样阶段累加（重新生成是追加扣费），最终阶段只写一次。
func (r *GenerationRequest) RecordDeduction(stage Stage, amount int64) {
	switch stage {
	case StageSample:
		r.CreditsCostSample += amount
	case StageFinal:
		if r.CreditsCostFinal == 0 {
			r.CreditsCostFinal = amount
		}
	}
	r.LastDeductedAmount = amount
	r.LastDeductedStage = string(stage)
	r.UpdatedAt = time.Now()
}

// ConsumeDeduction 标记最近一次扣费已被结果消耗，之后不再可退
func (r *GenerationRequest) ConsumeDeduction() {
	r.LastDeductedAmount = 0
	r.LastDeductedStage = ""
}

// StoreSamples 存储采样结果。重新生成会整体取代旧样稿，
// 旧样稿不再可选。
func (r *GenerationRequest) StoreSamples(samples []AssetInfo) {
	r.SampleAssetInfos = AssetInfoList(samples)
	r.SelectedSampleID = ""
	r.ConsumeDeduction()
	r.UpdatedAt = time.Now()
}

// FindSample 按 ID 查找样稿
func (r *GenerationRequest) FindSample(sampleID string) (AssetInfo, bool) {
	for _, s := range r.SampleAssetInfos {
		if s.ID == sampleID {
			return s, true
		}
	}
	return AssetInfo{}, false
}

// SelectSample 记录选中的样稿
func (r *GenerationRequest) SelectSample(sampleID string) {
	r.SelectedSampleID = sampleID
	r.UpdatedAt = time.Now()
}

// SetFinalAsset 存储最终产物，只允许写一次
func (r *GenerationRequest) SetFinalAsset(asset AssetInfo) {
	if r.FinalAssetInfo == nil {
		r.FinalAssetInfo = &asset
	}
	r.ConsumeDeduction()
	r.UpdatedAt = time.Now()
}

// SetFailure 登记失败信息，仅在进入终态失败时调用
func (r *GenerationRequest) SetFailure(message string, details JSONMap, failedStage string) {
	r.ErrorMessage = message
	r.ErrorDetails = details
	r.FailedStage = failedStage
	r.UpdatedAt = time.Now()
}
