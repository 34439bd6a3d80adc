// Package dto 提供 HTTP 层数据传输对象
package dto

import (
	"time"

	"artisan-gen-api/internal/domain/entity"
)

// InitiateGenerationRequest 发起生成请求
type InitiateGenerationRequest struct {
	ProjectID     string                 `json:"project_id"`
	Prompt        string                 `json:"prompt" binding:"required"`
	StyleGuidance string                 `json:"style_guidance"`
	Parameters    map[string]interface{} `json:"parameters"`
}

// SelectSampleRequest 选定样稿请求
type SelectSampleRequest struct {
	SampleID          string `json:"sample_id" binding:"required"`
	DesiredResolution string `json:"desired_resolution"`
}

// RegenerateSamplesRequest 重新生成样稿请求
type RegenerateSamplesRequest struct {
	UpdatedPrompt string `json:"updated_prompt"`
	UpdatedStyle  string `json:"updated_style"`
}

// AssetResponse 资产描述
type AssetResponse struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Resolution string `json:"resolution,omitempty"`
	Format     string `json:"format,omitempty"`
}

// GenerationResponse 生成请求响应
type GenerationResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id,omitempty"`

	Prompt        string                 `json:"prompt"`
	StyleGuidance string                 `json:"style_guidance,omitempty"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`

	Status       string                 `json:"status"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	ErrorDetails map[string]interface{} `json:"error_details,omitempty"`
	FailedStage  string                 `json:"failed_stage,omitempty"`

	Samples          []AssetResponse `json:"samples,omitempty"`
	SelectedSampleID string          `json:"selected_sample_id,omitempty"`
	FinalAsset       *AssetResponse  `json:"final_asset,omitempty"`

	CreditsCostSample int64 `json:"credits_cost_sample"`
	CreditsCostFinal  int64 `json:"credits_cost_final"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToGenerationResponse 实体转响应
func ToGenerationResponse(req *entity.GenerationRequest) *GenerationResponse {
	resp := &GenerationResponse{
		ID:                req.ID,
		UserID:            req.UserID,
		ProjectID:         req.ProjectID,
		Prompt:            req.InputPrompt,
		StyleGuidance:     req.StyleGuidance,
		Parameters:        req.InputParameters,
		Status:            string(req.Status),
		ErrorMessage:      req.ErrorMessage,
		ErrorDetails:      req.ErrorDetails,
		FailedStage:       req.FailedStage,
		SelectedSampleID:  req.SelectedSampleID,
		CreditsCostSample: req.CreditsCostSample,
		CreditsCostFinal:  req.CreditsCostFinal,
		CreatedAt:         req.CreatedAt,
		UpdatedAt:         req.UpdatedAt,
	}

	for _, s := range req.SampleAssetInfos {
		resp.Samples = append(resp.Samples, toAssetResponse(s))
	}
	if req.FinalAssetInfo != nil {
		final := toAssetResponse(*req.FinalAssetInfo)
		resp.FinalAsset = &final
	}
	return resp
}

// ToGenerationResponses 实体列表转响应列表
func ToGenerationResponses(reqs []*entity.GenerationRequest) []*GenerationResponse {
	resps := make([]*GenerationResponse, 0, len(reqs))
	for _, req := range reqs {
		resps = append(resps, ToGenerationResponse(req))
	}
	return resps
}

func toAssetResponse(a entity.AssetInfo) AssetResponse {
	return AssetResponse{
		ID:         a.ID,
		URL:        a.URL,
		Resolution: a.Resolution,
		Format:     a.Format,
	}
}
