// Package dto 提供 HTTP 层数据传输对象
package dto

import (
	"artisan-gen-api/internal/domain/entity"
)

// AssetPayload 回调中的资产描述
type AssetPayload struct {
	ID         string `json:"id" binding:"required"`
	URL        string `json:"url" binding:"required"`
	Resolution string `json:"resolution"`
	Format     string `json:"format"`
}

// ToAssetInfo 转领域资产
func (p AssetPayload) ToAssetInfo() entity.AssetInfo {
	return entity.AssetInfo{
		ID:         p.ID,
		URL:        p.URL,
		Resolution: p.Resolution,
		Format:     p.Format,
	}
}

// SampleCallbackRequest 采样结果回调
type SampleCallbackRequest struct {
	Samples []AssetPayload `json:"samples" binding:"required,min=1,dive"`
}

// ToAssetInfos 转领域资产列表
func (r *SampleCallbackRequest) ToAssetInfos() []entity.AssetInfo {
	assets := make([]entity.AssetInfo, 0, len(r.Samples))
	for _, s := range r.Samples {
		assets = append(assets, s.ToAssetInfo())
	}
	return assets
}

// FinalCallbackRequest 最终结果回调
type FinalCallbackRequest struct {
	Asset AssetPayload `json:"asset" binding:"required"`
}

// ErrorCallbackRequest 错误回调
type ErrorCallbackRequest struct {
	ErrorCode     string                 `json:"error_code"`
	Message       string                 `json:"message" binding:"required"`
	Details       map[string]interface{} `json:"details"`
	FailedStage   string                 `json:"failed_stage"`
	IsSystemError bool                   `json:"is_system_error"`
}
