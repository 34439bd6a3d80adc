// Package handler 提供 HTTP 请求处理器
package handler

import (
	"github.com/gin-gonic/gin"

	"artisan-gen-api/internal/application/orchestration"
	"artisan-gen-api/internal/domain/entity"
	"artisan-gen-api/internal/interfaces/http/dto"
	apperrors "artisan-gen-api/pkg/errors"
	"artisan-gen-api/pkg/logger"
)

// CallbackHandler 执行引擎回调处理器。
// 回调至少一次投递，重复与乱序由编排层按幂等吸收，
// 这里只负责绑定与错误映射。
type CallbackHandler struct {
	orch *orchestration.Orchestrator
}

// NewCallbackHandler 创建回调处理器
func NewCallbackHandler(orch *orchestration.Orchestrator) *CallbackHandler {
	return &CallbackHandler{orch: orch}
}

// SampleResult 采样结果回调
// @Summary 采样结果回调
// @Tags Callbacks
// @Accept json
// @Produce json
// @Param gid path string true "请求 ID"
// @Param request body dto.SampleCallbackRequest true "样稿列表"
// @Success 200 {object} dto.Response[gin.H]
// @Router /api/v1/callbacks/generations/{gid}/samples [post]
func (h *CallbackHandler) SampleResult(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.SampleCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid callback body")
		return
	}

	if err := h.orch.ProcessSampleCallback(ctx, c.Param("gid"), req.ToAssetInfos()); err != nil {
		if apperrors.IsAppError(err) {
			dto.FromAppError(c, err)
			return
		}
		logger.Error(ctx, "failed to process sample callback", err)
		dto.InternalError(c, "failed to process sample callback")
		return
	}

	dto.Success(c, gin.H{"accepted": true})
}

// FinalResult 最终结果回调
// @Summary 最终结果回调
// @Tags Callbacks
// @Accept json
// @Produce json
// @Param gid path string true "请求 ID"
// @Param request body dto.FinalCallbackRequest true "成品资产"
// @Success 200 {object} dto.Response[gin.H]
// @Router /api/v1/callbacks/generations/{gid}/final [post]
func (h *CallbackHandler) FinalResult(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.FinalCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid callback body")
		return
	}

	if err := h.orch.ProcessFinalCallback(ctx, c.Param("gid"), req.Asset.ToAssetInfo()); err != nil {
		if apperrors.IsAppError(err) {
			dto.FromAppError(c, err)
			return
		}
		logger.Error(ctx, "failed to process final callback", err)
		dto.InternalError(c, "failed to process final callback")
		return
	}

	dto.Success(c, gin.H{"accepted": true})
}

// Error 错误回调
// @Summary 错误回调
// @Tags Callbacks
// @Accept json
// @Produce json
// @Param gid path string true "请求 ID"
// @Param request body dto.ErrorCallbackRequest true "错误信息"
// @Success 200 {object} dto.Response[gin.H]
// @Router /api/v1/callbacks/generations/{gid}/error [post]
func (h *CallbackHandler) Error(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.ErrorCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid callback body")
		return
	}

	err := h.orch.HandleErrorCallback(ctx, c.Param("gid"),
		req.ErrorCode, req.Message, entity.JSONMap(req.Details), req.FailedStage, req.IsSystemError)
	if err != nil {
		if apperrors.IsAppError(err) {
			dto.FromAppError(c, err)
			return
		}
		logger.Error(ctx, "failed to process error callback", err)
		dto.InternalError(c, "failed to process error callback")
		return
	}

	dto.Success(c, gin.H{"accepted": true})
}
