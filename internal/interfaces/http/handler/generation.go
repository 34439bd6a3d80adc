// Package handler 提供 HTTP 请求处理器
package handler

import (
	"github.com/gin-gonic/gin"

	"artisan-gen-api/internal/application/orchestration"
	"artisan-gen-api/internal/domain/entity"
	"artisan-gen-api/internal/domain/repository"
	"artisan-gen-api/internal/interfaces/http/dto"
	apperrors "artisan-gen-api/pkg/errors"
	"artisan-gen-api/pkg/logger"
)

// GenerationHandler 生成请求处理器
type GenerationHandler struct {
	orch *orchestration.Orchestrator
}

// NewGenerationHandler 创建生成请求处理器
func NewGenerationHandler(orch *orchestration.Orchestrator) *GenerationHandler {
	return &GenerationHandler{orch: orch}
}

// Initiate 发起生成请求
// @Summary 发起生成请求
// @Tags Generations
// @Accept json
// @Produce json
// @Param request body dto.InitiateGenerationRequest true "生成参数"
// @Success 201 {object} dto.Response[dto.GenerationResponse]
// @Failure 402 {object} dto.ErrorResponse "信用点不足"
// @Router /api/v1/generations [post]
func (h *GenerationHandler) Initiate(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.InitiateGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body")
		return
	}

	result, err := h.orch.Initiate(ctx, &orchestration.InitiateInput{
		UserID:        c.GetString("user_id"),
		ProjectID:     req.ProjectID,
		Prompt:        req.Prompt,
		StyleGuidance: req.StyleGuidance,
		Parameters:    entity.JSONMap(req.Parameters),
	})
	if err != nil {
		if apperrors.IsAppError(err) {
			dto.FromAppError(c, err)
			return
		}
		logger.Error(ctx, "failed to initiate generation", err)
		dto.InternalError(c, "failed to initiate generation")
		return
	}

	dto.Created(c, dto.ToGenerationResponse(result))
}

// GetStatus 查询生成请求状态
// @Summary 查询生成请求状态
// @Tags Generations
// @Produce json
// @Param gid path string true "请求 ID"
// @Success 200 {object} dto.Response[dto.GenerationResponse]
// @Failure 404 {object} dto.ErrorResponse
// @Router /api/v1/generations/{gid} [get]
func (h *GenerationHandler) GetStatus(c *gin.Context) {
	ctx := c.Request.Context()

	result, err := h.orch.GetStatus(ctx, c.Param("gid"), c.GetString("user_id"))
	if err != nil {
		if apperrors.IsAppError(err) {
			dto.FromAppError(c, err)
			return
		}
		logger.Error(ctx, "failed to get generation status", err)
		dto.InternalError(c, "failed to get generation status")
		return
	}

	dto.Success(c, dto.ToGenerationResponse(result))
}

// List 查询当前用户的生成请求列表
// @Summary 查询生成请求列表
// @Tags Generations
// @Produce json
// @Param project_id query string false "按项目过滤"
// @Param status query string false "按状态过滤"
// @Success 200 {object} dto.Response[[]dto.GenerationResponse]
// @Router /api/v1/generations [get]
func (h *GenerationHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	page := dto.BindPage(c)

	filter := &repository.RequestFilter{
		ProjectID: c.Query("project_id"),
		Status:    entity.RequestStatus(c.Query("status")),
	}

	result, err := h.orch.ListRequests(ctx, c.GetString("user_id"), filter,
		repository.NewPagination(page.Page, page.PageSize))
	if err != nil {
		logger.Error(ctx, "failed to list generation requests", err)
		dto.InternalError(c, "failed to list generation requests")
		return
	}

	dto.SuccessWithPage(c, dto.ToGenerationResponses(result.Items),
		dto.NewPageMeta(result.Page, result.PageSize, int(result.Total)))
}

// SelectSample 选定样稿并发起最终生成
// @Summary 选定样稿并发起最终生成
// @Tags Generations
// @Accept json
// @Produce json
// @Param gid path string true "请求 ID"
// @Param request body dto.SelectSampleRequest true "选定参数"
// @Success 200 {object} dto.Response[dto.GenerationResponse]
// @Failure 404 {object} dto.ErrorResponse "样稿不存在"
// @Failure 409 {object} dto.ErrorResponse "状态不允许"
// @Router /api/v1/generations/{gid}/select [post]
func (h *GenerationHandler) SelectSample(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.SelectSampleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body")
		return
	}

	result, err := h.orch.SelectSampleAndInitiateFinal(ctx,
		c.Param("gid"), c.GetString("user_id"), req.SampleID, req.DesiredResolution)
	if err != nil {
		if apperrors.IsAppError(err) {
			dto.FromAppError(c, err)
			return
		}
		logger.Error(ctx, "failed to select sample", err)
		dto.InternalError(c, "failed to select sample")
		return
	}

	dto.Success(c, dto.ToGenerationResponse(result))
}

// Regenerate 重新生成样稿
// @Summary 重新生成样稿
// @Tags Generations
// @Accept json
// @Produce json
// @Param gid path string true "请求 ID"
// @Param request body dto.RegenerateSamplesRequest true "更新参数"
// @Success 200 {object} dto.Response[dto.GenerationResponse]
// @Failure 409 {object} dto.ErrorResponse "状态不允许"
// @Router /api/v1/generations/{gid}/regenerate [post]
func (h *GenerationHandler) Regenerate(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.RegenerateSamplesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body")
		return
	}

	result, err := h.orch.TriggerSampleRegeneration(ctx,
		c.Param("gid"), c.GetString("user_id"), req.UpdatedPrompt, req.UpdatedStyle)
	if err != nil {
		if apperrors.IsAppError(err) {
			dto.FromAppError(c, err)
			return
		}
		logger.Error(ctx, "failed to regenerate samples", err)
		dto.InternalError(c, "failed to regenerate samples")
		return
	}

	dto.Success(c, dto.ToGenerationResponse(result))
}
