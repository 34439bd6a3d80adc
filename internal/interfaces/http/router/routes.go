// Package router 提供 HTTP 路由配置
package router

import (
	"github.com/gin-gonic/gin"

	"artisan-gen-api/internal/config"
	"artisan-gen-api/internal/interfaces/http/middleware"
)

// RegisterV1Routes 注册 v1 版本路由。
// 用户侧接口走 JWT 认证加限流，引擎回调走共享密钥鉴权。
func RegisterV1Routes(v1 *gin.RouterGroup, cfg *config.Config, handlers Handlers, limiter middleware.RateLimiter) {
	// 生成请求管理（用户侧）
	generations := v1.Group("/generations")
	generations.Use(middleware.Auth(middleware.AuthConfig{
		Secret:    cfg.Security.JWT.Secret,
		Issuer:    cfg.Security.JWT.Issuer,
		Enabled:   cfg.Security.JWT.Enabled,
		SkipPaths: middleware.DefaultSkipPaths,
	}))
	generations.Use(middleware.RateLimit(middleware.RateLimitConfig{
		Enabled:           cfg.Security.RateLimit.Enabled,
		RequestsPerSecond: cfg.Security.RateLimit.RequestsPerSecond,
	}, limiter))
	{
		generations.POST("", handlers.Generation.Initiate)
		generations.GET("", handlers.Generation.List)
		generations.GET("/:gid", handlers.Generation.GetStatus)
		generations.POST("/:gid/select", handlers.Generation.SelectSample)
		generations.POST("/:gid/regenerate", handlers.Generation.Regenerate)
	}

	// 执行引擎回调（机器侧）
	callbacks := v1.Group("/callbacks/generations")
	callbacks.Use(middleware.CallbackAuth(cfg.Callbacks.SharedSecret))
	{
		callbacks.POST("/:gid/samples", handlers.Callback.SampleResult)
		callbacks.POST("/:gid/final", handlers.Callback.FinalResult)
		callbacks.POST("/:gid/error", handlers.Callback.Error)
	}
}
