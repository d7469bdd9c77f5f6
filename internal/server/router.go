// Package server 组装 HTTP 路由与中间件。
package server

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/Han-Qiu/sora2api/internal/config"
	"github.com/Han-Qiu/sora2api/internal/handler"
	adminhandler "github.com/Han-Qiu/sora2api/internal/handler/admin"
	"github.com/Han-Qiu/sora2api/internal/server/middleware"
	"github.com/Han-Qiu/sora2api/internal/service"
)

// Deps 路由装配所需的全部依赖。
type Deps struct {
	Config   *config.Config
	OpenAI   *handler.OpenAIHandler
	Admin    *adminhandler.Handler
	Settings service.SettingsRepository
	CacheDir string
}

// apiKeySource 运行期 API key：后台配置优先，回落启动配置。
type apiKeySource struct {
	settings service.SettingsRepository
	fallback string
}

var _ middleware.APIKeySource = (*apiKeySource)(nil)

func (s *apiKeySource) CallerAPIKey(ctx context.Context) string {
	if cfg, err := s.settings.GetAdminConfig(ctx); err == nil && cfg.APIKey != "" {
		return cfg.APIKey
	}
	return s.fallback
}

// New 构建 gin 引擎并挂载全部路由。
func New(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.AccessLog(), middleware.CORS())

	keys := &apiKeySource{settings: deps.Settings, fallback: deps.Config.Auth.APIKey}

	// OpenAI 兼容面
	v1 := r.Group("/v1", middleware.APIKeyAuth(keys))
	{
		v1.GET("/models", deps.OpenAI.Models)
		v1.POST("/chat/completions", deps.OpenAI.ChatCompletions)
	}

	// 缓存文件静态服务
	r.Static("/tmp", deps.CacheDir)

	// 管理面
	r.POST("/api/login", deps.Admin.Login)
	api := r.Group("/api", middleware.AdminAuth(deps.Config.Auth.JWTSecret))
	{
		api.POST("/logout", deps.Admin.Logout)

		api.GET("/tokens", deps.Admin.ListTokens)
		api.POST("/tokens", deps.Admin.AddToken)
		api.PUT("/tokens/:id", deps.Admin.UpdateToken)
		api.DELETE("/tokens/:id", deps.Admin.DeleteToken)
		api.POST("/tokens/:id/enable", deps.Admin.EnableToken)
		api.POST("/tokens/:id/disable", deps.Admin.DisableToken)
		api.POST("/tokens/:id/test", deps.Admin.TestToken)

		api.POST("/tokens/import", deps.Admin.ImportTokens)
		api.POST("/tokens/import/pure-rt", deps.Admin.ImportPureRT)
		api.POST("/tokens/st2at", deps.Admin.StToAt)
		api.POST("/tokens/rt2at", deps.Admin.RtToAt)
		api.POST("/tokens/refresh", deps.Admin.RefreshNow)

		batch := api.Group("/tokens/batch")
		{
			batch.POST("/test-update", deps.Admin.BatchTest)
			batch.POST("/enable-all", deps.Admin.EnableAll)
			batch.POST("/delete-disabled", deps.Admin.DeleteDisabled)
			batch.POST("/disable-selected", deps.Admin.DisableSelected)
			batch.POST("/delete-selected", deps.Admin.DeleteSelected)
			batch.POST("/update-proxy", deps.Admin.UpdateProxySelected)
		}

		cfg := api.Group("/config")
		{
			cfg.GET("/admin", deps.Admin.GetAdminConfig)
			cfg.PUT("/admin", deps.Admin.SaveAdminConfig)
			cfg.GET("/proxy", deps.Admin.GetProxyConfig)
			cfg.PUT("/proxy", deps.Admin.SaveProxyConfig)
			cfg.GET("/pow-proxy", deps.Admin.GetPowProxyConfig)
			cfg.PUT("/pow-proxy", deps.Admin.SavePowProxyConfig)
			cfg.GET("/watermark-free", deps.Admin.GetWatermarkFreeConfig)
			cfg.PUT("/watermark-free", deps.Admin.SaveWatermarkFreeConfig)
			cfg.GET("/cache", deps.Admin.GetCacheConfig)
			cfg.PUT("/cache", deps.Admin.SaveCacheConfig)
			cfg.GET("/generation", deps.Admin.GetGenerationConfig)
			cfg.PUT("/generation", deps.Admin.SaveGenerationConfig)
			cfg.GET("/token-refresh", deps.Admin.GetTokenRefreshConfig)
			cfg.PUT("/token-refresh", deps.Admin.SaveTokenRefreshConfig)
			cfg.GET("/call-logic", deps.Admin.GetCallLogicConfig)
			cfg.PUT("/call-logic", deps.Admin.SaveCallLogicConfig)
		}

		api.GET("/stats", deps.Admin.Stats)
		api.GET("/logs", deps.Admin.ListLogs)
		api.DELETE("/logs", deps.Admin.ClearLogs)
		api.GET("/tasks", deps.Admin.ListTasks)
		api.POST("/tasks/:id/cancel", deps.Admin.CancelTask)
	}

	return r
}
