package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Han-Qiu/sora2api/internal/service"
)

// 各配置表的读写端点。单行配置，GET 返回当前值，PUT 全量覆盖。

// GetAdminConfig GET /api/config/admin
func (h *Handler) GetAdminConfig(c *gin.Context) {
	cfg, err := h.settings.GetAdminConfig(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	// 口令不回显
	c.JSON(http.StatusOK, gin.H{
		"error_ban_threshold": cfg.ErrorBanThreshold,
		"task_retry_enabled":  cfg.TaskRetryEnabled,
		"task_max_retries":    cfg.TaskMaxRetries,
		"auto_disable_on_401": cfg.AutoDisableOn401,
		"api_key":             cfg.APIKey,
		"debug_enabled":       cfg.DebugEnabled,
	})
}

// SaveAdminConfig PUT /api/config/admin
func (h *Handler) SaveAdminConfig(c *gin.Context) {
	var req struct {
		ErrorBanThreshold int    `json:"error_ban_threshold"`
		TaskRetryEnabled  bool   `json:"task_retry_enabled"`
		TaskMaxRetries    int    `json:"task_max_retries"`
		AutoDisableOn401  bool   `json:"auto_disable_on_401"`
		APIKey            string `json:"api_key"`
		AdminPassword     string `json:"admin_password"`
		DebugEnabled      bool   `json:"debug_enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	current, err := h.settings.GetAdminConfig(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	cfg := &service.AdminConfig{
		ErrorBanThreshold: req.ErrorBanThreshold,
		TaskRetryEnabled:  req.TaskRetryEnabled,
		TaskMaxRetries:    req.TaskMaxRetries,
		AutoDisableOn401:  req.AutoDisableOn401,
		APIKey:            req.APIKey,
		AdminPassword:     current.AdminPassword,
		DebugEnabled:      req.DebugEnabled,
	}
	// 传了新口令才覆盖
	if req.AdminPassword != "" {
		cfg.AdminPassword = req.AdminPassword
	}
	h.saveConfig(c, h.settings.SaveAdminConfig(c.Request.Context(), cfg))
}

// GetProxyConfig GET /api/config/proxy
func (h *Handler) GetProxyConfig(c *gin.Context) {
	cfg, err := h.settings.GetProxyConfig(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": cfg.Enabled, "proxy_url": cfg.ProxyURL})
}

// SaveProxyConfig PUT /api/config/proxy
func (h *Handler) SaveProxyConfig(c *gin.Context) {
	var req struct {
		Enabled  bool   `json:"enabled"`
		ProxyURL string `json:"proxy_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	h.saveConfig(c, h.settings.SaveProxyConfig(c.Request.Context(), &service.ProxyConfig{
		Enabled: req.Enabled, ProxyURL: req.ProxyURL,
	}))
}

// GetPowProxyConfig GET /api/config/pow-proxy
func (h *Handler) GetPowProxyConfig(c *gin.Context) {
	cfg, err := h.settings.GetPowProxyConfig(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": cfg.Enabled, "proxy_url": cfg.ProxyURL})
}

// SavePowProxyConfig PUT /api/config/pow-proxy
func (h *Handler) SavePowProxyConfig(c *gin.Context) {
	var req struct {
		Enabled  bool   `json:"enabled"`
		ProxyURL string `json:"proxy_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	h.saveConfig(c, h.settings.SavePowProxyConfig(c.Request.Context(), &service.PowProxyConfig{
		Enabled: req.Enabled, ProxyURL: req.ProxyURL,
	}))
}

// GetWatermarkFreeConfig GET /api/config/watermark-free
func (h *Handler) GetWatermarkFreeConfig(c *gin.Context) {
	cfg, err := h.settings.GetWatermarkFreeConfig(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":              cfg.Enabled,
		"custom_parse_enabled": cfg.CustomParseEnabled,
		"parse_url":            cfg.ParseURL,
		"parse_token":          cfg.ParseToken,
		"fallback_enabled":     cfg.FallbackEnabled,
	})
}

// SaveWatermarkFreeConfig PUT /api/config/watermark-free
func (h *Handler) SaveWatermarkFreeConfig(c *gin.Context) {
	var req struct {
		Enabled            bool   `json:"enabled"`
		CustomParseEnabled bool   `json:"custom_parse_enabled"`
		ParseURL           string `json:"parse_url"`
		ParseToken         string `json:"parse_token"`
		FallbackEnabled    bool   `json:"fallback_enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	h.saveConfig(c, h.settings.SaveWatermarkFreeConfig(c.Request.Context(), &service.WatermarkFreeConfig{
		Enabled:            req.Enabled,
		CustomParseEnabled: req.CustomParseEnabled,
		ParseURL:           req.ParseURL,
		ParseToken:         req.ParseToken,
		FallbackEnabled:    req.FallbackEnabled,
	}))
}

// GetCacheConfig GET /api/config/cache
func (h *Handler) GetCacheConfig(c *gin.Context) {
	cfg, err := h.settings.GetCacheConfig(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":         cfg.Enabled,
		"timeout_seconds": cfg.TimeoutSeconds,
		"base_url":        cfg.BaseURL,
	})
}

// SaveCacheConfig PUT /api/config/cache
func (h *Handler) SaveCacheConfig(c *gin.Context) {
	var req struct {
		Enabled        bool   `json:"enabled"`
		TimeoutSeconds int    `json:"timeout_seconds"`
		BaseURL        string `json:"base_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if req.TimeoutSeconds < -1 {
		badRequest(c, "timeout_seconds must be >= -1")
		return
	}
	h.saveConfig(c, h.settings.SaveCacheConfig(c.Request.Context(), &service.CacheConfig{
		Enabled: req.Enabled, TimeoutSeconds: req.TimeoutSeconds, BaseURL: req.BaseURL,
	}))
}

// GetGenerationConfig GET /api/config/generation
func (h *Handler) GetGenerationConfig(c *gin.Context) {
	cfg, err := h.settings.GetGenerationConfig(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"image_timeout_seconds": cfg.ImageTimeoutSeconds,
		"video_timeout_seconds": cfg.VideoTimeoutSeconds,
	})
}

// SaveGenerationConfig PUT /api/config/generation
func (h *Handler) SaveGenerationConfig(c *gin.Context) {
	var req struct {
		ImageTimeoutSeconds int `json:"image_timeout_seconds"`
		VideoTimeoutSeconds int `json:"video_timeout_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if req.ImageTimeoutSeconds <= 0 || req.VideoTimeoutSeconds <= 0 {
		badRequest(c, "timeouts must be positive")
		return
	}
	h.saveConfig(c, h.settings.SaveGenerationConfig(c.Request.Context(), &service.GenerationConfig{
		ImageTimeoutSeconds: req.ImageTimeoutSeconds,
		VideoTimeoutSeconds: req.VideoTimeoutSeconds,
	}))
}

// GetTokenRefreshConfig GET /api/config/token-refresh
func (h *Handler) GetTokenRefreshConfig(c *gin.Context) {
	cfg, err := h.settings.GetTokenRefreshConfig(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":        cfg.Enabled,
		"interval_hours": cfg.IntervalHours,
		"workers":        cfg.Workers,
	})
}

// SaveTokenRefreshConfig PUT /api/config/token-refresh
func (h *Handler) SaveTokenRefreshConfig(c *gin.Context) {
	var req struct {
		Enabled       bool `json:"enabled"`
		IntervalHours int  `json:"interval_hours"`
		Workers       int  `json:"workers"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	h.saveConfig(c, h.settings.SaveTokenRefreshConfig(c.Request.Context(), &service.TokenRefreshConfig{
		Enabled: req.Enabled, IntervalHours: req.IntervalHours, Workers: req.Workers,
	}))
}

// GetCallLogicConfig GET /api/config/call-logic
func (h *Handler) GetCallLogicConfig(c *gin.Context) {
	cfg, err := h.settings.GetCallLogicConfig(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": cfg.Mode})
}

// SaveCallLogicConfig PUT /api/config/call-logic
func (h *Handler) SaveCallLogicConfig(c *gin.Context) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	switch req.Mode {
	case "auto", "at_only", "rt_priority":
	default:
		badRequest(c, "mode must be one of auto/at_only/rt_priority")
		return
	}
	h.saveConfig(c, h.settings.SaveCallLogicConfig(c.Request.Context(), &service.CallLogicConfig{Mode: req.Mode}))
}

func (h *Handler) saveConfig(c *gin.Context, err error) {
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
