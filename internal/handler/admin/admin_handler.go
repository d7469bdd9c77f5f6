// Package admin 暴露管理后台接口：令牌管理、配置读写、统计与日志。
package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Han-Qiu/sora2api/internal/config"
	"github.com/Han-Qiu/sora2api/internal/pkg/logger"
	"github.com/Han-Qiu/sora2api/internal/server/middleware"
	"github.com/Han-Qiu/sora2api/internal/service"
)

// Handler 聚合管理端依赖。
type Handler struct {
	cfg      *config.Config
	tokenSvc *service.TokenService
	tokens   service.TokenRepository
	stats    service.TokenStatsRepository
	settings service.SettingsRepository
	tasks    service.TaskRepository
	logs     service.RequestLogRepository
	gen      *service.GenerationService
	refresh  *service.TokenRefreshService
	cache    *service.FileCacheService
}

// NewHandler 创建管理端处理器。
func NewHandler(cfg *config.Config, tokenSvc *service.TokenService,
	tokens service.TokenRepository, stats service.TokenStatsRepository,
	settings service.SettingsRepository, tasks service.TaskRepository,
	logs service.RequestLogRepository, gen *service.GenerationService,
	refresh *service.TokenRefreshService, cache *service.FileCacheService) *Handler {
	return &Handler{
		cfg: cfg, tokenSvc: tokenSvc, tokens: tokens, stats: stats,
		settings: settings, tasks: tasks, logs: logs, gen: gen, refresh: refresh,
		cache: cache,
	}
}

// Login 校验口令并签发会话 JWT。
// POST /api/login
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	password := h.cfg.Auth.AdminPassword
	if cfg, err := h.settings.GetAdminConfig(c.Request.Context()); err == nil && cfg.AdminPassword != "" {
		password = cfg.AdminPassword
	}
	if req.Password != password {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	ttl := time.Duration(h.cfg.Auth.JWTTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	token, err := middleware.IssueAdminToken(h.cfg.Auth.JWTSecret, ttl)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_in": int(ttl.Seconds())})
}

// Logout 会话 JWT 无状态，登出只需客户端丢弃令牌，这里返回确认。
// POST /api/logout
func (h *Handler) Logout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// --- 令牌管理 ---

// ListTokens 令牌列表，附带每个令牌的调用统计。
// GET /api/tokens
func (h *Handler) ListTokens(c *gin.Context) {
	tokens, err := h.tokens.List(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	out := make([]gin.H, 0, len(tokens))
	for _, t := range tokens {
		item := tokenJSON(t)
		if st, err := h.stats.GetByTokenID(c.Request.Context(), t.ID); err == nil && st != nil {
			item["stats"] = statsJSON(st)
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"tokens": out, "total": len(out)})
}

// AddToken 新增令牌。
// POST /api/tokens
func (h *Handler) AddToken(c *gin.Context) {
	var req struct {
		AccessToken      string `json:"access_token"`
		SessionToken     string `json:"session_token"`
		RefreshToken     string `json:"refresh_token"`
		ClientID         string `json:"client_id"`
		ProxyURL         string `json:"proxy_url"`
		Remark           string `json:"remark"`
		ImageEnabled     *bool  `json:"image_enabled"`
		VideoEnabled     *bool  `json:"video_enabled"`
		ImageConcurrency int    `json:"image_concurrency"`
		VideoConcurrency int    `json:"video_concurrency"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	in := service.AddTokenInput{
		AccessToken:      req.AccessToken,
		SessionToken:     req.SessionToken,
		RefreshToken:     req.RefreshToken,
		ClientID:         req.ClientID,
		ProxyURL:         req.ProxyURL,
		Remark:           req.Remark,
		ImageEnabled:     req.ImageEnabled == nil || *req.ImageEnabled,
		VideoEnabled:     req.VideoEnabled == nil || *req.VideoEnabled,
		ImageConcurrency: req.ImageConcurrency,
		VideoConcurrency: req.VideoConcurrency,
	}
	token, err := h.tokenSvc.Add(c.Request.Context(), in)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tokenJSON(token)})
}

// UpdateToken 更新令牌可编辑字段。
// PUT /api/tokens/:id
func (h *Handler) UpdateToken(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req map[string]any
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	allowed := map[string]bool{
		"access_token": true, "session_token": true, "refresh_token": true,
		"client_id": true, "proxy_url": true, "remark": true,
		"image_enabled": true, "video_enabled": true,
		"image_concurrency": true, "video_concurrency": true,
	}
	updates := map[string]any{}
	for k, v := range req {
		if allowed[k] {
			updates[k] = v
		}
	}
	if len(updates) == 0 {
		badRequest(c, "no updatable fields")
		return
	}
	if err := h.tokens.UpdateFields(c.Request.Context(), id, updates); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DeleteToken 删除令牌。
// DELETE /api/tokens/:id
func (h *Handler) DeleteToken(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.tokens.Delete(c.Request.Context(), id); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// EnableToken 启用令牌并清零错误计数。
// POST /api/tokens/:id/enable
func (h *Handler) EnableToken(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.tokenSvc.Enable(c.Request.Context(), id); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DisableToken 停用令牌。
// POST /api/tokens/:id/disable
func (h *Handler) DisableToken(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.tokenSvc.Disable(c.Request.Context(), id); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// TestToken 检测令牌有效性并刷新描述字段。
// POST /api/tokens/:id/test
func (h *Handler) TestToken(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	token, err := h.tokenSvc.Test(c.Request.Context(), id)
	resp := gin.H{"valid": err == nil}
	if err != nil {
		resp["message"] = err.Error()
	}
	if token != nil {
		resp["email"] = token.Email
		resp["token"] = tokenJSON(token)
	}
	c.JSON(http.StatusOK, resp)
}

// ImportTokens 批量导入。
// POST /api/tokens/import
func (h *Handler) ImportTokens(c *gin.Context) {
	var req struct {
		Mode   string               `json:"mode"`
		Tokens []service.ImportItem `json:"tokens"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if req.Mode == "" {
		req.Mode = service.ImportModeOffline
	}
	result, err := h.tokenSvc.Import(c.Request.Context(), req.Mode, req.Tokens)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ImportPureRT 纯 RT 导入：逐条换发 AT 后入库。
// POST /api/tokens/import/pure-rt
func (h *Handler) ImportPureRT(c *gin.Context) {
	var req struct {
		Tokens []service.ImportItem `json:"tokens"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	result, err := h.tokenSvc.Import(c.Request.Context(), service.ImportModePureRT, req.Tokens)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// BatchTest 并发检测全部令牌。
// POST /api/tokens/batch/test-update
func (h *Handler) BatchTest(c *gin.Context) {
	var req struct {
		Workers int `json:"workers"`
	}
	_ = c.ShouldBindJSON(&req)
	results, err := h.tokenSvc.BatchTest(c.Request.Context(), req.Workers)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// EnableAll 启用全部令牌。
// POST /api/tokens/batch/enable-all
func (h *Handler) EnableAll(c *gin.Context) {
	n, err := h.tokenSvc.EnableAll(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": n})
}

// DeleteDisabled 删除全部停用令牌。
// POST /api/tokens/batch/delete-disabled
func (h *Handler) DeleteDisabled(c *gin.Context) {
	n, err := h.tokenSvc.DeleteDisabled(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// DisableSelected 批量停用。
// POST /api/tokens/batch/disable
func (h *Handler) DisableSelected(c *gin.Context) {
	ids, ok := bindIDs(c)
	if !ok {
		return
	}
	n, err := h.tokenSvc.DisableSelected(c.Request.Context(), ids)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disabled": n})
}

// DeleteSelected 批量删除。
// POST /api/tokens/batch/delete
func (h *Handler) DeleteSelected(c *gin.Context) {
	ids, ok := bindIDs(c)
	if !ok {
		return
	}
	n, err := h.tokenSvc.DeleteSelected(c.Request.Context(), ids)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// UpdateProxySelected 批量设置令牌代理。
// POST /api/tokens/batch/proxy
func (h *Handler) UpdateProxySelected(c *gin.Context) {
	var req struct {
		IDs      []int64 `json:"ids"`
		ProxyURL string  `json:"proxy_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		badRequest(c, "ids is required")
		return
	}
	n, err := h.tokenSvc.UpdateProxySelected(c.Request.Context(), req.IDs, req.ProxyURL)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// StToAt session token 换 access token。
// POST /api/tokens/st2at
func (h *Handler) StToAt(c *gin.Context) {
	var req struct {
		SessionToken string `json:"st"`
		ProxyURL     string `json:"proxy_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionToken == "" {
		badRequest(c, "st is required")
		return
	}
	at, err := h.tokenSvc.SessionToAccess(c.Request.Context(), req.SessionToken, req.ProxyURL)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": at, "email": service.EmailFromAccessToken(at)})
}

// RtToAt refresh token 换 access token。
// POST /api/tokens/rt2at
func (h *Handler) RtToAt(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"rt"`
		ClientID     string `json:"client_id"`
		ProxyURL     string `json:"proxy_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		badRequest(c, "rt is required")
		return
	}
	at, newRT, err := h.tokenSvc.RefreshToAccess(c.Request.Context(), req.RefreshToken, req.ClientID, req.ProxyURL)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  at,
		"refresh_token": newRT,
		"email":         service.EmailFromAccessToken(at),
	})
}

// RefreshNow 立即触发一轮批量刷新。
// POST /api/tokens/refresh
func (h *Handler) RefreshNow(c *gin.Context) {
	cfg, err := h.settings.GetTokenRefreshConfig(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	refreshed, failed := h.refresh.RefreshAll(c.Request.Context(), cfg.Workers)
	c.JSON(http.StatusOK, gin.H{"refreshed": refreshed, "failed": failed})
}

// --- 统计 / 日志 / 任务 ---

// Stats 全局统计面板数据。
// GET /api/stats
func (h *Handler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	totals, err := h.stats.Totals(ctx)
	if err != nil {
		internalError(c, err)
		return
	}
	tokens, err := h.tokens.List(ctx)
	if err != nil {
		internalError(c, err)
		return
	}
	active := 0
	for _, t := range tokens {
		if t.IsActive {
			active++
		}
	}
	processing, _ := h.tasks.CountByStatus(ctx, service.TaskStatusProcessing)
	completed, _ := h.tasks.CountByStatus(ctx, service.TaskStatusCompleted)
	failed, _ := h.tasks.CountByStatus(ctx, service.TaskStatusFailed)
	cacheBytes, _ := h.cache.DiskUsage()

	c.JSON(http.StatusOK, gin.H{
		"tokens": gin.H{"total": len(tokens), "active": active},
		"usage":  statsJSON(totals),
		"tasks": gin.H{
			"processing": processing,
			"completed":  completed,
			"failed":     failed,
		},
		"cache": gin.H{"disk_bytes": cacheBytes},
	})
}

// ListLogs 最近请求日志。
// GET /api/logs
func (h *Handler) ListLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	logs, err := h.logs.ListRecent(c.Request.Context(), limit)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "total": len(logs)})
}

// ClearLogs 清空请求日志。
// DELETE /api/logs
func (h *Handler) ClearLogs(c *gin.Context) {
	if err := h.logs.DeleteAll(c.Request.Context()); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListTasks 最近生成任务。
// GET /api/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	tasks, err := h.tasks.ListRecent(c.Request.Context(), limit)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": len(tasks)})
}

// CancelTask 中止在途任务。
// POST /api/tasks/:id/cancel
func (h *Handler) CancelTask(c *gin.Context) {
	taskID := c.Param("id")
	if taskID == "" {
		badRequest(c, "task id is required")
		return
	}
	cancelled := h.gen.Cancel(taskID)
	if !cancelled {
		logger.Infof("取消请求未命中在途任务: %s", taskID)
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

// --- 工具 ---

func tokenJSON(t *service.Token) gin.H {
	return gin.H{
		"id":                    t.ID,
		"email":                 t.Email,
		"remark":                t.Remark,
		"is_active":             t.IsActive,
		"is_expired":            t.IsExpired,
		"proxy_url":             t.ProxyURL,
		"client_id":             t.ClientID,
		"has_session_token":     t.SessionToken != "",
		"has_refresh_token":     t.RefreshToken != "",
		"plan_type":             t.PlanType,
		"plan_title":            t.PlanTitle,
		"subscription_end":      t.SubscriptionEnd,
		"sora2_supported":       t.Sora2Supported,
		"sora2_invite_code":     t.Sora2InviteCode,
		"sora2_redeemed_count":  t.Sora2RedeemedCount,
		"sora2_total_count":     t.Sora2TotalCount,
		"sora2_remaining_count": t.Sora2RemainingCount,
		"image_enabled":         t.ImageEnabled,
		"video_enabled":         t.VideoEnabled,
		"image_concurrency":     t.ImageConcurrency,
		"video_concurrency":     t.VideoConcurrency,
		"use_count":             t.UseCount,
		"last_used_at":          t.LastUsedAt,
		"created_at":            t.CreatedAt,
	}
}

func statsJSON(st *service.TokenStats) gin.H {
	if st == nil {
		return gin.H{}
	}
	return gin.H{
		"image_count":             st.ImageCount,
		"video_count":             st.VideoCount,
		"error_count":             st.ErrorCount,
		"today_image_count":       st.TodayImageCount,
		"today_video_count":       st.TodayVideoCount,
		"today_error_count":       st.TodayErrorCount,
		"consecutive_error_count": st.ConsecutiveErrorCount,
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid token id")
		return 0, false
	}
	return id, true
}

func bindIDs(c *gin.Context) ([]int64, bool) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		badRequest(c, "ids is required")
		return nil, false
	}
	return req.IDs, true
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
