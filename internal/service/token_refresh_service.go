package service

import (
	"context"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/Han-Qiu/sora2api/internal/pkg/logger"
)

// TokenRefreshService 周期性用 refresh token 批量换发 access token，
// 避免 AT 过期导致池子整体失效。调度由外部 cron 驱动。
type TokenRefreshService struct {
	tokens   TokenRepository
	settings SettingsRepository
	svc      *TokenService

	lastRun time.Time
}

// NewTokenRefreshService 创建刷新服务。
func NewTokenRefreshService(tokens TokenRepository, settings SettingsRepository, svc *TokenService) *TokenRefreshService {
	return &TokenRefreshService{tokens: tokens, settings: settings, svc: svc}
}

// Run 执行一轮刷新。cron 的调度粒度比 interval_hours 细，
// 这里按配置自行跳过未到期的轮次。
func (s *TokenRefreshService) Run(ctx context.Context) {
	cfg, err := s.settings.GetTokenRefreshConfig(ctx)
	if err != nil {
		logger.Warnf("读取刷新配置失败: %v", err)
		return
	}
	if !cfg.Enabled {
		return
	}
	interval := time.Duration(cfg.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if !s.lastRun.IsZero() && time.Since(s.lastRun) < interval {
		return
	}
	s.lastRun = time.Now()

	refreshed, failed := s.RefreshAll(ctx, cfg.Workers)
	logger.Infof("令牌批量刷新完成: 成功 %d 失败 %d", refreshed, failed)
}

// RefreshAll 对所有可换发的令牌并发刷新 AT。返回成功与失败数。
// 调用策略为 at_only 时整轮跳过。
func (s *TokenRefreshService) RefreshAll(ctx context.Context, workers int) (refreshed, failed int) {
	if s.svc.callLogicMode(ctx) == "at_only" {
		return 0, 0
	}
	tokens, err := s.tokens.List(ctx)
	if err != nil {
		logger.Warnf("刷新查询令牌失败: %v", err)
		return 0, 0
	}
	if workers <= 0 {
		workers = batchWorkers
	}

	pool := pond.NewPool(workers)
	defer pool.StopAndWait()

	results := make([]bool, len(tokens))
	skip := make([]bool, len(tokens))
	group := pool.NewGroup()
	for i, t := range tokens {
		if t.RefreshToken == "" && t.SessionToken == "" {
			skip[i] = true
			continue
		}
		i, t := i, t
		group.Submit(func() {
			results[i] = s.refreshOne(ctx, t)
		})
	}
	group.Wait()

	for i := range tokens {
		if skip[i] {
			continue
		}
		if results[i] {
			refreshed++
		} else {
			failed++
		}
	}
	return refreshed, failed
}

func (s *TokenRefreshService) refreshOne(ctx context.Context, t *Token) bool {
	var (
		at, newRT string
		err       error
	)
	if t.RefreshToken != "" {
		at, newRT, err = s.svc.RefreshToAccess(ctx, t.RefreshToken, t.ClientID, t.ProxyURL)
	} else {
		at, err = s.svc.SessionToAccess(ctx, t.SessionToken, t.ProxyURL)
	}
	if err != nil {
		logger.Warnf("刷新令牌失败 %d (%s): %v", t.ID, t.Email, err)
		return false
	}
	updates := map[string]any{
		"access_token": at,
		"is_expired":   false,
	}
	// 上游可能轮换 RT，换了就存新的
	if newRT != "" && newRT != t.RefreshToken {
		updates["refresh_token"] = newRT
	}
	if err := s.tokens.UpdateFields(ctx, t.ID, updates); err != nil {
		logger.Warnf("刷新后更新令牌失败 %d: %v", t.ID, err)
		return false
	}
	return true
}
