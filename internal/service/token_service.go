package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"

	"github.com/Han-Qiu/sora2api/internal/pkg/logger"
	"github.com/Han-Qiu/sora2api/internal/pkg/sora"
)

const (
	sessionExchangeURL = "https://sora.chatgpt.com/api/auth/session"
	oauthTokenURL      = "https://auth.openai.com/oauth/token"
	// defaultOAuthClientID 官方移动端 client_id，RT 刷新未指定时使用
	defaultOAuthClientID = "app_LlGpXReQgckcGGUo2JrYvtJK"

	exchangeTimeout = 30 * time.Second
)

// TokenService 管理令牌生命周期：添加、导入、换发与有效性检测。
type TokenService struct {
	tokens   TokenRepository
	stats    TokenStatsRepository
	settings SettingsRepository
	client   *sora.Client
	proxy    *ProxyResolver
}

// NewTokenService 创建令牌服务。
func NewTokenService(tokens TokenRepository, stats TokenStatsRepository, settings SettingsRepository, client *sora.Client, proxy *ProxyResolver) *TokenService {
	return &TokenService{tokens: tokens, stats: stats, settings: settings, client: client, proxy: proxy}
}

// AddTokenInput 新增令牌的入参。
type AddTokenInput struct {
	AccessToken      string
	SessionToken     string
	RefreshToken     string
	ClientID         string
	ProxyURL         string
	Remark           string
	ImageEnabled     bool
	VideoEnabled     bool
	ImageConcurrency int
	VideoConcurrency int
}

// Add 新增令牌。access_token 为空但有 ST/RT 时按调用策略换发：
// auto 先 ST 后 RT，rt_priority 优先 RT，at_only 不做换发。
func (s *TokenService) Add(ctx context.Context, in AddTokenInput) (*Token, error) {
	accessToken := strings.TrimSpace(in.AccessToken)
	refreshToken := strings.TrimSpace(in.RefreshToken)

	if accessToken == "" {
		mode := s.callLogicMode(ctx)
		exchangeRT := func() error {
			at, newRT, err := s.RefreshToAccess(ctx, refreshToken, in.ClientID, in.ProxyURL)
			if err != nil {
				return fmt.Errorf("rt2at: %w", err)
			}
			accessToken = at
			if newRT != "" {
				refreshToken = newRT
			}
			return nil
		}
		switch {
		case mode == "at_only":
			return nil, errors.New("调用策略为 at_only，必须直接提供 access_token")
		case mode == "rt_priority" && refreshToken != "":
			if err := exchangeRT(); err != nil {
				return nil, err
			}
		case strings.TrimSpace(in.SessionToken) != "":
			at, err := s.SessionToAccess(ctx, in.SessionToken, in.ProxyURL)
			if err != nil {
				return nil, fmt.Errorf("st2at: %w", err)
			}
			accessToken = at
		case refreshToken != "":
			if err := exchangeRT(); err != nil {
				return nil, err
			}
		default:
			return nil, errors.New("access_token、session_token、refresh_token 至少提供一个")
		}
	}

	email := EmailFromAccessToken(accessToken)
	if email != "" {
		if existing, err := s.tokens.GetByEmail(ctx, email); err != nil {
			return nil, err
		} else if existing != nil {
			return nil, fmt.Errorf("令牌已存在: %s", email)
		}
	}

	token := &Token{
		AccessToken:      accessToken,
		SessionToken:     strings.TrimSpace(in.SessionToken),
		RefreshToken:     refreshToken,
		ClientID:         strings.TrimSpace(in.ClientID),
		ProxyURL:         strings.TrimSpace(in.ProxyURL),
		Email:            email,
		Remark:           in.Remark,
		IsActive:         true,
		ImageEnabled:     in.ImageEnabled,
		VideoEnabled:     in.VideoEnabled,
		ImageConcurrency: in.ImageConcurrency,
		VideoConcurrency: in.VideoConcurrency,
	}
	if token.ImageConcurrency == 0 {
		token.ImageConcurrency = 1
	}
	if token.VideoConcurrency == 0 {
		token.VideoConcurrency = 3
	}
	id, err := s.tokens.Create(ctx, token)
	if err != nil {
		return nil, err
	}
	token.ID = id
	return token, nil
}

// SessionToAccess 用 session token 换取 access token。
func (s *TokenService) SessionToAccess(ctx context.Context, sessionToken, proxyURL string) (string, error) {
	client := s.exchangeClient(ctx, proxyURL)
	resp, err := client.R().
		SetContext(ctx).
		SetCookies(&http.Cookie{Name: "__Secure-next-auth.session-token", Value: strings.TrimSpace(sessionToken)}).
		Get(sessionExchangeURL)
	if err != nil {
		return "", err
	}
	if !resp.IsSuccessState() {
		return "", fmt.Errorf("session exchange failed: %d %s", resp.StatusCode, resp.String())
	}
	accessToken := gjson.Get(resp.String(), "accessToken").String()
	if accessToken == "" {
		return "", errors.New("session exchange: no accessToken in response")
	}
	return accessToken, nil
}

// RefreshToAccess 用 refresh token 换取 access token，上游可能轮换 RT。
func (s *TokenService) RefreshToAccess(ctx context.Context, refreshToken, clientID, proxyURL string) (accessToken, newRefreshToken string, err error) {
	if strings.TrimSpace(clientID) == "" {
		clientID = defaultOAuthClientID
	}
	client := s.exchangeClient(ctx, proxyURL)
	resp, err := client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type":    "refresh_token",
			"client_id":     clientID,
			"refresh_token": strings.TrimSpace(refreshToken),
		}).
		Post(oauthTokenURL)
	if err != nil {
		return "", "", err
	}
	if !resp.IsSuccessState() {
		return "", "", fmt.Errorf("refresh token exchange failed: %d %s", resp.StatusCode, resp.String())
	}
	body := resp.String()
	accessToken = gjson.Get(body, "access_token").String()
	if accessToken == "" {
		return "", "", errors.New("refresh exchange: no access_token in response")
	}
	return accessToken, gjson.Get(body, "refresh_token").String(), nil
}

// Test 调用 /me 检测令牌有效性并刷新订阅与 Sora2 描述字段。
// 401 时按 auto_disable_on_401 决定是否停用。
func (s *TokenService) Test(ctx context.Context, tokenID int64) (*Token, error) {
	token, err := s.tokens.GetByID(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, fmt.Errorf("令牌不存在: %d", tokenID)
	}

	opts := sora.RequestOptions{
		TokenID:     token.ID,
		AccessToken: token.AccessToken,
		ProxyURL:    s.proxy.ForToken(ctx, token),
	}
	info, err := s.client.GetUserInfo(ctx, opts)
	if err != nil {
		if ue, ok := sora.AsUpstreamError(err); ok && ue.IsAuthError() {
			token.IsExpired = true
			if cfg, cerr := s.settings.GetAdminConfig(ctx); cerr == nil && cfg.AutoDisableOn401 {
				token.IsActive = false
			}
			if uerr := s.tokens.Update(ctx, token); uerr != nil {
				logger.Warnf("更新过期令牌失败 %d: %v", tokenID, uerr)
			}
		}
		return token, err
	}

	applyUserInfo(token, info)
	token.IsExpired = false
	if err := s.tokens.Update(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// applyUserInfo 把 /me 响应映射到令牌描述字段。
func applyUserInfo(token *Token, info map[string]any) {
	get := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := info[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}
	getInt := func(keys ...string) (int, bool) {
		for _, k := range keys {
			if v, ok := info[k].(float64); ok {
				return int(v), true
			}
		}
		return 0, false
	}

	if email := get("email"); email != "" {
		token.Email = email
	}
	if plan := get("plan_type", "subscription_plan"); plan != "" {
		token.PlanType = plan
	}
	if title := get("plan_title", "subscription_title"); title != "" {
		token.PlanTitle = title
	}
	if v, ok := info["sora2_enabled"].(bool); ok {
		token.Sora2Supported = v
	} else if v, ok := info["can_create_video"].(bool); ok {
		token.Sora2Supported = v
	}
	if code := get("invite_code", "sora2_invite_code"); code != "" {
		token.Sora2InviteCode = code
	}
	if n, ok := getInt("redeemed_count", "sora2_redeemed_count"); ok {
		token.Sora2RedeemedCount = n
	}
	if n, ok := getInt("total_count", "sora2_total_count"); ok {
		token.Sora2TotalCount = n
	}
	if n, ok := getInt("remaining_count", "sora2_remaining_count"); ok {
		token.Sora2RemainingCount = n
	}
}

// EmailFromAccessToken 从 JWT access token 的 profile claim 提取邮箱。
// 不校验签名，只做声明读取。
func EmailFromAccessToken(accessToken string) string {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return ""
	}
	if profile, ok := claims["https://api.openai.com/profile"].(map[string]any); ok {
		if email, ok := profile["email"].(string); ok {
			return email
		}
	}
	if email, ok := claims["email"].(string); ok {
		return email
	}
	return ""
}

// RecordOutcome 请求终结时记账：成功清零连续错误并累计用量；
// 失败按错误类别决定是否计入，并在达到阈值时停用令牌。
func (s *TokenService) RecordOutcome(ctx context.Context, tokenID int64, isVideo bool, callErr error) {
	if callErr == nil {
		if err := s.stats.RecordSuccess(ctx, tokenID, isVideo); err != nil {
			logger.Warnf("统计成功记录失败 %d: %v", tokenID, err)
		}
		return
	}
	if !sora.CountsAgainstToken(callErr) {
		return
	}
	consecutive, err := s.stats.RecordError(ctx, tokenID)
	if err != nil {
		logger.Warnf("统计错误记录失败 %d: %v", tokenID, err)
		return
	}

	cfg, err := s.settings.GetAdminConfig(ctx)
	if err != nil {
		return
	}
	if ue, ok := sora.AsUpstreamError(callErr); ok && ue.IsAuthError() && cfg.AutoDisableOn401 {
		logger.Warnf("令牌 %d 收到 401，自动停用", tokenID)
		_ = s.tokens.SetActive(ctx, tokenID, false)
		return
	}
	if cfg.ErrorBanThreshold > 0 && consecutive >= cfg.ErrorBanThreshold {
		logger.Warnf("令牌 %d 连续错误 %d 次，达到阈值停用", tokenID, consecutive)
		_ = s.tokens.SetActive(ctx, tokenID, false)
	}
}

// Enable 重新启用令牌并清零错误计数。
func (s *TokenService) Enable(ctx context.Context, tokenID int64) error {
	if err := s.tokens.SetActive(ctx, tokenID, true); err != nil {
		return err
	}
	return s.stats.ResetErrors(ctx, tokenID)
}

// Disable 停用令牌。
func (s *TokenService) Disable(ctx context.Context, tokenID int64) error {
	return s.tokens.SetActive(ctx, tokenID, false)
}

// callLogicMode 读取调用策略，未配置时退回 auto。
func (s *TokenService) callLogicMode(ctx context.Context) string {
	cfg, err := s.settings.GetCallLogicConfig(ctx)
	if err != nil || cfg == nil || cfg.Mode == "" {
		return "auto"
	}
	return cfg.Mode
}

func (s *TokenService) exchangeClient(ctx context.Context, proxyURL string) *req.Client {
	client := req.C().
		SetTimeout(exchangeTimeout).
		ImpersonateChrome()
	if proxyURL == "" {
		proxyURL = s.proxy.ForToken(ctx, nil)
	}
	if proxyURL != "" {
		client.SetProxyURL(proxyURL)
	}
	return client
}
