package service

import (
	"context"
	"strings"
)

// ProxyResolver 解析某次调用应走的代理：令牌级 proxy_url 覆盖全局；
// PoW/哨兵流量可独立走 PoW 代理。
type ProxyResolver struct {
	settings SettingsRepository
}

// NewProxyResolver 创建代理解析器。
func NewProxyResolver(settings SettingsRepository) *ProxyResolver {
	return &ProxyResolver{settings: settings}
}

// ForToken 返回令牌业务流量的代理 URL，未启用则为空串。
func (r *ProxyResolver) ForToken(ctx context.Context, token *Token) string {
	if token != nil && strings.TrimSpace(token.ProxyURL) != "" {
		return strings.TrimSpace(token.ProxyURL)
	}
	cfg, err := r.settings.GetProxyConfig(ctx)
	if err != nil || cfg == nil || !cfg.Enabled {
		return ""
	}
	return strings.TrimSpace(cfg.ProxyURL)
}

// ForPow 返回哨兵铸造流量的代理 URL。未启用 PoW 代理时回落业务代理。
func (r *ProxyResolver) ForPow(ctx context.Context, token *Token) string {
	cfg, err := r.settings.GetPowProxyConfig(ctx)
	if err == nil && cfg != nil && cfg.Enabled && strings.TrimSpace(cfg.ProxyURL) != "" {
		return strings.TrimSpace(cfg.ProxyURL)
	}
	return r.ForToken(ctx, token)
}
