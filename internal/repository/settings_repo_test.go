//go:build unit

package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Han-Qiu/sora2api/internal/service"
)

func TestSettingsDefaultsWhenUnset(t *testing.T) {
	db := newTestDB(t)
	repo := NewSettingsRepository(db)
	ctx := context.Background()

	admin, err := repo.GetAdminConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, admin.ErrorBanThreshold)
	assert.True(t, admin.AutoDisableOn401)

	cache, err := repo.GetCacheConfig(ctx)
	require.NoError(t, err)
	assert.True(t, cache.Enabled)
	assert.Equal(t, 3600, cache.TimeoutSeconds)

	gen, err := repo.GetGenerationConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 300, gen.ImageTimeoutSeconds)
	assert.Equal(t, 1800, gen.VideoTimeoutSeconds)

	wm, err := repo.GetWatermarkFreeConfig(ctx)
	require.NoError(t, err)
	assert.False(t, wm.Enabled)
	assert.True(t, wm.FallbackEnabled)

	cl, err := repo.GetCallLogicConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "auto", cl.Mode)

	refresh, err := repo.GetTokenRefreshConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 24, refresh.IntervalHours)
	assert.Equal(t, 4, refresh.Workers)
}

func TestSettingsSaveRoundtrip(t *testing.T) {
	db := newTestDB(t)
	repo := NewSettingsRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.SaveAdminConfig(ctx, &service.AdminConfig{
		ErrorBanThreshold: 5,
		AutoDisableOn401:  false,
		APIKey:            "sk-test",
		AdminPassword:     "secret",
	}))
	admin, err := repo.GetAdminConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, admin.ErrorBanThreshold)
	assert.False(t, admin.AutoDisableOn401)
	assert.Equal(t, "sk-test", admin.APIKey)
	assert.Equal(t, "secret", admin.AdminPassword)

	require.NoError(t, repo.SaveCacheConfig(ctx, &service.CacheConfig{
		Enabled: true, TimeoutSeconds: -1, BaseURL: "https://gw.test",
	}))
	cache, err := repo.GetCacheConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, cache.TimeoutSeconds)
	assert.Equal(t, "https://gw.test", cache.BaseURL)

	// 单行 upsert：重复保存覆盖而不是追加
	require.NoError(t, repo.SaveCacheConfig(ctx, &service.CacheConfig{
		Enabled: false, TimeoutSeconds: 60,
	}))
	cache, err = repo.GetCacheConfig(ctx)
	require.NoError(t, err)
	assert.False(t, cache.Enabled)
	assert.Equal(t, 60, cache.TimeoutSeconds)

	require.NoError(t, repo.SaveProxyConfig(ctx, &service.ProxyConfig{
		Enabled: true, ProxyURL: "socks5://127.0.0.1:1080",
	}))
	proxy, err := repo.GetProxyConfig(ctx)
	require.NoError(t, err)
	assert.True(t, proxy.Enabled)
	assert.Equal(t, "socks5://127.0.0.1:1080", proxy.ProxyURL)

	require.NoError(t, repo.SaveCallLogicConfig(ctx, &service.CallLogicConfig{Mode: "rt_priority"}))
	cl, err := repo.GetCallLogicConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rt_priority", cl.Mode)
}
