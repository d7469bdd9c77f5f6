package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Han-Qiu/sora2api/internal/service"
)

// settingsRepository 实现 service.SettingsRepository。
// 每张配置表固定单行（id = 1），写入用 upsert。
type settingsRepository struct {
	sql *sql.DB
}

// NewSettingsRepository 创建配置仓储实例。
func NewSettingsRepository(sqlDB *sql.DB) service.SettingsRepository {
	return &settingsRepository{sql: sqlDB}
}

func (r *settingsRepository) GetAdminConfig(ctx context.Context) (*service.AdminConfig, error) {
	row := r.sql.QueryRowContext(ctx, `
		SELECT error_ban_threshold, task_retry_enabled, task_max_retries,
			auto_disable_on_401, api_key, admin_password, debug_enabled
		FROM admin_config WHERE id = 1
	`)
	var (
		cfg                             service.AdminConfig
		retryEnabled, disable401, debug int
	)
	err := row.Scan(&cfg.ErrorBanThreshold, &retryEnabled, &cfg.TaskMaxRetries,
		&disable401, &cfg.APIKey, &cfg.AdminPassword, &debug)
	if errors.Is(err, sql.ErrNoRows) {
		return &service.AdminConfig{ErrorBanThreshold: 3, TaskMaxRetries: 1, AutoDisableOn401: true}, nil
	}
	if err != nil {
		return nil, err
	}
	cfg.TaskRetryEnabled = retryEnabled != 0
	cfg.AutoDisableOn401 = disable401 != 0
	cfg.DebugEnabled = debug != 0
	return &cfg, nil
}

func (r *settingsRepository) SaveAdminConfig(ctx context.Context, cfg *service.AdminConfig) error {
	_, err := r.sql.ExecContext(ctx, `
		INSERT INTO admin_config (id, error_ban_threshold, task_retry_enabled, task_max_retries,
			auto_disable_on_401, api_key, admin_password, debug_enabled)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			error_ban_threshold = excluded.error_ban_threshold,
			task_retry_enabled = excluded.task_retry_enabled,
			task_max_retries = excluded.task_max_retries,
			auto_disable_on_401 = excluded.auto_disable_on_401,
			api_key = excluded.api_key,
			admin_password = excluded.admin_password,
			debug_enabled = excluded.debug_enabled
	`, cfg.ErrorBanThreshold, boolInt(cfg.TaskRetryEnabled), cfg.TaskMaxRetries,
		boolInt(cfg.AutoDisableOn401), cfg.APIKey, cfg.AdminPassword, boolInt(cfg.DebugEnabled))
	return err
}

func (r *settingsRepository) GetProxyConfig(ctx context.Context) (*service.ProxyConfig, error) {
	row := r.sql.QueryRowContext(ctx, `SELECT enabled, proxy_url FROM proxy_config WHERE id = 1`)
	var (
		cfg     service.ProxyConfig
		enabled int
	)
	err := row.Scan(&enabled, &cfg.ProxyURL)
	if errors.Is(err, sql.ErrNoRows) {
		return &service.ProxyConfig{}, nil
	}
	if err != nil {
		return nil, err
	}
	cfg.Enabled = enabled != 0
	return &cfg, nil
}

func (r *settingsRepository) SaveProxyConfig(ctx context.Context, cfg *service.ProxyConfig) error {
	_, err := r.sql.ExecContext(ctx, `
		INSERT INTO proxy_config (id, enabled, proxy_url) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET enabled = excluded.enabled, proxy_url = excluded.proxy_url
	`, boolInt(cfg.Enabled), cfg.ProxyURL)
	return err
}

func (r *settingsRepository) GetPowProxyConfig(ctx context.Context) (*service.PowProxyConfig, error) {
	row := r.sql.QueryRowContext(ctx, `SELECT enabled, proxy_url FROM pow_proxy_config WHERE id = 1`)
	var (
		cfg     service.PowProxyConfig
		enabled int
	)
	err := row.Scan(&enabled, &cfg.ProxyURL)
	if errors.Is(err, sql.ErrNoRows) {
		return &service.PowProxyConfig{}, nil
	}
	if err != nil {
		return nil, err
	}
	cfg.Enabled = enabled != 0
	return &cfg, nil
}

func (r *settingsRepository) SavePowProxyConfig(ctx context.Context, cfg *service.PowProxyConfig) error {
	_, err := r.sql.ExecContext(ctx, `
		INSERT INTO pow_proxy_config (id, enabled, proxy_url) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET enabled = excluded.enabled, proxy_url = excluded.proxy_url
	`, boolInt(cfg.Enabled), cfg.ProxyURL)
	return err
}

func (r *settingsRepository) GetWatermarkFreeConfig(ctx context.Context) (*service.WatermarkFreeConfig, error) {
	row := r.sql.QueryRowContext(ctx, `
		SELECT enabled, custom_parse_enabled, parse_url, parse_token, fallback_enabled
		FROM watermark_free_config WHERE id = 1
	`)
	var (
		cfg                    service.WatermarkFreeConfig
		enabled, custom, fb    int
	)
	err := row.Scan(&enabled, &custom, &cfg.ParseURL, &cfg.ParseToken, &fb)
	if errors.Is(err, sql.ErrNoRows) {
		return &service.WatermarkFreeConfig{FallbackEnabled: true}, nil
	}
	if err != nil {
		return nil, err
	}
	cfg.Enabled = enabled != 0
	cfg.CustomParseEnabled = custom != 0
	cfg.FallbackEnabled = fb != 0
	return &cfg, nil
}

func (r *settingsRepository) SaveWatermarkFreeConfig(ctx context.Context, cfg *service.WatermarkFreeConfig) error {
	_, err := r.sql.ExecContext(ctx, `
		INSERT INTO watermark_free_config (id, enabled, custom_parse_enabled, parse_url, parse_token, fallback_enabled)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			enabled = excluded.enabled,
			custom_parse_enabled = excluded.custom_parse_enabled,
			parse_url = excluded.parse_url,
			parse_token = excluded.parse_token,
			fallback_enabled = excluded.fallback_enabled
	`, boolInt(cfg.Enabled), boolInt(cfg.CustomParseEnabled), cfg.ParseURL, cfg.ParseToken, boolInt(cfg.FallbackEnabled))
	return err
}

func (r *settingsRepository) GetCacheConfig(ctx context.Context) (*service.CacheConfig, error) {
	row := r.sql.QueryRowContext(ctx, `SELECT enabled, timeout_seconds, base_url FROM cache_config WHERE id = 1`)
	var (
		cfg     service.CacheConfig
		enabled int
	)
	err := row.Scan(&enabled, &cfg.TimeoutSeconds, &cfg.BaseURL)
	if errors.Is(err, sql.ErrNoRows) {
		return &service.CacheConfig{Enabled: true, TimeoutSeconds: 3600}, nil
	}
	if err != nil {
		return nil, err
	}
	cfg.Enabled = enabled != 0
	return &cfg, nil
}

func (r *settingsRepository) SaveCacheConfig(ctx context.Context, cfg *service.CacheConfig) error {
	_, err := r.sql.ExecContext(ctx, `
		INSERT INTO cache_config (id, enabled, timeout_seconds, base_url) VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			enabled = excluded.enabled,
			timeout_seconds = excluded.timeout_seconds,
			base_url = excluded.base_url
	`, boolInt(cfg.Enabled), cfg.TimeoutSeconds, cfg.BaseURL)
	return err
}

func (r *settingsRepository) GetGenerationConfig(ctx context.Context) (*service.GenerationConfig, error) {
	row := r.sql.QueryRowContext(ctx,
		`SELECT image_timeout_seconds, video_timeout_seconds FROM generation_config WHERE id = 1`)
	var cfg service.GenerationConfig
	err := row.Scan(&cfg.ImageTimeoutSeconds, &cfg.VideoTimeoutSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return &service.GenerationConfig{ImageTimeoutSeconds: 300, VideoTimeoutSeconds: 1800}, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *settingsRepository) SaveGenerationConfig(ctx context.Context, cfg *service.GenerationConfig) error {
	_, err := r.sql.ExecContext(ctx, `
		INSERT INTO generation_config (id, image_timeout_seconds, video_timeout_seconds) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			image_timeout_seconds = excluded.image_timeout_seconds,
			video_timeout_seconds = excluded.video_timeout_seconds
	`, cfg.ImageTimeoutSeconds, cfg.VideoTimeoutSeconds)
	return err
}

func (r *settingsRepository) GetTokenRefreshConfig(ctx context.Context) (*service.TokenRefreshConfig, error) {
	row := r.sql.QueryRowContext(ctx,
		`SELECT enabled, interval_hours, workers FROM token_refresh_config WHERE id = 1`)
	var (
		cfg     service.TokenRefreshConfig
		enabled int
	)
	err := row.Scan(&enabled, &cfg.IntervalHours, &cfg.Workers)
	if errors.Is(err, sql.ErrNoRows) {
		return &service.TokenRefreshConfig{IntervalHours: 24, Workers: 4}, nil
	}
	if err != nil {
		return nil, err
	}
	cfg.Enabled = enabled != 0
	return &cfg, nil
}

func (r *settingsRepository) SaveTokenRefreshConfig(ctx context.Context, cfg *service.TokenRefreshConfig) error {
	_, err := r.sql.ExecContext(ctx, `
		INSERT INTO token_refresh_config (id, enabled, interval_hours, workers) VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			enabled = excluded.enabled,
			interval_hours = excluded.interval_hours,
			workers = excluded.workers
	`, boolInt(cfg.Enabled), cfg.IntervalHours, cfg.Workers)
	return err
}

func (r *settingsRepository) GetCallLogicConfig(ctx context.Context) (*service.CallLogicConfig, error) {
	row := r.sql.QueryRowContext(ctx, `SELECT mode FROM call_logic_config WHERE id = 1`)
	var cfg service.CallLogicConfig
	err := row.Scan(&cfg.Mode)
	if errors.Is(err, sql.ErrNoRows) {
		return &service.CallLogicConfig{Mode: "auto"}, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *settingsRepository) SaveCallLogicConfig(ctx context.Context, cfg *service.CallLogicConfig) error {
	_, err := r.sql.ExecContext(ctx, `
		INSERT INTO call_logic_config (id, mode) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET mode = excluded.mode
	`, cfg.Mode)
	return err
}
