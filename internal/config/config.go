// Package config provides configuration loading, defaults, and validation.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Sora         SoraConfig         `mapstructure:"sora"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Proxy        ProxyConfig        `mapstructure:"proxy"`
	TokenRefresh TokenRefreshConfig `mapstructure:"token_refresh"`
	Timezone     string             `mapstructure:"timezone"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// BaseURL 对外可见的服务地址，用于拼接缓存文件链接。为空时回退到 host:port。
	BaseURL string `mapstructure:"base_url"`
}

type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Output   LogOutputConfig   `mapstructure:"output"`
	Rotation LogRotationConfig `mapstructure:"rotation"`
}

type LogOutputConfig struct {
	ToStdout bool   `mapstructure:"to_stdout"`
	ToFile   bool   `mapstructure:"to_file"`
	FilePath string `mapstructure:"file_path"`
}

type LogRotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

type DatabaseConfig struct {
	// Path sqlite 数据库文件路径
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	// AdminUsername/AdminPassword 管理后台初始凭据
	AdminUsername string `mapstructure:"admin_username"`
	AdminPassword string `mapstructure:"admin_password"`
	// APIKey 调用方访问 /v1 接口的密钥
	APIKey string `mapstructure:"api_key"`
	// JWTSecret 管理会话令牌签名密钥
	JWTSecret string `mapstructure:"jwt_secret"`
	// JWTTTLHours 管理会话有效期（小时）
	JWTTTLHours int `mapstructure:"jwt_ttl_hours"`
}

type SoraConfig struct {
	// BaseURL 上游 Sora 后端地址
	BaseURL string `mapstructure:"base_url"`
	// SentinelURL 挑战端点
	SentinelURL string `mapstructure:"sentinel_url"`
	// ImageTimeoutSeconds / VideoTimeoutSeconds 生成任务超时
	ImageTimeoutSeconds int `mapstructure:"image_timeout_seconds"`
	VideoTimeoutSeconds int `mapstructure:"video_timeout_seconds"`
	// PollIntervalSeconds 轮询间隔
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	// RequestTimeoutSeconds 单次上游请求超时
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

type CacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Dir 缓存目录，通过 /tmp/<filename> 对外提供
	Dir string `mapstructure:"dir"`
	// TimeoutSeconds 缓存保留时长，-1 表示永久保留
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// BaseURL 覆盖缓存链接前缀（如经反代对外暴露时）
	BaseURL string `mapstructure:"base_url"`
}

type ProxyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type TokenRefreshConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Workers 批量刷新并发数
	Workers int `mapstructure:"workers"`
}

// Load reads config.yaml (path optional) plus SORA2API_* env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("SORA2API")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件缺失时允许纯默认值 + 环境变量启动
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8890)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output.to_stdout", true)
	v.SetDefault("log.output.file_path", "logs/sora2api.log")
	v.SetDefault("log.rotation.max_size_mb", 100)
	v.SetDefault("log.rotation.max_backups", 5)
	v.SetDefault("log.rotation.max_age_days", 14)
	v.SetDefault("database.path", "data/sora2api.db")
	v.SetDefault("auth.admin_username", "admin")
	v.SetDefault("auth.jwt_ttl_hours", 24)
	v.SetDefault("sora.base_url", "https://sora.chatgpt.com/backend")
	v.SetDefault("sora.sentinel_url", "https://chatgpt.com/backend-api/sentinel/req")
	v.SetDefault("sora.image_timeout_seconds", 300)
	v.SetDefault("sora.video_timeout_seconds", 1800)
	v.SetDefault("sora.poll_interval_seconds", 2)
	v.SetDefault("sora.request_timeout_seconds", 60)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.dir", "tmp")
	v.SetDefault("cache.timeout_seconds", 3600)
	v.SetDefault("token_refresh.enabled", false)
	v.SetDefault("token_refresh.workers", 4)
}

// Validate fails fast on configuration that cannot work at runtime.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Auth.AdminPassword == "" {
		return fmt.Errorf("config: auth.admin_password is required")
	}
	if c.Auth.APIKey == "" {
		return fmt.Errorf("config: auth.api_key is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret is required")
	}
	if c.Sora.BaseURL == "" {
		return fmt.Errorf("config: sora.base_url is required")
	}
	if _, err := url.Parse(c.Sora.BaseURL); err != nil {
		return fmt.Errorf("config: invalid sora.base_url: %w", err)
	}
	if c.Proxy.Enabled && c.Proxy.URL == "" {
		return fmt.Errorf("config: proxy.enabled requires proxy.url")
	}
	if c.Cache.TimeoutSeconds < -1 {
		return fmt.Errorf("config: cache.timeout_seconds must be >= -1")
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// PublicBaseURL returns the externally visible base URL for cached media.
func (c *Config) PublicBaseURL() string {
	if c.Cache.BaseURL != "" {
		return strings.TrimRight(c.Cache.BaseURL, "/")
	}
	if c.Server.BaseURL != "" {
		return strings.TrimRight(c.Server.BaseURL, "/")
	}
	return fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) ImageTimeout() time.Duration {
	if c.Sora.ImageTimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.Sora.ImageTimeoutSeconds) * time.Second
}

func (c *Config) VideoTimeout() time.Duration {
	if c.Sora.VideoTimeoutSeconds <= 0 {
		return 1800 * time.Second
	}
	return time.Duration(c.Sora.VideoTimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	if c.Sora.PollIntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Sora.PollIntervalSeconds) * time.Second
}
