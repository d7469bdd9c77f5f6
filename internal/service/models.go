// Package service 实现网关的业务层：令牌池、并发控制、生成编排与后台任务。
package service

import (
	"context"
	"time"
)

// 任务状态
const (
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// Token 表示一条上游账号凭证记录。
type Token struct {
	ID           int64
	AccessToken  string
	SessionToken string
	RefreshToken string
	ClientID     string
	ProxyURL     string
	Email        string
	Remark       string

	IsActive    bool
	CooledUntil *time.Time
	CreatedAt   time.Time
	LastUsedAt  *time.Time
	UseCount    int

	PlanType        string
	PlanTitle       string
	SubscriptionEnd *time.Time
	IsExpired       bool

	Sora2Supported      bool
	Sora2InviteCode     string
	Sora2RedeemedCount  int
	Sora2TotalCount     int
	Sora2RemainingCount int
	Sora2CooldownUntil  *time.Time

	ImageEnabled bool
	VideoEnabled bool
	// 并发上限，-1 表示不限
	ImageConcurrency int
	VideoConcurrency int
}

// EligibleForImage 判定图片任务资格（不含锁/槽位可用性）。
func (t *Token) EligibleForImage(now time.Time) bool {
	if !t.IsActive || !t.ImageEnabled || t.IsExpired {
		return false
	}
	if t.CooledUntil != nil && t.CooledUntil.After(now) {
		return false
	}
	return true
}

// EligibleForVideo 判定视频任务资格：图片资格之上叠加 Sora2 配额与冷却。
func (t *Token) EligibleForVideo(now time.Time) bool {
	if !t.IsActive || !t.VideoEnabled || t.IsExpired {
		return false
	}
	if t.CooledUntil != nil && t.CooledUntil.After(now) {
		return false
	}
	if !t.Sora2Supported || t.Sora2RemainingCount <= 0 {
		return false
	}
	if t.Sora2CooldownUntil != nil && t.Sora2CooldownUntil.After(now) {
		return false
	}
	return true
}

// TokenStats 表示单个令牌的调用统计，请求终结时单写者更新。
type TokenStats struct {
	TokenID               int64
	ImageCount            int
	VideoCount            int
	ErrorCount            int
	TodayImageCount       int
	TodayVideoCount       int
	TodayErrorCount       int
	TodayDate             *time.Time
	ConsecutiveErrorCount int
	UpdatedAt             time.Time
}

// Task 表示一次生成任务记录。
type Task struct {
	TaskID       string
	TokenID      int64
	Model        string
	Prompt       string
	Status       string
	Progress     float64
	ResultURLs   string
	ErrorMessage string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// RequestLog 表示一次入站请求的落库记录。取消的请求以 499 关闭。
type RequestLog struct {
	ID           int64
	Model        string
	TokenID      int64
	StatusCode   int
	DurationMs   int64
	ErrorMessage string
	CreatedAt    time.Time
}

// CachedFile 表示缓存目录中的一个文件索引项。
type CachedFile struct {
	ID          int64
	FileName    string
	MediaType   string // image | video
	OriginalURL string
	SizeBytes   int64
	// ExpiresAt 为空表示永不过期（timeout = -1）
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// AdminConfig 是进程级单行配置。
type AdminConfig struct {
	ErrorBanThreshold int
	TaskRetryEnabled  bool
	TaskMaxRetries    int
	AutoDisableOn401  bool
	APIKey            string
	AdminPassword     string
	DebugEnabled      bool
}

// ProxyConfig 全局代理配置，可被令牌级 proxy_url 覆盖。
type ProxyConfig struct {
	Enabled  bool
	ProxyURL string
}

// PowProxyConfig PoW/哨兵流量独立代理。
type PowProxyConfig struct {
	Enabled  bool
	ProxyURL string
}

// WatermarkFreeConfig 无水印取片配置。
type WatermarkFreeConfig struct {
	Enabled bool
	// 自定义解析服务：POST {url, token} 返回 download_link
	CustomParseEnabled bool
	ParseURL           string
	ParseToken         string
	// 解析失败时回退 downloadable_url
	FallbackEnabled bool
}

// CacheConfig 文件缓存配置。TimeoutSeconds = -1 表示不过期。
type CacheConfig struct {
	Enabled        bool
	TimeoutSeconds int
	BaseURL        string
}

// GenerationConfig 生成超时配置（秒）。
type GenerationConfig struct {
	ImageTimeoutSeconds int
	VideoTimeoutSeconds int
}

// TokenRefreshConfig 后台批量刷新配置。
type TokenRefreshConfig struct {
	Enabled       bool
	IntervalHours int
	Workers       int
}

// CallLogicConfig 控制生成调用策略。
type CallLogicConfig struct {
	// Mode: auto 按需选择；at_only 只用 access_token；rt_priority 优先刷新
	Mode string
}

// TokenRepository 定义令牌仓储接口。
type TokenRepository interface {
	Create(ctx context.Context, token *Token) (int64, error)
	GetByID(ctx context.Context, id int64) (*Token, error)
	GetByEmail(ctx context.Context, email string) (*Token, error)
	List(ctx context.Context) ([]*Token, error)
	ListActive(ctx context.Context) ([]*Token, error)
	Update(ctx context.Context, token *Token) error
	UpdateFields(ctx context.Context, id int64, updates map[string]any) error
	SetActive(ctx context.Context, id int64, active bool) error
	TouchUsage(ctx context.Context, id int64, usedAt time.Time) error
	Delete(ctx context.Context, id int64) error
	DeleteInactive(ctx context.Context) (int64, error)
}

// TokenStatsRepository 定义统计仓储接口。
type TokenStatsRepository interface {
	RecordSuccess(ctx context.Context, tokenID int64, isVideo bool) error
	// RecordError 返回累计连续错误数，供禁用阈值判定
	RecordError(ctx context.Context, tokenID int64) (int, error)
	ResetConsecutiveErrors(ctx context.Context, tokenID int64) error
	ResetErrors(ctx context.Context, tokenID int64) error
	GetByTokenID(ctx context.Context, tokenID int64) (*TokenStats, error)
	Totals(ctx context.Context) (*TokenStats, error)
}

// TaskRepository 定义任务仓储接口。
type TaskRepository interface {
	Create(ctx context.Context, task *Task) error
	GetByTaskID(ctx context.Context, taskID string) (*Task, error)
	UpdateStatus(ctx context.Context, taskID, status string, progress float64, resultURLs, errorMessage string, completedAt *time.Time) error
	ListRecent(ctx context.Context, limit int) ([]*Task, error)
	CountByStatus(ctx context.Context, status string) (int64, error)
}

// RequestLogRepository 定义请求日志仓储接口。
type RequestLogRepository interface {
	Create(ctx context.Context, log *RequestLog) error
	ListRecent(ctx context.Context, limit int) ([]*RequestLog, error)
	DeleteAll(ctx context.Context) error
}

// CachedFileRepository 定义缓存文件索引仓储接口。
type CachedFileRepository interface {
	Create(ctx context.Context, file *CachedFile) error
	GetByFileName(ctx context.Context, fileName string) (*CachedFile, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*CachedFile, error)
	DeleteByIDs(ctx context.Context, ids []int64) error
}

// SettingsRepository 定义各单行配置表的读写接口。
type SettingsRepository interface {
	GetAdminConfig(ctx context.Context) (*AdminConfig, error)
	SaveAdminConfig(ctx context.Context, cfg *AdminConfig) error
	GetProxyConfig(ctx context.Context) (*ProxyConfig, error)
	SaveProxyConfig(ctx context.Context, cfg *ProxyConfig) error
	GetPowProxyConfig(ctx context.Context) (*PowProxyConfig, error)
	SavePowProxyConfig(ctx context.Context, cfg *PowProxyConfig) error
	GetWatermarkFreeConfig(ctx context.Context) (*WatermarkFreeConfig, error)
	SaveWatermarkFreeConfig(ctx context.Context, cfg *WatermarkFreeConfig) error
	GetCacheConfig(ctx context.Context) (*CacheConfig, error)
	SaveCacheConfig(ctx context.Context, cfg *CacheConfig) error
	GetGenerationConfig(ctx context.Context) (*GenerationConfig, error)
	SaveGenerationConfig(ctx context.Context, cfg *GenerationConfig) error
	GetTokenRefreshConfig(ctx context.Context) (*TokenRefreshConfig, error)
	SaveTokenRefreshConfig(ctx context.Context, cfg *TokenRefreshConfig) error
	GetCallLogicConfig(ctx context.Context) (*CallLogicConfig, error)
	SaveCallLogicConfig(ctx context.Context, cfg *CallLogicConfig) error
}
