//go:build unit

package service

import (
	"context"
	"sync"
	"time"
)

// stubSettings 返回预置配置，未设置的字段取零值配置。
type stubSettings struct {
	admin     AdminConfig
	proxy     ProxyConfig
	powProxy  PowProxyConfig
	watermark WatermarkFreeConfig
	cache     CacheConfig
	gen       GenerationConfig
	refresh   TokenRefreshConfig
	callLogic CallLogicConfig
}

var _ SettingsRepository = (*stubSettings)(nil)

func (s *stubSettings) GetAdminConfig(context.Context) (*AdminConfig, error) {
	cfg := s.admin
	return &cfg, nil
}
func (s *stubSettings) SaveAdminConfig(_ context.Context, cfg *AdminConfig) error {
	s.admin = *cfg
	return nil
}
func (s *stubSettings) GetProxyConfig(context.Context) (*ProxyConfig, error) {
	cfg := s.proxy
	return &cfg, nil
}
func (s *stubSettings) SaveProxyConfig(_ context.Context, cfg *ProxyConfig) error {
	s.proxy = *cfg
	return nil
}
func (s *stubSettings) GetPowProxyConfig(context.Context) (*PowProxyConfig, error) {
	cfg := s.powProxy
	return &cfg, nil
}
func (s *stubSettings) SavePowProxyConfig(_ context.Context, cfg *PowProxyConfig) error {
	s.powProxy = *cfg
	return nil
}
func (s *stubSettings) GetWatermarkFreeConfig(context.Context) (*WatermarkFreeConfig, error) {
	cfg := s.watermark
	return &cfg, nil
}
func (s *stubSettings) SaveWatermarkFreeConfig(_ context.Context, cfg *WatermarkFreeConfig) error {
	s.watermark = *cfg
	return nil
}
func (s *stubSettings) GetCacheConfig(context.Context) (*CacheConfig, error) {
	cfg := s.cache
	return &cfg, nil
}
func (s *stubSettings) SaveCacheConfig(_ context.Context, cfg *CacheConfig) error {
	s.cache = *cfg
	return nil
}
func (s *stubSettings) GetGenerationConfig(context.Context) (*GenerationConfig, error) {
	cfg := s.gen
	return &cfg, nil
}
func (s *stubSettings) SaveGenerationConfig(_ context.Context, cfg *GenerationConfig) error {
	s.gen = *cfg
	return nil
}
func (s *stubSettings) GetTokenRefreshConfig(context.Context) (*TokenRefreshConfig, error) {
	cfg := s.refresh
	return &cfg, nil
}
func (s *stubSettings) SaveTokenRefreshConfig(_ context.Context, cfg *TokenRefreshConfig) error {
	s.refresh = *cfg
	return nil
}
func (s *stubSettings) GetCallLogicConfig(context.Context) (*CallLogicConfig, error) {
	cfg := s.callLogic
	return &cfg, nil
}
func (s *stubSettings) SaveCallLogicConfig(_ context.Context, cfg *CallLogicConfig) error {
	s.callLogic = *cfg
	return nil
}

// stubTokenRepo 内存令牌仓储，按插入顺序返回。
type stubTokenRepo struct {
	mu      sync.Mutex
	tokens  []*Token
	nextID  int64
	touched []int64
	active  map[int64]bool
}

var _ TokenRepository = (*stubTokenRepo)(nil)

func newStubTokenRepo(tokens ...*Token) *stubTokenRepo {
	repo := &stubTokenRepo{nextID: 1, active: make(map[int64]bool)}
	for _, t := range tokens {
		repo.tokens = append(repo.tokens, t)
		if t.ID >= repo.nextID {
			repo.nextID = t.ID + 1
		}
	}
	return repo
}

func (r *stubTokenRepo) Create(_ context.Context, t *Token) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.ID = r.nextID
	r.nextID++
	r.tokens = append(r.tokens, t)
	return t.ID, nil
}

func (r *stubTokenRepo) GetByID(_ context.Context, id int64) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, nil
}

func (r *stubTokenRepo) GetByEmail(_ context.Context, email string) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.Email == email {
			return t, nil
		}
	}
	return nil, nil
}

func (r *stubTokenRepo) List(context.Context) ([]*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Token(nil), r.tokens...), nil
}

func (r *stubTokenRepo) ListActive(context.Context) ([]*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Token
	for _, t := range r.tokens {
		if t.IsActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *stubTokenRepo) Update(context.Context, *Token) error { return nil }

func (r *stubTokenRepo) UpdateFields(context.Context, int64, map[string]any) error { return nil }

func (r *stubTokenRepo) SetActive(_ context.Context, id int64, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[id] = active
	for _, t := range r.tokens {
		if t.ID == id {
			t.IsActive = active
		}
	}
	return nil
}

func (r *stubTokenRepo) TouchUsage(_ context.Context, id int64, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, id)
	return nil
}

func (r *stubTokenRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.tokens {
		if t.ID == id {
			r.tokens = append(r.tokens[:i], r.tokens[i+1:]...)
			break
		}
	}
	return nil
}

func (r *stubTokenRepo) DeleteInactive(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []*Token
	var removed int64
	for _, t := range r.tokens {
		if t.IsActive {
			kept = append(kept, t)
		} else {
			removed++
		}
	}
	r.tokens = kept
	return removed, nil
}

// stubStatsRepo 记录调用并返回可配置的连续错误数。
type stubStatsRepo struct {
	mu          sync.Mutex
	successes   []int64
	errors      []int64
	resets      []int64
	consecutive int
}

var _ TokenStatsRepository = (*stubStatsRepo)(nil)

func (r *stubStatsRepo) RecordSuccess(_ context.Context, tokenID int64, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, tokenID)
	return nil
}

func (r *stubStatsRepo) RecordError(_ context.Context, tokenID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, tokenID)
	r.consecutive++
	return r.consecutive, nil
}

func (r *stubStatsRepo) ResetConsecutiveErrors(_ context.Context, tokenID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutive = 0
	return nil
}

func (r *stubStatsRepo) ResetErrors(_ context.Context, tokenID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, tokenID)
	r.consecutive = 0
	return nil
}

func (r *stubStatsRepo) GetByTokenID(_ context.Context, tokenID int64) (*TokenStats, error) {
	return &TokenStats{TokenID: tokenID}, nil
}

func (r *stubStatsRepo) Totals(context.Context) (*TokenStats, error) {
	return &TokenStats{}, nil
}

// stubFilesRepo 记录缓存索引写入。
type stubFilesRepo struct {
	mu      sync.Mutex
	created []*CachedFile
}

var _ CachedFileRepository = (*stubFilesRepo)(nil)

func (r *stubFilesRepo) Create(_ context.Context, f *CachedFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, f)
	return nil
}

func (r *stubFilesRepo) GetByFileName(context.Context, string) (*CachedFile, error) {
	return nil, nil
}

func (r *stubFilesRepo) ListExpired(context.Context, time.Time, int) ([]*CachedFile, error) {
	return nil, nil
}

func (r *stubFilesRepo) DeleteByIDs(context.Context, []int64) error { return nil }
