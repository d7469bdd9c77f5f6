package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/alitto/pond/v2"

	"github.com/Han-Qiu/sora2api/internal/pkg/logger"
)

// 导入模式
const (
	ImportModeOffline = "offline" // 直接入库，不做上游校验
	ImportModeAT      = "at"
	ImportModeST      = "st"
	ImportModeRT      = "rt"
	ImportModePureRT  = "pure_rt" // 仅 RT，换发 AT 后从 JWT 取邮箱
)

const batchWorkers = 4

// ImportItem 批量导入的一条记录。
type ImportItem struct {
	AccessToken  string `json:"access_token"`
	SessionToken string `json:"session_token"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	ProxyURL     string `json:"proxy_url"`
	Remark       string `json:"remark"`
}

// ImportResult 批量导入汇总。
type ImportResult struct {
	Total   int      `json:"total"`
	Added   int      `json:"added"`
	Skipped int      `json:"skipped"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// Import 批量导入令牌。非 offline 模式会先校验必填凭证，
// pure_rt 模式逐条换发 access token。
func (s *TokenService) Import(ctx context.Context, mode string, items []ImportItem) (*ImportResult, error) {
	result := &ImportResult{Total: len(items)}
	var mu sync.Mutex

	pool := pond.NewPool(batchWorkers)
	defer pool.StopAndWait()

	group := pool.NewGroup()
	for _, item := range items {
		item := item
		group.Submit(func() {
			err := s.importOne(ctx, mode, item)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.Added++
			case strings.Contains(err.Error(), "令牌已存在"):
				result.Skipped++
			default:
				result.Failed++
				result.Errors = append(result.Errors, err.Error())
			}
		})
	}
	group.Wait()
	return result, nil
}

func (s *TokenService) importOne(ctx context.Context, mode string, item ImportItem) error {
	in := AddTokenInput{
		AccessToken:      item.AccessToken,
		SessionToken:     item.SessionToken,
		RefreshToken:     item.RefreshToken,
		ClientID:         item.ClientID,
		ProxyURL:         item.ProxyURL,
		Remark:           item.Remark,
		ImageEnabled:     true,
		VideoEnabled:     true,
		ImageConcurrency: 1,
		VideoConcurrency: 3,
	}
	switch mode {
	case ImportModeOffline, ImportModeAT:
		if strings.TrimSpace(item.AccessToken) == "" {
			return fmt.Errorf("导入缺少 access_token")
		}
	case ImportModeST:
		if strings.TrimSpace(item.SessionToken) == "" {
			return fmt.Errorf("导入缺少 session_token")
		}
		in.AccessToken = ""
	case ImportModeRT, ImportModePureRT:
		if strings.TrimSpace(item.RefreshToken) == "" {
			return fmt.Errorf("导入缺少 refresh_token")
		}
		in.AccessToken = ""
		in.SessionToken = ""
	default:
		return fmt.Errorf("未知导入模式: %s", mode)
	}
	_, err := s.Add(ctx, in)
	return err
}

// BatchTestResult 单个令牌的批量检测结果。
type BatchTestResult struct {
	TokenID int64  `json:"token_id"`
	Email   string `json:"email"`
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// BatchTest 并发检测全部令牌并刷新描述字段。
func (s *TokenService) BatchTest(ctx context.Context, workers int) ([]BatchTestResult, error) {
	tokens, err := s.tokens.List(ctx)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = batchWorkers
	}

	results := make([]BatchTestResult, len(tokens))
	pool := pond.NewPool(workers)
	defer pool.StopAndWait()

	group := pool.NewGroup()
	for i, t := range tokens {
		i, t := i, t
		group.Submit(func() {
			r := BatchTestResult{TokenID: t.ID, Email: t.Email}
			if updated, terr := s.Test(ctx, t.ID); terr != nil {
				r.Valid = false
				r.Message = terr.Error()
				if updated != nil {
					r.Email = updated.Email
				}
			} else {
				r.Valid = true
				r.Email = updated.Email
			}
			results[i] = r
		})
	}
	group.Wait()
	return results, nil
}

// EnableAll 启用全部令牌并清零其错误计数。
func (s *TokenService) EnableAll(ctx context.Context) (int, error) {
	tokens, err := s.tokens.List(ctx)
	if err != nil {
		return 0, err
	}
	enabled := 0
	for _, t := range tokens {
		if t.IsActive {
			continue
		}
		if err := s.Enable(ctx, t.ID); err != nil {
			logger.Warnf("启用令牌失败 %d: %v", t.ID, err)
			continue
		}
		enabled++
	}
	return enabled, nil
}

// DisableSelected 停用指定令牌。
func (s *TokenService) DisableSelected(ctx context.Context, ids []int64) (int, error) {
	disabled := 0
	for _, id := range ids {
		if err := s.tokens.SetActive(ctx, id, false); err != nil {
			logger.Warnf("停用令牌失败 %d: %v", id, err)
			continue
		}
		disabled++
	}
	return disabled, nil
}

// DeleteSelected 删除指定令牌。
func (s *TokenService) DeleteSelected(ctx context.Context, ids []int64) (int, error) {
	deleted := 0
	for _, id := range ids {
		if err := s.tokens.Delete(ctx, id); err != nil {
			logger.Warnf("删除令牌失败 %d: %v", id, err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// DeleteDisabled 删除所有停用令牌。
func (s *TokenService) DeleteDisabled(ctx context.Context) (int64, error) {
	return s.tokens.DeleteInactive(ctx)
}

// UpdateProxySelected 批量设置令牌级代理。
func (s *TokenService) UpdateProxySelected(ctx context.Context, ids []int64, proxyURL string) (int, error) {
	updated := 0
	for _, id := range ids {
		if err := s.tokens.UpdateFields(ctx, id, map[string]any{"proxy_url": strings.TrimSpace(proxyURL)}); err != nil {
			logger.Warnf("更新令牌代理失败 %d: %v", id, err)
			continue
		}
		updated++
	}
	return updated, nil
}
