package service

import (
	"context"
	"sort"
	"time"

	"github.com/Han-Qiu/sora2api/internal/pkg/sora"
)

// LoadBalancer 从令牌池中选出下一个可用令牌。
// 纯选择：不取锁不占槽，失败的调用方换令牌重试由上层驱动。
type LoadBalancer struct {
	tokens TokenRepository
	locks  *TokenLockTable
	conc   *ConcurrencyManager
}

// NewLoadBalancer 创建负载均衡器。
func NewLoadBalancer(tokens TokenRepository, locks *TokenLockTable, conc *ConcurrencyManager) *LoadBalancer {
	return &LoadBalancer{tokens: tokens, locks: locks, conc: conc}
}

// Select 返回最少使用的合格令牌。forVideo 为 true 时附加 Sora2 资格门槛。
// 没有任何合格令牌时返回 sora.ErrNoEligibleToken。
func (lb *LoadBalancer) Select(ctx context.Context, forVideo bool) (*Token, error) {
	candidates, err := lb.tokens.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	eligible := candidates[:0]
	for _, t := range candidates {
		if forVideo {
			if !t.EligibleForVideo(now) {
				continue
			}
			if !lb.conc.Available(t.ID, SlotVideo, t.VideoConcurrency) {
				continue
			}
		} else {
			if !t.EligibleForImage(now) {
				continue
			}
			// 图片还要求排他锁空闲
			if !lb.locks.Free(t.ID, now) {
				continue
			}
			if !lb.conc.Available(t.ID, SlotImage, t.ImageConcurrency) {
				continue
			}
		}
		eligible = append(eligible, t)
	}
	if len(eligible) == 0 {
		return nil, sora.ErrNoEligibleToken
	}

	// 最少使用优先；平手取最久未用；再平手取最小 id，保证确定性
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.UseCount != b.UseCount {
			return a.UseCount < b.UseCount
		}
		au, bu := lastUsedOrZero(a), lastUsedOrZero(b)
		if !au.Equal(bu) {
			return au.Before(bu)
		}
		return a.ID < b.ID
	})
	return eligible[0], nil
}

// MarkSelected 选中后更新使用痕迹。
func (lb *LoadBalancer) MarkSelected(ctx context.Context, tokenID int64) error {
	return lb.tokens.TouchUsage(ctx, tokenID, time.Now())
}

func lastUsedOrZero(t *Token) time.Time {
	if t.LastUsedAt == nil {
		return time.Time{}
	}
	return *t.LastUsedAt
}
