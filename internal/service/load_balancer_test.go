//go:build unit

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Han-Qiu/sora2api/internal/pkg/sora"
)

func activeToken(id int64, useCount int) *Token {
	return &Token{
		ID:                  id,
		IsActive:            true,
		ImageEnabled:        true,
		VideoEnabled:        true,
		UseCount:            useCount,
		ImageConcurrency:    1,
		VideoConcurrency:    3,
		Sora2Supported:      true,
		Sora2RemainingCount: 10,
	}
}

func newTestLB(tokens ...*Token) (*LoadBalancer, *stubTokenRepo, *TokenLockTable, *ConcurrencyManager) {
	repo := newStubTokenRepo(tokens...)
	locks := NewTokenLockTable()
	conc := NewConcurrencyManager()
	return NewLoadBalancer(repo, locks, conc), repo, locks, conc
}

func TestSelectLeastUsed(t *testing.T) {
	lb, _, _, _ := newTestLB(activeToken(1, 5), activeToken(2, 2), activeToken(3, 8))

	token, err := lb.Select(context.Background(), false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, token.ID)
}

func TestSelectTieBreaksByLastUsedThenID(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now().Add(-time.Minute)

	a := activeToken(1, 3)
	a.LastUsedAt = &newer
	b := activeToken(2, 3)
	b.LastUsedAt = &older
	lb, _, _, _ := newTestLB(a, b)

	token, err := lb.Select(context.Background(), false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, token.ID)

	// 用量和时间全平手时取最小 id，保证确定性
	c := activeToken(5, 0)
	d := activeToken(4, 0)
	lb2, _, _, _ := newTestLB(c, d)
	token, err = lb2.Select(context.Background(), false)
	require.NoError(t, err)
	assert.EqualValues(t, 4, token.ID)
}

func TestSelectSkipsLockedImageToken(t *testing.T) {
	lb, _, locks, _ := newTestLB(activeToken(1, 0), activeToken(2, 5))

	_, ok := locks.TryAcquire(1, time.Minute)
	require.True(t, ok)

	token, err := lb.Select(context.Background(), false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, token.ID)

	// 视频不看图片锁
	token, err = lb.Select(context.Background(), true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, token.ID)
}

func TestSelectSkipsSaturatedToken(t *testing.T) {
	a := activeToken(1, 0)
	a.VideoConcurrency = 1
	lb, _, _, conc := newTestLB(a, activeToken(2, 9))

	res := conc.Acquire(1, SlotVideo, 1)
	require.True(t, res.Acquired)

	token, err := lb.Select(context.Background(), true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, token.ID)

	res.Release()
	token, err = lb.Select(context.Background(), true)
	require.NoError(t, err)
	assert.EqualValues(t, 1, token.ID)
}

func TestSelectVideoEligibilityGates(t *testing.T) {
	noQuota := activeToken(1, 0)
	noQuota.Sora2RemainingCount = 0

	notSupported := activeToken(2, 0)
	notSupported.Sora2Supported = false

	coolingDown := activeToken(3, 0)
	until := time.Now().Add(time.Hour)
	coolingDown.Sora2CooldownUntil = &until

	videoDisabled := activeToken(4, 0)
	videoDisabled.VideoEnabled = false

	ok := activeToken(5, 99)

	lb, _, _, _ := newTestLB(noQuota, notSupported, coolingDown, videoDisabled, ok)
	token, err := lb.Select(context.Background(), true)
	require.NoError(t, err)
	assert.EqualValues(t, 5, token.ID)

	// 图片面不卡 Sora2 配额
	token, err = lb.Select(context.Background(), false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, token.ID)
}

func TestSelectNoEligibleToken(t *testing.T) {
	expired := activeToken(1, 0)
	expired.IsExpired = true

	inactive := activeToken(2, 0)
	inactive.IsActive = false

	cooled := activeToken(3, 0)
	until := time.Now().Add(time.Hour)
	cooled.CooledUntil = &until

	lb, _, _, _ := newTestLB(expired, inactive, cooled)
	_, err := lb.Select(context.Background(), false)
	require.ErrorIs(t, err, sora.ErrNoEligibleToken)

	empty, _, _, _ := newTestLB()
	_, err = empty.Select(context.Background(), true)
	require.ErrorIs(t, err, sora.ErrNoEligibleToken)
}

func TestMarkSelectedTouchesUsage(t *testing.T) {
	lb, repo, _, _ := newTestLB(activeToken(1, 0))
	require.NoError(t, lb.MarkSelected(context.Background(), 1))
	assert.Equal(t, []int64{1}, repo.touched)
}
