package service

import (
	"sync"
	"time"
)

// TokenLockTable 是图片任务的每令牌排他锁。
// 上游拒绝同账号并行图片任务，锁 TTL 等于图片超时：即使持有方崩溃，
// 锁到期后自动视为空闲，不会永久搁置令牌。
type TokenLockTable struct {
	mu    sync.Mutex
	locks map[int64]*tokenLock
	seq   uint64
}

type tokenLock struct {
	owner     uint64
	expiresAt time.Time
}

// NewTokenLockTable 创建锁表。
func NewTokenLockTable() *TokenLockTable {
	return &TokenLockTable{locks: make(map[int64]*tokenLock)}
}

// Free 只读探测锁是否空闲（含已过期视为空闲）。
func (t *TokenLockTable) Free(tokenID int64, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.locks[tokenID]
	return !ok || now.After(lock.expiresAt)
}

// TryAcquire 尝试获取排他锁，成功返回幂等的释放函数。
func (t *TokenLockTable) TryAcquire(tokenID int64, ttl time.Duration) (func(), bool) {
	now := time.Now()
	t.mu.Lock()
	if lock, ok := t.locks[tokenID]; ok && now.Before(lock.expiresAt) {
		t.mu.Unlock()
		return nil, false
	}
	t.seq++
	owner := t.seq
	t.locks[tokenID] = &tokenLock{owner: owner, expiresAt: now.Add(ttl)}
	t.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			t.mu.Lock()
			// 只释放自己持有的锁；过期后被他人重新获取的锁不受影响
			if lock, ok := t.locks[tokenID]; ok && lock.owner == owner {
				delete(t.locks, tokenID)
			}
			t.mu.Unlock()
		})
	}
	return release, true
}
