package service

import (
	"sync"
)

// SlotKind 区分图片与视频两套独立的并发配额。
type SlotKind int

const (
	SlotImage SlotKind = iota
	SlotVideo
)

func (k SlotKind) String() string {
	if k == SlotVideo {
		return "video"
	}
	return "image"
}

type slotKey struct {
	tokenID int64
	kind    SlotKind
}

// AcquireResult 是一次槽位获取的结果。Acquired 为 false 时 Release 为 nil。
type AcquireResult struct {
	Acquired bool
	// Release 幂等，终结路径上无条件调用
	Release func()
}

// ConcurrencyManager 维护进程内的每令牌并发计数。
// 容量为 -1 表示不限；acquire 非阻塞，满了直接失败让负载均衡换下一个令牌。
type ConcurrencyManager struct {
	mu       sync.Mutex
	inflight map[slotKey]int
}

// NewConcurrencyManager 创建并发管理器。
func NewConcurrencyManager() *ConcurrencyManager {
	return &ConcurrencyManager{inflight: make(map[slotKey]int)}
}

// Available 只读探测是否有空闲槽位，供负载均衡的资格判定使用。
func (m *ConcurrencyManager) Available(tokenID int64, kind SlotKind, capacity int) bool {
	if capacity < 0 {
		return true
	}
	if capacity == 0 {
		capacity = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight[slotKey{tokenID, kind}] < capacity
}

// Acquire 尝试占用一个槽位。
func (m *ConcurrencyManager) Acquire(tokenID int64, kind SlotKind, capacity int) AcquireResult {
	if capacity == 0 {
		capacity = 1
	}
	key := slotKey{tokenID, kind}

	m.mu.Lock()
	if capacity > 0 && m.inflight[key] >= capacity {
		m.mu.Unlock()
		return AcquireResult{}
	}
	m.inflight[key]++
	m.mu.Unlock()

	var once sync.Once
	return AcquireResult{
		Acquired: true,
		Release: func() {
			once.Do(func() {
				m.mu.Lock()
				if m.inflight[key] > 0 {
					m.inflight[key]--
				}
				if m.inflight[key] == 0 {
					delete(m.inflight, key)
				}
				m.mu.Unlock()
			})
		},
	}
}

// InFlight 返回当前占用数，用于统计展示。
func (m *ConcurrencyManager) InFlight(tokenID int64, kind SlotKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight[slotKey{tokenID, kind}]
}
