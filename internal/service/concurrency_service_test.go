//go:build unit

package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrencyAcquireRelease(t *testing.T) {
	m := NewConcurrencyManager()

	first := m.Acquire(1, SlotImage, 1)
	require.True(t, first.Acquired)
	assert.Equal(t, 1, m.InFlight(1, SlotImage))

	// 容量 1 满了，第二次失败
	second := m.Acquire(1, SlotImage, 1)
	assert.False(t, second.Acquired)
	assert.Nil(t, second.Release)

	// 视频槽位独立计数
	assert.True(t, m.Acquire(1, SlotVideo, 1).Acquired)

	first.Release()
	assert.Equal(t, 0, m.InFlight(1, SlotImage))
	assert.True(t, m.Acquire(1, SlotImage, 1).Acquired)
}

func TestConcurrencyReleaseIdempotent(t *testing.T) {
	m := NewConcurrencyManager()

	res := m.Acquire(7, SlotVideo, 2)
	require.True(t, res.Acquired)

	res.Release()
	res.Release()
	res.Release()
	assert.Equal(t, 0, m.InFlight(7, SlotVideo))
}

func TestConcurrencyUnlimited(t *testing.T) {
	m := NewConcurrencyManager()
	for i := 0; i < 100; i++ {
		require.True(t, m.Acquire(1, SlotVideo, -1).Acquired)
	}
	assert.Equal(t, 100, m.InFlight(1, SlotVideo))
	assert.True(t, m.Available(1, SlotVideo, -1))
}

func TestConcurrencyZeroCapacityMeansOne(t *testing.T) {
	m := NewConcurrencyManager()

	assert.True(t, m.Available(1, SlotImage, 0))
	res := m.Acquire(1, SlotImage, 0)
	require.True(t, res.Acquired)
	assert.False(t, m.Available(1, SlotImage, 0))
	assert.False(t, m.Acquire(1, SlotImage, 0).Acquired)
}
