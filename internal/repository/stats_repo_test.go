//go:build unit

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsRepoRecordErrorAccumulates(t *testing.T) {
	db := newTestDB(t)
	tokens := NewTokenRepository(db)
	stats := NewTokenStatsRepository(db)
	ctx := context.Background()

	id, err := tokens.Create(ctx, sampleToken("stats@example.com"))
	require.NoError(t, err)

	n, err := stats.RecordError(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = stats.RecordError(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := stats.GetByTokenID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.ErrorCount)
	assert.Equal(t, 2, got.TodayErrorCount)
	assert.Equal(t, 2, got.ConsecutiveErrorCount)
}

func TestStatsRepoSuccessResetsConsecutive(t *testing.T) {
	db := newTestDB(t)
	tokens := NewTokenRepository(db)
	stats := NewTokenStatsRepository(db)
	ctx := context.Background()

	id, err := tokens.Create(ctx, sampleToken("ok@example.com"))
	require.NoError(t, err)

	_, err = stats.RecordError(ctx, id)
	require.NoError(t, err)
	require.NoError(t, stats.RecordSuccess(ctx, id, false))
	require.NoError(t, stats.RecordSuccess(ctx, id, true))

	got, err := stats.GetByTokenID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ImageCount)
	assert.Equal(t, 1, got.VideoCount)
	assert.Equal(t, 1, got.ErrorCount)
	// 成功清零连续错误，累计错误保留
	assert.Equal(t, 0, got.ConsecutiveErrorCount)
}

func TestStatsRepoResetErrors(t *testing.T) {
	db := newTestDB(t)
	tokens := NewTokenRepository(db)
	stats := NewTokenStatsRepository(db)
	ctx := context.Background()

	id, err := tokens.Create(ctx, sampleToken("reset@example.com"))
	require.NoError(t, err)

	_, err = stats.RecordError(ctx, id)
	require.NoError(t, err)
	require.NoError(t, stats.ResetErrors(ctx, id))

	got, err := stats.GetByTokenID(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, got.ErrorCount)
	assert.Zero(t, got.TodayErrorCount)
	assert.Zero(t, got.ConsecutiveErrorCount)
}

func TestStatsRepoTotals(t *testing.T) {
	db := newTestDB(t)
	tokens := NewTokenRepository(db)
	stats := NewTokenStatsRepository(db)
	ctx := context.Background()

	id1, err := tokens.Create(ctx, sampleToken("t1@example.com"))
	require.NoError(t, err)
	id2, err := tokens.Create(ctx, sampleToken("t2@example.com"))
	require.NoError(t, err)

	require.NoError(t, stats.RecordSuccess(ctx, id1, false))
	require.NoError(t, stats.RecordSuccess(ctx, id2, true))
	_, err = stats.RecordError(ctx, id2)
	require.NoError(t, err)

	totals, err := stats.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.ImageCount)
	assert.Equal(t, 1, totals.VideoCount)
	assert.Equal(t, 1, totals.ErrorCount)
	assert.Equal(t, 1, totals.TodayImageCount)
	assert.Equal(t, 1, totals.TodayVideoCount)
	assert.Equal(t, 1, totals.TodayErrorCount)
}

func TestStatsRepoTodayRollover(t *testing.T) {
	db := newTestDB(t)
	tokens := NewTokenRepository(db)
	stats := NewTokenStatsRepository(db)
	ctx := context.Background()

	id, err := tokens.Create(ctx, sampleToken("roll@example.com"))
	require.NoError(t, err)

	_, err = stats.RecordError(ctx, id)
	require.NoError(t, err)

	// 把统计行拨回昨天，模拟跨天
	yesterday := time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	_, err = db.ExecContext(ctx,
		`UPDATE token_stats SET today_date = ? WHERE token_id = ?`, yesterday, id)
	require.NoError(t, err)

	require.NoError(t, stats.RecordSuccess(ctx, id, false))

	got, err := stats.GetByTokenID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	// 跨天先清零今日计数，累计计数保留
	assert.Equal(t, 1, got.ImageCount)
	assert.Equal(t, 1, got.TodayImageCount)
	assert.Equal(t, 0, got.TodayErrorCount)
	assert.Equal(t, 1, got.ErrorCount)
	require.NotNil(t, got.TodayDate)
	assert.Equal(t, time.Now().Format("2006-01-02"), got.TodayDate.Format("2006-01-02"))
}

func TestStatsRepoTotalsSkipStaleToday(t *testing.T) {
	db := newTestDB(t)
	tokens := NewTokenRepository(db)
	stats := NewTokenStatsRepository(db)
	ctx := context.Background()

	id, err := tokens.Create(ctx, sampleToken("stale@example.com"))
	require.NoError(t, err)

	require.NoError(t, stats.RecordSuccess(ctx, id, false))

	// 未滚动的昨日行不计入今日汇总，累计不受影响
	yesterday := time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	_, err = db.ExecContext(ctx,
		`UPDATE token_stats SET today_date = ? WHERE token_id = ?`, yesterday, id)
	require.NoError(t, err)

	totals, err := stats.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.ImageCount)
	assert.Equal(t, 0, totals.TodayImageCount)
}

func TestStatsRepoMissingRow(t *testing.T) {
	db := newTestDB(t)
	stats := NewTokenStatsRepository(db)

	got, err := stats.GetByTokenID(context.Background(), 12345)
	require.NoError(t, err)
	assert.Nil(t, got)
}
