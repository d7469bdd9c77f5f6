package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Han-Qiu/sora2api/internal/service"
)

// tokenStatsRepository 实现 service.TokenStatsRepository。
// 今日计数用 today_date 滚动：日期变化时先清零再累加。
// today_date 存 YYYY-MM-DD 字符串，直接做相等比较。
type tokenStatsRepository struct {
	sql *sql.DB
}

const todayDateLayout = "2006-01-02"

// NewTokenStatsRepository 创建统计仓储实例。
func NewTokenStatsRepository(sqlDB *sql.DB) service.TokenStatsRepository {
	return &tokenStatsRepository{sql: sqlDB}
}

func (r *tokenStatsRepository) RecordSuccess(ctx context.Context, tokenID int64, isVideo bool) error {
	col, todayCol := "image_count", "today_image_count"
	if isVideo {
		col, todayCol = "video_count", "today_video_count"
	}
	if err := r.rollToday(ctx, tokenID); err != nil {
		return err
	}
	_, err := r.sql.ExecContext(ctx, `
		UPDATE token_stats SET `+col+` = `+col+` + 1, `+todayCol+` = `+todayCol+` + 1,
			consecutive_error_count = 0, updated_at = CURRENT_TIMESTAMP
		WHERE token_id = ?
	`, tokenID)
	return err
}

func (r *tokenStatsRepository) RecordError(ctx context.Context, tokenID int64) (int, error) {
	if err := r.rollToday(ctx, tokenID); err != nil {
		return 0, err
	}
	_, err := r.sql.ExecContext(ctx, `
		UPDATE token_stats SET error_count = error_count + 1,
			today_error_count = today_error_count + 1,
			consecutive_error_count = consecutive_error_count + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE token_id = ?
	`, tokenID)
	if err != nil {
		return 0, err
	}
	var consecutive int
	err = r.sql.QueryRowContext(ctx,
		`SELECT consecutive_error_count FROM token_stats WHERE token_id = ?`, tokenID,
	).Scan(&consecutive)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return consecutive, err
}

func (r *tokenStatsRepository) ResetConsecutiveErrors(ctx context.Context, tokenID int64) error {
	_, err := r.sql.ExecContext(ctx, `
		UPDATE token_stats SET consecutive_error_count = 0, updated_at = CURRENT_TIMESTAMP
		WHERE token_id = ?
	`, tokenID)
	return err
}

// ResetErrors 重新启用令牌时清空错误计数。
func (r *tokenStatsRepository) ResetErrors(ctx context.Context, tokenID int64) error {
	_, err := r.sql.ExecContext(ctx, `
		UPDATE token_stats SET error_count = 0, today_error_count = 0,
			consecutive_error_count = 0, updated_at = CURRENT_TIMESTAMP
		WHERE token_id = ?
	`, tokenID)
	return err
}

func (r *tokenStatsRepository) GetByTokenID(ctx context.Context, tokenID int64) (*service.TokenStats, error) {
	row := r.sql.QueryRowContext(ctx, `
		SELECT token_id, image_count, video_count, error_count,
			today_image_count, today_video_count, today_error_count, today_date,
			consecutive_error_count, updated_at
		FROM token_stats WHERE token_id = ?
	`, tokenID)

	var (
		s         service.TokenStats
		todayDate sql.NullString
	)
	err := row.Scan(&s.TokenID, &s.ImageCount, &s.VideoCount, &s.ErrorCount,
		&s.TodayImageCount, &s.TodayVideoCount, &s.TodayErrorCount, &todayDate,
		&s.ConsecutiveErrorCount, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if todayDate.Valid {
		if d, perr := time.Parse(todayDateLayout, todayDate.String); perr == nil {
			s.TodayDate = &d
		}
	}
	return &s, nil
}

// Totals 汇总全部令牌的统计，用于 /api/stats。隔天未滚动的行不计入今日。
func (r *tokenStatsRepository) Totals(ctx context.Context) (*service.TokenStats, error) {
	today := time.Now().Format(todayDateLayout)
	row := r.sql.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(image_count), 0), COALESCE(SUM(video_count), 0),
			COALESCE(SUM(error_count), 0),
			COALESCE(SUM(CASE WHEN today_date = ? THEN today_image_count ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN today_date = ? THEN today_video_count ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN today_date = ? THEN today_error_count ELSE 0 END), 0)
		FROM token_stats
	`, today, today, today)
	var s service.TokenStats
	if err := row.Scan(&s.ImageCount, &s.VideoCount, &s.ErrorCount,
		&s.TodayImageCount, &s.TodayVideoCount, &s.TodayErrorCount); err != nil {
		return nil, err
	}
	return &s, nil
}

// rollToday 确保统计行存在且今日计数属于今天。
func (r *tokenStatsRepository) rollToday(ctx context.Context, tokenID int64) error {
	if _, err := r.sql.ExecContext(ctx,
		`INSERT OR IGNORE INTO token_stats (token_id) VALUES (?)`, tokenID); err != nil {
		return err
	}
	today := time.Now().Format(todayDateLayout)
	_, err := r.sql.ExecContext(ctx, `
		UPDATE token_stats SET today_image_count = 0, today_video_count = 0,
			today_error_count = 0, today_date = ?
		WHERE token_id = ? AND (today_date IS NULL OR today_date != ?)
	`, today, tokenID, today)
	return err
}
