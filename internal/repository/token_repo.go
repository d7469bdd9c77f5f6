package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Han-Qiu/sora2api/internal/service"
)

const tokenColumns = `id, access_token, session_token, refresh_token, client_id, proxy_url,
	email, remark, is_active, cooled_until, created_at, last_used_at, use_count,
	plan_type, plan_title, subscription_end, is_expired,
	sora2_supported, sora2_invite_code, sora2_redeemed_count, sora2_total_count,
	sora2_remaining_count, sora2_cooldown_until,
	image_enabled, video_enabled, image_concurrency, video_concurrency`

// tokenRepository 实现 service.TokenRepository。
type tokenRepository struct {
	sql *sql.DB
}

// NewTokenRepository 创建令牌仓储实例。
func NewTokenRepository(sqlDB *sql.DB) service.TokenRepository {
	return &tokenRepository{sql: sqlDB}
}

func (r *tokenRepository) Create(ctx context.Context, t *service.Token) (int64, error) {
	result, err := r.sql.ExecContext(ctx, `
		INSERT INTO tokens (access_token, session_token, refresh_token, client_id, proxy_url,
			email, remark, is_active, cooled_until, created_at, use_count,
			plan_type, plan_title, subscription_end, is_expired,
			sora2_supported, sora2_invite_code, sora2_redeemed_count, sora2_total_count,
			sora2_remaining_count, sora2_cooldown_until,
			image_enabled, video_enabled, image_concurrency, video_concurrency)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.AccessToken, t.SessionToken, t.RefreshToken, t.ClientID, t.ProxyURL,
		t.Email, t.Remark, boolInt(t.IsActive), t.CooledUntil,
		t.PlanType, t.PlanTitle, t.SubscriptionEnd, boolInt(t.IsExpired),
		boolInt(t.Sora2Supported), t.Sora2InviteCode, t.Sora2RedeemedCount, t.Sora2TotalCount,
		t.Sora2RemainingCount, t.Sora2CooldownUntil,
		boolInt(t.ImageEnabled), boolInt(t.VideoEnabled), t.ImageConcurrency, t.VideoConcurrency,
	)
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	// 统计行随令牌创建
	_, err = r.sql.ExecContext(ctx, `INSERT OR IGNORE INTO token_stats (token_id) VALUES (?)`, id)
	return id, err
}

func (r *tokenRepository) GetByID(ctx context.Context, id int64) (*service.Token, error) {
	row := r.sql.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = ?`, id)
	return scanToken(row)
}

func (r *tokenRepository) GetByEmail(ctx context.Context, email string) (*service.Token, error) {
	row := r.sql.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE email = ?`, email)
	return scanToken(row)
}

func (r *tokenRepository) List(ctx context.Context) ([]*service.Token, error) {
	return r.queryTokens(ctx, `SELECT `+tokenColumns+` FROM tokens ORDER BY id`)
}

func (r *tokenRepository) ListActive(ctx context.Context) ([]*service.Token, error) {
	return r.queryTokens(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE is_active = 1 ORDER BY id`)
}

func (r *tokenRepository) Update(ctx context.Context, t *service.Token) error {
	_, err := r.sql.ExecContext(ctx, `
		UPDATE tokens SET
			access_token = ?, session_token = ?, refresh_token = ?, client_id = ?, proxy_url = ?,
			email = ?, remark = ?, is_active = ?, cooled_until = ?,
			plan_type = ?, plan_title = ?, subscription_end = ?, is_expired = ?,
			sora2_supported = ?, sora2_invite_code = ?, sora2_redeemed_count = ?,
			sora2_total_count = ?, sora2_remaining_count = ?, sora2_cooldown_until = ?,
			image_enabled = ?, video_enabled = ?, image_concurrency = ?, video_concurrency = ?
		WHERE id = ?
	`,
		t.AccessToken, t.SessionToken, t.RefreshToken, t.ClientID, t.ProxyURL,
		t.Email, t.Remark, boolInt(t.IsActive), t.CooledUntil,
		t.PlanType, t.PlanTitle, t.SubscriptionEnd, boolInt(t.IsExpired),
		boolInt(t.Sora2Supported), t.Sora2InviteCode, t.Sora2RedeemedCount,
		t.Sora2TotalCount, t.Sora2RemainingCount, t.Sora2CooldownUntil,
		boolInt(t.ImageEnabled), boolInt(t.VideoEnabled), t.ImageConcurrency, t.VideoConcurrency,
		t.ID,
	)
	return err
}

// UpdateFields 只更新给定字段，键为列名。列名来自代码内部枚举，不接受用户输入。
func (r *tokenRepository) UpdateFields(ctx context.Context, id int64, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	cols := make([]string, 0, len(updates))
	for col := range updates {
		if !allowedTokenColumns[col] {
			return fmt.Errorf("unknown token column: %s", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for _, col := range cols {
		sets = append(sets, col+" = ?")
		val := updates[col]
		if b, ok := val.(bool); ok {
			val = boolInt(b)
		}
		args = append(args, val)
	}
	args = append(args, id)
	_, err := r.sql.ExecContext(ctx, `UPDATE tokens SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	return err
}

var allowedTokenColumns = map[string]bool{
	"access_token": true, "session_token": true, "refresh_token": true, "client_id": true,
	"proxy_url": true, "email": true, "remark": true, "is_active": true, "cooled_until": true,
	"plan_type": true, "plan_title": true, "subscription_end": true, "is_expired": true,
	"sora2_supported": true, "sora2_invite_code": true, "sora2_redeemed_count": true,
	"sora2_total_count": true, "sora2_remaining_count": true, "sora2_cooldown_until": true,
	"image_enabled": true, "video_enabled": true, "image_concurrency": true, "video_concurrency": true,
}

func (r *tokenRepository) SetActive(ctx context.Context, id int64, active bool) error {
	_, err := r.sql.ExecContext(ctx, `UPDATE tokens SET is_active = ? WHERE id = ?`, boolInt(active), id)
	return err
}

// TouchUsage 选中后更新使用时间与计数。
func (r *tokenRepository) TouchUsage(ctx context.Context, id int64, usedAt time.Time) error {
	_, err := r.sql.ExecContext(ctx, `
		UPDATE tokens SET last_used_at = ?, use_count = use_count + 1 WHERE id = ?
	`, usedAt, id)
	return err
}

func (r *tokenRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.sql.ExecContext(ctx, `DELETE FROM tokens WHERE id = ?`, id)
	return err
}

func (r *tokenRepository) DeleteInactive(ctx context.Context) (int64, error) {
	result, err := r.sql.ExecContext(ctx, `DELETE FROM tokens WHERE is_active = 0`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *tokenRepository) queryTokens(ctx context.Context, query string, args ...any) ([]*service.Token, error) {
	rows, err := r.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tokens []*service.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*service.Token, error) {
	var (
		t                                    service.Token
		isActive, isExpired, sora2Supported  int
		imageEnabled, videoEnabled           int
		cooledUntil, lastUsedAt              sql.NullTime
		subscriptionEnd, sora2CooldownUntil  sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.AccessToken, &t.SessionToken, &t.RefreshToken, &t.ClientID, &t.ProxyURL,
		&t.Email, &t.Remark, &isActive, &cooledUntil, &t.CreatedAt, &lastUsedAt, &t.UseCount,
		&t.PlanType, &t.PlanTitle, &subscriptionEnd, &isExpired,
		&sora2Supported, &t.Sora2InviteCode, &t.Sora2RedeemedCount, &t.Sora2TotalCount,
		&t.Sora2RemainingCount, &sora2CooldownUntil,
		&imageEnabled, &videoEnabled, &t.ImageConcurrency, &t.VideoConcurrency,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.IsActive = isActive != 0
	t.IsExpired = isExpired != 0
	t.Sora2Supported = sora2Supported != 0
	t.ImageEnabled = imageEnabled != 0
	t.VideoEnabled = videoEnabled != 0
	t.CooledUntil = nullTimePtr(cooledUntil)
	t.LastUsedAt = nullTimePtr(lastUsedAt)
	t.SubscriptionEnd = nullTimePtr(subscriptionEnd)
	t.Sora2CooldownUntil = nullTimePtr(sora2CooldownUntil)
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
