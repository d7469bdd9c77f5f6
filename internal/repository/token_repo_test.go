//go:build unit

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Han-Qiu/sora2api/internal/service"
)

var testDBSeq int

// newTestDB 打开一个独立的内存库并建表。
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	testDBSeq++
	dsn := fmt.Sprintf("file:repo_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDBSeq)
	db, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sampleToken(email string) *service.Token {
	return &service.Token{
		AccessToken:      "at-" + email,
		RefreshToken:     "rt-" + email,
		Email:            email,
		IsActive:         true,
		ImageEnabled:     true,
		VideoEnabled:     true,
		ImageConcurrency: 1,
		VideoConcurrency: 3,
		Sora2Supported:   true,
	}
}

func TestTokenRepoCreateAndGet(t *testing.T) {
	db := newTestDB(t)
	repo := NewTokenRepository(db)
	ctx := context.Background()

	id, err := repo.Create(ctx, sampleToken("a@example.com"))
	require.NoError(t, err)
	require.Positive(t, id)

	got, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a@example.com", got.Email)
	assert.Equal(t, "at-a@example.com", got.AccessToken)
	assert.True(t, got.IsActive)
	assert.True(t, got.Sora2Supported)
	assert.Nil(t, got.LastUsedAt)
	assert.Zero(t, got.UseCount)

	byEmail, err := repo.GetByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	require.NotNil(t, byEmail)
	assert.Equal(t, id, byEmail.ID)

	missing, err := repo.GetByEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTokenRepoDuplicateEmailRejected(t *testing.T) {
	db := newTestDB(t)
	repo := NewTokenRepository(db)
	ctx := context.Background()

	_, err := repo.Create(ctx, sampleToken("dup@example.com"))
	require.NoError(t, err)
	_, err = repo.Create(ctx, sampleToken("dup@example.com"))
	require.Error(t, err)

	// 空邮箱不受唯一索引约束
	blank := sampleToken("")
	_, err = repo.Create(ctx, blank)
	require.NoError(t, err)
	blank2 := sampleToken("")
	_, err = repo.Create(ctx, blank2)
	require.NoError(t, err)
}

func TestTokenRepoListActive(t *testing.T) {
	db := newTestDB(t)
	repo := NewTokenRepository(db)
	ctx := context.Background()

	id1, err := repo.Create(ctx, sampleToken("one@example.com"))
	require.NoError(t, err)
	id2, err := repo.Create(ctx, sampleToken("two@example.com"))
	require.NoError(t, err)

	require.NoError(t, repo.SetActive(ctx, id1, false))

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, id2, active[0].ID)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTokenRepoTouchUsage(t *testing.T) {
	db := newTestDB(t)
	repo := NewTokenRepository(db)
	ctx := context.Background()

	id, err := repo.Create(ctx, sampleToken("use@example.com"))
	require.NoError(t, err)

	usedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.TouchUsage(ctx, id, usedAt))
	require.NoError(t, repo.TouchUsage(ctx, id, usedAt.Add(time.Minute)))

	got, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UseCount)
	require.NotNil(t, got.LastUsedAt)
}

func TestTokenRepoUpdateFields(t *testing.T) {
	db := newTestDB(t)
	repo := NewTokenRepository(db)
	ctx := context.Background()

	id, err := repo.Create(ctx, sampleToken("upd@example.com"))
	require.NoError(t, err)

	require.NoError(t, repo.UpdateFields(ctx, id, map[string]any{
		"access_token":          "new-at",
		"is_expired":            true,
		"sora2_remaining_count": 7,
	}))

	got, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "new-at", got.AccessToken)
	assert.True(t, got.IsExpired)
	assert.Equal(t, 7, got.Sora2RemainingCount)

	// 列名白名单之外直接拒绝
	err = repo.UpdateFields(ctx, id, map[string]any{"use_count": 99})
	require.ErrorContains(t, err, "unknown token column")
}

func TestTokenRepoDeleteInactive(t *testing.T) {
	db := newTestDB(t)
	repo := NewTokenRepository(db)
	ctx := context.Background()

	id1, err := repo.Create(ctx, sampleToken("gone@example.com"))
	require.NoError(t, err)
	_, err = repo.Create(ctx, sampleToken("kept@example.com"))
	require.NoError(t, err)

	require.NoError(t, repo.SetActive(ctx, id1, false))

	removed, err := repo.DeleteInactive(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "kept@example.com", all[0].Email)
}

func TestTokenRepoUpdateFieldsSQL(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	repo := &tokenRepository{sql: db}

	// 列按字典序拼接，bool 落库为整数
	mock.ExpectExec(`UPDATE tokens SET image_enabled = ?, is_active = ? WHERE id = ?`).
		WithArgs(1, 0, int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.UpdateFields(context.Background(), 5, map[string]any{
		"is_active":     false,
		"image_enabled": true,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepoUpdateFieldsEmptyNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := &tokenRepository{sql: db}
	require.NoError(t, repo.UpdateFields(context.Background(), 1, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}
