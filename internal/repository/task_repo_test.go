//go:build unit

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Han-Qiu/sora2api/internal/service"
)

func TestTaskRepoLifecycle(t *testing.T) {
	db := newTestDB(t)
	repo := NewTaskRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &service.Task{
		TaskID:  "task_abc",
		TokenID: 1,
		Model:   "sora-video-10s",
		Prompt:  "a cat surfing",
		Status:  service.TaskStatusProcessing,
	}))

	got, err := repo.GetByTaskID(ctx, "task_abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, service.TaskStatusProcessing, got.Status)
	assert.Nil(t, got.CompletedAt)

	done := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.UpdateStatus(ctx, "task_abc", service.TaskStatusCompleted,
		100, `["https://cdn.test/v.mp4"]`, "", &done))

	got, err = repo.GetByTaskID(ctx, "task_abc")
	require.NoError(t, err)
	assert.Equal(t, service.TaskStatusCompleted, got.Status)
	assert.EqualValues(t, 100, got.Progress)
	assert.Equal(t, `["https://cdn.test/v.mp4"]`, got.ResultURLs)
	require.NotNil(t, got.CompletedAt)

	missing, err := repo.GetByTaskID(ctx, "task_missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTaskRepoCountByStatus(t *testing.T) {
	db := newTestDB(t)
	repo := NewTaskRepository(db)
	ctx := context.Background()

	for i, status := range []string{
		service.TaskStatusProcessing, service.TaskStatusProcessing, service.TaskStatusFailed,
	} {
		require.NoError(t, repo.Create(ctx, &service.Task{
			TaskID: string(rune('a'+i)) + "_task",
			Status: status,
		}))
	}

	n, err := repo.CountByStatus(ctx, service.TaskStatusProcessing)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = repo.CountByStatus(ctx, service.TaskStatusCompleted)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRequestLogRepo(t *testing.T) {
	db := newTestDB(t)
	repo := NewRequestLogRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &service.RequestLog{
		Model: "sora-image", TokenID: 1, StatusCode: 200, DurationMs: 1500,
	}))
	require.NoError(t, repo.Create(ctx, &service.RequestLog{
		Model: "sora-video-10s", TokenID: 2, StatusCode: 499, ErrorMessage: "client closed",
	}))

	logs, err := repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	require.NoError(t, repo.DeleteAll(ctx))
	logs, err = repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestCachedFileRepoExpiry(t *testing.T) {
	db := newTestDB(t)
	repo := NewCachedFileRepository(db)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	require.NoError(t, repo.Create(ctx, &service.CachedFile{
		FileName: "old.png", MediaType: "image", OriginalURL: "https://cdn.test/old.png",
		SizeBytes: 10, ExpiresAt: &past,
	}))
	// 永不过期条目不会出现在清扫列表里
	require.NoError(t, repo.Create(ctx, &service.CachedFile{
		FileName: "forever.mp4", MediaType: "video", OriginalURL: "https://cdn.test/f.mp4",
		SizeBytes: 20,
	}))

	expired, err := repo.ListExpired(ctx, time.Now(), 100)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old.png", expired[0].FileName)

	require.NoError(t, repo.DeleteByIDs(ctx, []int64{expired[0].ID}))
	expired, err = repo.ListExpired(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Empty(t, expired)

	kept, err := repo.GetByFileName(ctx, "forever.mp4")
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Nil(t, kept.ExpiresAt)
}

func TestCachedFileRepoUpsert(t *testing.T) {
	db := newTestDB(t)
	repo := NewCachedFileRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &service.CachedFile{
		FileName: "a.png", MediaType: "image", OriginalURL: "u1", SizeBytes: 1,
	}))
	require.NoError(t, repo.Create(ctx, &service.CachedFile{
		FileName: "a.png", MediaType: "image", OriginalURL: "u2", SizeBytes: 2,
	}))

	got, err := repo.GetByFileName(ctx, "a.png")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u2", got.OriginalURL)
	assert.EqualValues(t, 2, got.SizeBytes)
}
