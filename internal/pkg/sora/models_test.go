//go:build unit

package sora

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupModel(t *testing.T) {
	cfg, err := LookupModel("sora-image-landscape")
	require.NoError(t, err)
	assert.Equal(t, ModelKindImage, cfg.Kind)
	assert.Equal(t, 540, cfg.Width)
	assert.Equal(t, 360, cfg.Height)

	cfg, err = LookupModel("sora-video-portrait-15s")
	require.NoError(t, err)
	assert.Equal(t, ModelKindVideo, cfg.Kind)
	assert.Equal(t, "portrait", cfg.Orientation)
	assert.Equal(t, 450, cfg.NFrames)

	cfg, err = LookupModel(ModelPromptEnhance)
	require.NoError(t, err)
	assert.Equal(t, ModelKindPromptEnhance, cfg.Kind)
	assert.Equal(t, "medium", cfg.ExpansionLevel)
}

func TestLookupModelClosedSet(t *testing.T) {
	for _, name := range []string{"sora-video", "gpt-4o", "sora-image-4k", ""} {
		_, err := LookupModel(name)
		require.ErrorIs(t, err, ErrInvalidModel, "model %q must be rejected", name)
	}
}

func TestListModels(t *testing.T) {
	items := ListModels(1700000000)
	require.Len(t, items, len(ModelConfigs))
	require.True(t, sort.SliceIsSorted(items, func(i, j int) bool {
		return items[i].ID < items[j].ID
	}))
	for _, item := range items {
		assert.Equal(t, "model", item.Object)
		assert.Equal(t, "sora", item.OwnedBy)
		assert.EqualValues(t, 1700000000, item.Created)
		_, err := LookupModel(item.ID)
		assert.NoError(t, err)
	}
}
