//go:build unit

package sora

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsStoryboardPrompt(t *testing.T) {
	assert.True(t, IsStoryboardPrompt("[5s] a cat runs"))
	assert.True(t, IsStoryboardPrompt("cinematic\n[2.5s] sunrise [5s] sunset"))
	assert.False(t, IsStoryboardPrompt("a plain prompt"))
	assert.False(t, IsStoryboardPrompt(""))
	assert.False(t, IsStoryboardPrompt("   "))
	// 没有秒数单位的方括号不算分镜
	assert.False(t, IsStoryboardPrompt("[intro] a cat"))
}

func TestFormatStoryboardPrompt(t *testing.T) {
	got := FormatStoryboardPrompt("[5s] a cat runs [2.5s] the cat sleeps")
	require.Equal(t,
		"Shot 1:\nduration: 5sec\nScene: a cat runs\n\nShot 2:\nduration: 2.5sec\nScene: the cat sleeps",
		got)
}

func TestFormatStoryboardPromptWithInstructions(t *testing.T) {
	got := FormatStoryboardPrompt("cinematic style [5s] a cat runs")
	require.Equal(t,
		"current timeline:\nShot 1:\nduration: 5sec\nScene: a cat runs\n\ninstructions:\ncinematic style",
		got)
}

func TestFormatStoryboardPromptPassthrough(t *testing.T) {
	assert.Equal(t, "no markers here", FormatStoryboardPrompt("no markers here"))
	assert.Equal(t, "", FormatStoryboardPrompt("  "))
}

func TestExtractRemixID(t *testing.T) {
	id := "s_0123456789abcdef0123456789abcdef"
	assert.Equal(t, id, ExtractRemixID("remix this https://sora.chatgpt.com/p/"+id))
	assert.Equal(t, id, ExtractRemixID("bare id "+id+" in text"))
	assert.Equal(t, "", ExtractRemixID("nothing to extract"))
	// 大写十六进制不匹配
	assert.Equal(t, "", ExtractRemixID("s_0123456789ABCDEF0123456789ABCDEF"))
}

func TestCleanRemixPrompt(t *testing.T) {
	id := "s_0123456789abcdef0123456789abcdef"
	cleaned := CleanRemixPrompt("make it rain https://sora.chatgpt.com/p/" + id + "  please")
	require.Equal(t, "make it rain please", cleaned)

	// 幂等：再清一次不变
	require.Equal(t, cleaned, CleanRemixPrompt(cleaned))

	require.Equal(t, "keep this", CleanRemixPrompt("keep "+id+" this"))
}

func TestCharacterUsername(t *testing.T) {
	pattern := regexp.MustCompile(`^tiger\d{3}$`)
	for i := 0; i < 20; i++ {
		name := CharacterUsername("sora.user.tiger")
		require.True(t, pattern.MatchString(name), "unexpected username %q", name)
	}
	// 无点号时整个 hint 作为基名
	require.Regexp(t, `^plain\d{3}$`, CharacterUsername("plain"))
}
