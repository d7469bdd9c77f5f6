package sora

import (
	"math/rand"
	"regexp"
	"strconv"
	"strings"
)

var (
	storyboardRe = regexp.MustCompile(`\[(\d+(?:\.\d+)?)s\]`)
	shotRe       = regexp.MustCompile(`\[(\d+(?:\.\d+)?)s\]\s*([^\[]+)`)
	remixIDRe    = regexp.MustCompile(`s_[a-f0-9]{32}`)
	remixURLRe   = regexp.MustCompile(`https://sora\.chatgpt\.com/p/s_[a-f0-9]{32}`)
)

// IsStoryboardPrompt 检测分镜格式：至少一个 [Ns] 时间标记。
func IsStoryboardPrompt(prompt string) bool {
	if strings.TrimSpace(prompt) == "" {
		return false
	}
	return storyboardRe.MatchString(prompt)
}

// FormatStoryboardPrompt 将 "[5.0s]场景" 形式的提示词转为分镜接口要求的
// timeline 文本，时间标记之前的自由文本作为 instructions。
func FormatStoryboardPrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return prompt
	}
	matches := storyboardRe.FindAllStringSubmatchIndex(prompt, -1)
	if len(matches) == 0 {
		return prompt
	}
	instructions := strings.TrimSpace(prompt[:matches[0][0]])

	shotMatches := shotRe.FindAllStringSubmatch(prompt, -1)
	if len(shotMatches) == 0 {
		return prompt
	}

	shots := make([]string, 0, len(shotMatches))
	for i, sm := range shotMatches {
		duration := strings.TrimSpace(sm[1])
		scene := strings.TrimSpace(sm[2])
		shots = append(shots, "Shot "+strconv.Itoa(i+1)+":\nduration: "+duration+"sec\nScene: "+scene)
	}

	timeline := strings.Join(shots, "\n\n")
	if instructions != "" {
		return "current timeline:\n" + timeline + "\n\ninstructions:\n" + instructions
	}
	return timeline
}

// ExtractRemixID 从提示词或分享链接中提取 remix 目标 ID。
func ExtractRemixID(text string) string {
	return remixIDRe.FindString(strings.TrimSpace(text))
}

// CleanRemixPrompt strips the remix link (full URL and bare ID) from the
// prompt and collapses whitespace.
func CleanRemixPrompt(prompt string) string {
	cleaned := remixURLRe.ReplaceAllString(prompt, "")
	cleaned = remixIDRe.ReplaceAllString(cleaned, "")
	return strings.Join(strings.Fields(cleaned), " ")
}

// CharacterUsername 从上游的 username_hint 派生最终用户名：
// 取最后一个点号段并追加三位随机数字，避免撞名。
func CharacterUsername(hint string) string {
	base := hint
	if idx := strings.LastIndex(hint, "."); idx >= 0 {
		base = hint[idx+1:]
	}
	return base + strconv.Itoa(100+rand.Intn(900))
}
