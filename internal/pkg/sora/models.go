package sora

import (
	"fmt"
	"sort"
)

// 模型类型
const (
	ModelKindImage         = "image"
	ModelKindVideo         = "video"
	ModelKindPromptEnhance = "prompt_enhance"
)

// ModelPromptEnhance 是提示词增强伪模型，不触发生成任务。
const ModelPromptEnhance = "sora-prompt-enhance"

// ModelConfig 定义模型到上游任务参数的映射。
type ModelConfig struct {
	Kind        string
	Width       int
	Height      int
	Orientation string
	NFrames     int
	// prompt_enhance 专用
	ExpansionLevel string
	DurationS      int
}

// ModelConfigs 是封闭模型集：未知模型一律拒绝，不做模糊匹配。
var ModelConfigs = map[string]ModelConfig{
	"sora-image": {
		Kind:   ModelKindImage,
		Width:  360,
		Height: 360,
	},
	"sora-image-landscape": {
		Kind:   ModelKindImage,
		Width:  540,
		Height: 360,
	},
	"sora-image-portrait": {
		Kind:   ModelKindImage,
		Width:  360,
		Height: 540,
	},
	"sora-video-10s": {
		Kind:        ModelKindVideo,
		Orientation: "landscape",
		NFrames:     300,
	},
	"sora-video-landscape-10s": {
		Kind:        ModelKindVideo,
		Orientation: "landscape",
		NFrames:     300,
	},
	"sora-video-portrait-10s": {
		Kind:        ModelKindVideo,
		Orientation: "portrait",
		NFrames:     300,
	},
	"sora-video-15s": {
		Kind:        ModelKindVideo,
		Orientation: "landscape",
		NFrames:     450,
	},
	"sora-video-landscape-15s": {
		Kind:        ModelKindVideo,
		Orientation: "landscape",
		NFrames:     450,
	},
	"sora-video-portrait-15s": {
		Kind:        ModelKindVideo,
		Orientation: "portrait",
		NFrames:     450,
	},
	ModelPromptEnhance: {
		Kind:           ModelKindPromptEnhance,
		ExpansionLevel: "medium",
		DurationS:      10,
	},
}

// LookupModel resolves a caller-supplied model name against the closed set.
func LookupModel(name string) (ModelConfig, error) {
	cfg, ok := ModelConfigs[name]
	if !ok {
		return ModelConfig{}, fmt.Errorf("%w: %s", ErrInvalidModel, name)
	}
	return cfg, nil
}

// ModelListItem 是 /v1/models 的列表条目。
type ModelListItem struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ListModels returns the closed model set sorted by id.
func ListModels(created int64) []ModelListItem {
	items := make([]ModelListItem, 0, len(ModelConfigs))
	for id := range ModelConfigs {
		items = append(items, ModelListItem{
			ID:      id,
			Object:  "model",
			Created: created,
			OwnedBy: "sora",
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}
