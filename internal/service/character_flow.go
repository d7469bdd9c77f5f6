package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Han-Qiu/sora2api/internal/pkg/logger"
	"github.com/Han-Qiu/sora2api/internal/pkg/sora"
)

// generateCharacter 角色创建流程：上传视频提取角色 → 轮询处理 →
// 回传头像 → 定稿并公开。带提示词时继续用 @username 生成视频，
// 生成结束后把临时角色删掉。
func (s *GenerationService) generateCharacter(ctx context.Context, req GenerationRequest, modelCfg sora.ModelConfig, emit ProgressEmitter) (result *GenerationResult, err error) {
	token, err := s.lb.Select(ctx, true)
	if err != nil {
		return nil, err
	}
	if merr := s.lb.MarkSelected(ctx, token.ID); merr != nil {
		logger.Warnf("更新令牌使用痕迹失败 %d: %v", token.ID, merr)
	}

	slot := s.conc.Acquire(token.ID, SlotVideo, token.VideoConcurrency)
	if !slot.Acquired {
		return nil, fmt.Errorf("令牌 %d 视频并发槽已满", token.ID)
	}

	var taskID string
	characterID := ""
	defer func() {
		// 视频生成用完的临时角色不保留
		if characterID != "" && strings.TrimSpace(req.Prompt) != "" {
			if derr := s.client.DeleteCharacter(context.WithoutCancel(ctx), s.requestOpts(ctx, token), characterID); derr != nil {
				logger.Warnf("删除临时角色失败 %s: %v", characterID, derr)
			}
		}
		slot.Release()
		err = s.finishTask(ctx, token.ID, taskID, true, err)
	}()

	withVideo := strings.TrimSpace(req.Prompt) != ""
	if withVideo {
		emit.emit("**Character Creation and Video Generation Begins**\n\nInitializing...\n")
	} else {
		emit.emit("**Character Creation Begins**\n\nInitializing character creation...\n")
	}

	opts := s.requestOpts(ctx, token)

	emit.emit("Uploading video file...\n")
	cameoID, err := s.client.UploadCharacterVideo(ctx, opts, req.VideoData)
	if err != nil {
		return nil, fmt.Errorf("upload character video: %w", err)
	}

	emit.emit("Processing video to extract character...\n")
	status, err := s.pollCameo(ctx, opts, cameoID)
	if err != nil {
		return nil, err
	}

	usernameHint, _ := status["username_hint"].(string)
	if usernameHint == "" {
		usernameHint = "character"
	}
	displayName, _ := status["display_name_hint"].(string)
	if displayName == "" {
		displayName = "Character"
	}
	username := sora.CharacterUsername(usernameHint)
	emit.emit(fmt.Sprintf(" : %s (@%s)\n", displayName, username))

	emit.emit("Downloading character avatar...\n")
	avatarURL, _ := status["profile_asset_url"].(string)
	if avatarURL == "" {
		return nil, errors.New("profile asset url not found in cameo status")
	}
	avatar, err := s.client.DownloadCharacterImage(ctx, opts, avatarURL)
	if err != nil {
		return nil, fmt.Errorf("download avatar: %w", err)
	}

	emit.emit("Uploading character avatar...\n")
	assetPointer, err := s.client.UploadCharacterImage(ctx, opts, avatar)
	if err != nil {
		return nil, fmt.Errorf("upload avatar: %w", err)
	}

	emit.emit("Finalizing character creation...\n")
	characterID, err = s.client.FinalizeCharacter(ctx, opts, cameoID, username, displayName, assetPointer)
	if err != nil {
		return nil, fmt.Errorf("finalize character: %w", err)
	}

	emit.emit("Setting character as public...\n")
	if err := s.client.SetCharacterPublic(ctx, opts, cameoID); err != nil {
		return nil, fmt.Errorf("set character public: %w", err)
	}

	if !withVideo {
		return &GenerationResult{Content: "@" + username, TokenID: token.ID}, nil
	}

	// 角色就绪，用 @username 驱动视频生成
	genCfg, err := s.settings.GetGenerationConfig(ctx)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(genCfg.VideoTimeoutSeconds) * time.Second

	prompt := fmt.Sprintf("@%s %s", username, req.Prompt)
	emit.emit("**Generation Process Begins**\n\nInitializing generation request...\n")
	taskID, err = s.client.GenerateVideo(ctx, opts, prompt, modelCfg.Orientation, modelCfg.NFrames, "")
	if err != nil {
		return nil, err
	}
	if cerr := s.tasks.Create(ctx, &Task{
		TaskID:  taskID,
		TokenID: token.ID,
		Model:   req.Model,
		Prompt:  prompt,
		Status:  TaskStatusProcessing,
	}); cerr != nil {
		logger.Warnf("任务落库失败 %s: %v", taskID, cerr)
	}

	content, err := s.pollTask(ctx, token, taskID, prompt, true, timeout, emit)
	if err != nil {
		return nil, err
	}
	return &GenerationResult{Content: content, TokenID: token.ID, TaskID: taskID}, nil
}

// pollCameo 轮询角色处理状态。status_message == "Completed" 或
// status == "finalized" 视为就绪；连续失败超过上限直接放弃。
func (s *GenerationService) pollCameo(ctx context.Context, opts sora.RequestOptions, cameoID string) (map[string]any, error) {
	deadline := time.Now().Add(cameoPollTimeout)
	consecutiveErrors := 0

	ticker := time.NewTicker(cameoPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", sora.ErrCancelled, ctx.Err())
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: cameo processing exceeded %s", sora.ErrTimeout, cameoPollTimeout)
		}

		status, err := s.client.GetCameoStatus(ctx, opts, cameoID)
		if err != nil {
			consecutiveErrors++
			logger.Warnf("查询角色状态失败 (%d/%d): %v", consecutiveErrors, cameoMaxErrors, err)
			if consecutiveErrors >= cameoMaxErrors {
				return nil, fmt.Errorf("poll cameo status: %w", err)
			}
			continue
		}
		consecutiveErrors = 0

		statusMessage, _ := status["status_message"].(string)
		current, _ := status["status"].(string)
		if statusMessage == "Completed" || current == "finalized" {
			return status, nil
		}
	}
}
