package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Han-Qiu/sora2api/internal/pkg/logger"
	"github.com/Han-Qiu/sora2api/internal/pkg/sora"
)

// pollInterval 任务轮询间隔，测试会调小。
var pollInterval = 5 * time.Second

const (
	heartbeatInterval = 10 * time.Second
	// 视频状态输出节流
	videoStatusInterval = 30 * time.Second

	cameoPollTimeout  = 600 * time.Second
	cameoPollInterval = 5 * time.Second
	cameoMaxErrors    = 3
)

// ProgressEmitter 接收编排过程中的 reasoning 文本，流式响应逐段下发。
// 为 nil 时静默。
type ProgressEmitter func(reasoning string)

func (e ProgressEmitter) emit(text string) {
	if e != nil {
		e(text)
	}
}

// GenerationRequest 一次生成调用的输入。
type GenerationRequest struct {
	Model  string
	Prompt string
	// ImageData 参考图，走上传后 remix
	ImageData []byte
	ImageName string
	// VideoData 触发角色创建流程
	VideoData []byte
	// RemixTargetID Sora 分享链接解析出的目标 ID
	RemixTargetID string
}

// GenerationResult 生成结果。
type GenerationResult struct {
	Content string
	TokenID int64
	TaskID  string
}

// GenerationService 串起完整生成链路：选令牌、取锁占槽、派发上游任务、
// 轮询进度、落缓存、记账。终态统一在一处释放资源。
type GenerationService struct {
	lb        *LoadBalancer
	locks     *TokenLockTable
	conc      *ConcurrencyManager
	tokenSvc  *TokenService
	tasks     TaskRepository
	settings  SettingsRepository
	client    *sora.Client
	proxy     *ProxyResolver
	cache     *FileCacheService
	watermark *WatermarkService

	// cancels 记录在途任务的取消句柄，供管理端中止
	cancels sync.Map
}

// Cancel 中止一个在途任务，存在则返回 true。
func (s *GenerationService) Cancel(taskID string) bool {
	if v, ok := s.cancels.Load(taskID); ok {
		v.(context.CancelFunc)()
		return true
	}
	return false
}

// NewGenerationService 创建生成编排服务。
func NewGenerationService(lb *LoadBalancer, locks *TokenLockTable, conc *ConcurrencyManager,
	tokenSvc *TokenService, tasks TaskRepository, settings SettingsRepository,
	client *sora.Client, proxy *ProxyResolver, cache *FileCacheService, watermark *WatermarkService) *GenerationService {
	return &GenerationService{
		lb: lb, locks: locks, conc: conc, tokenSvc: tokenSvc, tasks: tasks,
		settings: settings, client: client, proxy: proxy, cache: cache, watermark: watermark,
	}
}

// CheckAvailability 非流式请求只探测池子可用性，不发起生成。
func (s *GenerationService) CheckAvailability(ctx context.Context, model string) (bool, bool, error) {
	cfg, err := sora.LookupModel(model)
	if err != nil {
		return false, false, err
	}
	forVideo := cfg.Kind == sora.ModelKindVideo
	_, err = s.lb.Select(ctx, forVideo)
	if errors.Is(err, sora.ErrNoEligibleToken) {
		return false, forVideo, nil
	}
	if err != nil {
		return false, forVideo, err
	}
	return true, forVideo, nil
}

// Generate 执行一次生成并返回最终内容。emit 收到的 reasoning 文本由
// 调用方转成流式块。
func (s *GenerationService) Generate(ctx context.Context, req GenerationRequest, emit ProgressEmitter) (*GenerationResult, error) {
	modelCfg, err := sora.LookupModel(req.Model)
	if err != nil {
		return nil, err
	}

	if modelCfg.Kind == sora.ModelKindPromptEnhance {
		return s.enhancePrompt(ctx, req, modelCfg, emit)
	}

	isVideo := modelCfg.Kind == sora.ModelKindVideo
	if isVideo {
		if req.RemixTargetID != "" {
			return s.generateRemix(ctx, req, modelCfg, emit)
		}
		if len(req.VideoData) > 0 {
			return s.generateCharacter(ctx, req, modelCfg, emit)
		}
	}
	return s.generateStandard(ctx, req, modelCfg, emit)
}

// generateStandard 常规图片/视频生成。
func (s *GenerationService) generateStandard(ctx context.Context, req GenerationRequest, modelCfg sora.ModelConfig, emit ProgressEmitter) (result *GenerationResult, err error) {
	isVideo := modelCfg.Kind == sora.ModelKindVideo

	token, err := s.lb.Select(ctx, isVideo)
	if err != nil {
		return nil, err
	}
	if err := s.lb.MarkSelected(ctx, token.ID); err != nil {
		logger.Warnf("更新令牌使用痕迹失败 %d: %v", token.ID, err)
	}

	genCfg, err := s.settings.GetGenerationConfig(ctx)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(genCfg.VideoTimeoutSeconds) * time.Second
	if !isVideo {
		timeout = time.Duration(genCfg.ImageTimeoutSeconds) * time.Second
	}

	// 图片先取排他锁再占槽，锁存活期与图片超时一致
	var releaseLock func()
	if !isVideo {
		var ok bool
		releaseLock, ok = s.locks.TryAcquire(token.ID, timeout)
		if !ok {
			return nil, fmt.Errorf("令牌 %d 图片锁被占用", token.ID)
		}
	}
	kind := SlotImage
	capacity := token.ImageConcurrency
	if isVideo {
		kind = SlotVideo
		capacity = token.VideoConcurrency
	}
	slot := s.conc.Acquire(token.ID, kind, capacity)
	if !slot.Acquired {
		if releaseLock != nil {
			releaseLock()
		}
		return nil, fmt.Errorf("令牌 %d %s 并发槽已满", token.ID, kind)
	}

	var taskID string
	defer func() {
		// 资源释放与记账集中在终态处理
		slot.Release()
		if releaseLock != nil {
			releaseLock()
		}
		err = s.finishTask(ctx, token.ID, taskID, isVideo, err)
	}()

	opts := s.requestOpts(ctx, token)

	mediaID := ""
	if len(req.ImageData) > 0 {
		emit.emit("**Image Upload Begins**\n\nUploading image to server...\n")
		mediaID, err = s.client.UploadImage(ctx, opts, req.ImageData, req.ImageName)
		if err != nil {
			return nil, fmt.Errorf("upload image: %w", err)
		}
		emit.emit("Image uploaded successfully. Proceeding to generation...\n")
	}

	emit.emit("**Generation Process Begins**\n\nInitializing generation request...\n")

	if isVideo {
		if sora.IsStoryboardPrompt(req.Prompt) {
			emit.emit("Detected storyboard format. Converting to storyboard API format...\n")
			formatted := sora.FormatStoryboardPrompt(req.Prompt)
			taskID, err = s.client.GenerateStoryboard(ctx, opts, formatted, modelCfg.Orientation, modelCfg.NFrames, mediaID)
		} else {
			taskID, err = s.client.GenerateVideo(ctx, opts, req.Prompt, modelCfg.Orientation, modelCfg.NFrames, mediaID)
		}
	} else {
		taskID, err = s.client.GenerateImage(ctx, opts, req.Prompt, modelCfg.Width, modelCfg.Height, mediaID)
	}
	if err != nil {
		return nil, err
	}

	if cerr := s.tasks.Create(ctx, &Task{
		TaskID:  taskID,
		TokenID: token.ID,
		Model:   req.Model,
		Prompt:  req.Prompt,
		Status:  TaskStatusProcessing,
	}); cerr != nil {
		logger.Warnf("任务落库失败 %s: %v", taskID, cerr)
	}

	content, err := s.pollTask(ctx, token, taskID, req.Prompt, isVideo, timeout, emit)
	if err != nil {
		return nil, err
	}
	return &GenerationResult{Content: content, TokenID: token.ID, TaskID: taskID}, nil
}

// generateRemix 基于分享链接目标的二创。
func (s *GenerationService) generateRemix(ctx context.Context, req GenerationRequest, modelCfg sora.ModelConfig, emit ProgressEmitter) (result *GenerationResult, err error) {
	token, err := s.lb.Select(ctx, true)
	if err != nil {
		return nil, err
	}
	if merr := s.lb.MarkSelected(ctx, token.ID); merr != nil {
		logger.Warnf("更新令牌使用痕迹失败 %d: %v", token.ID, merr)
	}

	genCfg, err := s.settings.GetGenerationConfig(ctx)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(genCfg.VideoTimeoutSeconds) * time.Second

	slot := s.conc.Acquire(token.ID, SlotVideo, token.VideoConcurrency)
	if !slot.Acquired {
		return nil, fmt.Errorf("令牌 %d 视频并发槽已满", token.ID)
	}

	var taskID string
	defer func() {
		slot.Release()
		err = s.finishTask(ctx, token.ID, taskID, true, err)
	}()

	emit.emit("**Remix Generation Process Begins**\n\nInitializing remix request...\n")

	cleanPrompt := sora.CleanRemixPrompt(req.Prompt)
	emit.emit("Sending remix request to server...\n")

	opts := s.requestOpts(ctx, token)
	taskID, err = s.client.RemixVideo(ctx, opts, req.RemixTargetID, cleanPrompt, modelCfg.Orientation, modelCfg.NFrames)
	if err != nil {
		return nil, err
	}

	if cerr := s.tasks.Create(ctx, &Task{
		TaskID:  taskID,
		TokenID: token.ID,
		Model:   req.Model,
		Prompt:  fmt.Sprintf("remix:%s %s", req.RemixTargetID, cleanPrompt),
		Status:  TaskStatusProcessing,
	}); cerr != nil {
		logger.Warnf("任务落库失败 %s: %v", taskID, cerr)
	}

	content, err := s.pollTask(ctx, token, taskID, cleanPrompt, true, timeout, emit)
	if err != nil {
		return nil, err
	}
	return &GenerationResult{Content: content, TokenID: token.ID, TaskID: taskID}, nil
}

// enhancePrompt 伪模型：只做提示词增强，不产生媒体任务。
func (s *GenerationService) enhancePrompt(ctx context.Context, req GenerationRequest, modelCfg sora.ModelConfig, emit ProgressEmitter) (result *GenerationResult, err error) {
	token, err := s.lb.Select(ctx, false)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = s.finishTask(ctx, token.ID, "", false, err)
	}()

	emit.emit("**Prompt Enhancement Begins**\n\nEnhancing prompt...\n")
	enhanced, err := s.client.EnhancePrompt(ctx, s.requestOpts(ctx, token), req.Prompt, modelCfg.ExpansionLevel, modelCfg.DurationS)
	if err != nil {
		return nil, err
	}
	return &GenerationResult{Content: enhanced, TokenID: token.ID}, nil
}

// finishTask 终态统一处理：区分取消/超时、记账、任务表落终态。
func (s *GenerationService) finishTask(ctx context.Context, tokenID int64, taskID string, isVideo bool, callErr error) error {
	if callErr != nil && ctx.Err() != nil && !errors.Is(callErr, sora.ErrTimeout) {
		callErr = fmt.Errorf("%w: %v", sora.ErrCancelled, callErr)
	}
	s.tokenSvc.RecordOutcome(context.WithoutCancel(ctx), tokenID, isVideo, callErr)
	if callErr != nil && taskID != "" {
		now := time.Now()
		if uerr := s.tasks.UpdateStatus(context.WithoutCancel(ctx), taskID, TaskStatusFailed, 0, "", callErr.Error(), &now); uerr != nil {
			logger.Warnf("任务终态更新失败 %s: %v", taskID, uerr)
		}
	}
	return callErr
}

func (s *GenerationService) requestOpts(ctx context.Context, token *Token) sora.RequestOptions {
	return sora.RequestOptions{
		TokenID:     token.ID,
		AccessToken: token.AccessToken,
		ProxyURL:    s.proxy.ForToken(ctx, token),
		PowProxyURL: s.proxy.ForPow(ctx, token),
	}
}

// pollTask 轮询任务直到终态，返回渲染后的最终内容。
func (s *GenerationService) pollTask(ctx context.Context, token *Token, taskID, prompt string, isVideo bool, timeout time.Duration, emit ProgressEmitter) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancels.Store(taskID, cancel)
	defer s.cancels.Delete(taskID)

	opts := s.requestOpts(ctx, token)
	start := time.Now()
	lastHeartbeat := start
	lastStatusOut := start
	lastProgress := 0.0

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", sora.ErrCancelled, ctx.Err())
		case <-ticker.C:
		}
		if elapsed := time.Since(start); elapsed > timeout {
			return "", fmt.Errorf("%w: generation exceeded %s", sora.ErrTimeout, timeout)
		}

		if isVideo {
			done, content, err := s.pollVideoOnce(ctx, opts, token, taskID, prompt, &lastStatusOut, emit)
			if err != nil {
				return "", err
			}
			if done {
				return content, nil
			}
			continue
		}

		done, content, err := s.pollImageOnce(ctx, opts, token, taskID, &lastProgress, emit)
		if err != nil {
			return "", err
		}
		if done {
			return content, nil
		}
		// 图片无进度更新时按 10s 间隔发心跳
		if time.Since(lastHeartbeat) >= heartbeatInterval {
			lastHeartbeat = time.Now()
			emit.emit(fmt.Sprintf("Image generation in progress... (%ds elapsed)\n", int(time.Since(start).Seconds())))
		}
	}
}

// pollImageOnce 查询一次图片任务。succeeded 取 generations[].url，
// failed 上抛 error_message，processing 进度跨过 20 个百分点才输出。
func (s *GenerationService) pollImageOnce(ctx context.Context, opts sora.RequestOptions, token *Token, taskID string, lastProgress *float64, emit ProgressEmitter) (bool, string, error) {
	result, err := s.client.GetImageTasks(ctx, opts)
	if err != nil {
		return false, "", err
	}
	responses, _ := result["task_responses"].([]any)
	for _, raw := range responses {
		task, ok := raw.(map[string]any)
		if !ok || task["id"] != taskID {
			continue
		}
		status, _ := task["status"].(string)
		progress := 0.0
		if p, ok := task["progress_pct"].(float64); ok {
			progress = p * 100
		}

		switch status {
		case "succeeded":
			var urls []string
			if gens, ok := task["generations"].([]any); ok {
				for _, g := range gens {
					if gen, ok := g.(map[string]any); ok {
						if u, ok := gen["url"].(string); ok && u != "" {
							urls = append(urls, u)
						}
					}
				}
			}
			if len(urls) == 0 {
				return false, "", errors.New("image task succeeded without generations")
			}
			emit.emit(fmt.Sprintf("**Image Generation Completed**\n\nImage generation successful. Now caching %d image(s)...\n", len(urls)))
			localURLs := s.cacheURLs(ctx, urls, MediaTypeImage, token, emit)
			s.markCompleted(ctx, taskID, localURLs)

			lines := make([]string, len(localURLs))
			for i, u := range localURLs {
				lines[i] = fmt.Sprintf("![Generated Image](%s)", u)
			}
			return true, strings.Join(lines, "\n"), nil

		case "failed":
			msg, _ := task["error_message"].(string)
			if msg == "" {
				msg = "Generation failed"
			}
			return false, "", &sora.UpstreamError{StatusCode: 500, Message: msg}

		case "processing":
			if progress > *lastProgress+20 {
				*lastProgress = progress
				if uerr := s.tasks.UpdateStatus(ctx, taskID, TaskStatusProcessing, progress, "", "", nil); uerr != nil {
					logger.Warnf("任务进度更新失败 %s: %v", taskID, uerr)
				}
				emit.emit(fmt.Sprintf("**Processing**\n\nGeneration in progress: %.0f%% completed...\n", progress))
			}
		}
		return false, "", nil
	}
	return false, "", nil
}

// pollVideoOnce 查询一次视频任务。还在 pending 列表则输出进度；
// 消失即视为完成，转去 drafts 取结果。
func (s *GenerationService) pollVideoOnce(ctx context.Context, opts sora.RequestOptions, token *Token, taskID, prompt string, lastStatusOut *time.Time, emit ProgressEmitter) (bool, string, error) {
	pending, err := s.client.GetPendingTasks(ctx, opts)
	if err != nil {
		return false, "", err
	}
	for _, task := range pending {
		if task["id"] != taskID {
			continue
		}
		// 初期 progress_pct 可能为 null
		progress := 0
		if p, ok := task["progress_pct"].(float64); ok {
			progress = int(p * 100)
		}
		status, _ := task["status"].(string)
		if status == "" {
			status = "processing"
		}
		if time.Since(*lastStatusOut) >= videoStatusInterval {
			*lastStatusOut = time.Now()
			emit.emit(fmt.Sprintf("**Video Generation Progress**: %d%% (%s)\n", progress, status))
			if uerr := s.tasks.UpdateStatus(ctx, taskID, TaskStatusProcessing, float64(progress), "", "", nil); uerr != nil {
				logger.Warnf("任务进度更新失败 %s: %v", taskID, uerr)
			}
		}
		return false, "", nil
	}

	// 不在 pending 里了，去 drafts 找成片
	drafts, err := s.client.GetVideoDrafts(ctx, opts)
	if err != nil {
		return false, "", err
	}
	items, _ := drafts["items"].([]any)
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok || item["task_id"] != taskID {
			continue
		}
		localURL, err := s.resolveVideoURL(ctx, opts, token, item, prompt, emit)
		if err != nil {
			return false, "", err
		}
		s.markCompleted(ctx, taskID, []string{localURL})
		return true, fmt.Sprintf("```html\n<video src='%s' controls></video>\n```", localURL), nil
	}
	// drafts 还没出现，下一轮再看
	return false, "", nil
}

// resolveVideoURL 取成片地址：无水印模式先发布再解析，失败按配置回退
// downloadable_url；最后统一过缓存。
func (s *GenerationService) resolveVideoURL(ctx context.Context, opts sora.RequestOptions, token *Token, item map[string]any, prompt string, emit ProgressEmitter) (string, error) {
	fallbackURL, _ := item["downloadable_url"].(string)
	if fallbackURL == "" {
		fallbackURL, _ = item["url"].(string)
	}

	enabled, fallbackOK := s.watermark.Enabled(ctx)
	if enabled {
		generationID, _ := item["id"].(string)
		if generationID == "" {
			return "", errors.New("generation id not found in video draft")
		}
		emit.emit("**Video Generation Completed**\n\nWatermark-free mode enabled. Publishing video to get watermark-free version...\n")

		wfURL, postID, err := s.watermark.Resolve(ctx, opts, generationID)
		if err == nil {
			emit.emit(fmt.Sprintf("Video published successfully. Post ID: %s\nNow preparing watermark-free video...\n", postID))
			localURL := s.cacheURL(ctx, wfURL, MediaTypeVideo, token, emit)
			// 缓存落地后把发布的 post 清掉
			s.watermark.CleanupPost(ctx, opts, postID)
			return localURL, nil
		}

		logger.Warnf("无水印解析失败: %v", err)
		if !fallbackOK || fallbackURL == "" {
			return "", fmt.Errorf("watermark-free resolve: %w", err)
		}
		emit.emit(fmt.Sprintf("Warning: Failed to get watermark-free version - %v\nFalling back to normal video...\n", err))
		return s.cacheURL(ctx, fallbackURL, MediaTypeVideo, token, emit), nil
	}

	if fallbackURL == "" {
		return "", errors.New("video url not found in draft")
	}
	emit.emit("**Video Generation Completed**\n\nVideo generation successful. Now caching the video file...\n")
	return s.cacheURL(ctx, fallbackURL, MediaTypeVideo, token, emit), nil
}

// cacheURL 单个地址过缓存，缓存关闭或失败时原样返回。
func (s *GenerationService) cacheURL(ctx context.Context, rawURL, mediaType string, token *Token, emit ProgressEmitter) string {
	fileName, err := s.cache.DownloadAndCache(ctx, rawURL, mediaType, token)
	if err != nil {
		if !errors.Is(err, ErrCacheDisabled) {
			emit.emit(fmt.Sprintf("Warning: Failed to cache file - %v\nUsing original URL instead...\n", err))
		}
		return rawURL
	}
	return s.localFileURL(ctx, fileName)
}

func (s *GenerationService) cacheURLs(ctx context.Context, urls []string, mediaType string, token *Token, emit ProgressEmitter) []string {
	out := make([]string, 0, len(urls))
	for i, u := range urls {
		out = append(out, s.cacheURL(ctx, u, mediaType, token, emit))
		if len(urls) > 1 {
			emit.emit(fmt.Sprintf("Cached image %d/%d...\n", i+1, len(urls)))
		}
	}
	return out
}

func (s *GenerationService) localFileURL(ctx context.Context, fileName string) string {
	base := ""
	if cfg, err := s.settings.GetCacheConfig(ctx); err == nil && cfg != nil {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	return base + "/tmp/" + fileName
}

func (s *GenerationService) markCompleted(ctx context.Context, taskID string, urls []string) {
	encoded, _ := json.Marshal(urls)
	now := time.Now()
	if err := s.tasks.UpdateStatus(ctx, taskID, TaskStatusCompleted, 100, string(encoded), "", &now); err != nil {
		logger.Warnf("任务完成落库失败 %s: %v", taskID, err)
	}
}
