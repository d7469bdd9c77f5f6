package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Han-Qiu/sora2api/internal/pkg/httpclient"
	"github.com/Han-Qiu/sora2api/internal/pkg/logger"
	"github.com/Han-Qiu/sora2api/internal/pkg/sora"
	"github.com/Han-Qiu/sora2api/internal/service"
)

const maxInlineMediaSize = 100 * 1024 * 1024

// OpenAIHandler 暴露 OpenAI 兼容入口：/v1/chat/completions 与 /v1/models。
type OpenAIHandler struct {
	gen  *service.GenerationService
	logs service.RequestLogRepository

	startedAt time.Time
}

// NewOpenAIHandler 创建兼容层处理器。
func NewOpenAIHandler(gen *service.GenerationService, logs service.RequestLogRepository) *OpenAIHandler {
	return &OpenAIHandler{gen: gen, logs: logs, startedAt: time.Now()}
}

// Models 返回支持的模型列表。
// GET /v1/models
func (h *OpenAIHandler) Models(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   sora.ListModels(h.startedAt.Unix()),
	})
}

// ChatCompletions 聊天补全入口：解析提示词与附件，驱动生成编排。
// POST /v1/chat/completions
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInlineMediaSize))
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, "invalid_request_error", "Failed to read request body")
		return
	}
	if len(body) == 0 {
		h.errorResponse(c, http.StatusBadRequest, "invalid_request_error", "Request body is empty")
		return
	}

	var reqBody map[string]any
	if err := json.Unmarshal(body, &reqBody); err != nil {
		h.errorResponse(c, http.StatusBadRequest, "invalid_request_error", "Failed to parse request body")
		return
	}

	model, _ := reqBody["model"].(string)
	if strings.TrimSpace(model) == "" {
		h.errorResponse(c, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	stream, _ := reqBody["stream"].(bool)

	prompt, imageRef, videoRef, remixID, err := parsePrompt(reqBody)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if remixID == "" {
		remixID = sora.ExtractRemixID(prompt)
	}

	// 非流式只探测可用性，不发起生成
	if !stream {
		h.respondAvailability(c, model)
		return
	}

	genReq := service.GenerationRequest{
		Model:         model,
		Prompt:        prompt,
		RemixTargetID: remixID,
	}
	if imageRef != "" {
		data, err := loadMedia(c, imageRef)
		if err != nil {
			h.errorResponse(c, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("invalid image: %v", err))
			return
		}
		genReq.ImageData = data
		genReq.ImageName = "image.png"
	}
	if videoRef != "" {
		data, err := loadMedia(c, videoRef)
		if err != nil {
			h.errorResponse(c, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("invalid video: %v", err))
			return
		}
		genReq.VideoData = data
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	flusher, _ := c.Writer.(http.Flusher)

	isFirst := true
	writeChunk := func(content, reasoning *string, finishReason string) {
		chunk := buildStreamChunk(content, reasoning, finishReason, isFirst)
		isFirst = false
		if _, err := c.Writer.WriteString(chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	result, genErr := h.gen.Generate(c.Request.Context(), genReq, func(reasoning string) {
		writeChunk(nil, &reasoning, "")
	})

	statusCode := http.StatusOK
	tokenID := int64(0)
	errMsg := ""
	if genErr != nil {
		statusCode = errorStatus(genErr)
		errMsg = genErr.Error()
		h.streamError(c, writeChunk, genErr)
	} else {
		tokenID = result.TokenID
		writeChunk(&result.Content, nil, "STOP")
		_, _ = c.Writer.WriteString("data: [DONE]\n\n")
		if flusher != nil {
			flusher.Flush()
		}
	}

	h.logRequest(c, model, tokenID, statusCode, time.Since(start), errMsg)
}

func (h *OpenAIHandler) respondAvailability(c *gin.Context, model string) {
	available, forVideo, err := h.gen.CheckAvailability(c.Request.Context(), model)
	if err != nil {
		h.errorResponse(c, errorStatus(err), "invalid_request_error", err.Error())
		return
	}
	kind := "image"
	if forVideo {
		kind = "video"
	}
	message := fmt.Sprintf("No available models for %s generation", kind)
	if available {
		message = fmt.Sprintf("All tokens available for %s generation. Please enable streaming to use the generation feature.", kind)
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      fmt.Sprintf("chatcmpl-%d", time.Now().UnixMilli()),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   "sora",
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": message,
				},
				"finish_reason": "stop",
			},
		},
	})
}

// errorResponse 按 OpenAI 错误体格式返回。
func (h *OpenAIHandler) errorResponse(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    errType,
		},
	})
}

// streamError 流已经开始时错误只能走 SSE 通道收尾。
func (h *OpenAIHandler) streamError(c *gin.Context, writeChunk func(*string, *string, string), err error) {
	reasoning := fmt.Sprintf("**Generation Failed**\n\n%v\n", err)
	writeChunk(nil, &reasoning, "STOP")
	_, _ = c.Writer.WriteString("data: [DONE]\n\n")
	if flusher, ok := c.Writer.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (h *OpenAIHandler) logRequest(c *gin.Context, model string, tokenID int64, statusCode int, duration time.Duration, errMsg string) {
	// 客户端断开按 499 记
	if c.Request.Context().Err() != nil {
		statusCode = 499
	}
	if err := h.logs.Create(c.Copy(), &service.RequestLog{
		Model:        model,
		TokenID:      tokenID,
		StatusCode:   statusCode,
		DurationMs:   duration.Milliseconds(),
		ErrorMessage: errMsg,
	}); err != nil {
		logger.Warnf("请求日志落库失败: %v", err)
	}
}

// buildStreamChunk 组装 OpenAI 风格的流式块。content/reasoning 为 nil 时
// 字段显式置 null。
func buildStreamChunk(content, reasoning *string, finishReason string, isFirst bool) string {
	delta := map[string]any{}
	if isFirst {
		delta["role"] = "assistant"
	}
	if content != nil {
		delta["content"] = *content
	} else {
		delta["content"] = nil
	}
	if reasoning != nil {
		delta["reasoning_content"] = *reasoning
	} else {
		delta["reasoning_content"] = nil
	}
	delta["tool_calls"] = nil

	var finish any
	if finishReason != "" {
		finish = finishReason
	}
	usage := map[string]any{"prompt_tokens": 0}
	if finishReason != "" {
		usage["completion_tokens"] = 1
		usage["total_tokens"] = 1
	}

	response := map[string]any{
		"id":      fmt.Sprintf("chatcmpl-%d", time.Now().UnixMilli()),
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   "sora",
		"choices": []any{
			map[string]any{
				"index":                0,
				"delta":                delta,
				"finish_reason":        finish,
				"native_finish_reason": finish,
			},
		},
		"usage": usage,
	}
	payload, _ := json.Marshal(response)
	return "data: " + string(payload) + "\n\n"
}

// parsePrompt 取最后一条消息的文本与附件。附件既支持 content 数组里的
// image_url/video_url，也支持请求顶层 image/video 字段。
func parsePrompt(req map[string]any) (prompt, imageRef, videoRef, remixID string, err error) {
	messages, ok := req["messages"].([]any)
	if !ok || len(messages) == 0 {
		return "", "", "", "", fmt.Errorf("messages is required")
	}
	last, ok := messages[len(messages)-1].(map[string]any)
	if !ok {
		return "", "", "", "", fmt.Errorf("invalid message format")
	}
	content, ok := last["content"]
	if !ok {
		return "", "", "", "", fmt.Errorf("content is required")
	}

	if v, ok := req["image"].(string); ok && v != "" {
		imageRef = v
	}
	if v, ok := req["video"].(string); ok && v != "" {
		videoRef = v
	}
	if v, ok := req["remix_target_id"].(string); ok {
		remixID = v
	}

	switch value := content.(type) {
	case string:
		prompt = value
	case []any:
		for _, item := range value {
			part, ok := item.(map[string]any)
			if !ok {
				continue
			}
			switch part["type"] {
			case "text":
				if text, ok := part["text"].(string); ok {
					prompt = text
				}
			case "image_url":
				if image, ok := part["image_url"].(map[string]any); ok {
					if url, ok := image["url"].(string); ok {
						imageRef = url
					}
				}
			case "video_url":
				if video, ok := part["video_url"].(map[string]any); ok {
					if url, ok := video["url"].(string); ok {
						videoRef = url
					}
				}
			}
		}
	default:
		return "", "", "", "", fmt.Errorf("invalid content format")
	}
	if strings.TrimSpace(prompt) == "" && strings.TrimSpace(videoRef) == "" {
		return "", "", "", "", fmt.Errorf("prompt is required")
	}
	return prompt, imageRef, videoRef, remixID, nil
}

// loadMedia 解出附件字节：data URL、裸 base64 或可下载的 http(s) 地址。
func loadMedia(c *gin.Context, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "data:"):
		idx := strings.Index(ref, "base64,")
		if idx < 0 {
			return nil, errors.New("data url must be base64 encoded")
		}
		return base64.StdEncoding.DecodeString(ref[idx+len("base64,"):])
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		client, err := httpclient.GetClient(httpclient.Options{Timeout: 2 * time.Minute})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, ref, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("download media: status %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxInlineMediaSize))
	default:
		return base64.StdEncoding.DecodeString(ref)
	}
}

// errorStatus 把编排层错误映射到 HTTP 状态码。
func errorStatus(err error) int {
	switch {
	case errors.Is(err, sora.ErrInvalidModel):
		return http.StatusBadRequest
	case errors.Is(err, sora.ErrNoEligibleToken):
		return http.StatusServiceUnavailable
	case errors.Is(err, sora.ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, sora.ErrCancelled):
		return 499
	}
	if ue, ok := sora.AsUpstreamError(err); ok {
		return ue.StatusCode
	}
	return http.StatusInternalServerError
}
