// Package sora 封装 Sora 上游 API：会话伪装、哨兵令牌、任务创建与轮询。
package sora

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/Han-Qiu/sora2api/internal/pkg/httpclient"
	"github.com/Han-Qiu/sora2api/internal/util/soraerror"
)

const (
	defaultBaseURL     = "https://sora.chatgpt.com/backend"
	maxAPIResponseSize = 1 * 1024 * 1024 // 1MB

	// nfCreateTimeout /nf/create 走简单 HTTP 通道的独立超时
	nfCreateTimeout = 30 * time.Second
)

// TransportOptions 描述一次上游调用的传输层要求。
type TransportOptions struct {
	ProxyURL string
	// Impersonate 非空时启用对应 Chrome TLS 指纹；/nf/create 必须留空，
	// 该端点校验裸头部集合而不是浏览器指纹
	Impersonate string
	Timeout     time.Duration
}

// UpstreamClient 是传输层抽象，测试时用 stub 替换。
type UpstreamClient interface {
	Do(req *http.Request, opts TransportOptions) (*http.Response, error)
}

// HTTPUpstream 是基于共享客户端池的默认实现。
type HTTPUpstream struct{}

var _ UpstreamClient = (*HTTPUpstream)(nil)

func (HTTPUpstream) Do(req *http.Request, opts TransportOptions) (*http.Response, error) {
	client, err := httpclient.GetClient(httpclient.Options{
		ProxyURL:           opts.ProxyURL,
		Timeout:            opts.Timeout,
		ImpersonateProfile: opts.Impersonate,
	})
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

// Client is the Sora upstream API client.
type Client struct {
	baseURL  string
	timeout  time.Duration
	upstream UpstreamClient
	sentinel *SentinelService
}

// RequestOptions 是单次调用的账号上下文。
type RequestOptions struct {
	TokenID     int64
	AccessToken string
	// ProxyURL 业务流量代理；PowProxyURL 哨兵铸造流量代理，可独立配置
	ProxyURL    string
	PowProxyURL string
}

// NewClient creates a Sora client. sentinel may not be nil when generation
// endpoints will be used.
func NewClient(baseURL string, timeout time.Duration, upstream UpstreamClient, sentinel *SentinelService) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		timeout:  timeout,
		upstream: upstream,
		sentinel: sentinel,
	}
}

// Sentinel exposes the sentinel service (用于失效与强制刷新).
func (c *Client) Sentinel() *SentinelService { return c.sentinel }

// GetUserInfo returns the account profile behind the access token.
func (c *Client) GetUserInfo(ctx context.Context, opts RequestOptions) (map[string]any, error) {
	return c.doRequest(ctx, http.MethodGet, "/me", opts, nil, "", nil)
}

// UploadImage uploads an image and returns media ID.
func (c *Client) UploadImage(ctx context.Context, opts RequestOptions, data []byte, filename string) (string, error) {
	if filename == "" {
		filename = "image.png"
	}
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := writer.WriteField("file_name", filename); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	resp, err := c.doRequest(ctx, http.MethodPost, "/uploads", opts, &buf, writer.FormDataContentType(), nil)
	if err != nil {
		return "", err
	}
	return stringFromJSON(resp, "id"), nil
}

// GenerateImage creates an image generation task and returns the task ID.
// media_id 非空时走 remix（图生图）。
func (c *Client) GenerateImage(ctx context.Context, opts RequestOptions, prompt string, width, height int, mediaID string) (string, error) {
	operation := "simple_compose"
	inpaint := []map[string]any{}
	if mediaID != "" {
		operation = "remix"
		inpaint = append(inpaint, map[string]any{
			"type":            "image",
			"frame_index":     0,
			"upload_media_id": mediaID,
		})
	}
	payload := map[string]any{
		"type":          "image_gen",
		"operation":     operation,
		"prompt":        prompt,
		"width":         width,
		"height":        height,
		"n_variants":    1,
		"n_frames":      1,
		"inpaint_items": inpaint,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	resp, err := c.withSentinelRetry(ctx, opts, func(tok SentinelToken) (map[string]any, error) {
		return c.doRequest(ctx, http.MethodPost, "/video_gen", opts, bytes.NewReader(body), "application/json", &tok)
	})
	if err != nil {
		return "", err
	}
	return stringFromJSON(resp, "id"), nil
}

// GenerateVideo creates a video generation task and returns the task ID.
func (c *Client) GenerateVideo(ctx context.Context, opts RequestOptions, prompt, orientation string, nFrames int, mediaID string) (string, error) {
	inpaint := []map[string]any{}
	if mediaID != "" {
		inpaint = append(inpaint, map[string]any{"kind": "upload", "upload_id": mediaID})
	}
	payload := map[string]any{
		"kind":          "video",
		"prompt":        prompt,
		"orientation":   orientation,
		"size":          "small",
		"n_frames":      nFrames,
		"model":         "sy_8",
		"inpaint_items": inpaint,
		"style_id":      nil,
	}
	resp, err := c.nfCreate(ctx, opts, "/nf/create", payload)
	if err != nil {
		return "", err
	}
	return stringFromJSON(resp, "id"), nil
}

// GenerateStoryboard creates a storyboard video task.
func (c *Client) GenerateStoryboard(ctx context.Context, opts RequestOptions, prompt, orientation string, nFrames int, mediaID string) (string, error) {
	inpaint := []map[string]any{}
	if mediaID != "" {
		inpaint = append(inpaint, map[string]any{"kind": "upload", "upload_id": mediaID})
	}
	payload := map[string]any{
		"kind":               "video",
		"prompt":             prompt,
		"title":              "Draft your video",
		"orientation":        orientation,
		"size":               "small",
		"n_frames":           nFrames,
		"storyboard_id":      nil,
		"inpaint_items":      inpaint,
		"remix_target_id":    nil,
		"model":              "sy_8",
		"metadata":           nil,
		"style_id":           nil,
		"cameo_ids":          nil,
		"cameo_replacements": nil,
		"audio_caption":      nil,
		"audio_transcript":   nil,
		"video_caption":      nil,
	}
	resp, err := c.nfCreate(ctx, opts, "/nf/create/storyboard", payload)
	if err != nil {
		return "", err
	}
	return stringFromJSON(resp, "id"), nil
}

// RemixVideo creates a remix task against a published post.
func (c *Client) RemixVideo(ctx context.Context, opts RequestOptions, remixTargetID, prompt, orientation string, nFrames int) (string, error) {
	payload := map[string]any{
		"kind":               "video",
		"prompt":             prompt,
		"inpaint_items":      []map[string]any{},
		"remix_target_id":    remixTargetID,
		"cameo_ids":          []string{},
		"cameo_replacements": map[string]any{},
		"model":              "sy_8",
		"orientation":        orientation,
		"n_frames":           nFrames,
		"style_id":           nil,
	}
	resp, err := c.nfCreate(ctx, opts, "/nf/create", payload)
	if err != nil {
		return "", err
	}
	return stringFromJSON(resp, "id"), nil
}

// GetImageTasks returns recent image tasks (newest first).
func (c *Client) GetImageTasks(ctx context.Context, opts RequestOptions) (map[string]any, error) {
	return c.doRequest(ctx, http.MethodGet, "/v2/recent_tasks?limit=20", opts, nil, "", nil)
}

// GetPendingTasks returns in-flight video tasks with progress.
func (c *Client) GetPendingTasks(ctx context.Context, opts RequestOptions) ([]map[string]any, error) {
	resp, err := c.doRequestAny(ctx, http.MethodGet, "/nf/pending/v2", opts, nil, "", nil)
	if err != nil {
		return nil, err
	}
	switch v := resp.(type) {
	case []any:
		return convertList(v), nil
	case map[string]any:
		if list, ok := v["items"].([]any); ok {
			return convertList(list), nil
		}
		if list, ok := v["data"].([]any); ok {
			return convertList(list), nil
		}
		return nil, nil
	default:
		return nil, nil
	}
}

// GetVideoDrafts returns recent video drafts.
func (c *Client) GetVideoDrafts(ctx context.Context, opts RequestOptions) (map[string]any, error) {
	return c.doRequest(ctx, http.MethodGet, "/project_y/profile/drafts?limit=15", opts, nil, "", nil)
}

// EnhancePrompt 调用提示词增强接口，返回增强后的文本。
func (c *Client) EnhancePrompt(ctx context.Context, opts RequestOptions, prompt, expansionLevel string, durationS int) (string, error) {
	payload := map[string]any{
		"prompt":          prompt,
		"expansion_level": expansionLevel,
		"duration_s":      durationS,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	resp, err := c.doRequest(ctx, http.MethodPost, "/editor/enhance_prompt", opts, bytes.NewReader(body), "application/json", nil)
	if err != nil {
		return "", err
	}
	return stringFromJSON(resp, "enhanced_prompt"), nil
}

// PostVideoForWatermarkFree publishes a generation as a post and returns the
// post ID, which resolves to a watermark-free asset.
func (c *Client) PostVideoForWatermarkFree(ctx context.Context, opts RequestOptions, generationID string) (string, error) {
	payload := map[string]any{
		"attachments_to_create": []map[string]any{{
			"generation_id": generationID,
			"kind":          "sora",
		}},
		"post_text": "",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	resp, err := c.withSentinelRetry(ctx, opts, func(tok SentinelToken) (map[string]any, error) {
		return c.doRequest(ctx, http.MethodPost, "/project_y/post", opts, bytes.NewReader(body), "application/json", &tok)
	})
	if err != nil {
		return "", err
	}
	if post, ok := resp["post"].(map[string]any); ok {
		return stringFromJSON(post, "id"), nil
	}
	return "", nil
}

// DeletePost removes a published post. 发布仅为取无水印链接，用完即删。
func (c *Client) DeletePost(ctx context.Context, opts RequestOptions, postID string) error {
	if postID == "" {
		return nil
	}
	_, err := c.doRequest(ctx, http.MethodDelete, "/project_y/post/"+postID, opts, nil, "", nil)
	return err
}

// DownloadFile fetches a media asset (video/image) through the account proxy.
func (c *Client) DownloadFile(ctx context.Context, opts RequestOptions, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", RandomDesktopUA())
	resp, err := c.upstream.Do(req, TransportOptions{ProxyURL: opts.ProxyURL, Timeout: c.timeout})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download failed: %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// nfCreate 走简单 HTTP 通道调用 /nf/create 系端点：该端点校验精确的头部
// 集合，UA 与 device-id 必须与哨兵令牌铸造时一致。400 类失败触发一次
// 缓存失效 + 刷新重试；403/429 立即上抛。
func (c *Client) nfCreate(ctx context.Context, opts RequestOptions, endpoint string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return c.withSentinelRetry(ctx, opts, func(tok SentinelToken) (map[string]any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+opts.AccessToken)
		req.Header.Set("OpenAI-Sentinel-Token", tok.Header)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", tok.UserAgent)
		req.Header.Set("OAI-Language", "en-US")
		req.Header.Set("OAI-Device-Id", tok.DeviceID)

		resp, err := c.upstream.Do(req, TransportOptions{ProxyURL: opts.ProxyURL, Timeout: nfCreateTimeout})
		if err != nil {
			return nil, err
		}
		return decodeResponse(resp)
	})
}

// withSentinelRetry 获取哨兵令牌并执行请求；仅在令牌被判定失效时失效
// 缓存、强制刷新并重试一次，第二次失败原样上抛。
func (c *Client) withSentinelRetry(ctx context.Context, opts RequestOptions, do func(SentinelToken) (map[string]any, error)) (map[string]any, error) {
	if c.sentinel == nil {
		return nil, errors.New("sentinel service not configured")
	}
	sopts := SentinelOptions{ProxyURL: opts.PowProxyURL}
	tok, err := c.sentinel.Get(ctx, sopts, false)
	if err != nil {
		return nil, err
	}
	resp, err := do(tok)
	if err == nil {
		return resp, nil
	}
	ue, ok := AsUpstreamError(err)
	if !ok || !ue.IsSentinelRejection() {
		return nil, err
	}

	c.sentinel.Invalidate()
	tok, rerr := c.sentinel.Get(ctx, sopts, true)
	if rerr != nil {
		return nil, rerr
	}
	return do(tok)
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, opts RequestOptions, body io.Reader, contentType string, sentinel *SentinelToken) (map[string]any, error) {
	resp, err := c.doRequestAny(ctx, method, endpoint, opts, body, contentType, sentinel)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return map[string]any{}, nil
	}
	parsed, ok := resp.(map[string]any)
	if !ok {
		return nil, errors.New("unexpected response format")
	}
	return parsed, nil
}

func (c *Client) doRequestAny(ctx context.Context, method, endpoint string, opts RequestOptions, body io.Reader, contentType string, sentinel *SentinelToken) (any, error) {
	if c.upstream == nil {
		return nil, errors.New("upstream is nil")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if opts.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+opts.AccessToken)
	}
	req.Header.Set("User-Agent", RandomMobileUA())
	// 预置假 cf_clearance，配合 TLS 指纹绕过边缘校验
	req.AddCookie(&http.Cookie{Name: "cf_clearance", Value: FakeCFClearance()})
	if sentinel != nil {
		req.Header.Set("openai-sentinel-token", sentinel.Header)
		req.Header.Set("User-Agent", sentinel.UserAgent)
	}

	fp := RandomFingerprint()
	resp, err := c.upstream.Do(req, TransportOptions{
		ProxyURL:    opts.ProxyURL,
		Impersonate: fp.Impersonate,
		Timeout:     c.timeout,
	})
	if err != nil {
		return nil, err
	}
	return decodeResponseAny(resp)
}

// decodeResponse 读取并解析上游响应，非 2xx 转为 *UpstreamError。
func decodeResponse(resp *http.Response) (map[string]any, error) {
	parsed, err := decodeResponseAny(resp)
	if err != nil {
		return nil, err
	}
	if parsed == nil {
		return map[string]any{}, nil
	}
	m, ok := parsed.(map[string]any)
	if !ok {
		return nil, errors.New("unexpected response format")
	}
	return m, nil
}

func decodeResponseAny(resp *http.Response) (any, error) {
	defer resp.Body.Close()

	// LimitReader 防御超大响应
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxAPIResponseSize {
		return nil, fmt.Errorf("response too large (max %d bytes)", maxAPIResponseSize)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code, message := soraerror.ExtractCodeAndMessage(data)
		if soraerror.IsCloudflareChallengeResponse(resp.StatusCode, resp.Header, data) {
			message = soraerror.FormatChallengeMessage("cloudflare challenge", resp.Header, data)
		}
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Code:       code,
			Message:    message,
			Body:       soraerror.TruncateBody(data, 512),
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return parsed, nil
}

func stringFromJSON(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func convertList(list []any) []map[string]any {
	results := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			results = append(results, m)
		}
	}
	return results
}
