package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/imroc/req/v3"

	"github.com/Han-Qiu/sora2api/internal/pkg/logger"
	"github.com/Han-Qiu/sora2api/internal/pkg/sora"
)

// watermarkFreeHost 第三方直链主机，部署期常量。
const watermarkFreeHost = "https://oscdn2.dyysy.com"

// WatermarkService 解析已完成视频的无水印直链。
// 流程：发布为 post → 解析直链（自定义解析服务或第三方主机拼接）→
// 下载缓存由调用方完成 → 删除 post 收尾。
type WatermarkService struct {
	settings SettingsRepository
	client   *sora.Client
	proxy    *ProxyResolver
}

// NewWatermarkService 创建无水印解析服务。
func NewWatermarkService(settings SettingsRepository, client *sora.Client, proxy *ProxyResolver) *WatermarkService {
	return &WatermarkService{settings: settings, client: client, proxy: proxy}
}

// Enabled 返回无水印流程是否开启，以及是否允许失败回退。
func (s *WatermarkService) Enabled(ctx context.Context) (enabled, fallback bool) {
	cfg, err := s.settings.GetWatermarkFreeConfig(ctx)
	if err != nil || cfg == nil {
		return false, true
	}
	return cfg.Enabled, cfg.FallbackEnabled
}

// Resolve 发布 generation 并解析无水印直链。返回的 postID 供调用方在
// 缓存完成后删除 post。
func (s *WatermarkService) Resolve(ctx context.Context, opts sora.RequestOptions, generationID string) (url, postID string, err error) {
	cfg, err := s.settings.GetWatermarkFreeConfig(ctx)
	if err != nil {
		return "", "", err
	}
	if !cfg.Enabled {
		return "", "", errors.New("watermark-free flow disabled")
	}

	postID, err = s.client.PostVideoForWatermarkFree(ctx, opts, generationID)
	if err != nil {
		return "", "", fmt.Errorf("publish post: %w", err)
	}
	if postID == "" {
		return "", "", errors.New("publish post: empty post id")
	}

	if cfg.CustomParseEnabled && strings.TrimSpace(cfg.ParseURL) != "" {
		url, err = s.parseCustom(ctx, cfg, postID)
		if err != nil {
			// 解析失败也要把 post 删掉，避免时间线残留
			s.CleanupPost(ctx, opts, postID)
			return "", "", err
		}
		return url, postID, nil
	}
	return fmt.Sprintf("%s/MP4/%s.mp4", watermarkFreeHost, postID), postID, nil
}

// CleanupPost 删除已发布的 post，失败仅记日志。
func (s *WatermarkService) CleanupPost(ctx context.Context, opts sora.RequestOptions, postID string) {
	if postID == "" {
		return
	}
	if err := s.client.DeletePost(ctx, opts, postID); err != nil {
		logger.Warnf("删除无水印 post 失败 %s: %v", postID, err)
	}
}

// parseCustom 调用运维配置的解析服务：POST {url, token} → {download_link}。
func (s *WatermarkService) parseCustom(ctx context.Context, cfg *WatermarkFreeConfig, postID string) (string, error) {
	shareURL := "https://sora.chatgpt.com/p/" + postID

	client := req.C().
		SetTimeout(30 * time.Second).
		ImpersonateChrome()
	if proxyURL := s.proxy.ForToken(ctx, nil); proxyURL != "" {
		client.SetProxyURL(proxyURL)
	}

	var result struct {
		DownloadLink string `json:"download_link"`
		Error        string `json:"error"`
	}
	resp, err := client.R().
		SetContext(ctx).
		SetBody(map[string]string{"url": shareURL, "token": cfg.ParseToken}).
		SetSuccessResult(&result).
		Post(strings.TrimRight(cfg.ParseURL, "/") + "/get-sora-link")
	if err != nil {
		return "", fmt.Errorf("custom parse request: %w", err)
	}
	if !resp.IsSuccessState() {
		return "", fmt.Errorf("custom parse failed: %d %s", resp.StatusCode, resp.String())
	}
	if result.DownloadLink == "" {
		if result.Error != "" {
			return "", fmt.Errorf("custom parse failed: %s", result.Error)
		}
		return "", errors.New("custom parse: no download_link in response")
	}
	return result.DownloadLink, nil
}
