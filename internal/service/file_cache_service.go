package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/Han-Qiu/sora2api/internal/pkg/httpclient"
	"github.com/Han-Qiu/sora2api/internal/pkg/logger"
)

const (
	MediaTypeImage = "image"
	MediaTypeVideo = "video"

	cacheDownloadTimeout = 5 * time.Minute
	// 最大缓存单文件 512MB，超出的直接回源
	maxCachedFileSize = 512 * 1024 * 1024
)

// ErrCacheDisabled 缓存未启用时返回，调用方回退上游 URL。
var ErrCacheDisabled = errors.New("file cache disabled")

// FileCacheService 将上游媒体落到本地缓存目录，文件名按内容源地址寻址。
// 同一 URL 的并发下载合并为一次；过期文件由定时清扫删除。
type FileCacheService struct {
	dir      string
	settings SettingsRepository
	files    CachedFileRepository
	proxy    *ProxyResolver

	group singleflight.Group
	// index 维护内存过期视图，条目被驱逐时顺带删除磁盘文件
	index *gocache.Cache
}

// NewFileCacheService 创建缓存服务并确保目录存在。
func NewFileCacheService(dir string, settings SettingsRepository, files CachedFileRepository, proxy *ProxyResolver) (*FileCacheService, error) {
	if dir == "" {
		dir = "tmp"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	index := gocache.New(gocache.NoExpiration, 10*time.Minute)
	svc := &FileCacheService{
		dir:      dir,
		settings: settings,
		files:    files,
		proxy:    proxy,
		index:    index,
	}
	index.OnEvicted(func(fileName string, _ any) {
		if err := os.Remove(filepath.Join(dir, fileName)); err != nil && !os.IsNotExist(err) {
			logger.Warnf("删除过期缓存文件失败 %s: %v", fileName, err)
		}
	})
	return svc, nil
}

// Dir 返回缓存目录，静态路由以此为根。
func (s *FileCacheService) Dir() string { return s.dir }

// DiskUsage 返回缓存目录当前占用的字节数。
func (s *FileCacheService) DiskUsage() (int64, error) {
	return dirSize(s.dir)
}

// DownloadAndCache 下载并缓存资源，返回缓存文件名（不含目录）。
// 缓存未启用时返回 ErrCacheDisabled；已有未过期的同名文件直接复用。
func (s *FileCacheService) DownloadAndCache(ctx context.Context, rawURL, mediaType string, token *Token) (string, error) {
	cfg, err := s.settings.GetCacheConfig(ctx)
	if err != nil {
		return "", err
	}
	if !cfg.Enabled {
		return "", ErrCacheDisabled
	}

	fileName := cacheFileName(rawURL, mediaType)

	// 并发下载同一资源合并为一次
	v, err, _ := s.group.Do(fileName, func() (any, error) {
		if _, ok := s.index.Get(fileName); ok {
			if _, err := os.Stat(filepath.Join(s.dir, fileName)); err == nil {
				return fileName, nil
			}
		}
		if err := s.download(ctx, rawURL, fileName, mediaType, cfg.TimeoutSeconds, token); err != nil {
			return "", err
		}
		return fileName, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *FileCacheService) download(ctx context.Context, rawURL, fileName, mediaType string, timeoutSeconds int, token *Token) error {
	client, err := httpclient.GetClient(httpclient.Options{
		ProxyURL: s.proxy.ForToken(ctx, token),
		Timeout:  cacheDownloadTimeout,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}

	target := filepath.Join(s.dir, fileName)
	tmp := target + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	written, err := io.Copy(f, io.LimitReader(resp.Body, maxCachedFileSize))
	closeErr := f.Close()
	if err != nil || closeErr != nil {
		_ = os.Remove(tmp)
		if err == nil {
			err = closeErr
		}
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	var expiresAt *time.Time
	ttl := gocache.NoExpiration
	if timeoutSeconds >= 0 {
		t := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
		expiresAt = &t
		ttl = time.Duration(timeoutSeconds) * time.Second
	}
	s.index.Set(fileName, struct{}{}, ttl)

	if err := s.files.Create(ctx, &CachedFile{
		FileName:    fileName,
		MediaType:   mediaType,
		OriginalURL: rawURL,
		SizeBytes:   written,
		ExpiresAt:   expiresAt,
	}); err != nil {
		logger.Warnf("缓存索引写入失败 %s: %v", fileName, err)
	}
	return nil
}

// Sweep 删除已过期的缓存文件及其索引项，由 cron 周期调用。
// timeout = -1 的条目 expires_at 为空，永不命中。
func (s *FileCacheService) Sweep(ctx context.Context) {
	expired, err := s.files.ListExpired(ctx, time.Now(), 200)
	if err != nil {
		logger.Warnf("缓存清扫查询失败: %v", err)
		return
	}
	if len(expired) == 0 {
		return
	}
	ids := make([]int64, 0, len(expired))
	for _, f := range expired {
		if err := os.Remove(filepath.Join(s.dir, f.FileName)); err != nil && !os.IsNotExist(err) {
			logger.Warnf("删除过期缓存文件失败 %s: %v", f.FileName, err)
			continue
		}
		s.index.Delete(f.FileName)
		ids = append(ids, f.ID)
	}
	if err := s.files.DeleteByIDs(ctx, ids); err != nil {
		logger.Warnf("缓存索引删除失败: %v", err)
	}
	logger.Infof("缓存清扫完成，删除 %d 个文件", len(ids))
}

// cacheFileName 按源地址内容寻址：xxhash64(url) + 按路径/类型推断扩展名。
func cacheFileName(rawURL, mediaType string) string {
	sum := xxhash.Sum64String(rawURL)
	ext := ""
	if u, err := url.Parse(rawURL); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	if ext == "" || len(ext) > 6 {
		if mediaType == MediaTypeVideo {
			ext = ".mp4"
		} else {
			ext = ".png"
		}
	}
	return fmt.Sprintf("%016x%s", sum, ext)
}
