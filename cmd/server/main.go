package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"github.com/Han-Qiu/sora2api/internal/config"
	"github.com/Han-Qiu/sora2api/internal/handler"
	adminhandler "github.com/Han-Qiu/sora2api/internal/handler/admin"
	"github.com/Han-Qiu/sora2api/internal/pkg/logger"
	"github.com/Han-Qiu/sora2api/internal/pkg/sora"
	"github.com/Han-Qiu/sora2api/internal/repository"
	"github.com/Han-Qiu/sora2api/internal/server"
	"github.com/Han-Qiu/sora2api/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "sora2api: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	tokens := repository.NewTokenRepository(db)
	stats := repository.NewTokenStatsRepository(db)
	tasks := repository.NewTaskRepository(db)
	logs := repository.NewRequestLogRepository(db)
	files := repository.NewCachedFileRepository(db)
	settings := repository.NewSettingsRepository(db)

	upstream := sora.HTTPUpstream{}
	sentinel := sora.NewSentinelService(cfg.Sora.SentinelURL, upstream, nil)
	client := sora.NewClient(cfg.Sora.BaseURL, time.Duration(cfg.Sora.RequestTimeoutSeconds)*time.Second, upstream, sentinel)

	proxy := service.NewProxyResolver(settings)
	locks := service.NewTokenLockTable()
	conc := service.NewConcurrencyManager()
	lb := service.NewLoadBalancer(tokens, locks, conc)

	cache, err := service.NewFileCacheService(cfg.Cache.Dir, settings, files, proxy)
	if err != nil {
		return fmt.Errorf("init file cache: %w", err)
	}
	watermark := service.NewWatermarkService(settings, client, proxy)
	tokenSvc := service.NewTokenService(tokens, stats, settings, client, proxy)
	refresh := service.NewTokenRefreshService(tokens, settings, tokenSvc)
	gen := service.NewGenerationService(lb, locks, conc, tokenSvc, tasks, settings, client, proxy, cache, watermark)

	openaiHandler := handler.NewOpenAIHandler(gen, logs)
	adminHandler := adminhandler.NewHandler(cfg, tokenSvc, tokens, stats, settings, tasks, logs, gen, refresh, cache)

	gin.SetMode(gin.ReleaseMode)
	router := server.New(server.Deps{
		Config:   cfg,
		OpenAI:   openaiHandler,
		Admin:    adminHandler,
		Settings: settings,
		CacheDir: cache.Dir(),
	})

	// 后台定时任务：缓存清扫 + 令牌批量刷新
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 10m", func() { cache.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("schedule cache sweep: %w", err)
	}
	if _, err := scheduler.AddFunc("@hourly", func() { refresh.Run(context.Background()) }); err != nil {
		return fmt.Errorf("schedule token refresh: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", cfg.ListenAddr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
