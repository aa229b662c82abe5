package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/LJTian/NewsHub/internal/aggregator"
	"github.com/LJTian/NewsHub/internal/api"
	"github.com/LJTian/NewsHub/internal/collector"
	"github.com/LJTian/NewsHub/internal/config"
	"github.com/LJTian/NewsHub/internal/logx"
	"github.com/LJTian/NewsHub/internal/metrics"
	"github.com/LJTian/NewsHub/internal/scheduler"
	"github.com/LJTian/NewsHub/internal/session"
	"github.com/LJTian/NewsHub/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := logx.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sess, err := session.New(cfg.AgencyTimeout, logger)
	if err != nil {
		logger.Fatal("init session failed", zap.Error(err))
	}
	// 服务账号登录；未配置时 /api/v1/news 返回 not_logged_in
	if cfg.AgencyURL != "" {
		loginCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if _, err := sess.Login(loginCtx, cfg.AgencyURL, cfg.AgencyUser, cfg.AgencyPass); err != nil {
			logger.Warn("service login failed", zap.String("agency", cfg.AgencyURL), zap.Error(err))
		}
		cancel()
	}

	var (
		store   *storage.Store
		history api.History
		rec     scheduler.Recorder
	)
	if cfg.HistoryDSN != "" {
		store, err = storage.NewStore(cfg.HistoryDSN, cfg.RedisAddr, logger)
		if err != nil {
			logger.Fatal("init store failed", zap.Error(err))
		}
		defer store.Close()
		history, rec = store, store
	}

	directory := collector.NewDirectoryClient(cfg.DirectoryURL, &http.Client{Timeout: cfg.DirectoryTimeout}, logger)
	agg := aggregator.New(sess, directory, collector.NewStoryClient(sess.HTTPClient(), logger), aggregator.Options{
		Cap:           cfg.ResultCap,
		Concurrency:   cfg.Concurrency,
		AgencyTimeout: cfg.AgencyTimeout,
	}, logger).WithMetrics(m)

	queries, err := scheduler.ParseWatchQueries(cfg.WatchQueries)
	if err != nil {
		logger.Fatal("parse watch queries failed", zap.Error(err))
	}
	if sess.LoggedIn() && len(queries) > 0 {
		s, err := scheduler.New(cfg.CronSpec, agg, queries, rec, logger)
		if err != nil {
			logger.Fatal("init scheduler failed", zap.Error(err))
		}
		s.Start()
		defer s.Stop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	// 若配置了访问密码，则启用 Basic Auth 保护（/health 仍然免认证）
	if cfg.BasicAuthUser != "" && cfg.BasicAuthPass != "" {
		r.Use(api.BasicAuth(cfg.BasicAuthUser, cfg.BasicAuthPass))
	}
	r.Use(api.RateLimit(ctx, cfg.RateLimitRPS))

	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	api.NewServer(agg, directory, history, metricsHandler, logger).RegisterRoutes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting api server", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server exit", zap.Error(err))
	}
}
