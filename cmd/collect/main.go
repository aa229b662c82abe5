package main

import (
	"context"
	"net/http"
	"os"

	"github.com/LJTian/NewsHub/internal/aggregator"
	"github.com/LJTian/NewsHub/internal/collector"
	"github.com/LJTian/NewsHub/internal/config"
	"github.com/LJTian/NewsHub/internal/logx"
	"github.com/LJTian/NewsHub/internal/scheduler"
	"github.com/LJTian/NewsHub/internal/session"
	"github.com/LJTian/NewsHub/internal/storage"
	"go.uber.org/zap"
)

// 一个仅执行一轮关注查询的命令行入口：适合手动触发或交给外部 cron
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := logx.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	queries, err := scheduler.ParseWatchQueries(cfg.WatchQueries)
	if err != nil {
		logger.Fatal("parse watch queries failed", zap.Error(err))
	}

	sess, err := session.New(cfg.AgencyTimeout, logger)
	if err != nil {
		logger.Fatal("init session failed", zap.Error(err))
	}
	ctx := context.Background()
	if cfg.AgencyURL == "" {
		logger.Fatal("agency_url is required to query agencies")
	}
	if _, err := sess.Login(ctx, cfg.AgencyURL, cfg.AgencyUser, cfg.AgencyPass); err != nil {
		logger.Fatal("service login failed", zap.String("agency", cfg.AgencyURL), zap.Error(err))
	}
	defer func() { _, _ = sess.Logout(ctx) }()

	var store *storage.Store
	if cfg.HistoryDSN != "" {
		store, err = storage.NewStore(cfg.HistoryDSN, cfg.RedisAddr, logger)
		if err != nil {
			logger.Fatal("init store failed", zap.Error(err))
		}
		defer store.Close()
	}

	directory := collector.NewDirectoryClient(cfg.DirectoryURL, &http.Client{Timeout: cfg.DirectoryTimeout}, logger)
	agg := aggregator.New(sess, directory, collector.NewStoryClient(sess.HTTPClient(), logger), aggregator.Options{
		Cap:           cfg.ResultCap,
		Concurrency:   cfg.Concurrency,
		AgencyTimeout: cfg.AgencyTimeout,
	}, logger)

	var rec scheduler.Recorder
	if store != nil {
		rec = store
	}
	s, err := scheduler.New(cfg.CronSpec, agg, queries, rec, logger)
	if err != nil {
		logger.Fatal("init scheduler failed", zap.Error(err))
	}

	// 只执行一轮查询后退出，并把结果打印到标准输出
	for _, r := range s.RunOnce(ctx) {
		if r.Err != nil {
			continue
		}
		_, _ = os.Stdout.WriteString("### " + r.Query.String() + "\n" + r.Result.String() + "\n\n")
	}
}
