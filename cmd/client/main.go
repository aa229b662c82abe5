package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/LJTian/NewsHub/internal/aggregator"
	"github.com/LJTian/NewsHub/internal/cli"
	"github.com/LJTian/NewsHub/internal/collector"
	"github.com/LJTian/NewsHub/internal/config"
	"github.com/LJTian/NewsHub/internal/logx"
	"github.com/LJTian/NewsHub/internal/session"
	"github.com/LJTian/NewsHub/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// 交互式客户端：login / post / news / list / delete / history / exit
func main() {
	var noHistory bool
	root := &cobra.Command{
		Use:   "newshub",
		Short: "Interact with an online news service through a series of commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), noHistory)
		},
		SilenceUsage: true,
	}
	root.Flags().BoolVar(&noHistory, "no-history", false, "do not record queries")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, noHistory bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logx.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	sess, err := session.New(cfg.AgencyTimeout, logger)
	if err != nil {
		return err
	}
	directory := collector.NewDirectoryClient(cfg.DirectoryURL, &http.Client{Timeout: cfg.DirectoryTimeout}, logger)
	stories := collector.NewStoryClient(sess.HTTPClient(), logger)
	agg := aggregator.New(sess, directory, stories, aggregator.Options{
		Cap:           cfg.ResultCap,
		Concurrency:   cfg.Concurrency,
		AgencyTimeout: cfg.AgencyTimeout,
	}, logger)

	deps := cli.Deps{
		Session:   sess,
		News:      agg,
		Directory: directory,
		Logger:    logger,
	}
	if !noHistory && cfg.HistoryDSN != "" {
		store, err := storage.NewStore(cfg.HistoryDSN, cfg.RedisAddr, logger)
		if err != nil {
			logger.Warn("history disabled", zap.Error(err))
		} else {
			defer store.Close()
			deps.History = store
		}
	}

	return cli.NewShell(os.Stdin, os.Stdout, deps).Run(ctx)
}
