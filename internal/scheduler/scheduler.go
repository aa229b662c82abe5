package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LJTian/NewsHub/internal/aggregator"
	"github.com/LJTian/NewsHub/internal/collector"
	"github.com/LJTian/NewsHub/internal/storage"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// 同一轮内最多同时执行的关注查询数；每个查询内部还有自己的并发
const queryParallelism = 2

// WatchQuery 定时执行的一条查询，格式 "cat,reg,date[,id]"
type WatchQuery struct {
	Filters collector.FilterCriteria
	Target  string
}

func (q WatchQuery) String() string {
	if q.Target == "" {
		return q.Filters.String()
	}
	return q.Filters.String() + " id=" + q.Target
}

func ParseWatchQuery(raw string) (WatchQuery, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) < 3 || len(parts) > 4 {
		return WatchQuery{}, fmt.Errorf("watch query %q: want cat,reg,date[,id]", raw)
	}
	filters, err := collector.NewFilterCriteria(parts[0], parts[1], parts[2])
	if err != nil {
		return WatchQuery{}, fmt.Errorf("watch query %q: %w", raw, err)
	}
	q := WatchQuery{Filters: filters}
	if len(parts) == 4 {
		q.Target = strings.TrimSpace(parts[3])
	}
	return q, nil
}

func ParseWatchQueries(raws []string) ([]WatchQuery, error) {
	out := make([]WatchQuery, 0, len(raws))
	for _, raw := range raws {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		q, err := ParseWatchQuery(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

type Runner interface {
	Aggregate(ctx context.Context, filters collector.FilterCriteria, target string) (*aggregator.Result, error)
}

type Recorder interface {
	SaveRun(ctx context.Context, run *storage.QueryRun) error
}

// RunReport 一轮执行中单条查询的结果
type RunReport struct {
	Query  WatchQuery
	Result *aggregator.Result
	Err    error
}

type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	queries []WatchQuery
	store   Recorder
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
}

func New(spec string, runner Runner, queries []WatchQuery, store Recorder, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := cron.New()

	s := &Scheduler{
		cron:    c,
		runner:  runner,
		queries: queries,
		store:   store,
		logger:  logger,
	}

	_, err := c.AddFunc(spec, func() { s.RunOnce(context.Background()) })
	if err != nil {
		return nil, fmt.Errorf("scheduler: cron spec %q: %w", spec, err)
	}

	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	// 延迟执行首轮查询，避免与服务启动时的登录争抢
	const startupDelay = 15 * time.Second
	time.AfterFunc(startupDelay, func() {
		go s.RunOnce(context.Background())
	})
}

// Stop 停止调度并等待正在执行的任务结束
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce 执行一轮全部关注查询。上一轮尚未结束时直接跳过，返回 nil。
func (s *Scheduler) RunOnce(ctx context.Context) []RunReport {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("previous watch round still running, skip")
		return nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("start watch round", zap.Int("queries", len(s.queries)))
	reports := make([]RunReport, len(s.queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(queryParallelism)
	for i, q := range s.queries {
		g.Go(func() error {
			reports[i] = s.runQuery(gctx, q)
			// 单条查询失败不影响其它查询
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("watch round done")
	return reports
}

func (s *Scheduler) runQuery(ctx context.Context, q WatchQuery) RunReport {
	start := time.Now()
	res, err := s.runner.Aggregate(ctx, q.Filters, q.Target)
	if err != nil {
		s.logger.Warn("watch query failed", zap.String("query", q.String()), zap.Error(err))
		return RunReport{Query: q, Err: err}
	}

	if s.store != nil {
		run, err := storage.RunFromResult(q.Filters, q.Target, "cron", res, time.Since(start))
		if err == nil {
			err = s.store.SaveRun(ctx, run)
		}
		if err != nil {
			s.logger.Warn("save watch run failed", zap.String("query", q.String()), zap.Error(err))
		}
	}
	s.logger.Info("watch query done",
		zap.String("query", q.String()),
		zap.Int("stories", res.Total),
		zap.Int("failed", res.Failed()),
	)
	return RunReport{Query: q, Result: res}
}
