package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LJTian/NewsHub/internal/collector"
	"github.com/LJTian/NewsHub/internal/metrics"
	"github.com/LJTian/NewsHub/internal/processor"
	"github.com/LJTian/NewsHub/internal/session"
	"go.uber.org/zap"
)

const (
	// DefaultCap 一次聚合最多展示的新闻条数（跨所有机构）
	DefaultCap           = 20
	DefaultConcurrency   = 4
	DefaultAgencyTimeout = 10 * time.Second
)

var (
	ErrNotLoggedIn    = session.ErrNotLoggedIn
	ErrAgencyNotFound = errors.New("no agency found with the specified identifier")
)

// SessionState 聚合只关心是否已登录
type SessionState interface {
	LoggedIn() bool
}

type Options struct {
	Cap           int
	Concurrency   int
	AgencyTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Cap <= 0 {
		o.Cap = DefaultCap
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.AgencyTimeout <= 0 {
		o.AgencyTimeout = DefaultAgencyTimeout
	}
	return o
}

// AgencyResult 单个机构的结果：Err 为 nil 时 Stories 有效，否则是失败占位
type AgencyResult struct {
	Agency  collector.Agency
	Stories []collector.Story
	Err     error
}

func (r AgencyResult) OK() bool { return r.Err == nil }

func (r AgencyResult) String() string {
	if !r.OK() {
		return processor.FormatFailure(r.Agency.Name)
	}
	return processor.FormatBlock(r.Agency.Name, r.Stories)
}

// Result 一次聚合的输出，Blocks 按目录顺序排列
type Result struct {
	Blocks     []AgencyResult
	Total      int
	Dispatched int
	Capped     bool
}

func (r *Result) String() string {
	blocks := make([]string, 0, len(r.Blocks))
	for _, b := range r.Blocks {
		blocks = append(blocks, b.String())
	}
	return processor.Join(blocks)
}

func (r *Result) Failed() int {
	n := 0
	for _, b := range r.Blocks {
		if !b.OK() {
			n++
		}
	}
	return n
}

// commit 追加一个机构块并累加计数，越过上限的部分截掉
func (r *Result) commit(res AgencyResult, limit int) {
	if res.OK() {
		room := limit - r.Total
		if len(res.Stories) >= room {
			res.Stories = res.Stories[:room]
			r.Capped = true
		}
		r.Total += len(res.Stories)
	}
	r.Blocks = append(r.Blocks, res)
}

// Aggregator 跨机构的联邦查询。自身不保存任何新闻，也不重试失败的机构。
type Aggregator struct {
	session   SessionState
	directory collector.AgencyLister
	stories   collector.StoryFetcher
	opts      Options
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func New(sess SessionState, directory collector.AgencyLister, stories collector.StoryFetcher, opts Options, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		session:   sess,
		directory: directory,
		stories:   stories,
		opts:      opts.withDefaults(),
		logger:    logger,
	}
}

func (a *Aggregator) WithMetrics(m *metrics.Metrics) *Aggregator {
	a.metrics = m
	return a
}

// AggregateRaw 校验原始参数后执行 Aggregate，参数无效时不会发出任何请求
func (a *Aggregator) AggregateRaw(ctx context.Context, category, region, date, target string) (*Result, error) {
	if !a.session.LoggedIn() {
		return nil, ErrNotLoggedIn
	}
	filters, err := collector.NewFilterCriteria(category, region, date)
	if err != nil {
		return nil, err
	}
	return a.Aggregate(ctx, filters, target)
}

// Aggregate target 为空时查询目录里的全部机构，否则只查询 code 相同的那一个
func (a *Aggregator) Aggregate(ctx context.Context, filters collector.FilterCriteria, target string) (*Result, error) {
	if !a.session.LoggedIn() {
		return nil, ErrNotLoggedIn
	}
	if !filters.Valid() {
		return nil, fmt.Errorf("%w: filters not initialised", collector.ErrInvalidFilter)
	}

	start := time.Now()
	agencies := a.directory.ListAgencies(ctx)
	target = NormalizeTarget(target)

	var (
		res  *Result
		mode = "all"
	)
	if target != "" {
		mode = "target"
		agency, ok := findAgency(agencies, target)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAgencyNotFound, target)
		}
		res = &Result{Dispatched: 1}
		res.commit(a.fetchOne(ctx, agency, filters), a.opts.Cap)
	} else {
		res = a.fanOut(ctx, agencies, filters)
	}

	a.metrics.ObserveAggregation(mode, res.Total, res.Capped)
	a.logger.Info("aggregation done",
		zap.String("filters", filters.String()),
		zap.String("target", target),
		zap.Int("agencies", len(agencies)),
		zap.Int("dispatched", res.Dispatched),
		zap.Int("stories", res.Total),
		zap.Int("failed", res.Failed()),
		zap.Duration("took", time.Since(start)),
	)
	return res, nil
}

// NormalizeTarget 去掉机构 code 两侧的空白和引号
func NormalizeTarget(target string) string {
	return strings.Trim(strings.TrimSpace(target), `"'`)
}

func findAgency(agencies []collector.Agency, code string) (collector.Agency, bool) {
	for _, ag := range agencies {
		if ag.Code == code {
			return ag, true
		}
	}
	return collector.Agency{}, false
}

type indexedResult struct {
	idx int
	res AgencyResult
}

// fanOut 按目录顺序滑动窗口并发查询，窗口从第一个未提交的机构算起，最多 Concurrency 个。
// 只有本 goroutine 按目录顺序提交结果并维护计数；达到上限后不再派发，并取消仍在进行的请求。
func (a *Aggregator) fanOut(ctx context.Context, agencies []collector.Agency, filters collector.FilterCriteria) *Result {
	res := &Result{}
	if len(agencies) == 0 {
		return res
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	var (
		done     = make(chan indexedResult, len(agencies))
		slots    = make([]*AgencyResult, len(agencies))
		next     int
		inflight int
		commit   int
	)

	dispatch := func() {
		for next < len(agencies) && next < commit+a.opts.Concurrency && res.Total < a.opts.Cap {
			idx := next
			next++
			inflight++
			res.Dispatched++
			wg.Add(1)
			go func() {
				defer wg.Done()
				done <- indexedResult{idx: idx, res: a.fetchOne(ctx, agencies[idx], filters)}
			}()
		}
	}

	dispatch()
	for inflight > 0 {
		r := <-done
		inflight--
		slots[r.idx] = &r.res

		for commit < len(agencies) && slots[commit] != nil && res.Total < a.opts.Cap {
			res.commit(*slots[commit], a.opts.Cap)
			commit++
		}
		if res.Total >= a.opts.Cap {
			if inflight > 0 {
				a.logger.Debug("result cap reached, cancelling in-flight agencies", zap.Int("inflight", inflight))
			}
			break
		}
		dispatch()
	}
	return res
}

func (a *Aggregator) fetchOne(ctx context.Context, agency collector.Agency, filters collector.FilterCriteria) AgencyResult {
	ctx, cancel := context.WithTimeout(ctx, a.opts.AgencyTimeout)
	defer cancel()

	start := time.Now()
	stories, err := a.stories.FetchStories(ctx, agency, filters)
	took := time.Since(start)

	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			outcome = "timeout"
		case errors.Is(err, context.Canceled):
			outcome = "cancelled"
		}
		a.metrics.ObserveFetch(agency.Code, outcome, took)
		if outcome != "cancelled" {
			a.logger.Warn("agency fetch failed",
				zap.String("agency", agency.Code),
				zap.String("outcome", outcome),
				zap.Duration("took", took),
				zap.Error(err),
			)
		}
		return AgencyResult{Agency: agency, Err: err}
	}

	a.metrics.ObserveFetch(agency.Code, "ok", took)
	a.logger.Debug("agency fetched",
		zap.String("agency", agency.Code),
		zap.Int("stories", len(stories)),
		zap.Duration("took", took),
	)
	return AgencyResult{Agency: agency, Stories: processor.Normalize(stories)}
}
