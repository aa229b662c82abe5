package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LJTian/NewsHub/internal/collector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type staticSession bool

func (s staticSession) LoggedIn() bool { return bool(s) }

// fixtureAgency 一个机构的行为：返回 stories 条新闻，hang 为 true 时一直等到请求被取消，status 非 0 时直接返回该状态
type fixtureAgency struct {
	code    string
	stories int
	hang    bool
	status  int
	hits    atomic.Int32
	srv     *httptest.Server
}

func (f *fixtureAgency) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)
	if f.hang {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		return
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	stories := make([]map[string]any, 0, f.stories)
	for i := 1; i <= f.stories; i++ {
		stories = append(stories, map[string]any{
			"key":           fmt.Sprint(i),
			"headline":      fmt.Sprintf("%s headline %d", f.code, i),
			"story_cat":     "tech",
			"story_region":  "uk",
			"author":        "bob",
			"story_date":    "2024-01-01 00:00:00",
			"story_details": "D",
		})
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"stories": stories})
}

type fixture struct {
	agencies      []*fixtureAgency
	directoryHits atomic.Int32
	directory     *httptest.Server
}

func newFixture(t *testing.T, agencies ...*fixtureAgency) *fixture {
	t.Helper()
	fx := &fixture{agencies: agencies}
	entries := make([]collector.Agency, 0, len(agencies))
	for _, a := range agencies {
		a.srv = httptest.NewServer(a)
		t.Cleanup(a.srv.Close)
		entries = append(entries, collector.Agency{Code: a.code, Name: "Agency " + a.code, URL: a.srv.URL})
	}
	fx.directory = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fx.directoryHits.Add(1)
		_ = json.NewEncoder(w).Encode(entries)
	}))
	t.Cleanup(fx.directory.Close)
	return fx
}

func (fx *fixture) aggregator(loggedIn bool, opts Options) *Aggregator {
	dir := collector.NewDirectoryClient(fx.directory.URL, nil, nil)
	return New(staticSession(loggedIn), dir, collector.NewStoryClient(nil, nil), opts, nil)
}

func (fx *fixture) agencyHits() int {
	n := 0
	for _, a := range fx.agencies {
		n += int(a.hits.Load())
	}
	return n
}

func TestAggregateSingleAgencyScenario(t *testing.T) {
	var hits atomic.Int32
	agency := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"stories":[{"key":"1","headline":"H","story_cat":"pol","story_region":"uk","author":"bob","story_date":"2024-01-01 00:00:00","story_details":"D"}]}`))
	}))
	defer agency.Close()
	dir := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, `[{"agency_code":"A","agency_name":"Agency A","url":%q}]`, agency.URL)
	}))
	defer dir.Close()

	agg := New(staticSession(true), collector.NewDirectoryClient(dir.URL, nil, nil), collector.NewStoryClient(nil, nil), Options{}, nil)
	res, err := agg.Aggregate(context.Background(), collector.AnyFilter(), "")
	require.NoError(t, err)

	require.Len(t, res.Blocks, 1)
	assert.Equal(t, 1, res.Total)
	out := res.String()
	assert.Contains(t, out, "===== News from: Agency A =====")
	assert.Contains(t, out, "H")
	assert.Contains(t, out, "bob")
	assert.Contains(t, out, "ID: 1")
	assert.EqualValues(t, 1, hits.Load())
}

func TestAggregateTargetNotFound(t *testing.T) {
	fx := newFixture(t, &fixtureAgency{code: "A", stories: 1})

	_, err := fx.aggregator(true, Options{}).Aggregate(context.Background(), collector.AnyFilter(), "ZZZ")
	require.ErrorIs(t, err, ErrAgencyNotFound)
	assert.Equal(t, 0, fx.agencyHits())
}

func TestAggregateTargetQueriesOnlyThatAgency(t *testing.T) {
	fx := newFixture(t,
		&fixtureAgency{code: "A", stories: 3},
		&fixtureAgency{code: "B", stories: 2},
		&fixtureAgency{code: "C", status: http.StatusInternalServerError},
	)
	agg := fx.aggregator(true, Options{})

	res, err := agg.Aggregate(context.Background(), collector.AnyFilter(), `"B"`)
	require.NoError(t, err)
	require.Len(t, res.Blocks, 1)
	assert.Equal(t, "B", res.Blocks[0].Agency.Code)
	assert.Equal(t, 2, res.Total)
	assert.EqualValues(t, 0, fx.agencies[0].hits.Load())
	assert.EqualValues(t, 1, fx.agencies[1].hits.Load())

	// 指定的机构失败时，失败提示就是全部输出
	res, err = agg.Aggregate(context.Background(), collector.AnyFilter(), "C")
	require.NoError(t, err)
	assert.Equal(t, "Failed to fetch news from Agency C", res.String())
}

func TestAggregateNotLoggedIn(t *testing.T) {
	fx := newFixture(t, &fixtureAgency{code: "A", stories: 1})

	_, err := fx.aggregator(false, Options{}).Aggregate(context.Background(), collector.AnyFilter(), "")
	require.ErrorIs(t, err, ErrNotLoggedIn)
	assert.EqualValues(t, 0, fx.directoryHits.Load())
	assert.Equal(t, 0, fx.agencyHits())
}

func TestAggregateInvalidFilterMakesNoCalls(t *testing.T) {
	fx := newFixture(t, &fixtureAgency{code: "A", stories: 1})
	agg := fx.aggregator(true, Options{})

	rapid.Check(t, func(t *rapid.T) {
		date := rapid.StringMatching(`[0-9a-z/\-]{1,12}`).Filter(func(s string) bool {
			_, err := time.Parse(collector.DateLayout, s)
			return err != nil
		}).Draw(t, "date")

		_, err := agg.AggregateRaw(context.Background(), "*", "*", date, "")
		if err == nil {
			t.Fatalf("date %q accepted", date)
		}
	})

	_, err := agg.AggregateRaw(context.Background(), "sport", "*", "*", "")
	assert.ErrorIs(t, err, collector.ErrInvalidFilter)
	_, err = agg.AggregateRaw(context.Background(), "*", "mars", "*", "")
	assert.ErrorIs(t, err, collector.ErrInvalidFilter)
	_, err = agg.Aggregate(context.Background(), collector.FilterCriteria{}, "")
	assert.ErrorIs(t, err, collector.ErrInvalidFilter)

	assert.EqualValues(t, 0, fx.directoryHits.Load())
	assert.Equal(t, 0, fx.agencyHits())
}

func TestAggregateCapStopsDispatchSequential(t *testing.T) {
	var agencies []*fixtureAgency
	for _, code := range []string{"A", "B", "C", "D", "E"} {
		agencies = append(agencies, &fixtureAgency{code: code, stories: 10})
	}
	fx := newFixture(t, agencies...)

	res, err := fx.aggregator(true, Options{Concurrency: 1}).Aggregate(context.Background(), collector.AnyFilter(), "")
	require.NoError(t, err)

	assert.Equal(t, 20, res.Total)
	assert.True(t, res.Capped)
	require.Len(t, res.Blocks, 2)
	assert.Equal(t, "A", res.Blocks[0].Agency.Code)
	assert.Equal(t, "B", res.Blocks[1].Agency.Code)
	assert.Equal(t, 2, res.Dispatched)
	assert.Equal(t, 2, fx.agencyHits())
	assert.Equal(t, 20, strings.Count(res.String(), "Details: "))
}

func TestAggregateCapConcurrent(t *testing.T) {
	var agencies []*fixtureAgency
	for _, code := range []string{"A", "B", "C", "D", "E"} {
		agencies = append(agencies, &fixtureAgency{code: code, stories: 10})
	}
	fx := newFixture(t, agencies...)

	res, err := fx.aggregator(true, Options{Concurrency: 3}).Aggregate(context.Background(), collector.AnyFilter(), "")
	require.NoError(t, err)

	assert.Equal(t, 20, res.Total)
	require.Len(t, res.Blocks, 2)
	assert.Equal(t, "A", res.Blocks[0].Agency.Code)
	assert.Equal(t, "B", res.Blocks[1].Agency.Code)
	// 窗口从第一个未提交的机构算起：A 先完成时 D 也会被派发，B 完成后达到上限，最多 2+3-1 个
	assert.LessOrEqual(t, res.Dispatched, 4)
	assert.GreaterOrEqual(t, res.Dispatched, 2)
	assert.LessOrEqual(t, fx.agencyHits(), res.Dispatched)
	assert.Equal(t, 20, strings.Count(res.String(), "Details: "))
}

func TestAggregateCapDefaultOptions(t *testing.T) {
	var agencies []*fixtureAgency
	for _, code := range []string{"A", "B", "C", "D", "E"} {
		agencies = append(agencies, &fixtureAgency{code: code, stories: 10})
	}
	fx := newFixture(t, agencies...)

	res, err := fx.aggregator(true, Options{}).Aggregate(context.Background(), collector.AnyFilter(), "")
	require.NoError(t, err)

	assert.Equal(t, 20, res.Total)
	require.Len(t, res.Blocks, 2)
	assert.LessOrEqual(t, res.Dispatched, 2+DefaultConcurrency-1)
	assert.LessOrEqual(t, fx.agencyHits(), res.Dispatched)
}

func TestNormalizeTarget(t *testing.T) {
	assert.Equal(t, "B", NormalizeTarget(`"B"`))
	assert.Equal(t, "B", NormalizeTarget(" 'B' "))
	assert.Equal(t, "", NormalizeTarget(`""`))
}

func TestAggregateCapTruncatesCrossingBlock(t *testing.T) {
	fx := newFixture(t,
		&fixtureAgency{code: "A", stories: 15},
		&fixtureAgency{code: "B", stories: 15},
		&fixtureAgency{code: "C", stories: 15},
	)

	res, err := fx.aggregator(true, Options{Concurrency: 1}).Aggregate(context.Background(), collector.AnyFilter(), "")
	require.NoError(t, err)
	assert.Equal(t, 20, res.Total)
	require.Len(t, res.Blocks, 2)
	assert.Len(t, res.Blocks[0].Stories, 15)
	assert.Len(t, res.Blocks[1].Stories, 5)
	assert.EqualValues(t, 0, fx.agencies[2].hits.Load())
}

func TestAggregatePartialFailureKeepsDirectoryOrder(t *testing.T) {
	fx := newFixture(t,
		&fixtureAgency{code: "A", stories: 2},
		&fixtureAgency{code: "B", hang: true},
		&fixtureAgency{code: "C", stories: 3},
	)

	for _, conc := range []int{1, 3} {
		res, err := fx.aggregator(true, Options{Concurrency: conc, AgencyTimeout: 100 * time.Millisecond}).
			Aggregate(context.Background(), collector.AnyFilter(), "")
		require.NoError(t, err)

		require.Len(t, res.Blocks, 3)
		assert.True(t, res.Blocks[0].OK())
		assert.False(t, res.Blocks[1].OK())
		assert.ErrorIs(t, res.Blocks[1].Err, collector.ErrFetch)
		assert.True(t, res.Blocks[2].OK())
		assert.Equal(t, 5, res.Total)
		assert.Equal(t, 1, res.Failed())

		out := res.String()
		iA := strings.Index(out, "===== News from: Agency A =====")
		iB := strings.Index(out, "Failed to fetch news from Agency B")
		iC := strings.Index(out, "===== News from: Agency C =====")
		require.True(t, iA >= 0 && iB >= 0 && iC >= 0, out)
		assert.True(t, iA < iB && iB < iC, out)
	}
}

func TestAggregateDirectoryUnavailable(t *testing.T) {
	dir := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer dir.Close()

	agg := New(staticSession(true), collector.NewDirectoryClient(dir.URL, nil, nil), collector.NewStoryClient(nil, nil), Options{}, nil)
	res, err := agg.Aggregate(context.Background(), collector.AnyFilter(), "")
	require.NoError(t, err)
	assert.Empty(t, res.Blocks)
	assert.Equal(t, "", res.String())

	// 目录为空时指定机构查不到
	_, err = agg.Aggregate(context.Background(), collector.AnyFilter(), "A")
	assert.ErrorIs(t, err, ErrAgencyNotFound)
}

func TestAggregateIdempotent(t *testing.T) {
	fx := newFixture(t,
		&fixtureAgency{code: "A", stories: 4},
		&fixtureAgency{code: "B", status: http.StatusNotFound},
		&fixtureAgency{code: "C", stories: 7},
	)
	agg := fx.aggregator(true, Options{})
	f, err := collector.NewFilterCriteria("tech", "uk", "01/01/2024")
	require.NoError(t, err)

	first, err := agg.Aggregate(context.Background(), f, "")
	require.NoError(t, err)
	second, err := agg.Aggregate(context.Background(), f, "")
	require.NoError(t, err)
	assert.Equal(t, first.String(), second.String())
	assert.Equal(t, 11, first.Total)
}

func TestAggregateEmptyAgencyStillGetsBlock(t *testing.T) {
	fx := newFixture(t,
		&fixtureAgency{code: "A", stories: 0},
		&fixtureAgency{code: "B", stories: 1},
	)

	res, err := fx.aggregator(true, Options{}).Aggregate(context.Background(), collector.AnyFilter(), "")
	require.NoError(t, err)
	require.Len(t, res.Blocks, 2)
	assert.Equal(t, "===== News from: Agency A =====", res.Blocks[0].String())
}
