package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/LJTian/NewsHub/internal/aggregator"
	"github.com/LJTian/NewsHub/internal/collector"
	"github.com/LJTian/NewsHub/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (f *fakeRunner) Aggregate(_ context.Context, filters collector.FilterCriteria, target string) (*aggregator.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, filters.Category()+"/"+target)
	f.mu.Unlock()
	if f.fail[filters.Category()] {
		return nil, errors.New("boom")
	}
	return &aggregator.Result{
		Blocks: []aggregator.AgencyResult{{
			Agency:  collector.Agency{Code: "AAA", Name: "Alpha"},
			Stories: []collector.Story{{Key: "1", Headline: "H"}},
		}},
		Total:      1,
		Dispatched: 1,
	}, nil
}

type memRecorder struct {
	mu   sync.Mutex
	runs []*storage.QueryRun
}

func (m *memRecorder) SaveRun(_ context.Context, run *storage.QueryRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func TestParseWatchQuery(t *testing.T) {
	q, err := ParseWatchQuery("tech,uk,*")
	require.NoError(t, err)
	assert.Equal(t, "tech", q.Filters.Category())
	assert.Equal(t, "uk", q.Filters.Region())
	assert.Empty(t, q.Target)

	q, err = ParseWatchQuery(" pol , * , 01/02/2024 , ABC ")
	require.NoError(t, err)
	assert.Equal(t, "pol", q.Filters.Category())
	assert.Equal(t, "01/02/2024", q.Filters.Date())
	assert.Equal(t, "ABC", q.Target)

	for _, bad := range []string{"tech", "tech,uk", "sport,*,*", "*,*,32/13/2024", "a,b,c,d,e"} {
		_, err := ParseWatchQuery(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseWatchQueriesSkipsBlank(t *testing.T) {
	qs, err := ParseWatchQueries([]string{"*,*,*", "  ", "art,eu,*"})
	require.NoError(t, err)
	assert.Len(t, qs, 2)
}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New("not a cron spec", &fakeRunner{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestRunOnceRecordsEveryQuery(t *testing.T) {
	queries, err := ParseWatchQueries([]string{"*,*,*", "tech,*,*", "pol,*,*,AAA"})
	require.NoError(t, err)

	runner := &fakeRunner{fail: map[string]bool{"tech": true}}
	rec := &memRecorder{}
	s, err := New("@every 1h", runner, queries, rec, nil)
	require.NoError(t, err)

	reports := s.RunOnce(context.Background())
	require.Len(t, reports, 3)
	assert.NoError(t, reports[0].Err)
	assert.Error(t, reports[1].Err)
	assert.Equal(t, "AAA", reports[2].Query.Target)
	assert.Equal(t, 1, reports[2].Result.Total)

	assert.ElementsMatch(t, []string{"*/", "tech/", "pol/AAA"}, runner.calls)

	// 失败的查询不会被记录
	require.Len(t, rec.runs, 2)
	for _, run := range rec.runs {
		assert.Equal(t, "cron", run.Source)
		assert.Equal(t, 1, run.Total)
	}
}
