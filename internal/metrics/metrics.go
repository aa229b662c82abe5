package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 聚合查询相关指标；nil 接收者上的方法都是空操作，方便测试里不注册指标
type Metrics struct {
	fetchDuration *prometheus.HistogramVec
	fetchTotal    *prometheus.CounterVec
	aggregations  *prometheus.CounterVec
	stories       prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "newshub",
			Name:      "agency_fetch_duration_seconds",
			Help:      "Latency of a single agency story query.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agency"}),
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newshub",
			Name:      "agency_fetch_total",
			Help:      "Agency story queries by outcome.",
		}, []string{"agency", "outcome"}),
		aggregations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "newshub",
			Name:      "aggregations_total",
			Help:      "Aggregated queries by mode and whether the result cap was reached.",
		}, []string{"mode", "capped"}),
		stories: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "newshub",
			Name:      "aggregation_stories",
			Help:      "Stories returned per aggregated query.",
			Buckets:   []float64{0, 1, 5, 10, 15, 20},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.fetchDuration, m.fetchTotal, m.aggregations, m.stories)
	}
	return m
}

// ObserveFetch outcome: ok / error / timeout / cancelled
func (m *Metrics) ObserveFetch(agency, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(agency).Observe(d.Seconds())
	m.fetchTotal.WithLabelValues(agency, outcome).Inc()
}

// ObserveAggregation mode: all / target
func (m *Metrics) ObserveAggregation(mode string, stories int, capped bool) {
	if m == nil {
		return
	}
	m.aggregations.WithLabelValues(mode, strconv.FormatBool(capped)).Inc()
	m.stories.Observe(float64(stories))
}
