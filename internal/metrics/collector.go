package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"authmon/internal/model"
)

const namespace = "authmon"

// Collector exposes a Store to Prometheus. Values are read from a fresh
// snapshot on every scrape.
type Collector struct {
	store *Store

	attempts          *prometheus.Desc
	successRate       *prometheus.Desc
	latency           *prometheus.Desc
	activeSessions    *prometheus.Desc
	activeConnections *prometheus.Desc
	sessionTimeouts   *prometheus.Desc
	subjects          *prometheus.Desc
}

func NewCollector(store *Store) *Collector {
	return &Collector{
		store: store,
		attempts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "auth", "attempts_total"),
			"Authentication flow attempts by category and result",
			[]string{"category", "result"}, nil,
		),
		successRate: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "auth", "success_rate_percent"),
			"Global success rate; 100 when nothing has been recorded",
			nil, nil,
		),
		latency: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "auth", "latency_ms"),
			"Nearest-rank latency quantiles over the sample buffer",
			[]string{"quantile"}, nil,
		),
		activeSessions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "sessions", "active"),
			"Sessions created and not yet invalidated or timed out",
			nil, nil,
		),
		activeConnections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "connections", "active"),
			"Upgraded connections not yet closed",
			nil, nil,
		),
		sessionTimeouts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "sessions", "timeouts_total"),
			"Session timeout events",
			nil, nil,
		),
		subjects: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "subjects", "tracked"),
			"Subjects currently held in the per-subject cache",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.attempts
	ch <- c.successRate
	ch <- c.latency
	ch <- c.activeSessions
	ch <- c.activeConnections
	ch <- c.sessionTimeouts
	ch <- c.subjects
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.store.Snapshot()
	for _, cat := range model.EventCategories() {
		counts := snap.Category(cat)
		ch <- prometheus.MustNewConstMetric(c.attempts, prometheus.CounterValue, float64(counts.Successes), string(cat), "success")
		ch <- prometheus.MustNewConstMetric(c.attempts, prometheus.CounterValue, float64(counts.Failures), string(cat), "failure")
	}
	ch <- prometheus.MustNewConstMetric(c.successRate, prometheus.GaugeValue, snap.SuccessRate)
	quantileValues := map[string]float64{
		"0.5":  snap.Latency.P50,
		"0.9":  snap.Latency.P90,
		"0.95": snap.Latency.P95,
		"0.99": snap.Latency.P99,
	}
	for q, v := range quantileValues {
		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, v, q)
	}
	ch <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, float64(snap.ActiveSessions))
	ch <- prometheus.MustNewConstMetric(c.activeConnections, prometheus.GaugeValue, float64(snap.ActiveConnections))
	ch <- prometheus.MustNewConstMetric(c.sessionTimeouts, prometheus.CounterValue, float64(snap.SessionTimeouts))
	ch <- prometheus.MustNewConstMetric(c.subjects, prometheus.GaugeValue, float64(c.store.SubjectCount()))
}
