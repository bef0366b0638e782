// Package metrics exposes Prometheus counters and histograms for the
// connection proxies, the statement cache and the data source.
//
// A nil *Collector is valid and records nothing, so components can take an
// optional collector without checking it at every call site.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Restore outcomes.
const (
	RestoreReused    = "reused"
	RestoreDestroyed = "destroyed"
	RestoreAborted   = "aborted"
)

// Collector records dbproxy metrics on a Prometheus registerer.
type Collector struct {
	cacheLookups   *prometheus.CounterVec // result: hit, miss, uncached
	cacheEvictions prometheus.Counter
	queryDuration  *prometheus.HistogramVec // outcome: ok, error
	slowQueries    prometheus.Counter
	resultSetRows  prometheus.Histogram
	driverErrors   *prometheus.CounterVec // kind: disqualifying, transient
	restores       *prometheus.CounterVec // outcome: reused, destroyed, aborted
}

// New registers the dbproxy metrics on reg under namespace.
// It panics if the metrics are already registered on reg.
func New(reg prometheus.Registerer, namespace string) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "statement_cache",
			Name:      "lookups_total",
			Help:      "Statement cache lookups by result",
		}, []string{"result"}),
		cacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "statement_cache",
			Name:      "evictions_total",
			Help:      "Statements removed from the cache",
		}),
		queryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Statement execution time",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"outcome"}),
		slowQueries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_queries_total",
			Help:      "Executions slower than the slow query threshold",
		}),
		resultSetRows: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "result_set_rows",
			Help:      "Rows retrieved per result set",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		driverErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "driver_errors_total",
			Help:      "Errors raised by the driver, by classification",
		}, []string{"kind"}),
		restores: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restores_total",
			Help:      "Connections handed back to the pool, by outcome",
		}, []string{"outcome"}),
	}
}

// CacheHit records a lookup served from the statement cache.
func (c *Collector) CacheHit() {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues("hit").Inc()
}

// CacheMiss records a lookup that created and cached a new statement.
func (c *Collector) CacheMiss() {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues("miss").Inc()
}

// CacheUncached records a lookup that returned an uncached statement.
func (c *Collector) CacheUncached() {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues("uncached").Inc()
}

// CacheEvictions records n statements removed from the cache.
func (c *Collector) CacheEvictions(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.cacheEvictions.Add(float64(n))
}

// QueryDuration records one execution.
func (c *Collector) QueryDuration(seconds float64, failed bool) {
	if c == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	c.queryDuration.WithLabelValues(outcome).Observe(seconds)
}

// SlowQuery records an execution over the slow query threshold.
func (c *Collector) SlowQuery() {
	if c == nil {
		return
	}
	c.slowQueries.Inc()
}

// ResultSetRows records the number of rows a result set delivered.
func (c *Collector) ResultSetRows(n int64) {
	if c == nil {
		return
	}
	c.resultSetRows.Observe(float64(n))
}

// DriverError records a driver error by classification.
func (c *Collector) DriverError(disqualifying bool) {
	if c == nil {
		return
	}
	kind := "transient"
	if disqualifying {
		kind = "disqualifying"
	}
	c.driverErrors.WithLabelValues(kind).Inc()
}

// Restore records how a connection came back to the pool.
func (c *Collector) Restore(outcome string) {
	if c == nil {
		return
	}
	c.restores.WithLabelValues(outcome).Inc()
}
