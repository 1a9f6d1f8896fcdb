// Package metrics provides the structured counter/observe/gauge sink
// every fabric component records through, backed by Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the minimal metrics contract components depend on (per
// external-interfaces §6.1: counter/observe/gauge). Pools, the cache,
// the idempotency store, breakers, and the health coordinator all take
// a Sink instead of reaching for a package-level metrics singleton.
type Sink interface {
	Counter(name string, labels map[string]string, delta float64)
	Observe(name string, labels map[string]string, value float64)
	Gauge(name string, labels map[string]string, value float64)
}

// Metrics is the Prometheus-backed Sink implementation. It pre-declares
// the vectors the fabric's components are known to emit; Counter/Observe/
// Gauge route by name to the matching vector and are no-ops for unknown
// names so a misconfigured label set never panics a caller mid-operation.
type Metrics struct {
	service string

	// Pool<T>
	poolAcquireTotal    *prometheus.CounterVec
	poolAcquireDuration *prometheus.HistogramVec
	poolResourcesTotal  *prometheus.GaugeVec
	poolWaitQueueDepth  *prometheus.GaugeVec
	poolCreatedTotal    *prometheus.CounterVec
	poolDestroyedTotal  *prometheus.CounterVec
	poolLeaksTotal      *prometheus.CounterVec

	// Hierarchical cache
	cacheHitsTotal     *prometheus.CounterVec
	cacheMissesTotal   *prometheus.CounterVec
	cacheEvictionsTotal *prometheus.CounterVec
	cacheBytesUsed     *prometheus.GaugeVec
	cacheEntriesTotal  *prometheus.GaugeVec
	cacheTxTotal       *prometheus.CounterVec

	// Idempotency store
	idempotencyBeginsTotal    *prometheus.CounterVec
	idempotencyConflictsTotal *prometheus.CounterVec
	idempotencyOutcomeTotal   *prometheus.CounterVec

	// Circuit breaker
	breakerStateTransitionsTotal *prometheus.CounterVec
	breakerRejectedTotal         *prometheus.CounterVec
	breakerState                 *prometheus.GaugeVec

	// Retry policy
	retryAttemptsTotal *prometheus.CounterVec

	// Health coordinator
	healthCheckDuration     *prometheus.HistogramVec
	healthStateTransitions  *prometheus.CounterVec
	healthRecoveryActions   *prometheus.CounterVec

	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// New creates a Metrics sink registered against the default Prometheus registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics sink registered against registerer, or
// left unregistered if registerer is nil (useful for component unit tests
// that construct many Metrics instances in the same process).
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{service: serviceName}

	m.poolAcquireTotal = vecCounter("pool_acquire_total", "Total pool acquire attempts by outcome.", "pool", "outcome")
	m.poolAcquireDuration = vecHistogram("pool_acquire_duration_seconds", "Time spent waiting for a pool acquire to resolve.",
		[]float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5}, "pool")
	m.poolResourcesTotal = vecGauge("pool_resources", "Current pooled resources by state.", "pool", "state")
	m.poolWaitQueueDepth = vecGauge("pool_wait_queue_depth", "Current number of acquirers waiting.", "pool")
	m.poolCreatedTotal = vecCounter("pool_resources_created_total", "Total resources created by a pool.", "pool")
	m.poolDestroyedTotal = vecCounter("pool_resources_destroyed_total", "Total resources destroyed by a pool.", "pool", "reason")
	m.poolLeaksTotal = vecCounter("pool_leaks_total", "Total resources reclaimed by the leak detector.", "pool")

	m.cacheHitsTotal = vecCounter("cache_hits_total", "Cache gets satisfied by a layer.", "cache", "layer")
	m.cacheMissesTotal = vecCounter("cache_misses_total", "Cache gets that found nothing in any layer.", "cache")
	m.cacheEvictionsTotal = vecCounter("cache_evictions_total", "Entries evicted from L1.", "cache", "reason")
	m.cacheBytesUsed = vecGauge("cache_bytes_used", "Bytes currently held by a cache shard.", "cache", "shard")
	m.cacheEntriesTotal = vecGauge("cache_entries", "Entries currently held by a cache shard.", "cache", "shard")
	m.cacheTxTotal = vecCounter("cache_transactions_total", "Cache transactions by outcome.", "cache", "outcome")

	m.idempotencyBeginsTotal = vecCounter("idempotency_begins_total", "Idempotency begin() calls by outcome.", "store", "outcome")
	m.idempotencyConflictsTotal = vecCounter("idempotency_conflicts_total", "Idempotency conflicts by the conflicting state.", "store", "state")
	m.idempotencyOutcomeTotal = vecCounter("idempotency_outcomes_total", "Idempotency records completed or failed.", "store", "outcome")

	m.breakerStateTransitionsTotal = vecCounter("breaker_state_transitions_total", "Circuit breaker state transitions.", "breaker", "from", "to")
	m.breakerRejectedTotal = vecCounter("breaker_rejected_total", "Calls rejected by an open circuit breaker.", "breaker")
	m.breakerState = vecGauge("breaker_state", "Current breaker state as an enum (0=closed,1=half_open,2=open).", "breaker")

	m.retryAttemptsTotal = vecCounter("retry_attempts_total", "Retry attempts by outcome.", "operation", "outcome")

	m.healthCheckDuration = vecHistogram("health_check_duration_seconds", "Health checker probe latency.",
		[]float64{.001, .005, .01, .05, .1, .5, 1, 5}, "checker")
	m.healthStateTransitions = vecCounter("health_state_transitions_total", "Health checker state transitions.", "checker", "from", "to")
	m.healthRecoveryActions = vecCounter("health_recovery_actions_total", "Recovery actions invoked by the health coordinator.", "checker", "action")

	m.counters = map[string]*prometheus.CounterVec{
		"pool_acquire_total":              m.poolAcquireTotal,
		"pool_resources_created_total":    m.poolCreatedTotal,
		"pool_resources_destroyed_total":  m.poolDestroyedTotal,
		"pool_leaks_total":                m.poolLeaksTotal,
		"cache_hits_total":                m.cacheHitsTotal,
		"cache_misses_total":              m.cacheMissesTotal,
		"cache_evictions_total":           m.cacheEvictionsTotal,
		"cache_transactions_total":        m.cacheTxTotal,
		"idempotency_begins_total":        m.idempotencyBeginsTotal,
		"idempotency_conflicts_total":     m.idempotencyConflictsTotal,
		"idempotency_outcomes_total":      m.idempotencyOutcomeTotal,
		"breaker_state_transitions_total": m.breakerStateTransitionsTotal,
		"breaker_rejected_total":          m.breakerRejectedTotal,
		"retry_attempts_total":            m.retryAttemptsTotal,
		"health_state_transitions_total":  m.healthStateTransitions,
		"health_recovery_actions_total":   m.healthRecoveryActions,
	}
	m.histograms = map[string]*prometheus.HistogramVec{
		"pool_acquire_duration_seconds":  m.poolAcquireDuration,
		"health_check_duration_seconds":  m.healthCheckDuration,
	}
	m.gauges = map[string]*prometheus.GaugeVec{
		"pool_resources":         m.poolResourcesTotal,
		"pool_wait_queue_depth":  m.poolWaitQueueDepth,
		"cache_bytes_used":       m.cacheBytesUsed,
		"cache_entries":          m.cacheEntriesTotal,
		"breaker_state":          m.breakerState,
	}

	if registerer != nil {
		collectors := make([]prometheus.Collector, 0, len(m.counters)+len(m.histograms)+len(m.gauges))
		for _, c := range m.counters {
			collectors = append(collectors, c)
		}
		for _, h := range m.histograms {
			collectors = append(collectors, h)
		}
		for _, g := range m.gauges {
			collectors = append(collectors, g)
		}
		registerer.MustRegister(collectors...)
	}

	return m
}

func vecCounter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
}

func vecHistogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
}

func vecGauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
}

// Counter implements Sink. A name not matching a pre-declared vector, or
// a label set not matching that vector's declared label names, is a
// silent no-op: a metrics gap must never take down the call it measures.
func (m *Metrics) Counter(name string, labels map[string]string, delta float64) {
	vec, ok := m.counters[name]
	if !ok {
		return
	}
	if c, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		c.Add(delta)
	}
}

// Observe implements Sink.
func (m *Metrics) Observe(name string, labels map[string]string, value float64) {
	vec, ok := m.histograms[name]
	if !ok {
		return
	}
	if o, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		o.Observe(value)
	}
}

// Gauge implements Sink.
func (m *Metrics) Gauge(name string, labels map[string]string, value float64) {
	vec, ok := m.gauges[name]
	if !ok {
		return
	}
	if g, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		g.Set(value)
	}
}

// RecordPoolAcquire records the outcome of a single acquire call.
func (m *Metrics) RecordPoolAcquire(pool, outcome string, d time.Duration) {
	m.poolAcquireTotal.WithLabelValues(pool, outcome).Inc()
	m.poolAcquireDuration.WithLabelValues(pool).Observe(d.Seconds())
}

// SetPoolState updates the current idle/in-use/creating resource gauges for a pool.
func (m *Metrics) SetPoolState(pool, state string, count float64) {
	m.poolResourcesTotal.WithLabelValues(pool, state).Set(count)
}

// SetPoolWaitQueueDepth updates the current wait-queue depth gauge for a pool.
func (m *Metrics) SetPoolWaitQueueDepth(pool string, depth float64) {
	m.poolWaitQueueDepth.WithLabelValues(pool).Set(depth)
}

// RecordPoolCreated increments the resources-created counter for a pool.
func (m *Metrics) RecordPoolCreated(pool string) {
	m.poolCreatedTotal.WithLabelValues(pool).Inc()
}

// RecordPoolDestroyed increments the resources-destroyed counter for a pool with a reason.
func (m *Metrics) RecordPoolDestroyed(pool, reason string) {
	m.poolDestroyedTotal.WithLabelValues(pool, reason).Inc()
}

// RecordPoolLeak increments the leak-detector counter for a pool.
func (m *Metrics) RecordPoolLeak(pool string) {
	m.poolLeaksTotal.WithLabelValues(pool).Inc()
}

// RecordCacheHit increments the cache hit counter for the given layer (L1 or L2).
func (m *Metrics) RecordCacheHit(cache, layer string) {
	m.cacheHitsTotal.WithLabelValues(cache, layer).Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (m *Metrics) RecordCacheMiss(cache string) {
	m.cacheMissesTotal.WithLabelValues(cache).Inc()
}

// RecordCacheEviction increments the cache eviction counter with a reason (ttl, lru, capacity).
func (m *Metrics) RecordCacheEviction(cache, reason string) {
	m.cacheEvictionsTotal.WithLabelValues(cache, reason).Inc()
}

// SetCacheShardUsage updates the bytes/entries gauges for one shard.
func (m *Metrics) SetCacheShardUsage(cache string, shard int, bytes, entries float64) {
	shardLabel := shardLabelFor(shard)
	m.cacheBytesUsed.WithLabelValues(cache, shardLabel).Set(bytes)
	m.cacheEntriesTotal.WithLabelValues(cache, shardLabel).Set(entries)
}

// RecordCacheTransaction increments the transaction counter by outcome (committed, aborted).
func (m *Metrics) RecordCacheTransaction(cache, outcome string) {
	m.cacheTxTotal.WithLabelValues(cache, outcome).Inc()
}

// RecordIdempotencyBegin increments the begin() counter by outcome (leased, conflict_pending, conflict_done).
func (m *Metrics) RecordIdempotencyBegin(store, outcome string) {
	m.idempotencyBeginsTotal.WithLabelValues(store, outcome).Inc()
	if outcome != "leased" {
		m.idempotencyConflictsTotal.WithLabelValues(store, outcome).Inc()
	}
}

// RecordIdempotencyOutcome increments the completed/failed counter.
func (m *Metrics) RecordIdempotencyOutcome(store, outcome string) {
	m.idempotencyOutcomeTotal.WithLabelValues(store, outcome).Inc()
}

// RecordBreakerTransition increments the transition counter and updates the state gauge.
func (m *Metrics) RecordBreakerTransition(breaker, from, to string, stateValue float64) {
	m.breakerStateTransitionsTotal.WithLabelValues(breaker, from, to).Inc()
	m.breakerState.WithLabelValues(breaker).Set(stateValue)
}

// RecordBreakerRejected increments the rejected-call counter for an open breaker.
func (m *Metrics) RecordBreakerRejected(breaker string) {
	m.breakerRejectedTotal.WithLabelValues(breaker).Inc()
}

// RecordRetryAttempt increments the retry attempt counter by outcome (retried, exhausted, non_retryable, succeeded).
func (m *Metrics) RecordRetryAttempt(operation, outcome string) {
	m.retryAttemptsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordHealthCheck records a checker probe's latency.
func (m *Metrics) RecordHealthCheck(checker string, d time.Duration) {
	m.healthCheckDuration.WithLabelValues(checker).Observe(d.Seconds())
}

// RecordHealthTransition increments the health state transition counter.
func (m *Metrics) RecordHealthTransition(checker, from, to string) {
	m.healthStateTransitions.WithLabelValues(checker, from, to).Inc()
}

// RecordRecoveryAction increments the recovery action counter.
func (m *Metrics) RecordRecoveryAction(checker, action string) {
	m.healthRecoveryActions.WithLabelValues(checker, action).Inc()
}

func shardLabelFor(shard int) string {
	const digits = "0123456789"
	if shard == 0 {
		return "0"
	}
	neg := shard < 0
	if neg {
		shard = -shard
	}
	var buf []byte
	for shard > 0 {
		buf = append([]byte{digits[shard%10]}, buf...)
		shard /= 10
	}
	if neg {
		buf = append([]byte{'-'}, buf...)
	}
	return string(buf)
}
