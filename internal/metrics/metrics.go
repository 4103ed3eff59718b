// ============================================================================
// NumGate Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露系統運行指標，同時提供 MetricsSnapshot 給 API 查詢
//
// 指標分類:
//
//   1. 請求准入 (Counter)：
//      - numgate_requests_total: 經過准入判斷的請求總數
//      - numgate_requests_rejected_total: 被限流拒絕的請求數
//      - numgate_admission_store_errors_total: 視窗儲存錯誤數（fail open）
//
//   2. 結果快取：
//      - numgate_cache_hits_total / numgate_cache_misses_total (Counter)
//      - numgate_cache_entries (Gauge)
//
//   3. 任務 (Counter + Gauge + Histogram)：
//      - numgate_jobs_submitted_total / completed_total / failed_total / cancelled_total
//      - numgate_jobs_active: 尚未終止的任務數
//      - numgate_jobs_running: 執行中任務數（永遠 <= max_concurrent）
//      - numgate_jobs_pending: 佇列中的任務數
//      - numgate_job_duration_seconds: executor 實際執行時間分佈
//
//   4. 狀態廣播 (Counter)：
//      - numgate_events_published_total / numgate_events_dropped_total
//
// Prometheus 查詢示例:
//
//   # 拒絕率
//   rate(numgate_requests_rejected_total[5m]) / rate(numgate_requests_total[5m])
//
//   # 快取命中率
//   rate(numgate_cache_hits_total[5m]) /
//     (rate(numgate_cache_hits_total[5m]) + rate(numgate_cache_misses_total[5m]))
//
//   # 95 分位執行時間
//   histogram_quantile(0.95, rate(numgate_job_duration_seconds_bucket[5m]))
//
// 設計:
//   - 使用私有 Registry，測試與多實例互不干擾
//   - Prometheus 指標無法直接讀回，所以另外用 atomic 計數器鏡像一份，
//     Snapshot() 從鏡像讀取
//
// ============================================================================

package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/numgate/pkg/types"
)

const namespace = "numgate"

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry
	started  time.Time

	// 請求准入
	requestsTotal    prometheus.Counter
	requestsRejected prometheus.Counter
	storeErrors      prometheus.Counter

	// 結果快取
	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
	cacheEntries prometheus.Gauge

	// 任務
	jobsSubmitted prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsCancelled prometheus.Counter
	jobsActive    prometheus.Gauge
	jobsRunning   prometheus.Gauge
	jobsPending   prometheus.Gauge
	jobDuration   prometheus.Histogram

	// 狀態廣播
	eventsPublished prometheus.Counter
	eventsDropped   prometheus.Counter

	// Snapshot 用的鏡像
	snap struct {
		requestsTotal    atomic.Uint64
		requestsRejected atomic.Uint64
		cacheHits        atomic.Uint64
		cacheMisses      atomic.Uint64
		jobsSubmitted    atomic.Uint64
		jobsActive       atomic.Int64
		jobsRunning      atomic.Int64
		jobsCompleted    atomic.Uint64
		jobsFailed       atomic.Uint64
		eventsPublished  atomic.Uint64
		eventsDropped    atomic.Uint64
	}
}

// NewCollector 創建新的指標收集器，並註冊到自己的 Registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		started:  time.Now(),

		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests that went through admission",
		}),
		requestsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Total number of requests rejected by the rate limiter",
		}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_store_errors_total",
			Help:      "Total number of admission window store errors (request admitted)",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of result cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of result cache misses",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Current number of entries in the result cache",
		}),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs submitted",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs that failed, cancellations included",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancelled_total",
			Help:      "Total number of jobs cancelled",
		}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Current number of jobs not yet in a terminal state",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Current number of running jobs",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Current number of pending jobs",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Executor run time of terminal jobs in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of job events delivered to subscribers",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of job events dropped for slow subscribers",
		}),
	}

	// 註冊所有指標
	c.registry.MustRegister(
		c.requestsTotal,
		c.requestsRejected,
		c.storeErrors,
		c.cacheHits,
		c.cacheMisses,
		c.cacheEntries,
		c.jobsSubmitted,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsCancelled,
		c.jobsActive,
		c.jobsRunning,
		c.jobsPending,
		c.jobDuration,
		c.eventsPublished,
		c.eventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry 回傳私有 Registry（測試用 testutil 讀取）
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ============================================================================
// Sink 實作
// ============================================================================

// AdmissionDecision 記錄一次准入判斷
func (c *Collector) AdmissionDecision(allowed bool) {
	c.requestsTotal.Inc()
	c.snap.requestsTotal.Add(1)
	if !allowed {
		c.requestsRejected.Inc()
		c.snap.requestsRejected.Add(1)
	}
}

// AdmissionStoreError 記錄視窗儲存錯誤
func (c *Collector) AdmissionStoreError() {
	c.storeErrors.Inc()
}

// CacheLookup 記錄快取命中或未命中
func (c *Collector) CacheLookup(hit bool) {
	if hit {
		c.cacheHits.Inc()
		c.snap.cacheHits.Add(1)
		return
	}
	c.cacheMisses.Inc()
	c.snap.cacheMisses.Add(1)
}

// CacheEntries 設置目前快取項目數
func (c *Collector) CacheEntries(n int) {
	c.cacheEntries.Set(float64(n))
}

// JobSubmitted 記錄任務提交
func (c *Collector) JobSubmitted() {
	c.jobsSubmitted.Inc()
	c.jobsActive.Inc()
	c.snap.jobsSubmitted.Add(1)
	c.snap.jobsActive.Add(1)
}

// JobStarted 記錄任務開始執行
func (c *Collector) JobStarted() {
	c.jobsRunning.Inc()
	c.snap.jobsRunning.Add(1)
}

// JobFinished 記錄任務進入終止狀態
func (c *Collector) JobFinished(job types.Job, wasRunning bool) {
	c.jobsActive.Dec()
	c.snap.jobsActive.Add(-1)

	if wasRunning {
		c.jobsRunning.Dec()
		c.snap.jobsRunning.Add(-1)
	}

	switch job.Status {
	case types.StatusCompleted:
		c.jobsCompleted.Inc()
		c.snap.jobsCompleted.Add(1)
	case types.StatusFailed:
		c.jobsFailed.Inc()
		c.snap.jobsFailed.Add(1)
		if job.Cancelled {
			c.jobsCancelled.Inc()
		}
	}

	if job.StartedAt > 0 && job.CompletedAt >= job.StartedAt {
		c.jobDuration.Observe(float64(job.CompletedAt-job.StartedAt) / 1000)
	}
}

// QueueDepth 設置目前待處理任務數
func (c *Collector) QueueDepth(pending int) {
	c.jobsPending.Set(float64(pending))
}

// EventsPublished 記錄一次廣播的送達與丟棄數
func (c *Collector) EventsPublished(delivered, dropped int) {
	if delivered > 0 {
		c.eventsPublished.Add(float64(delivered))
		c.snap.eventsPublished.Add(uint64(delivered))
	}
	if dropped > 0 {
		c.eventsDropped.Add(float64(dropped))
		c.snap.eventsDropped.Add(uint64(dropped))
	}
}

// ============================================================================
// 查詢與 HTTP
// ============================================================================

// Snapshot 回傳目前的聚合計數
func (c *Collector) Snapshot() types.MetricsSnapshot {
	return types.MetricsSnapshot{
		RequestsTotal:    c.snap.requestsTotal.Load(),
		RequestsRejected: c.snap.requestsRejected.Load(),
		CacheHits:        c.snap.cacheHits.Load(),
		CacheMisses:      c.snap.cacheMisses.Load(),
		JobsSubmitted:    c.snap.jobsSubmitted.Load(),
		JobsActive:       c.snap.jobsActive.Load(),
		JobsRunning:      c.snap.jobsRunning.Load(),
		JobsCompleted:    c.snap.jobsCompleted.Load(),
		JobsFailed:       c.snap.jobsFailed.Load(),
		EventsPublished:  c.snap.eventsPublished.Load(),
		EventsDropped:    c.snap.eventsDropped.Load(),
		Uptime:           time.Since(c.started),
	}
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// NewServeMux 建立包含 /metrics 與 /healthz 的 mux
func (c *Collector) NewServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
