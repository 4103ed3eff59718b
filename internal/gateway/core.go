// ============================================================================
// NumGate Core - 對外操作的統一入口
// ============================================================================
//
// Package: internal/gateway
// 文件: core.go
// 功能: 組裝 admission / cache / controller / broadcast，提供 gateway 使用的操作
//
// 請求流程:
//   1. Admit       - 每個請求先經過限流
//   2. 同步路徑    - Compute / CacheGetOrCompute：命中快取或直接計算
//   3. 非同步路徑  - SubmitJob：放入佇列立即返回，之後由 GetJob / SubscribeStatus 查詢
//
//   Core 只把元件串起來，狀態都由各元件自己擁有。
//
// ============================================================================

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/ChuLiYu/numgate/internal/admission"
	"github.com/ChuLiYu/numgate/internal/broadcast"
	"github.com/ChuLiYu/numgate/internal/cache"
	"github.com/ChuLiYu/numgate/internal/controller"
	"github.com/ChuLiYu/numgate/internal/executor"
	"github.com/ChuLiYu/numgate/internal/metrics"
	"github.com/ChuLiYu/numgate/pkg/types"
)

// logger 每次呼叫時才取 slog.Default()，serve 之後設定的 handler 才會生效
func logger() *slog.Logger {
	return slog.Default().With("component", "gateway")
}

// Config Core 的組裝參數
type Config struct {
	Admission       admission.Config
	CacheTTL        time.Duration
	Scheduler       controller.Config
	BroadcastBuffer int
}

// Option Core 的可選設定
type Option func(*options)

type options struct {
	store    admission.WindowStore
	clock    clock.PassiveClock
	registry *executor.Registry
}

// WithWindowStore 使用指定的限流儲存（例如 RedisStore）
func WithWindowStore(s admission.WindowStore) Option {
	return func(o *options) { o.store = s }
}

// WithClock 所有元件共用的時鐘
func WithClock(c clock.PassiveClock) Option {
	return func(o *options) { o.clock = c }
}

// WithRegistry 使用指定的 executor 註冊表，預設為內建 executor
func WithRegistry(r *executor.Registry) Option {
	return func(o *options) { o.registry = r }
}

// Core 對外操作的入口
type Core struct {
	gate        *admission.Gate
	cache       *cache.ResultCache
	controller  *controller.Controller
	broadcaster *broadcast.Broadcaster
	registry    *executor.Registry
	metrics     *metrics.Collector
}

// New 建立 Core 與其所有元件
func New(cfg Config, opts ...Option) (*Core, error) {
	o := options{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = executor.NewRegistry()
		executor.RegisterBuiltins(o.registry)
	}

	collector := metrics.NewCollector()
	b := broadcast.New(cfg.BroadcastBuffer, collector)

	ctrl, err := controller.NewController(cfg.Scheduler, o.registry,
		controller.WithPublisher(b),
		controller.WithSink(collector),
		controller.WithClock(o.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}

	return &Core{
		gate: admission.NewGate(cfg.Admission, o.store,
			admission.WithClock(o.clock),
			admission.WithSink(collector),
		),
		cache: cache.New(cfg.CacheTTL,
			cache.WithClock(o.clock),
			cache.WithSink(collector),
		),
		controller:  ctrl,
		broadcaster: b,
		registry:    o.registry,
		metrics:     collector,
	}, nil
}

// Start 啟動排程器
func (c *Core) Start() error {
	return c.controller.Start()
}

// Shutdown 停止排程器並關閉所有訂閱
func (c *Core) Shutdown(ctx context.Context) error {
	err := c.controller.Shutdown(ctx)
	c.broadcaster.Close()
	return err
}

// ============================================================================
// 同步路徑
// ============================================================================

// Admit 限流判斷，被拒絕時回傳 ErrAdmissionRejected
func (c *Core) Admit(ctx context.Context, caller string) error {
	if !c.gate.Admit(ctx, caller) {
		return ErrAdmissionRejected
	}
	return nil
}

// CacheGetOrCompute 以 (op, params) 查快取，未命中時呼叫 fn
func (c *Core) CacheGetOrCompute(ctx context.Context, op string, params interface{}, fn cache.ComputeFunc) (interface{}, bool, error) {
	if op == "" {
		return nil, false, &ValidationError{Field: "op", Reason: "must not be empty"}
	}
	return c.cache.GetOrCompute(ctx, op, params, fn)
}

// Compute 用已註冊的 executor 作為計算函式走快取路徑
func (c *Core) Compute(ctx context.Context, op string, params map[string]interface{}) (interface{}, bool, error) {
	if !c.registry.Has(op) {
		return nil, false, &ValidationError{Field: "op", Reason: fmt.Sprintf("unknown operation %q", op), Err: executor.ErrUnknownKind}
	}
	return c.CacheGetOrCompute(ctx, op, params, func(ctx context.Context) (interface{}, error) {
		return c.registry.Execute(ctx, op, params)
	})
}

// ClearCache 清空結果快取
func (c *Core) ClearCache() {
	c.cache.Clear()
	logger().Info("Result cache cleared")
}

// CacheStats 回傳快取統計
func (c *Core) CacheStats() types.CacheStats {
	return c.cache.Stats()
}

// MetricsSnapshot 回傳全域計數快照
func (c *Core) MetricsSnapshot() types.MetricsSnapshot {
	return c.metrics.Snapshot()
}

// ============================================================================
// 非同步路徑
// ============================================================================

// SubmitJob 提交任務並立即回傳 ID
func (c *Core) SubmitJob(kind string, params map[string]interface{}, priority int) (types.JobID, error) {
	id, err := c.controller.Submit(kind, params, priority)
	if err != nil {
		return "", asValidation(err)
	}
	return id, nil
}

// GetJob 取得任務快照
func (c *Core) GetJob(id types.JobID) (types.Job, error) {
	return c.controller.Get(id)
}

// ListJobs 列出所有任務摘要
func (c *Core) ListJobs() []types.JobSummary {
	return c.controller.List()
}

// CancelJob 取消 Pending 或 Running 任務，成功時回傳 true
func (c *Core) CancelJob(id types.JobID) bool {
	if err := c.controller.Cancel(id); err != nil {
		logger().Debug("Cancel rejected", "jobID", id, "error", err)
		return false
	}
	return true
}

// SetJobPriority 調整 Pending 任務優先權，成功時回傳 true
//
// 優先權超出範圍時回傳 ValidationError，不做任何修改；
// 不存在、Running 或已終止的任務回傳 (false, nil)
func (c *Core) SetJobPriority(id types.JobID, priority int) (bool, error) {
	if err := c.controller.SetPriority(id, priority); err != nil {
		if errors.Is(err, controller.ErrInvalidPriority) {
			return false, asValidation(err)
		}
		logger().Debug("Set priority rejected", "jobID", id, "priority", priority, "error", err)
		return false, nil
	}
	return true, nil
}

// SubscribeStatus 訂閱任務狀態事件，jobID 為空時接收所有任務
func (c *Core) SubscribeStatus(jobID types.JobID) *broadcast.Subscription {
	return c.broadcaster.Subscribe(jobID)
}

// ============================================================================
// 元件存取（housekeeping 與 HTTP 使用）
// ============================================================================

// Gate 回傳准入控制器
func (c *Core) Gate() *admission.Gate { return c.gate }

// Cache 回傳結果快取
func (c *Core) Cache() *cache.ResultCache { return c.cache }

// Controller 回傳排程器
func (c *Core) Controller() *controller.Controller { return c.controller }

// Metrics 回傳指標收集器
func (c *Core) Metrics() *metrics.Collector { return c.metrics }

// Kinds 回傳所有已註冊的 executor 種類
func (c *Core) Kinds() []string { return c.registry.Kinds() }

func asValidation(err error) error {
	switch {
	case errors.Is(err, controller.ErrUnknownKind):
		return &ValidationError{Field: "kind", Reason: err.Error(), Err: err}
	case errors.Is(err, controller.ErrInvalidPriority):
		return &ValidationError{Field: "priority", Reason: err.Error(), Err: err}
	default:
		return err
	}
}
