// ============================================================================
// NumGate 控制器 - 任務排程核心
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 從 JobManager 的 pending 佇列取任務，在併發上限內交給 Worker Pool 執行
//
// 架構設計:
//   Controller 協調以下組件：
//   - JobManager: 任務狀態機與優先權佇列（單一真實來源）
//   - WorkerPool: 固定 MaxConcurrent 個 goroutine，實際呼叫 executor
//   - Publisher: 每次狀態轉換都發佈一個 JobEvent（通常是 Broadcaster）
//   - metrics.Sink: 計數器與 gauge
//
// 核心循環 (2 個並發 Goroutine):
//   1. Dispatch Loop - 先取得一個執行槽 (slot)，再取出最高優先權的任務分派給 worker
//   2. Result Loop   - 接收 worker 結果，轉換任務狀態，歸還執行槽
//
// 併發上限:
//   slots 是容量為 MaxConcurrent 的 channel（計數號誌）。
//   dispatch loop 在 StartNext 之前取得 slot，result loop 收到結果後才歸還，
//   所以 Running 的任務數永遠不會超過 MaxConcurrent。
//   取消執行中的任務時 slot 不會提早歸還：worker 仍被 executor 占用，
//   直到 executor 返回為止。
//
// 喚醒機制:
//   Submit / SetPriority 透過 wakeCh（容量 1）喚醒 dispatch loop；
//   另外保留 PollInterval 的 ticker 作為保底輪詢。
//
// 取消:
//   - Pending：直接從佇列移除並標記 Failed
//   - Running：標記 Failed 並取消 executor 的 context。
//     executor 是否真的停下取決於它是否尊重 context，
//     之後送回的結果會被丟棄。
//
// 關閉順序 (Shutdown):
//  1. close(stopCh) → dispatch loop 停止取任務，pending 任務標記為 Failed
//  2. 取消所有 executor context
//  3. pool.Stop()   → 等待 worker 返回並關閉 resultCh
//  4. result loop 處理完剩餘結果後退出
//  以上步驟受呼叫者的 ctx 限制，逾時回傳 ctx.Err()
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/ChuLiYu/numgate/internal/jobmanager"
	"github.com/ChuLiYu/numgate/internal/metrics"
	"github.com/ChuLiYu/numgate/internal/worker"
	"github.com/ChuLiYu/numgate/pkg/types"
)

// logger 每次呼叫時才取 slog.Default()，serve 之後設定的 handler 才會生效
func logger() *slog.Logger {
	return slog.Default().With("component", "controller")
}

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrUnknownKind 提交了未註冊的 executor 種類
	ErrUnknownKind = errors.New("unknown job kind")
	// ErrInvalidPriority 優先權超出允許範圍
	ErrInvalidPriority = errors.New("priority out of range")
	// ErrStopped Controller 已關閉
	ErrStopped = errors.New("controller stopped")
)

// shutdownMessage 關閉時被中斷的任務寫入的錯誤訊息
const shutdownMessage = "scheduler shut down"

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	MaxConcurrent int           // 同時執行的任務上限
	PollInterval  time.Duration // dispatch loop 保底輪詢間隔
	JobTimeout    time.Duration // 單一任務的 executor 期限，0 代表不限
	MinPriority   int           // 允許的最小優先權
	MaxPriority   int           // 允許的最大優先權
}

// DefaultConfig 回傳預設配置
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 4,
		PollInterval:  100 * time.Millisecond,
		MinPriority:   -1000,
		MaxPriority:   1000,
	}
}

// Executor 可以執行任務並回報 kind 是否已註冊
type Executor interface {
	worker.Executor
	Has(kind string) bool
}

// Publisher 接收狀態轉換事件
type Publisher interface {
	Publish(event types.JobEvent) int
}

type noopPublisher struct{}

func (noopPublisher) Publish(types.JobEvent) int { return 0 }

// Controller 任務排程器
type Controller struct {
	jobManager *jobmanager.JobManager // 任務狀態管理
	pool       *worker.Pool           // Worker Pool
	executor   Executor
	publisher  Publisher
	sink       metrics.Sink
	clock      clock.PassiveClock
	newID      func() types.JobID
	config     Config

	slots  chan struct{} // 執行槽號誌，容量 = MaxConcurrent
	wakeCh chan struct{} // 喚醒 dispatch loop
	stopCh chan struct{} // 停止訊號

	baseCtx    context.Context // 所有 executor context 的根
	baseCancel context.CancelFunc

	mu      sync.Mutex                         // 保護以下三個欄位與 startTime
	cancels map[types.JobID]context.CancelFunc // 執行中任務的 context
	started bool
	stopped bool

	// eventMu 把狀態轉換與對應事件的發佈綁在一起，
	// 同一任務的事件順序永遠是 submitted → running → completed/failed。
	// 鎖順序: eventMu → mu
	eventMu sync.Mutex

	// launchHook 在登記 cancel 之後、發佈 running 之前呼叫（測試用）
	launchHook func(types.JobID)

	loopWg   sync.WaitGroup // dispatch loop
	resultWg sync.WaitGroup // result loop

	startTime time.Time
}

// Option Controller 的可選設定
type Option func(*Controller)

// WithPublisher 設定狀態事件的接收者
func WithPublisher(p Publisher) Option {
	return func(c *Controller) { c.publisher = p }
}

// WithSink 設定指標輸出
func WithSink(s metrics.Sink) Option {
	return func(c *Controller) { c.sink = s }
}

// WithClock 注入時鐘（時間戳使用）
func WithClock(clk clock.PassiveClock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithIDGenerator 替換任務 ID 產生器
func WithIDGenerator(fn func() types.JobID) Option {
	return func(c *Controller) { c.newID = fn }
}

// WithJobManager 使用外部建立的 JobManager
func WithJobManager(jm *jobmanager.JobManager) Option {
	return func(c *Controller) { c.jobManager = jm }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置
//   - executor: 外部計算函式（通常是 executor.Registry）
//
// 返回值：
//   - *Controller: Controller 實例
//   - error: 配置錯誤
func NewController(config Config, executor Executor, opts ...Option) (*Controller, error) {
	if config.MaxConcurrent < 1 {
		return nil, fmt.Errorf("max concurrent must be >= 1, got %d", config.MaxConcurrent)
	}
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.MinPriority > config.MaxPriority {
		return nil, fmt.Errorf("min priority %d > max priority %d", config.MinPriority, config.MaxPriority)
	}
	if config.MinPriority == 0 && config.MaxPriority == 0 {
		config.MinPriority, config.MaxPriority = DefaultConfig().MinPriority, DefaultConfig().MaxPriority
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	c := &Controller{
		executor:   executor,
		publisher:  noopPublisher{},
		sink:       metrics.NewNoopSink(),
		clock:      clock.RealClock{},
		newID:      func() types.JobID { return types.JobID(uuid.NewString()) },
		config:     config,
		slots:      make(chan struct{}, config.MaxConcurrent),
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		cancels:    make(map[types.JobID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.jobManager == nil {
		c.jobManager = jobmanager.NewJobManager()
	}
	c.pool = worker.NewPool(config.MaxConcurrent, executor)

	return c, nil
}

// Start 啟動 Worker Pool 和兩個核心循環
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return errors.New("controller already started")
	}

	if err := c.pool.Start(c.config.MaxConcurrent); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	c.startTime = c.clock.Now()
	c.started = true

	c.loopWg.Add(1)
	go c.dispatchLoop()
	c.resultWg.Add(1)
	go c.resultLoop()

	logger().Info("Controller started",
		"max_concurrent", c.config.MaxConcurrent,
		"job_timeout", c.config.JobTimeout)
	return nil
}

// ============================================================================
// 公開方法
// ============================================================================

// Submit 建立 Pending 任務並立即返回，不等待執行
//
// 先驗證再修改：kind 未註冊或優先權超出範圍時不會留下任何狀態
//
// 返回值：
//   - types.JobID: 新任務 ID
//   - error: ErrUnknownKind / ErrInvalidPriority / ErrStopped
func (c *Controller) Submit(kind string, params map[string]interface{}, priority int) (types.JobID, error) {
	if kind == "" || !c.executor.Has(kind) {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err := c.checkPriority(priority); err != nil {
		return "", err
	}

	// stopped 在 eventMu 內檢查：Shutdown 也持有 eventMu 才設定 stopped，
	// 所以不會有任務在關閉後才進入 pending
	c.eventMu.Lock()
	if c.isStopped() {
		c.eventMu.Unlock()
		return "", ErrStopped
	}
	job, err := c.jobManager.Enqueue(types.Job{
		ID:       c.newID(),
		Kind:     kind,
		Params:   params,
		Priority: priority,
	}, c.clock.Now())
	if err != nil {
		c.eventMu.Unlock()
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	c.sink.JobSubmitted()
	c.sink.QueueDepth(c.jobManager.PendingCount())
	c.publish(types.EventSubmitted, job)
	c.eventMu.Unlock()
	c.wake()

	logger().Debug("Job submitted", "jobID", job.ID, "kind", kind, "priority", priority)
	return job.ID, nil
}

// Cancel 取消 Pending 或 Running 任務
//
// 返回值：
//   - error: jobmanager.ErrJobNotFound / jobmanager.ErrAlreadyTerminal
func (c *Controller) Cancel(jobID types.JobID) error {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	job, prev, err := c.jobManager.Cancel(jobID, c.clock.Now())
	if err != nil {
		return err
	}

	wasRunning := prev == types.StatusRunning
	if wasRunning {
		c.mu.Lock()
		cancel := c.cancels[jobID]
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	} else {
		c.sink.QueueDepth(c.jobManager.PendingCount())
	}

	c.sink.JobFinished(job, wasRunning)
	c.publish(types.EventFailed, job)

	logger().Info("Job cancelled", "jobID", jobID, "previous", prev)
	return nil
}

// SetPriority 修改 Pending 任務的優先權
//
// 返回值：
//   - error: ErrInvalidPriority / jobmanager.ErrJobNotFound / jobmanager.ErrNotPending
func (c *Controller) SetPriority(jobID types.JobID, priority int) error {
	if err := c.checkPriority(priority); err != nil {
		return err
	}
	if err := c.jobManager.SetPriority(jobID, priority); err != nil {
		return err
	}
	c.wake()
	return nil
}

// Get 取得任務副本
func (c *Controller) Get(jobID types.JobID) (types.Job, error) {
	return c.jobManager.GetJob(jobID)
}

// List 依提交順序列出所有任務摘要
func (c *Controller) List() []types.JobSummary {
	return c.jobManager.List()
}

// RunningCount 目前 Running 的任務數
func (c *Controller) RunningCount() int {
	return c.jobManager.RunningCount()
}

// PruneTerminal 刪除終止超過 retention 的任務，retention <= 0 時不做任何事
func (c *Controller) PruneTerminal(retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	return c.jobManager.Prune(c.clock.Now().Add(-retention))
}

// GetStatus 取得排程器狀態
//
// 返回值：
//   - map[string]interface{}: 系統狀態資訊
func (c *Controller) GetStatus() map[string]interface{} {
	stats := c.jobManager.Stats()

	c.mu.Lock()
	started := c.startTime
	c.mu.Unlock()

	uptime := time.Duration(0)
	if !started.IsZero() {
		uptime = c.clock.Since(started)
	}

	return map[string]interface{}{
		"uptime":         uptime.String(),
		"max_concurrent": c.config.MaxConcurrent,
		"pending":        stats["pending"],
		"running":        stats["running"],
		"completed":      stats["completed"],
		"failed":         stats["failed"],
	}
}

// Shutdown 優雅關閉 Controller
//
// 停止接受與分派新任務，佇列中的任務以 shutdownMessage 標記為 Failed，
// 再取消執行中 executor 的 context 並等待 worker 返回。
// ctx 到期時回傳 ctx.Err()，尚未返回的 executor 會在背景結束。
func (c *Controller) Shutdown(ctx context.Context) error {
	c.eventMu.Lock()
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.eventMu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	close(c.stopCh)
	c.mu.Unlock()
	c.failPending()
	c.eventMu.Unlock()

	c.baseCancel()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		c.loopWg.Wait()
		c.pool.Stop()
		c.resultWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger().Info("Controller stopped")
		return nil
	case <-ctx.Done():
		logger().Warn("Controller shutdown deadline exceeded", "error", ctx.Err())
		return ctx.Err()
	}
}

// ============================================================================
// 核心循環
// ============================================================================

// dispatchLoop 取得執行槽後分派最高優先權的任務
func (c *Controller) dispatchLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		// 1. 先取得執行槽
		select {
		case <-c.stopCh:
			logger().Info("Dispatch loop stopped")
			return
		case c.slots <- struct{}{}:
		}

		// 2. 等待可執行的任務
		job, ok := c.nextJob(ticker.C)
		if !ok {
			<-c.slots
			logger().Info("Dispatch loop stopped")
			return
		}

		// 3. 交給 worker
		c.launch(job)
	}
}

// nextJob 阻塞直到取得一個任務或收到停止訊號
func (c *Controller) nextJob(tick <-chan time.Time) (types.Job, bool) {
	for {
		// 再次檢查是否已停止（避免在喚醒後才收到 stop 信號）
		select {
		case <-c.stopCh:
			return types.Job{}, false
		default:
		}

		if job, ok := c.jobManager.StartNext(c.clock.Now()); ok {
			return job, true
		}

		select {
		case <-c.stopCh:
			return types.Job{}, false
		case <-c.wakeCh:
		case <-tick:
		}
	}
}

// launch 建立任務 context 並提交給 Worker Pool
func (c *Controller) launch(job types.Job) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if c.config.JobTimeout > 0 {
		ctx, cancel = context.WithTimeout(c.baseCtx, c.config.JobTimeout)
	} else {
		ctx, cancel = context.WithCancel(c.baseCtx)
	}

	c.mu.Lock()
	c.cancels[job.ID] = cancel
	c.mu.Unlock()

	c.sink.JobStarted()
	c.sink.QueueDepth(c.jobManager.PendingCount())

	if c.launchHook != nil {
		c.launchHook(job.ID)
	}

	// StartNext 之後可能已被 Cancel 搶先轉成 Failed：
	// 這時不能再發佈 running，只補上 context 取消
	c.eventMu.Lock()
	if current, err := c.jobManager.GetJob(job.ID); err == nil && current.Status == types.StatusRunning {
		c.publish(types.EventRunning, job)
	} else {
		cancel()
	}
	c.eventMu.Unlock()

	err := c.pool.Submit(worker.Task{
		ID:     job.ID,
		Kind:   job.Kind,
		Params: job.Params,
		Ctx:    ctx,
	})
	if err != nil {
		// 沒有 worker 會回報這個任務，直接在這裡結束並歸還執行槽
		logger().Error("Failed to submit task", "jobID", job.ID, "error", err)
		c.finish(worker.Result{JobID: job.ID, Error: err})
		return
	}

	logger().Debug("Job dispatched", "jobID", job.ID, "kind", job.Kind, "priority", job.Priority)
}

// resultLoop 處理 Worker 執行結果
// 注意：此循環會一直運行到 Pool 關閉為止
func (c *Controller) resultLoop() {
	defer c.resultWg.Done()
	for {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			logger().Info("Result loop stopped")
			return
		}
		c.finish(result)
	}
}

// finish 歸還執行槽並把任務轉到終止狀態
//
// 執行槽在狀態轉換與指標更新之後才歸還，
// 下一個任務開始前這個任務一定已經離開 Running
func (c *Controller) finish(result worker.Result) {
	defer func() { <-c.slots }()

	c.mu.Lock()
	cancel := c.cancels[result.JobID]
	delete(c.cancels, result.JobID)
	stopping := c.stopped
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	now := c.clock.Now()
	var (
		job types.Job
		err error
	)
	if result.Error == nil {
		job, err = c.jobManager.Complete(result.JobID, result.Value, now)
	} else {
		job, err = c.jobManager.Fail(result.JobID, c.failureMessage(result.Error, stopping), now)
	}

	if err != nil {
		if errors.Is(err, jobmanager.ErrNotRunning) || errors.Is(err, jobmanager.ErrJobNotFound) {
			// 執行中被取消（或已被清除）的任務，晚到的結果直接丟棄
			logger().Debug("Discarding late result", "jobID", result.JobID, "error", result.Error)
			return
		}
		logger().Error("Failed to record result", "jobID", result.JobID, "error", err)
		return
	}

	c.sink.JobFinished(job, true)
	if job.Status == types.StatusCompleted {
		c.publish(types.EventCompleted, job)
		logger().Debug("Job completed", "jobID", job.ID, "duration", result.Duration)
	} else {
		c.publish(types.EventFailed, job)
		logger().Warn("Job failed", "jobID", job.ID, "kind", job.Kind, "error", job.Error)
	}
}

func (c *Controller) failureMessage(err error, stopping bool) string {
	switch {
	case c.config.JobTimeout > 0 && errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("job timed out after %s", c.config.JobTimeout)
	case stopping && errors.Is(err, context.Canceled):
		return shutdownMessage
	default:
		return err.Error()
	}
}

// ============================================================================
// 內部工具
// ============================================================================

func (c *Controller) checkPriority(priority int) error {
	if priority < c.config.MinPriority || priority > c.config.MaxPriority {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidPriority, priority, c.config.MinPriority, c.config.MaxPriority)
	}
	return nil
}

// failPending 關閉時把仍在佇列中的任務標記為 Failed，呼叫者需持有 eventMu
func (c *Controller) failPending() {
	jobs := c.jobManager.FailPending(shutdownMessage, c.clock.Now())
	if len(jobs) == 0 {
		return
	}
	for _, job := range jobs {
		c.sink.JobFinished(job, false)
		c.publish(types.EventFailed, job)
	}
	c.sink.QueueDepth(0)
	logger().Info("Failed pending jobs on shutdown", "count", len(jobs))
}

func (c *Controller) publish(typ types.EventType, job types.Job) {
	c.publisher.Publish(types.JobEvent{Type: typ, Job: job})
}

func (c *Controller) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

func (c *Controller) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
