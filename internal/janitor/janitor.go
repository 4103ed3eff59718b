// ============================================================================
// NumGate Janitor - 週期性清理
// ============================================================================
//
// Package: internal/janitor
// 文件: janitor.go
// 功能: 用 robfig/cron 定期回收過期資源
//
// 任務:
//   - cache-sweep     回收過期的快取 entry
//   - admission-sweep 回收已結束的限流窗口（只有 MemoryStore 需要，Redis 靠 PEXPIRE）
//   - job-prune       刪除超過保留時間的終止任務
//
// 清理只回收空間，不改變任何對外可見的語意：過期判斷都在讀取路徑上完成。
//
// ============================================================================

package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// logger 每次呼叫時才取 slog.Default()，serve 之後設定的 handler 才會生效
func logger() *slog.Logger {
	return slog.Default().With("component", "janitor")
}

// 任務名稱
const (
	TaskCacheSweep     = "cache-sweep"
	TaskAdmissionSweep = "admission-sweep"
	TaskJobPrune       = "job-prune"
)

// ErrDuplicateTask 同名任務已註冊
var ErrDuplicateTask = errors.New("janitor task already registered")

// Janitor 週期性執行清理任務
type Janitor struct {
	cron *cron.Cron

	mu      sync.Mutex
	tasks   map[string]func() int
	started bool
}

// New 建立 Janitor，任務 panic 會被 cron.Recover 吃掉並記錄，
// 上一輪還沒跑完時跳過這一輪
func New() *Janitor {
	cl := slogLogger{}
	return &Janitor{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		tasks: make(map[string]func() int),
	}
}

// Every 註冊一個每隔 interval 執行的任務，fn 回傳清掉的數量
// interval <= 0 表示停用，不註冊
func (j *Janitor) Every(name string, interval time.Duration, fn func() int) error {
	if interval <= 0 {
		logger().Debug("janitor task disabled", "task", name)
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, exists := j.tasks[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}

	run := func() {
		start := time.Now()
		if n := fn(); n > 0 {
			logger().Info("janitor swept", "task", name, "removed", n, "took", time.Since(start))
		}
	}
	// cron 的 @every 最小粒度是一秒，更短的間隔會被進位
	if _, err := j.cron.AddFunc("@every "+interval.String(), run); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	j.tasks[name] = fn
	return nil
}

// Tasks 回傳已註冊的任務名稱（排序後）
func (j *Janitor) Tasks() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	names := make([]string, 0, len(j.tasks))
	for name := range j.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow 立即同步執行一次所有任務，回傳各任務清掉的數量
func (j *Janitor) RunNow() map[string]int {
	j.mu.Lock()
	tasks := make(map[string]func() int, len(j.tasks))
	for name, fn := range j.tasks {
		tasks[name] = fn
	}
	j.mu.Unlock()

	out := make(map[string]int, len(tasks))
	for name, fn := range tasks {
		out[name] = fn()
	}
	return out
}

// Start 在背景啟動排程
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return
	}
	j.started = true
	j.cron.Start()
	logger().Info("Janitor started", "tasks", len(j.tasks))
}

// Stop 停止排程並等待執行中的任務結束，或 ctx 到期
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	started := j.started
	j.started = false
	j.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-j.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// slogLogger 讓 cron 的內部日誌走 slog
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	// cron 的 Info 多半是每次排程的 wake/run，降為 Debug
	logger().Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger().Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
