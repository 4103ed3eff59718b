// ============================================================================
// NumGate Admission - 固定視窗限流
// ============================================================================
//
// Package: internal/admission
// 文件: admission.go
// 功能: 依呼叫者識別（網路位址或認證主體）決定是否接受請求
//
// 演算法（fixed window）:
//   1. 第一次請求或 now >= resetAt：count = 1，resetAt = now + window，允許
//   2. count >= max：拒絕，不修改任何狀態
//   3. 否則 count++，允許
//
//   沒有平滑處理（不是 token bucket）。視窗邊界是一個離散的斷崖：
//   在視窗尾端用完配額的呼叫者，下一個視窗一開始就能再送 max 個請求。
//
// 儲存:
//   視窗狀態放在 WindowStore 後面：
//   - MemoryStore: 單一行程，mutex 保護的 map
//   - RedisStore: 多個 gateway 行程共用同一份視窗表
//
// 錯誤處理:
//   Store 回傳錯誤時放行（fail open）並記錄警告，
//   限流故障不應該變成整個服務不可用。
//
// ============================================================================

package admission

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/ChuLiYu/numgate/internal/metrics"
)

// logger 每次呼叫時才取 slog.Default()，serve 之後設定的 handler 才會生效
func logger() *slog.Logger {
	return slog.Default().With("component", "admission")
}

// Config 限流設定
type Config struct {
	MaxPerWindow int           // 每個視窗允許的請求數，<= 0 代表不限流
	Window       time.Duration // 視窗長度
}

// Window 單一呼叫者的視窗狀態
type Window struct {
	Count   int
	ResetAt time.Time
}

// WindowStore 視窗狀態的儲存
// Take 必須把「檢查再遞增」當作一個原子操作
type WindowStore interface {
	Take(ctx context.Context, key string, now time.Time, window time.Duration, max int) (bool, error)
}

// Gate 准入控制器
type Gate struct {
	cfg   Config
	store WindowStore
	clock clock.PassiveClock
	sink  metrics.Sink
}

// Option Gate 的可選設定
type Option func(*Gate)

// WithClock 注入時鐘（測試用 FakeClock）
func WithClock(c clock.PassiveClock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithSink 設定指標輸出
func WithSink(s metrics.Sink) Option {
	return func(g *Gate) { g.sink = s }
}

// NewGate 建立准入控制器，store 為 nil 時使用 MemoryStore
func NewGate(cfg Config, store WindowStore, opts ...Option) *Gate {
	g := &Gate{
		cfg:   cfg,
		store: store,
		clock: clock.RealClock{},
		sink:  metrics.NewNoopSink(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.store == nil {
		g.store = NewMemoryStore()
	}
	return g
}

// Admit 判斷 callerKey 的請求是否被接受
func (g *Gate) Admit(ctx context.Context, callerKey string) bool {
	allowed := g.admit(ctx, callerKey)
	g.sink.AdmissionDecision(allowed)
	return allowed
}

func (g *Gate) admit(ctx context.Context, callerKey string) bool {
	if g.cfg.MaxPerWindow <= 0 || g.cfg.Window <= 0 {
		return true
	}

	allowed, err := g.store.Take(ctx, callerKey, g.clock.Now(), g.cfg.Window, g.cfg.MaxPerWindow)
	if err != nil {
		g.sink.AdmissionStoreError()
		logger().Warn("Admission store error, admitting request", "caller", callerKey, "error", err)
		return true
	}
	if !allowed {
		logger().Debug("Request rejected by rate limiter", "caller", callerKey, "max", g.cfg.MaxPerWindow, "window", g.cfg.Window)
	}
	return allowed
}

// Store 回傳底層儲存（janitor 用來清理過期視窗）
func (g *Gate) Store() WindowStore {
	return g.store
}

// Now 回傳 Gate 使用的時鐘時間
func (g *Gate) Now() time.Time {
	return g.clock.Now()
}
