// ============================================================================
// NumGate ResultCache - 有時效的結果快取
// ============================================================================
//
// Package: internal/cache
// 文件: cache.go
// 功能: 以 (operation, 標準化參數) 為 key 記住 executor 的結果
//
// 讀取路徑:
//   1. 算出 key，取出 entry
//   2. entry 存在、標準化參數相同、且 now - storedAt <= ttl → 命中
//   3. 否則計算（相同 key 的併發未命中只算一次），成功才寫入
//
//   過期判斷永遠在讀取路徑上用元件時鐘完成，背景 Sweep 只是回收空間，
//   是否已經 Sweep 不影響外部可見的行為。
//
// Key 碰撞:
//   entry 內保存標準化參數，命中時逐位元組比較。
//   hash 相同但參數不同時視為未命中並覆蓋，不同輸入不會互相冒用。
//
// 可見性:
//   entry 只在計算完整成功之後寫入，讀者看不到部分結果。
//
// ============================================================================

package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/ChuLiYu/numgate/internal/metrics"
	"github.com/ChuLiYu/numgate/pkg/types"
)

// logger 每次呼叫時才取 slog.Default()，serve 之後設定的 handler 才會生效
func logger() *slog.Logger {
	return slog.Default().With("component", "cache")
}

// ErrComputeFailed 計算失敗（executor 回傳錯誤或 panic），不寫入快取
var ErrComputeFailed = errors.New("cache compute failed")

// ComputeFunc 未命中時呼叫的計算函式
type ComputeFunc func(ctx context.Context) (interface{}, error)

// entry 一筆快取結果
type entry struct {
	value     interface{}
	canonical []byte
	storedAt  time.Time
	hitCount  uint64 // 只做診斷用途
}

// ResultCache 結果快取
type ResultCache struct {
	ttl   time.Duration
	clock clock.PassiveClock
	sink  metrics.Sink

	store *ttlcache.Cache[string, *entry]
	group singleflight.Group

	mu     sync.Mutex // 保護 hits、misses 與 entry.hitCount
	hits   uint64
	misses uint64
}

// Option ResultCache 的可選設定
type Option func(*ResultCache)

// WithClock 注入時鐘
func WithClock(c clock.PassiveClock) Option {
	return func(rc *ResultCache) { rc.clock = c }
}

// WithSink 設定指標輸出
func WithSink(s metrics.Sink) Option {
	return func(rc *ResultCache) { rc.sink = s }
}

// New 建立結果快取，ttl <= 0 代表不依年齡過期
func New(ttl time.Duration, opts ...Option) *ResultCache {
	rc := &ResultCache{
		ttl:   ttl,
		clock: clock.RealClock{},
		sink:  metrics.NewNoopSink(),
	}
	for _, opt := range opts {
		opt(rc)
	}

	storeTTL := ttlcache.NoTTL
	if ttl > 0 {
		storeTTL = ttl
	}
	rc.store = ttlcache.New[string, *entry](
		ttlcache.WithTTL[string, *entry](storeTTL),
		ttlcache.WithDisableTouchOnHit[string, *entry](),
	)
	return rc
}

// GetOrCompute 命中時回傳快取值與 cached=true，否則呼叫 compute
//
// 錯誤：
//   - 參數無法標準化：原樣回傳
//   - compute 失敗或 panic：包裝成 ErrComputeFailed，不寫入
//   - ctx 在等待期間結束：回傳 ctx.Err()
//
// 同一 key 的併發未命中共用一次計算。計算使用 context.WithoutCancel(ctx)，
// 任一呼叫者取消只會讓它自己提早返回，其他呼叫者仍會拿到結果。
func (rc *ResultCache) GetOrCompute(ctx context.Context, op string, params interface{}, compute ComputeFunc) (interface{}, bool, error) {
	canonical, err := canonicalize(params)
	if err != nil {
		return nil, false, err
	}
	key := deriveKey(op, canonical)

	if v, ok := rc.lookup(key, canonical); ok {
		rc.record(true)
		return v, true, nil
	}

	type flight struct {
		value  interface{}
		cached bool
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := rc.group.DoChan(key, func() (interface{}, error) {
		// 進入 flight 之後再檢查一次（check-then-insert）
		if v, ok := rc.lookup(key, canonical); ok {
			return flight{value: v, cached: true}, nil
		}

		v, err := rc.safeCompute(flightCtx, compute)
		if err != nil {
			return nil, err
		}

		rc.store.Set(key, &entry{
			value:     v,
			canonical: canonical,
			storedAt:  rc.clock.Now(),
		}, ttlcache.DefaultTTL)
		rc.sink.CacheEntries(rc.store.Len())
		return flight{value: v}, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		rc.record(false)
		return nil, false, ctx.Err()
	}
	if res.Err != nil {
		rc.record(false)
		logger().Debug("Cache compute failed", "op", op, "error", res.Err)
		return nil, false, res.Err
	}

	f := res.Val.(flight)
	rc.record(f.cached)
	return f.value, f.cached, nil
}

// lookup 回傳仍然有效的 entry 值
func (rc *ResultCache) lookup(key string, canonical []byte) (interface{}, bool) {
	item := rc.store.Get(key)
	if item == nil {
		return nil, false
	}
	e := item.Value()
	if !bytes.Equal(e.canonical, canonical) {
		return nil, false
	}
	if rc.expired(e) {
		return nil, false
	}

	rc.mu.Lock()
	e.hitCount++
	rc.mu.Unlock()
	return e.value, true
}

func (rc *ResultCache) expired(e *entry) bool {
	return rc.ttl > 0 && rc.clock.Since(e.storedAt) > rc.ttl
}

func (rc *ResultCache) safeCompute(ctx context.Context, compute ComputeFunc) (v interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = fmt.Errorf("%w: panic: %v", ErrComputeFailed, r)
		}
	}()

	v, err = compute(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrComputeFailed, err)
	}
	return v, nil
}

func (rc *ResultCache) record(hit bool) {
	rc.mu.Lock()
	if hit {
		rc.hits++
	} else {
		rc.misses++
	}
	rc.mu.Unlock()
	rc.sink.CacheLookup(hit)
}

// Sweep 刪除所有超過 ttl 的 entry，回傳刪除數量
func (rc *ResultCache) Sweep() int {
	before := rc.store.Len()
	rc.store.DeleteExpired()
	removed := before - rc.store.Len()

	if rc.ttl > 0 {
		for key, item := range rc.store.Items() {
			if rc.expired(item.Value()) {
				rc.store.Delete(key)
				removed++
			}
		}
	}

	rc.sink.CacheEntries(rc.store.Len())
	return removed
}

// Clear 無條件清空快取
func (rc *ResultCache) Clear() {
	rc.store.DeleteAll()
	rc.sink.CacheEntries(0)
}

// Stats 回傳項目數與命中統計
func (rc *ResultCache) Stats() types.CacheStats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return types.CacheStats{
		Entries: rc.store.Len(),
		Hits:    rc.hits,
		Misses:  rc.misses,
	}
}

// HitCount 回傳 (op, params) 對應 entry 的命中次數，不存在時為 0
func (rc *ResultCache) HitCount(op string, params interface{}) uint64 {
	canonical, err := canonicalize(params)
	if err != nil {
		return 0
	}
	item := rc.store.Get(deriveKey(op, canonical))
	if item == nil {
		return 0
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	return item.Value().hitCount
}
