// Package executor 維護 job kind 到 executor 函式的註冊表
//
// 註冊表在啟動時建立，之後只讀。未註冊的 kind 會在提交階段就被拒絕，
// 而不是等到執行時才失敗。
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownKind 未註冊的 executor 種類
var ErrUnknownKind = errors.New("unknown executor kind")

// Func 單一 kind 的計算函式
type Func func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Registry kind -> Func 的映射，實作 worker.Executor
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry 建立空的註冊表
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register 註冊 kind，重複註冊或空名稱回傳錯誤
func (r *Registry) Register(kind string, fn Func) error {
	if kind == "" {
		return errors.New("executor kind must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("executor %q: nil func", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[kind]; exists {
		return fmt.Errorf("executor %q already registered", kind)
	}
	r.funcs[kind] = fn
	return nil
}

// MustRegister 同 Register，失敗時 panic（只在啟動時使用）
func (r *Registry) MustRegister(kind string, fn Func) {
	if err := r.Register(kind, fn); err != nil {
		panic(err)
	}
}

// Has 回報 kind 是否已註冊
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[kind]
	return ok
}

// Kinds 回傳排序後的所有 kind
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.funcs))
	for k := range r.funcs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Execute 依 kind 呼叫對應函式
func (r *Registry) Execute(ctx context.Context, kind string, params map[string]interface{}) (interface{}, error) {
	r.mu.RLock()
	fn, ok := r.funcs[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return fn(ctx, params)
}
