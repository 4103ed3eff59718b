package admission

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 行程內的視窗表
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*Window
}

// NewMemoryStore 建立空的視窗表
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*Window)}
}

// Take 在同一把鎖內完成「檢查再遞增」
func (s *MemoryStore) Take(_ context.Context, key string, now time.Time, window time.Duration, max int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.ResetAt) {
		s.windows[key] = &Window{Count: 1, ResetAt: now.Add(window)}
		return true, nil
	}

	if w.Count >= max {
		return false, nil
	}
	w.Count++
	return true, nil
}

// Peek 回傳 key 目前的視窗副本
func (s *MemoryStore) Peek(key string) (Window, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		return Window{}, false
	}
	return *w, true
}

// Sweep 刪除已經過期的視窗，回傳刪除數量
// 過期視窗在下一次 Take 時本來就會被重設，Sweep 只是為了限制 map 大小
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, w := range s.windows {
		if !now.Before(w.ResetAt) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// Len 回傳目前追蹤的呼叫者數量
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
