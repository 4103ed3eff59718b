// ============================================================================
// NumGate Broadcaster - 任務狀態廣播
// ============================================================================
//
// Package: internal/broadcast
// 文件: broadcast.go
// 功能: 把任務狀態轉換事件扇出給所有訂閱者
//
// 投遞語意:
//   - best-effort：每個訂閱者有固定大小的緩衝，滿了就丟棄該訂閱者的這筆事件
//   - Publish 永遠不阻塞，慢的或斷線的訂閱者不會拖住排程器或其他訂閱者
//   - 不同訂閱者之間沒有順序保證；同一訂閱者收到的順序與 Publish 順序一致
//   - 沒有重播：訂閱之前發生的轉換拿不到，需要時請查詢 JobManager
//
// ============================================================================

package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/numgate/internal/metrics"
	"github.com/ChuLiYu/numgate/pkg/types"
)

// DefaultBufferSize 每個訂閱者的預設緩衝大小
const DefaultBufferSize = 64

// Broadcaster 事件扇出器
type Broadcaster struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscription
	nextID     uint64
	bufferSize int
	sink       metrics.Sink
	closed     bool
}

// New 建立 Broadcaster，bufferSize <= 0 時使用 DefaultBufferSize
func New(bufferSize int, sink metrics.Sink) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Broadcaster{
		subs:       make(map[uint64]*Subscription),
		bufferSize: bufferSize,
		sink:       sink,
	}
}

// Subscribe 建立訂閱
// jobID 為空字串時接收所有任務的事件，否則只接收該任務的事件
func (b *Broadcaster) Subscribe(jobID types.JobID) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		filter: jobID,
		ch:     make(chan types.JobEvent, b.bufferSize),
		b:      b,
	}

	// 已關閉的 Broadcaster 回傳立即結束的訂閱
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}

	b.subs[sub.id] = sub
	return sub
}

// Publish 把事件送給所有符合的訂閱者，回傳成功送達數
func (b *Broadcaster) Publish(event types.JobEvent) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered, dropped := 0, 0
	for _, sub := range b.subs {
		if sub.filter != "" && sub.filter != event.Job.ID {
			continue
		}
		select {
		case sub.ch <- event:
			delivered++
		default:
			dropped++
			sub.dropped.Add(1)
		}
	}

	b.sink.EventsPublished(delivered, dropped)
	return delivered
}

// Len 回傳目前訂閱者數量
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close 關閉所有訂閱，之後的 Subscribe 立即結束
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.closed = true
		close(sub.ch)
		delete(b.subs, id)
	}
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Subscription 一個訂閱者
type Subscription struct {
	id     uint64
	filter types.JobID
	ch     chan types.JobEvent
	b      *Broadcaster

	closed  bool          // 由 Broadcaster.mu 保護
	dropped atomic.Uint64 // 多個 Publish 可能同時持有讀鎖
}

// Events 回傳事件 channel，Close 之後會被關閉
func (s *Subscription) Events() <-chan types.JobEvent {
	return s.ch
}

// Close 取消訂閱，可重複呼叫
func (s *Subscription) Close() {
	s.b.remove(s)
}

// Dropped 回傳因緩衝已滿而丟棄的事件數
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}
