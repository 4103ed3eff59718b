package metrics

import (
	"github.com/ChuLiYu/numgate/pkg/types"
)

// Sink 各元件回報事件的介面，Collector 與 NoopSink 都實作它
// 元件只依賴這個介面，測試時可以不啟動 Prometheus
type Sink interface {
	// 請求准入
	AdmissionDecision(allowed bool)
	AdmissionStoreError()

	// 結果快取
	CacheLookup(hit bool)
	CacheEntries(n int)

	// 任務生命週期
	JobSubmitted()
	JobStarted()
	// JobFinished 任務進入終止狀態時呼叫，每個任務恰好一次
	// wasRunning 表示離開的是 running 狀態（取消 pending 任務時為 false）
	JobFinished(job types.Job, wasRunning bool)
	QueueDepth(pending int)

	// 狀態廣播
	EventsPublished(delivered, dropped int)
}

// NoopSink 不做任何事的 Sink
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (NoopSink) AdmissionDecision(allowed bool)             {}
func (NoopSink) AdmissionStoreError()                       {}
func (NoopSink) CacheLookup(hit bool)                       {}
func (NoopSink) CacheEntries(n int)                         {}
func (NoopSink) JobSubmitted()                              {}
func (NoopSink) JobStarted()                                {}
func (NoopSink) JobFinished(job types.Job, wasRunning bool) {}
func (NoopSink) QueueDepth(pending int)                     {}
func (NoopSink) EventsPublished(delivered, dropped int)     {}

var (
	_ Sink = NoopSink{}
	_ Sink = (*Collector)(nil)
)
