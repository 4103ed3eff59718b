// Package types 定義了 numgate 系統中使用的核心領域模型
package types

import "time"

// JobID 任務唯一識別碼
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending   JobStatus = "pending"   // 待處理狀態：任務已建立但尚未開始執行
	StatusRunning   JobStatus = "running"   // 執行中狀態：任務正在被 executor 處理
	StatusCompleted JobStatus = "completed" // 完成狀態：executor 成功回傳結果
	StatusFailed    JobStatus = "failed"    // 失敗狀態：executor 回傳錯誤、panic 或任務被取消
)

// IsTerminal 回報狀態是否為終止狀態（之後不再有任何轉換）
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job 任務結構，代表系統中的一個非同步工作單元
type Job struct {
	// 識別與資料
	ID     JobID                  `json:"id"`     // 任務唯一識別碼（UUID）
	Kind   string                 `json:"kind"`   // executor 種類
	Params map[string]interface{} `json:"params"` // 原封不動傳給 executor 的參數

	// 排程
	Status   JobStatus `json:"status"`   // 任務當前狀態
	Priority int       `json:"priority"` // 優先權，數值越大越先執行
	Seq      uint64    `json:"seq"`      // 插入序號，相同優先權時 FIFO

	// 結果（終止時互斥設定）
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	Cancelled bool        `json:"cancelled,omitempty"`

	// 時間管理（Unix 毫秒時間戳，0 代表尚未設定，每個只設定一次）
	CreatedAt   int64 `json:"created_at"`
	StartedAt   int64 `json:"started_at,omitempty"`
	CompletedAt int64 `json:"completed_at,omitempty"`
}

// Clone 回傳任務的副本，Params 以淺層方式複製
func (j *Job) Clone() Job {
	c := *j
	if j.Params != nil {
		c.Params = make(map[string]interface{}, len(j.Params))
		for k, v := range j.Params {
			c.Params[k] = v
		}
	}
	return c
}

// Summary 轉換為列表用的精簡資訊
func (j *Job) Summary() JobSummary {
	return JobSummary{
		ID:          j.ID,
		Kind:        j.Kind,
		Status:      j.Status,
		Priority:    j.Priority,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
	}
}

// JobSummary 任務列表項目
type JobSummary struct {
	ID          JobID     `json:"id"`
	Kind        string    `json:"kind"`
	Status      JobStatus `json:"status"`
	Priority    int       `json:"priority"`
	CreatedAt   int64     `json:"created_at"`
	CompletedAt int64     `json:"completed_at,omitempty"`
}

// EventType 狀態變更事件種類
type EventType string

const (
	EventSubmitted EventType = "submitted"
	EventRunning   EventType = "running"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// JobEvent 狀態變更事件，由 Broadcaster 推送給訂閱者
type JobEvent struct {
	Type EventType `json:"type"`
	Job  Job       `json:"job"`
}

// CacheStats 結果快取統計
type CacheStats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

// MetricsSnapshot 全域計數器的唯讀快照
type MetricsSnapshot struct {
	RequestsTotal    uint64        `json:"requests_total"`
	RequestsRejected uint64        `json:"requests_rejected"`
	CacheHits        uint64        `json:"cache_hits"`
	CacheMisses      uint64        `json:"cache_misses"`
	JobsSubmitted    uint64        `json:"jobs_submitted"`
	JobsActive       int64         `json:"jobs_active"`
	JobsRunning      int64         `json:"jobs_running"`
	JobsCompleted    uint64        `json:"jobs_completed"`
	JobsFailed       uint64        `json:"jobs_failed"`
	EventsPublished  uint64        `json:"events_published"`
	EventsDropped    uint64        `json:"events_dropped"`
	Uptime           time.Duration `json:"uptime"`
}
