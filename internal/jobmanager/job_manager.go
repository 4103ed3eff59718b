// ============================================================================
// NumGate 任務管理器 - 任務狀態機與優先權佇列
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理任務的完整生命週期、狀態轉換與 pending 優先權佇列
//
// 設計理念:
//   1. jobs map - 統一的任務存儲，作為單一真實來源 (Single Source of Truth)
//   2. pending heap - 依 priority 由高到低排序，相同 priority 依 Seq（插入順序）FIFO
//   3. running 計數 - 提供排程器 O(1) 的併發數查詢
//
// 任務狀態轉換 (State Machine):
//   Pending (待處理)
//      ↓ StartNext()
//   Running (執行中)
//      ↓ Complete() / Fail()
//   Completed (已完成) / Failed (失敗)
//
//   另外 Cancel() 可以讓 Pending 或 Running 直接進入 Failed（Cancelled = true）。
//   終止狀態之後不允許任何轉換。
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 對外只回傳副本，呼叫者無法修改內部記錄
//
// ============================================================================

package jobmanager

import (
	"container/heap"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/numgate/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務不在執行中狀態
	ErrNotRunning = errors.New("job not running")
	// 任務不在待處理狀態
	ErrNotPending = errors.New("job not pending")
	// 任務已經是終止狀態
	ErrAlreadyTerminal = errors.New("job already in terminal state")
)

// CancelledMessage 取消任務時寫入 Job.Error 的訊息
const CancelledMessage = "job cancelled"

// ============================================================================
// 資料結構定義
// ============================================================================

// JobManager 任務管理器
type JobManager struct {
	mu      sync.RWMutex
	jobs    map[types.JobID]*types.Job // 所有任務的統一儲存，透過 Status 欄位區分狀態
	pending pendingQueue               // 待處理優先權佇列
	items   map[types.JobID]*queueItem // pending 任務在 heap 中的位置
	running int                        // 執行中任務數
	nextSeq uint64                     // 下一個插入序號
}

// NewJobManager 建立新的任務管理器實例
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:    make(map[types.JobID]*types.Job),
		pending: make(pendingQueue, 0),
		items:   make(map[types.JobID]*queueItem),
	}
}

// Enqueue 將新任務加入系統，設定為待處理狀態
//
// 參數說明：
//   - job: 要加入的任務，必須包含唯一 ID
//   - now: 建立時間
//
// 返回值：
//   - types.Job: 已加入任務的副本（含 Seq 與 CreatedAt）
//   - error: 如果任務 ID 重複則回傳 ErrDuplicateJob
func (jm *JobManager) Enqueue(job types.Job, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return types.Job{}, ErrDuplicateJob
	}

	jm.nextSeq++
	job.Status = types.StatusPending
	job.Seq = jm.nextSeq
	job.CreatedAt = now.UnixMilli()
	job.StartedAt = 0
	job.CompletedAt = 0
	job.Result = nil
	job.Error = ""
	job.Cancelled = false

	stored := job.Clone()
	jm.jobs[job.ID] = &stored

	item := &queueItem{id: job.ID, priority: job.Priority, seq: job.Seq}
	heap.Push(&jm.pending, item)
	jm.items[job.ID] = item

	return stored.Clone(), nil
}

// StartNext 取出優先權最高的待處理任務並標記為執行中
//
// 取出與狀態轉換在同一把鎖內完成（dequeue-then-transition），
// 兩個 dispatcher 不可能拿到同一個任務。
//
// 返回值：
//   - types.Job: 任務副本
//   - bool: 佇列為空時為 false
func (jm *JobManager) StartNext(now time.Time) (types.Job, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for jm.pending.Len() > 0 {
		item := heap.Pop(&jm.pending).(*queueItem)
		delete(jm.items, item.id)

		job, exists := jm.jobs[item.id]
		if !exists || job.Status != types.StatusPending {
			continue
		}

		job.Status = types.StatusRunning
		job.StartedAt = now.UnixMilli()
		jm.running++
		return job.Clone(), true
	}

	return types.Job{}, false
}

// Complete 將執行中任務標記為完成
func (jm *JobManager) Complete(jobID types.JobID, result interface{}, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.runningJobLocked(jobID)
	if err != nil {
		return types.Job{}, err
	}

	job.Status = types.StatusCompleted
	job.Result = result
	job.CompletedAt = now.UnixMilli()
	jm.running--

	return job.Clone(), nil
}

// Fail 將執行中任務標記為失敗
func (jm *JobManager) Fail(jobID types.JobID, errMsg string, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.runningJobLocked(jobID)
	if err != nil {
		return types.Job{}, err
	}

	job.Status = types.StatusFailed
	job.Error = errMsg
	job.CompletedAt = now.UnixMilli()
	jm.running--

	return job.Clone(), nil
}

func (jm *JobManager) runningJobLocked(jobID types.JobID) (*types.Job, error) {
	job, exists := jm.jobs[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}
	if job.Status != types.StatusRunning {
		return nil, ErrNotRunning
	}
	return job, nil
}

// Cancel 取消待處理或執行中的任務
//
// 返回值：
//   - types.Job: 取消後的任務副本
//   - types.JobStatus: 取消前的狀態（讓呼叫者決定是否要中斷 executor）
//   - error: ErrJobNotFound / ErrAlreadyTerminal
//
// 注意：執行中任務只會被標記，executor 本身是否停止取決於它是否尊重 context。
func (jm *JobManager) Cancel(jobID types.JobID, now time.Time) (types.Job, types.JobStatus, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[jobID]
	if !exists {
		return types.Job{}, "", ErrJobNotFound
	}

	prev := job.Status
	switch prev {
	case types.StatusPending:
		if item, ok := jm.items[jobID]; ok {
			heap.Remove(&jm.pending, item.index)
			delete(jm.items, jobID)
		}
	case types.StatusRunning:
		jm.running--
	default:
		return types.Job{}, prev, ErrAlreadyTerminal
	}

	job.Status = types.StatusFailed
	job.Error = CancelledMessage
	job.Cancelled = true
	job.CompletedAt = now.UnixMilli()

	return job.Clone(), prev, nil
}

// FailPending 清空待處理佇列，所有 Pending 任務直接標記為 Failed
//
// 依佇列順序回傳轉換後的副本，Cancelled 維持 false
func (jm *JobManager) FailPending(errMsg string, now time.Time) []types.Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	var failed []types.Job
	for jm.pending.Len() > 0 {
		item := heap.Pop(&jm.pending).(*queueItem)
		delete(jm.items, item.id)

		job, exists := jm.jobs[item.id]
		if !exists || job.Status != types.StatusPending {
			continue
		}
		job.Status = types.StatusFailed
		job.Error = errMsg
		job.CompletedAt = now.UnixMilli()
		failed = append(failed, job.Clone())
	}
	return failed
}

// SetPriority 修改待處理任務的優先權並重新排序
//
// 執行中或已終止的任務回傳 ErrNotPending，不做任何修改。
func (jm *JobManager) SetPriority(jobID types.JobID, priority int) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	if job.Status != types.StatusPending {
		return ErrNotPending
	}

	job.Priority = priority
	if item, ok := jm.items[jobID]; ok {
		item.priority = priority
		heap.Fix(&jm.pending, item.index)
	}
	return nil
}

// ============================================================================
// 查詢方法
// ============================================================================

// GetJob 取得任務副本
func (jm *JobManager) GetJob(jobID types.JobID) (types.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[jobID]
	if !exists {
		return types.Job{}, ErrJobNotFound
	}
	return job.Clone(), nil
}

// List 依插入順序回傳所有任務摘要
func (jm *JobManager) List() []types.JobSummary {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.JobSummary, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		out = append(out, job.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		return jm.jobs[out[i].ID].Seq < jm.jobs[out[j].ID].Seq
	})
	return out
}

// RunningCount 回傳目前執行中的任務數
func (jm *JobManager) RunningCount() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.running
}

// PendingCount 回傳目前待處理的任務數
func (jm *JobManager) PendingCount() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.pending.Len()
}

// Stats 取得各狀態任務的統計資訊
//
// 使用範例：
//
//	stats := jm.Stats()
//	log.Info("queue", "pending", stats["pending"], "running", stats["running"])
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[string]int{
		"pending":   0,
		"running":   0,
		"completed": 0,
		"failed":    0,
	}
	for _, job := range jm.jobs {
		stats[string(job.Status)]++
	}
	return stats
}

// Prune 刪除在 before 之前進入終止狀態的任務
//
// 返回值：
//   - int: 被刪除的任務數
func (jm *JobManager) Prune(before time.Time) int {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	cutoff := before.UnixMilli()
	removed := 0
	for id, job := range jm.jobs {
		if job.Status.IsTerminal() && job.CompletedAt < cutoff {
			delete(jm.jobs, id)
			removed++
		}
	}
	return removed
}
