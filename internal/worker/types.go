package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/numgate/pkg/types"
)

// Executor 執行實際計算的外部協作者
// 對 worker 而言是黑盒：可能很慢、可能失敗、可能 panic
type Executor interface {
	Execute(ctx context.Context, kind string, params map[string]interface{}) (interface{}, error)
}

// ExecutorFunc 讓一般函式實作 Executor
type ExecutorFunc func(ctx context.Context, kind string, params map[string]interface{}) (interface{}, error)

// Execute 呼叫 f 本身
func (f ExecutorFunc) Execute(ctx context.Context, kind string, params map[string]interface{}) (interface{}, error) {
	return f(ctx, kind, params)
}

// Task 代表要執行的任務
type Task struct {
	ID     types.JobID            // 任務唯一識別碼
	Kind   string                 // executor 種類
	Params map[string]interface{} // 任務參數
	Ctx    context.Context        // 執行期間的 context，取消或逾時由呼叫者控制
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	Value    interface{}   // executor 回傳值（成功時）
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}

// Success 回報 executor 是否成功
func (r Result) Success() bool {
	return r.Error == nil
}
