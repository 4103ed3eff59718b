package controller

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	testclock "k8s.io/utils/clock/testing"

	"github.com/ChuLiYu/numgate/internal/broadcast"
	"github.com/ChuLiYu/numgate/internal/jobmanager"
	"github.com/ChuLiYu/numgate/internal/metrics"
	"github.com/ChuLiYu/numgate/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// testExecutor 依 kind 模擬各種 executor 行為
type testExecutor struct {
	release chan struct{} // 關閉後 block / stubborn 返回

	mu    sync.Mutex
	order []string // record 的執行順序

	active int32
	peak   int32
}

func newTestExecutor() *testExecutor {
	return &testExecutor{release: make(chan struct{})}
}

func (e *testExecutor) Has(kind string) bool {
	switch kind {
	case "echo", "record", "block", "stubborn", "track", "fail", "panic":
		return true
	}
	return false
}

func (e *testExecutor) Execute(ctx context.Context, kind string, params map[string]interface{}) (interface{}, error) {
	switch kind {
	case "echo":
		return params["value"], nil
	case "record":
		e.mu.Lock()
		e.order = append(e.order, params["name"].(string))
		e.mu.Unlock()
		return nil, nil
	case "block":
		select {
		case <-e.release:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case "stubborn":
		// 不理會 context
		<-e.release
		return "late", nil
	case "track":
		n := atomic.AddInt32(&e.active, 1)
		for {
			p := atomic.LoadInt32(&e.peak)
			if n <= p || atomic.CompareAndSwapInt32(&e.peak, p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&e.active, -1)
		return nil, nil
	case "fail":
		return nil, errors.New("singular matrix")
	case "panic":
		panic("index out of range")
	}
	return nil, fmt.Errorf("unexpected kind %q", kind)
}

func (e *testExecutor) recorded() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

// createTestController creates and starts a test Controller
func createTestController(t *testing.T, maxConcurrent int, exec *testExecutor, opts ...Option) *Controller {
	t.Helper()

	config := DefaultConfig()
	config.MaxConcurrent = maxConcurrent
	config.PollInterval = 10 * time.Millisecond

	controller, err := NewController(config, exec, opts...)
	if err != nil {
		t.Fatalf("Failed to create Controller: %v", err)
	}
	if err := controller.Start(); err != nil {
		t.Fatalf("Failed to start Controller: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		select {
		case <-exec.release:
		default:
			close(exec.release)
		}
		_ = controller.Shutdown(ctx)
	})
	return controller
}

// waitFor waits until checkFunc returns true
func waitFor(t *testing.T, checkFunc func() bool, timeout time.Duration) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if checkFunc() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func statusOf(c *Controller, id types.JobID) types.JobStatus {
	job, err := c.Get(id)
	if err != nil {
		return ""
	}
	return job.Status
}

func waitForStatus(t *testing.T, c *Controller, id types.JobID, want types.JobStatus) {
	t.Helper()
	if !waitFor(t, func() bool { return statusOf(c, id) == want }, 2*time.Second) {
		t.Fatalf("job %s: status = %q, want %q", id, statusOf(c, id), want)
	}
}

func mustSubmit(t *testing.T, c *Controller, kind string, params map[string]interface{}, priority int) types.JobID {
	t.Helper()
	id, err := c.Submit(kind, params, priority)
	if err != nil {
		t.Fatalf("Submit(%s) failed: %v", kind, err)
	}
	return id
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewController tests Controller initialization
func TestNewController(t *testing.T) {
	exec := newTestExecutor()

	if _, err := NewController(Config{MaxConcurrent: 0}, exec); err == nil {
		t.Error("MaxConcurrent 0 should be rejected")
	}
	if _, err := NewController(Config{MaxConcurrent: 1}, nil); err == nil {
		t.Error("nil executor should be rejected")
	}
	if _, err := NewController(Config{MaxConcurrent: 1, MinPriority: 5, MaxPriority: 1}, exec); err == nil {
		t.Error("inverted priority range should be rejected")
	}

	c, err := NewController(Config{MaxConcurrent: 2}, exec)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	if c.config.MinPriority != -1000 || c.config.MaxPriority != 1000 {
		t.Errorf("priority range = [%d, %d], want defaults", c.config.MinPriority, c.config.MaxPriority)
	}
	if cap(c.slots) != 2 {
		t.Errorf("slots capacity = %d, want 2", cap(c.slots))
	}
}

// TestSubmitValidation 驗證失敗時不留下任何狀態
func TestSubmitValidation(t *testing.T) {
	c := createTestController(t, 1, newTestExecutor())

	tests := []struct {
		name     string
		kind     string
		priority int
		wantErr  error
	}{
		{"unknown kind", "fft.forward", 0, ErrUnknownKind},
		{"empty kind", "", 0, ErrUnknownKind},
		{"priority too high", "echo", 1001, ErrInvalidPriority},
		{"priority too low", "echo", -1001, ErrInvalidPriority},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Submit(tt.kind, nil, tt.priority)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Submit() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if n := len(c.List()); n != 0 {
		t.Errorf("List() has %d jobs after rejected submits, want 0", n)
	}
}

// TestBasicWorkflow tests submit -> running -> completed
func TestBasicWorkflow(t *testing.T) {
	c := createTestController(t, 2, newTestExecutor())

	id := mustSubmit(t, c, "echo", map[string]interface{}{"value": 42}, 0)
	waitForStatus(t, c, id, types.StatusCompleted)

	job, _ := c.Get(id)
	if job.Result != 42 {
		t.Errorf("Result = %v, want 42", job.Result)
	}
	if job.Error != "" {
		t.Errorf("Error = %q, want empty", job.Error)
	}
	if job.CreatedAt == 0 || job.StartedAt < job.CreatedAt || job.CompletedAt < job.StartedAt {
		t.Errorf("timestamps not monotonic: %d %d %d", job.CreatedAt, job.StartedAt, job.CompletedAt)
	}
}

// TestSubmitBeforeStart 啟動前提交的任務在 Start 之後執行
func TestSubmitBeforeStart(t *testing.T) {
	exec := newTestExecutor()
	c, err := NewController(Config{MaxConcurrent: 1, PollInterval: 10 * time.Millisecond}, exec)
	if err != nil {
		t.Fatal(err)
	}

	id := mustSubmit(t, c, "echo", map[string]interface{}{"value": "x"}, 0)
	if got := statusOf(c, id); got != types.StatusPending {
		t.Fatalf("status before Start = %q, want pending", got)
	}

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown(context.Background())

	waitForStatus(t, c, id, types.StatusCompleted)
}

// ============================================================================
// Concurrency & Ordering Tests
// ============================================================================

// TestConcurrencyCeiling 10 個任務、上限 4：任何時刻 Running <= 4，最後全部終止
func TestConcurrencyCeiling(t *testing.T) {
	exec := newTestExecutor()
	c := createTestController(t, 4, exec)

	var violations int32
	stop := make(chan struct{})
	var sampler sync.WaitGroup
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if c.RunningCount() > 4 {
				atomic.AddInt32(&violations, 1)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	ids := make([]types.JobID, 10)
	for i := range ids {
		ids[i] = mustSubmit(t, c, "track", nil, 0)
	}

	ok := waitFor(t, func() bool {
		for _, id := range ids {
			if !statusOf(c, id).IsTerminal() {
				return false
			}
		}
		return true
	}, 5*time.Second)
	close(stop)
	sampler.Wait()

	if !ok {
		t.Fatal("not all jobs reached a terminal state")
	}
	if v := atomic.LoadInt32(&violations); v != 0 {
		t.Errorf("RunningCount exceeded 4 in %d samples", v)
	}
	if p := atomic.LoadInt32(&exec.peak); p > 4 {
		t.Errorf("peak concurrent executions = %d, want <= 4", p)
	}
	for _, id := range ids {
		if s := statusOf(c, id); s != types.StatusCompleted {
			t.Errorf("job %s status = %q, want completed", id, s)
		}
	}
}

// TestPriorityOrder 優先權 [1,5,3] 再 [2,5]，上限 1：依 5,5,3,2,1 執行，同優先權 FIFO
func TestPriorityOrder(t *testing.T) {
	exec := newTestExecutor()
	c := createTestController(t, 1, exec)

	blocker := mustSubmit(t, c, "block", nil, 0)
	waitForStatus(t, c, blocker, types.StatusRunning)

	var ids []types.JobID
	submit := func(priorities ...int) {
		for _, p := range priorities {
			name := fmt.Sprintf("p%d-%d", p, len(ids))
			ids = append(ids, mustSubmit(t, c, "record", map[string]interface{}{"name": name}, p))
		}
	}
	submit(1, 5, 3)
	submit(2, 5)

	close(exec.release)
	for _, id := range ids {
		waitForStatus(t, c, id, types.StatusCompleted)
	}

	want := []string{"p5-1", "p5-4", "p3-2", "p2-3", "p1-0"}
	if got := exec.recorded(); !reflect.DeepEqual(got, want) {
		t.Errorf("execution order = %v, want %v", got, want)
	}
}

// TestSetPriorityReorders 調整 pending 任務優先權會改變執行順序
func TestSetPriorityReorders(t *testing.T) {
	exec := newTestExecutor()
	c := createTestController(t, 1, exec)

	blocker := mustSubmit(t, c, "block", nil, 0)
	waitForStatus(t, c, blocker, types.StatusRunning)

	a := mustSubmit(t, c, "record", map[string]interface{}{"name": "a"}, 1)
	b := mustSubmit(t, c, "record", map[string]interface{}{"name": "b"}, 2)

	if err := c.SetPriority(a, 10); err != nil {
		t.Fatalf("SetPriority failed: %v", err)
	}
	if err := c.SetPriority(blocker, 100); !errors.Is(err, jobmanager.ErrNotPending) {
		t.Errorf("SetPriority(running) error = %v, want ErrNotPending", err)
	}
	if err := c.SetPriority(b, 5000); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("SetPriority(out of range) error = %v, want ErrInvalidPriority", err)
	}
	if err := c.SetPriority("missing", 1); !errors.Is(err, jobmanager.ErrJobNotFound) {
		t.Errorf("SetPriority(missing) error = %v, want ErrJobNotFound", err)
	}

	close(exec.release)
	waitForStatus(t, c, a, types.StatusCompleted)
	waitForStatus(t, c, b, types.StatusCompleted)

	if got := exec.recorded(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("execution order = %v, want [a b]", got)
	}
	if job, _ := c.Get(blocker); job.Priority != 0 {
		t.Errorf("running job priority changed to %d", job.Priority)
	}
}

// ============================================================================
// Failure Tests
// ============================================================================

// TestExecutorFailures executor 的錯誤與 panic 都變成 Failed，排程器繼續運作
func TestExecutorFailures(t *testing.T) {
	c := createTestController(t, 2, newTestExecutor())

	failID := mustSubmit(t, c, "fail", nil, 0)
	panicID := mustSubmit(t, c, "panic", nil, 0)

	waitForStatus(t, c, failID, types.StatusFailed)
	waitForStatus(t, c, panicID, types.StatusFailed)

	job, _ := c.Get(failID)
	if job.Error != "singular matrix" || job.Result != nil || job.Cancelled {
		t.Errorf("failed job = %+v", job)
	}
	job, _ = c.Get(panicID)
	if !strings.Contains(job.Error, "executor panicked") || !strings.Contains(job.Error, "index out of range") {
		t.Errorf("panic job error = %q", job.Error)
	}

	// 排程器仍然可用
	ok := mustSubmit(t, c, "echo", map[string]interface{}{"value": 1}, 0)
	waitForStatus(t, c, ok, types.StatusCompleted)
}

// TestJobTimeout 超過 JobTimeout 的任務失敗並歸還執行槽
func TestJobTimeout(t *testing.T) {
	exec := newTestExecutor()
	config := Config{MaxConcurrent: 1, PollInterval: 10 * time.Millisecond, JobTimeout: 50 * time.Millisecond}
	c, err := NewController(config, exec)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown(context.Background())

	id := mustSubmit(t, c, "block", nil, 0)
	waitForStatus(t, c, id, types.StatusFailed)

	job, _ := c.Get(id)
	if job.Error != "job timed out after 50ms" {
		t.Errorf("Error = %q", job.Error)
	}

	next := mustSubmit(t, c, "echo", map[string]interface{}{"value": 1}, 0)
	waitForStatus(t, c, next, types.StatusCompleted)
}

// ============================================================================
// Cancellation Tests
// ============================================================================

func TestCancelPending(t *testing.T) {
	exec := newTestExecutor()
	c := createTestController(t, 1, exec)

	blocker := mustSubmit(t, c, "block", nil, 0)
	waitForStatus(t, c, blocker, types.StatusRunning)

	queued := mustSubmit(t, c, "record", map[string]interface{}{"name": "queued"}, 0)
	if err := c.Cancel(queued); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	job, _ := c.Get(queued)
	if job.Status != types.StatusFailed || !job.Cancelled || job.Error != jobmanager.CancelledMessage {
		t.Errorf("cancelled job = %+v", job)
	}
	if job.StartedAt != 0 {
		t.Errorf("cancelled pending job has StartedAt = %d", job.StartedAt)
	}

	close(exec.release)
	waitForStatus(t, c, blocker, types.StatusCompleted)
	time.Sleep(30 * time.Millisecond)

	if got := exec.recorded(); len(got) != 0 {
		t.Errorf("cancelled job was executed: %v", got)
	}
}

// TestCancelRunning executor 尊重 context 時會被中斷，晚到的結果被丟棄
func TestCancelRunning(t *testing.T) {
	exec := newTestExecutor()
	c := createTestController(t, 1, exec)

	id := mustSubmit(t, c, "block", nil, 0)
	waitForStatus(t, c, id, types.StatusRunning)

	if err := c.Cancel(id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	job, _ := c.Get(id)
	if job.Status != types.StatusFailed || !job.Cancelled {
		t.Fatalf("job after cancel = %+v", job)
	}

	// 執行槽在 executor 返回後歸還
	next := mustSubmit(t, c, "echo", map[string]interface{}{"value": 1}, 0)
	waitForStatus(t, c, next, types.StatusCompleted)

	job, _ = c.Get(id)
	if job.Status != types.StatusFailed || job.Error != jobmanager.CancelledMessage {
		t.Errorf("late result overwrote cancelled job: %+v", job)
	}
}

// TestCancelRunningStubborn 不理會 context 的 executor 會一直占住執行槽
func TestCancelRunningStubborn(t *testing.T) {
	exec := newTestExecutor()
	c := createTestController(t, 1, exec)

	id := mustSubmit(t, c, "stubborn", nil, 0)
	waitForStatus(t, c, id, types.StatusRunning)
	if err := c.Cancel(id); err != nil {
		t.Fatal(err)
	}

	next := mustSubmit(t, c, "echo", map[string]interface{}{"value": 1}, 0)
	time.Sleep(50 * time.Millisecond)
	if s := statusOf(c, next); s != types.StatusPending {
		t.Errorf("next job status = %q while slot is occupied, want pending", s)
	}

	close(exec.release)
	waitForStatus(t, c, next, types.StatusCompleted)

	job, _ := c.Get(id)
	if job.Result != nil || !job.Cancelled {
		t.Errorf("late result recorded: %+v", job)
	}
}

func TestCancelErrors(t *testing.T) {
	c := createTestController(t, 1, newTestExecutor())

	if err := c.Cancel("missing"); !errors.Is(err, jobmanager.ErrJobNotFound) {
		t.Errorf("Cancel(missing) error = %v, want ErrJobNotFound", err)
	}

	id := mustSubmit(t, c, "echo", map[string]interface{}{"value": 1}, 0)
	waitForStatus(t, c, id, types.StatusCompleted)
	if err := c.Cancel(id); !errors.Is(err, jobmanager.ErrAlreadyTerminal) {
		t.Errorf("Cancel(completed) error = %v, want ErrAlreadyTerminal", err)
	}
	if s := statusOf(c, id); s != types.StatusCompleted {
		t.Errorf("terminal job changed to %q", s)
	}
}

// ============================================================================
// Events & Metrics Tests
// ============================================================================

func TestEventsPublished(t *testing.T) {
	b := broadcast.New(16, nil)
	c := createTestController(t, 1, newTestExecutor(), WithPublisher(b))

	sub := b.Subscribe("")
	defer sub.Close()

	id := mustSubmit(t, c, "echo", map[string]interface{}{"value": 1}, 0)

	var got []types.EventType
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-sub.Events():
			if ev.Job.ID != id {
				t.Fatalf("unexpected job %s", ev.Job.ID)
			}
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatalf("received %v, want 3 events", got)
		}
	}

	want := []types.EventType{types.EventSubmitted, types.EventRunning, types.EventCompleted}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

// eventRecorder 依發佈順序記錄事件
type eventRecorder struct {
	mu     sync.Mutex
	events []types.JobEvent
}

func (r *eventRecorder) Publish(event types.JobEvent) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return 1
}

func (r *eventRecorder) typesFor(id types.JobID) []types.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.EventType
	for _, ev := range r.events {
		if ev.Job.ID == id {
			out = append(out, ev.Type)
		}
	}
	return out
}

// TestCancelBeforeRunningPublished 在 StartNext 與 running 事件之間取消，
// 事件序列不可以在 failed 之後又出現 running
func TestCancelBeforeRunningPublished(t *testing.T) {
	rec := &eventRecorder{}
	exec := newTestExecutor()
	c, err := NewController(Config{MaxConcurrent: 1, PollInterval: 10 * time.Millisecond}, exec, WithPublisher(rec))
	if err != nil {
		t.Fatal(err)
	}
	var armed atomic.Bool
	armed.Store(true)
	c.launchHook = func(id types.JobID) {
		if !armed.CompareAndSwap(true, false) {
			return
		}
		if err := c.Cancel(id); err != nil {
			t.Errorf("Cancel in launch window failed: %v", err)
		}
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		close(exec.release)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})

	id := mustSubmit(t, c, "block", nil, 0)
	waitForStatus(t, c, id, types.StatusFailed)

	// 被取消的 block 任務在 executor 返回後歸還執行槽
	next := mustSubmit(t, c, "echo", map[string]interface{}{"value": 1}, 0)
	waitForStatus(t, c, next, types.StatusCompleted)

	want := []types.EventType{types.EventSubmitted, types.EventFailed}
	if got := rec.typesFor(id); !reflect.DeepEqual(got, want) {
		t.Errorf("event sequence = %v, want %v", got, want)
	}
	job, _ := c.Get(id)
	if !job.Cancelled || job.Status != types.StatusFailed {
		t.Errorf("cancelled job = %+v", job)
	}
	if n := c.RunningCount(); n != 0 {
		t.Errorf("running count = %d, want 0", n)
	}
}

func TestMetricsCountedOnce(t *testing.T) {
	exec := newTestExecutor()
	collector := metrics.NewCollector()
	c := createTestController(t, 1, exec, WithSink(collector))

	blocker := mustSubmit(t, c, "block", nil, 0)
	waitForStatus(t, c, blocker, types.StatusRunning)
	queued := mustSubmit(t, c, "echo", map[string]interface{}{"value": 1}, 0)
	if err := c.Cancel(queued); err != nil {
		t.Fatal(err)
	}
	if err := c.Cancel(blocker); err != nil {
		t.Fatal(err)
	}

	done := mustSubmit(t, c, "echo", map[string]interface{}{"value": 1}, 0)
	failed := mustSubmit(t, c, "fail", nil, 0)
	waitForStatus(t, c, done, types.StatusCompleted)
	waitForStatus(t, c, failed, types.StatusFailed)

	// 狀態先轉換，指標隨後更新
	waitFor(t, func() bool {
		s := collector.Snapshot()
		return s.JobsCompleted+s.JobsFailed == 4
	}, time.Second)

	snap := collector.Snapshot()
	if snap.JobsSubmitted != 4 {
		t.Errorf("JobsSubmitted = %d, want 4", snap.JobsSubmitted)
	}
	if snap.JobsCompleted != 1 || snap.JobsFailed != 3 {
		t.Errorf("completed/failed = %d/%d, want 1/3", snap.JobsCompleted, snap.JobsFailed)
	}
	if snap.JobsActive != 0 || snap.JobsRunning != 0 {
		t.Errorf("active/running = %d/%d, want 0/0", snap.JobsActive, snap.JobsRunning)
	}
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestShutdown(t *testing.T) {
	exec := newTestExecutor()
	c, err := NewController(Config{MaxConcurrent: 2, PollInterval: 10 * time.Millisecond}, exec)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}

	running := mustSubmit(t, c, "block", nil, 0)
	waitForStatus(t, c, running, types.StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	job, _ := c.Get(running)
	if job.Status != types.StatusFailed || job.Error != shutdownMessage {
		t.Errorf("interrupted job = %+v", job)
	}

	if _, err := c.Submit("echo", nil, 0); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit after Shutdown error = %v, want ErrStopped", err)
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown error = %v", err)
	}
	if err := c.Start(); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Shutdown error = %v, want ErrStopped", err)
	}
}

// TestShutdownFailsPendingJobs 關閉時仍在佇列中的任務不會停留在 pending
func TestShutdownFailsPendingJobs(t *testing.T) {
	rec := &eventRecorder{}
	exec := newTestExecutor()
	c, err := NewController(Config{MaxConcurrent: 1, PollInterval: 10 * time.Millisecond}, exec, WithPublisher(rec))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}

	running := mustSubmit(t, c, "block", nil, 0)
	waitForStatus(t, c, running, types.StatusRunning)
	queued := mustSubmit(t, c, "echo", map[string]interface{}{"value": 1}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	job, _ := c.Get(queued)
	if job.Status != types.StatusFailed || job.Error != shutdownMessage || job.Cancelled {
		t.Errorf("queued job after Shutdown = %+v", job)
	}
	want := []types.EventType{types.EventSubmitted, types.EventFailed}
	if got := rec.typesFor(queued); !reflect.DeepEqual(got, want) {
		t.Errorf("events for queued job = %v, want %v", got, want)
	}
}

// TestSubmitRacingShutdown 與 Shutdown 併發的 Submit 要嘛被拒絕，要嘛任務有終止狀態
func TestSubmitRacingShutdown(t *testing.T) {
	for round := 0; round < 20; round++ {
		exec := newTestExecutor()
		c, err := NewController(Config{MaxConcurrent: 2, PollInterval: 10 * time.Millisecond}, exec)
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Start(); err != nil {
			t.Fatal(err)
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted []types.JobID
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					id, err := c.Submit("echo", map[string]interface{}{"value": j}, 0)
					if errors.Is(err, ErrStopped) {
						return
					}
					if err != nil {
						t.Errorf("Submit failed: %v", err)
						return
					}
					mu.Lock()
					accepted = append(accepted, id)
					mu.Unlock()
				}
			}()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown failed: %v", err)
		}
		cancel()
		wg.Wait()
		close(exec.release)

		for _, id := range accepted {
			if s := statusOf(c, id); !s.IsTerminal() {
				t.Fatalf("round %d: job %s left in %q after Shutdown", round, id, s)
			}
		}
	}
}

func TestShutdownDeadline(t *testing.T) {
	exec := newTestExecutor()
	c, err := NewController(Config{MaxConcurrent: 1, PollInterval: 10 * time.Millisecond}, exec)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer close(exec.release)

	id := mustSubmit(t, c, "stubborn", nil, 0)
	waitForStatus(t, c, id, types.StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown error = %v, want DeadlineExceeded", err)
	}
}

func TestPruneTerminal(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	c := createTestController(t, 1, newTestExecutor(), WithClock(clk))

	id := mustSubmit(t, c, "echo", map[string]interface{}{"value": 1}, 0)
	waitForStatus(t, c, id, types.StatusCompleted)

	if n := c.PruneTerminal(time.Hour); n != 0 {
		t.Errorf("PruneTerminal removed %d fresh jobs", n)
	}
	clk.Step(2 * time.Hour)
	if n := c.PruneTerminal(0); n != 0 {
		t.Errorf("PruneTerminal(0) removed %d jobs, want disabled", n)
	}
	if n := c.PruneTerminal(time.Hour); n != 1 {
		t.Errorf("PruneTerminal removed %d jobs, want 1", n)
	}
	if _, err := c.Get(id); !errors.Is(err, jobmanager.ErrJobNotFound) {
		t.Errorf("pruned job still present: %v", err)
	}
}

func TestGetStatus(t *testing.T) {
	c := createTestController(t, 3, newTestExecutor())

	id := mustSubmit(t, c, "echo", map[string]interface{}{"value": 1}, 0)
	waitForStatus(t, c, id, types.StatusCompleted)

	status := c.GetStatus()
	if status["max_concurrent"] != 3 {
		t.Errorf("max_concurrent = %v, want 3", status["max_concurrent"])
	}
	if status["completed"] != 1 {
		t.Errorf("completed = %v, want 1", status["completed"])
	}
	if _, ok := status["uptime"]; !ok {
		t.Error("uptime missing")
	}
}
