package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/numgate/internal/admission"
	"github.com/ChuLiYu/numgate/internal/controller"
	"github.com/ChuLiYu/numgate/internal/gateway"
	"github.com/ChuLiYu/numgate/pkg/types"
)

func testConfig() gateway.Config {
	sched := controller.DefaultConfig()
	sched.PollInterval = 10 * time.Millisecond
	return gateway.Config{
		Admission:       admission.Config{MaxPerWindow: 1000, Window: time.Minute},
		CacheTTL:        time.Minute,
		Scheduler:       sched,
		BroadcastBuffer: 32,
	}
}

// startServer 透過 bufconn 啟動 server，回傳 client 與 core
func startServer(t *testing.T, cfg gateway.Config, callerID string) (*Client, *gateway.Core) {
	t.Helper()

	core, err := gateway.New(cfg)
	require.NoError(t, err)
	require.NoError(t, core.Start())

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(core)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	client := NewClient(conn, callerID)

	t.Cleanup(func() {
		_ = client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
		_ = core.Shutdown(ctx)
	})
	return client, core
}

func waitStatus(t *testing.T, client *Client, id types.JobID, want types.JobStatus) types.Job {
	t.Helper()
	var job types.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = client.GetJob(context.Background(), id)
		return err == nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestSubmitAndGetJob(t *testing.T) {
	client, _ := startServer(t, testConfig(), "tester")
	ctx := context.Background()

	id, err := client.SubmitJob(ctx, "stats.describe", map[string]interface{}{
		"data": []float64{1, 2, 3, 4},
	}, 2)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job := waitStatus(t, client, id, types.StatusCompleted)
	assert.Equal(t, "stats.describe", job.Kind)
	assert.Equal(t, 2, job.Priority)
	assert.NotZero(t, job.CompletedAt)

	result, ok := job.Result.(map[string]interface{})
	require.True(t, ok, "result should decode as an object, got %T", job.Result)
	assert.Equal(t, 4.0, result["count"])
	assert.Equal(t, 2.5, result["mean"])
}

func TestSubmitValidation(t *testing.T) {
	client, _ := startServer(t, testConfig(), "tester")
	ctx := context.Background()

	_, err := client.SubmitJob(ctx, "no.such.kind", nil, 0)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.SubmitJob(ctx, "debug.sleep", nil, 5000)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGetJobNotFound(t *testing.T) {
	client, _ := startServer(t, testConfig(), "tester")

	_, err := client.GetJob(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, gateway.ErrJobNotFound))
}

func TestListCancelAndPriority(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.MaxConcurrent = 1
	client, _ := startServer(t, cfg, "tester")
	ctx := context.Background()

	blocker, err := client.SubmitJob(ctx, "debug.sleep", map[string]interface{}{"ms": 5000}, 0)
	require.NoError(t, err)
	waitStatus(t, client, blocker, types.StatusRunning)

	queued, err := client.SubmitJob(ctx, "debug.sleep", map[string]interface{}{"ms": 1}, 0)
	require.NoError(t, err)

	ok, err := client.SetJobPriority(ctx, queued, 7)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = client.SetJobPriority(ctx, queued, 5000)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	jobs, err := client.ListJobs(ctx)
	require.NoError(t, err)
	gotIDs := make([]types.JobID, 0, len(jobs))
	for _, j := range jobs {
		gotIDs = append(gotIDs, j.ID)
	}
	if diff := cmp.Diff([]types.JobID{blocker, queued}, gotIDs); diff != "" {
		t.Errorf("ListJobs order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 7, jobs[1].Priority)

	ok, err = client.CancelJob(ctx, blocker)
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := client.GetJob(ctx, blocker)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.True(t, job.Cancelled)

	// 已終止的任務不能再取消
	ok, err = client.CancelJob(ctx, blocker)
	require.NoError(t, err)
	assert.False(t, ok)

	waitStatus(t, client, queued, types.StatusCompleted)
	ok, err = client.SetJobPriority(ctx, queued, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestComputeCached(t *testing.T) {
	client, _ := startServer(t, testConfig(), "tester")
	ctx := context.Background()
	params := map[string]interface{}{"data": []int{3, 1, 2}}

	first, cached, err := client.Compute(ctx, "stats.describe", params)
	require.NoError(t, err)
	assert.False(t, cached)

	second, cached, err := client.Compute(ctx, "stats.describe", params)
	require.NoError(t, err)
	assert.True(t, cached)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("cached value differs (-first +second):\n%s", diff)
	}

	stats, err := client.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.CacheStats{Entries: 1, Hits: 1, Misses: 1}, stats)

	require.NoError(t, client.ClearCache(ctx))
	stats, err = client.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Entries)
}

func TestComputeErrors(t *testing.T) {
	client, _ := startServer(t, testConfig(), "tester")
	ctx := context.Background()

	_, _, err := client.Compute(ctx, "no.such.op", nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, _, err = client.Compute(ctx, "debug.fail", map[string]interface{}{"message": "boom"})
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestAdmissionRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Admission = admission.Config{MaxPerWindow: 3, Window: time.Hour}
	client, _ := startServer(t, cfg, "limited")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.ListJobs(ctx)
		require.NoError(t, err, "request %d", i+1)
	}

	_, err := client.ListJobs(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gateway.ErrAdmissionRejected))

	// 其他 caller 有自己的窗口
	other := NewClient(client.conn, "other")
	_, err = other.ListJobs(ctx)
	assert.NoError(t, err)
}

func TestMetrics(t *testing.T) {
	client, _ := startServer(t, testConfig(), "tester")
	ctx := context.Background()

	id, err := client.SubmitJob(ctx, "debug.fail", nil, 0)
	require.NoError(t, err)
	waitStatus(t, client, id, types.StatusFailed)

	require.Eventually(t, func() bool {
		snap, err := client.Metrics(ctx)
		return err == nil && snap.JobsFailed == 1
	}, 5*time.Second, 10*time.Millisecond)

	snap, err := client.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.JobsSubmitted)
	assert.GreaterOrEqual(t, snap.RequestsTotal, uint64(3))
	assert.Zero(t, snap.RequestsRejected)
}

func TestWatchJobs(t *testing.T) {
	client, _ := startServer(t, testConfig(), "tester")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	watcher, err := client.WatchJobs(ctx, "")
	require.NoError(t, err)
	defer watcher.Close()

	id, err := client.SubmitJob(ctx, "debug.sleep", map[string]interface{}{"ms": 1}, 0)
	require.NoError(t, err)

	var got []types.EventType
	for len(got) < 3 {
		event, err := watcher.Recv()
		require.NoError(t, err)
		assert.Equal(t, id, event.Job.ID)
		got = append(got, event.Type)
	}
	assert.Equal(t, []types.EventType{types.EventSubmitted, types.EventRunning, types.EventCompleted}, got)
}

func TestWatchJobsFiltered(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.MaxConcurrent = 1
	client, _ := startServer(t, cfg, "tester")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := client.SubmitJob(ctx, "debug.sleep", map[string]interface{}{"ms": 50}, 0)
	require.NoError(t, err)
	second, err := client.SubmitJob(ctx, "debug.sleep", map[string]interface{}{"ms": 1}, 0)
	require.NoError(t, err)

	watcher, err := client.WatchJobs(ctx, second)
	require.NoError(t, err)
	defer watcher.Close()

	for {
		event, err := watcher.Recv()
		require.NoError(t, err)
		require.Equal(t, second, event.Job.ID, "filtered stream leaked job %s", first)
		if event.Type == types.EventCompleted {
			break
		}
	}
}

func TestWatchEndsOnShutdown(t *testing.T) {
	client, core := startServer(t, testConfig(), "tester")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	watcher, err := client.WatchJobs(ctx, "")
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, core.Shutdown(ctx))

	_, err = watcher.Recv()
	assert.Error(t, err)
}
