package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ChuLiYu/numgate/internal/admission"
	"github.com/ChuLiYu/numgate/internal/config"
	"github.com/ChuLiYu/numgate/internal/gateway"
	"github.com/ChuLiYu/numgate/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <concurrency|cache|ratelimit|all>")
		os.Exit(1)
	}

	cfg, err := config.Load("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	mode := os.Args[1]
	run := map[string]func(*config.Config) error{
		"concurrency": demoConcurrency,
		"cache":       demoCache,
		"ratelimit":   demoRateLimit,
	}

	if mode == "all" {
		for _, name := range []string{"concurrency", "cache", "ratelimit"} {
			if err := run[name](cfg); err != nil {
				log.Fatalf("%s demo failed: %v", name, err)
			}
		}
		return
	}

	fn, ok := run[mode]
	if !ok {
		log.Fatalf("unknown demo %q", mode)
	}
	if err := fn(cfg); err != nil {
		log.Fatalf("%s demo failed: %v", mode, err)
	}
}

func startCore(gc gateway.Config) (*gateway.Core, func(), error) {
	core, err := gateway.New(gc)
	if err != nil {
		return nil, nil, err
	}
	if err := core.Start(); err != nil {
		return nil, nil, err
	}
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = core.Shutdown(ctx)
	}
	return core, stop, nil
}

// demoConcurrency 10 個任務、併發上限 4
func demoConcurrency(cfg *config.Config) error {
	gc := cfg.GatewayConfig()
	gc.Scheduler.MaxConcurrent = 4
	gc.Scheduler.PollInterval = 10 * time.Millisecond

	core, stop, err := startCore(gc)
	if err != nil {
		return err
	}
	defer stop()

	fmt.Printf("\n⚡ Scenario A: 10 jobs, max_concurrent=%d\n", gc.Scheduler.MaxConcurrent)

	ids := make([]types.JobID, 0, 10)
	for i := 0; i < 10; i++ {
		id, err := core.SubmitJob("debug.sleep", map[string]interface{}{"ms": 300}, 0)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	peak := 0
	for {
		running := core.Controller().RunningCount()
		if running > peak {
			peak = running
		}
		snap := core.MetricsSnapshot()
		fmt.Printf("📊 Status: Active=%d, Running=%d, Completed=%d\n", snap.JobsActive, running, snap.JobsCompleted)
		if allTerminal(core, ids) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Printf("✓ All 10 jobs finished, peak running=%d\n", peak)
	return nil
}

func allTerminal(core *gateway.Core, ids []types.JobID) bool {
	for _, id := range ids {
		job, err := core.GetJob(id)
		if err != nil || !job.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// demoCache 相同呼叫兩次，第二次命中
func demoCache(cfg *config.Config) error {
	core, stop, err := startCore(cfg.GatewayConfig())
	if err != nil {
		return err
	}
	defer stop()

	fmt.Printf("\n💾 Scenario B: same call twice within ttl=%s\n", cfg.Cache.TTL)

	params := map[string]interface{}{"data": []interface{}{1.0, 2.0, 3.0, 4.0, 100.0}}
	for i := 1; i <= 2; i++ {
		start := time.Now()
		value, cached, err := core.Compute(context.Background(), "stats.describe", params)
		if err != nil {
			return err
		}
		fmt.Printf("  call %d: cached=%v took=%s value=%+v\n", i, cached, time.Since(start), value)
	}

	stats := core.CacheStats()
	fmt.Printf("✓ Cache: entries=%d hits=%d misses=%d\n", stats.Entries, stats.Hits, stats.Misses)
	return nil
}

// demoRateLimit 101 次呼叫，第 101 次被拒絕，窗口結束後恢復
//
// 為了不用等 60 秒，這裡把窗口縮短成 2 秒，上限不變。
func demoRateLimit(cfg *config.Config) error {
	gc := cfg.GatewayConfig()
	gc.Admission = admission.Config{MaxPerWindow: cfg.Admission.MaxPerWindow, Window: 2 * time.Second}
	if gc.Admission.MaxPerWindow <= 0 {
		gc.Admission.MaxPerWindow = 100
	}

	core, stop, err := startCore(gc)
	if err != nil {
		return err
	}
	defer stop()

	limit := gc.Admission.MaxPerWindow
	fmt.Printf("\n🚦 Scenario C: %d calls allowed per %s\n", limit, gc.Admission.Window)

	ctx := context.Background()
	admitted := 0
	for i := 0; i < limit+1; i++ {
		err := core.Admit(ctx, "demo-caller")
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, gateway.ErrAdmissionRejected):
			fmt.Printf("  call %d: ❌ %v\n", i+1, err)
		default:
			return err
		}
	}
	fmt.Printf("  admitted %d/%d\n", admitted, limit+1)

	fmt.Printf("⏳ Waiting %s for the window to reset...\n", gc.Admission.Window)
	time.Sleep(gc.Admission.Window)

	if err := core.Admit(ctx, "demo-caller"); err != nil {
		return fmt.Errorf("call after window reset: %w", err)
	}
	fmt.Println("✓ Call after reset admitted")

	snap := core.MetricsSnapshot()
	fmt.Printf("✓ Metrics: requests=%d rejected=%d\n", snap.RequestsTotal, snap.RequestsRejected)
	return nil
}
