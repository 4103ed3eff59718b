package janitor

import (
	"time"

	"github.com/ChuLiYu/numgate/internal/admission"
	"github.com/ChuLiYu/numgate/internal/gateway"
)

// Config 各清理任務的間隔，0 表示停用
type Config struct {
	CacheSweep     time.Duration
	AdmissionSweep time.Duration
	PruneInterval  time.Duration
	// Retention 終止任務保留多久，0 表示永久保留
	Retention time.Duration
}

// ForCore 建立一個清理 core 的 Janitor（尚未 Start）
func ForCore(core *gateway.Core, cfg Config) (*Janitor, error) {
	j := New()

	if err := j.Every(TaskCacheSweep, cfg.CacheSweep, core.Cache().Sweep); err != nil {
		return nil, err
	}

	gate := core.Gate()
	if store, ok := gate.Store().(*admission.MemoryStore); ok {
		sweep := func() int { return store.Sweep(gate.Now()) }
		if err := j.Every(TaskAdmissionSweep, cfg.AdmissionSweep, sweep); err != nil {
			return nil, err
		}
	}

	if cfg.Retention > 0 {
		prune := func() int { return core.Controller().PruneTerminal(cfg.Retention) }
		if err := j.Every(TaskJobPrune, cfg.PruneInterval, prune); err != nil {
			return nil, err
		}
	}

	return j, nil
}
