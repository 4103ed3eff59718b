// ============================================================================
// NumGate Config - 設定載入
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 預設值 → YAML 設定檔 → .env → 環境變數（NUMGATE_ 前綴）→ Validate
//
// 環境變數命名: NUMGATE_<SECTION>_<FIELD>（欄位名稱依大小寫切成底線），例如
//   NUMGATE_SERVER_ADDR=:50052
//   NUMGATE_ADMISSION_MAX_PER_WINDOW=500
//   NUMGATE_SCHEDULER_MAX_CONCURRENT=8
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/numgate/internal/admission"
	"github.com/ChuLiYu/numgate/internal/controller"
	"github.com/ChuLiYu/numgate/internal/gateway"
	"github.com/ChuLiYu/numgate/internal/janitor"
)

// EnvPrefix 環境變數前綴
const EnvPrefix = "NUMGATE"

// ErrInvalidConfig Validate 失敗時包裝的錯誤
var ErrInvalidConfig = errors.New("invalid configuration")

// 限流儲存後端
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config represents the complete system configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
	Admission AdmissionConfig `yaml:"admission"`
	Cache     CacheConfig     `yaml:"cache"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" split_words:"true"`
	Addr    string `yaml:"addr" split_words:"true"`
}

type LogConfig struct {
	Level  string `yaml:"level" split_words:"true"`  // debug | info | warn | error
	Format string `yaml:"format" split_words:"true"` // text | json
}

type AdmissionConfig struct {
	MaxPerWindow  int           `yaml:"max_per_window" split_words:"true"`
	Window        time.Duration `yaml:"window" split_words:"true"`
	Backend       string        `yaml:"backend" split_words:"true"`
	RedisAddr     string        `yaml:"redis_addr" split_words:"true"`
	RedisPrefix   string        `yaml:"redis_prefix" split_words:"true"`
	SweepInterval time.Duration `yaml:"sweep_interval" split_words:"true"`
}

type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl" split_words:"true"`
	SweepInterval time.Duration `yaml:"sweep_interval" split_words:"true"`
}

type SchedulerConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent" split_words:"true"`
	PollInterval  time.Duration `yaml:"poll_interval" split_words:"true"`
	JobTimeout    time.Duration `yaml:"job_timeout" split_words:"true"`
	MinPriority   int           `yaml:"min_priority" split_words:"true"`
	MaxPriority   int           `yaml:"max_priority" split_words:"true"`
	Retention     time.Duration `yaml:"retention" split_words:"true"`
	PruneInterval time.Duration `yaml:"prune_interval" split_words:"true"`
}

type BroadcastConfig struct {
	BufferSize int `yaml:"buffer_size" split_words:"true"`
}

// Default 回傳預設設定
func Default() *Config {
	sched := controller.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:            ":50051",
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Admission: AdmissionConfig{
			MaxPerWindow:  100,
			Window:        60 * time.Second,
			Backend:       BackendMemory,
			RedisPrefix:   admission.DefaultRedisPrefix,
			SweepInterval: time.Minute,
		},
		Cache: CacheConfig{
			TTL:           1000 * time.Millisecond,
			SweepInterval: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent: sched.MaxConcurrent,
			PollInterval:  sched.PollInterval,
			JobTimeout:    sched.JobTimeout,
			MinPriority:   sched.MinPriority,
			MaxPriority:   sched.MaxPriority,
			Retention:     time.Hour,
			PruneInterval: time.Minute,
		},
		Broadcast: BroadcastConfig{
			BufferSize: 64,
		},
	}
}

// Load 依序套用預設值、YAML 檔、.env 與環境變數，最後驗證
//
// path 為空或檔案不存在時只使用預設值；.env 不存在時忽略。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Debug("config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		}
	}

	// .env 不會覆蓋 shell 已經設定的變數
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查所有欄位，一次回報全部錯誤
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr must not be empty")
	check(c.Server.ShutdownTimeout > 0, "server.shutdown_timeout must be positive")
	check(!c.Metrics.Enabled || c.Metrics.Addr != "", "metrics.addr must not be empty when metrics are enabled")

	_, err := ParseLevel(c.Log.Level)
	check(err == nil, "log.level: %v", err)
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json, got %q", c.Log.Format)

	// max_per_window <= 0 表示不限流
	check(c.Admission.MaxPerWindow <= 0 || c.Admission.Window > 0, "admission.window must be positive when limiting is enabled")
	switch c.Admission.Backend {
	case BackendMemory:
	case BackendRedis:
		check(c.Admission.RedisAddr != "", "admission.redis_addr is required for the redis backend")
	default:
		errs = append(errs, fmt.Errorf("admission.backend must be memory or redis, got %q", c.Admission.Backend))
	}
	check(c.Admission.SweepInterval >= 0, "admission.sweep_interval must not be negative")

	check(c.Cache.SweepInterval >= 0, "cache.sweep_interval must not be negative")

	check(c.Scheduler.MaxConcurrent >= 1, "scheduler.max_concurrent must be at least 1")
	check(c.Scheduler.PollInterval > 0, "scheduler.poll_interval must be positive")
	check(c.Scheduler.JobTimeout >= 0, "scheduler.job_timeout must not be negative")
	check(c.Scheduler.MinPriority <= c.Scheduler.MaxPriority, "scheduler.min_priority must not exceed max_priority")
	check(c.Scheduler.Retention >= 0, "scheduler.retention must not be negative")
	check(c.Scheduler.PruneInterval >= 0, "scheduler.prune_interval must not be negative")

	check(c.Broadcast.BufferSize >= 1, "broadcast.buffer_size must be at least 1")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// GatewayConfig 轉成 gateway.Core 的組裝參數
func (c *Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		Admission: admission.Config{
			MaxPerWindow: c.Admission.MaxPerWindow,
			Window:       c.Admission.Window,
		},
		CacheTTL: c.Cache.TTL,
		Scheduler: controller.Config{
			MaxConcurrent: c.Scheduler.MaxConcurrent,
			PollInterval:  c.Scheduler.PollInterval,
			JobTimeout:    c.Scheduler.JobTimeout,
			MinPriority:   c.Scheduler.MinPriority,
			MaxPriority:   c.Scheduler.MaxPriority,
		},
		BroadcastBuffer: c.Broadcast.BufferSize,
	}
}

// JanitorConfig 轉成清理任務的間隔設定
func (c *Config) JanitorConfig() janitor.Config {
	return janitor.Config{
		CacheSweep:     c.Cache.SweepInterval,
		AdmissionSweep: c.Admission.SweepInterval,
		PruneInterval:  c.Scheduler.PruneInterval,
		Retention:      c.Scheduler.Retention,
	}
}

// ParseLevel 解析日誌等級
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}
