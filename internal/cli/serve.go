package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/numgate/internal/admission"
	"github.com/ChuLiYu/numgate/internal/config"
	"github.com/ChuLiYu/numgate/internal/gateway"
	"github.com/ChuLiYu/numgate/internal/janitor"
	"github.com/ChuLiYu/numgate/internal/server"
)

func buildServeCommand(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the NumGate gateway",
		Long:  "Start the gRPC gateway, the metrics endpoint and the background janitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			level, _ := config.ParseLevel(cfg.Log.Level)
			slog.SetLogLoggerLevel(level)

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			lis, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				a.close(context.Background())
				return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
			}
			return a.run(cmd.Context(), lis)
		},
	}

	cmd.Flags().StringVar(&addr, "listen", "", "gRPC listen address (overrides server.addr)")
	return cmd
}

// app 組裝好的服務，run 之前不會開任何 port
type app struct {
	cfg     *config.Config
	core    *gateway.Core
	janitor *janitor.Janitor
	grpc    *server.Server
	redis   *redis.Client
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	var coreOpts []gateway.Option
	if cfg.Admission.Backend == config.BackendRedis {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Admission.RedisAddr})
		coreOpts = append(coreOpts, gateway.WithWindowStore(
			admission.NewRedisStore(a.redis, cfg.Admission.RedisPrefix),
		))
	}

	core, err := gateway.New(cfg.GatewayConfig(), coreOpts...)
	if err != nil {
		a.close(context.Background())
		return nil, err
	}
	a.core = core

	j, err := janitor.ForCore(core, cfg.JanitorConfig())
	if err != nil {
		a.close(context.Background())
		return nil, fmt.Errorf("failed to schedule janitor: %w", err)
	}
	a.janitor = j
	a.grpc = server.NewServer(core)
	return a, nil
}

// run 啟動所有元件，ctx 取消後依序關閉
//
// 關閉順序：gRPC（不再接新請求）→ metrics → janitor → core → redis
func (a *app) run(ctx context.Context, lis net.Listener) error {
	if err := a.core.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	a.janitor.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.grpc.Serve(lis); err != nil {
			return fmt.Errorf("gRPC server failed: %w", err)
		}
		return nil
	})

	var metricsSrv *http.Server
	if a.cfg.Metrics.Enabled {
		metricsSrv = &http.Server{
			Addr:              a.cfg.Metrics.Addr,
			Handler:           a.core.Metrics().NewServeMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("Starting metrics server", "addr", a.cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
	}

	slog.Info("NumGate started",
		"addr", lis.Addr().String(),
		"max_concurrent", a.cfg.Scheduler.MaxConcurrent,
		"admission_backend", a.cfg.Admission.Backend,
	)

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Received shutdown signal, stopping gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		a.grpc.Stop(shutdownCtx)
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("metrics server shutdown", "error", err)
			}
		}
		a.close(shutdownCtx)
		slog.Info("NumGate stopped")
		return nil
	})

	return g.Wait()
}

// close 釋放 gRPC 以外的資源，可重複呼叫
func (a *app) close(ctx context.Context) {
	if a.janitor != nil {
		if err := a.janitor.Stop(ctx); err != nil {
			slog.Warn("janitor stop", "error", err)
		}
	}
	if a.core != nil {
		if err := a.core.Shutdown(ctx); err != nil {
			slog.Warn("scheduler shutdown", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			slog.Warn("redis close", "error", err)
		}
	}
}
