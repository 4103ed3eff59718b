// ============================================================================
// NumGate CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running the gateway and talking to it
//
// Command Structure:
//   numgate                          # Root command
//   ├── serve                        # Start gRPC gateway + metrics + janitor
//   ├── submit   --kind --params     # Submit an async job (--wait to follow it)
//   ├── status   [job-id]            # One job, or job list + metrics
//   ├── cancel   <job-id>            # Cancel a pending or running job
//   ├── priority <job-id> <n>        # Change a pending job's priority
//   ├── watch    [job-id]            # Stream job events
//   └── compute  --op --params       # Synchronous cached computation
//
// Persistent flags:
//   --config, -c   YAML config file (default: configs/default.yaml)
//   --addr         gateway address for client commands
//   --caller       caller ID sent as x-caller-id (admission key)
//
// Examples:
//   ./numgate serve -c configs/default.yaml
//   ./numgate submit --kind stats.describe --params '{"data":[1,2,3]}' --priority 5
//   ./numgate watch
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/numgate/internal/config"
	"github.com/ChuLiYu/numgate/internal/server"
	"github.com/ChuLiYu/numgate/pkg/types"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=..."
var Version = "0.1.0"

type rootOptions struct {
	configFile string
	addr       string
	callerID   string
	timeout    time.Duration
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "numgate",
		Short: "NumGate: job orchestration and resource control for numeric workloads",
		Long: `NumGate sits in front of a computation engine and provides:
- per-caller fixed-window rate limiting
- a TTL result cache for synchronous calls
- a priority job queue with bounded concurrency
- live job status streaming`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "configs/default.yaml", "config file path")
	flags.StringVar(&opts.addr, "addr", "localhost:50051", "gateway address for client commands")
	flags.StringVar(&opts.callerID, "caller", "", "caller ID used for rate limiting (default: peer address)")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-request timeout for client commands")

	rootCmd.AddCommand(
		buildServeCommand(opts),
		buildSubmitCommand(opts),
		buildStatusCommand(opts),
		buildCancelCommand(opts),
		buildPriorityCommand(opts),
		buildWatchCommand(opts),
		buildComputeCommand(opts),
	)

	return rootCmd
}

func (o *rootOptions) dial() (*server.Client, error) {
	return server.Dial(o.addr, o.callerID)
}

func (o *rootOptions) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, o.timeout)
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
}

func parseParams(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var params map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	return params, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand(opts *rootOptions) *cobra.Command {
	var (
		kind     string
		params   string
		priority int
		wait     bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an asynchronous job",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			client, err := opts.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			// 先訂閱再送出，才不會漏掉 running/completed
			var watcher *server.Watcher
			if wait {
				watcher, err = client.WatchJobs(cmd.Context(), "")
				if err != nil {
					return fmt.Errorf("failed to watch jobs: %w", err)
				}
				defer watcher.Close()
			}

			ctx, cancel := opts.requestContext(cmd)
			id, err := client.SubmitJob(ctx, kind, p, priority)
			cancel()
			if err != nil {
				return fmt.Errorf("failed to submit job: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)

			if !wait {
				return nil
			}
			for {
				event, err := watcher.Recv()
				if err != nil {
					return fmt.Errorf("watch ended before job finished: %w", err)
				}
				if event.Job.ID != id || !event.Job.Status.IsTerminal() {
					continue
				}
				if err := printJSON(cmd.OutOrStdout(), event.Job); err != nil {
					return err
				}
				if event.Job.Status == types.StatusFailed {
					return fmt.Errorf("job %s failed: %s", id, event.Job.Error)
				}
				return nil
			}
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "", "job kind, e.g. stats.describe")
	cmd.Flags().StringVarP(&params, "params", "p", "", "job parameters as a JSON object")
	cmd.Flags().IntVar(&priority, "priority", 0, "job priority, higher runs first")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the job to finish and print it")
	_ = cmd.MarkFlagRequired("kind")

	return cmd
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show job status, or the job list and metrics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := opts.requestContext(cmd)
			defer cancel()

			if len(args) == 1 {
				job, err := client.GetJob(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			}

			jobs, err := client.ListJobs(ctx)
			if err != nil {
				return err
			}
			snap, err := client.Metrics(ctx)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), jobs, snap)
		},
	}
}

func printStatus(w io.Writer, jobs []types.JobSummary, snap types.MetricsSnapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tPRIORITY\tCREATED")
	for _, j := range jobs {
		created := humanize.Time(time.UnixMilli(j.CreatedAt))
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", j.ID, j.Kind, j.Status, j.Priority, created)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Requests:  %s total, %s rejected\n", humanize.Comma(int64(snap.RequestsTotal)), humanize.Comma(int64(snap.RequestsRejected)))
	fmt.Fprintf(w, "Cache:     %s hits, %s misses\n", humanize.Comma(int64(snap.CacheHits)), humanize.Comma(int64(snap.CacheMisses)))
	fmt.Fprintf(w, "Jobs:      %s submitted, %d active, %d running, %s completed, %s failed\n",
		humanize.Comma(int64(snap.JobsSubmitted)), snap.JobsActive, snap.JobsRunning,
		humanize.Comma(int64(snap.JobsCompleted)), humanize.Comma(int64(snap.JobsFailed)))
	fmt.Fprintf(w, "Uptime:    %s\n", snap.Uptime.Round(time.Second))
	return nil
}

// ============================================================================
// cancel / priority
// ============================================================================

func buildCancelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := opts.requestContext(cmd)
			defer cancel()

			ok, err := client.CancelJob(ctx, types.JobID(args[0]))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("job %s not found or already finished", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
}

func buildPriorityCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "priority <job-id> <priority>",
		Short: "Change the priority of a pending job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("priority must be an integer: %w", err)
			}
			client, err := opts.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := opts.requestContext(cmd)
			defer cancel()

			ok, err := client.SetJobPriority(ctx, types.JobID(args[0]), priority)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("job %s is not pending", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s priority=%d\n", args[0], priority)
			return nil
		},
	}
}

// ============================================================================
// watch
// ============================================================================

func buildWatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [job-id]",
		Short: "Stream job status events (one JSON object per line)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter types.JobID
			if len(args) == 1 {
				filter = types.JobID(args[0])
			}

			client, err := opts.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			watcher, err := client.WatchJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			defer watcher.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				event, err := watcher.Recv()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					if cmd.Context().Err() != nil {
						return nil
					}
					return err
				}
				if err := enc.Encode(event); err != nil {
					return err
				}
				// 指定任務結束後就不會再有事件
				if filter != "" && event.Job.Status.IsTerminal() {
					return nil
				}
			}
		},
	}
}

// ============================================================================
// compute
// ============================================================================

func buildComputeCommand(opts *rootOptions) *cobra.Command {
	var (
		op     string
		params string
	)

	cmd := &cobra.Command{
		Use:   "compute",
		Short: "Run a synchronous computation through the result cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			client, err := opts.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := opts.requestContext(cmd)
			defer cancel()

			value, cached, err := client.Compute(ctx, op, p)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"value":  value,
				"cached": cached,
			})
		},
	}

	cmd.Flags().StringVarP(&op, "op", "o", "", "operation name, e.g. stats.describe")
	cmd.Flags().StringVarP(&params, "params", "p", "", "operation parameters as a JSON object")
	_ = cmd.MarkFlagRequired("op")

	return cmd
}

// Execute runs the CLI with a context cancelled on SIGINT/SIGTERM and
// exits non-zero on error.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := BuildCLI().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
