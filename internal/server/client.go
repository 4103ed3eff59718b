package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/numgate/internal/gateway"
	"github.com/ChuLiYu/numgate/pkg/types"
)

// Client is a thin JobGateway client used by the CLI.
type Client struct {
	conn     *grpc.ClientConn
	callerID string
}

// Dial connects to addr without TLS.
func Dial(addr, callerID string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewClient(conn, callerID), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn, callerID string) *Client {
	return &Client{conn: conn, callerID: callerID}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.callerID == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, CallerMetadataKey, c.callerID)
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]interface{}) (*structpb.Struct, error) {
	req, err := toStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.outgoing(ctx), FullMethod(method), req, out); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

// fromStatus 把 status code 轉回 gateway 的錯誤，讓呼叫者可以用 errors.Is
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", gateway.ErrAdmissionRejected, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", gateway.ErrJobNotFound, st.Message())
	default:
		return err
	}
}

// SubmitJob enqueues a job and returns its ID.
func (c *Client) SubmitJob(ctx context.Context, kind string, params map[string]interface{}, priority int) (types.JobID, error) {
	out, err := c.invoke(ctx, MethodSubmitJob, map[string]interface{}{
		"kind":     kind,
		"params":   params,
		"priority": priority,
	})
	if err != nil {
		return "", err
	}
	return types.JobID(stringField(out, "id")), nil
}

// GetJob fetches a job by ID.
func (c *Client) GetJob(ctx context.Context, id types.JobID) (types.Job, error) {
	out, err := c.invoke(ctx, MethodGetJob, map[string]interface{}{"id": string(id)})
	if err != nil {
		return types.Job{}, err
	}
	var resp struct {
		Job types.Job `json:"job"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return types.Job{}, err
	}
	return resp.Job, nil
}

// ListJobs returns job summaries in submission order.
func (c *Client) ListJobs(ctx context.Context) ([]types.JobSummary, error) {
	out, err := c.invoke(ctx, MethodListJobs, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Jobs []types.JobSummary `json:"jobs"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (c *Client) success(ctx context.Context, method string, in map[string]interface{}) (bool, error) {
	out, err := c.invoke(ctx, method, in)
	if err != nil {
		return false, err
	}
	return out.GetFields()["success"].GetBoolValue(), nil
}

// CancelJob cancels a pending or running job.
func (c *Client) CancelJob(ctx context.Context, id types.JobID) (bool, error) {
	return c.success(ctx, MethodCancelJob, map[string]interface{}{"id": string(id)})
}

// SetJobPriority changes the priority of a pending job.
func (c *Client) SetJobPriority(ctx context.Context, id types.JobID, priority int) (bool, error) {
	return c.success(ctx, MethodSetJobPriority, map[string]interface{}{"id": string(id), "priority": priority})
}

// Compute runs op through the result cache.
func (c *Client) Compute(ctx context.Context, op string, params map[string]interface{}) (interface{}, bool, error) {
	out, err := c.invoke(ctx, MethodCompute, map[string]interface{}{"op": op, "params": params})
	if err != nil {
		return nil, false, err
	}
	fields := out.GetFields()
	return fields["value"].AsInterface(), fields["cached"].GetBoolValue(), nil
}

// ClearCache drops every cached result.
func (c *Client) ClearCache(ctx context.Context) error {
	_, err := c.invoke(ctx, MethodClearCache, nil)
	return err
}

// CacheStats returns cache counters.
func (c *Client) CacheStats(ctx context.Context) (types.CacheStats, error) {
	var stats types.CacheStats
	out, err := c.invoke(ctx, MethodCacheStats, nil)
	if err != nil {
		return stats, err
	}
	err = fromStruct(out, &stats)
	return stats, err
}

// Metrics returns the server metrics snapshot.
func (c *Client) Metrics(ctx context.Context) (types.MetricsSnapshot, error) {
	var snap types.MetricsSnapshot
	out, err := c.invoke(ctx, MethodMetrics, nil)
	if err != nil {
		return snap, err
	}
	err = fromStruct(out, &snap)
	return snap, err
}

// Watcher receives job events from a WatchJobs stream.
type Watcher struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
}

// WatchJobs opens an event stream. An empty jobID receives every job's events.
// It returns once the server has registered the subscription.
func (c *Client) WatchJobs(ctx context.Context, jobID types.JobID) (*Watcher, error) {
	ctx, cancel := context.WithCancel(c.outgoing(ctx))
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod(MethodWatchJobs))
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	req, err := structpb.NewStruct(map[string]interface{}{"job_id": string(jobID)})
	if err != nil {
		cancel()
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, err
	}
	if _, err := stream.Header(); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	return &Watcher{stream: stream, cancel: cancel}, nil
}

// Recv blocks for the next event. It returns io.EOF when the server ends the stream.
func (w *Watcher) Recv() (types.JobEvent, error) {
	var event types.JobEvent
	msg := new(structpb.Struct)
	if err := w.stream.RecvMsg(msg); err != nil {
		if errors.Is(err, io.EOF) {
			return event, io.EOF
		}
		return event, fromStatus(err)
	}
	err := fromStruct(msg, &event)
	return event, err
}

// Close ends the stream.
func (w *Watcher) Close() {
	w.cancel()
}
