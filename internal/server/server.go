package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/numgate/internal/gateway"
	"github.com/ChuLiYu/numgate/pkg/types"
)

// logger 每次呼叫時才取 slog.Default()，serve 之後設定的 handler 才會生效
func logger() *slog.Logger {
	return slog.Default().With("component", "server")
}

// CallerMetadataKey identifies the caller for admission control.
// When absent the peer host is used.
const CallerMetadataKey = "x-caller-id"

// Server implements JobGatewayServer on top of a gateway.Core.
type Server struct {
	core *gateway.Core
	grpc *grpc.Server

	// closing 通知 WatchJobs 結束，否則 GracefulStop 會一直等
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates a new gRPC server instance with admission and logging
// interceptors installed and the JobGateway service registered.
func NewServer(core *gateway.Core, opts ...grpc.ServerOption) *Server {
	s := &Server{core: core, closing: make(chan struct{})}
	opts = append(opts,
		grpc.ChainUnaryInterceptor(s.unaryLogging, s.unaryAdmission),
		grpc.ChainStreamInterceptor(s.streamLogging, s.streamAdmission),
	)
	s.grpc = grpc.NewServer(opts...)
	RegisterJobGatewayServer(s.grpc, s)
	return s
}

// Serve blocks serving lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	logger().Info("gRPC server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop drains in-flight RPCs and falls back to a hard stop when ctx expires.
func (s *Server) Stop(ctx context.Context) {
	s.closeOnce.Do(func() { close(s.closing) })

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger().Warn("graceful stop timed out, forcing")
		s.grpc.Stop()
		<-done
	}
}

// ============================================================================
// Interceptors
// ============================================================================

func callerKey(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(CallerMetadataKey); len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}

func (s *Server) unaryAdmission(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if err := s.core.Admit(ctx, callerKey(ctx)); err != nil {
		return nil, toStatus(err)
	}
	return handler(ctx, req)
}

func (s *Server) streamAdmission(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := s.core.Admit(ss.Context(), callerKey(ss.Context())); err != nil {
		return toStatus(err)
	}
	return handler(srv, ss)
}

func (s *Server) unaryLogging(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	if code == codes.Internal || code == codes.Unknown {
		logger().Error("rpc failed", "method", info.FullMethod, "code", code.String(), "error", err)
	} else {
		logger().Debug("rpc", "method", info.FullMethod, "code", code.String(), "duration", time.Since(start))
	}
	return resp, err
}

func (s *Server) streamLogging(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	logger().Debug("stream closed", "method", info.FullMethod, "code", status.Code(err).String(), "duration", time.Since(start))
	return err
}

// toStatus maps gateway errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, gateway.ErrAdmissionRejected):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, gateway.ErrJobNotFound):
		return status.Error(codes.NotFound, err.Error())
	case gateway.IsValidation(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		// 包含 cache.ErrComputeFailed
		return status.Error(codes.Internal, err.Error())
	}
}

func invalid(field string, err error) error {
	return status.Error(codes.InvalidArgument, (&gateway.ValidationError{Field: field, Reason: err.Error()}).Error())
}

func respond(v interface{}) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func jobID(req *structpb.Struct) (types.JobID, error) {
	id := stringField(req, "id")
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "invalid id: must not be empty")
	}
	return types.JobID(id), nil
}

// ============================================================================
// JobGateway RPCs
// ============================================================================

// SubmitJob handles {"kind", "params", "priority"} and returns {"id"}.
func (s *Server) SubmitJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	params, err := mapField(req, "params")
	if err != nil {
		return nil, invalid("params", err)
	}
	priority, err := intField(req, "priority", 0)
	if err != nil {
		return nil, invalid("priority", err)
	}

	id, err := s.core.SubmitJob(stringField(req, "kind"), params, priority)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]interface{}{"id": id})
}

// GetJob handles {"id"} and returns {"job"}.
func (s *Server) GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobID(req)
	if err != nil {
		return nil, err
	}
	job, err := s.core.GetJob(id)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]interface{}{"job": job})
}

// ListJobs returns {"jobs"} in submission order.
func (s *Server) ListJobs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return respond(map[string]interface{}{"jobs": s.core.ListJobs()})
}

// CancelJob handles {"id"} and returns {"success"}.
func (s *Server) CancelJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobID(req)
	if err != nil {
		return nil, err
	}
	return respond(map[string]interface{}{"success": s.core.CancelJob(id)})
}

// SetJobPriority handles {"id", "priority"} and returns {"success"}.
func (s *Server) SetJobPriority(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobID(req)
	if err != nil {
		return nil, err
	}
	if _, ok := req.GetFields()["priority"]; !ok {
		return nil, status.Error(codes.InvalidArgument, "invalid priority: required")
	}
	priority, err := intField(req, "priority", 0)
	if err != nil {
		return nil, invalid("priority", err)
	}
	ok, err := s.core.SetJobPriority(id, priority)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]interface{}{"success": ok})
}

// Compute handles {"op", "params"} and returns {"value", "cached"}.
func (s *Server) Compute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	params, err := mapField(req, "params")
	if err != nil {
		return nil, invalid("params", err)
	}
	value, cached, err := s.core.Compute(ctx, stringField(req, "op"), params)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]interface{}{"value": value, "cached": cached})
}

// ClearCache drops every cached result.
func (s *Server) ClearCache(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.core.ClearCache()
	return respond(map[string]interface{}{"success": true})
}

// CacheStats returns {"entries", "hits", "misses"}.
func (s *Server) CacheStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return respond(s.core.CacheStats())
}

// Metrics returns the metrics snapshot.
func (s *Server) Metrics(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return respond(s.core.MetricsSnapshot())
}

// WatchJobs streams job events, optionally filtered by {"job_id"}, until the
// client goes away or the gateway shuts down.
func (s *Server) WatchJobs(req *structpb.Struct, stream grpc.ServerStream) error {
	sub := s.core.SubscribeStatus(types.JobID(stringField(req, "job_id")))
	defer sub.Close()

	// header 先送出，讓 client 知道訂閱已經建立
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closing:
			return nil
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			msg, err := toStruct(event)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}
