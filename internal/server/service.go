package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName gRPC 服務全名
//
// 所有訊息都是 google.protobuf.Struct，服務描述手寫在這裡而不是由 .proto 產生，
// 欄位名稱請見各 handler。
const ServiceName = "numgate.v1.JobGateway"

// 方法名稱
const (
	MethodSubmitJob      = "SubmitJob"
	MethodGetJob         = "GetJob"
	MethodListJobs       = "ListJobs"
	MethodCancelJob      = "CancelJob"
	MethodSetJobPriority = "SetJobPriority"
	MethodCompute        = "Compute"
	MethodClearCache     = "ClearCache"
	MethodCacheStats     = "CacheStats"
	MethodMetrics        = "Metrics"
	MethodWatchJobs      = "WatchJobs"
)

// FullMethod 回傳 "/numgate.v1.JobGateway/<method>"
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// JobGatewayServer 服務端介面
type JobGatewayServer interface {
	SubmitJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetJobPriority(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Compute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClearCache(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CacheStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Metrics(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchJobs(*structpb.Struct, grpc.ServerStream) error
}

type unaryCall func(JobGatewayServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// unaryMethod 把一個 unary 呼叫包成 MethodDesc，並套用攔截器
func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(JobGatewayServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchJobsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(JobGatewayServer).WatchJobs(in, stream)
}

// ServiceDesc JobGateway 的服務描述
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobGatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodSubmitJob, JobGatewayServer.SubmitJob),
		unaryMethod(MethodGetJob, JobGatewayServer.GetJob),
		unaryMethod(MethodListJobs, JobGatewayServer.ListJobs),
		unaryMethod(MethodCancelJob, JobGatewayServer.CancelJob),
		unaryMethod(MethodSetJobPriority, JobGatewayServer.SetJobPriority),
		unaryMethod(MethodCompute, JobGatewayServer.Compute),
		unaryMethod(MethodClearCache, JobGatewayServer.ClearCache),
		unaryMethod(MethodCacheStats, JobGatewayServer.CacheStats),
		unaryMethod(MethodMetrics, JobGatewayServer.Metrics),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchJobs,
			Handler:       watchJobsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "numgate/v1/job_gateway.proto",
}

// RegisterJobGatewayServer 註冊服務
func RegisterJobGatewayServer(s grpc.ServiceRegistrar, srv JobGatewayServer) {
	s.RegisterService(&ServiceDesc, srv)
}
