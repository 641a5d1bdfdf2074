package api

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "sectorsync.v1.Sync"

// syncServer is the handler type checked by grpc.Server.RegisterService.
type syncServer interface {
	WatchEvents(*WatchRequest, grpc.ServerStream) error
}

// ServiceDesc describes the Sync service for gRPC registration and clients.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*syncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", (*Service).GetStatus),
		unary("Connect", (*Service).Connect),
		unary("Disconnect", (*Service).Disconnect),
		unary("ListContacts", (*Service).ListContacts),
		unary("RefreshContacts", (*Service).RefreshContacts),
		unary("GetUnread", (*Service).GetUnread),
		unary("OpenConversation", (*Service).OpenConversation),
		unary("LoadOlder", (*Service).LoadOlder),
		unary("ListMessages", (*Service).ListMessages),
		unary("SendMessage", (*Service).SendMessage),
		unary("RetryMessage", (*Service).RetryMessage),
		unary("MarkRead", (*Service).MarkRead),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(WatchRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(*Service).WatchEvents(in, stream)
			},
		},
	},
	Metadata: "sectorsync/v1/sync",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary adapts a typed Service method to a grpc.MethodDesc.
func unary[Req, Resp any](name string, call func(*Service, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(*Service)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*Req))
			})
		},
	}
}
