package bspv1

import (
	"context"

	"google.golang.org/grpc"
)

const coordService = "groombsp.v1.Coord"

// CoordServer exposes a coordination namespace to remote sessions.
type CoordServer interface {
	OpenSession(context.Context, *OpenSessionRequest) (*OpenSessionResponse, error)
	KeepAlive(context.Context, *SessionRequest) (*Empty, error)
	CloseSession(context.Context, *SessionRequest) (*Empty, error)
	Create(context.Context, *CreateRequest) (*Empty, error)
	Get(context.Context, *PathRequest) (*GetResponse, error)
	Children(context.Context, *PathRequest) (*ChildrenResponse, error)
	Set(context.Context, *SetRequest) (*StatResponse, error)
	Delete(context.Context, *DeleteRequest) (*Empty, error)
	Watch(*PathRequest, CoordWatchServer) error
}

// CoordWatchServer is the server side of a Watch stream.
type CoordWatchServer interface {
	Send(*WatchEvent) error
	grpc.ServerStream
}

type coordWatchServer struct {
	grpc.ServerStream
}

func (x *coordWatchServer) Send(m *WatchEvent) error {
	return x.ServerStream.SendMsg(m)
}

func coordWatchHandler(srv any, stream grpc.ServerStream) error {
	in := new(PathRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return ToStatus(srv.(CoordServer).Watch(in, &coordWatchServer{stream}))
}

var CoordServiceDesc = grpc.ServiceDesc{
	ServiceName: coordService,
	HandlerType: (*CoordServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "OpenSession",
			Handler: unaryHandler("/"+coordService+"/OpenSession", func(srv any, ctx context.Context, req *OpenSessionRequest) (*OpenSessionResponse, error) {
				return srv.(CoordServer).OpenSession(ctx, req)
			}),
		},
		{
			MethodName: "KeepAlive",
			Handler: unaryHandler("/"+coordService+"/KeepAlive", func(srv any, ctx context.Context, req *SessionRequest) (*Empty, error) {
				return srv.(CoordServer).KeepAlive(ctx, req)
			}),
		},
		{
			MethodName: "CloseSession",
			Handler: unaryHandler("/"+coordService+"/CloseSession", func(srv any, ctx context.Context, req *SessionRequest) (*Empty, error) {
				return srv.(CoordServer).CloseSession(ctx, req)
			}),
		},
		{
			MethodName: "Create",
			Handler: unaryHandler("/"+coordService+"/Create", func(srv any, ctx context.Context, req *CreateRequest) (*Empty, error) {
				return srv.(CoordServer).Create(ctx, req)
			}),
		},
		{
			MethodName: "Get",
			Handler: unaryHandler("/"+coordService+"/Get", func(srv any, ctx context.Context, req *PathRequest) (*GetResponse, error) {
				return srv.(CoordServer).Get(ctx, req)
			}),
		},
		{
			MethodName: "Children",
			Handler: unaryHandler("/"+coordService+"/Children", func(srv any, ctx context.Context, req *PathRequest) (*ChildrenResponse, error) {
				return srv.(CoordServer).Children(ctx, req)
			}),
		},
		{
			MethodName: "Set",
			Handler: unaryHandler("/"+coordService+"/Set", func(srv any, ctx context.Context, req *SetRequest) (*StatResponse, error) {
				return srv.(CoordServer).Set(ctx, req)
			}),
		},
		{
			MethodName: "Delete",
			Handler: unaryHandler("/"+coordService+"/Delete", func(srv any, ctx context.Context, req *DeleteRequest) (*Empty, error) {
				return srv.(CoordServer).Delete(ctx, req)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       coordWatchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "groombsp/v1/coord",
}

func RegisterCoordServer(s grpc.ServiceRegistrar, srv CoordServer) {
	s.RegisterService(&CoordServiceDesc, srv)
}

// CoordClient calls a remote coordination server.
type CoordClient struct {
	cc grpc.ClientConnInterface
}

func NewCoordClient(cc grpc.ClientConnInterface) *CoordClient {
	return &CoordClient{cc: cc}
}

func (c *CoordClient) OpenSession(ctx context.Context, in *OpenSessionRequest, opts ...grpc.CallOption) (*OpenSessionResponse, error) {
	return invoke[OpenSessionResponse](ctx, c.cc, "/"+coordService+"/OpenSession", in, opts)
}

func (c *CoordClient) KeepAlive(ctx context.Context, in *SessionRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "/"+coordService+"/KeepAlive", in, opts)
}

func (c *CoordClient) CloseSession(ctx context.Context, in *SessionRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "/"+coordService+"/CloseSession", in, opts)
}

func (c *CoordClient) Create(ctx context.Context, in *CreateRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "/"+coordService+"/Create", in, opts)
}

func (c *CoordClient) Get(ctx context.Context, in *PathRequest, opts ...grpc.CallOption) (*GetResponse, error) {
	return invoke[GetResponse](ctx, c.cc, "/"+coordService+"/Get", in, opts)
}

func (c *CoordClient) Children(ctx context.Context, in *PathRequest, opts ...grpc.CallOption) (*ChildrenResponse, error) {
	return invoke[ChildrenResponse](ctx, c.cc, "/"+coordService+"/Children", in, opts)
}

func (c *CoordClient) Set(ctx context.Context, in *SetRequest, opts ...grpc.CallOption) (*StatResponse, error) {
	return invoke[StatResponse](ctx, c.cc, "/"+coordService+"/Set", in, opts)
}

func (c *CoordClient) Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "/"+coordService+"/Delete", in, opts)
}

// CoordWatchClient is the client side of a Watch stream.
type CoordWatchClient interface {
	Recv() (*WatchEvent, error)
	grpc.ClientStream
}

type coordWatchClient struct {
	grpc.ClientStream
}

func (x *coordWatchClient) Recv() (*WatchEvent, error) {
	m := new(WatchEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, FromStatus(err)
	}
	return m, nil
}

func (c *CoordClient) Watch(ctx context.Context, in *PathRequest, opts ...grpc.CallOption) (CoordWatchClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &CoordServiceDesc.Streams[0], "/"+coordService+"/Watch", opts...)
	if err != nil {
		return nil, FromStatus(err)
	}
	x := &coordWatchClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, FromStatus(err)
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, FromStatus(err)
	}
	return x, nil
}
