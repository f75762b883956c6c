package bspv1

import (
	"context"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/groombsp/pkg/types"
)

const groomService = "groombsp.v1.Groom"

// GroomServer is implemented by groom servers and called by the master.
type GroomServer interface {
	AssignTask(context.Context, *types.Assignment) (*Empty, error)
	KillJob(context.Context, *JobRequest) (*Empty, error)
	Status(context.Context, *Empty) (*GroomStatusResponse, error)
}

var GroomServiceDesc = grpc.ServiceDesc{
	ServiceName: groomService,
	HandlerType: (*GroomServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "AssignTask",
			Handler: unaryHandler("/"+groomService+"/AssignTask", func(srv any, ctx context.Context, req *types.Assignment) (*Empty, error) {
				return srv.(GroomServer).AssignTask(ctx, req)
			}),
		},
		{
			MethodName: "KillJob",
			Handler: unaryHandler("/"+groomService+"/KillJob", func(srv any, ctx context.Context, req *JobRequest) (*Empty, error) {
				return srv.(GroomServer).KillJob(ctx, req)
			}),
		},
		{
			MethodName: "Status",
			Handler: unaryHandler("/"+groomService+"/Status", func(srv any, ctx context.Context, req *Empty) (*GroomStatusResponse, error) {
				return srv.(GroomServer).Status(ctx, req)
			}),
		},
	},
	Metadata: "groombsp/v1/groom",
}

func RegisterGroomServer(s grpc.ServiceRegistrar, srv GroomServer) {
	s.RegisterService(&GroomServiceDesc, srv)
}

// GroomClient calls a remote groom server.
type GroomClient struct {
	cc grpc.ClientConnInterface
}

func NewGroomClient(cc grpc.ClientConnInterface) *GroomClient {
	return &GroomClient{cc: cc}
}

func (c *GroomClient) AssignTask(ctx context.Context, in *types.Assignment, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "/"+groomService+"/AssignTask", in, opts)
}

func (c *GroomClient) KillJob(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "/"+groomService+"/KillJob", in, opts)
}

func (c *GroomClient) Status(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*GroomStatusResponse, error) {
	return invoke[GroomStatusResponse](ctx, c.cc, "/"+groomService+"/Status", in, opts)
}
