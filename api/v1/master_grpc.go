package bspv1

import (
	"context"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/groombsp/pkg/types"
)

const masterService = "groombsp.v1.Master"

// MasterServer is implemented by the BSP master.
type MasterServer interface {
	RegisterGroom(context.Context, *RegisterGroomRequest) (*RegisterGroomResponse, error)
	Heartbeat(context.Context, *types.Heartbeat) (*types.HeartbeatResponse, error)
	SubmitJob(context.Context, *SubmitJobRequest) (*SubmitJobResponse, error)
	KillJob(context.Context, *JobRequest) (*Empty, error)
	JobStatus(context.Context, *JobRequest) (*types.JobStatus, error)
	ListJobs(context.Context, *Empty) (*ListJobsResponse, error)
	ClusterStatus(context.Context, *Empty) (*ClusterStatusResponse, error)
}

// MasterServiceDesc describes the master service for grpc.Server.
var MasterServiceDesc = grpc.ServiceDesc{
	ServiceName: masterService,
	HandlerType: (*MasterServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterGroom",
			Handler: unaryHandler("/"+masterService+"/RegisterGroom", func(srv any, ctx context.Context, req *RegisterGroomRequest) (*RegisterGroomResponse, error) {
				return srv.(MasterServer).RegisterGroom(ctx, req)
			}),
		},
		{
			MethodName: "Heartbeat",
			Handler: unaryHandler("/"+masterService+"/Heartbeat", func(srv any, ctx context.Context, req *types.Heartbeat) (*types.HeartbeatResponse, error) {
				return srv.(MasterServer).Heartbeat(ctx, req)
			}),
		},
		{
			MethodName: "SubmitJob",
			Handler: unaryHandler("/"+masterService+"/SubmitJob", func(srv any, ctx context.Context, req *SubmitJobRequest) (*SubmitJobResponse, error) {
				return srv.(MasterServer).SubmitJob(ctx, req)
			}),
		},
		{
			MethodName: "KillJob",
			Handler: unaryHandler("/"+masterService+"/KillJob", func(srv any, ctx context.Context, req *JobRequest) (*Empty, error) {
				return srv.(MasterServer).KillJob(ctx, req)
			}),
		},
		{
			MethodName: "JobStatus",
			Handler: unaryHandler("/"+masterService+"/JobStatus", func(srv any, ctx context.Context, req *JobRequest) (*types.JobStatus, error) {
				return srv.(MasterServer).JobStatus(ctx, req)
			}),
		},
		{
			MethodName: "ListJobs",
			Handler: unaryHandler("/"+masterService+"/ListJobs", func(srv any, ctx context.Context, req *Empty) (*ListJobsResponse, error) {
				return srv.(MasterServer).ListJobs(ctx, req)
			}),
		},
		{
			MethodName: "ClusterStatus",
			Handler: unaryHandler("/"+masterService+"/ClusterStatus", func(srv any, ctx context.Context, req *Empty) (*ClusterStatusResponse, error) {
				return srv.(MasterServer).ClusterStatus(ctx, req)
			}),
		},
	},
	Metadata: "groombsp/v1/master",
}

// RegisterMasterServer registers srv on s.
func RegisterMasterServer(s grpc.ServiceRegistrar, srv MasterServer) {
	s.RegisterService(&MasterServiceDesc, srv)
}

// MasterClient calls a remote master.
type MasterClient struct {
	cc grpc.ClientConnInterface
}

func NewMasterClient(cc grpc.ClientConnInterface) *MasterClient {
	return &MasterClient{cc: cc}
}

func (c *MasterClient) RegisterGroom(ctx context.Context, in *RegisterGroomRequest, opts ...grpc.CallOption) (*RegisterGroomResponse, error) {
	return invoke[RegisterGroomResponse](ctx, c.cc, "/"+masterService+"/RegisterGroom", in, opts)
}

func (c *MasterClient) Heartbeat(ctx context.Context, in *types.Heartbeat, opts ...grpc.CallOption) (*types.HeartbeatResponse, error) {
	return invoke[types.HeartbeatResponse](ctx, c.cc, "/"+masterService+"/Heartbeat", in, opts)
}

func (c *MasterClient) SubmitJob(ctx context.Context, in *SubmitJobRequest, opts ...grpc.CallOption) (*SubmitJobResponse, error) {
	return invoke[SubmitJobResponse](ctx, c.cc, "/"+masterService+"/SubmitJob", in, opts)
}

func (c *MasterClient) KillJob(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "/"+masterService+"/KillJob", in, opts)
}

func (c *MasterClient) JobStatus(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (*types.JobStatus, error) {
	return invoke[types.JobStatus](ctx, c.cc, "/"+masterService+"/JobStatus", in, opts)
}

func (c *MasterClient) ListJobs(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*ListJobsResponse, error) {
	return invoke[ListJobsResponse](ctx, c.cc, "/"+masterService+"/ListJobs", in, opts)
}

func (c *MasterClient) ClusterStatus(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*ClusterStatusResponse, error) {
	return invoke[ClusterStatusResponse](ctx, c.cc, "/"+masterService+"/ClusterStatus", in, opts)
}
