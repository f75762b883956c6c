package server

import (
	"context"

	"google.golang.org/grpc/codes"

	bspv1 "github.com/ChuLiYu/groombsp/api/v1"
	"github.com/ChuLiYu/groombsp/internal/master"
	"github.com/ChuLiYu/groombsp/pkg/types"
)

func init() {
	bspv1.RegisterError(codes.Unavailable, master.ErrNotReady)
}

// MasterServer exposes a master over gRPC.
type MasterServer struct {
	m *master.Master
}

var _ bspv1.MasterServer = (*MasterServer)(nil)

// NewMasterServer wraps m.
func NewMasterServer(m *master.Master) *MasterServer {
	return &MasterServer{m: m}
}

func (s *MasterServer) RegisterGroom(ctx context.Context, req *bspv1.RegisterGroomRequest) (*bspv1.RegisterGroomResponse, error) {
	interval, err := s.m.RegisterGroom(ctx, req.Groom, req.MaxTasks)
	if err != nil {
		return nil, err
	}
	return &bspv1.RegisterGroomResponse{HeartbeatIntervalMs: interval.Milliseconds()}, nil
}

func (s *MasterServer) Heartbeat(ctx context.Context, hb *types.Heartbeat) (*types.HeartbeatResponse, error) {
	return s.m.Heartbeat(ctx, hb)
}

func (s *MasterServer) SubmitJob(ctx context.Context, req *bspv1.SubmitJobRequest) (*bspv1.SubmitJobResponse, error) {
	id, err := s.m.SubmitJob(ctx, req.Descriptor)
	if err != nil {
		return nil, err
	}
	return &bspv1.SubmitJobResponse{JobID: id}, nil
}

func (s *MasterServer) KillJob(ctx context.Context, req *bspv1.JobRequest) (*bspv1.Empty, error) {
	if err := s.m.KillJob(ctx, req.JobID); err != nil {
		return nil, err
	}
	return &bspv1.Empty{}, nil
}

func (s *MasterServer) JobStatus(ctx context.Context, req *bspv1.JobRequest) (*types.JobStatus, error) {
	st, err := s.m.JobStatus(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *MasterServer) ListJobs(ctx context.Context, _ *bspv1.Empty) (*bspv1.ListJobsResponse, error) {
	jobs, err := s.m.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	return &bspv1.ListJobsResponse{Jobs: jobs}, nil
}

// ClusterStatus answers in every master state, STOPPED included.
func (s *MasterServer) ClusterStatus(context.Context, *bspv1.Empty) (*bspv1.ClusterStatusResponse, error) {
	b, err := s.m.ClusterStatus().MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &bspv1.ClusterStatusResponse{Status: b}, nil
}
