package server

import (
	"context"

	bspv1 "github.com/ChuLiYu/groombsp/api/v1"
	"github.com/ChuLiYu/groombsp/internal/groom"
	"github.com/ChuLiYu/groombsp/pkg/types"
)

// GroomServer exposes a groom's slots to the master over gRPC.
type GroomServer struct {
	g *groom.Groom
}

var _ bspv1.GroomServer = (*GroomServer)(nil)

// NewGroomServer wraps g.
func NewGroomServer(g *groom.Groom) *GroomServer {
	return &GroomServer{g: g}
}

func (s *GroomServer) AssignTask(ctx context.Context, a *types.Assignment) (*bspv1.Empty, error) {
	if err := s.g.AssignTask(ctx, *a); err != nil {
		return nil, err
	}
	return &bspv1.Empty{}, nil
}

func (s *GroomServer) KillJob(ctx context.Context, req *bspv1.JobRequest) (*bspv1.Empty, error) {
	s.g.KillJob(ctx, req.JobID)
	return &bspv1.Empty{}, nil
}

func (s *GroomServer) Status(context.Context, *bspv1.Empty) (*bspv1.GroomStatusResponse, error) {
	return &bspv1.GroomStatusResponse{
		Groom:    s.g.Identity(),
		MaxTasks: s.g.MaxTasks(),
		Tasks:    s.g.Status(),
	}, nil
}
