package coord

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"

	bspv1 "github.com/ChuLiYu/groombsp/api/v1"
)

func init() {
	bspv1.RegisterError(codes.AlreadyExists, ErrNodeExists)
	bspv1.RegisterError(codes.NotFound, ErrNoNode)
	bspv1.RegisterError(codes.FailedPrecondition, ErrVersionMismatch)
	bspv1.RegisterError(codes.FailedPrecondition, ErrNotEmpty)
	bspv1.RegisterError(codes.FailedPrecondition, ErrNoChildrenForEphemerals)
	bspv1.RegisterError(codes.Unauthenticated, ErrSessionExpired)
	bspv1.RegisterError(codes.InvalidArgument, ErrBadPath)
}

// GRPCServer serves a Tree to remote sessions. Every call from a session
// counts as a keepalive.
type GRPCServer struct {
	tree       *Tree
	defaultTTL time.Duration
	logger     *slog.Logger
}

var _ bspv1.CoordServer = (*GRPCServer)(nil)

// NewGRPCServer exposes tree. Sessions that ask for no ttl get defaultTTL.
func NewGRPCServer(tree *Tree, defaultTTL time.Duration) *GRPCServer {
	return &GRPCServer{
		tree:       tree,
		defaultTTL: defaultTTL,
		logger:     slog.With("component", "coord-server"),
	}
}

func (s *GRPCServer) session(id int64) (*Session, error) {
	if err := s.tree.KeepAlive(id); err != nil {
		return nil, err
	}
	sess, ok := s.tree.Session(id)
	if !ok {
		return nil, ErrSessionExpired
	}
	return sess, nil
}

func (s *GRPCServer) OpenSession(_ context.Context, req *bspv1.OpenSessionRequest) (*bspv1.OpenSessionResponse, error) {
	ttl := time.Duration(req.TTLMs) * time.Millisecond
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	sess := s.tree.NewSession(ttl)
	s.logger.Debug("Session opened", "session", sess.ID(), "ttl", ttl)
	return &bspv1.OpenSessionResponse{SessionID: sess.ID()}, nil
}

func (s *GRPCServer) KeepAlive(_ context.Context, req *bspv1.SessionRequest) (*bspv1.Empty, error) {
	if err := s.tree.KeepAlive(req.SessionID); err != nil {
		return nil, err
	}
	return &bspv1.Empty{}, nil
}

func (s *GRPCServer) CloseSession(_ context.Context, req *bspv1.SessionRequest) (*bspv1.Empty, error) {
	s.tree.ExpireSession(req.SessionID)
	s.logger.Debug("Session closed", "session", req.SessionID)
	return &bspv1.Empty{}, nil
}

func (s *GRPCServer) Create(ctx context.Context, req *bspv1.CreateRequest) (*bspv1.Empty, error) {
	sess, err := s.session(req.SessionID)
	if err != nil {
		return nil, err
	}
	mode := Persistent
	if req.Ephemeral {
		mode = Ephemeral
	}
	if err := sess.Create(ctx, req.Path, req.Data, mode); err != nil {
		return nil, err
	}
	return &bspv1.Empty{}, nil
}

func (s *GRPCServer) Get(ctx context.Context, req *bspv1.PathRequest) (*bspv1.GetResponse, error) {
	sess, err := s.session(req.SessionID)
	if err != nil {
		return nil, err
	}
	data, st, err := sess.Get(ctx, req.Path)
	if err != nil {
		return nil, err
	}
	return &bspv1.GetResponse{Data: data, Stat: toWireStat(st)}, nil
}

func (s *GRPCServer) Children(ctx context.Context, req *bspv1.PathRequest) (*bspv1.ChildrenResponse, error) {
	sess, err := s.session(req.SessionID)
	if err != nil {
		return nil, err
	}
	names, err := sess.Children(ctx, req.Path)
	if err != nil {
		return nil, err
	}
	return &bspv1.ChildrenResponse{Names: names}, nil
}

func (s *GRPCServer) Set(ctx context.Context, req *bspv1.SetRequest) (*bspv1.StatResponse, error) {
	sess, err := s.session(req.SessionID)
	if err != nil {
		return nil, err
	}
	st, err := sess.Set(ctx, req.Path, req.Data, req.Version)
	if err != nil {
		return nil, err
	}
	return &bspv1.StatResponse{Stat: toWireStat(st)}, nil
}

func (s *GRPCServer) Delete(ctx context.Context, req *bspv1.DeleteRequest) (*bspv1.Empty, error) {
	sess, err := s.session(req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.Delete(ctx, req.Path, req.Version); err != nil {
		return nil, err
	}
	return &bspv1.Empty{}, nil
}

// Watch registers a watch, confirms it with an empty event and then streams
// the one event it fires.
func (s *GRPCServer) Watch(req *bspv1.PathRequest, stream bspv1.CoordWatchServer) error {
	sess, err := s.session(req.SessionID)
	if err != nil {
		return err
	}
	ctx := stream.Context()
	ch, err := sess.Watch(ctx, req.Path)
	if err != nil {
		return err
	}
	if err := stream.Send(&bspv1.WatchEvent{Path: req.Path}); err != nil {
		return err
	}
	select {
	case ev := <-ch:
		return stream.Send(&bspv1.WatchEvent{Type: int(ev.Type), Path: ev.Path})
	case <-ctx.Done():
		return ctx.Err()
	}
}

func toWireStat(st Stat) bspv1.NodeStat {
	return bspv1.NodeStat{
		Version:     st.Version,
		NumChildren: st.NumChildren,
		Ephemeral:   st.Ephemeral,
		Owner:       st.Owner,
	}
}

func fromWireStat(st bspv1.NodeStat) Stat {
	return Stat{
		Version:     st.Version,
		NumChildren: st.NumChildren,
		Ephemeral:   st.Ephemeral,
		Owner:       st.Owner,
	}
}
