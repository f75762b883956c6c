package master

import (
	"context"

	"google.golang.org/grpc"

	bspv1 "github.com/ChuLiYu/groombsp/api/v1"
	"github.com/ChuLiYu/groombsp/pkg/types"
)

// GroomClient is the master's handle on one groom.
type GroomClient interface {
	AssignTask(ctx context.Context, a types.Assignment) error
	KillJob(ctx context.Context, id types.JobID) error
	Close() error
}

// Dialer connects to a groom that just registered.
type Dialer func(ctx context.Context, g types.GroomIdentity) (GroomClient, error)

type grpcGroom struct {
	conn   *grpc.ClientConn
	client *bspv1.GroomClient
}

// GrpcDialer dials grooms at their advertised RPC address.
func GrpcDialer(opts ...grpc.DialOption) Dialer {
	return func(_ context.Context, g types.GroomIdentity) (GroomClient, error) {
		conn, err := bspv1.Dial(g.RPCAddr(), opts...)
		if err != nil {
			return nil, err
		}
		return &grpcGroom{conn: conn, client: bspv1.NewGroomClient(conn)}, nil
	}
}

func (g *grpcGroom) AssignTask(ctx context.Context, a types.Assignment) error {
	_, err := g.client.AssignTask(ctx, &a)
	return err
}

func (g *grpcGroom) KillJob(ctx context.Context, id types.JobID) error {
	_, err := g.client.KillJob(ctx, &bspv1.JobRequest{JobID: id})
	return err
}

func (g *grpcGroom) Close() error { return g.conn.Close() }
