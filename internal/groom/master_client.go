// ============================================================================
// Master client - how a groom talks to its master
// ============================================================================
//
// Package: internal/groom
// File: master_client.go
//
// A groom needs two calls from the master: registration and heartbeats.
// Both the in-process master and the gRPC client satisfy MasterClient, so
// the same groom runs in a local cluster and in a distributed deployment.
//
// ============================================================================

package groom

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"

	bspv1 "github.com/ChuLiYu/groombsp/api/v1"
	"github.com/ChuLiYu/groombsp/pkg/types"
)

// MasterClient is the master as seen by a groom.
type MasterClient interface {
	// RegisterGroom announces the groom and returns the heartbeat interval
	// the master expects.
	RegisterGroom(ctx context.Context, groom types.GroomIdentity, maxTasks int) (time.Duration, error)
	// Heartbeat reports the groom's slots and tasks.
	Heartbeat(ctx context.Context, hb *types.Heartbeat) (*types.HeartbeatResponse, error)
}

// GrpcMaster is a MasterClient backed by a gRPC connection.
type GrpcMaster struct {
	client *bspv1.MasterClient
}

var _ MasterClient = (*GrpcMaster)(nil)

// NewGrpcMaster wraps an established connection to the master.
func NewGrpcMaster(conn grpc.ClientConnInterface) *GrpcMaster {
	return &GrpcMaster{client: bspv1.NewMasterClient(conn)}
}

func (m *GrpcMaster) RegisterGroom(ctx context.Context, groom types.GroomIdentity, maxTasks int) (time.Duration, error) {
	resp, err := m.client.RegisterGroom(ctx, &bspv1.RegisterGroomRequest{Groom: groom, MaxTasks: maxTasks})
	if err != nil {
		return 0, fmt.Errorf("rpc register failed: %w", err)
	}
	return time.Duration(resp.HeartbeatIntervalMs) * time.Millisecond, nil
}

func (m *GrpcMaster) Heartbeat(ctx context.Context, hb *types.Heartbeat) (*types.HeartbeatResponse, error) {
	resp, err := m.client.Heartbeat(ctx, hb)
	if err != nil {
		return nil, fmt.Errorf("rpc heartbeat failed: %w", err)
	}
	return resp, nil
}
