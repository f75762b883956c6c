// Package clusterstatus holds the point-in-time cluster snapshot served by
// the master and its wire encoding.
package clusterstatus

import (
	"github.com/ChuLiYu/groombsp/pkg/types"
)

// ClusterStatus is an immutable snapshot of the cluster. GroomServers keeps
// registration order, and that order survives encoding.
type ClusterStatus struct {
	GroomServers []types.GroomIdentity
	ActiveTasks  int
	MaxTasks     int
	MasterState  types.MasterState
}

// New builds a snapshot. The groom slice is copied.
func New(grooms []types.GroomIdentity, activeTasks, maxTasks int, state types.MasterState) *ClusterStatus {
	cp := make([]types.GroomIdentity, len(grooms))
	copy(cp, grooms)
	return &ClusterStatus{
		GroomServers: cp,
		ActiveTasks:  activeTasks,
		MaxTasks:     maxTasks,
		MasterState:  state,
	}
}

// ActiveGroomNames returns the groom names in registration order.
func (s *ClusterStatus) ActiveGroomNames() []string {
	names := make([]string, len(s.GroomServers))
	for i, g := range s.GroomServers {
		names[i] = g.Name
	}
	return names
}

// Equal compares two snapshots field by field, including groom order.
func (s *ClusterStatus) Equal(o *ClusterStatus) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.ActiveTasks != o.ActiveTasks || s.MaxTasks != o.MaxTasks || s.MasterState != o.MasterState {
		return false
	}
	if len(s.GroomServers) != len(o.GroomServers) {
		return false
	}
	for i := range s.GroomServers {
		if s.GroomServers[i] != o.GroomServers[i] {
			return false
		}
	}
	return true
}
