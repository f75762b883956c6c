package bspv1

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/groombsp/pkg/types"
)

// Field numbers start at 2 in every message; 1 is the schema version of
// the top-level message. A field number is never reused for a different
// meaning within one schema version.

// Empty is the request or response of calls that carry nothing.
type Empty struct{}

func (*Empty) encode(*encoder) {}

func (*Empty) decode(protowire.Number, field) error { return nil }

// ---- Master ----

type RegisterGroomRequest struct {
	Groom    types.GroomIdentity `json:"groom"`
	MaxTasks int                 `json:"max_tasks"`
}

func (m *RegisterGroomRequest) encode(e *encoder) {
	e.message(2, (*groomIdentity)(&m.Groom))
	e.int(3, int64(m.MaxTasks))
}

func (m *RegisterGroomRequest) decode(num protowire.Number, f field) error {
	switch num {
	case 2:
		return f.message((*groomIdentity)(&m.Groom))
	case 3:
		m.MaxTasks = int(f.int())
	}
	return nil
}

type RegisterGroomResponse struct {
	HeartbeatIntervalMs int64 `json:"heartbeat_interval_ms"`
}

func (m *RegisterGroomResponse) encode(e *encoder) { e.int(2, m.HeartbeatIntervalMs) }

func (m *RegisterGroomResponse) decode(num protowire.Number, f field) error {
	if num == 2 {
		m.HeartbeatIntervalMs = f.int()
	}
	return nil
}

type SubmitJobRequest struct {
	Descriptor types.JobDescriptor `json:"descriptor"`
}

func (m *SubmitJobRequest) encode(e *encoder) { e.message(2, (*jobDescriptor)(&m.Descriptor)) }

func (m *SubmitJobRequest) decode(num protowire.Number, f field) error {
	if num == 2 {
		return f.message((*jobDescriptor)(&m.Descriptor))
	}
	return nil
}

type SubmitJobResponse struct {
	JobID types.JobID `json:"job_id"`
}

func (m *SubmitJobResponse) encode(e *encoder) { e.string(2, string(m.JobID)) }

func (m *SubmitJobResponse) decode(num protowire.Number, f field) error {
	if num == 2 {
		m.JobID = types.JobID(f.string())
	}
	return nil
}

type JobRequest struct {
	JobID types.JobID `json:"job_id"`
}

func (m *JobRequest) encode(e *encoder) { e.string(2, string(m.JobID)) }

func (m *JobRequest) decode(num protowire.Number, f field) error {
	if num == 2 {
		m.JobID = types.JobID(f.string())
	}
	return nil
}

type ListJobsResponse struct {
	Jobs []types.JobStatus `json:"jobs"`
}

func (m *ListJobsResponse) encode(e *encoder) {
	for i := range m.Jobs {
		e.message(2, (*jobStatus)(&m.Jobs[i]))
	}
}

func (m *ListJobsResponse) decode(num protowire.Number, f field) error {
	if num == 2 {
		var j types.JobStatus
		if err := f.message((*jobStatus)(&j)); err != nil {
			return err
		}
		m.Jobs = append(m.Jobs, j)
	}
	return nil
}

// ClusterStatusResponse carries a clusterstatus.ClusterStatus in its
// versioned binary encoding.
type ClusterStatusResponse struct {
	Status []byte `json:"status"`
}

func (m *ClusterStatusResponse) encode(e *encoder) { e.bytes(2, m.Status) }

func (m *ClusterStatusResponse) decode(num protowire.Number, f field) error {
	if num == 2 {
		m.Status = f.bytes()
	}
	return nil
}

// ---- Groom ----

type GroomStatusResponse struct {
	Groom    types.GroomIdentity `json:"groom"`
	MaxTasks int                 `json:"max_tasks"`
	Tasks    []types.TaskReport  `json:"tasks,omitempty"`
}

func (m *GroomStatusResponse) encode(e *encoder) {
	e.message(2, (*groomIdentity)(&m.Groom))
	e.int(3, int64(m.MaxTasks))
	for i := range m.Tasks {
		e.message(4, (*taskReport)(&m.Tasks[i]))
	}
}

func (m *GroomStatusResponse) decode(num protowire.Number, f field) error {
	switch num {
	case 2:
		return f.message((*groomIdentity)(&m.Groom))
	case 3:
		m.MaxTasks = int(f.int())
	case 4:
		var r types.TaskReport
		if err := f.message((*taskReport)(&r)); err != nil {
			return err
		}
		m.Tasks = append(m.Tasks, r)
	}
	return nil
}

// ---- Coordination ----

type OpenSessionRequest struct {
	TTLMs int64 `json:"ttl_ms"`
}

func (m *OpenSessionRequest) encode(e *encoder) { e.int(2, m.TTLMs) }

func (m *OpenSessionRequest) decode(num protowire.Number, f field) error {
	if num == 2 {
		m.TTLMs = f.int()
	}
	return nil
}

type SessionRequest struct {
	SessionID int64 `json:"session_id"`
}

func (m *SessionRequest) encode(e *encoder) { e.int(2, m.SessionID) }

func (m *SessionRequest) decode(num protowire.Number, f field) error {
	if num == 2 {
		m.SessionID = f.int()
	}
	return nil
}

type OpenSessionResponse struct {
	SessionID int64 `json:"session_id"`
}

func (m *OpenSessionResponse) encode(e *encoder) { e.int(2, m.SessionID) }

func (m *OpenSessionResponse) decode(num protowire.Number, f field) error {
	if num == 2 {
		m.SessionID = f.int()
	}
	return nil
}

type NodeStat struct {
	Version     int64 `json:"version"`
	NumChildren int   `json:"num_children"`
	Ephemeral   bool  `json:"ephemeral"`
	Owner       int64 `json:"owner,omitempty"`
}

func (m *NodeStat) encode(e *encoder) {
	e.int(2, m.Version)
	e.int(3, int64(m.NumChildren))
	e.bool(4, m.Ephemeral)
	e.int(5, m.Owner)
}

func (m *NodeStat) decode(num protowire.Number, f field) error {
	switch num {
	case 2:
		m.Version = f.int()
	case 3:
		m.NumChildren = int(f.int())
	case 4:
		m.Ephemeral = f.bool()
	case 5:
		m.Owner = f.int()
	}
	return nil
}

type CreateRequest struct {
	SessionID int64  `json:"session_id"`
	Path      string `json:"path"`
	Data      []byte `json:"data,omitempty"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

func (m *CreateRequest) encode(e *encoder) {
	e.int(2, m.SessionID)
	e.string(3, m.Path)
	e.bytes(4, m.Data)
	e.bool(5, m.Ephemeral)
}

func (m *CreateRequest) decode(num protowire.Number, f field) error {
	switch num {
	case 2:
		m.SessionID = f.int()
	case 3:
		m.Path = f.string()
	case 4:
		m.Data = f.bytes()
	case 5:
		m.Ephemeral = f.bool()
	}
	return nil
}

type PathRequest struct {
	SessionID int64  `json:"session_id"`
	Path      string `json:"path"`
}

func (m *PathRequest) encode(e *encoder) {
	e.int(2, m.SessionID)
	e.string(3, m.Path)
}

func (m *PathRequest) decode(num protowire.Number, f field) error {
	switch num {
	case 2:
		m.SessionID = f.int()
	case 3:
		m.Path = f.string()
	}
	return nil
}

type GetResponse struct {
	Data []byte   `json:"data,omitempty"`
	Stat NodeStat `json:"stat"`
}

func (m *GetResponse) encode(e *encoder) {
	e.bytes(2, m.Data)
	e.message(3, &m.Stat)
}

func (m *GetResponse) decode(num protowire.Number, f field) error {
	switch num {
	case 2:
		m.Data = f.bytes()
	case 3:
		return f.message(&m.Stat)
	}
	return nil
}

type ChildrenResponse struct {
	Names []string `json:"names"`
}

func (m *ChildrenResponse) encode(e *encoder) {
	for _, name := range m.Names {
		e.b = protowire.AppendTag(e.b, 2, protowire.BytesType)
		e.b = protowire.AppendString(e.b, name)
	}
}

func (m *ChildrenResponse) decode(num protowire.Number, f field) error {
	if num == 2 {
		m.Names = append(m.Names, f.string())
	}
	return nil
}

type SetRequest struct {
	SessionID int64  `json:"session_id"`
	Path      string `json:"path"`
	Data      []byte `json:"data,omitempty"`
	Version   int64  `json:"version"`
}

func (m *SetRequest) encode(e *encoder) {
	e.int(2, m.SessionID)
	e.string(3, m.Path)
	e.bytes(4, m.Data)
	e.int(5, m.Version)
}

func (m *SetRequest) decode(num protowire.Number, f field) error {
	switch num {
	case 2:
		m.SessionID = f.int()
	case 3:
		m.Path = f.string()
	case 4:
		m.Data = f.bytes()
	case 5:
		m.Version = f.int()
	}
	return nil
}

type StatResponse struct {
	Stat NodeStat `json:"stat"`
}

func (m *StatResponse) encode(e *encoder) { e.message(2, &m.Stat) }

func (m *StatResponse) decode(num protowire.Number, f field) error {
	if num == 2 {
		return f.message(&m.Stat)
	}
	return nil
}

type DeleteRequest struct {
	SessionID int64  `json:"session_id"`
	Path      string `json:"path"`
	Version   int64  `json:"version"`
}

func (m *DeleteRequest) encode(e *encoder) {
	e.int(2, m.SessionID)
	e.string(3, m.Path)
	e.int(4, m.Version)
}

func (m *DeleteRequest) decode(num protowire.Number, f field) error {
	switch num {
	case 2:
		m.SessionID = f.int()
	case 3:
		m.Path = f.string()
	case 4:
		m.Version = f.int()
	}
	return nil
}

// WatchEvent is streamed by Coord.Watch. The first message, with Type 0,
// confirms the watch is registered; the second is the event itself.
type WatchEvent struct {
	Type int    `json:"type"`
	Path string `json:"path"`
}

func (m *WatchEvent) encode(e *encoder) {
	e.int(2, int64(m.Type))
	e.string(3, m.Path)
}

func (m *WatchEvent) decode(num protowire.Number, f field) error {
	switch num {
	case 2:
		m.Type = int(f.int())
	case 3:
		m.Path = f.string()
	}
	return nil
}

// ============================================================================
// Shared types
// ============================================================================

// wireMessage returns the codec view of v. The types shared with the rest
// of the module get their encoding through local conversions.
func wireMessage(v any) (message, error) {
	switch m := v.(type) {
	case message:
		return m, nil
	case *types.Heartbeat:
		return (*heartbeat)(m), nil
	case *types.HeartbeatResponse:
		return (*heartbeatResponse)(m), nil
	case *types.Assignment:
		return (*assignment)(m), nil
	case *types.JobStatus:
		return (*jobStatus)(m), nil
	}
	return nil, fmt.Errorf("bspv1: no wire encoding for %T", v)
}

type groomIdentity types.GroomIdentity

func (m *groomIdentity) encode(e *encoder) {
	e.string(2, m.Name)
	e.string(3, m.Host)
	e.int(4, int64(m.RPCPort))
	e.int(5, int64(m.PeerPort))
}

func (m *groomIdentity) decode(num protowire.Number, f field) error {
	switch num {
	case 2:
		m.Name = f.string()
	case 3:
		m.Host = f.string()
	case 4:
		m.RPCPort = int(f.int())
	case 5:
		m.PeerPort = int(f.int())
	}
	return nil
}

type taskAttemptID types.TaskAttemptID

func (m *taskAttemptID) encode(e *encoder) {
	e.string(2, string(m.Job))
	e.int(3, int64(m.Partition))
	e.int(4, int64(m.Attempt))
}

func (m *taskAttemptID) decode(num protowire.Number, f field) error {
	switch num {
	case 2:
		m.Job = types.JobID(f.string())
	case 3:
		m.Partition = int(f.int())
	case 4:
		m.Attempt = int(f.int())
	}
	return nil
}

type jobDescriptor types.JobDescriptor

func (m *jobDescriptor) encode(e *encoder) {
	e.string(2, m.Name)
	e.string(3, m.Kind)
	e.int(4, int64(m.Partitions))
	e.bytes(5, m.Input)
	e.bool(6, m.Retryable)
}

func (m *jobDescriptor) decode(num protowire.Number, f field) error {
	switch num {
	case 2:
		m.Name = f.string()
	case 3:
		m.Kind = f.string()
	case 4:
		m.Partitions = int(f.int())
	case 5:
		m.Input = f.bytes()
	case 6:
		m.Retryable = f.bool()
	}
	return nil
}

type assignment types.Assignment

func (m *assignment) encode(e *encoder) {
	e.message(2, (*taskAttemptID)(&m.Task))
	e.message(3, (*jobDescriptor)(&m.Descriptor))
}

func (m *assignment) decode(num protowire.Number, f field) error {
	switch num {
	case 2:
		return f.message((*taskAttemptID)(&m.Task))
	case 3:
		return f.message((*jobDescriptor)(&m.Descriptor))
	}
	return nil
}

type taskReport types.TaskReport

func (m *taskReport) encode(e *encoder) {
	e.message(2, (*taskAttemptID)(&m.Task))
	e.int(3, int64(m.Slot))
	e.string(4, string(m.State))
	e.int(5, m.Superstep)
	e.string(6, m.Reason)
}

func (m *taskReport) decode(num protowire.Number, f field) error {
	switch num {
	case 2:
		return f.message((*taskAttemptID)(&m.Task))
	case 3:
		m.Slot = int(f.int())
	case 4:
		m.State = types.TaskState(f.string())
	case 5:
		m.Superstep = f.int()
	case 6:
		m.Reason = f.string()
	}
	return nil
}

type heartbeat types.Heartbeat

func (m *heartbeat) encode(e *encoder) {
	e.message(2, (*groomIdentity)(&m.Groom))
	e.uint(3, m.Seq)
	e.int(4, int64(m.MaxTasks))
	e.int(5, int64(m.Running))
	for i := range m.Tasks {
		e.message(6, (*taskReport)(&m.Tasks[i]))
	}
}

func (m *heartbeat) decode(num protowire.Number, f field) error {
	switch num {
	case 2:
		return f.message((*groomIdentity)(&m.Groom))
	case 3:
		m.Seq = f.uint()
	case 4:
		m.MaxTasks = int(f.int())
	case 5:
		m.Running = int(f.int())
	case 6:
		var r types.TaskReport
		if err := f.message((*taskReport)(&r)); err != nil {
			return err
		}
		m.Tasks = append(m.Tasks, r)
	}
	return nil
}

type heartbeatResponse types.HeartbeatResponse

func (m *heartbeatResponse) encode(e *encoder) {
	e.bool(2, m.Applied)
	e.bool(3, m.ReRegister)
	for _, id := range m.KillJobs {
		e.b = protowire.AppendTag(e.b, 4, protowire.BytesType)
		e.b = protowire.AppendString(e.b, string(id))
	}
}

func (m *heartbeatResponse) decode(num protowire.Number, f field) error {
	switch num {
	case 2:
		m.Applied = f.bool()
	case 3:
		m.ReRegister = f.bool()
	case 4:
		m.KillJobs = append(m.KillJobs, types.JobID(f.string()))
	}
	return nil
}

type taskStatus types.TaskStatus

func (m *taskStatus) encode(e *encoder) {
	e.int(2, int64(m.Partition))
	e.int(3, int64(m.Attempt))
	e.string(4, m.Groom)
	e.string(5, string(m.State))
	e.int(6, m.Superstep)
	e.string(7, m.Reason)
}

func (m *taskStatus) decode(num protowire.Number, f field) error {
	switch num {
	case 2:
		m.Partition = int(f.int())
	case 3:
		m.Attempt = int(f.int())
	case 4:
		m.Groom = f.string()
	case 5:
		m.State = types.TaskState(f.string())
	case 6:
		m.Superstep = f.int()
	case 7:
		m.Reason = f.string()
	}
	return nil
}

type jobStatus types.JobStatus

func (m *jobStatus) encode(e *encoder) {
	e.string(2, string(m.ID))
	e.message(3, (*jobDescriptor)(&m.Descriptor))
	e.string(4, string(m.State))
	e.int(5, int64(m.Attempt))
	e.string(6, m.Reason)
	for i := range m.Tasks {
		e.message(7, (*taskStatus)(&m.Tasks[i]))
	}
	e.int(8, m.CreatedAt)
	e.int(9, m.UpdatedAt)
}

func (m *jobStatus) decode(num protowire.Number, f field) error {
	switch num {
	case 2:
		m.ID = types.JobID(f.string())
	case 3:
		return f.message((*jobDescriptor)(&m.Descriptor))
	case 4:
		m.State = types.JobState(f.string())
	case 5:
		m.Attempt = int(f.int())
	case 6:
		m.Reason = f.string()
	case 7:
		var t types.TaskStatus
		if err := f.message((*taskStatus)(&t)); err != nil {
			return err
		}
		m.Tasks = append(m.Tasks, t)
	case 8:
		m.CreatedAt = f.int()
	case 9:
		m.UpdatedAt = f.int()
	}
	return nil
}
