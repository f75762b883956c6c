// Package types defines the domain model shared by the master, the groom
// servers and their clients.
package types

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

// JobID uniquely identifies a submitted job.
type JobID string

// TaskID names one partition of a job. It never changes once assigned.
type TaskID struct {
	Job       JobID `json:"job"`
	Partition int   `json:"partition"`
}

func (t TaskID) String() string {
	return fmt.Sprintf("%s/p%05d", t.Job, t.Partition)
}

// TaskAttemptID is a TaskID qualified by the job attempt it runs for. A
// restarted job gets a fresh attempt and therefore a fresh barrier run.
type TaskAttemptID struct {
	TaskID
	Attempt int `json:"attempt"`
}

func (t TaskAttemptID) String() string {
	return fmt.Sprintf("%s@%d", t.TaskID, t.Attempt)
}

// Run returns the barrier run this attempt belongs to.
func (t TaskAttemptID) Run() RunID {
	return RunID{Job: t.Job, Attempt: t.Attempt}
}

// RunID identifies one attempt of a job.
type RunID struct {
	Job     JobID `json:"job"`
	Attempt int   `json:"attempt"`
}

func (r RunID) String() string {
	return fmt.Sprintf("%s@%d", r.Job, r.Attempt)
}

// GroomIdentity describes a groom server. It is immutable for the lifetime of
// the groom process.
type GroomIdentity struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	RPCPort  int    `json:"rpc_port"`
	PeerPort int    `json:"peer_port"`
}

// RPCAddr is the address the master dials to reach the groom.
func (g GroomIdentity) RPCAddr() string {
	return net.JoinHostPort(g.Host, strconv.Itoa(g.RPCPort))
}

// PeerAddr is the address tasks on this groom advertise to their peers.
func (g GroomIdentity) PeerAddr() string {
	return net.JoinHostPort(g.Host, strconv.Itoa(g.PeerPort))
}

// MasterState is the lifecycle state of the BSP master.
type MasterState int

const (
	MasterInitializing MasterState = iota
	MasterRunning
	MasterStopped
)

var masterStates = [...]string{
	MasterInitializing: "INITIALIZING",
	MasterRunning:      "RUNNING",
	MasterStopped:      "STOPPED",
}

func (s MasterState) String() string {
	if s < 0 || int(s) >= len(masterStates) {
		return fmt.Sprintf("MasterState(%d)", int(s))
	}
	return masterStates[s]
}

// Valid reports whether s is one of the defined states.
func (s MasterState) Valid() bool {
	return s >= MasterInitializing && s <= MasterStopped
}

// JobState is the lifecycle state of a job. Values only move forward;
// JobFailed and JobKilled are terminal, as is JobSucceeded.
type JobState string

const (
	JobSubmitted JobState = "SUBMITTED"
	JobRunning   JobState = "RUNNING"
	JobSucceeded JobState = "SUCCEEDED"
	JobFailed    JobState = "FAILED"
	JobKilled    JobState = "KILLED"
)

// Terminal reports whether no further transition is possible from s.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobKilled
}

// TaskState is the state of a single task attempt as seen by a groom and
// reported to the master.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskRunning   TaskState = "RUNNING"
	TaskSucceeded TaskState = "SUCCEEDED"
	TaskFailed    TaskState = "FAILED"
	TaskKilled    TaskState = "KILLED"
)

// Terminal reports whether the task has stopped running.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskKilled
}

// JobDescriptor is what a client submits. Kind selects the payload
// implementation; Input is opaque to the core and handed to the payload.
type JobDescriptor struct {
	Name       string          `json:"name,omitempty"`
	Kind       string          `json:"kind"`
	Partitions int             `json:"partitions"`
	Input      json.RawMessage `json:"input,omitempty"`
	Retryable  bool            `json:"retryable,omitempty"`
}

// Assignment is sent by the master to a groom to start one task attempt.
type Assignment struct {
	Task       TaskAttemptID `json:"task"`
	Descriptor JobDescriptor `json:"descriptor"`
}

// TaskReport is the per-task progress carried in a heartbeat.
type TaskReport struct {
	Task      TaskAttemptID `json:"task"`
	Slot      int           `json:"slot"`
	State     TaskState     `json:"state"`
	Superstep int64         `json:"superstep"`
	Reason    string        `json:"reason,omitempty"`
}

// Heartbeat is sent by a groom on a fixed interval. Seq increases by one per
// heartbeat; the master ignores anything not newer than what it has applied.
type Heartbeat struct {
	Groom    GroomIdentity `json:"groom"`
	Seq      uint64        `json:"seq"`
	MaxTasks int           `json:"max_tasks"`
	Running  int           `json:"running"`
	Tasks    []TaskReport  `json:"tasks,omitempty"`
}

// HeartbeatResponse tells the groom what happened to its heartbeat.
type HeartbeatResponse struct {
	// Applied is false when the heartbeat was out of order or a duplicate.
	Applied bool `json:"applied"`
	// ReRegister asks the groom to register again; the master does not know it.
	ReRegister bool `json:"re_register"`
	// KillJobs lists jobs whose tasks the groom must stop.
	KillJobs []JobID `json:"kill_jobs,omitempty"`
}

// TaskStatus is the master's view of one partition of a job.
type TaskStatus struct {
	Partition int       `json:"partition"`
	Attempt   int       `json:"attempt"`
	Groom     string    `json:"groom,omitempty"`
	State     TaskState `json:"state"`
	Superstep int64     `json:"superstep"`
	Reason    string    `json:"reason,omitempty"`
}

// JobStatus is returned by job-status queries.
type JobStatus struct {
	ID         JobID         `json:"id"`
	Descriptor JobDescriptor `json:"descriptor"`
	State      JobState      `json:"state"`
	Attempt    int           `json:"attempt"`
	Reason     string        `json:"reason,omitempty"`
	Tasks      []TaskStatus  `json:"tasks,omitempty"`
	CreatedAt  int64         `json:"created_at"`
	UpdatedAt  int64         `json:"updated_at"`
}
