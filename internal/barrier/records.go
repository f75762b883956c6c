package barrier

import (
	"encoding/json"
	"sort"
)

// Members is the set of partitions a run's barrier waits for. It is fixed at
// submission and only shrinks when the master removes dead peers.
type Members struct {
	Partitions []int `json:"partitions"`
}

func (m Members) Contains(p int) bool {
	i := sort.SearchInts(m.Partitions, p)
	return i < len(m.Partitions) && m.Partitions[i] == p
}

// Without returns m minus the given partitions.
func (m Members) Without(remove ...int) Members {
	drop := make(map[int]bool, len(remove))
	for _, p := range remove {
		drop[p] = true
	}
	out := Members{Partitions: []int{}}
	for _, p := range m.Partitions {
		if !drop[p] {
			out.Partitions = append(out.Partitions, p)
		}
	}
	return out
}

// Released records the last superstep the coordinator released.
type Released struct {
	Superstep int64 `json:"superstep"`
	Halt      bool  `json:"halt"`
}

// Arrival is written by a task when it reaches the barrier.
type Arrival struct {
	Groom      string `json:"groom,omitempty"`
	VoteToHalt bool   `json:"vote_to_halt"`
}

// Release is the ready marker of a superstep. Halt is the AND of all votes.
type Release struct {
	Superstep int64  `json:"superstep"`
	Halt      bool   `json:"halt"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Peer is the endpoint a task registered for a run.
type Peer struct {
	Partition int    `json:"partition"`
	Addr      string `json:"addr"`
}

func encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err) // only plain structs are encoded here
	}
	return b
}

func decode(b []byte, v any) error {
	return json.Unmarshal(b, v)
}
