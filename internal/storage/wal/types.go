package wal

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// Op defines WAL operation types
type Op string

const (
	OpPut    Op = "PUT"    // Node created or its data replaced
	OpDelete Op = "DELETE" // Node removed
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64 `json:"seq"`               // Event sequence number (monotonically increasing)
	Op        Op     `json:"op"`                // Operation
	Path      string `json:"path"`              // Node path
	Data      []byte `json:"data,omitempty"`    // Node data for PUT
	Version   int64  `json:"version,omitempty"` // Node version after PUT
	Timestamp int64  `json:"timestamp"`         // Unix millisecond timestamp
	Checksum  uint32 `json:"checksum"`          // CRC32 checksum
}

// EventHandler is the function type for processing WAL events.
// Used during Replay to apply events to state; an error aborts the replay.
type EventHandler func(event Event) error
