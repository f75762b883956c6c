// Package coord is a small hierarchical coordination namespace: versioned
// nodes, session-scoped ephemeral nodes and one-shot watches. The barrier and
// the master only depend on the Service interface, so any service offering
// the same primitives can replace the in-repo Tree.
package coord

import (
	"context"
	"errors"
	"path"
	"strings"
)

var (
	ErrNodeExists              = errors.New("coord: node exists")
	ErrNoNode                  = errors.New("coord: no node")
	ErrVersionMismatch         = errors.New("coord: version mismatch")
	ErrNotEmpty                = errors.New("coord: node has children")
	ErrSessionExpired          = errors.New("coord: session expired")
	ErrNoChildrenForEphemerals = errors.New("coord: ephemeral nodes cannot have children")
	ErrBadPath                 = errors.New("coord: bad path")
)

// AnyVersion disables the version check of Delete.
const AnyVersion int64 = -1

// CreateMode selects the lifetime of a created node.
type CreateMode int

const (
	Persistent CreateMode = iota
	// Ephemeral nodes are removed when the creating session ends.
	Ephemeral
)

// Stat describes a node.
type Stat struct {
	Version     int64 `json:"version"`
	NumChildren int   `json:"num_children"`
	Ephemeral   bool  `json:"ephemeral"`
	Owner       int64 `json:"owner,omitempty"`
}

// EventType says what changed.
type EventType int

const (
	EventCreated EventType = iota + 1
	EventDeleted
	EventDataChanged
	EventChildrenChanged
	// EventSessionExpired is delivered to pending watches of a session that ended.
	EventSessionExpired
	// EventWatchLost means the watch was dropped without observing a change,
	// for instance because its stream broke. Re-read and watch again.
	EventWatchLost
)

var eventNames = map[EventType]string{
	EventCreated:         "created",
	EventDeleted:         "deleted",
	EventDataChanged:     "data-changed",
	EventChildrenChanged: "children-changed",
	EventSessionExpired:  "session-expired",
	EventWatchLost:       "watch-lost",
}

func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return "unknown"
}

// Event is delivered once to a watch.
type Event struct {
	Type EventType `json:"type"`
	Path string    `json:"path"`
}

// Service is the set of primitives the BSP core consumes. Implementations
// are bound to one session; ephemeral nodes live as long as that session.
type Service interface {
	// Create makes a node. The parent must exist. Fails with ErrNodeExists.
	Create(ctx context.Context, path string, data []byte, mode CreateMode) error
	// Get returns the data and stat of a node.
	Get(ctx context.Context, path string) ([]byte, Stat, error)
	// Exists reports whether the node exists.
	Exists(ctx context.Context, path string) (bool, Stat, error)
	// Children returns the sorted child names of a node.
	Children(ctx context.Context, path string) ([]string, error)
	// Set replaces the data if the node is at expectedVersion.
	Set(ctx context.Context, path string, data []byte, expectedVersion int64) (Stat, error)
	// Delete removes a childless node at expectedVersion, or any version
	// when expectedVersion is AnyVersion.
	Delete(ctx context.Context, path string, expectedVersion int64) error
	// Watch returns a channel that receives one event for the next change of
	// the node or of its set of children. The node does not need to exist.
	// Cancelling ctx discards the watch.
	Watch(ctx context.Context, path string) (<-chan Event, error)
	// Done is closed when the session ends.
	Done() <-chan struct{}
	// Close ends the session and removes its ephemeral nodes.
	Close() error
}

// Join builds a path from elements, always rooted at "/".
func Join(elem ...string) string {
	return path.Join(append([]string{"/"}, elem...)...)
}

// split validates p and returns its parent and base name.
func split(p string) (parent, name string, err error) {
	if err := validate(p); err != nil {
		return "", "", err
	}
	if p == "/" {
		return "", "", ErrBadPath
	}
	i := strings.LastIndexByte(p, '/')
	parent = p[:i]
	if parent == "" {
		parent = "/"
	}
	return parent, p[i+1:], nil
}

func validate(p string) error {
	if p == "" || p[0] != '/' {
		return ErrBadPath
	}
	if p == "/" {
		return nil
	}
	if strings.HasSuffix(p, "/") || strings.Contains(p, "//") || path.Clean(p) != p {
		return ErrBadPath
	}
	return nil
}
