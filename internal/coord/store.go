package coord

// Record is a persistent node as kept by a Store.
type Record struct {
	Path    string
	Data    []byte
	Version int64
}

// Store is the durability layer behind a Tree. Only persistent nodes are
// stored; ephemeral nodes die with their session and never reach it.
//
// The Tree serialises calls, and a write is applied to the namespace only
// after the Store accepted it.
type Store interface {
	// Load returns every stored node, in any order.
	Load() ([]Record, error)
	Put(rec Record) error
	Delete(path string) error
	Close() error
}
