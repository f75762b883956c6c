package coord

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

var nodeKeyPrefix = []byte("node:")

// BadgerStore keeps persistent nodes in BadgerDB, one key per node.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens a store at dir. An empty dir keeps the database in
// memory, which is what the tests use.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func nodeKey(path string) []byte {
	return append(append([]byte(nil), nodeKeyPrefix...), path...)
}

func (s *BadgerStore) Load() ([]Record, error) {
	var recs []Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(nodeKeyPrefix); it.ValidForPrefix(nodeKeyPrefix); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return gob.NewDecoder(bytes.NewReader(val)).Decode(&rec)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

func (s *BadgerStore) Put(rec Record) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nodeKey(rec.Path), buf.Bytes())
	})
}

func (s *BadgerStore) Delete(path string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(nodeKey(path))
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
