package storage

import (
	"go.etcd.io/bbolt"
)

const indexBucket = "known"

// IndexStore is the durable key/value map holding, per discussion URL, the
// JSON-encoded list of known CIDs.
type IndexStore struct {
	db *bbolt.DB
}

func OpenIndexStore(path string) (*IndexStore, error) {
	db, err := openBolt(path, indexBucket)
	if err != nil {
		return nil, err
	}
	return &IndexStore{db: db}, nil
}

func (s *IndexStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the raw value stored under key and whether it was present.
func (s *IndexStore) Get(key string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrClosed
	}
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		out = copyBytes(tx.Bucket([]byte(indexBucket)).Get([]byte(key)))
		return nil
	})
	return out, out != nil, err
}

func (s *IndexStore) Put(key string, value []byte) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(indexBucket)).Put([]byte(key), value)
	})
}

// Update runs a read-modify-write of key inside one write transaction. fn
// receives the current value (nil when absent) and returns the value to store
// and whether to store it. bbolt serializes writers, so concurrent Updates on
// the same key never lose a write.
func (s *IndexStore) Update(key string, fn func(current []byte) ([]byte, bool, error)) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(indexBucket))
		next, write, err := fn(copyBytes(bucket.Get([]byte(key))))
		if err != nil || !write {
			return err
		}
		return bucket.Put([]byte(key), next)
	})
}
