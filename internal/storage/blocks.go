package storage

import (
	"go.etcd.io/bbolt"
)

const blocksBucket = "blocks"

// BlockStore persists immutable content blocks keyed by CID.
type BlockStore struct {
	db *bbolt.DB
}

func OpenBlockStore(path string) (*BlockStore, error) {
	db, err := openBolt(path, blocksBucket)
	if err != nil {
		return nil, err
	}
	return &BlockStore{db: db}, nil
}

func (s *BlockStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the block for cid, or nil and false when it is not held locally.
func (s *BlockStore) Get(cid string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrClosed
	}
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		out = copyBytes(tx.Bucket([]byte(blocksBucket)).Get([]byte(cid)))
		return nil
	})
	return out, out != nil, err
}

// Put stores data under cid. Blocks are immutable, so an existing entry is
// left untouched.
func (s *BlockStore) Put(cid string, data []byte) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(blocksBucket))
		if bucket.Get([]byte(cid)) != nil {
			return nil
		}
		return bucket.Put([]byte(cid), data)
	})
}

// Count reports how many blocks are held locally.
func (s *BlockStore) Count() (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(blocksBucket)).Stats().KeyN
		return nil
	})
	return n, err
}
