package storage

import (
	"database/sql"

	"github.com/cockroachdb/errors"
)

const sqlIndexSchema = `CREATE TABLE IF NOT EXISTS known_cids (
	url  TEXT PRIMARY KEY,
	cids TEXT NOT NULL
)`

// SQLIndexStore keeps the per-URL CID index in Postgres instead of a local
// bbolt file. Values are the same JSON arrays IndexStore holds.
type SQLIndexStore struct {
	DB *sql.DB
}

// NewSQLIndexStore ensures the schema exists and returns the store.
func NewSQLIndexStore(db *sql.DB) (*SQLIndexStore, error) {
	if db == nil {
		return nil, ErrClosed
	}
	if _, err := db.Exec(sqlIndexSchema); err != nil {
		return nil, errors.Wrap(err, "create known_cids table")
	}
	return &SQLIndexStore{DB: db}, nil
}

func (s *SQLIndexStore) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func (s *SQLIndexStore) Get(key string) ([]byte, bool, error) {
	if s == nil || s.DB == nil {
		return nil, false, ErrClosed
	}
	var cids string
	err := s.DB.QueryRow(`SELECT cids FROM known_cids WHERE url = $1`, key).Scan(&cids)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "select known_cids %q", key)
	}
	return []byte(cids), true, nil
}

func (s *SQLIndexStore) Put(key string, value []byte) error {
	if s == nil || s.DB == nil {
		return ErrClosed
	}
	_, err := s.DB.Exec(`INSERT INTO known_cids (url, cids) VALUES ($1, $2)
		ON CONFLICT (url) DO UPDATE SET cids = EXCLUDED.cids`, key, string(value))
	return errors.Wrapf(err, "upsert known_cids %q", key)
}

// Update locks the row for key for the duration of fn. When the row does not
// exist yet two first writers can still race on the insert; the upsert keeps
// the later one.
func (s *SQLIndexStore) Update(key string, fn func(current []byte) ([]byte, bool, error)) error {
	if s == nil || s.DB == nil {
		return ErrClosed
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return errors.Wrap(err, "begin index update")
	}
	defer func() { _ = tx.Rollback() }()

	var current []byte
	var cids string
	err = tx.QueryRow(`SELECT cids FROM known_cids WHERE url = $1 FOR UPDATE`, key).Scan(&cids)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return errors.Wrapf(err, "lock known_cids %q", key)
	default:
		current = []byte(cids)
	}

	next, write, err := fn(current)
	if err != nil {
		return err
	}
	if !write {
		return tx.Commit()
	}
	if _, err := tx.Exec(`INSERT INTO known_cids (url, cids) VALUES ($1, $2)
		ON CONFLICT (url) DO UPDATE SET cids = EXCLUDED.cids`, key, string(next)); err != nil {
		return errors.Wrapf(err, "write known_cids %q", key)
	}
	return errors.Wrap(tx.Commit(), "commit index update")
}
