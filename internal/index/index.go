// Package index keeps, per discussion URL, the set of CIDs a peer knows.
//
// The set is stored as a JSON array of CID strings under the URL key. Reads
// never fail: absent or corrupt values are the empty set, and the next
// successful write replaces a corrupt value.
package index

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// KV is the local key/value store the index is persisted in.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
}

// Updater is implemented by stores that can run a read-modify-write of one key
// atomically. When the KV supports it, Add cannot lose a concurrent insert.
type Updater interface {
	Update(key string, fn func(current []byte) ([]byte, bool, error)) error
}

// Index reads and merges known-CID sets.
type Index struct {
	kv  KV
	log *zap.SugaredLogger
}

func New(kv KV, log *zap.SugaredLogger) *Index {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Index{kv: kv, log: log}
}

// Known returns the CIDs recorded for url in insertion order.
func (i *Index) Known(url string) []string {
	data, ok, err := i.kv.Get(url)
	if err != nil {
		i.log.Warnw("index read failed", "url", url, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	return decodeSet(data, i.log, url)
}

// Add records cid for url. It reports whether the set changed. Membership is
// a set: adding a present CID is a no-op and nothing is written.
func (i *Index) Add(url, cid string) (bool, error) {
	if url == "" || cid == "" {
		return false, nil
	}
	var added bool
	merge := func(current []byte) ([]byte, bool, error) {
		added = false
		set := decodeSet(current, i.log, url)
		for _, c := range set {
			if c == cid {
				return nil, false, nil
			}
		}
		next, err := json.Marshal(append(set, cid))
		if err != nil {
			return nil, false, errors.Wrap(err, "encode cid set")
		}
		added = true
		return next, true, nil
	}

	if up, ok := i.kv.(Updater); ok {
		if err := up.Update(url, merge); err != nil {
			return false, errors.Wrapf(err, "update index for %q", url)
		}
		return added, nil
	}

	// Plain read-modify-write: two concurrent Adds for the same URL can both
	// read the old set and one insert is lost until the next sync re-announces it.
	current, _, err := i.kv.Get(url)
	if err != nil {
		i.log.Warnw("index read failed, treating as empty", "url", url, "error", err)
		current = nil
	}
	next, write, err := merge(current)
	if err != nil || !write {
		return false, err
	}
	if err := i.kv.Put(url, next); err != nil {
		return false, errors.Wrapf(err, "write index for %q", url)
	}
	return added, nil
}

func decodeSet(data []byte, log *zap.SugaredLogger, url string) []string {
	if len(data) == 0 {
		return nil
	}
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Debugw("corrupt index entry, treating as empty", "url", url, "error", err)
		return nil
	}
	seen := make(map[string]struct{}, len(raw))
	out := raw[:0]
	for _, c := range raw {
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
