package engine

import "p2p-comments/internal/comment"

// Entry is one resolved comment in the table.
type Entry struct {
	CID     string          `json:"cid"`
	Comment comment.Comment `json:"comment"`
}

// Snapshot is a read-only copy of engine state for rendering.
type Snapshot struct {
	PeerID    string  `json:"peer_id"`
	ActiveURL string  `json:"url"`
	Comments  []Entry `json:"comments"`
}

// Has reports whether cid is in the snapshot's table.
func (s Snapshot) Has(cid string) bool {
	for _, e := range s.Comments {
		if e.CID == cid {
			return true
		}
	}
	return false
}

// table maps CID to comment and remembers arrival order.
type table struct {
	order []string
	byCID map[string]comment.Comment
}

func newTable() *table {
	return &table{byCID: make(map[string]comment.Comment)}
}

func (t *table) has(cid string) bool {
	_, ok := t.byCID[cid]
	return ok
}

// put inserts c under cid and reports whether the table changed.
func (t *table) put(cid string, c comment.Comment) bool {
	if t.has(cid) {
		return false
	}
	t.byCID[cid] = c
	t.order = append(t.order, cid)
	return true
}

func (t *table) cids() []string {
	return append([]string(nil), t.order...)
}

func (t *table) entries() []Entry {
	out := make([]Entry, 0, len(t.order))
	for _, cid := range t.order {
		out = append(out, Entry{CID: cid, Comment: t.byCID[cid]})
	}
	return out
}
