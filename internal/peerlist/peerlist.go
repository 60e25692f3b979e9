package peerlist

import (
	"sort"
	"sync"
	"time"
)

// Entry is one registered peer.
type Entry struct {
	Addr     string    `json:"addr"`
	PeerID   string    `json:"peer_id,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// Store keeps track of live peers registering with the bootstrap server.
type Store struct {
	mu       sync.Mutex
	peers    map[string]Entry
	expireIn time.Duration
	now      func() time.Time
}

// NewStore creates a peer list store with a given expiry window.
func NewStore(expireIn time.Duration) *Store {
	return &Store{
		peers:    make(map[string]Entry),
		expireIn: expireIn,
		now:      time.Now,
	}
}

// Register upserts a peer address. A later registration for the same address
// replaces the peer ID.
func (s *Store) Register(addr, peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[addr] = Entry{Addr: addr, PeerID: peerID, LastSeen: s.now()}
}

// List returns the addresses of all non-expired peers.
func (s *Store) List() []string {
	entries := s.Entries()
	addrs := make([]string, 0, len(entries))
	for _, e := range entries {
		addrs = append(addrs, e.Addr)
	}
	return addrs
}

// Entries returns all non-expired peers sorted by address.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneExpired()
	out := make([]Entry, 0, len(s.peers))
	for _, e := range s.peers {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

func (s *Store) pruneExpired() {
	if s.expireIn <= 0 {
		return
	}
	deadline := s.now().Add(-s.expireIn)
	for addr, e := range s.peers {
		if e.LastSeen.Before(deadline) {
			delete(s.peers, addr)
		}
	}
}
