package network

import (
	"sync"
	"time"
)

// MsgCache tracks recently seen frame IDs so flooded frames are delivered and
// forwarded once.
type MsgCache struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	ttl       time.Duration
	lastSweep time.Time
}

func NewMsgCache(ttl time.Duration) *MsgCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MsgCache{seen: make(map[string]time.Time), ttl: ttl}
}

// Seen records id and reports whether it was already present within the TTL.
func (m *MsgCache) Seen(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		return false
	}
	now := time.Now()
	if ts, ok := m.seen[id]; ok && now.Sub(ts) < m.ttl {
		return true
	}
	m.seen[id] = now
	if now.Sub(m.lastSweep) > m.ttl/4 {
		for key, ts := range m.seen {
			if now.Sub(ts) > m.ttl {
				delete(m.seen, key)
			}
		}
		m.lastSweep = now
	}
	return false
}

// Len reports how many IDs are tracked.
func (m *MsgCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
