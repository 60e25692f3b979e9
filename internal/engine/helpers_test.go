package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"p2p-comments/internal/content"
	"p2p-comments/internal/index"
)

type published struct {
	Topic string
	Data  string
}

// recordingBus records publications and, when linked, delivers them
// synchronously to every other linked bus.
type recordingBus struct {
	mu       sync.Mutex
	sent     []published
	handlers map[string][]func([]byte)
	net      *network
}

func newRecordingBus() *recordingBus {
	return &recordingBus{handlers: make(map[string][]func([]byte))}
}

func (b *recordingBus) Subscribe(topic string, h func(data []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
	return nil
}

func (b *recordingBus) Publish(topic string, data []byte) error {
	b.mu.Lock()
	b.sent = append(b.sent, published{Topic: topic, Data: string(data)})
	n := b.net
	b.mu.Unlock()
	if n != nil {
		n.deliver(b, topic, data)
	}
	return nil
}

func (b *recordingBus) deliver(topic string, data []byte) {
	b.mu.Lock()
	hs := append([]func([]byte){}, b.handlers[topic]...)
	b.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

func (b *recordingBus) Sent() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.sent...)
}

func (b *recordingBus) SentOn(topic string) []published {
	var out []published
	for _, p := range b.Sent() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (b *recordingBus) Reset() {
	b.mu.Lock()
	b.sent = nil
	b.mu.Unlock()
}

type network struct {
	mu    sync.Mutex
	buses []*recordingBus
	up    bool
}

func newNetwork(buses ...*recordingBus) *network {
	n := &network{buses: buses, up: true}
	for _, b := range buses {
		b.net = n
	}
	return n
}

func (n *network) setUp(up bool) {
	n.mu.Lock()
	n.up = up
	n.mu.Unlock()
}

func (n *network) deliver(from *recordingBus, topic string, data []byte) {
	n.mu.Lock()
	up := n.up
	buses := append([]*recordingBus(nil), n.buses...)
	n.mu.Unlock()
	if !up {
		return
	}
	for _, b := range buses {
		if b != from {
			b.deliver(topic, data)
		}
	}
}

// memContent is an in-memory content store. By default CIDs are real CIDv0
// sums; fixed overrides the CID returned by Put.
type memContent struct {
	mu     sync.Mutex
	blocks map[string][]byte
	fixed  string
	// gate, when set, blocks Get for the listed CIDs until closed. entered
	// receives a signal each time a Get starts waiting on it.
	gate    chan struct{}
	gated   map[string]bool
	entered chan struct{}
}

func newMemContent() *memContent {
	return &memContent{blocks: make(map[string][]byte)}
}

func (m *memContent) Put(_ context.Context, data []byte) (string, error) {
	id := m.fixed
	if id == "" {
		var err error
		if id, err = content.Sum(data); err != nil {
			return "", err
		}
	}
	m.mu.Lock()
	m.blocks[id] = append([]byte(nil), data...)
	m.mu.Unlock()
	return id, nil
}

func (m *memContent) Get(ctx context.Context, id string, _ time.Duration) ([]byte, error) {
	m.mu.Lock()
	gate, gated, entered := m.gate, m.gated[id], m.entered
	m.mu.Unlock()
	if gate != nil && gated {
		if entered != nil {
			select {
			case entered <- struct{}{}:
			default:
			}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blocks[id]
	if !ok {
		return nil, content.ErrTimeout
	}
	return data, nil
}

func (m *memContent) set(id string, data string) {
	m.mu.Lock()
	m.blocks[id] = []byte(data)
	m.mu.Unlock()
}

// memKV is a plain map store counting writes.
type memKV struct {
	mu     sync.Mutex
	data   map[string][]byte
	writes int
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Put(key string, value []byte) error {
	if key == "" {
		return errors.New("empty key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.writes++
	return nil
}

func (m *memKV) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *memKV) setKnown(url string, cids ...string) {
	raw, _ := json.Marshal(cids)
	m.mu.Lock()
	m.data[url] = raw
	m.mu.Unlock()
}

type rig struct {
	engine  *Engine
	bus     *recordingBus
	content *memContent
	kv      *memKV
	index   *index.Index
}

func newRig(peerID string, store *memContent) *rig {
	if store == nil {
		store = newMemContent()
	}
	bus := newRecordingBus()
	kv := newMemKV()
	idx := index.New(kv, nil)
	e := New(Options{
		Bus:          bus,
		Content:      store,
		Index:        idx,
		PeerID:       peerID,
		FetchTimeout: time.Second,
		Now:          func() time.Time { return time.UnixMilli(1700000000123) },
	})
	return &rig{engine: e, bus: bus, content: store, kv: kv, index: idx}
}

func commentJSON(from, text string) string {
	raw, _ := json.Marshal(map[string]any{"from": from, "date": 1700000000000, "text": text})
	return string(raw)
}
