package content

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"p2p-comments/internal/comment"
	"p2p-comments/internal/network"
)

type memBlocks struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemBlocks() *memBlocks { return &memBlocks{data: make(map[string][]byte)} }

func (m *memBlocks) Get(id string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[id]
	return v, ok, nil
}

func (m *memBlocks) Put(id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[id]; !ok {
		m.data[id] = data
	}
	return nil
}

// hub delivers every publication to every other attached bus.
type hub struct {
	mu    sync.Mutex
	buses []*hubBus
}

type hubBus struct {
	hub      *hub
	mu       sync.Mutex
	handlers map[string][]func([]byte)
}

func (h *hub) attach() *hubBus {
	b := &hubBus{hub: h, handlers: make(map[string][]func([]byte))}
	h.mu.Lock()
	h.buses = append(h.buses, b)
	h.mu.Unlock()
	return b
}

func (b *hubBus) Subscribe(topic string, fn func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], fn)
	return nil
}

func (b *hubBus) Publish(topic string, data []byte) error {
	b.hub.mu.Lock()
	targets := append([]*hubBus(nil), b.hub.buses...)
	b.hub.mu.Unlock()
	for _, other := range targets {
		if other == b {
			continue
		}
		other.mu.Lock()
		fns := append([]func([]byte){}, other.handlers[topic]...)
		other.mu.Unlock()
		for _, fn := range fns {
			go fn(data)
		}
	}
	return nil
}

func TestSumIsCIDv0AndVerifies(t *testing.T) {
	id, err := Sum([]byte(`{"from":"A","date":1,"text":"hi"}`))
	require.NoError(t, err)
	require.Len(t, id, 46)
	require.Equal(t, "Qm", id[:2])
	require.NoError(t, Verify(id, []byte(`{"from":"A","date":1,"text":"hi"}`)))
	require.True(t, errors.Is(Verify(id, []byte("tampered")), ErrCIDMismatch))
}

func TestPutIsContentAddressed(t *testing.T) {
	blocks := newMemBlocks()
	store := NewStore(Options{Blocks: blocks})
	a, err := store.Put(context.Background(), []byte("same"))
	require.NoError(t, err)
	b, err := store.Put(context.Background(), []byte("same"))
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, blocks.data, 1)

	data, err := store.Get(context.Background(), a, time.Second)
	require.NoError(t, err)
	require.Equal(t, "same", string(data))
}

func TestPutRefusesOversizedBlock(t *testing.T) {
	store := NewStore(Options{Blocks: newMemBlocks()})
	_, err := store.Put(context.Background(), make([]byte, MaxBlockBytes))
	require.NoError(t, err)
	_, err = store.Put(context.Background(), make([]byte, MaxBlockBytes+1))
	require.True(t, errors.Is(err, ErrTooLarge))
}

func TestLargestBlockFitsOneSealedFrame(t *testing.T) {
	peerID := strings.Repeat("P", 46)
	id, err := Sum([]byte("x"))
	require.NoError(t, err)
	blk, err := json.Marshal(blockMsg{From: peerID, To: peerID, CID: id, Data: make([]byte, MaxBlockBytes)})
	require.NoError(t, err)
	frame, err := json.Marshal(network.Frame{
		Kind:  network.KindPub,
		ID:    ulid.Make().String(),
		From:  peerID,
		Topic: TopicBlock,
		Data:  blk,
	})
	require.NoError(t, err)
	// AES-GCM adds a 12 byte nonce and a 16 byte tag before base64.
	sealed := base64.StdEncoding.EncodedLen(len(frame)+12+16) + 1
	require.LessOrEqual(t, sealed, network.MaxFrameBytes)
}

func TestLongestCommentFitsOneBlock(t *testing.T) {
	// Control characters take six bytes each once JSON-escaped.
	c := comment.Comment{From: strings.Repeat("P", 46), Date: 1700000000000, Text: strings.Repeat("\x01", comment.MaxTextBytes)}
	data, err := c.Encode()
	require.NoError(t, err)
	require.Greater(t, len(data), 6*comment.MaxTextBytes)
	require.LessOrEqual(t, len(data), MaxBlockBytes)
}

func TestGetWithoutBusReportsNotFound(t *testing.T) {
	store := NewStore(Options{Blocks: newMemBlocks()})
	id, _ := Sum([]byte("elsewhere"))
	_, err := store.Get(context.Background(), id, time.Second)
	require.True(t, errors.Is(err, ErrNotFound))

	_, err = store.Get(context.Background(), "not-a-cid", time.Second)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestGetFetchesFromPeerAndCaches(t *testing.T) {
	h := &hub{}
	aBlocks, bBlocks := newMemBlocks(), newMemBlocks()
	a := NewStore(Options{Blocks: aBlocks, Bus: h.attach(), PeerID: "A"})
	b := NewStore(Options{Blocks: bBlocks, Bus: h.attach(), PeerID: "B"})
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	id, err := a.Put(context.Background(), []byte("payload"))
	require.NoError(t, err)

	data, err := b.Get(context.Background(), id, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))

	_, ok, _ := bBlocks.Get(id)
	require.True(t, ok, "fetched block should be cached locally")
}

func TestGetTimesOutWhenNobodyHasBlock(t *testing.T) {
	h := &hub{}
	a := NewStore(Options{Blocks: newMemBlocks(), Bus: h.attach(), PeerID: "A"})
	require.NoError(t, a.Start())
	id, _ := Sum([]byte("missing"))
	start := time.Now()
	_, err := a.Get(context.Background(), id, 50*time.Millisecond)
	require.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	require.Less(t, time.Since(start), time.Second)
}

func TestHandleBlockDiscardsMismatchedData(t *testing.T) {
	blocks := newMemBlocks()
	s := NewStore(Options{Blocks: blocks, PeerID: "A"})
	id, _ := Sum([]byte("real"))
	s.handleBlock([]byte(`{"from":"B","to":"A","cid":"` + id + `","data":"ZmFrZQ=="}`))
	_, ok, _ := blocks.Get(id)
	require.False(t, ok)
}
