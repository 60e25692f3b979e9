// Package content implements the content-addressed store the comment engine
// reads and writes through: blocks are kept locally and missing blocks are
// requested from other peers over the broadcast channel.
package content

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Exchange topics.
const (
	TopicWantBlock = "WANT_BLOCK"
	TopicBlock     = "BLOCK"
)

// MaxBlockBytes is the largest block Put accepts. A BLOCK answer carrying it
// is base64-encoded twice on the way to the wire and may be sealed; the
// result still fits in one mesh frame.
const MaxBlockBytes = 1 << 20

var (
	ErrTimeout  = errors.New("content fetch timed out")
	ErrNotFound = errors.New("content not found")
	ErrTooLarge = errors.Newf("block exceeds %d bytes", MaxBlockBytes)
)

// Blocks is the local block storage.
type Blocks interface {
	Get(cid string) ([]byte, bool, error)
	Put(cid string, data []byte) error
}

// Bus is the subset of the broadcast channel the exchange needs.
type Bus interface {
	Publish(topic string, data []byte) error
	Subscribe(topic string, handler func([]byte)) error
}

type wantMsg struct {
	From string `json:"from"`
	CID  string `json:"cid"`
}

type blockMsg struct {
	From string `json:"from"`
	To   string `json:"to,omitempty"`
	CID  string `json:"cid"`
	Data []byte `json:"data"`
}

// Options configures a Store.
type Options struct {
	Blocks Blocks
	// Bus may be nil for a purely local store.
	Bus    Bus
	PeerID string
	Log    *zap.SugaredLogger
}

// Store is the Content Store: Put returns a CID, Get resolves one, locally or
// from the network, bounded by a caller-supplied timeout.
type Store struct {
	blocks Blocks
	bus    Bus
	peerID string
	log    *zap.SugaredLogger

	mu      sync.Mutex
	waiters map[string][]chan []byte
}

func NewStore(opts Options) *Store {
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{
		blocks:  opts.Blocks,
		bus:     opts.Bus,
		peerID:  opts.PeerID,
		log:     log,
		waiters: make(map[string][]chan []byte),
	}
}

// Start subscribes the exchange handlers. It is a no-op without a bus.
func (s *Store) Start() error {
	if s.bus == nil {
		return nil
	}
	if err := s.bus.Subscribe(TopicWantBlock, s.handleWant); err != nil {
		return errors.Wrap(err, "subscribe want")
	}
	if err := s.bus.Subscribe(TopicBlock, s.handleBlock); err != nil {
		return errors.Wrap(err, "subscribe block")
	}
	return nil
}

// Put stores data and returns its CID. Storing the same bytes twice yields the
// same CID and a single block.
func (s *Store) Put(_ context.Context, data []byte) (string, error) {
	if len(data) > MaxBlockBytes {
		return "", errors.Wrapf(ErrTooLarge, "%d bytes", len(data))
	}
	id, err := Sum(data)
	if err != nil {
		return "", err
	}
	if err := s.blocks.Put(id, data); err != nil {
		return "", errors.Wrapf(err, "store block %s", id)
	}
	return id, nil
}

// Get resolves id. A local block is returned immediately; otherwise a want is
// broadcast and Get waits for a verified block until timeout elapses or ctx
// is done. timeout <= 0 waits on ctx alone.
func (s *Store) Get(ctx context.Context, id string, timeout time.Duration) ([]byte, error) {
	if !Valid(id) {
		return nil, errors.Wrapf(ErrNotFound, "invalid cid %q", id)
	}
	if data, ok, err := s.blocks.Get(id); err != nil {
		return nil, errors.Wrapf(err, "read block %s", id)
	} else if ok {
		return data, nil
	}
	if s.bus == nil {
		return nil, errors.Wrapf(ErrNotFound, "cid %s", id)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ch, first := s.addWaiter(id)
	defer s.removeWaiter(id, ch)

	// Re-check after registering so a block that landed in between is not missed.
	if data, ok, _ := s.blocks.Get(id); ok {
		return data, nil
	}
	if first {
		if err := s.publish(TopicWantBlock, wantMsg{From: s.peerID, CID: id}); err != nil {
			s.log.Debugw("want publish failed", "cid", id, "error", err)
		}
	}

	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.Wrapf(ErrTimeout, "cid %s", id)
		}
		return nil, ctx.Err()
	}
}

func (s *Store) addWaiter(id string) (chan []byte, bool) {
	ch := make(chan []byte, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	first := len(s.waiters[id]) == 0
	s.waiters[id] = append(s.waiters[id], ch)
	return ch, first
}

func (s *Store) removeWaiter(id string, ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.waiters, id)
		return
	}
	s.waiters[id] = list
}

func (s *Store) handleWant(raw []byte) {
	var want wantMsg
	if err := json.Unmarshal(raw, &want); err != nil || want.CID == "" {
		return
	}
	if want.From == s.peerID {
		return
	}
	data, ok, err := s.blocks.Get(want.CID)
	if err != nil || !ok {
		return
	}
	if err := s.publish(TopicBlock, blockMsg{From: s.peerID, To: want.From, CID: want.CID, Data: data}); err != nil {
		s.log.Debugw("block publish failed", "cid", want.CID, "error", err)
	}
}

func (s *Store) handleBlock(raw []byte) {
	var blk blockMsg
	if err := json.Unmarshal(raw, &blk); err != nil || blk.CID == "" || len(blk.Data) > MaxBlockBytes {
		return
	}
	if blk.From == s.peerID {
		return
	}
	s.mu.Lock()
	waiting := len(s.waiters[blk.CID]) > 0
	s.mu.Unlock()
	// Blocks addressed elsewhere are still cached when we are waiting for them.
	if blk.To != "" && blk.To != s.peerID && !waiting {
		return
	}
	if err := Verify(blk.CID, blk.Data); err != nil {
		s.log.Debugw("discarding block", "cid", blk.CID, "error", err)
		return
	}
	if err := s.blocks.Put(blk.CID, blk.Data); err != nil {
		s.log.Warnw("cache block failed", "cid", blk.CID, "error", err)
	}
	s.mu.Lock()
	for _, ch := range s.waiters[blk.CID] {
		select {
		case ch <- blk.Data:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Store) publish(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", topic)
	}
	return s.bus.Publish(topic, data)
}
