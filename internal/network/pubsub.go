package network

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Handler receives the payload of a topic message.
type Handler func(data []byte)

// transport is what the router needs from ConnManager.
type transport interface {
	Broadcast(frame Frame, except string)
	Send(remote string, frame Frame) error
	ConnsList() []string
	SetAlias(key, listenAddr string)
}

// PeerInfo describes a connected neighbour.
type PeerInfo struct {
	ID     string   `json:"id"`
	Addr   string   `json:"addr"`
	Topics []string `json:"topics,omitempty"`
}

type neighbour struct {
	id     string
	addr   string
	topics map[string]struct{}
}

// PubSubOptions configures the router.
type PubSubOptions struct {
	Transport  transport
	PeerID     string
	ListenAddr string
	CacheTTL   time.Duration
	Log        *zap.SugaredLogger
}

// PubSub is a topic router over the peer mesh. Published frames are flooded:
// every peer delivers an unseen frame to its local subscribers and forwards it
// on every other link.
type PubSub struct {
	tr         transport
	self       string
	listenAddr string
	cache      *MsgCache
	log        *zap.SugaredLogger

	mu         sync.RWMutex
	handlers   map[string][]Handler
	neighbours map[string]*neighbour
}

func NewPubSub(opts PubSubOptions) *PubSub {
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &PubSub{
		tr:         opts.Transport,
		self:       opts.PeerID,
		listenAddr: opts.ListenAddr,
		cache:      NewMsgCache(opts.CacheTTL),
		log:        log,
		handlers:   make(map[string][]Handler),
		neighbours: make(map[string]*neighbour),
	}
}

// LocalPeerID returns this node's identifier.
func (p *PubSub) LocalPeerID(context.Context) (string, error) {
	if p.self == "" {
		return "", errors.New("peer id not configured")
	}
	return p.self, nil
}

// Subscribe registers h for topic and re-announces our topics to neighbours.
func (p *PubSub) Subscribe(topic string, h func(data []byte)) error {
	if topic == "" || h == nil {
		return errors.New("subscribe requires topic and handler")
	}
	p.mu.Lock()
	_, existed := p.handlers[topic]
	p.handlers[topic] = append(p.handlers[topic], h)
	p.mu.Unlock()
	if !existed {
		p.tr.Broadcast(p.hello(), "")
	}
	return nil
}

// Publish floods data on topic. The publisher's own handlers are not invoked.
func (p *PubSub) Publish(topic string, data []byte) error {
	if topic == "" {
		return errors.New("publish requires topic")
	}
	frame := Frame{
		Kind:  KindPub,
		ID:    ulid.Make().String(),
		From:  p.self,
		Topic: topic,
		Data:  data,
	}
	p.cache.Seen(frame.ID)
	p.tr.Broadcast(frame, "")
	return nil
}

// HandleConnect greets a new neighbour. Register it with ConnManager.SetOnConnect.
func (p *PubSub) HandleConnect(remote string) {
	if err := p.tr.Send(remote, p.hello()); err != nil {
		p.log.Debugw("hello failed", "remote", remote, "error", err)
	}
}

func (p *PubSub) hello() Frame {
	return Frame{Kind: KindHello, From: p.self, Addr: p.listenAddr, Topics: p.topics()}
}

func (p *PubSub) topics() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Run consumes inbound frames until ctx is done or in is closed.
func (p *PubSub) Run(ctx context.Context, in <-chan Inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			p.handleFrame(msg)
		}
	}
}

func (p *PubSub) handleFrame(in Inbound) {
	switch in.Frame.Kind {
	case KindHello:
		p.recordNeighbour(in)
	case KindPub:
		f := in.Frame
		if f.ID == "" || f.Topic == "" {
			return
		}
		if p.cache.Seen(f.ID) {
			return
		}
		if f.From != p.self {
			p.deliver(f.Topic, f.Data)
		}
		p.tr.Broadcast(f, in.Remote)
	}
}

func (p *PubSub) recordNeighbour(in Inbound) {
	topics := make(map[string]struct{}, len(in.Frame.Topics))
	for _, t := range in.Frame.Topics {
		topics[t] = struct{}{}
	}
	p.mu.Lock()
	p.neighbours[in.Remote] = &neighbour{id: in.Frame.From, addr: in.Frame.Addr, topics: topics}
	p.mu.Unlock()
	p.tr.SetAlias(in.Remote, in.Frame.Addr)
}

// deliver runs each handler on its own goroutine so a handler waiting on the
// network never stalls the router.
func (p *PubSub) deliver(topic string, data []byte) {
	p.mu.RLock()
	hs := append([]Handler(nil), p.handlers[topic]...)
	p.mu.RUnlock()
	for _, h := range hs {
		go h(data)
	}
}

// Peers lists neighbours with an open connection.
func (p *PubSub) Peers() []PeerInfo {
	live := make(map[string]struct{})
	for _, key := range p.tr.ConnsList() {
		live[key] = struct{}{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PeerInfo, 0, len(live))
	for key, n := range p.neighbours {
		if _, ok := live[key]; !ok {
			delete(p.neighbours, key)
			continue
		}
		info := PeerInfo{ID: n.id, Addr: n.addr}
		if info.Addr == "" {
			info.Addr = key
		}
		for t := range n.topics {
			info.Topics = append(info.Topics, t)
		}
		sort.Strings(info.Topics)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribers lists the IDs of connected neighbours subscribed to topic.
func (p *PubSub) Subscribers(topic string) []string {
	var out []string
	for _, peer := range p.Peers() {
		for _, t := range peer.Topics {
			if t == topic {
				out = append(out, peer.ID)
				break
			}
		}
	}
	return out
}
