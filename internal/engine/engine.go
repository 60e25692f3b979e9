// Package engine is the comment sync engine: it decides which PublishCid and
// RequestCids messages to accept, merges newly learned comments into the
// active discussion, and drives the push/pull gossip cycle.
//
// Every failure is handled where it happens. Public operations never return
// an error to the shell; drops are logged at debug level and counted.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"p2p-comments/internal/comment"
)

// DefaultFetchTimeout bounds a single content fetch.
const DefaultFetchTimeout = 120 * time.Second

const defaultRebuildLimit = 8

// Bus is the broadcast channel.
type Bus interface {
	Publish(topic string, data []byte) error
	Subscribe(topic string, handler func(data []byte)) error
}

// Content is the content-addressed store.
type Content interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, cid string, timeout time.Duration) ([]byte, error)
}

// Index is the per-URL known-CID set.
type Index interface {
	Known(url string) []string
	Add(url, cid string) (bool, error)
}

// Identity supplies the local peer identifier.
type Identity interface {
	LocalPeerID(ctx context.Context) (string, error)
}

// Options configures an Engine.
type Options struct {
	Bus     Bus
	Content Content
	Index   Index
	// PeerID may be left empty and supplied later through Identify.
	PeerID       string
	FetchTimeout time.Duration
	RebuildLimit int
	Metrics      *Metrics
	Log          *zap.SugaredLogger
	Now          func() time.Time
}

// Engine owns the protocol state of one peer.
type Engine struct {
	bus          Bus
	content      Content
	index        Index
	fetchTimeout time.Duration
	rebuildLimit int
	metrics      *Metrics
	log          *zap.SugaredLogger
	now          func() time.Time

	mu        sync.Mutex
	peerID    string
	activeURL string
	table     *table
	// gen increments on every URL switch; rebuilds started under an older
	// generation are discarded.
	gen      uint64
	onChange func(Snapshot)
}

func New(opts Options) *Engine {
	e := &Engine{
		bus:          opts.Bus,
		content:      opts.Content,
		index:        opts.Index,
		fetchTimeout: opts.FetchTimeout,
		rebuildLimit: opts.RebuildLimit,
		metrics:      opts.Metrics,
		log:          opts.Log,
		now:          opts.Now,
		peerID:       opts.PeerID,
		table:        newTable(),
	}
	if e.fetchTimeout <= 0 {
		e.fetchTimeout = DefaultFetchTimeout
	}
	if e.rebuildLimit <= 0 {
		e.rebuildLimit = defaultRebuildLimit
	}
	if e.log == nil {
		e.log = zap.NewNop().Sugar()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Start subscribes the message handlers. Handlers use ctx for their I/O.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.bus.Subscribe(comment.TopicPublishCid, func(data []byte) {
		e.HandlePublishCid(ctx, data)
	}); err != nil {
		return errors.Wrap(err, "subscribe publish")
	}
	if err := e.bus.Subscribe(comment.TopicRequestCids, func(data []byte) {
		e.HandleRequestCids(ctx, data)
	}); err != nil {
		return errors.Wrap(err, "subscribe request")
	}
	return nil
}

// Identify asks src for the local peer identifier once.
func (e *Engine) Identify(ctx context.Context, src Identity) error {
	id, err := src.LocalPeerID(ctx)
	if err != nil {
		return errors.Wrap(err, "local peer id")
	}
	if id == "" {
		return errors.New("empty peer id")
	}
	e.mu.Lock()
	e.peerID = id
	e.mu.Unlock()
	return nil
}

// OnChange registers fn to receive a snapshot after every table change.
func (e *Engine) OnChange(fn func(Snapshot)) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// Snapshot copies the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{PeerID: e.peerID, ActiveURL: e.activeURL, Comments: e.table.entries()}
}

func (e *Engine) viewLocked() View {
	return View{PeerID: e.peerID, ActiveURL: e.activeURL, InTable: e.table.has}
}

// HandlePublishCid processes one inbound PublishCid payload.
func (e *Engine) HandlePublishCid(ctx context.Context, raw []byte) {
	e.mu.Lock()
	msg, verdict := JudgePublishCid(e.viewLocked(), raw)
	e.mu.Unlock()
	e.metrics.handled(comment.TopicPublishCid, verdict)
	if verdict != Accept {
		e.log.Debugw("publish dropped", "verdict", verdict, "from", msg.From, "cid", msg.CID)
		return
	}

	c, err := e.fetch(ctx, msg.CID)
	if err != nil {
		e.log.Debugw("publish fetch failed", "cid", msg.CID, "error", err)
		return
	}
	if _, err := e.index.Add(msg.URL, msg.CID); err != nil {
		e.log.Warnw("index add failed", "url", msg.URL, "cid", msg.CID, "error", err)
	}
	e.merge(msg.URL, []Entry{{CID: msg.CID, Comment: c}})
}

// HandleRequestCids answers a RequestCids payload with one targeted
// PublishCid per CID known for the requested URL.
func (e *Engine) HandleRequestCids(_ context.Context, raw []byte) {
	e.mu.Lock()
	view := e.viewLocked()
	e.mu.Unlock()
	msg, verdict := JudgeRequestCids(view, raw)
	e.metrics.handled(comment.TopicRequestCids, verdict)
	if verdict != Accept {
		e.log.Debugw("request dropped", "verdict", verdict, "from", msg.From)
		return
	}
	if view.PeerID == "" {
		return
	}
	for _, reply := range Replies(view.PeerID, msg, e.index.Known(msg.URL)) {
		e.publish(comment.TopicPublishCid, reply)
	}
}

// Sync rebuilds the active table, pushes every CID in it and then asks peers
// for what we are missing.
func (e *Engine) Sync(ctx context.Context) {
	e.mu.Lock()
	url, self, gen := e.activeURL, e.peerID, e.gen
	e.mu.Unlock()
	if url == "" || self == "" {
		return
	}

	e.rebuild(ctx, url, gen)
	cids, ok := e.tableCIDs(gen)
	if !ok {
		e.log.Debugw("sync abandoned, discussion changed", "url", url)
		return
	}
	for _, cid := range cids {
		e.publish(comment.TopicPublishCid, comment.PublishCid{From: self, URL: url, CID: cid})
	}
	e.publish(comment.TopicRequestCids, comment.RequestCids{From: self, URL: url})
}

// SetActiveURL switches the displayed discussion, rebuilds its table and
// sends a single RequestCids. Repeating the current URL is a no-op, as is any
// call before the peer identifier is known.
func (e *Engine) SetActiveURL(ctx context.Context, url string) {
	e.mu.Lock()
	if url == e.activeURL || e.peerID == "" {
		e.mu.Unlock()
		return
	}
	self := e.peerID
	e.activeURL = url
	e.gen++
	gen := e.gen
	e.table = newTable()
	snap, notify := e.snapshotLocked(), e.onChange
	e.mu.Unlock()
	e.changed(snap, notify)

	if url == "" {
		return
	}
	e.rebuild(ctx, url, gen)
	e.publish(comment.TopicRequestCids, comment.RequestCids{From: self, URL: url})
}

// AddComment authors a comment for the active discussion and announces it.
// It returns the new CID, or "" when nothing was added. Text longer than
// comment.MaxTextBytes is refused.
func (e *Engine) AddComment(ctx context.Context, text string) string {
	e.mu.Lock()
	url, self := e.activeURL, e.peerID
	e.mu.Unlock()
	if url == "" || self == "" || text == "" {
		return ""
	}
	if err := comment.CheckText(text); err != nil {
		e.log.Warnw("comment rejected", "bytes", len(text), "error", err)
		return ""
	}

	c := comment.New(self, text, e.now())
	data, err := c.Encode()
	if err != nil {
		e.log.Warnw("encode comment failed", "error", err)
		return ""
	}
	cid, err := e.content.Put(ctx, data)
	if err != nil {
		e.log.Warnw("store comment failed", "error", err)
		return ""
	}
	if _, err := e.index.Add(url, cid); err != nil {
		e.log.Warnw("index add failed", "url", url, "cid", cid, "error", err)
	}
	e.merge(url, []Entry{{CID: cid, Comment: c}})
	e.publish(comment.TopicPublishCid, comment.PublishCid{From: self, URL: url, CID: cid})
	return cid
}

func (e *Engine) fetch(ctx context.Context, cid string) (comment.Comment, error) {
	data, err := e.content.Get(ctx, cid, e.fetchTimeout)
	if err != nil {
		e.metrics.fetchFailed()
		return comment.Comment{}, err
	}
	c, err := comment.Decode(data)
	if err != nil {
		e.metrics.fetchFailed()
		return comment.Comment{}, err
	}
	return c, nil
}

// rebuild resolves every known CID for url and merges the results into the
// table if url is still active under generation gen. Unresolvable CIDs are
// omitted.
func (e *Engine) rebuild(ctx context.Context, url string, gen uint64) {
	known := e.index.Known(url)
	results := make([]*Entry, len(known))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.rebuildLimit)
	for i, cid := range known {
		i, cid := i, cid
		g.Go(func() error {
			c, err := e.fetch(gctx, cid)
			if err != nil {
				e.log.Debugw("rebuild omitted cid", "url", url, "cid", cid, "error", err)
				return nil
			}
			results[i] = &Entry{CID: cid, Comment: c}
			return nil
		})
	}
	_ = g.Wait()

	resolved := make([]Entry, 0, len(known))
	for _, r := range results {
		if r != nil {
			resolved = append(resolved, *r)
		}
	}

	e.mu.Lock()
	stale := e.gen != gen
	e.mu.Unlock()
	if stale {
		e.log.Debugw("discarding stale rebuild", "url", url)
		return
	}
	e.merge(url, resolved)
}

// merge adds entries to the table when url is the active discussion.
func (e *Engine) merge(url string, entries []Entry) {
	e.mu.Lock()
	if url != e.activeURL {
		e.mu.Unlock()
		return
	}
	changed := false
	for _, entry := range entries {
		if e.table.put(entry.CID, entry.Comment) {
			changed = true
		}
	}
	if !changed {
		e.mu.Unlock()
		return
	}
	snap, notify := e.snapshotLocked(), e.onChange
	e.mu.Unlock()
	e.changed(snap, notify)
}

func (e *Engine) changed(snap Snapshot, notify func(Snapshot)) {
	e.metrics.tableSize(len(snap.Comments))
	if notify != nil {
		notify(snap)
	}
}

// tableCIDs lists the table, or reports false when the discussion has changed
// since generation gen.
func (e *Engine) tableCIDs(gen uint64) ([]string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return nil, false
	}
	return e.table.cids(), true
}

type encoder interface {
	Encode() ([]byte, error)
}

func (e *Engine) publish(topic string, msg encoder) {
	data, err := msg.Encode()
	if err != nil {
		e.log.Warnw("encode message failed", "topic", topic, "error", err)
		return
	}
	if err := e.bus.Publish(topic, data); err != nil {
		e.log.Debugw("publish failed", "topic", topic, "error", err)
		return
	}
	e.metrics.published(topic)
}
