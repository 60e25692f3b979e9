package network

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	dialQueueSize     = 128
	defaultRecheck    = 5 * time.Second
	defaultJitter     = 2 * time.Second
	defaultMaxBackoff = time.Minute
)

type peerConnector interface {
	ConnectToPeer(string) error
}

// DialOptions tunes a DialScheduler. Zero durations take the defaults; a
// negative Jitter disables it.
type DialOptions struct {
	Connector peerConnector
	Self      string
	// Recheck is the delay before an address is dialed again after a
	// successful dial. ConnectToPeer is a no-op while the link is up, so
	// this is how dropped links come back.
	Recheck time.Duration
	// MaxBackoff caps the doubling delay after consecutive failures.
	MaxBackoff time.Duration
	Jitter     time.Duration
	Log        *zap.SugaredLogger
}

type dialTarget struct {
	failures int
}

// DialScheduler keeps the mesh connected to every address it was given.
type DialScheduler struct {
	cm         peerConnector
	self       string
	recheck    time.Duration
	maxBackoff time.Duration
	jitter     time.Duration
	log        *zap.SugaredLogger

	mu      sync.Mutex
	targets map[string]*dialTarget
	rnd     *rand.Rand

	queue chan string
	quit  chan struct{}
	once  sync.Once
}

func NewDialScheduler(opts DialOptions) *DialScheduler {
	d := &DialScheduler{
		cm:         opts.Connector,
		self:       opts.Self,
		recheck:    opts.Recheck,
		maxBackoff: opts.MaxBackoff,
		jitter:     opts.Jitter,
		log:        opts.Log,
		targets:    make(map[string]*dialTarget),
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
		queue:      make(chan string, dialQueueSize),
		quit:       make(chan struct{}),
	}
	if d.recheck <= 0 {
		d.recheck = defaultRecheck
	}
	if d.maxBackoff <= 0 {
		d.maxBackoff = defaultMaxBackoff
	}
	if d.maxBackoff < d.recheck {
		d.maxBackoff = d.recheck
	}
	if d.jitter == 0 {
		d.jitter = defaultJitter
	}
	if d.log == nil {
		d.log = zap.NewNop().Sugar()
	}
	return d
}

// Add registers addr and queues a first dial. Known addresses are ignored.
func (d *DialScheduler) Add(addr string) {
	if addr == "" || addr == d.self {
		return
	}
	d.mu.Lock()
	_, known := d.targets[addr]
	if !known {
		d.targets[addr] = &dialTarget{}
	}
	d.mu.Unlock()
	if !known {
		d.enqueue(addr)
	}
}

// Desired lists registered addresses in sorted order.
func (d *DialScheduler) Desired() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := make([]string, 0, len(d.targets))
	for addr := range d.targets {
		list = append(list, addr)
	}
	sort.Strings(list)
	return list
}

func (d *DialScheduler) enqueue(addr string) {
	select {
	case d.queue <- addr:
	default:
		d.log.Warnw("dial queue full", "addr", addr)
	}
}

// Run dials queued addresses until ctx ends or Close is called. Dials run one
// at a time.
func (d *DialScheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.quit:
			return
		case addr := <-d.queue:
			d.dial(ctx, addr)
		}
	}
}

func (d *DialScheduler) dial(ctx context.Context, addr string) {
	err := d.cm.ConnectToPeer(addr)

	d.mu.Lock()
	t, ok := d.targets[addr]
	if !ok {
		d.mu.Unlock()
		return
	}
	if err != nil {
		t.failures++
	} else {
		t.failures = 0
	}
	failures := t.failures
	delay := d.delayLocked(failures)
	d.mu.Unlock()

	if err != nil {
		d.log.Debugw("dial failed", "addr", addr, "failures", failures, "retry_in", delay, "error", err)
	}
	d.after(ctx, delay, addr)
}

// delayLocked is recheck doubled per consecutive failure, capped, plus jitter.
func (d *DialScheduler) delayLocked(failures int) time.Duration {
	delay := d.recheck
	for i := 1; i < failures && delay < d.maxBackoff; i++ {
		delay *= 2
	}
	delay = min(delay, d.maxBackoff)
	if d.jitter > 0 {
		delay += time.Duration(d.rnd.Int63n(int64(d.jitter)))
	}
	return delay
}

func (d *DialScheduler) after(ctx context.Context, delay time.Duration, addr string) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-d.quit:
		case <-timer.C:
			d.enqueue(addr)
		}
	}()
}

// Close stops Run and any pending redials. It is safe to call twice.
func (d *DialScheduler) Close() {
	d.once.Do(func() { close(d.quit) })
}
