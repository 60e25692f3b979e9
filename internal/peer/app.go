package peer

import (
	"context"
	"database/sql"
	"sync"

	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"p2p-comments/internal/content"
	"p2p-comments/internal/crypto"
	"p2p-comments/internal/engine"
	"p2p-comments/internal/index"
	"p2p-comments/internal/network"
	"p2p-comments/internal/storage"
	"p2p-comments/internal/ui"
)

// indexBackend is the key/value store behind the known-CID index.
type indexBackend interface {
	index.KV
	Close() error
}

// App encapsulates the peer runtime components.
type App struct {
	Cfg *Config
	Log *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	Key       *crypto.NodeKey
	ConnMgr   *network.ConnManager
	PubSub    *network.PubSub
	Scheduler *network.DialScheduler
	Blocks    *storage.BlockStore
	Content   *content.Store
	IndexKV   indexBackend
	Index     *index.Index
	Engine    *engine.Engine
	Registry  *prometheus.Registry
	SelfAddr  string

	sink  ui.Sink
	extra []ui.Sink
	cli   *ui.CLIDisplay
	tui   *ui.TUIDisplay
	web   *ui.WebBridge

	startOnce    sync.Once
	shutdownOnce sync.Once
}

// NewApp wires all peer dependencies according to the provided config.
func NewApp(cfg *Config, log *zap.SugaredLogger) (*App, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{Cfg: cfg, Log: log, ctx: ctx, cancel: cancel, sink: ui.NewMultiSink()}
	if err := a.wire(); err != nil {
		a.Shutdown()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg := a.Cfg
	var err error

	a.Key, err = crypto.LoadOrCreateNodeKey(cfg.path("node.key"))
	if err != nil {
		return err
	}
	peerID := a.Key.PeerID()
	a.Log = a.Log.With("peer", shortPeer(peerID))

	box, err := crypto.NewBox(cfg.Secret)
	if err != nil {
		return errors.Wrap(err, "init encryption")
	}

	a.ConnMgr = network.NewConnManager(cfg.ListenAddr, box, a.Log.Named("net"))
	if err := a.ConnMgr.StartListen(); err != nil {
		return err
	}
	a.SelfAddr = a.ConnMgr.Addr()
	a.PubSub = network.NewPubSub(network.PubSubOptions{
		Transport:  a.ConnMgr,
		PeerID:     peerID,
		ListenAddr: a.SelfAddr,
		Log:        a.Log.Named("pubsub"),
	})
	a.ConnMgr.SetOnConnect(a.PubSub.HandleConnect)
	a.Scheduler = network.NewDialScheduler(network.DialOptions{
		Connector: a.ConnMgr,
		Self:      a.SelfAddr,
		Log:       a.Log.Named("dial"),
	})
	a.Log.Infow("peer listening", "addr", a.SelfAddr, "encryption", a.ConnMgr.EncryptionEnabled(), "peer_id", peerID)

	a.Blocks, err = storage.OpenBlockStore(cfg.path("blocks.db"))
	if err != nil {
		return err
	}
	a.Content = content.NewStore(content.Options{
		Blocks: a.Blocks,
		Bus:    a.PubSub,
		PeerID: peerID,
		Log:    a.Log.Named("content"),
	})

	a.IndexKV, err = openIndex(cfg)
	if err != nil {
		return err
	}
	a.Index = index.New(a.IndexKV, a.Log.Named("index"))

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "p2pc",
		Subsystem: "network",
		Name:      "connections",
		Help:      "Open peer connections.",
	}, func() float64 { return float64(len(a.ConnMgr.ConnsList())) }))
	a.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "p2pc",
		Subsystem: "content",
		Name:      "blocks",
		Help:      "Blocks held in the local block store.",
	}, func() float64 {
		n, _ := a.Blocks.Count()
		return float64(n)
	}))

	a.Engine = engine.New(engine.Options{
		Bus:          a.PubSub,
		Content:      a.Content,
		Index:        a.Index,
		FetchTimeout: cfg.FetchTimeout,
		Metrics:      engine.NewMetrics(a.Registry),
		Log:          a.Log.Named("engine"),
	})
	if err := a.Engine.Identify(a.ctx, a.PubSub); err != nil {
		return err
	}
	return nil
}

func openIndex(cfg *Config) (indexBackend, error) {
	if cfg.IndexDSN == "" {
		store, err := storage.OpenIndexStore(cfg.path("index.db"))
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	db, err := sql.Open("pgx", cfg.IndexDSN)
	if err != nil {
		return nil, errors.Wrap(err, "open index db")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping index db")
	}
	store, err := storage.NewSQLIndexStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Context is cancelled on shutdown.
func (a *App) Context() context.Context { return a.ctx }

// Sink is the combined display surface.
func (a *App) Sink() ui.Sink { return a.sink }

// AttachSink adds a display surface. Call it before Start.
func (a *App) AttachSink(s ui.Sink) {
	a.extra = append(a.extra, s)
}

func shortPeer(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
