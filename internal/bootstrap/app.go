package bootstrap

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httplog"
	"go.uber.org/zap"

	"p2p-comments/internal/peerlist"
)

// App wraps the bootstrap HTTP server and peer registry state.
type App struct {
	Cfg   *Config
	Store *peerlist.Store
	log   *zap.SugaredLogger
	srv   *http.Server
	addr  string
}

// NewApp wires the dependencies required to run the bootstrap server.
func NewApp(cfg *Config, log *zap.SugaredLogger) *App {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &App{
		Cfg:   cfg,
		Store: peerlist.NewStore(cfg.PeerTTL),
		log:   log,
	}
}

// Router returns the HTTP routes.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/register", a.handleRegister)
	r.Get("/peers", a.handlePeers)
	reqLog := httplog.NewLogger("p2p-comments-bootstrap", httplog.Options{JSON: a.Cfg.LogJSON, Concise: true})
	return httplog.RequestLogger(reqLog)(r)
}

// Start binds the listener and serves in the background.
func (a *App) Start() error {
	ln, err := net.Listen("tcp", a.Cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", a.Cfg.Addr)
	}
	a.addr = ln.Addr().String()
	a.srv = &http.Server{
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Errorw("bootstrap server stopped", "error", err)
		}
	}()

	a.log.Infow("bootstrap server listening", "addr", a.addr, "peer_ttl", a.Cfg.PeerTTL)
	return nil
}

// Addr is the bound listen address once started.
func (a *App) Addr() string { return a.addr }

// Shutdown gracefully stops the HTTP server.
func (a *App) Shutdown(ctx context.Context) error {
	if a.srv == nil {
		return nil
	}
	return a.srv.Shutdown(ctx)
}

// WaitForShutdown blocks on SIGINT/SIGTERM and then shuts down the app.
func WaitForShutdown(app *App) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	app.log.Info("bootstrap shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		app.log.Warnw("graceful shutdown failed", "error", err)
	}
}
