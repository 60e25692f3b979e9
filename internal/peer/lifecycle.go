package peer

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"

	"p2p-comments/internal/ui"
)

// Start launches background goroutines and the configured UIs.
func (a *App) Start() error {
	var err error
	a.startOnce.Do(func() {
		err = a.start()
	})
	return err
}

func (a *App) start() error {
	var sinks []ui.Sink
	if a.Cfg.UseCLI {
		a.cli = ui.NewCLIDisplay(ui.ShouldUseColor(a.Cfg.NoColor))
		sinks = append(sinks, a.cli)
	}
	if a.Cfg.UseTUI {
		a.tui = ui.NewTUIDisplay(a.ProcessLine)
		sinks = append(sinks, a.tui)
	}
	if a.Cfg.UseWeb {
		a.web = ui.NewWebBridge(ui.WebBridgeOptions{
			Addr:       a.Cfg.WebAddr,
			Controller: a,
			Gatherer:   a.Registry,
			Log:        a.Log.Named("web"),
		})
		sinks = append(sinks, a.web)
	}
	sinks = append(sinks, a.extra...)
	a.sink = ui.NewMultiSink(sinks...)
	a.Engine.OnChange(a.sink.ShowTable)

	if a.tui != nil {
		go func() {
			if err := a.tui.Run(a.ctx); err != nil {
				a.Log.Warnw("tui stopped", "error", err)
			}
			a.cancel()
		}()
	}
	if a.web != nil {
		go func() {
			if err := a.web.Run(a.ctx); err != nil {
				a.Log.Warnw("web ui stopped", "error", err)
			}
		}()
	}

	if err := a.Content.Start(); err != nil {
		return errors.Wrap(err, "start content exchange")
	}
	if err := a.Engine.Start(a.ctx); err != nil {
		return errors.Wrap(err, "start engine")
	}
	if err := a.PubSub.Subscribe(TopicPeerAddrs, a.handlePeerAddrs); err != nil {
		return errors.Wrap(err, "subscribe peer addrs")
	}

	go a.PubSub.Run(a.ctx, a.ConnMgr.Incoming)
	go a.Scheduler.Run(a.ctx)

	if err := a.registerSelf(); err != nil {
		a.Log.Warnw("register failed", "error", err)
	}
	a.connectToBootstrapPeers()

	go a.pollBootstrapLoop()
	go a.gossipLoop()
	go a.diagnosticsLoop()

	if a.Cfg.UseCLI {
		go a.ReadCLIInput(os.Stdin)
	}
	if a.Cfg.URL != "" {
		go a.Open(a.ctx, a.Cfg.URL)
	}
	return nil
}

// Shutdown stops background goroutines and releases resources.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.cancel()
		if a.web != nil {
			a.web.Close()
		}
		if a.Scheduler != nil {
			a.Scheduler.Close()
		}
		if a.ConnMgr != nil {
			a.ConnMgr.Stop()
		}
		if a.Blocks != nil {
			_ = a.Blocks.Close()
		}
		if a.IndexKV != nil {
			_ = a.IndexKV.Close()
		}
	})
}

// WaitForShutdown blocks until SIGINT/SIGTERM or /quit, then stops the app.
func WaitForShutdown(app *App) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	select {
	case <-sig:
	case <-app.ctx.Done():
	}
	app.Log.Info("shutting down")
	app.Shutdown()
}
