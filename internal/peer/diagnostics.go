package peer

import "time"

// diagnosticsLoop feeds the sinks a fresh diagnostics view until shutdown.
func (a *App) diagnosticsLoop() {
	ticker := time.NewTicker(a.Cfg.DiagEvery)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.sink.UpdateDiagnostics(a.Diagnostics())
		}
	}
}
