package bootstrap

import (
	"encoding/json"
	"net/http"
	"strings"
)

type registerRequest struct {
	Addr   string `json:"addr"`
	PeerID string `json:"peer_id"`
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req.Addr = strings.TrimSpace(req.Addr)
	if req.Addr == "" {
		http.Error(w, "missing addr", http.StatusBadRequest)
		return
	}
	a.Store.Register(req.Addr, req.PeerID)
	a.log.Debugw("peer registered", "addr", req.Addr, "peer_id", req.PeerID)
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *App) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("detail") == "1" {
		a.writeJSON(w, http.StatusOK, a.Store.Entries())
		return
	}
	a.writeJSON(w, http.StatusOK, a.Store.List())
}

func (a *App) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.log.Warnw("write json", "error", err)
	}
}
