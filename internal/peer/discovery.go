package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// TopicPeerAddrs carries gossiped listen addresses so peers learn about each
// other without the bootstrap server.
const TopicPeerAddrs = "PEER_ADDRS"

const gossipEvery = 15 * time.Second

var httpClient = &http.Client{Timeout: 5 * time.Second}

type peerAddrs struct {
	From  string   `json:"from"`
	Addrs []string `json:"addrs"`
}

func (a *App) registerSelf() error {
	if a.Cfg.BootstrapURL == "" {
		return nil
	}
	body, err := json.Marshal(map[string]string{"addr": a.SelfAddr, "peer_id": a.Key.PeerID()})
	if err != nil {
		return errors.Wrap(err, "encode register")
	}
	req, err := http.NewRequestWithContext(a.ctx, http.MethodPost,
		strings.TrimRight(a.Cfg.BootstrapURL, "/")+"/register", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build register request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "register")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("register: bootstrap answered %s", resp.Status)
	}
	return nil
}

func fetchPeers(ctx context.Context, url string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(url, "/")+"/peers", nil)
	if err != nil {
		return nil, errors.Wrap(err, "build peers request")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch peers")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, errors.Newf("fetch peers: bootstrap answered %s", resp.Status)
	}
	var peers []string
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		return nil, errors.Wrap(err, "decode peers")
	}
	return peers, nil
}

func (a *App) connectToBootstrapPeers() {
	if a.Cfg.BootstrapURL == "" {
		return
	}
	peers, err := fetchPeers(a.ctx, a.Cfg.BootstrapURL)
	if err != nil {
		a.Log.Warnw("fetch peers failed", "error", err)
		return
	}
	for _, addr := range peers {
		a.Scheduler.Add(addr)
	}
}

// pollBootstrapLoop refreshes our registration and feeds new addresses to
// the dial scheduler.
func (a *App) pollBootstrapLoop() {
	if a.Cfg.BootstrapURL == "" || a.Cfg.PollEvery <= 0 {
		return
	}
	ticker := time.NewTicker(a.Cfg.PollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.registerSelf(); err != nil {
				a.Log.Debugw("re-register failed", "error", err)
			}
			peers, err := fetchPeers(a.ctx, a.Cfg.BootstrapURL)
			if err != nil {
				a.Log.Debugw("poll peers failed", "error", err)
				continue
			}
			for _, addr := range peers {
				a.Scheduler.Add(addr)
			}
		}
	}
}

func (a *App) gossipLoop() {
	ticker := time.NewTicker(gossipEvery)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.publishPeerAddrs()
		}
	}
}

func (a *App) publishPeerAddrs() {
	addrs := append(a.Scheduler.Desired(), a.SelfAddr)
	data, err := json.Marshal(peerAddrs{From: a.Key.PeerID(), Addrs: addrs})
	if err != nil {
		return
	}
	if err := a.PubSub.Publish(TopicPeerAddrs, data); err != nil {
		a.Log.Debugw("gossip addrs failed", "error", err)
	}
}

func (a *App) handlePeerAddrs(data []byte) {
	var msg peerAddrs
	if err := json.Unmarshal(data, &msg); err != nil {
		a.Log.Debugw("bad peer addrs", "error", err)
		return
	}
	for _, addr := range msg.Addrs {
		a.Scheduler.Add(addr)
	}
}
