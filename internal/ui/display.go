package ui

import (
	"p2p-comments/internal/engine"
)

// Peer is one connected transport peer as shown in diagnostics.
type Peer struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// Diagnostics is the periodic view of the transport for display only.
type Diagnostics struct {
	PeerID      string   `json:"peer_id"`
	URL         string   `json:"url"`
	Peers       []Peer   `json:"peers"`
	Subscribers []string `json:"subscribers"`
	Comments    int      `json:"comments"`
	Blocks      int      `json:"blocks"`
}

// Sink is the unified interface every UI surface must satisfy.
type Sink interface {
	ShowTable(engine.Snapshot)
	ShowSystem(string)
	UpdateDiagnostics(Diagnostics)
}

type multiSink struct {
	sinks []Sink
}

// NewMultiSink fans events out to each registered sink.
func NewMultiSink(sinks ...Sink) Sink {
	return &multiSink{sinks: sinks}
}

func (m *multiSink) ShowTable(snap engine.Snapshot) {
	for _, sink := range m.sinks {
		if sink != nil {
			sink.ShowTable(snap)
		}
	}
}

func (m *multiSink) ShowSystem(text string) {
	for _, sink := range m.sinks {
		if sink != nil {
			sink.ShowSystem(text)
		}
	}
}

func (m *multiSink) UpdateDiagnostics(d Diagnostics) {
	for _, sink := range m.sinks {
		if sink != nil {
			sink.UpdateDiagnostics(d)
		}
	}
}

func sameDiagnostics(a, b Diagnostics) bool {
	if a.URL != b.URL || len(a.Peers) != len(b.Peers) || len(a.Subscribers) != len(b.Subscribers) {
		return false
	}
	for i := range a.Peers {
		if a.Peers[i] != b.Peers[i] {
			return false
		}
	}
	for i := range a.Subscribers {
		if a.Subscribers[i] != b.Subscribers[i] {
			return false
		}
	}
	return true
}

func peerLabel(p Peer) string {
	if p.ID == "" {
		return p.Addr
	}
	if len(p.ID) > 12 {
		return p.ID[:12] + "…@" + p.Addr
	}
	return p.ID + "@" + p.Addr
}
