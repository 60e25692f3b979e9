package peer

import (
	"context"

	"p2p-comments/internal/comment"
	"p2p-comments/internal/engine"
	"p2p-comments/internal/ui"
)

// The App is the shell the UIs drive.

func (a *App) Snapshot() engine.Snapshot { return a.Engine.Snapshot() }

func (a *App) Open(ctx context.Context, url string) { a.Engine.SetActiveURL(ctx, url) }

func (a *App) Comment(ctx context.Context, text string) string {
	return a.Engine.AddComment(ctx, text)
}

func (a *App) Sync(ctx context.Context) { a.Engine.Sync(ctx) }

// Diagnostics lists connected transport peers and PUBLISH_CID subscribers.
func (a *App) Diagnostics() ui.Diagnostics {
	snap := a.Engine.Snapshot()
	d := ui.Diagnostics{
		PeerID:      snap.PeerID,
		URL:         snap.ActiveURL,
		Comments:    len(snap.Comments),
		Subscribers: a.PubSub.Subscribers(comment.TopicPublishCid),
	}
	for _, p := range a.PubSub.Peers() {
		d.Peers = append(d.Peers, ui.Peer{ID: p.ID, Addr: p.Addr})
	}
	if n, err := a.Blocks.Count(); err == nil {
		d.Blocks = n
	}
	return d
}

var _ ui.Controller = (*App)(nil)
