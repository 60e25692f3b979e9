package ui

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"p2p-comments/internal/engine"
)

// TUIDisplay renders the comment table and diagnostics using tview.
type TUIDisplay struct {
	app      *tview.Application
	comments *tview.TextView
	system   *tview.TextView
	input    *tview.InputField
	peers    *tview.List
	send     func(string)
	once     sync.Once
}

func NewTUIDisplay(send func(string)) *TUIDisplay {
	comments := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	comments.SetBorder(true).SetTitle("Comments")

	system := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	system.SetBorder(true).SetTitle("System")

	peers := tview.NewList().ShowSecondaryText(false)
	peers.SetBorder(true).SetTitle("Peers")

	input := tview.NewInputField().
		SetLabel("> ").
		SetFieldTextColor(tcell.ColorWhite)

	td := &TUIDisplay{
		app:      tview.NewApplication(),
		comments: comments,
		system:   system,
		input:    input,
		peers:    peers,
		send:     send,
	}

	input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			text := strings.TrimSpace(input.GetText())
			if text != "" {
				go td.send(text)
			}
			input.SetText("")
		}
	})

	side := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(peers, 0, 2, false).
		AddItem(system, 0, 1, false)
	body := tview.NewFlex().
		AddItem(comments, 0, 3, false).
		AddItem(side, 0, 1, false)
	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, false).
		AddItem(input, 3, 1, true)

	td.app.SetRoot(layout, true).EnableMouse(true)
	return td
}

func (t *TUIDisplay) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		t.once.Do(t.app.Stop)
	}()
	return t.app.Run()
}

func (t *TUIDisplay) ShowTable(snap engine.Snapshot) {
	var b strings.Builder
	for _, entry := range snap.Comments {
		ts := entry.Comment.Time().Format("15:04:05")
		fmt.Fprintf(&b, "[yellow][%s][-] [lightgreen]%s[-]: %s\n",
			ts, shortID(entry.Comment.From), tview.Escape(entry.Comment.Text))
	}
	title := "Comments"
	if snap.ActiveURL != "" {
		title = fmt.Sprintf("Comments: %s (%d)", snap.ActiveURL, len(snap.Comments))
	}
	text := b.String()
	t.app.QueueUpdateDraw(func() {
		t.comments.SetTitle(title)
		t.comments.SetText(text)
		t.comments.ScrollToEnd()
	})
}

func (t *TUIDisplay) ShowSystem(text string) {
	content := fmt.Sprintf("[green]>>> %s[-]\n", tview.Escape(text))
	t.app.QueueUpdateDraw(func() {
		fmt.Fprint(t.system, content)
	})
}

func (t *TUIDisplay) UpdateDiagnostics(d Diagnostics) {
	t.app.QueueUpdateDraw(func() {
		t.peers.Clear()
		t.peers.SetTitle(fmt.Sprintf("Peers (%d) / Subscribers (%d)", len(d.Peers), len(d.Subscribers)))
		subs := make(map[string]struct{}, len(d.Subscribers))
		for _, s := range d.Subscribers {
			subs[s] = struct{}{}
		}
		for _, p := range d.Peers {
			label := peerLabel(p)
			if _, ok := subs[p.ID]; ok {
				label += " (sub)"
			}
			t.peers.AddItem(label, "", 0, nil)
		}
	})
}
