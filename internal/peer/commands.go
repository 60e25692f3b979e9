package peer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"p2p-comments/internal/comment"
)

const helpText = "commands: /open <url> /sync /table /peers /subs /stats /quit; anything else is posted as a comment"

// ReadCLIInput feeds every line of reader to ProcessLine until EOF.
func (a *App) ReadCLIInput(reader io.Reader) {
	buf := bufio.NewReader(reader)
	for {
		line, err := buf.ReadString('\n')
		if line != "" {
			a.ProcessLine(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				a.Log.Warnw("stdin read failed", "error", err)
			}
			return
		}
	}
}

// ProcessLine runs a slash command or posts the line as a comment.
func (a *App) ProcessLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if strings.HasPrefix(line, "/") {
		a.handleCommand(line)
		return
	}
	snap := a.Engine.Snapshot()
	if snap.ActiveURL == "" {
		a.sink.ShowSystem("no discussion open; use /open <url>")
		return
	}
	if err := comment.CheckText(line); err != nil {
		a.sink.ShowSystem(err.Error())
		return
	}
	if cid := a.Engine.AddComment(a.ctx, line); cid == "" {
		a.sink.ShowSystem("comment not posted")
	}
}

func (a *App) handleCommand(line string) {
	parts := strings.Fields(line)
	switch parts[0] {
	case "/open":
		if len(parts) < 2 {
			a.sink.ShowSystem("usage: /open <url>")
			return
		}
		url := parts[1]
		a.sink.ShowSystem(fmt.Sprintf("opening %s", url))
		go a.Open(a.ctx, url)
	case "/sync":
		if a.Engine.Snapshot().ActiveURL == "" {
			a.sink.ShowSystem("no discussion open")
			return
		}
		a.sink.ShowSystem("syncing")
		go a.Sync(a.ctx)
	case "/table":
		snap := a.Engine.Snapshot()
		if a.cli != nil {
			a.cli.PrintTable(snap)
			return
		}
		a.sink.ShowTable(snap)
	case "/peers":
		d := a.Diagnostics()
		labels := make([]string, 0, len(d.Peers))
		for _, p := range d.Peers {
			labels = append(labels, fmt.Sprintf("%s@%s", shortPeer(p.ID), p.Addr))
		}
		a.sink.ShowSystem(fmt.Sprintf("connected: %v | desired: %v", labels, a.Scheduler.Desired()))
	case "/subs":
		subs := a.Diagnostics().Subscribers
		for i := range subs {
			subs[i] = shortPeer(subs[i])
		}
		a.sink.ShowSystem(fmt.Sprintf("subscribers: %v", subs))
	case "/stats":
		a.sink.ShowSystem(a.stats())
	case "/quit":
		a.sink.ShowSystem("bye")
		a.cancel()
	default:
		a.sink.ShowSystem(helpText)
	}
}

// stats renders the registry as name{labels}=value pairs.
func (a *App) stats() string {
	families, err := a.Registry.Gather()
	if err != nil {
		return fmt.Sprintf("stats unavailable: %v", err)
	}
	var out []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			value := m.GetCounter().GetValue() + m.GetGauge().GetValue()
			out = append(out, fmt.Sprintf("%s=%g", name, value))
		}
	}
	sort.Strings(out)
	if len(out) == 0 {
		return "no stats yet"
	}
	return strings.Join(out, " ")
}
