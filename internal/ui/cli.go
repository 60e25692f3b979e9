package ui

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"p2p-comments/internal/engine"
)

const (
	ansiReset = "\x1b[0m"
	ansiTime  = "\x1b[36m"
	ansiName  = "\x1b[33m"
	ansiURL   = "\x1b[35m"
	ansiSys   = "\x1b[32m"
)

// CLIDisplay renders comment events as lines. Only comments not printed yet
// for the current discussion are written on each table update.
type CLIDisplay struct {
	color bool
	out   io.Writer

	mu       sync.Mutex
	url      string
	printed  map[string]struct{}
	lastDiag Diagnostics
	haveDiag bool
}

func NewCLIDisplay(color bool) *CLIDisplay {
	return newCLIDisplay(os.Stdout, color)
}

func newCLIDisplay(out io.Writer, color bool) *CLIDisplay {
	return &CLIDisplay{color: color, out: out, printed: make(map[string]struct{})}
}

func (c *CLIDisplay) ShowTable(snap engine.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if snap.ActiveURL != c.url {
		c.url = snap.ActiveURL
		c.printed = make(map[string]struct{})
		if c.color {
			fmt.Fprintf(c.out, "%s== %s ==%s\n", ansiURL, snap.ActiveURL, ansiReset)
		} else {
			fmt.Fprintf(c.out, "== %s ==\n", snap.ActiveURL)
		}
	}
	for _, entry := range snap.Comments {
		if _, ok := c.printed[entry.CID]; ok {
			continue
		}
		c.printed[entry.CID] = struct{}{}
		fmt.Fprintln(c.out, c.formatLine(entry))
	}
}

// PrintTable writes every comment of snap, printed or not.
func (c *CLIDisplay) PrintTable(snap engine.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%s: %d comment(s)\n", snap.ActiveURL, len(snap.Comments))
	for _, entry := range snap.Comments {
		fmt.Fprintln(c.out, c.formatLine(entry))
	}
}

func (c *CLIDisplay) ShowSystem(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := time.Now().Format("15:04:05")
	if c.color {
		fmt.Fprintf(c.out, "%s[%s]%s %sSYSTEM%s: %s\n", ansiTime, ts, ansiReset, ansiSys, ansiReset, text)
		return
	}
	fmt.Fprintf(c.out, "[%s] SYSTEM: %s\n", ts, text)
}

// UpdateDiagnostics prints the peer list when it changes.
func (c *CLIDisplay) UpdateDiagnostics(d Diagnostics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.haveDiag && sameDiagnostics(c.lastDiag, d) {
		return
	}
	c.lastDiag, c.haveDiag = d, true
	if len(d.Peers) == 0 {
		return
	}
	labels := make([]string, 0, len(d.Peers))
	for _, p := range d.Peers {
		labels = append(labels, peerLabel(p))
	}
	msg := fmt.Sprintf("connected: %s; subscribers: %d", strings.Join(labels, ", "), len(d.Subscribers))
	if c.color {
		fmt.Fprintf(c.out, "%s[peers]%s %s\n", ansiSys, ansiReset, msg)
		return
	}
	fmt.Fprintf(c.out, "[peers] %s\n", msg)
}

func (c *CLIDisplay) formatLine(entry engine.Entry) string {
	ts := entry.Comment.Time().Format("15:04:05")
	from := shortID(entry.Comment.From)
	if c.color {
		return fmt.Sprintf("%s[%s]%s %s%s%s: %s", ansiTime, ts, ansiReset, ansiName, from, ansiReset, entry.Comment.Text)
	}
	return fmt.Sprintf("[%s] %s: %s", ts, from, entry.Comment.Text)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// ShouldUseColor determines if ANSI coloring should be enabled for CLI output.
func ShouldUseColor(disable bool) bool {
	if disable {
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if runtime.GOOS == "windows" {
		if os.Getenv("WT_SESSION") != "" || os.Getenv("ANSICON") != "" || strings.EqualFold(os.Getenv("ConEmuANSI"), "ON") {
			return true
		}
		return false
	}
	return true
}
