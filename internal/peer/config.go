package peer

import (
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"

	"p2p-comments/internal/engine"
	"p2p-comments/internal/network"
)

// EnvPrefix prefixes the environment variables that default each flag:
// --fetch-timeout is P2PC_FETCH_TIMEOUT.
const EnvPrefix = "P2PC_"

// Config holds peer runtime settings derived from CLI flags.
type Config struct {
	BootstrapURL string
	ListenAddr   string
	Port         int
	Secret       string
	PollEvery    time.Duration
	DataDir      string
	PeerDir      string
	IndexDSN     string
	FetchTimeout time.Duration
	DiagEvery    time.Duration
	NoColor      bool
	UseTUI       bool
	UseCLI       bool
	UseWeb       bool
	WebAddr      string
	LogLevel     string
	LogJSON      bool
	URL          string
}

// LoadConfig parses args into a Config. Values come from, in increasing
// priority: built-in defaults, a .env file, the environment, then args.
func LoadConfig(args []string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	fs := flag.NewFlagSet("peer", flag.ContinueOnError)
	fs.StringVar(&cfg.BootstrapURL, "bootstrap", "http://127.0.0.1:8000", "bootstrap base url (empty disables)")
	fs.StringVar(&cfg.ListenAddr, "listen", "", "address to listen on (host:port)")
	fs.IntVar(&cfg.Port, "port", 9001, "port to listen on when --listen empty")
	fs.StringVar(&cfg.Secret, "secret", "", "shared secret for AES-256 encryption")
	fs.DurationVar(&cfg.PollEvery, "poll", 5*time.Second, "interval to refresh peers list")
	fs.StringVar(&cfg.DataDir, "data-dir", "p2p-data", "base directory for per-peer data")
	fs.StringVar(&cfg.IndexDSN, "index-dsn", "", "postgres DSN for the known-CID index (default: bbolt in the peer dir)")
	fs.DurationVar(&cfg.FetchTimeout, "fetch-timeout", engine.DefaultFetchTimeout, "timeout for a single content fetch")
	fs.DurationVar(&cfg.DiagEvery, "diag-every", time.Second, "interval between diagnostics refreshes")
	fs.BoolVar(&cfg.NoColor, "no-color", false, "disable ANSI colors in CLI output")
	fs.BoolVar(&cfg.UseTUI, "tui", false, "enable terminal UI mode")
	fs.BoolVar(&cfg.UseWeb, "web", false, "serve local web UI")
	fs.StringVar(&cfg.WebAddr, "web-addr", "127.0.0.1:8081", "address for the web UI server")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.LogJSON, "log-json", false, "log as JSON")
	fs.StringVar(&cfg.URL, "url", "", "discussion to open at startup")

	if err := applyEnv(fs); err != nil {
		return nil, err
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = network.DialAddr("127.0.0.1", cfg.Port)
	}
	cfg.UseCLI = !cfg.UseTUI
	if cfg.FetchTimeout <= 0 {
		return nil, errors.Newf("fetch-timeout must be positive, got %s", cfg.FetchTimeout)
	}
	if cfg.DiagEvery <= 0 {
		cfg.DiagEvery = time.Second
	}
	return cfg, nil
}

// applyEnv sets every flag that has a matching environment variable.
func applyEnv(fs *flag.FlagSet) error {
	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		name := EnvPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(name)
		if !ok || firstErr != nil {
			return
		}
		if err := f.Value.Set(val); err != nil {
			firstErr = errors.Wrapf(err, "%s=%q", name, val)
		}
	})
	return firstErr
}

// EnsureDirs creates the data directory and the per-peer directory.
func (cfg *Config) EnsureDirs() error {
	if cfg.DataDir == "" {
		cfg.DataDir = "p2p-data"
	}
	cfg.PeerDir = derivePeerDir(cfg.DataDir, cfg.ListenAddr)
	if err := os.MkdirAll(cfg.PeerDir, 0o755); err != nil {
		return errors.Wrap(err, "prepare peer dir")
	}
	return nil
}

func (cfg *Config) path(name string) string {
	return filepath.Join(cfg.PeerDir, name)
}

func derivePeerDir(base, addr string) string {
	if base == "" {
		base = "."
	}
	hostPart := "peer"
	portPart := "peer"
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host != "" {
			hostPart = sanitizePathToken(host)
		}
		if port != "" {
			portPart = sanitizePathToken(port)
		}
	} else if addr != "" {
		hostPart = sanitizePathToken(strings.ReplaceAll(addr, ":", "_"))
	}
	folder := fmt.Sprintf("%s-%s", hostPart, portPart)
	return filepath.Join(base, folder)
}

func sanitizePathToken(val string) string {
	val = strings.TrimSpace(val)
	if val == "" {
		return "peer"
	}
	var b strings.Builder
	for _, r := range val {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_':
			b.WriteRune(r)
		case r == '.', r == ':':
			b.WriteRune('-')
		}
	}
	out := b.String()
	if out == "" {
		return "peer"
	}
	return out
}
