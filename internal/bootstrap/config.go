package bootstrap

import (
	"flag"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

// Config captures the bootstrap server settings derived from CLI flags.
type Config struct {
	Addr     string
	PeerTTL  time.Duration
	LogLevel string
	LogJSON  bool
}

// LoadConfig parses args and builds a Config instance. P2PC_BOOTSTRAP_ADDR
// and P2PC_PEER_TTL provide defaults; a .env file is read first when present.
func LoadConfig(args []string) (*Config, error) {
	_ = godotenv.Load()

	ttl := 2 * time.Minute
	if v := os.Getenv("P2PC_PEER_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.Wrap(err, "P2PC_PEER_TTL")
		}
		ttl = d
	}
	addr := ":8000"
	if v := os.Getenv("P2PC_BOOTSTRAP_ADDR"); v != "" {
		addr = v
	}

	cfg := &Config{}
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", addr, "address bootstrap listens on")
	fs.DurationVar(&cfg.PeerTTL, "peer-ttl", ttl, "duration a peer stays registered without refresh")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level")
	fs.BoolVar(&cfg.LogJSON, "log-json", false, "log as JSON")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	return cfg, nil
}
