package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"p2p-comments/internal/logging"
	"p2p-comments/internal/peer"
)

func main() {
	cfg, err := peer.LoadConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logOpts := logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON}
	if cfg.UseTUI {
		logOpts.Path = filepath.Join(cfg.DataDir, "peer.log")
	}
	log, closeLog, err := logging.New(logOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}
	defer closeLog()

	app, err := peer.NewApp(cfg, log)
	if err != nil {
		log.Errorw("peer init failed", "error", err)
		closeLog()
		os.Exit(1)
	}
	if err := app.Start(); err != nil {
		log.Errorw("peer start failed", "error", err)
		app.Shutdown()
		closeLog()
		os.Exit(1)
	}
	peer.WaitForShutdown(app)
}
