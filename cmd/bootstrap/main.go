package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"p2p-comments/internal/bootstrap"
	"p2p-comments/internal/logging"
)

func main() {
	cfg, err := bootstrap.LoadConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log, closeLog, err := logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}
	defer closeLog()

	app := bootstrap.NewApp(cfg, log)
	if err := app.Start(); err != nil {
		log.Errorw("bootstrap start failed", "error", err)
		closeLog()
		os.Exit(1)
	}
	bootstrap.WaitForShutdown(app)
}
