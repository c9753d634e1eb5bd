// Command pmdrvr boots the simulated PC, opens the packet driver and runs
// the clock in real time until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"example.com/pmdrvr/core_engine"
	"example.com/pmdrvr/core_engine/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pmdrvr:", err)
		os.Exit(1)
	}
}

func run() error {
	path := flag.String("config", "", "TOML configuration file (defaults when empty)")
	flag.Parse()

	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			return err
		}
	}

	m, err := core_engine.NewMachine(cfg, os.Stderr)
	if err != nil {
		return err
	}
	if err := m.Start(); err != nil {
		return errors.Join(err, m.Close())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return errors.Join(m.Run(ctx), m.Close())
}
