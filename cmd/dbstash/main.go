// Package main provides the entry point for the dbstash store daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/clickwork/dbstash/internal/daemon"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type daemonOptions struct {
	configPath  string
	migrateOnly bool
	logLevel    string
	showVersion bool
}

func parseFlags() daemonOptions {
	opts := daemonOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&opts.migrateOnly, "migrate-only", false, "Apply pending migrations and exit")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func setupLogger(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("dbstash version %s\n", daemon.Version)
		return nil
	}

	if err := setupLogger(opts.logLevel); err != nil {
		return err
	}

	if opts.configPath == "" {
		return fmt.Errorf("-config is required")
	}
	cfg, err := daemon.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := setupSignalHandler()

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			slog.Warn("closing daemon", "error", err)
		}
	}()

	if opts.migrateOnly {
		slog.Info("migrations applied")
		return nil
	}

	return d.Run(ctx)
}
