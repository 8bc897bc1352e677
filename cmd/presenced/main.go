// Command presenced runs the aggregator: it receives Observer traffic on
// the HTTP bridge, serves the operator API and exposes read-only MCP tools.
//
// Usage:
//
//	SESSION_SECRET=... presenced -config presencewatch.yaml
//	presenced -listen :8420 -state-db data/presence.db
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/hazyhaar/presencewatch/internal/cli"
	"github.com/hazyhaar/presencewatch/internal/server"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to presencewatch.yaml")
	listen := pflag.String("listen", "", "HTTP listen address (overrides display.listen)")
	stateDB := pflag.String("state-db", "", "state database path (overrides storage.state_db)")
	credEndpoint := pflag.String("credential-endpoint", "", "remote credential service URL (overrides credential.endpoint)")
	logLevel := pflag.String("log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	logger, err := cli.NewLogger(os.Stderr, *logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "presenced:", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *listen, *stateDB, *credEndpoint); err != nil {
		logger.Error("presenced: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, listen, stateDB, credEndpoint string) error {
	cfg, err := cli.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Display.Listen = listen
	}
	if stateDB != "" {
		cfg.Storage.StateDB = stateDB
	}
	if credEndpoint != "" {
		cfg.Credential.Endpoint = credEndpoint
	}

	srv, err := server.New(ctx, cfg, logger, "presenced")
	if err != nil {
		return err
	}
	defer srv.Close()

	return srv.ListenAndServe(ctx)
}
