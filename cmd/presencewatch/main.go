// Command presencewatch attaches presence Observers to the monitored pages
// of a Chrome instance. Without -bridge it also runs the aggregator in
// process; with -bridge it reports to a remote presenced.
//
// Usage:
//
//	presencewatch -config presencewatch.yaml
//	presencewatch -remote ws://127.0.0.1:9222/devtools/browser/<id> -bridge http://127.0.0.1:8420
//	presencewatch -page https://example.lightning.force.com/lightning/page/home
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/presencewatch/bridge"
	"github.com/hazyhaar/presencewatch/internal/cli"
	"github.com/hazyhaar/presencewatch/internal/server"
	"github.com/hazyhaar/presencewatch/monitor"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to presencewatch.yaml")
	remote := pflag.String("remote", "", "DevTools WebSocket URL of a running Chrome (overrides monitor.remote_url)")
	bridgeURL := pflag.String("bridge", "", "URL of a remote presenced (overrides bridge.url)")
	pages := pflag.StringSlice("page", nil, "page to open in a stealth tab (repeatable)")
	headless := pflag.Bool("headless", false, "run a launched Chrome headless")
	logLevel := pflag.String("log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	logger, err := cli.NewLogger(os.Stderr, *logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "presencewatch:", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := options{configPath: *configPath, remote: *remote, bridgeURL: *bridgeURL, pages: *pages}
	if pflag.CommandLine.Changed("headless") {
		opts.headless = headless
	}
	if err := run(ctx, logger, opts); err != nil {
		logger.Error("presencewatch: fatal", "error", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	remote     string
	bridgeURL  string
	pages      []string
	headless   *bool
}

func run(ctx context.Context, logger *slog.Logger, opts options) error {
	cfg, err := cli.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.remote != "" {
		cfg.Monitor.RemoteURL = opts.remote
	}
	if opts.bridgeURL != "" {
		cfg.Bridge.URL = opts.bridgeURL
	}
	if len(opts.pages) > 0 {
		cfg.Monitor.Pages = append(cfg.Monitor.Pages, opts.pages...)
	}
	if opts.headless != nil {
		cfg.Monitor.Headless = *opts.headless
	}

	g, ctx := errgroup.WithContext(ctx)

	var transport bridge.Transport
	if cfg.Bridge.URL != "" {
		logger.Info("presencewatch: reporting to remote aggregator", "url", cfg.Bridge.URL)
		transport = bridge.NewClient(cfg.Bridge.URL,
			bridge.WithHTTPClient(&http.Client{Timeout: cfg.Bridge.RequestTimeout + 5*time.Second}))
	} else {
		srv, err := server.New(ctx, cfg, logger, "presencewatch")
		if err != nil {
			return err
		}
		defer srv.Close()
		transport = srv.Bridge()
		g.Go(func() error { return srv.ListenAndServe(ctx) })
	}

	w := monitor.New(cfg.Monitor, transport, monitor.WithLogger(logger))
	g.Go(func() error {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("watcher: %w", err)
		}
		return nil
	})
	return g.Wait()
}
