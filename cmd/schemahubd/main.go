// Command schemahubd runs a schemahub database: it restores the edit
// sessions journaled by the previous process, serves /metrics and shuts
// down cleanly on SIGINT or SIGTERM. With -prune it instead garbage
// collects unreferenced repository objects and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"schemahub/internal/config"
	"schemahub/internal/core"
	"schemahub/internal/logging"
)

const shutdownTimeout = 10 * time.Second

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("schemahubd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var configPath string
	var validateOnly, pruneOnly bool
	fs.StringVar(&configPath, "config", os.Getenv("SCHEMAHUB_CONFIG"), "path to the YAML configuration file")
	fs.BoolVar(&validateOnly, "validate", false, "load and validate the configuration, then exit")
	fs.BoolVar(&pruneOnly, "prune", false, "delete stored objects no commit references, then exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "schemahubd: %v\n", err)
		return 1
	}
	if validateOnly {
		if _, err := fmt.Fprintln(stdout, "configuration valid"); err != nil {
			return 1
		}
		return 0
	}
	if pruneOnly {
		err = prune(ctx, cfg, stdout)
	} else {
		err = run(ctx, cfg)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "schemahubd: %v\n", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.New(cfg.Log.Level, logging.Format(cfg.Log.Format))
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	// Startup restores journaled sessions and is not interrupted by signals.
	host, err := core.Open(context.WithoutCancel(ctx), cfg, core.Options{Logger: logger})
	if err != nil {
		return err
	}

	var srv *http.Server
	serveErr := make(chan error, 1)
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", host.Metrics().Handler())
		srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
		log.Infow("metrics listening", "addr", cfg.Metrics.Addr)
	}

	select {
	case <-ctx.Done():
		log.Infow("shutting down")
	case err = <-serveErr:
		log.Errorw("metrics server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	return errors.Join(err, host.Close(shutdownCtx))
}

func prune(ctx context.Context, cfg config.Config, stdout io.Writer) error {
	logger := logging.New(cfg.Log.Level, logging.Format(cfg.Log.Format))
	defer func() { _ = logger.Sync() }()
	host, err := core.Open(ctx, cfg, core.Options{Logger: logger})
	if err != nil {
		return err
	}
	n, err := host.Repository().Prune(ctx)
	if err == nil {
		_, err = fmt.Fprintf(stdout, "pruned %d objects\n", n)
	}
	return errors.Join(err, host.Close(context.WithoutCancel(ctx)))
}
