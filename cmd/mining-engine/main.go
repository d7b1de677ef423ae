// Package main provides the entry point for the mining-engine server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/txn2/mining-engine/internal/server"
	"github.com/txn2/mining-engine/pkg/engine"
)

// shutdownTimeout bounds graceful drain of in-flight requests.
const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	showVersion bool
}

func parseFlags() serverOptions {
	opts := serverOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.address, "address", "", "Server listen address (overrides config)")
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

func createEngine(opts serverOptions) (http.Handler, *engine.Engine, error) {
	if opts.configPath != "" {
		return server.NewFromConfigFile(opts.configPath)
	}

	eng, err := engine.New()
	if err != nil {
		return nil, nil, err
	}
	return server.New(eng), eng, nil
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("mining-engine version %s\n", server.Version)
		return nil
	}

	ctx := setupSignalHandler()

	handler, eng, err := createEngine(opts)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			slog.Error("engine shutdown", "error", err)
		}
	}()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	address := eng.Config().Server.Address
	if opts.address != "" {
		address = opts.address
	}

	return serve(ctx, handler, address)
}

// serve runs the HTTP server until the context is cancelled, then drains
// in-flight requests before returning.
func serve(ctx context.Context, handler http.Handler, address string) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mining engine listening", "address", address, "version", server.Version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
