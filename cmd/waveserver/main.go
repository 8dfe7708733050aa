// Command waveserver generates the waveform and streams it to waveview
// clients.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iburimskiy/wave-stream/internal/config"
	"github.com/iburimskiy/wave-stream/internal/logging"
	"github.com/iburimskiy/wave-stream/internal/server"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	listen := flag.String("listen", "", "listen address (overrides config)")
	logLevel := flag.String("log-level", "", "debug|info|warn|error (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := server.New(server.OptionsFrom(cfg), logger)
	go srv.Run(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("waveserver: listening", "addr", cfg.Listen, "tick", cfg.Stream.Tick, "batch", cfg.Stream.Batch)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("waveserver: serve", "error", err)
		os.Exit(1)
	}
	logger.Info("waveserver: stopped")
}
