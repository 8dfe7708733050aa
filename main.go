package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/hajimehoshi/ebiten/v2"

	"github.com/iburimskiy/wave-stream/internal/config"
	"github.com/iburimskiy/wave-stream/internal/control"
	"github.com/iburimskiy/wave-stream/internal/game"
	"github.com/iburimskiy/wave-stream/internal/logging"
	"github.com/iburimskiy/wave-stream/internal/stream"
	"github.com/iburimskiy/wave-stream/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	host := flag.String("host", "", "sample server host (overrides config)")
	port := flag.Int("port", 0, "sample server port (overrides config)")
	useTLS := flag.Bool("tls", false, "use wss/https")
	logLevel := flag.String("log-level", "", "debug|info|warn|error (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *useTLS {
		cfg.Server.UseTLS = true
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	endpoint := transport.Endpoint{Host: cfg.Server.Host, Port: cfg.Server.Port, UseTLS: cfg.Server.UseTLS}
	manager := stream.NewManager(
		transport.NewDialer(endpoint, transport.HandshakeTimeout),
		stream.WithLogger(logger),
		stream.WithReconnect(stream.ReconnectConfig{
			MaxRetries:    cfg.Reconnect.MaxRetries,
			RetryDelay:    cfg.Reconnect.RetryDelay,
			MaxRetryDelay: cfg.Reconnect.MaxRetryDelay,
		}),
	)

	// The game receives push results once it exists.
	var shell atomic.Pointer[game.Game]
	synchronizer := control.NewSynchronizer(
		control.NewHTTPPusher(endpoint.ParamsURL()),
		control.WithLogger(logger),
		control.WithTimeout(cfg.PushTimeout),
		control.WithResultHook(func(seq uint64, err error) {
			if g := shell.Load(); g != nil {
				g.PushResult(seq, err)
			}
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go manager.Run(ctx)

	g := game.New(manager, synchronizer, cfg.Settings, logger)
	shell.Store(g)
	manager.OnChange(g.StatusChanged)

	ebiten.SetWindowSize(config.MaxScreenWidth, config.ScreenHeight)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	ebiten.SetWindowTitle(fmt.Sprintf("Wave stream - %s", endpoint.SamplesURL(config.MaxScreenWidth)))

	runErr := ebiten.RunGame(g)

	manager.Close()
	cancel()
	<-manager.Done()
	synchronizer.Close()

	if runErr != nil && !errors.Is(runErr, ebiten.Termination) {
		logger.Error("waveview: exiting", "error", runErr)
		os.Exit(1)
	}
}
