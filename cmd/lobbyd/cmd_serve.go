package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okonek/lobbyd/internal/bus"
	"github.com/okonek/lobbyd/internal/config"
	"github.com/okonek/lobbyd/internal/control"
	"github.com/okonek/lobbyd/internal/lobby"
	"github.com/okonek/lobbyd/internal/metrics"
	"github.com/okonek/lobbyd/internal/signaling"
)

var serveListenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling server",
	Long: `Start the lobbyd server: accept WebSocket connections, maintain the
lobby registry, and relay signaling messages between peers.

Runs in the foreground until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveListenAddr, "listen", "l", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig()
	if err != nil {
		return err
	}

	// CLI flag overrides config file.
	if serveListenAddr != "" {
		cfg.Server.ListenAddr = serveListenAddr
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := buildLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.New()
	reg := lobby.New(lobby.Config{
		MaxLobbies:     cfg.Limits.MaxLobbies,
		MaxPeers:       cfg.Limits.MaxPeers,
		SealGrace:      cfg.Limits.SealGrace.Std(),
		DestroyOnEmpty: cfg.Limits.DestroyOnEmpty,
	}, b, log)
	hub := signaling.NewHub(reg, log)

	mux := http.NewServeMux()
	mux.Handle(signaling.WebSocketPath, hub)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	var metricsSvc *metrics.Service
	if cfg.Metrics.Enabled {
		metricsSvc = metrics.NewService(cfg.Metrics.ListenAddr, log)
		metricsSvc.Start()
	}

	var ctl *control.Server
	if cfg.Control.Enabled {
		started := time.Now()
		socketPath := cfg.Control.SocketPath
		if socketPath == "" {
			socketPath = control.ResolveSocketPath()
		}
		ctl = control.NewServer(socketPath, func() control.Status {
			return control.Status{
				ListenAddr:    cfg.Server.ListenAddr,
				UptimeSeconds: time.Since(started).Seconds(),
				Connections:   hub.Connections(),
				Lobbies:       reg.List(),
			}
		}, log)
		if err := ctl.Start(); err != nil {
			// Status queries are a convenience; the server runs without them.
			log.Warn("control server failed to start", "error", err)
			ctl = nil
		}
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("signaling server started", "addr", cfg.Server.ListenAddr, "path", signaling.WebSocketPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", "error", err)
	}
	hub.Close()
	reg.Close()
	if ctl != nil {
		_ = ctl.Stop()
	}
	if metricsSvc != nil {
		metricsSvc.Stop()
	}

	log.Info("lobbyd stopped")
	return nil
}

// loadServeConfig loads the config file if one exists, otherwise falls
// back to defaults. An explicit --config path must exist.
func loadServeConfig() (*config.Config, error) {
	path := globalConfigPath
	explicit := path != ""
	if !explicit {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return nil, err
		}
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// buildLogger builds the server logger from the log section. The
// --verbose flag wins over the configured level.
func buildLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if globalVerbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
