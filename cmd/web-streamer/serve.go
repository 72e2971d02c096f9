package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/server"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/transport"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve image topics over HTTP",
	Long: `Serve starts the HTTP server and the configured frame source.

Endpoints:
  /stream    MJPEG multipart stream
  /snapshot  single JPEG or PNG image
  /ws        websocket: JSON header then binary JPEG per frame
  /topics    advertised topics (JSON)
  /health    instance and session status (JSON)
  /metrics   Prometheus metrics (when enabled)

Viewer query parameters: topic, width, height, invert, timestamp, skip,
default_transport.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := buildSource(ctx, cfg)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	defer src.close()

	srvCfg := server.Config{
		InstanceID:       cfg.InstanceID,
		SourceType:       cfg.Source.Type,
		RestreamInterval: cfg.RestreamInterval(),
		MaxAge:           cfg.MaxAge(),
		JPEGQuality:      cfg.Stream.JPEGQuality,
		SnapshotFormat:   transport.Format(cfg.Stream.SnapshotFormat),
		SnapshotTimeout:  cfg.SnapshotTimeout(),
		WriteTimeout:     cfg.WriteTimeout(),
	}
	if cfg.Metrics.Enabled {
		srvCfg.MetricsPath = cfg.Metrics.Path
		srvCfg.MetricsHandler = metrics.Handler(metrics.NewRegistry())
	}

	srv := server.New(srvCfg, src, slog.Default())
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutS) * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	slog.Info("web-streamer starting",
		"version", version,
		"instance_id", cfg.InstanceID,
		"addr", cfg.Server.Addr,
		"source", cfg.Source.Type,
		"metrics", cfg.Metrics.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := src.run(gctx); err != nil {
			return fmt.Errorf("source: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "active_sessions", srv.ActiveSessions())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown incomplete, closing", "error", err)
			return httpServer.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("web-streamer stopped")
	return nil
}
