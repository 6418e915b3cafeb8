package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/discovery"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-mesh-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"tls", cfg.TLSEnabled(),
		"allowed_origins", cfg.AllowedOrigins,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", cfg.TURNREST.Enabled(),
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"signaling_send_queue", cfg.SignalingSendQueue,
		"mdns_announce", cfg.MDNSAnnounce,
	)

	logStartupWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt})

	m := metrics.New()
	sig := signaling.NewServer(signaling.Config{
		Logger:                        logger,
		Metrics:                       m,
		CheckOrigin:                   origin.CheckOrigin(cfg.AllowedOrigins),
		SignalingWSIdleTimeout:        cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval:       cfg.SignalingWSPingInterval,
		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueue:                     cfg.SignalingSendQueue,
	})
	sig.RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m, relayGauges(sig.Relay())...))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan error, 1)
	go func() {
		hubDone <- sig.Run(hubCtx)
	}()

	var announcer *discovery.Announcer
	if cfg.MDNSAnnounce {
		announcer, err = announce(cfg, ln, commit, logger)
		if err != nil {
			// Discovery is a convenience; the relay still serves.
			logger.Warn("mdns announce failed", "err", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	exitCode := 0
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			exitCode = 1
		}
		errCh = nil
	case err := <-hubDone:
		logger.Error("signaling hub exited", "err", err)
		exitCode = 1
		hubDone = nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	if announcer != nil {
		_ = announcer.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Stop accepting first, then release the hub so open sockets are closed.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
		_ = srv.Close()
	}
	stopHub()
	if hubDone != nil {
		<-hubDone
	}
	if errCh != nil {
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited after shutdown", "err", err)
			exitCode = 1
		}
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func relayGauges(r *signaling.Relay) []metrics.Gauge {
	return []metrics.Gauge{
		{Name: "aero_webrtc_mesh_relay_connections", Help: "Open signaling WebSocket connections.", Value: r.Connections},
		{Name: "aero_webrtc_mesh_relay_rooms", Help: "Rooms with at least one participant.", Value: r.Rooms},
	}
}

func announce(cfg config.Config, ln net.Listener, version string, logger *slog.Logger) (*discovery.Announcer, error) {
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("listener address %s is not TCP", ln.Addr())
	}
	return discovery.Announce(discovery.AnnounceConfig{
		Port:    addr.Port,
		Path:    "/signal",
		TLS:     cfg.TLSEnabled(),
		Version: version,
		Logger:  logger,
	})
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
