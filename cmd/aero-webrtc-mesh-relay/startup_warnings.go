package main

import (
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (any web page may join rooms)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	// Browsers only grant camera and microphone access in a secure context.
	if cfg.Mode == config.ModeProd && !cfg.TLSEnabled() {
		logger.Warn("startup warning: TLS is disabled while --mode=prod (browser clients need https/wss unless a proxy terminates TLS)",
			"warning_code", "tls_disabled_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MDNSAnnounce {
		logger.Warn("startup warning: MDNS_ANNOUNCE=true while --mode=prod advertises the relay to the local network",
			"warning_code", "mdns_announce_in_prod",
			"mode", cfg.Mode,
		)
	}

	if host, _, err := net.SplitHostPort(cfg.ListenAddr); err == nil && isLoopbackHost(host) && cfg.MDNSAnnounce {
		logger.Warn("startup warning: MDNS_ANNOUNCE=true but the relay only listens on loopback",
			"warning_code", "mdns_announce_loopback",
			"listen_addr", cfg.ListenAddr,
		)
	}

	if len(cfg.ICEServers) == 0 && !cfg.TURNREST.Enabled() {
		logger.Warn("startup warning: no ICE servers configured (peers behind NAT will only find host candidates)",
			"warning_code", "ice_servers_empty",
			"mode", cfg.Mode,
		)
	}
	for _, server := range cfg.ICEServers {
		if iceServerHasTURNURL(server) && !iceServerHasCredentials(server) {
			logger.Warn("startup warning: TURN server configured without credentials",
				"warning_code", "turn_missing_credentials",
				"urls", server.URLs,
			)
		}
	}

	if cfg.TURNREST.Enabled() && cfg.TURNREST.TTLSeconds > int64((24*time.Hour)/time.Second) {
		logger.Warn("startup security warning: TURN_REST_TTL_SECONDS exceeds a day (leaked credentials stay valid longer)",
			"warning_code", "turn_rest_ttl_large",
			"turn_rest_ttl_seconds", cfg.TURNREST.TTLSeconds,
		)
	}

	if cfg.SignalingWSIdleTimeout > 5*time.Minute {
		logger.Warn("startup warning: SIGNALING_WS_IDLE_TIMEOUT is very large (dead connections hold room membership longer)",
			"warning_code", "signaling_ws_idle_timeout_large",
			"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
			"mode", cfg.Mode,
		)
	}
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, u := range server.URLs {
		lower := strings.ToLower(strings.TrimSpace(u))
		if strings.HasPrefix(lower, "turn:") || strings.HasPrefix(lower, "turns:") {
			return true
		}
	}
	return false
}

func iceServerHasCredentials(server webrtc.ICEServer) bool {
	if strings.TrimSpace(server.Username) == "" {
		return false
	}
	cred, ok := server.Credential.(string)
	return ok && strings.TrimSpace(cred) != ""
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
