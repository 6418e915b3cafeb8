package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envVarPeerServerURL = "AERO_MESH_SERVER_URL"
	envVarPeerRoom      = "AERO_MESH_ROOM"
	envVarPeerEmail     = "AERO_MESH_EMAIL"
	envVarPeerLogLevel  = "LOG_LEVEL"

	DefaultPeerServerURL = "ws://127.0.0.1:5000/signal"
)

// PeerOptions carries CLI flag values. Empty fields fall back to the
// environment and then to defaults.
type PeerOptions struct {
	ServerURL string
	Room      string
	Email     string
	AudioFile string
	VideoFile string
	LogLevel  string
}

// PeerConfig is the configuration of one mesh participant.
type PeerConfig struct {
	ServerURL string
	Room      string
	Email     string

	// AudioFile (.ogg) and VideoFile (.ivf) stand in for capture devices.
	AudioFile string
	VideoFile string

	LogLevel   slog.Level
	ICEServers []webrtc.ICEServer
	Network    WebRTCNetwork
}

// LoadPeer resolves each setting as flag > env > default.
func LoadPeer(lookup func(string) (string, bool), opts PeerOptions) (PeerConfig, error) {
	pick := func(flagValue, envKey, fallback string) string {
		if v := strings.TrimSpace(flagValue); v != "" {
			return v
		}
		return strings.TrimSpace(envOrDefault(lookup, envKey, fallback))
	}

	serverURL := pick(opts.ServerURL, envVarPeerServerURL, DefaultPeerServerURL)
	if err := validateSignalingURL(serverURL); err != nil {
		return PeerConfig{}, fmt.Errorf("invalid %s/--server %q: %w", envVarPeerServerURL, serverURL, err)
	}

	level, err := parseLogLevel(pick(opts.LogLevel, envVarPeerLogLevel, "warn"))
	if err != nil {
		return PeerConfig{}, fmt.Errorf("%s/--log-level: %w", envVarPeerLogLevel, err)
	}

	iceServers, err := parseICEServersFromValues(
		envOrDefault(lookup, envICEServersJSON, ""),
		envOrDefault(lookup, envStunURLs, ""),
		envOrDefault(lookup, envTurnURLs, ""),
		envOrDefault(lookup, envTurnUsername, ""),
		envOrDefault(lookup, envTurnCredential, ""),
	)
	if err != nil {
		return PeerConfig{}, err
	}

	network, err := loadWebRTCNetwork(lookup)
	if err != nil {
		return PeerConfig{}, err
	}

	return PeerConfig{
		ServerURL:  serverURL,
		Room:       pick(opts.Room, envVarPeerRoom, ""),
		Email:      pick(opts.Email, envVarPeerEmail, ""),
		AudioFile:  strings.TrimSpace(opts.AudioFile),
		VideoFile:  strings.TrimSpace(opts.VideoFile),
		LogLevel:   level,
		ICEServers: iceServers,
		Network:    network,
	}, nil
}

// ValidateJoin checks the settings needed to enter a room.
func (c PeerConfig) ValidateJoin() error {
	if c.Room == "" {
		return fmt.Errorf("%s/--room must be set", envVarPeerRoom)
	}
	if c.Email == "" {
		return fmt.Errorf("%s/--email must be set", envVarPeerEmail)
	}
	return nil
}

// HTTPBaseURL maps the signaling URL onto the relay's HTTP root, e.g.
// wss://host/signal becomes https://host.
func (c PeerConfig) HTTPBaseURL() string {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String()
}

func validateSignalingURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return errors.New("expected ws:// or wss://")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	if u.User != nil {
		return errors.New("must not include credentials")
	}
	return nil
}
