package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// MDNSServer is a live registration.
type MDNSServer interface {
	Shutdown()
}

// Registrar registers DNS-SD services. The zeroconf implementation is used
// unless one is injected.
type Registrar interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

type zeroconfRegistrar struct{}

func (zeroconfRegistrar) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// AnnounceConfig describes the relay being announced.
type AnnounceConfig struct {
	// Instance defaults to "aero-mesh-relay on <hostname>".
	Instance string
	Port     int
	Path     string
	TLS      bool
	Version  string

	// Interfaces restricts the announcement; nil means all.
	Interfaces []net.Interface

	Registrar Registrar
	Logger    *slog.Logger
}

// Announcer keeps a relay registered until Close.
type Announcer struct {
	log      *slog.Logger
	instance string

	mu     sync.Mutex
	server MDNSServer
}

// Announce registers the relay and returns once the registration is live.
func Announce(cfg AnnounceConfig) (*Announcer, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, ErrInvalidPort
	}
	if cfg.Registrar == nil {
		cfg.Registrar = zeroconfRegistrar{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/signal"
	}
	if strings.TrimSpace(cfg.Instance) == "" {
		cfg.Instance = defaultInstanceName()
	}

	server, err := cfg.Registrar.Register(cfg.Instance, ServiceType, Domain, cfg.Port, encodeTXT(cfg.Path, cfg.TLS, cfg.Version), cfg.Interfaces)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", ServiceType, err)
	}
	cfg.Logger.Info("mdns announce", "instance", cfg.Instance, "service", ServiceType, "port", cfg.Port, "tls", cfg.TLS)

	return &Announcer{log: cfg.Logger, instance: cfg.Instance, server: server}, nil
}

// Instance returns the announced instance name.
func (a *Announcer) Instance() string { return a.instance }

// Close withdraws the announcement. A second call returns ErrClosed.
func (a *Announcer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return ErrClosed
	}
	a.server.Shutdown()
	a.server = nil
	a.log.Info("mdns announce withdrawn", "instance", a.instance)
	return nil
}

func defaultInstanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return "aero-mesh-relay on " + host
}
