package discovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

type fakeServer struct {
	mu        sync.Mutex
	shutdowns int
}

func (s *fakeServer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns++
}

type registration struct {
	instance, service, domain string
	port                      int
	txt                       []string
}

type fakeRegistrar struct {
	server *fakeServer
	err    error
	got    []registration
}

func (r *fakeRegistrar) Register(instance, service, domain string, port int, txt []string, _ []net.Interface) (MDNSServer, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.got = append(r.got, registration{instance, service, domain, port, txt})
	return r.server, nil
}

// fakeResolver answers every browse with its entries, then returns.
type fakeResolver struct {
	entries []*zeroconf.ServiceEntry
	err     error
}

func (r *fakeResolver) Browse(ctx context.Context, _, _ string, entries chan<- *zeroconf.ServiceEntry) error {
	if r.err != nil {
		return r.err
	}
	for _, e := range r.entries {
		select {
		case entries <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func entry(instance string, port int, txt []string, ips ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, ServiceType, Domain)
	e.HostName = "relay.local."
	e.Port = port
	e.Text = txt
	for _, ip := range ips {
		parsed := net.ParseIP(ip)
		if parsed.To4() != nil {
			e.AddrIPv4 = append(e.AddrIPv4, parsed)
		} else {
			e.AddrIPv6 = append(e.AddrIPv6, parsed)
		}
	}
	return e
}

func TestAnnounce_RegistersServiceWithTXT(t *testing.T) {
	reg := &fakeRegistrar{server: &fakeServer{}}
	a, err := Announce(AnnounceConfig{
		Instance:  "lab relay",
		Port:      5000,
		TLS:       true,
		Version:   "abc123",
		Registrar: reg,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}

	if len(reg.got) != 1 {
		t.Fatalf("registrations=%d, want 1", len(reg.got))
	}
	got := reg.got[0]
	if got.instance != "lab relay" || got.service != ServiceType || got.domain != Domain || got.port != 5000 {
		t.Fatalf("registration=%+v", got)
	}
	txt := parseTXT(got.txt)
	if txt["path"] != "/signal" || txt["tls"] != "1" || txt["version"] != "abc123" {
		t.Fatalf("txt=%v", txt)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second Close err=%v, want ErrClosed", err)
	}
	if reg.server.shutdowns != 1 {
		t.Fatalf("shutdowns=%d, want 1", reg.server.shutdowns)
	}
}

func TestAnnounce_Errors(t *testing.T) {
	if _, err := Announce(AnnounceConfig{Port: 0, Registrar: &fakeRegistrar{}}); !errors.Is(err, ErrInvalidPort) {
		t.Fatalf("err=%v, want ErrInvalidPort", err)
	}

	boom := errors.New("no multicast")
	_, err := Announce(AnnounceConfig{Port: 5000, Registrar: &fakeRegistrar{err: boom}, Logger: quietLogger()})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want wrapped %v", err, boom)
	}
}

func TestAnnounce_DefaultInstanceName(t *testing.T) {
	reg := &fakeRegistrar{server: &fakeServer{}}
	a, err := Announce(AnnounceConfig{Port: 5000, Registrar: reg, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	defer a.Close()
	if a.Instance() == "" || a.Instance() != reg.got[0].instance {
		t.Fatalf("instance=%q, registered %q", a.Instance(), reg.got[0].instance)
	}
}

func TestBrowse_CollectsAndMergesRelays(t *testing.T) {
	resolver := &fakeResolver{entries: []*zeroconf.ServiceEntry{
		entry("b relay", 5000, []string{"path=/signal", "tls=0"}, "192.168.1.20"),
		entry("a relay", 8443, []string{"path=/mesh/signal", "tls=1", "version=v1"}, "fe80::1", "192.168.1.10"),
		entry("b relay", 5000, []string{"path=/signal", "tls=0"}, "192.168.1.20", "10.0.0.20"),
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	relays, err := Browse(ctx, resolver)
	if err != nil {
		t.Fatalf("Browse: %v", err)
	}
	if len(relays) != 2 {
		t.Fatalf("len(relays)=%d, want 2: %+v", len(relays), relays)
	}

	a, b := relays[0], relays[1]
	if a.Instance != "a relay" || b.Instance != "b relay" {
		t.Fatalf("order=%q,%q", a.Instance, b.Instance)
	}
	if got := a.SignalURL(); got != "wss://192.168.1.10:8443/mesh/signal" {
		t.Fatalf("a.SignalURL=%q", got)
	}
	if a.Version != "v1" {
		t.Fatalf("a.Version=%q", a.Version)
	}
	if len(b.IPs) != 2 {
		t.Fatalf("b.IPs=%v, want merged pair", b.IPs)
	}
	if got := b.SignalURL(); got != "ws://192.168.1.20:5000/signal" {
		t.Fatalf("b.SignalURL=%q", got)
	}
}

func TestBrowse_ResolverError(t *testing.T) {
	boom := errors.New("socket closed")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Browse(ctx, &fakeResolver{err: boom}); !errors.Is(err, boom) {
		t.Fatalf("err=%v, want wrapped %v", err, boom)
	}
}

func TestRelay_SignalURLFallsBackToHostName(t *testing.T) {
	r := Relay{HostName: "relay.local.", Port: 5000, IPs: []net.IP{net.ParseIP("fe80::1")}}
	if got := r.SignalURL(); got != "ws://relay.local:5000/signal" {
		t.Fatalf("SignalURL=%q", got)
	}

	r = Relay{HostName: "relay.local.", Port: 5000, IPs: []net.IP{net.ParseIP("2001:db8::5")}}
	if got := r.SignalURL(); got != "ws://[2001:db8::5]:5000/signal" {
		t.Fatalf("SignalURL=%q", got)
	}
}

func TestParseTXT(t *testing.T) {
	got := parseTXT([]string{"PATH=/a", "path=/b", "tls", "=x", "version=1=2"})
	if got["path"] != "/a" {
		t.Fatalf("path=%q, want first value", got["path"])
	}
	if v, ok := got["tls"]; !ok || v != "" {
		t.Fatalf("tls=%q ok=%v", v, ok)
	}
	if got["version"] != "1=2" {
		t.Fatalf("version=%q", got["version"])
	}
	if _, ok := got[""]; ok {
		t.Fatalf("empty key kept")
	}
}
