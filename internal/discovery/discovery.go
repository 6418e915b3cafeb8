// Package discovery announces and finds mesh relays on the local network
// over mDNS/DNS-SD.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	// ServiceType is the DNS-SD service type of a mesh relay.
	ServiceType = "_aero-mesh._tcp"
	// Domain is the mDNS domain.
	Domain = "local."
)

// TXT record keys.
const (
	txtPath    = "path"
	txtTLS     = "tls"
	txtVersion = "version"
)

var (
	ErrClosed      = errors.New("discovery: announcer closed")
	ErrInvalidPort = errors.New("discovery: port must be in 1..65535")
)

// Relay is a mesh relay found on the network.
type Relay struct {
	Instance string
	HostName string
	Port     int
	IPs      []net.IP

	// Path is the WebSocket signaling path, usually "/signal".
	Path    string
	TLS     bool
	Version string
}

// SignalURL returns the WebSocket URL of the relay's signaling endpoint,
// preferring an IPv4 address and falling back to the advertised host name.
func (r Relay) SignalURL() string {
	scheme := "ws"
	if r.TLS {
		scheme = "wss"
	}
	host := strings.TrimSuffix(r.HostName, ".")
	if ip := r.preferredIP(); ip != nil {
		host = ip.String()
	}
	path := r.Path
	if path == "" {
		path = "/signal"
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host, strconv.Itoa(r.Port)), path)
}

func (r Relay) preferredIP() net.IP {
	for _, ip := range r.IPs {
		if ip.To4() != nil {
			return ip
		}
	}
	for _, ip := range r.IPs {
		// Link-local v6 needs a zone we don't have.
		if !ip.IsLinkLocalUnicast() {
			return ip
		}
	}
	return nil
}

func encodeTXT(path string, tls bool, version string) []string {
	txt := []string{txtPath + "=" + path}
	if tls {
		txt = append(txt, txtTLS+"=1")
	} else {
		txt = append(txt, txtTLS+"=0")
	}
	if version != "" {
		txt = append(txt, txtVersion+"="+version)
	}
	return txt
}

// parseTXT reads key=value pairs. Keys are case-insensitive; later
// duplicates are ignored.
func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, rec := range records {
		k, v, _ := strings.Cut(rec, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, dup := out[k]; dup {
			continue
		}
		out[k] = v
	}
	return out
}
