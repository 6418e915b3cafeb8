package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/grandcat/zeroconf"
)

// DefaultBrowseTimeout bounds Browse when ctx has no deadline.
const DefaultBrowseTimeout = 3 * time.Second

// MDNSResolver browses DNS-SD services. The zeroconf resolver is used unless
// one is injected.
type MDNSResolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// Browse collects the relays that answer before ctx ends, sorted by
// instance name. A nil resolver uses zeroconf on all interfaces.
func Browse(ctx context.Context, resolver MDNSResolver) ([]Relay, error) {
	if resolver == nil {
		r, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("discovery: new resolver: %w", err)
		}
		resolver = r
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultBrowseTimeout)
		defer cancel()
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	errc := make(chan error, 1)
	go func() {
		errc <- resolver.Browse(ctx, ServiceType, Domain, entries)
	}()

	found := make(map[string]Relay)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return sortRelays(found), nil
			}
			if entry == nil {
				continue
			}
			r := entryToRelay(entry)
			if prev, seen := found[r.Instance]; seen {
				r.IPs = mergeIPs(prev.IPs, r.IPs)
			}
			found[r.Instance] = r
		case err := <-errc:
			if err != nil && ctx.Err() == nil {
				return nil, fmt.Errorf("discovery: browse %s: %w", ServiceType, err)
			}
			// The browse is still answering until ctx ends.
			errc = nil
		case <-ctx.Done():
			return sortRelays(found), nil
		}
	}
}

func entryToRelay(entry *zeroconf.ServiceEntry) Relay {
	txt := parseTXT(entry.Text)
	var ips []net.IP
	ips = append(ips, entry.AddrIPv4...)
	ips = append(ips, entry.AddrIPv6...)
	return Relay{
		Instance: entry.Instance,
		HostName: entry.HostName,
		Port:     entry.Port,
		IPs:      ips,
		Path:     txt[txtPath],
		TLS:      txt[txtTLS] == "1",
		Version:  txt[txtVersion],
	}
}

func mergeIPs(a, b []net.IP) []net.IP {
	out := append([]net.IP(nil), a...)
	for _, ip := range b {
		dup := false
		for _, have := range out {
			if have.Equal(ip) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, ip)
		}
	}
	return out
}

func sortRelays(found map[string]Relay) []Relay {
	out := make([]Relay, 0, len(found))
	for _, r := range found {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}
