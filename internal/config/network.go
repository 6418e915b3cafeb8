package config

import (
	"fmt"
	"net"
	"strings"
)

const (
	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"

	DefaultWebRTCUDPListenIP = "0.0.0.0"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// WebRTCNetwork controls how a peer's ICE agent binds and advertises UDP
// sockets.
type WebRTCNetwork struct {
	// UDPPortRange is nil when ephemeral ports are fine.
	UDPPortRange *UDPPortRange
	UDPListenIP  net.IP

	// NAT1To1IPs are advertised in place of the host address, for peers
	// behind a static 1:1 NAT.
	NAT1To1IPs             []string
	NAT1To1IPCandidateType NAT1To1IPCandidateType
}

// DefaultWebRTCNetwork binds every interface on ephemeral ports.
func DefaultWebRTCNetwork() WebRTCNetwork {
	return WebRTCNetwork{
		UDPListenIP:            net.IPv4zero,
		NAT1To1IPCandidateType: NAT1To1CandidateTypeHost,
	}
}

func loadWebRTCNetwork(lookup func(string) (string, bool)) (WebRTCNetwork, error) {
	var portMin, portMax uint16
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		portMin = p
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		portMax = p
	}

	out := DefaultWebRTCNetwork()

	if (portMin == 0) != (portMax == 0) {
		return WebRTCNetwork{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	if portMin != 0 {
		if portMin > portMax {
			return WebRTCNetwork{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", portMin, portMax)
		}
		out.UDPPortRange = &UDPPortRange{Min: portMin, Max: portMax}
	}

	listenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	listenIP := net.ParseIP(strings.TrimSpace(listenIPStr))
	if listenIP == nil {
		return WebRTCNetwork{}, fmt.Errorf("invalid %s %q", envVarWebRTCUDPListenIP, listenIPStr)
	}
	out.UDPListenIP = listenIP

	if raw := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, ""); strings.TrimSpace(raw) != "" {
		ips, err := parseIPList(raw)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCNAT1To1IPs, raw, err)
		}
		out.NAT1To1IPs = ips
	}

	candidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))
	candidateType, err := parseCandidateType(candidateTypeStr)
	if err != nil {
		return WebRTCNetwork{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCNAT1To1IPCandidateType, candidateTypeStr, err)
	}
	out.NAT1To1IPCandidateType = candidateType

	return out, nil
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
