package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/config"
)

type apiOptions struct {
	net transport.Net
}

// Option customizes NewAPI.
type Option func(*apiOptions)

// WithNet routes all ICE traffic through n, typically a vnet.Net in tests.
func WithNet(n transport.Net) Option {
	return func(o *apiOptions) { o.net = n }
}

// NewAPI builds the API every peer connection of a participant is created
// from: default audio/video codecs, the default interceptors plus periodic
// keyframe requests, and the configured network settings.
func NewAPI(netCfg config.WebRTCNetwork, logger *slog.Logger, opts ...Option) (*webrtc.API, error) {
	var o apiOptions
	for _, opt := range opts {
		opt(&o)
	}

	se := webrtc.SettingEngine{}
	if logger != nil {
		se.LoggerFactory = NewLoggerFactory(logger)
	}
	if o.net != nil {
		se.SetNet(o.net)
	}
	if err := ApplyNetworkSettings(&se, netCfg); err != nil {
		return nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("new pli interceptor: %w", err)
	}
	registry.Add(pli)

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, netCfg config.WebRTCNetwork) error {
	if netCfg.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(netCfg.UDPPortRange.Min, netCfg.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(netCfg.NAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch netCfg.NAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost, "":
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", netCfg.NAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(netCfg.NAT1To1IPs, candidateType)
	}

	// SettingEngine doesn't expose a "bind to this address" toggle; instead
	// we restrict candidate gathering and socket binding via IPFilter.
	if !config.IsUnspecifiedIP(netCfg.UDPListenIP) {
		listenIP := netCfg.UDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}
