package mesh

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Transport is the per-peer media connection. All methods are called from the
// orchestrator's event loop.
type Transport interface {
	AddTrack(track webrtc.TrackLocal) error
	// AddReceiver requests a receive-only transceiver for kind, so a
	// participant without local media of that kind can still receive it.
	AddReceiver(kind webrtc.RTPCodecType) error

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescriptionSet() bool
	AddICECandidate(c webrtc.ICECandidateInit) error

	// Rollback discards whichever offer is outstanding, local or remote.
	Rollback() error
	Close() error
}

// TransportEvents are invoked from transport-owned goroutines. Handlers must
// not block.
type TransportEvents struct {
	OnNegotiationNeeded     func()
	OnICECandidate          func(webrtc.ICECandidateInit)
	OnTrack                 func(*webrtc.TrackRemote)
	OnConnectionStateChange func(webrtc.PeerConnectionState)
}

// TransportFactory creates a transport wired to events.
type TransportFactory func(events TransportEvents) (Transport, error)

// NewPionTransportFactory returns a factory backed by pion PeerConnections
// created from api.
func NewPionTransportFactory(api *webrtc.API, iceServers []webrtc.ICEServer) TransportFactory {
	return func(events TransportEvents) (Transport, error) {
		if api == nil {
			api = webrtc.NewAPI()
		}
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}

		if events.OnNegotiationNeeded != nil {
			pc.OnNegotiationNeeded(events.OnNegotiationNeeded)
		}
		if events.OnICECandidate != nil {
			pc.OnICECandidate(func(c *webrtc.ICECandidate) {
				// nil marks the end of gathering; trickle has no use for it.
				if c == nil {
					return
				}
				events.OnICECandidate(c.ToJSON())
			})
		}
		if events.OnTrack != nil {
			pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
				events.OnTrack(track)
			})
		}
		if events.OnConnectionStateChange != nil {
			pc.OnConnectionStateChange(events.OnConnectionStateChange)
		}
		return &pionTransport{pc: pc}, nil
	}
}

type pionTransport struct {
	pc *webrtc.PeerConnection
}

func (t *pionTransport) AddTrack(track webrtc.TrackLocal) error {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// RTCP has to be read for interceptors (NACK, reports) to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (t *pionTransport) AddReceiver(kind webrtc.RTPCodecType) error {
	_, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *pionTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *pionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) RemoteDescriptionSet() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *pionTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

func (t *pionTransport) Rollback() error {
	rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
	if t.pc.SignalingState() == webrtc.SignalingStateHaveRemoteOffer {
		return t.pc.SetRemoteDescription(rollback)
	}
	return t.pc.SetLocalDescription(rollback)
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}
