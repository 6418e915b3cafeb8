package mesh

import (
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/signaling"
)

// State is the negotiation phase of a Peer.
type State int

const (
	StateNew State = iota
	StateOffering
	StateOfferSent
	StateAnswering
	StateAnswerSent
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateOffering:
		return "OFFERING"
	case StateOfferSent:
		return "OFFER_SENT"
	case StateAnswering:
		return "ANSWERING"
	case StateAnswerSent:
		return "ANSWER_SENT"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Peer negotiates one connection with one remote participant.
//
// A Peer without a transport only buffers candidates. It exists because
// candidates can outrun the offer they belong to; attach upgrades it.
//
// Peer is driven exclusively by the orchestrator's event loop and is not safe
// for concurrent use.
type Peer struct {
	remoteID string
	localID  string
	label    string
	polite   bool

	state     State
	transport Transport
	pending   []webrtc.ICECandidateInit

	emit    func(signaling.Envelope)
	onState func(State)
	log     *slog.Logger
}

func newPeer(remoteID, localID string, emit func(signaling.Envelope), log *slog.Logger) *Peer {
	return &Peer{
		remoteID: remoteID,
		localID:  localID,
		polite:   localID < remoteID,
		emit:     emit,
		log:      log.With("peer_id", remoteID),
	}
}

func (p *Peer) RemoteID() string { return p.remoteID }
func (p *Peer) Label() string    { return p.label }
func (p *Peer) State() State     { return p.state }

// Minimal reports whether the peer is still the buffering-only shape.
func (p *Peer) Minimal() bool { return p.transport == nil && p.state != StateClosed }

func (p *Peer) setState(s State) {
	if p.state == s {
		return
	}
	p.log.Debug("peer state", "from", p.state, "to", s)
	p.state = s
	if p.onState != nil {
		p.onState(s)
	}
}

// revert restores a stable state after a failed step.
func (p *Peer) revert(stable State, op string, err error) error {
	p.log.Warn("negotiation step failed", "op", op, "err", err, "state", stable)
	p.setState(stable)
	return fmt.Errorf("peer %s: %s: %w", p.remoteID, op, err)
}

// discardRemoteOffer rolls the transport back to stable so that NEW can
// offer or answer again.
func (p *Peer) discardRemoteOffer() {
	if err := p.transport.Rollback(); err != nil {
		p.log.Warn("rollback of remote offer failed", "err", err)
	}
}

func (p *Peer) attach(t Transport) {
	if p.transport != nil || p.state == StateClosed {
		return
	}
	p.transport = t
}

func (p *Peer) onNegotiationNeeded() error {
	if p.transport == nil || p.state != StateNew {
		p.log.Debug("ignoring negotiation-needed", "state", p.state)
		return nil
	}

	p.setState(StateOffering)
	offer, err := p.transport.CreateOffer()
	if err != nil {
		return p.revert(StateNew, "create offer", err)
	}
	if err := p.transport.SetLocalDescription(offer); err != nil {
		return p.revert(StateNew, "set local offer", err)
	}
	p.setState(StateOfferSent)

	sdp := signaling.SDPFromPion(offer)
	p.emit(signaling.Envelope{
		Type:   signaling.MessageTypeOffer,
		Target: p.remoteID,
		Caller: p.localID,
		SDP:    &sdp,
	})
	return nil
}

func (p *Peer) onRemoteOffer(desc webrtc.SessionDescription) error {
	if p.transport == nil {
		return &TransitionError{PeerID: p.remoteID, Op: "offer", State: p.state}
	}

	switch p.state {
	case StateNew:
	case StateOfferSent:
		// Glare. The impolite side keeps its own offer and waits for the
		// answer; the polite side withdraws its offer and answers instead.
		if !p.polite {
			p.log.Debug("ignoring colliding offer")
			return nil
		}
		if err := p.transport.Rollback(); err != nil {
			return p.revert(StateOfferSent, "rollback", err)
		}
		p.setState(StateNew)
	default:
		return &TransitionError{PeerID: p.remoteID, Op: "offer", State: p.state}
	}

	p.setState(StateAnswering)
	if err := p.transport.SetRemoteDescription(desc); err != nil {
		return p.revert(StateNew, "set remote offer", err)
	}
	answer, err := p.transport.CreateAnswer()
	if err != nil {
		p.discardRemoteOffer()
		return p.revert(StateNew, "create answer", err)
	}
	if err := p.transport.SetLocalDescription(answer); err != nil {
		p.discardRemoteOffer()
		return p.revert(StateNew, "set local answer", err)
	}
	p.setState(StateAnswerSent)

	sdp := signaling.SDPFromPion(answer)
	p.emit(signaling.Envelope{
		Type:   signaling.MessageTypeAnswer,
		Target: p.remoteID,
		Caller: p.localID,
		SDP:    &sdp,
	})
	p.flush()
	return nil
}

func (p *Peer) onRemoteAnswer(desc webrtc.SessionDescription) error {
	if p.transport == nil || p.state != StateOfferSent {
		return &TransitionError{PeerID: p.remoteID, Op: "answer", State: p.state}
	}
	if err := p.transport.SetRemoteDescription(desc); err != nil {
		return p.revert(StateOfferSent, "set remote answer", err)
	}
	p.setState(StateConnected)
	p.flush()
	return nil
}

// onRemoteCandidate applies c once a remote description exists and buffers it
// otherwise.
func (p *Peer) onRemoteCandidate(c webrtc.ICECandidateInit) {
	if p.state == StateClosed {
		return
	}
	if p.transport != nil && p.transport.RemoteDescriptionSet() {
		p.addCandidate(c)
		return
	}
	p.pending = append(p.pending, c)
}

func (p *Peer) flush() {
	pending := p.pending
	p.pending = nil
	for _, c := range pending {
		p.addCandidate(c)
	}
}

func (p *Peer) addCandidate(c webrtc.ICECandidateInit) {
	if err := p.transport.AddICECandidate(c); err != nil {
		p.log.Warn("dropping remote candidate", "candidate", c.Candidate, "err", err)
	}
}

// onTransportConnected and onRemoteTrack complete the answering side, which
// has no answer of its own to wait for.
func (p *Peer) onTransportConnected() {
	if p.state == StateAnswerSent {
		p.setState(StateConnected)
	}
}

func (p *Peer) onRemoteTrack() {
	if p.state == StateAnswerSent {
		p.setState(StateConnected)
	}
}

// close is idempotent.
func (p *Peer) close() {
	if p.state == StateClosed {
		return
	}
	if p.transport != nil {
		if err := p.transport.Close(); err != nil {
			p.log.Debug("closing transport", "err", err)
		}
	}
	p.pending = nil
	p.setState(StateClosed)
}
