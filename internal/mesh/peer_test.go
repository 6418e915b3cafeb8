package mesh

import (
	"errors"
	"reflect"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/signaling"
)

type peerHarness struct {
	peer      *Peer
	transport *fakeTransport
	sent      []signaling.Envelope
	states    []State
}

// newHarness builds a Peer for remote as seen from local, with a fake
// transport attached.
func newHarness(t *testing.T, local, remote string) *peerHarness {
	t.Helper()
	h := &peerHarness{transport: newFakeTransport()}
	h.peer = newPeer(remote, local, func(env signaling.Envelope) { h.sent = append(h.sent, env) }, discardLogger())
	h.peer.onState = func(s State) { h.states = append(h.states, s) }
	h.peer.attach(h.transport)
	return h
}

func remoteOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote offer"}
}

func remoteAnswer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 remote answer"}
}

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestPeer_OffererReachesConnectedOnAnswer(t *testing.T) {
	h := newHarness(t, "a", "b")

	if err := h.peer.onNegotiationNeeded(); err != nil {
		t.Fatalf("onNegotiationNeeded: %v", err)
	}
	if h.peer.State() != StateOfferSent {
		t.Fatalf("state=%v, want %v", h.peer.State(), StateOfferSent)
	}
	if len(h.sent) != 1 {
		t.Fatalf("sent %d envelopes, want 1", len(h.sent))
	}
	offer := h.sent[0]
	if offer.Type != signaling.MessageTypeOffer || offer.Target != "b" || offer.Caller != "a" {
		t.Fatalf("offer=%+v", offer)
	}
	if offer.SDP == nil || offer.SDP.Type != "offer" {
		t.Fatalf("offer sdp=%+v", offer.SDP)
	}

	// Candidates that arrive before the answer wait for it.
	h.peer.onRemoteCandidate(candidate("c1"))
	if got := h.transport.candidateStrings(); len(got) != 0 {
		t.Fatalf("candidates applied before remote description: %v", got)
	}

	if err := h.peer.onRemoteAnswer(remoteAnswer()); err != nil {
		t.Fatalf("onRemoteAnswer: %v", err)
	}
	h.peer.onRemoteCandidate(candidate("c2"))

	if got, want := h.transport.candidateStrings(), []string{"c1", "c2"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("candidates=%v, want %v", got, want)
	}
	if want := []State{StateOffering, StateOfferSent, StateConnected}; !reflect.DeepEqual(h.states, want) {
		t.Fatalf("states=%v, want %v", h.states, want)
	}
}

func TestPeer_AnswererReachesConnectedOnce(t *testing.T) {
	h := newHarness(t, "b", "a")

	if err := h.peer.onRemoteOffer(remoteOffer()); err != nil {
		t.Fatalf("onRemoteOffer: %v", err)
	}
	if h.peer.State() != StateAnswerSent {
		t.Fatalf("state=%v, want %v", h.peer.State(), StateAnswerSent)
	}
	if len(h.sent) != 1 || h.sent[0].Type != signaling.MessageTypeAnswer || h.sent[0].Target != "a" {
		t.Fatalf("sent=%+v, want one answer to a", h.sent)
	}

	h.peer.onRemoteTrack()
	h.peer.onTransportConnected()
	h.peer.onRemoteTrack()

	if want := []State{StateAnswering, StateAnswerSent, StateConnected}; !reflect.DeepEqual(h.states, want) {
		t.Fatalf("states=%v, want %v", h.states, want)
	}
}

func TestPeer_EarlyCandidatesFlushInOrder(t *testing.T) {
	var sent []signaling.Envelope
	p := newPeer("a", "b", func(env signaling.Envelope) { sent = append(sent, env) }, discardLogger())

	if !p.Minimal() {
		t.Fatalf("Minimal=false for a peer without transport")
	}
	for _, c := range []string{"c1", "c2", "c3"} {
		p.onRemoteCandidate(candidate(c))
	}

	ft := newFakeTransport()
	p.attach(ft)
	if p.Minimal() {
		t.Fatalf("Minimal=true after attach")
	}
	if err := p.onRemoteOffer(remoteOffer()); err != nil {
		t.Fatalf("onRemoteOffer: %v", err)
	}
	if got, want := ft.candidateStrings(), []string{"c1", "c2", "c3"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("candidates=%v, want %v", got, want)
	}
	if len(p.pending) != 0 {
		t.Fatalf("pending=%d, want 0 after flush", len(p.pending))
	}
}

func TestPeer_GlarePoliteSideRollsBackAndAnswers(t *testing.T) {
	h := newHarness(t, "a", "b")
	if !h.peer.polite {
		t.Fatalf("peer with the lower local id should be polite")
	}

	if err := h.peer.onNegotiationNeeded(); err != nil {
		t.Fatalf("onNegotiationNeeded: %v", err)
	}
	if err := h.peer.onRemoteOffer(remoteOffer()); err != nil {
		t.Fatalf("onRemoteOffer: %v", err)
	}

	if h.transport.rollbacks != 1 {
		t.Fatalf("rollbacks=%d, want 1", h.transport.rollbacks)
	}
	if h.peer.State() != StateAnswerSent {
		t.Fatalf("state=%v, want %v", h.peer.State(), StateAnswerSent)
	}
	if len(h.sent) != 2 || h.sent[1].Type != signaling.MessageTypeAnswer {
		t.Fatalf("sent=%+v, want offer then answer", h.sent)
	}
}

func TestPeer_GlareImpoliteSideIgnoresOffer(t *testing.T) {
	h := newHarness(t, "b", "a")
	if h.peer.polite {
		t.Fatalf("peer with the higher local id should be impolite")
	}

	if err := h.peer.onNegotiationNeeded(); err != nil {
		t.Fatalf("onNegotiationNeeded: %v", err)
	}
	if err := h.peer.onRemoteOffer(remoteOffer()); err != nil {
		t.Fatalf("onRemoteOffer: %v", err)
	}

	if h.transport.rollbacks != 0 {
		t.Fatalf("rollbacks=%d, want 0", h.transport.rollbacks)
	}
	if h.peer.State() != StateOfferSent {
		t.Fatalf("state=%v, want %v", h.peer.State(), StateOfferSent)
	}
	if len(h.sent) != 1 {
		t.Fatalf("sent %d envelopes, want only the original offer", len(h.sent))
	}

	// The polite side answers our offer, which completes negotiation.
	if err := h.peer.onRemoteAnswer(remoteAnswer()); err != nil {
		t.Fatalf("onRemoteAnswer: %v", err)
	}
	if h.peer.State() != StateConnected {
		t.Fatalf("state=%v, want %v", h.peer.State(), StateConnected)
	}
}

func TestPeer_InvalidStepsReturnTransitionError(t *testing.T) {
	h := newHarness(t, "a", "b")

	err := h.peer.onRemoteAnswer(remoteAnswer())
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("err=%v, want TransitionError", err)
	}
	if te.Op != "answer" || te.State != StateNew || te.PeerID != "b" {
		t.Fatalf("TransitionError=%+v", te)
	}
	if h.peer.State() != StateNew {
		t.Fatalf("state=%v, want unchanged %v", h.peer.State(), StateNew)
	}

	if err := h.peer.onNegotiationNeeded(); err != nil {
		t.Fatalf("onNegotiationNeeded: %v", err)
	}
	if err := h.peer.onRemoteAnswer(remoteAnswer()); err != nil {
		t.Fatalf("onRemoteAnswer: %v", err)
	}

	if err := h.peer.onRemoteOffer(remoteOffer()); !errors.As(err, &te) {
		t.Fatalf("offer in CONNECTED: err=%v, want TransitionError", err)
	}
	if err := h.peer.onRemoteAnswer(remoteAnswer()); !errors.As(err, &te) {
		t.Fatalf("second answer: err=%v, want TransitionError", err)
	}
	if h.peer.State() != StateConnected {
		t.Fatalf("state=%v, want %v", h.peer.State(), StateConnected)
	}
}

func TestPeer_NegotiationNeededOnlyOffersOnce(t *testing.T) {
	h := newHarness(t, "a", "b")

	for i := 0; i < 3; i++ {
		if err := h.peer.onNegotiationNeeded(); err != nil {
			t.Fatalf("onNegotiationNeeded: %v", err)
		}
	}
	if len(h.sent) != 1 {
		t.Fatalf("sent %d offers, want 1", len(h.sent))
	}
}

func TestPeer_FailedStepRevertsToStableState(t *testing.T) {
	boom := errors.New("boom")

	h := newHarness(t, "a", "b")
	h.transport.failOn["CreateOffer"] = boom
	if err := h.peer.onNegotiationNeeded(); !errors.Is(err, boom) {
		t.Fatalf("err=%v, want boom", err)
	}
	if h.peer.State() != StateNew {
		t.Fatalf("state=%v, want %v", h.peer.State(), StateNew)
	}
	if len(h.sent) != 0 {
		t.Fatalf("sent %d envelopes after failure", len(h.sent))
	}

	h = newHarness(t, "b", "a")
	h.transport.failOn["SetRemoteDescription"] = boom
	if err := h.peer.onRemoteOffer(remoteOffer()); !errors.Is(err, boom) {
		t.Fatalf("err=%v, want boom", err)
	}
	if want := []State{StateAnswering, StateNew}; !reflect.DeepEqual(h.states, want) {
		t.Fatalf("states=%v, want %v", h.states, want)
	}

	h = newHarness(t, "a", "b")
	if err := h.peer.onNegotiationNeeded(); err != nil {
		t.Fatalf("onNegotiationNeeded: %v", err)
	}
	h.transport.failOn["SetRemoteDescription"] = boom
	if err := h.peer.onRemoteAnswer(remoteAnswer()); !errors.Is(err, boom) {
		t.Fatalf("err=%v, want boom", err)
	}
	if h.peer.State() != StateOfferSent {
		t.Fatalf("state=%v, want %v", h.peer.State(), StateOfferSent)
	}
}

func TestPeer_FailedAnswerDiscardsRemoteOffer(t *testing.T) {
	boom := errors.New("boom")

	for _, op := range []string{"CreateAnswer", "SetLocalDescription"} {
		t.Run(op, func(t *testing.T) {
			h := newHarness(t, "b", "a")
			h.transport.failOn[op] = boom
			if err := h.peer.onRemoteOffer(remoteOffer()); !errors.Is(err, boom) {
				t.Fatalf("err=%v, want boom", err)
			}
			if h.peer.State() != StateNew {
				t.Fatalf("state=%v, want %v", h.peer.State(), StateNew)
			}
			if h.transport.rollbacks != 1 {
				t.Fatalf("rollbacks=%d, want 1", h.transport.rollbacks)
			}
			if h.transport.RemoteDescriptionSet() {
				t.Fatalf("remote offer still applied after failed answer")
			}

			// A candidate arriving now waits for the next description.
			h.peer.onRemoteCandidate(candidate("c1"))
			if got := h.transport.candidateStrings(); len(got) != 0 {
				t.Fatalf("candidates applied without a remote description: %v", got)
			}

			delete(h.transport.failOn, op)
			if err := h.peer.onRemoteOffer(remoteOffer()); err != nil {
				t.Fatalf("retry onRemoteOffer: %v", err)
			}
			if h.peer.State() != StateAnswerSent {
				t.Fatalf("state=%v, want %v", h.peer.State(), StateAnswerSent)
			}
			if got := h.transport.candidateStrings(); !reflect.DeepEqual(got, []string{"c1"}) {
				t.Fatalf("candidates=%v, want [c1]", got)
			}
		})
	}
}

func TestPeer_RejectedCandidateIsDropped(t *testing.T) {
	h := newHarness(t, "a", "b")
	if err := h.peer.onNegotiationNeeded(); err != nil {
		t.Fatalf("onNegotiationNeeded: %v", err)
	}
	if err := h.peer.onRemoteAnswer(remoteAnswer()); err != nil {
		t.Fatalf("onRemoteAnswer: %v", err)
	}

	h.transport.failOn["AddICECandidate"] = errors.New("bad candidate")
	h.peer.onRemoteCandidate(candidate("garbage"))
	if h.peer.State() != StateConnected {
		t.Fatalf("state=%v, want %v", h.peer.State(), StateConnected)
	}
}

func TestPeer_CloseIsIdempotent(t *testing.T) {
	h := newHarness(t, "a", "b")
	h.peer.onRemoteCandidate(candidate("c1"))

	h.peer.close()
	h.peer.close()

	if got := h.transport.closeCount(); got != 1 {
		t.Fatalf("closes=%d, want 1", got)
	}
	if h.peer.State() != StateClosed {
		t.Fatalf("state=%v, want %v", h.peer.State(), StateClosed)
	}
	if h.peer.Minimal() {
		t.Fatalf("Minimal=true for a closed peer")
	}

	h.peer.onRemoteCandidate(candidate("c2"))
	if err := h.peer.onNegotiationNeeded(); err != nil {
		t.Fatalf("onNegotiationNeeded: %v", err)
	}
	if len(h.sent) != 0 || len(h.peer.pending) != 0 {
		t.Fatalf("closed peer still active: sent=%d pending=%d", len(h.sent), len(h.peer.pending))
	}
	if want := []State{StateClosed}; !reflect.DeepEqual(h.states, want) {
		t.Fatalf("states=%v, want %v", h.states, want)
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateNew:        "NEW",
		StateOfferSent:  "OFFER_SENT",
		StateAnswerSent: "ANSWER_SENT",
		StateConnected:  "CONNECTED",
		StateClosed:     "CLOSED",
		State(42):       "State(42)",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("String()=%q, want %q", got, want)
		}
	}
}
