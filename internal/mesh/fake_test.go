package mesh

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/signaling"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport records every call made by a Peer. It is safe for use from
// the event loop and the test goroutine at once.
type fakeTransport struct {
	mu sync.Mutex

	events     TransportEvents
	tracks     []webrtc.TrackLocal
	receivers  []webrtc.RTPCodecType
	local      []webrtc.SDPType
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	rollbacks  int
	closes     int

	failOn map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failOn: map[string]error{}}
}

func (t *fakeTransport) fail(op string) error {
	return t.failOn[op]
}

func (t *fakeTransport) AddTrack(track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fail("AddTrack"); err != nil {
		return err
	}
	t.tracks = append(t.tracks, track)
	return nil
}

func (t *fakeTransport) AddReceiver(kind webrtc.RTPCodecType) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receivers = append(t.receivers, kind)
	return nil
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fail("CreateOffer"); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fail("CreateAnswer"); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (t *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fail("SetLocalDescription"); err != nil {
		return err
	}
	t.local = append(t.local, desc.Type)
	return nil
}

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fail("SetRemoteDescription"); err != nil {
		return err
	}
	t.remote = append(t.remote, desc)
	return nil
}

func (t *fakeTransport) RemoteDescriptionSet() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.remote) > 0
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fail("AddICECandidate"); err != nil {
		return err
	}
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *fakeTransport) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fail("Rollback"); err != nil {
		return err
	}
	t.rollbacks++
	// An offer that was never answered is discarded.
	if n := len(t.remote); n > 0 && t.remote[n-1].Type == webrtc.SDPTypeOffer &&
		(len(t.local) == 0 || t.local[len(t.local)-1] != webrtc.SDPTypeAnswer) {
		t.remote = t.remote[:n-1]
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *fakeTransport) candidateStrings() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.candidates))
	for _, c := range t.candidates {
		out = append(out, c.Candidate)
	}
	return out
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// fakeSignaler stands in for the relay connection. Envelopes pushed to in are
// returned by Recv; envelopes sent by the orchestrator appear on out.
type fakeSignaler struct {
	in  chan signaling.Envelope
	out chan signaling.Envelope

	closeOnce sync.Once
	closed    chan struct{}
	failed    chan error
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		in:     make(chan signaling.Envelope, 64),
		out:    make(chan signaling.Envelope, 64),
		closed: make(chan struct{}),
		failed: make(chan error, 1),
	}
}

var errFakeSignalerClosed = errors.New("fake signaler closed")

func (s *fakeSignaler) Send(env signaling.Envelope) error {
	select {
	case <-s.closed:
		return errFakeSignalerClosed
	default:
	}
	s.out <- env
	return nil
}

func (s *fakeSignaler) Recv() (signaling.Envelope, error) {
	select {
	case env := <-s.in:
		return env, nil
	case err := <-s.failed:
		return signaling.Envelope{}, err
	case <-s.closed:
		return signaling.Envelope{}, errFakeSignalerClosed
	}
}

func (s *fakeSignaler) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSignaler) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeMedia counts Stop calls and exposes no tracks unless given some.
type fakeMedia struct {
	mu     sync.Mutex
	tracks []webrtc.TrackLocal
	audio  bool
	video  bool
	stops  int
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return m.tracks }

func (m *fakeMedia) ToggleAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio = !m.audio
	return m.audio
}

func (m *fakeMedia) ToggleVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.video = !m.video
	return m.video
}

func (m *fakeMedia) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
}

func (m *fakeMedia) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}
