package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/signaling"
)

// Signaler is the orchestrator's connection to the relay. signaling.Client
// implements it.
type Signaler interface {
	Send(env signaling.Envelope) error
	// Recv blocks until the next envelope arrives. It must return an error
	// once Close has been called.
	Recv() (signaling.Envelope, error)
	Close() error
}

// LocalMedia is the local capture shared by every peer. Toggling a kind
// affects all peers at once.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	ToggleAudio() bool
	ToggleVideo() bool
	Stop()
}

// Config configures an Orchestrator. Signaler, NewTransport and RoomID are
// required.
//
// Callbacks run on the event loop and must return quickly. They must not call
// back into the Orchestrator, which would deadlock. A remote track in
// particular should be read from a separate goroutine.
type Config struct {
	RoomID string
	Email  string

	Signaler     Signaler
	Media        LocalMedia
	NewTransport TransportFactory
	Logger       *slog.Logger

	OnRemoteTrack     func(peerID string, track *webrtc.TrackRemote)
	OnPeerLeft        func(peerID, label string)
	OnChat            func(ChatEntry)
	OnPeerStateChange func(peerID string, state State)
}

// PeerInfo is a snapshot of one Peer.
type PeerInfo struct {
	ID    string
	Label string
	State State
}

// Orchestrator joins a room and keeps exactly one Peer per remote participant.
//
// Inbound envelopes, transport callbacks and public method calls are all
// executed in order on the goroutine running Run.
type Orchestrator struct {
	cfg Config
	log *slog.Logger

	queue *eventQueue
	done  chan struct{}

	// Owned by the event loop.
	localID    string
	peers      map[string]*Peer
	transcript []ChatEntry
	stopping   bool
	exitErr    error

	runOnce sync.Once
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Signaler == nil {
		return nil, errors.New("mesh: Signaler is required")
	}
	if cfg.NewTransport == nil {
		return nil, errors.New("mesh: NewTransport is required")
	}
	if cfg.RoomID == "" {
		return nil, errors.New("mesh: RoomID is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:   cfg,
		log:   log.With("room_id", cfg.RoomID),
		queue: newEventQueue(),
		done:  make(chan struct{}),
		peers: make(map[string]*Peer),
	}, nil
}

// Run joins the room and services events until Disconnect, ctx cancellation
// or a signaling failure. Every peer, the local media and the signaling
// connection are closed before it returns. Run may only be called once.
func (o *Orchestrator) Run(ctx context.Context) error {
	err := errors.New("mesh: Run called twice")
	o.runOnce.Do(func() { err = o.run(ctx) })
	return err
}

func (o *Orchestrator) run(ctx context.Context) error {
	readerDone := make(chan struct{})
	go o.readLoop(readerDone)

	err := o.loop(ctx)

	o.teardown()
	<-readerDone
	close(o.done)
	return err
}

func (o *Orchestrator) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.queue.signal:
			for _, fn := range o.queue.drain() {
				fn()
				if o.stopping {
					return o.exitErr
				}
			}
		}
	}
}

func (o *Orchestrator) readLoop(done chan<- struct{}) {
	defer close(done)
	for {
		env, err := o.cfg.Signaler.Recv()
		if err != nil {
			o.queue.push(func() { o.stop(fmt.Errorf("%w: %v", ErrSignalingClosed, err)) })
			return
		}
		if !o.queue.push(func() { o.handleEnvelope(env) }) {
			return
		}
	}
}

func (o *Orchestrator) stop(err error) {
	if o.stopping {
		return
	}
	o.stopping = true
	o.exitErr = err
}

func (o *Orchestrator) teardown() {
	o.queue.close()
	for id, p := range o.peers {
		p.close()
		delete(o.peers, id)
	}
	if o.cfg.Media != nil {
		o.cfg.Media.Stop()
	}
	if err := o.cfg.Signaler.Close(); err != nil {
		o.log.Debug("closing signaling connection", "err", err)
	}
	o.log.Info("left room")
}

// do runs fn on the event loop and waits for it.
func (o *Orchestrator) do(fn func()) error {
	ran := make(chan struct{})
	if !o.queue.push(func() {
		fn()
		close(ran)
	}) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-o.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	}
}

func (o *Orchestrator) send(env signaling.Envelope) {
	if o.stopping {
		return
	}
	if err := o.cfg.Signaler.Send(env); err != nil {
		o.log.Warn("signaling send failed", "type", env.Type, "err", err)
		o.stop(fmt.Errorf("%w: %v", ErrSignalingClosed, err))
	}
}

func (o *Orchestrator) handleEnvelope(env signaling.Envelope) {
	switch env.Type {
	case signaling.MessageTypeWelcome:
		o.localID = env.ID
		o.log.Info("connected to relay", "local_id", o.localID)
		o.send(signaling.Envelope{Type: signaling.MessageTypeJoin, RoomID: o.cfg.RoomID, Email: o.cfg.Email})
	case signaling.MessageTypeParticipantJoined:
		o.handleParticipantJoined(env.ID, env.Email)
	case signaling.MessageTypeParticipantLeft:
		o.handleParticipantLeft(env.ID)
	case signaling.MessageTypeOffer:
		o.handleOffer(env)
	case signaling.MessageTypeAnswer:
		o.handleAnswer(env)
	case signaling.MessageTypeICECandidate:
		o.handleCandidate(env)
	case signaling.MessageTypeChat:
		o.handleChat(env)
	case signaling.MessageTypeError:
		o.log.Warn("relay reported an error", "code", env.Code, "message", env.Message)
	default:
		o.log.Debug("ignoring envelope", "type", env.Type)
	}
}

func (o *Orchestrator) handleParticipantJoined(id, email string) {
	if id == "" || id == o.localID {
		return
	}
	p := o.ensurePeer(id)
	if email != "" {
		p.label = email
	}
	if !p.Minimal() {
		o.log.Debug("participant already has a peer", "peer_id", id, "state", p.state)
		return
	}
	// Attaching local tracks makes the transport ask for negotiation, which
	// produces the offer.
	if err := o.upgrade(p); err != nil {
		o.log.Error("failed to create transport", "peer_id", id, "err", err)
		o.removePeer(p)
	}
}

func (o *Orchestrator) handleParticipantLeft(id string) {
	p, ok := o.peers[id]
	if !ok {
		return
	}
	o.removePeer(p)
	o.log.Info("participant left", "peer_id", id)
	if o.cfg.OnPeerLeft != nil {
		o.cfg.OnPeerLeft(id, p.label)
	}
}

func (o *Orchestrator) handleOffer(env signaling.Envelope) {
	if env.Caller == o.localID || env.SDP == nil {
		return
	}
	desc, err := env.SDP.ToPion()
	if err != nil {
		o.log.Warn("dropping offer", "peer_id", env.Caller, "err", err)
		return
	}

	p := o.ensurePeer(env.Caller)
	if p.Minimal() {
		if err := o.upgrade(p); err != nil {
			o.log.Error("failed to create transport", "peer_id", env.Caller, "err", err)
			o.removePeer(p)
			return
		}
	}
	o.logStep(p.onRemoteOffer(desc))
}

func (o *Orchestrator) handleAnswer(env signaling.Envelope) {
	p, ok := o.peers[env.Caller]
	if !ok || p.Minimal() || env.SDP == nil {
		o.log.Warn("dropping answer without a negotiating peer", "peer_id", env.Caller)
		return
	}
	desc, err := env.SDP.ToPion()
	if err != nil {
		o.log.Warn("dropping answer", "peer_id", env.Caller, "err", err)
		return
	}
	o.logStep(p.onRemoteAnswer(desc))
}

func (o *Orchestrator) handleCandidate(env signaling.Envelope) {
	if env.Caller == o.localID || env.Candidate == nil {
		return
	}
	o.ensurePeer(env.Caller).onRemoteCandidate(env.Candidate.ToPion())
}

func (o *Orchestrator) handleChat(env signaling.Envelope) {
	entry := ChatEntry{Sender: env.Sender, Message: env.Message, At: time.Now()}
	if env.Sender != "" && env.Sender == o.cfg.Email {
		entry.Sender = SelfLabel
		entry.Self = true
	}
	o.appendChat(entry)
}

func (o *Orchestrator) appendChat(entry ChatEntry) {
	o.transcript = append(o.transcript, entry)
	if o.cfg.OnChat != nil {
		o.cfg.OnChat(entry)
	}
}

func (o *Orchestrator) logStep(err error) {
	if err == nil {
		return
	}
	var te *TransitionError
	if errors.As(err, &te) {
		o.log.Warn("ignoring out-of-order negotiation step", "peer_id", te.PeerID, "op", te.Op, "state", te.State)
		return
	}
	o.log.Warn("negotiation step failed", "err", err)
}

func (o *Orchestrator) ensurePeer(id string) *Peer {
	if p, ok := o.peers[id]; ok {
		return p
	}
	p := newPeer(id, o.localID, o.send, o.log)
	p.onState = func(s State) {
		if o.cfg.OnPeerStateChange != nil {
			o.cfg.OnPeerStateChange(id, s)
		}
	}
	o.peers[id] = p
	return p
}

func (o *Orchestrator) removePeer(p *Peer) {
	p.close()
	if o.peers[p.remoteID] == p {
		delete(o.peers, p.remoteID)
	}
}

func (o *Orchestrator) upgrade(p *Peer) error {
	t, err := o.cfg.NewTransport(o.transportEvents(p))
	if err != nil {
		return err
	}
	if err := o.attachMedia(t); err != nil {
		_ = t.Close()
		return err
	}
	p.attach(t)
	return nil
}

func (o *Orchestrator) attachMedia(t Transport) error {
	have := map[webrtc.RTPCodecType]bool{}
	if o.cfg.Media != nil {
		for _, track := range o.cfg.Media.Tracks() {
			if err := t.AddTrack(track); err != nil {
				return fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
			have[track.Kind()] = true
		}
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if err := t.AddReceiver(kind); err != nil {
			return fmt.Errorf("add %s receiver: %w", kind, err)
		}
	}
	return nil
}

// transportEvents binds callbacks to p. Callbacks that arrive after p has been
// closed or replaced are discarded.
func (o *Orchestrator) transportEvents(p *Peer) TransportEvents {
	post := func(fn func()) {
		o.queue.push(func() {
			if o.peers[p.remoteID] != p {
				return
			}
			fn()
		})
	}
	return TransportEvents{
		OnNegotiationNeeded: func() {
			post(func() { o.logStep(p.onNegotiationNeeded()) })
		},
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			post(func() {
				cand := signaling.CandidateFromPion(c)
				o.send(signaling.Envelope{
					Type:      signaling.MessageTypeICECandidate,
					Target:    p.remoteID,
					Caller:    o.localID,
					Candidate: &cand,
				})
			})
		},
		OnTrack: func(track *webrtc.TrackRemote) {
			post(func() {
				p.onRemoteTrack()
				o.log.Info("remote track", "peer_id", p.remoteID, "kind", track.Kind(), "codec", track.Codec().MimeType)
				if o.cfg.OnRemoteTrack != nil {
					o.cfg.OnRemoteTrack(p.remoteID, track)
				}
			})
		},
		OnConnectionStateChange: func(s webrtc.PeerConnectionState) {
			post(func() {
				o.log.Debug("transport state", "peer_id", p.remoteID, "state", s.String())
				switch s {
				case webrtc.PeerConnectionStateConnected:
					p.onTransportConnected()
				case webrtc.PeerConnectionStateFailed:
					o.log.Warn("transport failed", "peer_id", p.remoteID)
				}
			})
		},
	}
}

// SendChat relays message to the room and records it locally as SelfLabel.
func (o *Orchestrator) SendChat(message string) error {
	var sendErr error
	err := o.do(func() {
		if o.localID == "" {
			sendErr = ErrNotJoined
			return
		}
		env := signaling.Envelope{Type: signaling.MessageTypeChat, RoomID: o.cfg.RoomID, Message: message, Sender: o.cfg.Email}
		if sendErr = env.Validate(); sendErr != nil {
			return
		}
		o.send(env)
		if o.stopping {
			sendErr = ErrSignalingClosed
			return
		}
		o.appendChat(ChatEntry{Sender: SelfLabel, Message: message, Self: true, At: time.Now()})
	})
	if err != nil {
		return err
	}
	return sendErr
}

// ToggleAudio flips the local audio track and returns whether it is now
// enabled.
func (o *Orchestrator) ToggleAudio() (bool, error) {
	return o.toggle(func(m LocalMedia) bool { return m.ToggleAudio() })
}

// ToggleVideo flips the local video track and returns whether it is now
// enabled.
func (o *Orchestrator) ToggleVideo() (bool, error) {
	return o.toggle(func(m LocalMedia) bool { return m.ToggleVideo() })
}

func (o *Orchestrator) toggle(flip func(LocalMedia) bool) (bool, error) {
	var enabled bool
	err := o.do(func() {
		if o.cfg.Media != nil {
			enabled = flip(o.cfg.Media)
		}
	})
	return enabled, err
}

// Disconnect leaves the room and waits for teardown. It is safe to call more
// than once.
func (o *Orchestrator) Disconnect() {
	_ = o.do(func() { o.stop(nil) })
	<-o.done
}

// Done is closed once Run has torn everything down.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// LocalID is the id the relay assigned to this participant, or "" before the
// welcome envelope.
func (o *Orchestrator) LocalID() (string, error) {
	var id string
	err := o.do(func() { id = o.localID })
	return id, err
}

// Peers returns a snapshot of the peer table sorted by id.
func (o *Orchestrator) Peers() ([]PeerInfo, error) {
	var out []PeerInfo
	err := o.do(func() {
		for _, p := range o.peers {
			out = append(out, PeerInfo{ID: p.remoteID, Label: p.label, State: p.state})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// Transcript returns the chat history in arrival order.
func (o *Orchestrator) Transcript() ([]ChatEntry, error) {
	var out []ChatEntry
	err := o.do(func() {
		out = append([]ChatEntry(nil), o.transcript...)
	})
	return out, err
}

// eventQueue is an unbounded FIFO of closures. Producers never block, so
// transport callbacks cannot stall behind a busy event loop.
type eventQueue struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *eventQueue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}
