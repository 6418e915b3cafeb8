package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/room"
)

// ErrRelayClosed is returned by Relay methods once Run has returned.
var ErrRelayClosed = errors.New("signaling: relay closed")

const defaultSendQueue = 64

type inbound struct {
	from *conn
	env  Envelope
}

// Relay routes envelopes between connections and owns the room registry.
//
// Every registry mutation and the notifications it causes happen on the Run
// goroutine, so two joins (or a join and a disconnect) can never interleave
// their broadcasts.
type Relay struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	registry *room.Registry
	conns    map[string]*conn
	dropping []*conn

	register   chan *conn
	unregister chan *conn
	inbound    chan inbound
	queries    chan func()
	done       chan struct{}

	connCount atomic.Int64
	roomCount atomic.Int64
}

func NewRelay(logger *slog.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		log:        logger,
		metrics:    m,
		registry:   room.NewRegistry(),
		conns:      make(map[string]*conn),
		register:   make(chan *conn),
		unregister: make(chan *conn),
		inbound:    make(chan inbound),
		queries:    make(chan func()),
		done:       make(chan struct{}),
	}
}

// Run processes connection events until ctx is cancelled. On return every
// connection's send queue is closed, which makes its write pump hang up.
func (r *Relay) Run(ctx context.Context) error {
	defer func() {
		for id, c := range r.conns {
			delete(r.conns, id)
			c.hangUp(websocket.CloseGoingAway, "server shutting down")
		}
		r.connCount.Store(0)
		close(r.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-r.register:
			r.handleRegister(c)
		case c := <-r.unregister:
			r.handleUnregister(c)
		case in := <-r.inbound:
			r.handleInbound(in.from, in.env)
		case q := <-r.queries:
			q()
		}
		r.flushDrops()
		r.roomCount.Store(int64(r.registry.Len()))
	}
}

// Members returns the current members of roomID in join order.
func (r *Relay) Members(ctx context.Context, roomID string) ([]room.Participant, error) {
	result := make(chan []room.Participant, 1)
	q := func() { result <- r.registry.Members(roomID) }
	select {
	case r.queries <- q:
	case <-r.done:
		return nil, ErrRelayClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return <-result, nil
}

// Connections is the number of registered connections.
func (r *Relay) Connections() int { return int(r.connCount.Load()) }

// Rooms is the number of non-empty rooms.
func (r *Relay) Rooms() int { return int(r.roomCount.Load()) }

func (r *Relay) add(ctx context.Context, c *conn) error {
	select {
	case r.register <- c:
		return nil
	case <-r.done:
		return ErrRelayClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) remove(c *conn) {
	select {
	case r.unregister <- c:
	case <-r.done:
	}
}

func (r *Relay) submit(c *conn, env Envelope) bool {
	select {
	case r.inbound <- inbound{from: c, env: env}:
		return true
	case <-r.done:
		return false
	}
}

func (r *Relay) handleRegister(c *conn) {
	r.conns[c.id] = c
	r.connCount.Store(int64(len(r.conns)))
	r.metrics.Inc(metrics.ConnectionsOpened)
	r.log.Debug("signaling connection registered", "conn_id", c.id)
	r.deliver(c, Envelope{Type: MessageTypeWelcome, ID: c.id})
}

func (r *Relay) handleUnregister(c *conn) {
	if r.conns[c.id] != c {
		return
	}
	r.drop(c, websocket.CloseNormalClosure, "")
}

// drop forgets c, closes its queue and tells everyone else it left.
func (r *Relay) drop(c *conn, closeCode int, reason string) {
	delete(r.conns, c.id)
	r.connCount.Store(int64(len(r.conns)))
	c.hangUp(closeCode, reason)
	r.metrics.Inc(metrics.ConnectionsClosed)

	left, ok := r.registry.Leave(c.id)
	if !ok {
		return
	}
	r.metrics.Inc(metrics.ParticipantsLeft)
	r.log.Info("participant left", "conn_id", c.id, "room_id", left.ID, "remaining", len(left.Members))
	r.broadcast(Envelope{Type: MessageTypeParticipantLeft, ID: c.id})
}

func (r *Relay) handleInbound(c *conn, env Envelope) {
	if r.conns[c.id] != c {
		return
	}

	switch env.Type {
	case MessageTypeJoin:
		r.handleJoin(c, env)
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		r.routeToTarget(env)
	case MessageTypeChat:
		roomID, ok := r.registry.RoomOf(c.id)
		if !ok || roomID != env.RoomID {
			r.deliver(c, Envelope{Type: MessageTypeError, Code: "not_in_room", Message: "join the room before sending chat"})
			return
		}
		r.routeToRoom(roomID, env, c.id)
	default:
		r.log.Warn("dropping unexpected envelope", "conn_id", c.id, "type", env.Type)
	}
}

func (r *Relay) handleJoin(c *conn, env Envelope) {
	p := room.Participant{ID: c.id, Email: env.Email}
	joined, left, hadPrevious := r.registry.Join(env.RoomID, p)
	if hadPrevious {
		r.metrics.Inc(metrics.ParticipantsLeft)
		r.routeToRoom(left.ID, Envelope{Type: MessageTypeParticipantLeft, ID: c.id}, c.id)
	}
	if !joined {
		return
	}
	r.metrics.Inc(metrics.RoomsJoined)
	r.log.Info("participant joined", "conn_id", c.id, "room_id", env.RoomID, "email", env.Email)
	r.routeToRoom(env.RoomID, Envelope{Type: MessageTypeParticipantJoined, ID: c.id, Email: env.Email}, c.id)
}

// routeToTarget forwards env to the connection named by env.Target. A target
// that has already gone away is not an error.
func (r *Relay) routeToTarget(env Envelope) {
	target, ok := r.conns[env.Target]
	if !ok {
		r.metrics.Inc(metrics.RelayTargetGone)
		r.log.Debug("relay target gone", "type", env.Type, "target", env.Target, "caller", env.Caller)
		return
	}
	if r.deliver(target, env) {
		r.metrics.Inc(metrics.EnvelopesRelayed)
	}
}

// routeToRoom forwards env to every member of roomID except excludeID.
func (r *Relay) routeToRoom(roomID string, env Envelope, excludeID string) {
	data, err := json.Marshal(env)
	if err != nil {
		r.log.Error("failed to encode envelope", "type", env.Type, "err", err)
		return
	}
	for _, p := range r.registry.Members(roomID) {
		if p.ID == excludeID {
			continue
		}
		if c, ok := r.conns[p.ID]; ok && r.enqueue(c, data) {
			r.metrics.Inc(metrics.EnvelopesRelayed)
		}
	}
}

// broadcast sends env to every registered connection.
func (r *Relay) broadcast(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		r.log.Error("failed to encode envelope", "type", env.Type, "err", err)
		return
	}
	for _, c := range r.conns {
		r.enqueue(c, data)
	}
}

func (r *Relay) deliver(c *conn, env Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		r.log.Error("failed to encode envelope", "type", env.Type, "err", err)
		return false
	}
	return r.enqueue(c, data)
}

// enqueue never blocks. A connection whose queue is full is scheduled to be
// dropped once the current event has been handled.
func (r *Relay) enqueue(c *conn, data []byte) bool {
	if c.dropping {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.dropping = true
		r.dropping = append(r.dropping, c)
		return false
	}
}

func (r *Relay) flushDrops() {
	for len(r.dropping) > 0 {
		c := r.dropping[0]
		r.dropping = r.dropping[1:]
		if r.conns[c.id] != c {
			continue
		}
		r.metrics.Inc(metrics.SlowConsumer)
		r.log.Warn("dropping slow signaling consumer", "conn_id", c.id)
		r.drop(c, websocket.ClosePolicyViolation, "slow consumer")
	}
}
