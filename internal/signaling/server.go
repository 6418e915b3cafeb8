package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/room"
)

const (
	defaultIdleTimeout     = 60 * time.Second
	defaultPingInterval    = 20 * time.Second
	defaultMaxMessageBytes = 64 * 1024
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// CheckOrigin is passed to the WebSocket upgrader. Origin checks are
	// normally enforced by the httpserver middleware, so nil accepts all.
	CheckOrigin func(r *http.Request) bool

	// WebSocket keepalive. The server pings every PingInterval and closes a
	// connection that has been silent (no frames, no pongs) for IdleTimeout.
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	// WebSocket inbound signaling hardening.
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// SendQueue is the per-connection outbound envelope queue length. A connection
	// that falls this far behind is dropped.
	SendQueue int
}

// Server implements the relay's HTTP/WebSocket signaling surface.
//
// Endpoints:
//   - GET /signal          : WebSocket carrying JSON envelopes
//   - GET /rooms/{roomId}  : current members of a room
type Server struct {
	cfg      Config
	log      *slog.Logger
	relay    *Relay
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SignalingWSIdleTimeout <= 0 {
		cfg.SignalingWSIdleTimeout = defaultIdleTimeout
	}
	if cfg.SignalingWSPingInterval <= 0 {
		cfg.SignalingWSPingInterval = defaultPingInterval
	}
	if cfg.MaxSignalingMessageBytes <= 0 {
		cfg.MaxSignalingMessageBytes = defaultMaxMessageBytes
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		relay:    NewRelay(cfg.Logger, cfg.Metrics),
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
	}
}

// Relay exposes the hub, mostly for gauges and tests.
func (s *Server) Relay() *Relay { return s.relay }

// Run drives the relay hub until ctx is cancelled. Connections are only
// serviced while Run is active.
func (s *Server) Run(ctx context.Context) error {
	return s.relay.Run(ctx)
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleWebSocketSignal)
	mux.HandleFunc("GET /rooms/{roomId}", s.handleRoomMembers)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleWebSocketSignal(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &conn{
		id:              uuid.NewString(),
		ws:              ws,
		log:             s.log,
		send:            make(chan []byte, s.cfg.SendQueue),
		idleTimeout:     s.cfg.SignalingWSIdleTimeout,
		pingInterval:    s.cfg.SignalingWSPingInterval,
		maxMessageBytes: s.cfg.MaxSignalingMessageBytes,
		metrics:         s.cfg.Metrics,
		writerDone:      make(chan struct{}),
	}
	if n := s.cfg.MaxSignalingMessagesPerSecond; n > 0 {
		c.limiter = ratelimit.NewTokenBucket(ratelimit.RealClock{}, int64(n), int64(n))
	}

	if err := s.relay.add(r.Context(), c); err != nil {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.closeWS()
		return
	}

	go c.writePump()
	c.readPump(s.relay)
	<-c.writerDone
}

type roomMembersResponse struct {
	RoomID  string             `json:"roomId"`
	Members []room.Participant `json:"members"`
}

func (s *Server) handleRoomMembers(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	members, err := s.relay.Members(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, ErrRelayClosed) {
			writeJSONError(w, http.StatusServiceUnavailable, "relay_closed", "relay is shutting down")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if members == nil {
		members = []room.Participant{}
	}
	writeJSON(w, http.StatusOK, roomMembersResponse{RoomID: roomID, Members: members})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
