package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// conn is one participant's WebSocket. The hub owns send and closes it exactly
// once; the write pump is the only reader of send.
type conn struct {
	id  string
	ws  *websocket.Conn
	log *slog.Logger

	send chan []byte

	// Set by the hub before send is closed.
	closeCode   int
	closeReason string
	// Only touched by the hub goroutine.
	dropping bool

	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxMessageBytes int64
	limiter         *ratelimit.TokenBucket
	metrics         *metrics.Metrics

	writeMu     sync.Mutex
	writerDone  chan struct{}
	closeWSOnce sync.Once
}

func (c *conn) hangUp(code int, reason string) {
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}

func (c *conn) readPump(r *Relay) {
	defer r.remove(c)

	c.ws.SetReadLimit(c.maxMessageBytes)
	c.extendDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				c.metrics.Inc(metrics.BadMessage)
			case isTimeout(err):
				c.log.Debug("signaling connection idle", "conn_id", c.id)
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		c.extendDeadline()

		// Rate limiting happens after the read so that the close frame is not
		// lost to a TCP reset caused by unread bytes.
		if c.limiter != nil && !c.limiter.Allow(1) {
			c.metrics.Inc(metrics.DropReasonRateLimit)
			c.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.metrics.Inc(metrics.BadMessage)
			c.fail("bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			c.metrics.Inc(metrics.BadMessage)
			c.fail("bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}
		if !env.Type.FromClient() {
			c.metrics.Inc(metrics.BadMessage)
			c.fail("bad_message", fmt.Sprintf("unexpected message type %q", env.Type), websocket.ClosePolicyViolation, "bad message")
			return
		}

		if !r.submit(c, env) {
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func (c *conn) writePump() {
	defer close(c.writerDone)
	defer c.closeWS()

	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.closeWith(c.closeCode, c.closeReason)
				return
			}
			if err := c.write(data); err != nil {
				c.log.Debug("signaling write failed", "conn_id", c.id, "err", err)
				return
			}
		case <-ping:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *conn) extendDeadline() {
	if c.idleTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
}

func (c *conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// fail reports a protocol error to the client and starts the close handshake.
func (c *conn) fail(code, message string, closeCode int, closeReason string) {
	c.log.Debug("rejecting signaling message", "conn_id", c.id, "code", code, "message", message)
	if data, err := json.Marshal(Envelope{Type: MessageTypeError, Code: code, Message: message}); err == nil {
		_ = c.write(data)
	}
	c.closeWith(closeCode, closeReason)
}

func (c *conn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *conn) closeWS() {
	c.closeWSOnce.Do(func() { _ = c.ws.Close() })
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
