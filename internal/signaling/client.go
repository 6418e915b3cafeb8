package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is the participant side of a /signal connection.
//
// Send may be called from any goroutine. Recv must only be called from one
// goroutine at a time.
type Client struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial opens a signaling connection. url is a ws:// or wss:// URL ending in
// /signal.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{ws: ws}, nil
}

func (c *Client) Send(env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Recv blocks for the next envelope. Pings are answered while it waits.
func (c *Client) Recv() (Envelope, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return Envelope{}, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return ParseEnvelope(data)
	}
}

// Close sends a normal close frame and releases the socket. It is safe to
// call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
