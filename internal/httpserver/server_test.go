package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-relay/internal/config"
)

func startTestServer(t *testing.T, cfg config.Config) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func TestHealthzReadyzVersion(t *testing.T) {
	cfg := config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}

	baseURL := startTestServer(t, cfg)

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/readyz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/version")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var got BuildInfo
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
		},
	}

	baseURL := startTestServer(t, cfg)

	resp, err := http.Get(baseURL + "/ice")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
}

func TestICEEndpoint_RejectsCrossOrigin(t *testing.T) {
	cfg := config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
		ICEServers:      []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	}

	baseURL := startTestServer(t, cfg)

	req, err := http.NewRequest(http.MethodGet, baseURL+"/ice", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://evil.example.com")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestReadyzBeforeServe(t *testing.T) {
	srv := New(config.Config{ListenAddr: "127.0.0.1:0"}, slog.New(slog.NewTextHandler(io.Discard, nil)), BuildInfo{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestICEEndpoint_EmptyListIsArray(t *testing.T) {
	srv := New(config.Config{ListenAddr: "127.0.0.1:0"}, slog.New(slog.NewTextHandler(io.Discard, nil)), BuildInfo{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ice", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"iceServers":[]}` {
		t.Fatalf("body=%s", got)
	}
}

func TestICEEndpoint_MintsTURNRESTCredentials(t *testing.T) {
	cfg := config.Config{
		ListenAddr: "127.0.0.1:0",
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
		TURNREST: config.TurnRESTConfig{
			SharedSecret:   "s3cret",
			URLs:           []string{"turn:turn.example.com:3478"},
			TTLSeconds:     600,
			UsernamePrefix: "aero-mesh",
		},
	}
	srv := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), BuildInfo{})

	fetch := func() (webrtc.ICEServer, http.Header) {
		t.Helper()
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ice", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d, want %d", rec.Code, http.StatusOK)
		}
		var body struct {
			ICEServers []webrtc.ICEServer `json:"iceServers"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(body.ICEServers) != 2 {
			t.Fatalf("iceServers=%+v, want static stun plus minted turn", body.ICEServers)
		}
		if body.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
			t.Fatalf("first server=%+v, want the static stun entry", body.ICEServers[0])
		}
		return body.ICEServers[1], rec.Header()
	}

	first, hdr := fetch()
	if hdr.Get("Cache-Control") != "no-store" {
		t.Fatalf("Cache-Control=%q, want no-store", hdr.Get("Cache-Control"))
	}
	if len(first.URLs) != 1 || first.URLs[0] != "turn:turn.example.com:3478" {
		t.Fatalf("URLs=%v", first.URLs)
	}
	if !strings.Contains(first.Username, ":aero-mesh:") {
		t.Fatalf("Username=%q, want <expiry>:aero-mesh:<session>", first.Username)
	}
	cred, _ := first.Credential.(string)
	if cred == "" {
		t.Fatalf("Credential missing")
	}

	second, _ := fetch()
	if second.Username == first.Username {
		t.Fatalf("credentials reused across requests")
	}
}

func TestOriginPolicy_AllowedOriginGetsCORSHeaders(t *testing.T) {
	cfg := config.Config{
		ListenAddr:     "127.0.0.1:0",
		AllowedOrigins: []string{"https://app.example.com"},
	}
	srv := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), BuildInfo{})

	req := httptest.NewRequest(http.MethodGet, "/ice", nil)
	req.Header.Set("Origin", "https://APP.example.com:443")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID")
	}
}

func TestOriginPolicy_Preflight(t *testing.T) {
	cfg := config.Config{
		ListenAddr:     "127.0.0.1:0",
		AllowedOrigins: []string{"*"},
	}
	srv := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), BuildInfo{})

	req := httptest.NewRequest(http.MethodOptions, "/ice", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET,OPTIONS" {
		t.Fatalf("Access-Control-Allow-Methods=%q", got)
	}
}

func TestWebSocketUpgradeThroughMiddleware(t *testing.T) {
	srv := New(config.Config{ListenAddr: "127.0.0.1:0"}, slog.New(slog.NewTextHandler(io.Discard, nil)), BuildInfo{})
	upgrader := websocket.Upgrader{}
	srv.Mux().HandleFunc("GET /echo", func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		mt, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		_ = c.WriteMessage(mt, msg)
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/echo", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "ping" {
		t.Fatalf("msg=%q, want ping", msg)
	}
}
