package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

// DefaultICEServers are used when no ICE configuration is given at all.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:global.stun.twilio.com:3478"}},
	}
}

// parseICEServersFromValues prefers the JSON form. An explicit "[]" disables
// ICE servers entirely.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	servers, err := ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return DefaultICEServers(), nil
	}
	return servers, nil
}

// iceServerEntry mirrors the browser RTCIceServer dictionary, where urls may
// be a single string or a list.
type iceServerEntry struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username"`
	Credential string          `json:"credential"`
}

func (e iceServerEntry) urls() ([]string, error) {
	var one string
	if err := json.Unmarshal(e.URLs, &one); err == nil {
		return splitCommaSeparated(one), nil
	}
	var many []string
	if err := json.Unmarshal(e.URLs, &many); err != nil {
		return nil, errors.New("urls must be a string or a list of strings")
	}
	out := many[:0]
	for _, u := range many {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out, nil
}

// ParseICEServersJSON parses an RTCIceServer[] document such as
// AERO_ICE_SERVERS_JSON.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		urls, err := entry.urls()
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(entry.Username)}
		if cred := strings.TrimSpace(entry.Credential); cred != "" {
			server.Credential = cred
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// ParseICEServersFromConvenienceEnv builds at most one STUN and one TURN
// entry from comma-separated URL lists. TURN URLs share a single username
// and credential.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := splitCommaSeparated(stunURLs); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if urls := splitCommaSeparated(turnURLs); len(urls) > 0 {
		username := strings.TrimSpace(turnUsername)
		credential := strings.TrimSpace(turnCredential)
		if username == "" || credential == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server := webrtc.ICEServer{URLs: urls, Username: username, Credential: credential}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	needsCredentials := false
	for _, raw := range server.URLs {
		uri, err := parseICEURL(raw)
		if err != nil {
			return err
		}
		if isTURNScheme(uri.Scheme) {
			needsCredentials = true
		}
	}
	if !needsCredentials {
		return nil
	}

	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, _ := server.Credential.(string); strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}

// parseICEURL accepts the stun:, stuns:, turn: and turns: forms understood
// by both browsers and pion.
func parseICEURL(raw string) (*stun.URI, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("urls must not contain empty entries")
	}
	uri, err := stun.ParseURI(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid ice url %q: %w", raw, err)
	}
	return uri, nil
}

func isTURNScheme(s stun.SchemeType) bool {
	return s == stun.SchemeTypeTURN || s == stun.SchemeTypeTURNS
}
