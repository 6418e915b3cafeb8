// Package turnrest mints coturn-compatible "TURN REST" credentials so that
// GET /ice can hand browsers and CLI peers short-lived TURN access without a
// long-lived password.
//
//	username   = <unix_expiry>:<prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The expiry uses the server clock in UTC.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	ErrMissingSecret    = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL       = errors.New("turnrest: ttl must be > 0")
	ErrMissingPrefix    = errors.New("turnrest: username prefix is required")
	ErrInvalidSessionID = errors.New("turnrest: session id must be non-empty and contain no ':'")
)

type Config struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string

	// Now and SessionID are overridable for tests.
	Now       func() time.Time
	SessionID func() string
}

type Generator struct {
	secret    []byte
	ttl       int64
	prefix    string
	now       func() time.Time
	sessionID func() string
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.TTLSeconds <= 0 {
		return nil, ErrInvalidTTL
	}
	if cfg.UsernamePrefix == "" {
		return nil, ErrMissingPrefix
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, fmt.Errorf("turnrest: username prefix %q must not contain ':'", cfg.UsernamePrefix)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SessionID == nil {
		cfg.SessionID = uuid.NewString
	}
	return &Generator{
		secret:    []byte(cfg.SharedSecret),
		ttl:       cfg.TTLSeconds,
		prefix:    cfg.UsernamePrefix,
		now:       cfg.Now,
		sessionID: cfg.SessionID,
	}, nil
}

// Generate signs a username for sessionID.
func (g *Generator) Generate(sessionID string) (Credentials, error) {
	if sessionID == "" || strings.Contains(sessionID, ":") {
		return Credentials{}, ErrInvalidSessionID
	}
	expiry := g.now().UTC().Unix() + g.ttl
	username := fmt.Sprintf("%d:%s:%s", expiry, g.prefix, sessionID)
	return Credentials{
		Username:   username,
		Credential: Sign(g.secret, username),
		Expires:    time.Unix(expiry, 0).UTC(),
	}, nil
}

// ICEServer mints fresh credentials for urls under a random session id.
func (g *Generator) ICEServer(urls []string) (webrtc.ICEServer, error) {
	creds, err := g.Generate(g.sessionID())
	if err != nil {
		return webrtc.ICEServer{}, err
	}
	return webrtc.ICEServer{
		URLs:           append([]string(nil), urls...),
		Username:       creds.Username,
		Credential:     creds.Credential,
		CredentialType: webrtc.ICECredentialTypePassword,
	}, nil
}

func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
