package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

func fixedGenerator(t *testing.T, secret string, ttl int64, prefix string, now time.Time) *Generator {
	t.Helper()
	g, err := NewGenerator(Config{
		SharedSecret:   secret,
		TTLSeconds:     ttl,
		UsernamePrefix: prefix,
		Now:            func() time.Time { return now },
		SessionID:      func() string { return "fixed" },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

func TestGenerate_DeterministicWithFixedTime(t *testing.T) {
	g := fixedGenerator(t, "shared-secret", 3600, "aero", time.Unix(1_700_000_000, 0))

	creds, err := g.Generate("session123")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !creds.Expires.Equal(time.Unix(1_700_003_600, 0)) {
		t.Fatalf("Expires=%v, want unix 1700003600", creds.Expires)
	}
	wantUsername := "1700003600:aero:session123"
	if creds.Username != wantUsername {
		t.Fatalf("Username=%q, want %q", creds.Username, wantUsername)
	}
	if want := expectedCredential([]byte("shared-secret"), wantUsername); creds.Credential != want {
		t.Fatalf("Credential=%q, want %q", creds.Credential, want)
	}
}

func TestGenerate_CredentialIsBase64HMACSHA1(t *testing.T) {
	g := fixedGenerator(t, "secret", 1, "pfx", time.Unix(0, 0))

	creds, err := g.Generate("sid")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(creds.Credential)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	if len(decoded) != sha1.Size {
		t.Fatalf("decoded length=%d, want %d", len(decoded), sha1.Size)
	}
}

func TestGenerate_RejectsBadSessionID(t *testing.T) {
	g := fixedGenerator(t, "secret", 60, "aero", time.Unix(0, 0))
	for _, sid := range []string{"", "a:b"} {
		if _, err := g.Generate(sid); !errors.Is(err, ErrInvalidSessionID) {
			t.Fatalf("Generate(%q) err=%v, want ErrInvalidSessionID", sid, err)
		}
	}
}

func TestNewGenerator_Validation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{name: "no secret", cfg: Config{TTLSeconds: 1, UsernamePrefix: "a"}, want: ErrMissingSecret},
		{name: "zero ttl", cfg: Config{SharedSecret: "s", UsernamePrefix: "a"}, want: ErrInvalidTTL},
		{name: "no prefix", cfg: Config{SharedSecret: "s", TTLSeconds: 1}, want: ErrMissingPrefix},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewGenerator(tc.cfg); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
		})
	}

	if _, err := NewGenerator(Config{SharedSecret: "s", TTLSeconds: 1, UsernamePrefix: "a:b"}); err == nil {
		t.Fatalf("expected colon in prefix to be rejected")
	}
}

func TestICEServer_UsesRandomSessionID(t *testing.T) {
	g, err := NewGenerator(Config{SharedSecret: "secret", TTLSeconds: 600, UsernamePrefix: "aero-mesh"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	urls := []string{"turn:turn.example.com:3478"}
	a, err := g.ICEServer(urls)
	if err != nil {
		t.Fatalf("ICEServer: %v", err)
	}
	b, err := g.ICEServer(urls)
	if err != nil {
		t.Fatalf("ICEServer: %v", err)
	}
	if a.Username == b.Username {
		t.Fatalf("two mints share username %q", a.Username)
	}

	parts := strings.Split(a.Username, ":")
	if len(parts) != 3 || parts[1] != "aero-mesh" {
		t.Fatalf("Username=%q, want <expiry>:aero-mesh:<uuid>", a.Username)
	}
	if _, err := uuid.Parse(parts[2]); err != nil {
		t.Fatalf("session id %q is not a uuid: %v", parts[2], err)
	}
	if a.Credential != expectedCredential([]byte("secret"), a.Username) {
		t.Fatalf("Credential does not verify")
	}
	if a.CredentialType != webrtc.ICECredentialTypePassword {
		t.Fatalf("CredentialType=%v, want password", a.CredentialType)
	}

	urls[0] = "mutated"
	if a.URLs[0] != "turn:turn.example.com:3478" {
		t.Fatalf("ICEServer aliases caller's urls")
	}
}

func expectedCredential(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
