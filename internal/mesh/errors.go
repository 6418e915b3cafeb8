package mesh

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Orchestrator methods after teardown.
	ErrClosed = errors.New("mesh: orchestrator closed")

	// ErrSignalingClosed is wrapped by the error Run returns when the relay
	// connection fails or is closed by the server.
	ErrSignalingClosed = errors.New("mesh: signaling connection closed")

	// ErrCaptureUnavailable is wrapped by local media sources that cannot be
	// opened or decoded.
	ErrCaptureUnavailable = errors.New("mesh: local capture unavailable")

	// ErrNotJoined is returned when chat is sent before the relay assigned an id.
	ErrNotJoined = errors.New("mesh: not joined")
)

// TransitionError reports a negotiation step that is not valid in the peer's
// current state. The peer is left untouched.
type TransitionError struct {
	PeerID string
	Op     string
	State  State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("mesh: peer %s: %s not allowed in state %s", e.PeerID, e.Op, e.State)
}
