package mesh

import "time"

// SelfLabel replaces the sender of messages that originated locally.
const SelfLabel = "You"

// ChatEntry is one line of the room transcript.
type ChatEntry struct {
	Sender  string
	Message string
	Self    bool
	At      time.Time
}
