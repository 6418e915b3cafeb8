// Package signaling is the relay's WebSocket surface: participants join rooms
// and exchange offers, answers, ICE candidates and chat messages through it.
//
// The relay never inspects SDP or candidate payloads; it only routes envelopes
// to a target connection or to the other members of a room.
package signaling
