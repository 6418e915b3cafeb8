package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	MessageTypeWelcome           MessageType = "welcome"
	MessageTypeJoin              MessageType = "join"
	MessageTypeParticipantJoined MessageType = "participant-joined"
	MessageTypeParticipantLeft   MessageType = "participant-left"
	MessageTypeOffer             MessageType = "offer"
	MessageTypeAnswer            MessageType = "answer"
	MessageTypeICECandidate      MessageType = "ice-candidate"
	MessageTypeChat              MessageType = "chat-message"
	MessageTypeError             MessageType = "error"
)

// FromClient reports whether clients are allowed to send this type to the relay.
func (t MessageType) FromClient() bool {
	switch t {
	case MessageTypeJoin, MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate, MessageTypeChat:
		return true
	default:
		return false
	}
}

// SDP is the JSON form of a session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate mirrors RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Envelope is one signaling message. Which fields are meaningful depends on
// Type; ParseEnvelope rejects envelopes that carry fields foreign to their type.
type Envelope struct {
	Type MessageType `json:"type"`

	ID     string `json:"id,omitempty"`
	RoomID string `json:"roomId,omitempty"`
	Email  string `json:"email,omitempty"`

	Target    string     `json:"target,omitempty"`
	Caller    string     `json:"caller,omitempty"`
	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	Message string `json:"message,omitempty"`
	Sender  string `json:"sender,omitempty"`
	Code    string `json:"code,omitempty"`
}

type fieldSet uint16

const (
	fieldID fieldSet = 1 << iota
	fieldRoomID
	fieldEmail
	fieldTarget
	fieldCaller
	fieldSDP
	fieldCandidate
	fieldMessage
	fieldSender
	fieldCode
)

var fieldNames = []struct {
	f    fieldSet
	name string
}{
	{fieldID, "id"},
	{fieldRoomID, "roomId"},
	{fieldEmail, "email"},
	{fieldTarget, "target"},
	{fieldCaller, "caller"},
	{fieldSDP, "sdp"},
	{fieldCandidate, "candidate"},
	{fieldMessage, "message"},
	{fieldSender, "sender"},
	{fieldCode, "code"},
}

func (s fieldSet) names() string {
	var out []string
	for _, fn := range fieldNames {
		if s&fn.f != 0 {
			out = append(out, fn.name)
		}
	}
	return strings.Join(out, ",")
}

type fieldRule struct {
	required fieldSet
	optional fieldSet
}

var envelopeRules = map[MessageType]fieldRule{
	MessageTypeWelcome:           {required: fieldID},
	MessageTypeJoin:              {required: fieldRoomID, optional: fieldEmail},
	MessageTypeParticipantJoined: {required: fieldID, optional: fieldEmail},
	MessageTypeParticipantLeft:   {required: fieldID},
	MessageTypeOffer:             {required: fieldTarget | fieldCaller | fieldSDP},
	MessageTypeAnswer:            {required: fieldTarget | fieldCaller | fieldSDP},
	MessageTypeICECandidate:      {required: fieldTarget | fieldCaller | fieldCandidate},
	MessageTypeChat:              {required: fieldRoomID | fieldMessage, optional: fieldSender},
	MessageTypeError:             {required: fieldCode | fieldMessage},
}

func (e Envelope) present() fieldSet {
	var s fieldSet
	set := func(ok bool, f fieldSet) {
		if ok {
			s |= f
		}
	}
	set(e.ID != "", fieldID)
	set(e.RoomID != "", fieldRoomID)
	set(e.Email != "", fieldEmail)
	set(e.Target != "", fieldTarget)
	set(e.Caller != "", fieldCaller)
	set(e.SDP != nil, fieldSDP)
	set(e.Candidate != nil, fieldCandidate)
	set(e.Message != "", fieldMessage)
	set(e.Sender != "", fieldSender)
	set(e.Code != "", fieldCode)
	return s
}

// Validate checks that the envelope carries exactly the fields its type allows.
func (e Envelope) Validate() error {
	rule, ok := envelopeRules[e.Type]
	if !ok {
		return fmt.Errorf("unsupported message type %q", e.Type)
	}
	have := e.present()
	if missing := rule.required &^ have; missing != 0 {
		return fmt.Errorf("%s message missing %s", e.Type, missing.names())
	}
	if extra := have &^ (rule.required | rule.optional); extra != 0 {
		return fmt.Errorf("%s message has unexpected fields %s", e.Type, extra.names())
	}
	if e.SDP != nil {
		if e.SDP.Type != string(e.Type) {
			return fmt.Errorf("%s message has sdp.type=%q", e.Type, e.SDP.Type)
		}
		if e.SDP.SDP == "" {
			return fmt.Errorf("%s message has empty sdp", e.Type)
		}
	}
	return nil
}

// ParseEnvelope decodes a single JSON envelope, rejecting unknown fields and
// trailing data.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func ptr[T any](v T) *T { return &v }
