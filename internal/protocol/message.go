// Package protocol defines the signaling messages exchanged between the two
// call participants and the envelope the relay wraps them in.
package protocol

import "github.com/pion/webrtc/v4"

// Kind identifies which tag of a Message is populated.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindOffer
	KindAnswer
	KindCandidate
	KindHangup
)

func (k Kind) String() string {
	switch k {
	case KindOffer:
		return "offer"
	case KindAnswer:
		return "answer"
	case KindCandidate:
		return "iceCandidate"
	case KindHangup:
		return "hangup"
	default:
		return "invalid"
	}
}

// Message is a signaling message. Exactly one of Offer, Answer, ICECandidate
// and Hangup is set. Session and From correlate the message with a call and
// its sender; they are filled in by the sending session.
type Message struct {
	Session string `json:"session,omitempty"`
	From    string `json:"from,omitempty"`

	Offer        *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer       *webrtc.SessionDescription `json:"answer,omitempty"`
	ICECandidate *webrtc.ICECandidateInit   `json:"iceCandidate,omitempty"`
	Hangup       bool                       `json:"hangup,omitempty"`
}

// Kind reports the populated tag, or KindInvalid when zero or several tags
// are set.
func (m *Message) Kind() Kind {
	kind := KindInvalid
	n := 0
	if m.Offer != nil {
		kind = KindOffer
		n++
	}
	if m.Answer != nil {
		kind = KindAnswer
		n++
	}
	if m.ICECandidate != nil {
		kind = KindCandidate
		n++
	}
	if m.Hangup {
		kind = KindHangup
		n++
	}
	if n != 1 {
		return KindInvalid
	}
	return kind
}

// NewOffer, NewAnswer, NewCandidate and NewHangup build single-tag messages.

func NewOffer(session, from string, sdp webrtc.SessionDescription) *Message {
	return &Message{Session: session, From: from, Offer: &sdp}
}

func NewAnswer(session, from string, sdp webrtc.SessionDescription) *Message {
	return &Message{Session: session, From: from, Answer: &sdp}
}

func NewCandidate(session, from string, c webrtc.ICECandidateInit) *Message {
	return &Message{Session: session, From: from, ICECandidate: &c}
}

func NewHangup(session, from string) *Message {
	return &Message{Session: session, From: from, Hangup: true}
}

// EventType names a relay envelope.
type EventType string

const (
	EventMessage   EventType = "message"    // data carries a Message
	EventPeerCount EventType = "peer_count" // count of participants in the room
	EventPeerLeft  EventType = "peer_left"  // peer names the participant that left
)

// Envelope is the JSON frame exchanged with the relay over the WebSocket.
type Envelope struct {
	Event EventType `json:"event"`
	Data  *Message  `json:"data,omitempty"`
	Count int       `json:"count,omitempty"`
	Peer  string    `json:"peer,omitempty"`
}
