package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxEnvelopeSize bounds a single encoded envelope. SDP bodies with many
// codecs and candidates stay well below it.
const MaxEnvelopeSize = 64 * 1024

var (
	ErrInvalidMessage = errors.New("message must carry exactly one of offer, answer, iceCandidate, hangup")
	ErrUnknownEvent   = errors.New("unknown envelope event")
)

// Validate checks that exactly one tag is set and the minimal shape of the
// populated tag.
func (m *Message) Validate() error {
	switch m.Kind() {
	case KindInvalid:
		return ErrInvalidMessage
	case KindOffer:
		if m.Offer.SDP == "" {
			return fmt.Errorf("offer: empty sdp")
		}
	case KindAnswer:
		if m.Answer.SDP == "" {
			return fmt.Errorf("answer: empty sdp")
		}
	}
	return nil
}

// Encode serializes an envelope for the relay WebSocket.
func Encode(env *Envelope) ([]byte, error) {
	if env.Event == EventMessage {
		if env.Data == nil {
			return nil, ErrInvalidMessage
		}
		if err := env.Data.Validate(); err != nil {
			return nil, err
		}
	}
	return json.Marshal(env)
}

// Decode parses and validates an envelope received from the relay.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > MaxEnvelopeSize {
		return nil, fmt.Errorf("envelope too large: %d bytes (max %d)", len(data), MaxEnvelopeSize)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Event {
	case EventMessage:
		if env.Data == nil {
			return nil, ErrInvalidMessage
		}
		if err := env.Data.Validate(); err != nil {
			return nil, err
		}
	case EventPeerCount, EventPeerLeft:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return &env, nil
}
