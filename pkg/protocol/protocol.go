// Package protocol defines the JSON wire contract spoken with the dialogue
// backend over the persistent socket.
//
// Inbound frames are decoded into a [Message], a tagged union keyed by [Kind].
// The set of kinds is closed: frames whose "type" is not one of the known
// inbound kinds decode with [ErrUnknownKind] and are dropped by the transport.
// Connection lifecycle events ([KindOpen], [KindClose], [KindError]) share the
// same Kind space so that listeners register for both through one bus.
//
// Outbound frames are built with [Chat], [Audio] and [Interrupt]; every one
// carries the auth token because the backend validates it per frame.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates a [Message].
type Kind string

const (
	// KindStart opens a new conversational turn for a character.
	KindStart Kind = "start"

	// KindText carries a main-text delta.
	KindText Kind = "text"

	// KindThinkText carries a "thinking" text delta.
	KindThinkText Kind = "thinkText"

	// KindAudio carries one base64 audio chunk and its is_final marker.
	KindAudio Kind = "audio"

	// KindEnd closes the turn of a character.
	KindEnd Kind = "end"

	// KindFinish is the advisory whole-session terminal signal.
	KindFinish Kind = "finish"

	// KindOpen is emitted locally when a connection is established.
	KindOpen Kind = "open"

	// KindClose is emitted locally when a connection is lost or closed.
	KindClose Kind = "close"

	// KindError is emitted for transport faults and for error frames sent by
	// the backend. [Message.Err] holds the cause.
	KindError Kind = "error"
)

// Outbound frame types.
const (
	TypeChat      = "chat"
	TypeAudio     = "audio"
	TypeInterrupt = "interrupt"
)

// UnknownCharacter is the identity assigned to a turn whose start frame names
// no character.
const UnknownCharacter = "unknown"

var (
	// ErrMalformed is returned by [Decode] when the frame is not a JSON object
	// with a string "type" field.
	ErrMalformed = errors.New("protocol: malformed frame")

	// ErrUnknownKind is returned by [Decode] when the frame's "type" is not a
	// recognised inbound kind.
	ErrUnknownKind = errors.New("protocol: unknown message kind")
)

// IsInbound reports whether k is a kind the backend may send.
func (k Kind) IsInbound() bool {
	switch k {
	case KindStart, KindText, KindThinkText, KindAudio, KindEnd, KindFinish, KindError:
		return true
	}
	return false
}

// IsLifecycle reports whether k is a locally generated connection event.
func (k Kind) IsLifecycle() bool {
	return k == KindOpen || k == KindClose || k == KindError
}

// Message is one decoded inbound frame or lifecycle event.
type Message struct {
	Kind Kind

	// Character is the raw "character" field. Empty when the frame omitted it.
	Character string

	// Data is the text delta (text, thinkText) or base64 payload (audio).
	Data string

	// IsFinal is the audio chunk's utterance-closing marker.
	IsFinal bool

	// Err is set for KindError messages.
	Err error
}

// HasCharacter reports whether the frame named a character.
func (m Message) HasCharacter() bool { return m.Character != "" }

// ServerError is a backend-reported failure, e.g. a rejected auth token.
type ServerError struct {
	Msg string
}

func (e *ServerError) Error() string {
	if e.Msg == "" {
		return "protocol: server error"
	}
	return "protocol: server error: " + e.Msg
}

// frame is the JSON shape shared by inbound and outbound messages.
type frame struct {
	Type      string  `json:"type"`
	Character string  `json:"character,omitempty"`
	Data      *string `json:"data,omitempty"`
	IsFinal   *bool   `json:"is_final,omitempty"`
	Token     string  `json:"token,omitempty"`
	Msg       string  `json:"msg,omitempty"`
}

// Decode parses one inbound JSON frame.
func Decode(data []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if f.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	k := Kind(f.Type)
	if !k.IsInbound() {
		return Message{Kind: k}, fmt.Errorf("%w: %q", ErrUnknownKind, f.Type)
	}

	msg := Message{Kind: k, Character: f.Character}
	if f.Data != nil {
		msg.Data = *f.Data
	}
	if f.IsFinal != nil {
		msg.IsFinal = *f.IsFinal
	}
	if k == KindError {
		msg.Err = &ServerError{Msg: f.Msg}
	}
	return msg, nil
}

// Outbound is a frame sent to the backend. Build one with [Chat], [Audio] or
// [Interrupt].
type Outbound struct {
	f frame
}

// Type returns the outbound frame type.
func (o Outbound) Type() string { return o.f.Type }

// Data returns the frame payload.
func (o Outbound) Data() string {
	if o.f.Data == nil {
		return ""
	}
	return *o.f.Data
}

// IsFinal returns the audio is_final flag.
func (o Outbound) IsFinal() bool { return o.f.IsFinal != nil && *o.f.IsFinal }

// Token returns the auth token attached to the frame.
func (o Outbound) Token() string { return o.f.Token }

// MarshalJSON implements [json.Marshaler].
func (o Outbound) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.f)
}

// Chat builds a user text message.
func Chat(text, token string) Outbound {
	return Outbound{f: frame{Type: TypeChat, Data: &text, Token: token}}
}

// Audio builds an uplink audio frame. payload is base64-encoded PCM.
func Audio(payload string, isFinal bool, token string) Outbound {
	return Outbound{f: frame{Type: TypeAudio, Data: &payload, IsFinal: &isFinal, Token: token}}
}

// Interrupt builds the cancellation notice for the backend.
func Interrupt(token string) Outbound {
	return Outbound{f: frame{Type: TypeInterrupt, Token: token}}
}
