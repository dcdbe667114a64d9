// Package protocol defines the JSON events exchanged between chat clients and
// the relay. Every WebSocket frame carries exactly one Envelope.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names used on the wire.
const (
	EventAuthenticate  = "authenticate"
	EventAuthenticated = "authenticated"
	EventAuthError     = "auth_error"
	EventChatMessage   = "chat_message"
	EventTyping        = "typing"
	EventStopTyping    = "stop_typing"
	EventOnlineUsers   = "online_users"
	EventUserOnline    = "user_online"
	EventUserOffline   = "user_offline"
)

var (
	ErrMalformedFrame   = errors.New("protocol: malformed frame")
	ErrUnknownEvent     = errors.New("protocol: unknown event")
	ErrMalformedPayload = errors.New("protocol: malformed payload")
)

// Envelope is the frame layout in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is an inbound request from one connection. The concrete types are
// Authenticate, ChatMessage, Typing, StopTyping and Disconnect.
type Event interface {
	isEvent()
}

// Authenticate asks to claim Username. A payload that is not a JSON string
// decodes to an empty Username.
type Authenticate struct {
	Username string
}

// ChatMessage is a text message from an authenticated user.
type ChatMessage struct {
	Body string
}

// Typing marks the sender as typing.
type Typing struct{}

// StopTyping clears the sender's typing mark.
type StopTyping struct{}

// Disconnect is never decoded from the wire. The transport raises it when a
// connection goes away.
type Disconnect struct{}

func (Authenticate) isEvent() {}
func (ChatMessage) isEvent()  {}
func (Typing) isEvent()       {}
func (StopTyping) isEvent()   {}
func (Disconnect) isEvent()   {}

// Decode parses one client frame into an Event.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch env.Event {
	case EventAuthenticate:
		var name string
		if err := json.Unmarshal(env.Data, &name); err != nil {
			return Authenticate{}, nil
		}
		return Authenticate{Username: name}, nil
	case EventChatMessage:
		var body string
		if err := json.Unmarshal(env.Data, &body); err != nil {
			return nil, fmt.Errorf("%w: %s body must be a string", ErrMalformedPayload, env.Event)
		}
		return ChatMessage{Body: body}, nil
	case EventTyping:
		return Typing{}, nil
	case EventStopTyping:
		return StopTyping{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}
