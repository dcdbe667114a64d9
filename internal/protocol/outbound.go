package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// SystemSender is the sender name used for relay notices.
const SystemSender = "Server"

// MessageKind separates user messages from relay notices.
type MessageKind string

const (
	KindMessage      MessageKind = "message"
	KindNotification MessageKind = "notification"
)

// ChatPayload is the data of an outbound chat_message event.
type ChatPayload struct {
	Sender    string      `json:"sender"`
	Body      string      `json:"body"`
	Timestamp int64       `json:"timestamp"`
	Kind      MessageKind `json:"kind"`
}

// Outbound is a server event before encoding.
type Outbound struct {
	Event string
	Data  any
}

// Encode renders o as a single wire frame.
func Encode(o Outbound) ([]byte, error) {
	data, err := json.Marshal(o.Data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", o.Event, err)
	}
	frame, err := json.Marshal(Envelope{Event: o.Event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", o.Event, err)
	}
	return frame, nil
}

// OnlineUsers lists the live usernames. A nil list encodes as [].
func OnlineUsers(names []string) Outbound {
	if names == nil {
		names = []string{}
	}
	return Outbound{Event: EventOnlineUsers, Data: names}
}

// Authenticated confirms a successful login to the new session.
func Authenticated(username string) Outbound {
	return Outbound{Event: EventAuthenticated, Data: username}
}

// AuthError rejects a login with a human-readable reason.
func AuthError(reason string) Outbound {
	return Outbound{Event: EventAuthError, Data: reason}
}

// UserOnline announces that username joined.
func UserOnline(username string) Outbound {
	return Outbound{Event: EventUserOnline, Data: username}
}

// UserOffline announces that username left.
func UserOffline(username string) Outbound {
	return Outbound{Event: EventUserOffline, Data: username}
}

// TypingStarted tells peers that username began typing.
func TypingStarted(username string) Outbound {
	return Outbound{Event: EventTyping, Data: username}
}

// TypingStopped tells peers that username stopped typing.
func TypingStopped(username string) Outbound {
	return Outbound{Event: EventStopTyping, Data: username}
}

// UserMessage is a chat message authored by sender.
func UserMessage(sender, body string, at time.Time) Outbound {
	return Outbound{Event: EventChatMessage, Data: ChatPayload{
		Sender:    sender,
		Body:      body,
		Timestamp: at.UnixMilli(),
		Kind:      KindMessage,
	}}
}

// Notice is a relay-authored chat message.
func Notice(body string, at time.Time) Outbound {
	return Outbound{Event: EventChatMessage, Data: ChatPayload{
		Sender:    SystemSender,
		Body:      body,
		Timestamp: at.UnixMilli(),
		Kind:      KindNotification,
	}}
}
