package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    Event
		wantErr error
	}{
		{name: "authenticate", frame: `{"event":"authenticate","data":"alice"}`, want: Authenticate{Username: "alice"}},
		{name: "authenticate keeps whitespace", frame: `{"event":"authenticate","data":"  bob "}`, want: Authenticate{Username: "  bob "}},
		{name: "authenticate with number", frame: `{"event":"authenticate","data":42}`, want: Authenticate{}},
		{name: "authenticate without data", frame: `{"event":"authenticate"}`, want: Authenticate{}},
		{name: "chat message", frame: `{"event":"chat_message","data":"hi"}`, want: ChatMessage{Body: "hi"}},
		{name: "empty chat message", frame: `{"event":"chat_message","data":""}`, want: ChatMessage{}},
		{name: "chat message object", frame: `{"event":"chat_message","data":{"x":1}}`, wantErr: ErrMalformedPayload},
		{name: "typing", frame: `{"event":"typing"}`, want: Typing{}},
		{name: "typing ignores data", frame: `{"event":"typing","data":true}`, want: Typing{}},
		{name: "stop typing", frame: `{"event":"stop_typing"}`, want: StopTyping{}},
		{name: "unknown event", frame: `{"event":"kick","data":"bob"}`, wantErr: ErrUnknownEvent},
		{name: "server event from client", frame: `{"event":"online_users","data":[]}`, wantErr: ErrUnknownEvent},
		{name: "not json", frame: `hello`, wantErr: ErrMalformedFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.frame))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Decode error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Decode = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestEncodeOnlineUsersNeverNull(t *testing.T) {
	frame, err := Encode(OnlineUsers(nil))
	if err != nil {
		t.Fatal(err)
	}
	if string(frame) != `{"event":"online_users","data":[]}` {
		t.Errorf("Encode = %s", frame)
	}
}

func TestEncodeChatPayload(t *testing.T) {
	at := time.UnixMilli(1700000000123)

	frame, err := Encode(UserMessage("alice", "hi", at))
	if err != nil {
		t.Fatal(err)
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatal(err)
	}
	if env.Event != EventChatMessage {
		t.Errorf("event = %q", env.Event)
	}
	var p ChatPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatal(err)
	}
	want := ChatPayload{Sender: "alice", Body: "hi", Timestamp: 1700000000123, Kind: KindMessage}
	if p != want {
		t.Errorf("payload = %+v, want %+v", p, want)
	}

	notice, err := Encode(Notice("alice has joined the chat.", at))
	if err != nil {
		t.Fatal(err)
	}
	want = ChatPayload{Sender: SystemSender, Body: "alice has joined the chat.", Timestamp: 1700000000123, Kind: KindNotification}
	if err := json.Unmarshal(notice, &env); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatal(err)
	}
	if p != want {
		t.Errorf("notice payload = %+v, want %+v", p, want)
	}
}
