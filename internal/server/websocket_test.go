package server

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/presencechat/internal/protocol"
	"github.com/Tyrowin/presencechat/internal/relay"
)

// login authenticates conn as name and consumes the events it receives.
func login(t *testing.T, conn *websocket.Conn, name string, online ...string) {
	t.Helper()
	emit(t, conn, protocol.EventAuthenticate, name)
	expectString(t, conn, protocol.EventAuthenticated, name)
	expectOnline(t, conn, online...)
	expectChat(t, conn, protocol.SystemSender, name+" has joined the chat.", protocol.KindNotification)
}

func TestRelayConversation(t *testing.T) {
	_, srv := startRelay(t)

	a := dial(t, srv)
	expectOnline(t, a)
	login(t, a, "alice", "alice")

	b := dial(t, srv)
	expectOnline(t, b, "alice")

	// taken name leaves B unauthenticated
	emit(t, b, protocol.EventAuthenticate, "alice")
	expectString(t, b, protocol.EventAuthError, relay.ReasonUsernameTaken)

	login(t, b, "bob", "alice", "bob")
	expectString(t, a, protocol.EventUserOnline, "bob")
	expectOnline(t, a, "alice", "bob")
	expectChat(t, a, protocol.SystemSender, "bob has joined the chat.", protocol.KindNotification)

	// typing is edge triggered and a message does not imply stop_typing
	emit(t, a, protocol.EventTyping, nil)
	emit(t, a, protocol.EventTyping, nil)
	emit(t, a, protocol.EventChatMessage, "hi")
	expectString(t, b, protocol.EventTyping, "alice")
	expectChat(t, b, "alice", "hi", protocol.KindMessage)
	expectChat(t, a, "alice", "hi", protocol.KindMessage)

	emit(t, a, protocol.EventStopTyping, nil)
	expectString(t, b, protocol.EventStopTyping, "alice")

	if err := b.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		t.Fatal(err)
	}
	_ = b.Close()

	expectString(t, a, protocol.EventUserOffline, "bob")
	expectOnline(t, a, "alice")
	expectChat(t, a, protocol.SystemSender, "bob has left the chat.", protocol.KindNotification)
}

func TestInvalidUsernames(t *testing.T) {
	_, srv := startRelay(t)
	conn := dial(t, srv)
	expectOnline(t, conn)

	for _, name := range []any{"", "   ", 42, strings.Repeat("x", relay.DefaultMaxUsernameLength+1)} {
		emit(t, conn, protocol.EventAuthenticate, name)
		expectString(t, conn, protocol.EventAuthError, relay.ReasonInvalidUsername)
	}

	emit(t, conn, protocol.EventAuthenticate, "  carol  ")
	expectString(t, conn, protocol.EventAuthenticated, "carol")
	expectOnline(t, conn, "carol")
}

func TestUnauthenticatedDisconnectIsSilent(t *testing.T) {
	_, srv := startRelay(t)

	a := dial(t, srv)
	expectOnline(t, a)
	login(t, a, "alice", "alice")

	b := dial(t, srv)
	expectOnline(t, b, "alice")
	// chat before login is ignored
	emit(t, b, protocol.EventChatMessage, "hello?")
	_ = b.Close()

	expectSilence(t, a, 300*time.Millisecond)
}

func TestMalformedFramesKeepConnectionOpen(t *testing.T) {
	hub, srv := startRelay(t)
	conn := dial(t, srv)
	expectOnline(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	emit(t, conn, "kick", "everyone")
	emit(t, conn, protocol.EventChatMessage, map[string]string{"x": "y"})

	login(t, conn, "dave", "dave")
	if got := hub.Metrics().DroppedEvents.Load(); got != 3 {
		t.Errorf("DroppedEvents = %d, want 3", got)
	}
}

func TestRateLimitDropsExcessFrames(t *testing.T) {
	cfg := NewConfig()
	cfg.RateLimit = RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	useConfig(t, cfg)
	hub := startHub(t)
	srv := newTestServer(t, hub)

	conn := dial(t, srv)
	expectOnline(t, conn)
	login(t, conn, "erin", "erin")

	for i := 0; i < 3; i++ {
		emit(t, conn, protocol.EventChatMessage, "spam")
	}
	// authenticate spent the first token
	expectChat(t, conn, "erin", "spam", protocol.KindMessage)
	waitFor(t, "rate limit hits", func() bool { return hub.Metrics().RateLimitHits.Load() == 2 })
}

func TestLongChatMessageRelayed(t *testing.T) {
	useConfig(t, NewConfig())
	srv := newTestServer(t, startHub(t))

	a := dial(t, srv)
	expectOnline(t, a)
	login(t, a, "alice", "alice")
	b := dial(t, srv)
	expectOnline(t, b, "alice")
	login(t, b, "bob", "alice", "bob")

	body := strings.Repeat("a", 4096)
	emit(t, a, protocol.EventChatMessage, body)
	expectChat(t, b, "alice", body, protocol.KindMessage)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	cfg := NewConfig()
	cfg.MaxMessageSize = 512
	useConfig(t, cfg)
	srv := newTestServer(t, startHub(t))
	conn := dial(t, srv)
	expectOnline(t, conn)

	emit(t, conn, protocol.EventChatMessage, strings.Repeat("x", int(cfg.MaxMessageSize)))

	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection still open after oversized frame")
	}
}

func TestTypingDoesNotStarveChat(t *testing.T) {
	useConfig(t, NewConfig())
	hub := startHub(t)
	srv := newTestServer(t, hub)

	a := dial(t, srv)
	expectOnline(t, a)
	login(t, a, "alice", "alice")
	b := dial(t, srv)
	expectOnline(t, b, "alice")
	login(t, b, "bob", "alice", "bob")

	// one typing frame per keystroke, well past the default burst
	for i := 0; i < 4*defaultBurst; i++ {
		emit(t, a, protocol.EventTyping, nil)
	}
	emit(t, a, protocol.EventChatMessage, "hello!")
	emit(t, a, protocol.EventStopTyping, nil)

	expectString(t, b, protocol.EventTyping, "alice")
	expectChat(t, b, "alice", "hello!", protocol.KindMessage)
	expectString(t, b, protocol.EventStopTyping, "alice")
	if hits := hub.Metrics().RateLimitHits.Load(); hits != 0 {
		t.Errorf("RateLimitHits = %d, want 0", hits)
	}
}

func TestDisallowedOriginRejected(t *testing.T) {
	_, srv := startRelay(t)

	headers := http.Header{}
	headers.Set("Origin", "http://evil.example.com")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), headers)
	if err == nil {
		_ = conn.Close()
		t.Fatal("dial from disallowed origin succeeded")
	}
	if resp == nil {
		t.Fatalf("no handshake response: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}

func TestManyClientsSeeSameOnlineList(t *testing.T) {
	_, srv := startRelay(t)
	names := []string{"u1", "u2", "u3", "u4", "u5"}

	conns := make([]*websocket.Conn, 0, len(names))
	for i, name := range names {
		c := dial(t, srv)
		expectOnline(t, c, names[:i]...)
		login(t, c, name, names[:i+1]...)
		for _, peer := range conns {
			expectString(t, peer, protocol.EventUserOnline, name)
			expectOnline(t, peer, names[:i+1]...)
			expectChat(t, peer, protocol.SystemSender, name+" has joined the chat.", protocol.KindNotification)
		}
		conns = append(conns, c)
	}
}

func TestGracefulShutdownWithClients(t *testing.T) {
	hub, srv := startRelay(t)

	conns := make([]*websocket.Conn, 0, 3)
	for i := 0; i < 3; i++ {
		c := dial(t, srv)
		expectOnline(t, c)
		conns = append(conns, c)
	}
	login(t, conns[0], "alice", "alice")

	if err := hub.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for _, c := range conns {
		if err := c.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			t.Fatal(err)
		}
		// frames queued before shutdown may still arrive
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
	}
	if hub.ClientCount() != 0 || hub.OnlineCount() != 0 {
		t.Errorf("after shutdown: %d clients, %d online", hub.ClientCount(), hub.OnlineCount())
	}
}
