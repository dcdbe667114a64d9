// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WebSocketHandler upgrades GET requests to WebSocket and hands the new
// client to hub, which starts its pumps and greets it with the online list.
func WebSocketHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "err", err)
			return
		}

		hub.metrics.TotalConnections.Add(1)
		client := NewClient(conn, hub, r.RemoteAddr)

		select {
		case hub.register <- client:
		case <-hub.done:
			_ = conn.Close()
		}
	}
}

// HealthHandler responds with a plain text liveness message.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat server is running!")
}

// TestPageHandler serves a minimal HTML client for exercising the relay by
// hand: log in, chat, and watch presence and typing events.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		slog.Error("write test page", "err", err)
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>GoChat Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; }
        #online { color: #155724; }
        #typing { color: gray; font-style: italic; height: 1.2em; }
        .notice { color: gray; }
        .error { color: #721c24; }
    </style>
</head>
<body>
    <h1>GoChat Relay Test</h1>
    <div>Online: <span id="online"></span></div>
    <div>
        <input type="text" id="username" placeholder="Username" maxlength="20">
        <button onclick="login()">Join</button>
    </div>
    <div id="log"></div>
    <div id="typing"></div>
    <div>
        <input type="text" id="message" placeholder="Type a message..." disabled>
        <button id="send" onclick="sendChat()" disabled>Send</button>
    </div>

    <script>
        const log = document.getElementById('log');
        const input = document.getElementById('message');
        const typers = new Set();
        let ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
        let typingTimer = null;

        function emit(event, data) {
            ws.send(JSON.stringify(data === undefined ? { event } : { event, data }));
        }

        function line(text, cls) {
            const el = document.createElement('div');
            el.textContent = text;
            if (cls) el.className = cls;
            log.appendChild(el);
            log.scrollTop = log.scrollHeight;
        }

        function showTyping() {
            document.getElementById('typing').textContent =
                typers.size ? Array.from(typers).join(', ') + ' typing...' : '';
        }

        function login() {
            emit('authenticate', document.getElementById('username').value);
        }

        function sendChat() {
            const body = input.value.trim();
            if (!body) return;
            clearTimeout(typingTimer);
            emit('stop_typing');
            emit('chat_message', body);
            input.value = '';
        }

        input.addEventListener('input', function() {
            emit('typing');
            clearTimeout(typingTimer);
            typingTimer = setTimeout(function() { emit('stop_typing'); }, 1500);
        });
        input.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') sendChat();
        });

        ws.onmessage = function(e) {
            const msg = JSON.parse(e.data);
            switch (msg.event) {
            case 'online_users':
                document.getElementById('online').textContent = msg.data.join(', ');
                break;
            case 'authenticated':
                line('Logged in as ' + msg.data, 'notice');
                input.disabled = false;
                document.getElementById('send').disabled = false;
                break;
            case 'auth_error':
                line(msg.data, 'error');
                break;
            case 'chat_message':
                const at = new Date(msg.data.timestamp).toLocaleTimeString();
                line('[' + at + '] ' + msg.data.sender + ': ' + msg.data.body,
                    msg.data.kind === 'notification' ? 'notice' : '');
                break;
            case 'typing':
                typers.add(msg.data); showTyping();
                break;
            case 'stop_typing':
            case 'user_offline':
                typers.delete(msg.data); showTyping();
                break;
            }
        };
        ws.onclose = function() { line('Connection closed', 'error'); };
    </script>
</body>
</html>`
