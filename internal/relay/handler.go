// Package relay implements the chat relay protocol: authentication against the
// session registry and the fan-out of messages, presence and typing events.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/Tyrowin/presencechat/internal/metrics"
	"github.com/Tyrowin/presencechat/internal/protocol"
	"github.com/Tyrowin/presencechat/internal/registry"
)

// Client-facing authentication failures.
const (
	ReasonInvalidUsername = "Invalid username."
	ReasonUsernameTaken   = "Username already taken. Please choose another."
)

// DefaultMaxUsernameLength matches the limit chat clients enforce.
const DefaultMaxUsernameLength = 20

// Sessions is the registry view the handler needs. *registry.Registry
// satisfies it.
type Sessions interface {
	Register(id registry.ConnID, username string) (registry.Session, error)
	Unregister(id registry.ConnID) (registry.Session, bool)
	Lookup(id registry.ConnID) (registry.Session, bool)
	SetTyping(id registry.ConnID, typing bool) bool
	ListUsernames() []string
}

// Peers delivers outbound events. Delivery is best effort: a failure for
// one connection must not affect the others.
type Peers interface {
	// Send delivers msg to a single connection.
	Send(to registry.ConnID, msg protocol.Outbound)
	// Broadcast delivers msg to every open connection except the one given.
	// An empty except reaches everyone.
	Broadcast(msg protocol.Outbound, except registry.ConnID)
}

// Options configures a Handler. Zero values select defaults.
type Options struct {
	// MaxUsernameLength caps usernames in runes after trimming.
	// Negative disables the check.
	MaxUsernameLength int
	// Now stamps chat messages. Defaults to time.Now.
	Now func() time.Time
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Metrics defaults to a private set of counters.
	Metrics *metrics.Metrics
}

// Handler runs the per-connection state machine. One Handler serves every
// connection; a connection is authenticated exactly when Sessions holds an
// entry for it.
type Handler struct {
	sessions Sessions
	peers    Peers
	maxName  int
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewHandler returns a Handler over sessions that delivers through peers.
func NewHandler(sessions Sessions, peers Peers, opts Options) *Handler {
	h := &Handler{
		sessions: sessions,
		peers:    peers,
		maxName:  opts.MaxUsernameLength,
		now:      opts.Now,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if h.maxName == 0 {
		h.maxName = DefaultMaxUsernameLength
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "relay")
	if h.metrics == nil {
		h.metrics = metrics.New()
	}
	return h
}

// Open greets a new connection with the current online list so clients can
// show presence before logging in.
func (h *Handler) Open(id registry.ConnID) {
	h.peers.Send(id, protocol.OnlineUsers(h.sessions.ListUsernames()))
}

// Handle processes one inbound event for connection id to completion.
func (h *Handler) Handle(id registry.ConnID, ev protocol.Event) {
	if _, ok := ev.(protocol.Disconnect); ok {
		h.disconnect(id)
		return
	}

	session, authenticated := h.sessions.Lookup(id)
	if !authenticated {
		h.handleUnauthenticated(id, ev)
		return
	}

	switch ev := ev.(type) {
	case protocol.ChatMessage:
		h.chat(session, ev.Body)
	case protocol.Typing:
		h.typing(session, true)
	case protocol.StopTyping:
		h.typing(session, false)
	case protocol.Authenticate:
		h.metrics.IgnoredEvents.Add(1)
		h.logger.Debug("ignoring authenticate on authenticated connection",
			"conn", id, "user", session.Username)
	default:
		h.metrics.IgnoredEvents.Add(1)
		h.logger.Warn("unhandled event", "conn", id, "type", fmt.Sprintf("%T", ev))
	}
}

func (h *Handler) handleUnauthenticated(id registry.ConnID, ev protocol.Event) {
	auth, ok := ev.(protocol.Authenticate)
	if !ok {
		h.metrics.IgnoredEvents.Add(1)
		h.logger.Debug("ignoring event before authentication",
			"conn", id, "type", fmt.Sprintf("%T", ev))
		return
	}
	h.authenticate(id, auth.Username)
}

func (h *Handler) authenticate(id registry.ConnID, raw string) {
	name := trimUsername(raw)
	if !h.validUsername(name) {
		h.rejectAuth(id, name, ReasonInvalidUsername)
		return
	}

	session, err := h.sessions.Register(id, name)
	switch {
	case errors.Is(err, registry.ErrUsernameTaken):
		h.rejectAuth(id, name, ReasonUsernameTaken)
		return
	case errors.Is(err, registry.ErrDuplicateSession):
		h.logger.Error("connection registered twice", "conn", id, "user", name, "err", err)
		return
	case err != nil:
		h.logger.Error("register session", "conn", id, "user", name, "err", err)
		return
	}

	h.metrics.SuccessfulAuths.Add(1)
	h.logger.Info("user joined", "conn", id, "user", session.Username)

	h.peers.Send(id, protocol.Authenticated(session.Username))
	h.peers.Broadcast(protocol.UserOnline(session.Username), id)
	h.peers.Broadcast(protocol.OnlineUsers(h.sessions.ListUsernames()), "")
	h.peers.Broadcast(protocol.Notice(session.Username+" has joined the chat.", h.now()), "")
}

// trimUsername strips surrounding whitespace, including the byte order mark.
func trimUsername(raw string) string {
	return strings.TrimFunc(raw, func(r rune) bool {
		return unicode.IsSpace(r) || r == '\uFEFF'
	})
}

func (h *Handler) validUsername(name string) bool {
	if name == "" {
		return false
	}
	return h.maxName < 0 || utf8.RuneCountInString(name) <= h.maxName
}

func (h *Handler) rejectAuth(id registry.ConnID, name, reason string) {
	h.metrics.FailedAuths.Add(1)
	h.logger.Info("authentication rejected", "conn", id, "user", name, "reason", reason)
	h.peers.Send(id, protocol.AuthError(reason))
}

func (h *Handler) chat(s registry.Session, body string) {
	h.metrics.ChatMessages.Add(1)
	h.logger.Debug("chat message", "conn", s.ConnID, "user", s.Username, "bytes", len(body))
	h.peers.Broadcast(protocol.UserMessage(s.Username, body, h.now()), "")
}

func (h *Handler) typing(s registry.Session, typing bool) {
	if !h.sessions.SetTyping(s.ConnID, typing) {
		return
	}
	h.metrics.TypingNotices.Add(1)
	if typing {
		h.peers.Broadcast(protocol.TypingStarted(s.Username), s.ConnID)
		return
	}
	h.peers.Broadcast(protocol.TypingStopped(s.Username), s.ConnID)
}

func (h *Handler) disconnect(id registry.ConnID) {
	session, ok := h.sessions.Unregister(id)
	if !ok {
		h.logger.Debug("unauthenticated connection closed", "conn", id)
		return
	}

	h.metrics.TotalDisconnects.Add(1)
	h.logger.Info("user left", "conn", id, "user", session.Username)

	h.peers.Broadcast(protocol.UserOffline(session.Username), id)
	h.peers.Broadcast(protocol.OnlineUsers(h.sessions.ListUsernames()), "")
	h.peers.Broadcast(protocol.Notice(session.Username+" has left the chat.", h.now()), "")
}
