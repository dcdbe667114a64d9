// Package metrics tracks relay runtime statistics.
package metrics

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics holds lock-free counters updated by the transport and the relay.
type Metrics struct {
	startTime time.Time

	// Connections
	TotalConnections  atomic.Int64 // WebSocket connections accepted
	ActiveConnections atomic.Int64 // currently open connections
	EvictedClients    atomic.Int64 // connections dropped for a full send queue

	// Sessions
	SuccessfulAuths  atomic.Int64
	FailedAuths      atomic.Int64
	TotalDisconnects atomic.Int64 // authenticated sessions that left

	// Events
	ChatMessages  atomic.Int64 // user messages relayed
	TypingNotices atomic.Int64 // typing and stop_typing broadcasts
	DroppedEvents atomic.Int64 // malformed, unknown or rate limited frames
	RateLimitHits atomic.Int64
	IgnoredEvents atomic.Int64 // well-formed events not valid in the current state
}

// New creates a Metrics instance with the start time set to now.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// Snapshot is a serializable point-in-time view of Metrics.
type Snapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	OnlineUsers       int   `json:"online_users"`
	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	EvictedClients    int64 `json:"evicted_clients"`

	SuccessfulAuths  int64 `json:"successful_auths"`
	FailedAuths      int64 `json:"failed_auths"`
	TotalDisconnects int64 `json:"total_disconnects"`

	ChatMessages  int64 `json:"chat_messages"`
	TypingNotices int64 `json:"typing_notices"`
	DroppedEvents int64 `json:"dropped_events"`
	RateLimitHits int64 `json:"rate_limit_hits"`
	IgnoredEvents int64 `json:"ignored_events"`
}

// Snapshot reads every counter. onlineUsers is supplied by the caller since
// the registry, not Metrics, owns presence.
func (m *Metrics) Snapshot(onlineUsers int) Snapshot {
	uptime := time.Since(m.startTime)
	return Snapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		OnlineUsers:       onlineUsers,
		TotalConnections:  m.TotalConnections.Load(),
		ActiveConnections: m.ActiveConnections.Load(),
		EvictedClients:    m.EvictedClients.Load(),
		SuccessfulAuths:   m.SuccessfulAuths.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		ChatMessages:      m.ChatMessages.Load(),
		TypingNotices:     m.TypingNotices.Load(),
		DroppedEvents:     m.DroppedEvents.Load(),
		RateLimitHits:     m.RateLimitHits.Load(),
		IgnoredEvents:     m.IgnoredEvents.Load(),
	}
}

// Handler serves the snapshot as JSON.
func (m *Metrics) Handler(onlineUsers func() int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(m.Snapshot(onlineUsers())); err != nil {
			slog.Error("write metrics response", "err", err)
		}
	}
}

// LogSummary writes one metrics line to the default logger.
func (m *Metrics) LogSummary(onlineUsers int) {
	s := m.Snapshot(onlineUsers)
	slog.Info("metrics",
		"uptime", s.Uptime,
		"online", s.OnlineUsers,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"chat_msgs", s.ChatMessages,
		"dropped", s.DroppedEvents,
	)
}

// StartPeriodicLog logs a summary every interval until done is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, onlineUsers func() int, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary(onlineUsers())
			}
		}
	}()
}
