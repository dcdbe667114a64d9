// Package server defines the hub's inbound event type and utility helpers
// shared by client and hub logic.
package server

import (
	"strings"

	"github.com/Tyrowin/presencechat/internal/protocol"
)

// Inbound is a decoded client event queued for the hub loop.
type Inbound struct {
	Client *Client
	Event  protocol.Event
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
