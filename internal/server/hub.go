// Package server coordinates client registration, event dispatch, and
// connection cleanup for the chat relay via the Hub type.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/presencechat/internal/metrics"
	"github.com/Tyrowin/presencechat/internal/protocol"
	"github.com/Tyrowin/presencechat/internal/registry"
	"github.com/Tyrowin/presencechat/internal/relay"
)

// Hub owns every open connection and serialises all relay work on the Run
// goroutine: each registration, inbound event or disconnect is processed to
// completion before the next one starts.
//
// Hub implements relay.Peers. Send and Broadcast are only called by the relay
// handler, and therefore only from Run.
type Hub struct {
	clients    map[registry.ConnID]*Client
	register   chan *Client
	unregister chan *Client
	inbound    chan Inbound
	relay      *relay.Handler
	sessions   *registry.Registry
	metrics    *metrics.Metrics
	logger     *slog.Logger
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	// evicted holds clients dropped during the current event; Run
	// disconnects them once the event is finished.
	evicted []*Client
}

// NewHub creates a Hub over sessions. A nil metrics allocates a private one.
func NewHub(sessions *registry.Registry, m *metrics.Metrics) *Hub {
	if m == nil {
		m = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[registry.ConnID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan Inbound),
		sessions:   sessions,
		metrics:    m,
		logger:     slog.Default().With("component", "hub"),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.relay = relay.NewHandler(sessions, h, relay.Options{
		MaxUsernameLength: currentConfig().MaxUsernameLength,
		Metrics:           m,
	})
	return h
}

// GetRegisterChan returns the channel used for registering new clients.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used for unregistering clients.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// GetInboundChan returns the channel carrying decoded client events.
func (h *Hub) GetInboundChan() chan<- Inbound {
	return h.inbound
}

// ClientCount returns the number of open connections, authenticated or not.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// OnlineCount returns the number of authenticated sessions.
func (h *Hub) OnlineCount() int {
	return h.sessions.Count()
}

// Metrics returns the counters shared by the hub and relay.
func (h *Hub) Metrics() *metrics.Metrics {
	return h.metrics
}

// submit queues an inbound event, giving up once the hub has stopped.
func (h *Hub) submit(in Inbound) bool {
	select {
	case h.inbound <- in:
		return true
	case <-h.done:
		return false
	}
}

// leave queues c for unregistration, giving up once the hub has stopped.
func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Run starts the hub's main event loop. It must run in its own goroutine and
// returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("received nil client registration; skipping")
				continue
			}
			h.addClient(client)
			h.relay.Open(client.id)

		case client := <-h.unregister:
			if client == nil {
				continue
			}
			if h.removeClient(client) {
				h.relay.Handle(client.id, protocol.Disconnect{})
			}

		case in := <-h.inbound:
			if !h.isRegistered(in.Client) {
				continue
			}
			h.relay.Handle(in.Client.id, in.Event)
		}

		h.disconnectEvicted()
	}
}

func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client.id] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.metrics.ActiveConnections.Add(1)
	h.logger.Info("client registered", "conn", client.id, "addr", client.addr, "clients", clientCount)

	if client.conn == nil {
		return
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// removeClient drops client from the hub and closes its send channel.
// It reports false if the client was already gone.
func (h *Hub) removeClient(client *Client) bool {
	h.mutex.Lock()
	current, ok := h.clients[client.id]
	if !ok || current != client {
		h.mutex.Unlock()
		return false
	}
	delete(h.clients, client.id)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	close(client.send)
	h.metrics.ActiveConnections.Add(-1)
	h.logger.Info("client unregistered", "conn", client.id, "addr", client.addr, "clients", clientCount)
	return true
}

func (h *Hub) isRegistered(client *Client) bool {
	if client == nil {
		return false
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.clients[client.id] == client
}

// disconnectEvicted runs the relay disconnect for every client evicted while
// handling the last event. Those disconnects may evict more clients.
func (h *Hub) disconnectEvicted() {
	for len(h.evicted) > 0 {
		client := h.evicted[0]
		h.evicted = h.evicted[1:]
		h.relay.Handle(client.id, protocol.Disconnect{})
	}
}

// Send implements relay.Peers.
func (h *Hub) Send(to registry.ConnID, msg protocol.Outbound) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error("encode outbound event", "event", msg.Event, "err", err)
		return
	}

	h.mutex.RLock()
	client, ok := h.clients[to]
	h.mutex.RUnlock()
	if !ok {
		return
	}
	if !h.safeSend(client, frame) {
		h.removeFailedClients([]*Client{client})
	}
}

// Broadcast implements relay.Peers.
func (h *Hub) Broadcast(msg protocol.Outbound, except registry.ConnID) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error("encode outbound event", "event", msg.Event, "err", err)
		return
	}

	clients := h.getClientSnapshot()
	h.logger.Debug("broadcasting", "event", msg.Event, "targets", h.calculateTargetCount(clients, except))

	h.removeFailedClients(h.broadcastToClients(clients, frame, except))
}

func (h *Hub) safeSend(client *Client, frame []byte) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if current, exists := h.clients[client.id]; !exists || current != client || client.closed {
		return false
	}

	select {
	case client.send <- frame:
		return true
	default:
		return false
	}
}

// getClientSnapshot returns a thread-safe snapshot of all current clients.
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

func (h *Hub) calculateTargetCount(clients []*Client, except registry.ConnID) int {
	count := len(clients)
	if except == "" {
		return count
	}
	for _, c := range clients {
		if c.id == except {
			return count - 1
		}
	}
	return count
}

// broadcastToClients queues frame for every client except one and returns
// the clients whose queue was full.
func (h *Hub) broadcastToClients(clients []*Client, frame []byte, except registry.ConnID) []*Client {
	var failed []*Client
	for _, client := range clients {
		if except != "" && client.id == except {
			continue
		}
		if !h.safeSend(client, frame) {
			failed = append(failed, client)
		}
	}
	return failed
}

// removeFailedClients evicts clients whose send queue overflowed. The relay
// learns about them after the current event completes.
func (h *Hub) removeFailedClients(failed []*Client) {
	for _, client := range failed {
		if h.removeClient(client) {
			h.metrics.EvictedClients.Add(1)
			h.logger.Warn("client removed due to full send buffer", "conn", client.id, "addr", client.addr)
			h.evicted = append(h.evicted, client)
		}
	}
}

// shutdownClients closes every connection so the pumps exit.
func (h *Hub) shutdownClients() {
	h.logger.Info("shutting down all client connections")

	clients := h.getClientSnapshot()
	for _, client := range clients {
		h.removeClient(client)
		h.sessions.Unregister(client.id)
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.logger.Warn("close client connection", "conn", client.id, "err", err)
		}
	}

	h.logger.Info("closed client connections", "count", len(clients))
}

// Shutdown stops the hub and waits for every client goroutine to finish,
// or until timeout elapses.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
