// Package server coordinates client registration, room membership and event
// fan-out for the coderelay WebSocket system via the Hub type.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/coderelay/internal/executor"
	"github.com/Tyrowin/coderelay/internal/protocol"
	"github.com/Tyrowin/coderelay/internal/rooms"
)

// ErrHubStopped is returned by hub queries issued after the event loop exited.
var ErrHubStopped = errors.New("hub stopped")

// Hub owns every piece of shared state: connected clients and their sessions,
// room subscriptions and the room registry. All of it is touched only from
// the Run goroutine, so handlers run one at a time in arrival order.
type Hub struct {
	sessions    map[*Client]*Session
	subscribers map[string]map[*Client]struct{}
	registry    *rooms.Registry
	executor    executor.Executor
	pruneEmpty  bool
	log         *slog.Logger

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundEvent
	results    chan compileResult
	queries    chan func()

	wg     sync.WaitGroup
	execWg sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithRoomPruning removes a room from the registry once its last member leaves.
// Without it empty rooms stay known for the process lifetime.
func WithRoomPruning() HubOption {
	return func(h *Hub) {
		h.pruneEmpty = true
	}
}

// NewHub creates and initializes a new Hub instance. The returned Hub is
// ready to manage WebSocket connections once Run is started.
func NewHub(log *slog.Logger, exec executor.Executor, opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		sessions:    make(map[*Client]*Session),
		subscribers: make(map[string]map[*Client]struct{}),
		registry:    rooms.NewRegistry(),
		executor:    exec,
		log:         log,
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		inbound:     make(chan inboundEvent),
		results:     make(chan compileResult),
		queries:     make(chan func()),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register hands a new client to the hub, which starts its pumps.
// It reports false if the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes a client and runs its disconnect handling.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

func (h *Hub) submit(evt inboundEvent) bool {
	select {
	case h.inbound <- evt:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Run starts the hub's main event loop. It should be called in a separate
// goroutine and returns once Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("Received nil client registration; skipping")
				continue
			}
			h.addClient(client)
			h.startPumps(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case evt := <-h.inbound:
			h.dispatch(evt.client, evt.envelope)

		case res := <-h.results:
			h.handleResult(res)

		case query := <-h.queries:
			query()
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.sessions[c] = &Session{}
	c.log.Info("User connected", "clients", len(h.sessions))
}

func (h *Hub) startPumps(c *Client) {
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

// removeClient is the disconnect handler. The connection leaves its room
// subscription first, so the membership update only reaches remaining peers.
func (h *Hub) removeClient(c *Client) {
	session, ok := h.sessions[c]
	if !ok {
		return
	}
	delete(h.sessions, c)
	h.unsubscribe(c, session.Room)
	close(c.send)

	if session.Joined() {
		h.registry.RemoveMember(session.Room, session.User)
		h.broadcastMembers(session.Room)
		h.pruneRoom(session.Room)
	}
	c.log.Info("User disconnected", "room", session.Room, "user", session.User, "clients", len(h.sessions))
}

func (h *Hub) subscribe(c *Client, roomID string) {
	subs, ok := h.subscribers[roomID]
	if !ok {
		subs = make(map[*Client]struct{})
		h.subscribers[roomID] = subs
	}
	subs[c] = struct{}{}
}

func (h *Hub) unsubscribe(c *Client, roomID string) {
	subs, ok := h.subscribers[roomID]
	if !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.subscribers, roomID)
	}
}

// emit queues an event for every subscriber of roomID except the given client.
// Pass a nil except to include everyone.
func (h *Hub) emit(roomID string, except *Client, event string, data any) {
	subs := h.subscribers[roomID]
	if len(subs) == 0 {
		return
	}

	message, err := protocol.Encode(event, data)
	if err != nil {
		h.log.Error("Failed to encode outbound event", "event", event, "room", roomID, "error", err)
		return
	}

	var failed []*Client
	for client := range subs {
		if client == except {
			continue
		}
		if !h.safeSend(client, message) {
			failed = append(failed, client)
		}
	}
	h.removeFailedClients(failed)
}

func (h *Hub) broadcastMembers(roomID string) {
	h.emit(roomID, nil, protocol.EventUserJoined, h.registry.MembersOf(roomID))
}

func (h *Hub) pruneRoom(roomID string) {
	if h.pruneEmpty && h.registry.Prune(roomID) {
		h.log.Debug("Pruned empty room", "room", roomID)
	}
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	if _, exists := h.sessions[client]; !exists {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// removeFailedClients drops clients whose send buffer is full, running the
// same disconnect handling as a closed socket.
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	for _, client := range clientsToRemove {
		if _, exists := h.sessions[client]; !exists {
			continue
		}
		client.log.Warn("Client removed due to full send buffer")
		h.removeClient(client)
		if client.conn != nil {
			_ = client.conn.Close()
		}
	}
}

// shutdownClients gracefully closes all active client connections
func (h *Hub) shutdownClients() {
	h.log.Info("Shutting down all client connections...", "rooms", h.registry.Len())

	count := 0
	for client := range h.sessions {
		delete(h.sessions, client)
		close(client.send)
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				client.log.Warn("Error closing client connection", "error", err)
			}
		}
		count++
	}
	h.subscribers = make(map[string]map[*Client]struct{})

	h.log.Info("Closed client connections", "count", count)
}

// query runs fn on the hub loop and waits for it to finish.
func (h *Hub) query(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case h.queries <- func() { fn(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rooms returns a snapshot of every known room and its members.
func (h *Hub) Rooms(ctx context.Context) (map[string][]string, error) {
	var snapshot map[string][]string
	err := h.query(ctx, func() {
		snapshot = h.registry.Rooms()
	})
	return snapshot, err
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount(ctx context.Context) (int, error) {
	var count int
	err := h.query(ctx, func() {
		count = len(h.sessions)
	})
	return count, err
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// Pending execution requests are cancelled. It returns after all client connections
// are closed and goroutines have finished, or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown...")

	h.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
	case <-timer.C:
		h.log.Warn("Hub shutdown timeout reached before event loop exited")
		return context.DeadlineExceeded
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		h.execWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-timer.C:
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
