// Package relay coordinates connection registration, room routing, presence
// tracking, and event fan-out for the messaging relay via the Hub type.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

type subscription struct {
	connID  string
	roomKey string
	leave   bool
}

type delivery struct {
	roomKey string
	connID  string
	global  bool
	exclude string
	payload []byte
}

// command carries either a subscription change or a delivery. Both travel
// on one channel so a Join issued before a SendToRoom from the same
// goroutine is applied before the delivery is routed.
type command struct {
	subscribe *subscription
	delivery  *delivery
}

// Hub owns all live client connections, the room membership table, and the
// presence registry. Every mutation flows through the Run loop, so clients,
// rooms, and delivery order are serialized without shared-memory access
// from handler goroutines.
type Hub struct {
	clients  map[string]*Client
	rooms    *roomSet
	presence *Presence

	register   chan *Client
	unregister chan *Client
	commands   chan command

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// NewHub creates a Hub ready to manage connections. Run must be started in
// its own goroutine before clients are registered.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      newRoomSet(),
		presence:   NewPresence(),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		commands:   make(chan command, 256),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Register hands a newly authenticated client to the hub. The hub sends the
// presence snapshot, registers presence, joins the personal room, announces
// user-online to everyone else, and starts the client's pumps.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub. Repeated unregistration of the
// same client is a no-op.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// Join subscribes a connection to a room. Unknown connections are ignored.
func (h *Hub) Join(connID, roomKey string) {
	h.enqueue(command{subscribe: &subscription{connID: connID, roomKey: roomKey}})
}

// Leave unsubscribes a connection from a room.
func (h *Hub) Leave(connID, roomKey string) {
	h.enqueue(command{subscribe: &subscription{connID: connID, roomKey: roomKey, leave: true}})
}

// SendToRoom delivers an event to every member of a room, optionally
// excluding one connection. Delivery is best-effort and fire-and-forget;
// stale connection ids in the room are tolerated as no-ops.
func (h *Hub) SendToRoom(roomKey string, event ServerEvent, excludeConnID string) {
	payload, ok := h.encode(event)
	if !ok {
		return
	}
	h.enqueue(command{delivery: &delivery{roomKey: roomKey, exclude: excludeConnID, payload: payload}})
}

// SendToAll delivers an event to every connection except the excluded one.
func (h *Hub) SendToAll(event ServerEvent, excludeConnID string) {
	payload, ok := h.encode(event)
	if !ok {
		return
	}
	h.enqueue(command{delivery: &delivery{global: true, exclude: excludeConnID, payload: payload}})
}

// SendToConn delivers an event to a single connection. Unknown connection
// ids are no-ops.
func (h *Hub) SendToConn(connID string, event ServerEvent) {
	payload, ok := h.encode(event)
	if !ok {
		return
	}
	h.enqueue(command{delivery: &delivery{connID: connID, payload: payload}})
}

func (h *Hub) encode(event ServerEvent) ([]byte, bool) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode event", "event", event.Event, "error", err)
		return nil, false
	}
	return payload, true
}

func (h *Hub) enqueue(cmd command) {
	select {
	case h.commands <- cmd:
	case <-h.ctx.Done():
	}
}

// Run starts the hub's main event loop, handling registration, room
// subscription, and delivery. It runs until Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case cmd := <-h.commands:
			switch {
			case cmd.subscribe != nil:
				h.handleSubscription(*cmd.subscribe)
			case cmd.delivery != nil:
				h.handleDelivery(*cmd.delivery)
			}
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	if client == nil {
		h.logger.Warn("received nil client registration; skipping")
		return
	}

	// Snapshot before registering so the new client does not see itself.
	snapshot := h.presence.Snapshot()

	client.closed = false
	h.clients[client.id] = client
	if !h.trySend(client, h.mustEncode(ServerEvent{
		Event: EventOnlineUsers,
		Data:  OnlineUsersPayload{UserIDs: snapshot},
	})) {
		// A client that cannot take its seed snapshot is dropped before
		// presence, rooms, or pumps are set up.
		h.removeFailedClients([]*Client{client})
		return
	}

	h.presence.Register(client.userID, client.id)
	h.fanOut(h.allExcept(client.id), h.mustEncode(ServerEvent{
		Event: EventUserOnline,
		Data:  PresencePayload{UserID: client.userID},
	}))
	h.rooms.join(client.id, UserRoom(client.userID))

	h.logger.Info("client registered",
		"connId", client.id, "userId", client.userID, "addr", client.addr,
		"total", len(h.clients))

	if client.conn != nil {
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
}

func (h *Hub) handleUnregister(client *Client) {
	if client == nil {
		return
	}
	if _, ok := h.clients[client.id]; !ok {
		return
	}

	delete(h.clients, client.id)
	h.rooms.leaveAll(client.id)
	client.closed = true
	close(client.send)

	h.logger.Info("client unregistered",
		"connId", client.id, "userId", client.userID, "total", len(h.clients))

	// Only the connection that owns the presence entry announces offline;
	// a stale disconnect racing a reconnect must not mark the user away.
	if h.presence.Unregister(client.userID, client.id) {
		h.fanOut(h.allExcept(client.id), h.mustEncode(ServerEvent{
			Event: EventUserOffline,
			Data:  PresencePayload{UserID: client.userID},
		}))
	}
}

func (h *Hub) handleSubscription(sub subscription) {
	if _, ok := h.clients[sub.connID]; !ok {
		return
	}
	if sub.leave {
		h.rooms.leave(sub.connID, sub.roomKey)
	} else {
		h.rooms.join(sub.connID, sub.roomKey)
	}
}

func (h *Hub) handleDelivery(d delivery) {
	switch {
	case d.connID != "":
		if client, ok := h.clients[d.connID]; ok {
			if !h.trySend(client, d.payload) {
				h.removeFailedClients([]*Client{client})
			}
		}
	case d.global:
		h.fanOut(h.allExcept(d.exclude), d.payload)
	default:
		h.fanOut(h.roomTargets(d.roomKey, d.exclude), d.payload)
	}
}

func (h *Hub) allExcept(excludeConnID string) []*Client {
	targets := make([]*Client, 0, len(h.clients))
	for connID, client := range h.clients {
		if connID == excludeConnID {
			continue
		}
		targets = append(targets, client)
	}
	return targets
}

func (h *Hub) roomTargets(roomKey, excludeConnID string) []*Client {
	var targets []*Client
	for _, connID := range h.rooms.roomMembers(roomKey) {
		if connID == excludeConnID {
			continue
		}
		client, ok := h.clients[connID]
		if !ok {
			// Stale membership from a connection torn down mid-flight.
			continue
		}
		targets = append(targets, client)
	}
	return targets
}

func (h *Hub) fanOut(targets []*Client, payload []byte) {
	if payload == nil {
		return
	}
	var failed []*Client
	for _, client := range targets {
		if !h.trySend(client, payload) {
			failed = append(failed, client)
		}
	}
	h.removeFailedClients(failed)
}

func (h *Hub) trySend(client *Client, payload []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("recovered from panic in trySend", "panic", r)
			sent = false
		}
	}()

	if payload == nil || client.closed {
		return false
	}

	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

func (h *Hub) mustEncode(event ServerEvent) []byte {
	payload, ok := h.encode(event)
	if !ok {
		return nil
	}
	return payload
}

func (h *Hub) removeFailedClients(failed []*Client) {
	for _, client := range failed {
		if _, ok := h.clients[client.id]; !ok {
			continue
		}
		delete(h.clients, client.id)
		h.rooms.leaveAll(client.id)
		client.closed = true
		close(client.send)
		h.logger.Warn("client removed due to full send buffer",
			"connId", client.id, "userId", client.userID, "addr", client.addr)
		if h.presence.Unregister(client.userID, client.id) {
			h.fanOut(h.allExcept(client.id), h.mustEncode(ServerEvent{
				Event: EventUserOffline,
				Data:  PresencePayload{UserID: client.userID},
			}))
		}
	}
}

func (h *Hub) shutdownClients() {
	h.logger.Info("shutting down client connections", "total", len(h.clients))

	for _, client := range h.clients {
		// Closing send wakes the write pump; this runs on the hub
		// goroutine after the run loop exited, so no delivery can race
		// the close.
		client.closed = true
		close(client.send)
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.logger.Error("error closing client connection",
					"addr", client.addr, "error", err)
			}
		}
	}
}

// Shutdown stops the run loop, closes all client connections, and waits for
// pump goroutines to finish or the timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached")
		return context.DeadlineExceeded
	}
}
