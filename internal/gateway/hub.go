package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/edudashpro/presence/backend-go/internal/presence"
)

// Hub tracks connected devices and fans presence cache changes out to them.
type Hub struct {
	cache    *presence.Cache
	resolver presence.Resolver
	clock    clockwork.Clock
	logger   *slog.Logger

	mu         sync.RWMutex
	clients    map[string]*Client // connID -> client
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	sessions   sync.WaitGroup
}

func NewHub(cache *presence.Cache, resolver presence.Resolver, clock clockwork.Clock, logger *slog.Logger) *Hub {
	h := &Hub{
		cache:      cache,
		resolver:   resolver,
		clock:      clock,
		logger:     logger,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	cache.OnChange(h.broadcastEvent)
	cache.OnReload(h.broadcastState)
	return h
}

// Run serves registrations until ctx is cancelled, then disconnects every
// remaining client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case <-ctx.Done():
			h.mu.Lock()
			for id, c := range h.clients {
				delete(h.clients, id)
				c.close()
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.close()
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Wait blocks until every client session has ended or ctx is done.
func (h *Hub) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len is the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client.ConnID] = client
	h.mu.Unlock()

	if msg := h.stateMessage(); msg != nil {
		client.Send(msg)
	}

	h.logger.Info("device connected", "user", client.UserID, "conn", client.ConnID)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.ConnID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.ConnID)
	h.mu.Unlock()
	client.close()

	h.logger.Info("device disconnected", "user", client.UserID, "conn", client.ConnID)
}

func (h *Hub) stateMessage() *Message {
	views := h.resolver.ViewAll(h.cache.Snapshot(), h.clock.Now())
	msg, err := newMessage(TypePresenceState, PresenceStatePayload{Presences: views})
	if err != nil {
		h.logger.Error("marshal presence state", "error", err)
		return nil
	}
	return msg
}

func (h *Hub) broadcastState() {
	if msg := h.stateMessage(); msg != nil {
		h.broadcast(msg)
	}
}

func (h *Hub) broadcastEvent(ev presence.Event) {
	var rec *presence.Record
	if ev.Type != presence.EventDelete {
		rec = &ev.Record
	}
	view := h.resolver.View(ev.Record.UserID, rec, h.clock.Now())

	msg, err := newMessage(TypePresenceUpdate, view)
	if err != nil {
		h.logger.Error("marshal presence update", "error", err)
		return
	}
	msg.UserID = ev.Record.UserID
	h.broadcast(msg)
}

func (h *Hub) broadcast(msg *Message) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Send(msg)
	}
}
