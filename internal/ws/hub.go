package ws

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"chatcore/internal/domain"
)

// Relay forwards events to hubs on other nodes.
type Relay interface {
	Forward(conversationID string, ev *domain.Event)
	ForwardUser(userID string, payload any)
}

// Hub tracks live connections per conversation and per user and fans
// events out to them. A user is online in a conversation while at least one
// of their connections is subscribed to it.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	byUser  map[string]map[string]*Client
	subs    map[string]map[string]map[string]*Client // conversation -> user -> conn
	joined  map[string]map[string]struct{}           // conn -> conversations

	// orderMu serializes event-id stamping and enqueueing per conversation
	orderMu sync.Mutex
	order   map[string]*sync.Mutex

	eventID atomic.Int64
	relay   Relay
}

func NewHub() *Hub {
	h := &Hub{
		clients: make(map[string]*Client),
		byUser:  make(map[string]map[string]*Client),
		subs:    make(map[string]map[string]map[string]*Client),
		joined:  make(map[string]map[string]struct{}),
		order:   make(map[string]*sync.Mutex),
	}
	// event ids stay increasing across restarts
	h.eventID.Store(time.Now().UnixMicro())
	return h
}

// SetRelay enables cross-node fan-out. Call before serving traffic.
func (h *Hub) SetRelay(r Relay) {
	h.relay = r
}

// Register adds a connection for its user.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c.ID] = c
	if h.byUser[c.UserID] == nil {
		h.byUser[c.UserID] = make(map[string]*Client)
	}
	h.byUser[c.UserID][c.ID] = c
	h.joined[c.ID] = make(map[string]struct{})
}

// Subscribe routes the conversation's events to the connection.
func (h *Hub) Subscribe(conversationID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	users := h.subs[conversationID]
	if users == nil {
		users = make(map[string]map[string]*Client)
		h.subs[conversationID] = users
	}
	if users[c.UserID] == nil {
		users[c.UserID] = make(map[string]*Client)
	}
	users[c.UserID][c.ID] = c
	h.joined[c.ID][conversationID] = struct{}{}
}

// Leave stops routing one conversation to the connection.
func (h *Hub) Leave(conversationID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return
	}
	h.removeSub(conversationID, c)
	c.Forget(conversationID)
}

// Unsubscribe removes the connection from every conversation and from the
// hub. The user stays a participant; they are only offline.
func (h *Hub) Unsubscribe(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return
	}
	for conv := range h.joined[connID] {
		h.removeSub(conv, c)
	}
	delete(h.joined, connID)
	delete(h.clients, connID)
	if conns := h.byUser[c.UserID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.byUser, c.UserID)
		}
	}
}

// removeSub expects h.mu held for writing.
func (h *Hub) removeSub(conversationID string, c *Client) {
	delete(h.joined[c.ID], conversationID)
	users := h.subs[conversationID]
	if users == nil {
		return
	}
	if conns := users[c.UserID]; conns != nil {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(users, c.UserID)
		}
	}
	if len(users) == 0 {
		delete(h.subs, conversationID)
	}
}

// Evict drops every subscription a removed participant holds on the
// conversation.
func (h *Hub) Evict(conversationID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	users := h.subs[conversationID]
	if users == nil {
		return
	}
	for _, c := range users[userID] {
		delete(h.joined[c.ID], conversationID)
		c.Forget(conversationID)
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(h.subs, conversationID)
	}
}

// Publish stamps non-message events with the next event id, delivers ev to
// local subscribers and hands it to the relay. Stamping and enqueueing happen
// under the conversation's order lock, so every connection sees a
// conversation's event ids in increasing order. It never blocks on a
// connection.
func (h *Hub) Publish(conversationID string, ev *domain.Event) {
	if ev.ConversationID == "" {
		ev.ConversationID = conversationID
	}

	l := h.orderLock(conversationID)
	l.Lock()
	defer l.Unlock()

	if !ev.Ordered() && ev.EventID == 0 {
		ev.EventID = h.eventID.Add(1)
	}
	h.deliverLocal(conversationID, ev)
	if h.relay != nil {
		h.relay.Forward(conversationID, ev)
	}
}

// deliverRemote fans out an event stamped by another node. Its id is only
// compared with ids from the same origin.
func (h *Hub) deliverRemote(origin, conversationID string, ev *domain.Event) {
	ev.Origin = origin
	if ev.ConversationID == "" {
		ev.ConversationID = conversationID
	}

	l := h.orderLock(conversationID)
	l.Lock()
	defer l.Unlock()

	h.deliverLocal(conversationID, ev)
}

func (h *Hub) orderLock(conversationID string) *sync.Mutex {
	h.orderMu.Lock()
	defer h.orderMu.Unlock()

	l, ok := h.order[conversationID]
	if !ok {
		l = &sync.Mutex{}
		h.order[conversationID] = l
	}
	return l
}

// deliverLocal fans ev out on this node. A connection whose queue is full or
// closed is logged and dropped; it recovers by reconnecting and catching up.
// The caller holds the conversation's order lock.
func (h *Hub) deliverLocal(conversationID string, ev *domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conns := range h.subs[conversationID] {
		for _, c := range conns {
			if err := c.Deliver(ev); err != nil {
				log.Printf("ws: %s to %s (user %s): %v", ev.Type, c.ID, c.UserID, err)
				c.Close()
			}
		}
	}
}

// SendToUser queues payload on every connection of the user, on this node
// and, through the relay, on others.
func (h *Hub) SendToUser(userID string, payload any) {
	h.sendLocal(userID, payload)
	if h.relay != nil {
		h.relay.ForwardUser(userID, payload)
	}
}

func (h *Hub) sendLocal(userID string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.byUser[userID] {
		if err := c.Send(payload); err != nil {
			log.Printf("ws: send to %s (user %s): %v", c.ID, userID, err)
			c.Close()
		}
	}
}

// OnlineUsers lists users with at least one connection subscribed to the
// conversation on this node.
func (h *Hub) OnlineUsers(conversationID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := h.subs[conversationID]
	res := make([]string, 0, len(users))
	for id := range users {
		res = append(res, id)
	}
	return res
}

func (h *Hub) IsOnline(conversationID, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs[conversationID][userID]) > 0
}

// Connections returns the number of registered connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}
