package ws

import (
	"context"
	"log"
	"sync"

	"chatcore/internal/domain"
)

// sender is the write side of a connection. *websocket.Conn satisfies it.
type sender interface {
	WriteJSON(v any) error
	Close() error
}

// eventKey scopes event-id dedup to the node that stamped the id.
type eventKey struct {
	conversationID string
	origin         string
}

// Client is one live connection. Writes go through a bounded queue drained
// by a single goroutine, so the per-connection order is the enqueue order.
type Client struct {
	ID     string
	UserID string

	conn      sender
	send      chan any
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	lastSeq   map[string]int64
	lastEvent map[eventKey]int64
	syncing   map[string][]*domain.Event
	refill    func(conversationID string)
}

func NewClient(id, userID string, conn sender, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		ID:        id,
		UserID:    userID,
		conn:      conn,
		send:      make(chan any, buffer),
		done:      make(chan struct{}),
		lastSeq:   make(map[string]int64),
		lastEvent: make(map[eventKey]int64),
		syncing:   make(map[string][]*domain.Event),
	}
}

// WritePump drains the queue until the client is closed or a write fails.
func (c *Client) WritePump() {
	for {
		select {
		case v := <-c.send:
			if err := c.conn.WriteJSON(v); err != nil {
				log.Printf("ws: write to %s: %v", c.ID, err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close stops the writer and closes the underlying connection. Safe to call
// more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// SetRefill installs the hook run when a live message arrives past a gap in
// the conversation's sequence. The hook must eventually call EndSync for the
// conversation; until then live events for it are held back.
func (c *Client) SetRefill(fn func(conversationID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refill = fn
}

// Send queues a raw frame, bypassing deduplication.
func (c *Client) Send(v any) error {
	select {
	case <-c.done:
		return domain.ErrDeliveryFailed
	default:
	}
	select {
	case c.send <- v:
		return nil
	default:
		return domain.ErrDeliveryFailed
	}
}

// Deliver queues ev unless it was already applied for its conversation.
// While a catch-up is in progress for the conversation the event is held
// back and replayed by EndSync.
func (c *Client) Deliver(ev *domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv := ev.ConversationID
	if buf, ok := c.syncing[conv]; ok {
		if len(buf) >= cap(c.send) {
			return domain.ErrDeliveryFailed
		}
		c.syncing[conv] = append(buf, ev)
		return nil
	}
	if !c.fresh(ev) {
		return nil
	}
	if ev.Ordered() && c.refill != nil && ev.Seq > c.lastSeq[conv]+1 {
		c.syncing[conv] = []*domain.Event{ev}
		go c.refill(conv)
		return nil
	}
	if err := c.Send(ev); err != nil {
		return err
	}
	c.record(ev)
	return nil
}

// BeginSync starts holding back live events for the conversation and
// rewinds its message cursor to afterSeq, the last sequence the peer has.
func (c *Client) BeginSync(conversationID string, afterSeq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.syncing[conversationID]; !ok {
		c.syncing[conversationID] = []*domain.Event{}
	}
	c.lastSeq[conversationID] = afterSeq
}

// LastSeq is the highest message sequence queued for the conversation.
func (c *Client) LastSeq(conversationID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastSeq[conversationID]
}

// Replay queues one catch-up event, waiting for room in the queue. Only the
// goroutine that called BeginSync for the conversation may replay into it;
// live events for it are held back meanwhile, so nothing else moves its
// cursor. A failed replay closes the client.
func (c *Client) Replay(ctx context.Context, ev *domain.Event) error {
	c.mu.Lock()
	fresh := c.fresh(ev)
	c.mu.Unlock()
	if !fresh {
		return nil
	}

	select {
	case c.send <- ev:
	case <-c.done:
		return domain.ErrDeliveryFailed
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}

	c.mu.Lock()
	c.record(ev)
	c.mu.Unlock()
	return nil
}

// EndSync queues the events held back since BeginSync, dropping anything
// already replayed, and resumes live delivery. If the queue overflows the
// client is closed; it recovers by reconnecting.
func (c *Client) EndSync(conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	held := c.syncing[conversationID]
	delete(c.syncing, conversationID)

	for _, ev := range held {
		if !c.fresh(ev) {
			continue
		}
		if err := c.Send(ev); err != nil {
			c.Close()
			return err
		}
		c.record(ev)
	}
	return nil
}

// Forget drops dedup state for a conversation the client left.
func (c *Client) Forget(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.lastSeq, conversationID)
	for k := range c.lastEvent {
		if k.conversationID == conversationID {
			delete(c.lastEvent, k)
		}
	}
	delete(c.syncing, conversationID)
}

// fresh reports whether ev is past what was already queued. The caller
// holds c.mu.
func (c *Client) fresh(ev *domain.Event) bool {
	if ev.Ordered() {
		return ev.Seq > c.lastSeq[ev.ConversationID]
	}
	if ev.EventID == 0 {
		return true
	}
	return ev.EventID > c.lastEvent[eventKey{ev.ConversationID, ev.Origin}]
}

// record marks ev as queued. The caller holds c.mu.
func (c *Client) record(ev *domain.Event) {
	if ev.Ordered() {
		c.lastSeq[ev.ConversationID] = ev.Seq
		return
	}
	if ev.EventID != 0 {
		c.lastEvent[eventKey{ev.ConversationID, ev.Origin}] = ev.EventID
	}
}
