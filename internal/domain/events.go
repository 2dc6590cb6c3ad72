package domain

import "time"

// EventType names a real-time event pushed to subscribers.
type EventType string

const (
	EventMessageNew       EventType = "message.new"
	EventMessageEdited    EventType = "message.edited"
	EventMessageDeleted   EventType = "message.deleted"
	EventReceiptDelivered EventType = "receipt.delivered"
	EventReceiptRead      EventType = "receipt.read"
	EventCallStateChanged EventType = "call.state_changed"
	EventTyping           EventType = "typing"
	EventCallSignal       EventType = "call.signal"
)

// Event is the envelope fanned out to live connections.
//
// message.new events carry the message sequence in Seq; every other event
// carries an EventID that increases per conversation on the node named by
// Origin (empty for the local node). Receivers drop anything at or below the
// last value they applied, per conversation for Seq and per (conversation,
// origin) for EventID.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq,omitempty"`
	EventID        int64     `json:"event_id,omitempty"`
	Origin         string    `json:"origin,omitempty"`
	Payload        any       `json:"payload,omitempty"`
}

// Ordered reports whether the event is deduplicated by message sequence.
func (e *Event) Ordered() bool {
	return e.Type == EventMessageNew
}

// ReceiptPayload is carried by receipt.delivered and receipt.read events.
type ReceiptPayload struct {
	MessageID   string    `json:"message_id"`
	Seq         int64     `json:"seq"`
	UserID      string    `json:"user_id"`
	At          time.Time `json:"at"`
	LastReadSeq int64     `json:"last_read_seq,omitempty"`
}

// TypingPayload is carried by typing events.
type TypingPayload struct {
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}
