package domain

import (
	"context"
	"time"
)

// ConversationRepository defines persistence operations for conversations.
type ConversationRepository interface {
	// Create inserts the conversation together with its initial participants.
	// Returns ErrConflict if a direct conversation with the same key exists.
	Create(ctx context.Context, c *Conversation, participants []*Participant) error
	GetByID(ctx context.Context, id string) (*Conversation, error)
	FindByDirectKey(ctx context.Context, key string) (*Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]*Conversation, error)
	// TouchActivity moves the last-message pointer forward only when seq is
	// greater than the stored one; lastActivityAt never decreases.
	TouchActivity(ctx context.Context, id, messageID string, seq int64, at time.Time) error
	SetFlags(ctx context.Context, id string, archived, muted *bool) error
}

// ParticipantRepository defines operations around conversation participants.
type ParticipantRepository interface {
	Add(ctx context.Context, p *Participant) error
	Get(ctx context.Context, conversationID, userID string) (*Participant, error)
	List(ctx context.Context, conversationID string) ([]*Participant, error)
	// MarkLeft sets left_at once; a second call is a no-op.
	MarkLeft(ctx context.Context, conversationID, userID string, at time.Time) error
	SetRole(ctx context.Context, conversationID, userID string, role Role) error
	// AdvanceReadCursor moves the read cursor to seq if it is greater than the
	// current one and the participant is still active. Reports whether it moved.
	AdvanceReadCursor(ctx context.Context, conversationID, userID, messageID string, seq int64, at time.Time) (bool, error)
}

// MessageRepository defines persistence operations for messages.
type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id string) (*Message, error)
	MaxSeq(ctx context.Context, conversationID string) (int64, error)
	// ListRange returns messages with afterSeq < seq <= uptoSeq ordered by seq,
	// at most limit of them. uptoSeq <= 0 means unbounded.
	ListRange(ctx context.Context, conversationID string, afterSeq, uptoSeq int64, limit int) ([]*Message, error)
	UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
	// AddDelivered records a delivery entry if none exists yet.
	AddDelivered(ctx context.Context, messageID, userID string, at time.Time) (bool, error)
	// AddRead records a read entry, synthesizing the delivery entry at the
	// same instant when absent. Existing read entries are kept.
	AddRead(ctx context.Context, messageID, userID string, at time.Time) (bool, error)
	CountUnread(ctx context.Context, conversationID, userID string, afterSeq int64) (int, error)
}

// CallRepository persists call sessions and their participant mapping.
type CallRepository interface {
	Create(ctx context.Context, c *CallSession) error
	Update(ctx context.Context, c *CallSession) error
	GetByID(ctx context.Context, id string) (*CallSession, error)
	// FindOpen returns the non-terminal call of a conversation, or ErrNotFound.
	FindOpen(ctx context.Context, conversationID string) (*CallSession, error)
}
