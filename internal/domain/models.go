package domain

import "time"

// ConversationKind distinguishes one-to-one from multi-party conversations.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

func (k ConversationKind) Valid() bool {
	return k == KindDirect || k == KindGroup
}

// Role of a participant inside a conversation.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleMember
}

// Conversation represents a chat conversation (direct or group).
type Conversation struct {
	ID             string           `db:"id" json:"id"`
	Kind           ConversationKind `db:"kind" json:"kind"`
	Name           *string          `db:"name" json:"name,omitempty"`
	CreatedBy      string           `db:"created_by" json:"created_by"`
	DirectKey      *string          `db:"direct_key" json:"-"`
	LastMessageID  *string          `db:"last_message_id" json:"last_message_id,omitempty"`
	LastMessageSeq int64            `db:"last_message_seq" json:"last_message_seq"`
	LastActivityAt time.Time        `db:"last_activity_at" json:"last_activity_at"`
	Archived       bool             `db:"archived" json:"archived"`
	Muted          bool             `db:"muted" json:"muted"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`

	// Populated by the service layer, not stored on the row.
	ParticipantIDs []string `json:"participant_ids"`
	AdminIDs       []string `json:"admin_ids"`
}

// Participant represents the membership of a user in a conversation.
type Participant struct {
	ConversationID    string     `db:"conversation_id" json:"conversation_id"`
	UserID            string     `db:"user_id" json:"user_id"`
	Role              Role       `db:"role" json:"role"`
	JoinedAt          time.Time  `db:"joined_at" json:"joined_at"`
	LeftAt            *time.Time `db:"left_at" json:"left_at,omitempty"`
	LastReadMessageID *string    `db:"last_read_message_id" json:"last_read_message_id,omitempty"`
	LastReadSeq       int64      `db:"last_read_seq" json:"last_read_seq"`
	LastReadAt        *time.Time `db:"last_read_at" json:"last_read_at,omitempty"`
}

// Active reports whether the participant has not left the conversation.
func (p *Participant) Active() bool {
	return p != nil && p.LeftAt == nil
}

// MessageType is the payload kind carried by a message.
type MessageType string

const (
	MessageText      MessageType = "text"
	MessageImage     MessageType = "image"
	MessageVideo     MessageType = "video"
	MessageAudio     MessageType = "audio"
	MessageFile      MessageType = "file"
	MessageLocation  MessageType = "location"
	MessageContact   MessageType = "contact"
	MessageCallEvent MessageType = "call_event"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageAudio,
		MessageFile, MessageLocation, MessageContact, MessageCallEvent:
		return true
	}
	return false
}

// HasMedia reports whether messages of this type are expected to reference
// a pre-uploaded file.
func (t MessageType) HasMedia() bool {
	switch t {
	case MessageImage, MessageVideo, MessageAudio, MessageFile:
		return true
	}
	return false
}

// Attachment references a file already uploaded and validated elsewhere.
type Attachment struct {
	FileURL      string  `json:"file_url"`
	FileType     string  `json:"file_type"`
	FileSize     int64   `json:"file_size"`
	ThumbnailURL *string `json:"thumbnail_url,omitempty"`
}

// Message is an immutable envelope (identity, order, sender) plus a mutable
// content cell and append-only receipt maps.
type Message struct {
	ID              string      `db:"id"`
	ConversationID  string      `db:"conversation_id"`
	Seq             int64       `db:"seq"`
	SenderID        string      `db:"sender_id"`
	Type            MessageType `db:"type"`
	ReplyToID       *string     `db:"reply_to_id"`
	ForwardedFromID *string     `db:"forwarded_from_id"`
	Attachment      *Attachment
	CreatedAt       time.Time `db:"created_at"`

	Content   string     `db:"content"` // encrypted at rest
	EditedAt  *time.Time `db:"edited_at"`
	DeletedAt *time.Time `db:"deleted_at"`

	DeliveredTo map[string]time.Time
	ReadBy      map[string]time.Time
}

// Deleted reports whether the message was soft-deleted.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// Receipt is a single delivery/read bookkeeping row.
type Receipt struct {
	MessageID   string     `db:"message_id"`
	UserID      string     `db:"user_id"`
	DeliveredAt time.Time  `db:"delivered_at"`
	ReadAt      *time.Time `db:"read_at"`
}

// CallType is the media kind of a call.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallAudio || t == CallVideo
}

// CallStatus is the conversation-level status of a call session.
type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallRinging   CallStatus = "ringing"
	CallActive    CallStatus = "active"
	CallEnded     CallStatus = "ended"
	CallMissed    CallStatus = "missed"
)

// Terminal reports whether no further transitions are possible.
func (s CallStatus) Terminal() bool {
	return s == CallEnded || s == CallMissed
}

// InviteeStatus is the per-participant status inside a call.
type InviteeStatus string

const (
	InviteeInvited  InviteeStatus = "invited"
	InviteeRinging  InviteeStatus = "ringing"
	InviteeJoined   InviteeStatus = "joined"
	InviteeDeclined InviteeStatus = "declined"
	InviteeLeft     InviteeStatus = "left"
)

// Pending reports whether the invitee has not answered yet.
func (s InviteeStatus) Pending() bool {
	return s == InviteeInvited || s == InviteeRinging
}

// DeclineReason distinguishes explicit declines from automatic ones.
type DeclineReason string

const (
	ReasonDeclined    DeclineReason = "declined"
	ReasonTimeout     DeclineReason = "timeout"
	ReasonCancelled   DeclineReason = "cancelled"
	ReasonUnreachable DeclineReason = "unreachable"
	ReasonEnded       DeclineReason = "ended"
	ReasonAnswered    DeclineReason = "answered"
)

// CallParticipant is one entry of the call's participant mapping.
type CallParticipant struct {
	UserID      string        `json:"user_id"`
	Status      InviteeStatus `json:"status"`
	Reason      DeclineReason `json:"reason,omitempty"`
	RespondedAt *time.Time    `json:"responded_at,omitempty"`
}

// CallSession tracks a voice/video call from invitation to termination.
type CallSession struct {
	ID              string                      `json:"id"`
	ConversationID  string                      `json:"conversation_id"`
	InitiatorID     string                      `json:"initiator_id"`
	CallType        CallType                    `json:"call_type"`
	Status          CallStatus                  `json:"status"`
	Participants    map[string]*CallParticipant `json:"participants"`
	CreatedAt       time.Time                   `json:"created_at"`
	StartTime       *time.Time                  `json:"start_time,omitempty"`
	EndTime         *time.Time                  `json:"end_time,omitempty"`
	DurationSeconds int64                       `json:"duration_seconds"`
}

// Clone returns a deep copy safe to hand out while the original keeps mutating.
func (c *CallSession) Clone() *CallSession {
	cp := *c
	cp.Participants = make(map[string]*CallParticipant, len(c.Participants))
	for id, p := range c.Participants {
		pc := *p
		cp.Participants[id] = &pc
	}
	return &cp
}
