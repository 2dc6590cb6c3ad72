package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"time"

	"chatcore/internal/domain"
	"chatcore/internal/security"
)

const (
	maxContentRunes = 5000
	fetchPageSize   = 100
	readBatchSize   = 500
	seqRetries      = 3
)

// MessageService is the append-only message log: it assigns per-conversation
// order, tracks receipts and publishes every change to live subscribers.
type MessageService struct {
	convs     *ConversationService
	messages  domain.MessageRepository
	encryptor *security.Encryptor
	publisher Publisher
	notifier  OfflineNotifier
	locks     *LockArena
	now       func() time.Time

	MaxFetchLimit         int
	RejectPostsToArchived bool
}

func NewMessageService(
	convs *ConversationService,
	messages domain.MessageRepository,
	encryptor *security.Encryptor,
	publisher Publisher,
	notifier OfflineNotifier,
	locks *LockArena,
	maxFetchLimit int,
) *MessageService {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &MessageService{
		convs:         convs,
		messages:      messages,
		encryptor:     encryptor,
		publisher:     publisher,
		notifier:      notifier,
		locks:         locks,
		now:           func() time.Time { return time.Now().UTC() },
		MaxFetchLimit: maxFetchLimit,
	}
}

type AppendInput struct {
	ConversationID  string
	SenderID        string
	Type            domain.MessageType
	Content         string
	ReplyToID       *string
	ForwardedFromID *string
	Attachment      *domain.Attachment
}

// Append validates and stores a new message, assigning the next sequence
// number of its conversation, and fans it out.
func (s *MessageService) Append(ctx context.Context, in AppendInput) (*MessageView, error) {
	if in.Type == "" {
		in.Type = domain.MessageText
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %q", domain.ErrInvalidInput, in.Type)
	}
	if len([]rune(in.Content)) > maxContentRunes {
		return nil, fmt.Errorf("%w: message content exceeds %d characters", domain.ErrInvalidInput, maxContentRunes)
	}
	if in.Type.HasMedia() && (in.Attachment == nil || in.Attachment.FileURL == "") {
		return nil, fmt.Errorf("%w: %s messages need a file reference", domain.ErrInvalidInput, in.Type)
	}
	if in.Content == "" && in.Attachment == nil {
		return nil, fmt.Errorf("%w: message content cannot be empty", domain.ErrInvalidInput)
	}

	conv, err := s.convs.conversations.GetByID(ctx, in.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv.Archived && s.RejectPostsToArchived {
		return nil, domain.ErrConversationArchived
	}
	if _, err := s.convs.RequireActive(ctx, in.ConversationID, in.SenderID); err != nil {
		return nil, err
	}
	if in.ReplyToID != nil {
		parent, err := s.messages.GetByID(ctx, *in.ReplyToID)
		if err != nil || parent.ConversationID != in.ConversationID {
			return nil, fmt.Errorf("%w: reply target not in this conversation", domain.ErrInvalidInput)
		}
	}

	encrypted, err := s.encryptor.Encrypt(in.Content)
	if err != nil {
		return nil, fmt.Errorf("encrypt content: %w", err)
	}

	msg := &domain.Message{
		ID:              newID(),
		ConversationID:  in.ConversationID,
		SenderID:        in.SenderID,
		Type:            in.Type,
		ReplyToID:       in.ReplyToID,
		ForwardedFromID: in.ForwardedFromID,
		Attachment:      in.Attachment,
		Content:         encrypted,
		DeliveredTo:     map[string]time.Time{},
		ReadBy:          map[string]time.Time{},
	}

	view, err := s.appendLocked(ctx, msg)
	if err != nil {
		return nil, err
	}

	if err := s.convs.TouchActivity(ctx, msg.ConversationID, msg.ID, msg.Seq, msg.CreatedAt); err != nil {
		log.Printf("messages: touch activity %s: %v", msg.ConversationID, err)
	}
	s.notifyOffline(ctx, msg.ConversationID, msg.SenderID, &domain.Event{
		Type:           domain.EventMessageNew,
		ConversationID: msg.ConversationID,
		Seq:            msg.Seq,
		Payload:        view,
	})
	return view, nil
}

// appendLocked is the single-writer section: sequence assignment, insert and
// enqueueing the message.new event happen under the conversation lock so
// every connection observes the same order.
func (s *MessageService) appendLocked(ctx context.Context, msg *domain.Message) (*MessageView, error) {
	l := s.locks.get(msg.ConversationID)
	l.mu.Lock()
	defer l.mu.Unlock()

	// Another node sharing the store may have taken the cached sequence; a
	// conflict reloads it from storage.
	for attempt := 0; ; attempt++ {
		seq, err := l.nextSeq(ctx, s.messages, msg.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("next seq: %w", err)
		}
		msg.Seq = seq
		msg.CreatedAt = s.now()

		err = s.messages.Create(ctx, msg)
		if err == nil {
			l.commit(seq)
			break
		}
		l.reset()
		if !errors.Is(err, domain.ErrConflict) || attempt >= seqRetries {
			return nil, fmt.Errorf("create message: %w", err)
		}
	}

	view := s.toView(msg)
	s.publisher.Publish(msg.ConversationID, &domain.Event{
		Type:           domain.EventMessageNew,
		ConversationID: msg.ConversationID,
		Seq:            msg.Seq,
		Payload:        view,
	})
	return view, nil
}

// MarkDelivered records that userID's device received the message.
// Repeated calls have no further effect.
func (s *MessageService) MarkDelivered(ctx context.Context, messageID, userID string, at time.Time) error {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := s.convs.RequireActive(ctx, msg.ConversationID, userID); err != nil {
		return err
	}
	if msg.SenderID == userID {
		return nil
	}
	if at.IsZero() {
		at = s.now()
	}

	l := s.locks.get(msg.ConversationID)
	l.cursorMu.Lock()
	defer l.cursorMu.Unlock()

	added, err := s.messages.AddDelivered(ctx, messageID, userID, at)
	if err != nil {
		return err
	}
	if added {
		s.publisher.Publish(msg.ConversationID, &domain.Event{
			Type:           domain.EventReceiptDelivered,
			ConversationID: msg.ConversationID,
			Payload: domain.ReceiptPayload{
				MessageID: msg.ID,
				Seq:       msg.Seq,
				UserID:    userID,
				At:        at,
			},
		})
	}
	return nil
}

// MarkRead marks the message, and every earlier message not yet read by
// userID, as read; delivery is implied. The participant's read cursor only
// moves forward.
func (s *MessageService) MarkRead(ctx context.Context, messageID, userID string, at time.Time) error {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = s.now()
	}

	l := s.locks.get(msg.ConversationID)
	l.cursorMu.Lock()
	defer l.cursorMu.Unlock()

	p, err := s.convs.RequireActive(ctx, msg.ConversationID, userID)
	if err != nil {
		return err
	}

	var targets []*domain.Message
	if msg.Seq <= p.LastReadSeq {
		// receipts may have changed since the unlocked read above
		cur, err := s.messages.GetByID(ctx, messageID)
		if err != nil {
			return err
		}
		targets = []*domain.Message{cur}
	} else {
		after := p.LastReadSeq
		for {
			batch, err := s.messages.ListRange(ctx, msg.ConversationID, after, msg.Seq, readBatchSize)
			if err != nil {
				return fmt.Errorf("list unread range: %w", err)
			}
			targets = append(targets, batch...)
			if len(batch) < readBatchSize {
				break
			}
			after = batch[len(batch)-1].Seq
		}
	}

	for _, m := range targets {
		if m.SenderID == userID {
			continue
		}
		// a message is never read before it was delivered
		readAt := at
		if d, ok := m.DeliveredTo[userID]; ok && d.After(readAt) {
			readAt = d
		}
		if _, err := s.messages.AddRead(ctx, m.ID, userID, readAt); err != nil {
			return fmt.Errorf("add read %s: %w", m.ID, err)
		}
	}

	moved, err := s.convs.participants.AdvanceReadCursor(ctx, msg.ConversationID, userID, msg.ID, msg.Seq, at)
	if err != nil {
		return fmt.Errorf("advance read cursor: %w", err)
	}
	lastRead := p.LastReadSeq
	if moved {
		lastRead = msg.Seq
	}

	s.publisher.Publish(msg.ConversationID, &domain.Event{
		Type:           domain.EventReceiptRead,
		ConversationID: msg.ConversationID,
		Payload: domain.ReceiptPayload{
			MessageID:   msg.ID,
			Seq:         msg.Seq,
			UserID:      userID,
			At:          at,
			LastReadSeq: lastRead,
		},
	})
	return nil
}

// Edit replaces the content of a message. Only the sender may edit.
func (s *MessageService) Edit(ctx context.Context, messageID, editorID, newContent string) (*MessageView, error) {
	if newContent == "" {
		return nil, fmt.Errorf("%w: message content cannot be empty", domain.ErrInvalidInput)
	}
	if len([]rune(newContent)) > maxContentRunes {
		return nil, fmt.Errorf("%w: message content exceeds %d characters", domain.ErrInvalidInput, maxContentRunes)
	}

	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted() {
		return nil, domain.ErrAlreadyDeleted
	}
	if msg.SenderID != editorID || msg.Type == domain.MessageCallEvent {
		return nil, domain.ErrPermissionDenied
	}
	if _, err := s.convs.RequireActive(ctx, msg.ConversationID, editorID); err != nil {
		return nil, err
	}

	encrypted, err := s.encryptor.Encrypt(newContent)
	if err != nil {
		return nil, fmt.Errorf("encrypt content: %w", err)
	}
	editedAt := s.now()
	if err := s.messages.UpdateContent(ctx, messageID, encrypted, editedAt); err != nil {
		return nil, err
	}
	msg.Content = encrypted
	msg.EditedAt = &editedAt

	view := s.toView(msg)
	s.publisher.Publish(msg.ConversationID, &domain.Event{
		Type:           domain.EventMessageEdited,
		ConversationID: msg.ConversationID,
		Payload:        view,
	})
	return view, nil
}

// SoftDelete redacts a message while keeping its place in the log. The
// sender and conversation admins may delete.
func (s *MessageService) SoftDelete(ctx context.Context, messageID, requesterID string) (*MessageView, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted() {
		return nil, domain.ErrAlreadyDeleted
	}
	if msg.SenderID != requesterID {
		p, err := s.convs.RequireActive(ctx, msg.ConversationID, requesterID)
		if err != nil || p.Role != domain.RoleAdmin {
			return nil, domain.ErrPermissionDenied
		}
	}

	deletedAt := s.now()
	if err := s.messages.SoftDelete(ctx, messageID, deletedAt); err != nil {
		return nil, err
	}
	msg.Content = ""
	msg.DeletedAt = &deletedAt

	view := s.toView(msg)
	s.publisher.Publish(msg.ConversationID, &domain.Event{
		Type:           domain.EventMessageDeleted,
		ConversationID: msg.ConversationID,
		Payload:        view,
	})
	return view, nil
}

// Forward copies a message into another conversation the sender belongs to.
func (s *MessageService) Forward(ctx context.Context, messageID, targetConversationID, senderID string) (*MessageView, error) {
	src, err := s.Get(ctx, messageID, senderID)
	if err != nil {
		return nil, err
	}
	if src.IsDeleted {
		return nil, domain.ErrAlreadyDeleted
	}
	if src.Type == domain.MessageCallEvent {
		return nil, fmt.Errorf("%w: call events cannot be forwarded", domain.ErrInvalidInput)
	}
	return s.Append(ctx, AppendInput{
		ConversationID:  targetConversationID,
		SenderID:        senderID,
		Type:            src.Type,
		Content:         src.Content,
		ForwardedFromID: &src.ID,
		Attachment:      src.Attachment,
	})
}

// Get returns a single message to a current or former participant.
func (s *MessageService) Get(ctx context.Context, messageID, requesterID string) (*MessageView, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.convs.member(ctx, msg.ConversationID, requesterID); err != nil {
		return nil, err
	}
	return s.toView(msg), nil
}

// FetchSince returns a lazy sequence of the messages with seq > afterSeq in
// ascending order, at most limit of them (zero means MaxFetchLimit, negative
// means unbounded). Ranging over the sequence again restarts from afterSeq.
func (s *MessageService) FetchSince(
	ctx context.Context,
	conversationID, requesterID string,
	afterSeq int64,
	limit int,
) (iter.Seq2[*MessageView, error], error) {
	if _, err := s.convs.member(ctx, conversationID, requesterID); err != nil {
		return nil, err
	}
	if afterSeq < 0 {
		afterSeq = 0
	}
	if limit == 0 || (s.MaxFetchLimit > 0 && limit > s.MaxFetchLimit) {
		limit = s.MaxFetchLimit
	}
	if limit == 0 {
		limit = -1
	}

	return func(yield func(*MessageView, error) bool) {
		cursor := afterSeq
		remaining := limit
		for remaining != 0 {
			page := fetchPageSize
			if remaining > 0 && remaining < page {
				page = remaining
			}
			batch, err := s.messages.ListRange(ctx, conversationID, cursor, 0, page)
			if err != nil {
				yield(nil, fmt.Errorf("list messages: %w", err))
				return
			}
			for _, m := range batch {
				if !yield(s.toView(m), nil) {
					return
				}
				cursor = m.Seq
				if remaining > 0 {
					remaining--
				}
			}
			if len(batch) < page {
				return
			}
		}
	}, nil
}

// ListSince collects FetchSince into a slice.
func (s *MessageService) ListSince(ctx context.Context, conversationID, requesterID string, afterSeq int64, limit int) ([]*MessageView, error) {
	seq, err := s.FetchSince(ctx, conversationID, requesterID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	res := []*MessageView{}
	for m, err := range seq {
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

// AppendCallEvent journals a call transition into the conversation history.
func (s *MessageService) AppendCallEvent(ctx context.Context, conversationID, senderID, summary string) (*MessageView, error) {
	return s.Append(ctx, AppendInput{
		ConversationID: conversationID,
		SenderID:       senderID,
		Type:           domain.MessageCallEvent,
		Content:        summary,
	})
}

func (s *MessageService) notifyOffline(ctx context.Context, conversationID, senderID string, ev *domain.Event) {
	active, err := s.convs.ActiveParticipantIDs(ctx, conversationID)
	if err != nil {
		log.Printf("messages: list participants %s: %v", conversationID, err)
		return
	}
	online := make(map[string]struct{})
	for _, id := range s.publisher.OnlineUsers(conversationID) {
		online[id] = struct{}{}
	}
	var offline []string
	for _, id := range active {
		if id == senderID {
			continue
		}
		if _, ok := online[id]; !ok {
			offline = append(offline, id)
		}
	}
	s.notifier.NotifyOffline(ctx, offline, ev)
}

// MessageView is the externally visible projection of a message.
type MessageView struct {
	ID              string               `json:"id"`
	ConversationID  string               `json:"conversation_id"`
	Seq             int64                `json:"seq"`
	SenderID        string               `json:"sender_id"`
	Type            domain.MessageType   `json:"type"`
	Content         string               `json:"content"`
	ReplyToID       *string              `json:"reply_to_id,omitempty"`
	ForwardedFromID *string              `json:"forwarded_from_id,omitempty"`
	Attachment      *domain.Attachment   `json:"attachment,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	EditedAt        *time.Time           `json:"edited_at,omitempty"`
	DeletedAt       *time.Time           `json:"deleted_at,omitempty"`
	IsDeleted       bool                 `json:"is_deleted"`
	DeliveredTo     map[string]time.Time `json:"delivered_to"`
	ReadBy          map[string]time.Time `json:"read_by"`
}

// toView decrypts the content cell; deleted messages keep only metadata.
func (s *MessageService) toView(m *domain.Message) *MessageView {
	v := &MessageView{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		Seq:             m.Seq,
		SenderID:        m.SenderID,
		Type:            m.Type,
		ReplyToID:       m.ReplyToID,
		ForwardedFromID: m.ForwardedFromID,
		CreatedAt:       m.CreatedAt,
		EditedAt:        m.EditedAt,
		DeletedAt:       m.DeletedAt,
		IsDeleted:       m.Deleted(),
		DeliveredTo:     m.DeliveredTo,
		ReadBy:          m.ReadBy,
	}
	if v.DeliveredTo == nil {
		v.DeliveredTo = map[string]time.Time{}
	}
	if v.ReadBy == nil {
		v.ReadBy = map[string]time.Time{}
	}
	if v.IsDeleted {
		return v
	}
	v.Attachment = m.Attachment
	content, err := s.encryptor.Decrypt(m.Content)
	if err != nil {
		// fall back to the stored value so legacy plaintext rows stay readable
		log.Printf("messages: decrypt %s: %v", m.ID, err)
		content = m.Content
	}
	v.Content = content
	return v
}

