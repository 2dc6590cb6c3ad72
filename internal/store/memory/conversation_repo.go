package memory

import (
	"context"
	"sort"
	"time"

	"chatcore/internal/domain"
)

type ConversationRepo struct {
	db *DB
}

func NewConversationRepo(db *DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

func (r *ConversationRepo) Create(ctx context.Context, c *domain.Conversation, participants []*domain.Participant) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, ok := r.db.conversations[c.ID]; ok {
		return domain.ErrConflict
	}
	if c.DirectKey != nil {
		if _, ok := r.db.directKeys[*c.DirectKey]; ok {
			return domain.ErrConflict
		}
		r.db.directKeys[*c.DirectKey] = c.ID
	}
	r.db.conversations[c.ID] = copyConversation(c)

	members := make(map[string]*domain.Participant, len(participants))
	for _, p := range participants {
		members[p.UserID] = copyParticipant(p)
	}
	r.db.participants[c.ID] = members
	return nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	c, ok := r.db.conversations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyConversation(c), nil
}

func (r *ConversationRepo) FindByDirectKey(ctx context.Context, key string) (*domain.Conversation, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	id, ok := r.db.directKeys[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyConversation(r.db.conversations[id]), nil
}

func (r *ConversationRepo) ListForUser(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	var res []*domain.Conversation
	for convID, members := range r.db.participants {
		if _, ok := members[userID]; !ok {
			continue
		}
		res = append(res, copyConversation(r.db.conversations[convID]))
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].LastActivityAt.After(res[j].LastActivityAt)
	})
	return res, nil
}

func (r *ConversationRepo) TouchActivity(ctx context.Context, id, messageID string, seq int64, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	c, ok := r.db.conversations[id]
	if !ok {
		return domain.ErrNotFound
	}
	if seq > c.LastMessageSeq {
		mid := messageID
		c.LastMessageID = &mid
		c.LastMessageSeq = seq
	}
	if at.After(c.LastActivityAt) {
		c.LastActivityAt = at
	}
	return nil
}

func (r *ConversationRepo) SetFlags(ctx context.Context, id string, archived, muted *bool) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	c, ok := r.db.conversations[id]
	if !ok {
		return domain.ErrNotFound
	}
	if archived != nil {
		c.Archived = *archived
	}
	if muted != nil {
		c.Muted = *muted
	}
	return nil
}
