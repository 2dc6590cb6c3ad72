package memory

import (
	"context"
	"sort"
	"time"

	"chatcore/internal/domain"
)

type ParticipantRepo struct {
	db *DB
}

func NewParticipantRepo(db *DB) *ParticipantRepo {
	return &ParticipantRepo{db: db}
}

var _ domain.ParticipantRepository = (*ParticipantRepo)(nil)

func (r *ParticipantRepo) Add(ctx context.Context, p *domain.Participant) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	members, ok := r.db.participants[p.ConversationID]
	if !ok {
		return domain.ErrNotFound
	}
	if _, exists := members[p.UserID]; exists {
		return domain.ErrConflict
	}
	members[p.UserID] = copyParticipant(p)
	return nil
}

func (r *ParticipantRepo) Get(ctx context.Context, conversationID, userID string) (*domain.Participant, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	p, ok := r.db.participants[conversationID][userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyParticipant(p), nil
}

func (r *ParticipantRepo) List(ctx context.Context, conversationID string) ([]*domain.Participant, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	members := r.db.participants[conversationID]
	res := make([]*domain.Participant, 0, len(members))
	for _, p := range members {
		res = append(res, copyParticipant(p))
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].JoinedAt.Equal(res[j].JoinedAt) {
			return res[i].UserID < res[j].UserID
		}
		return res[i].JoinedAt.Before(res[j].JoinedAt)
	})
	return res, nil
}

func (r *ParticipantRepo) MarkLeft(ctx context.Context, conversationID, userID string, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	p, ok := r.db.participants[conversationID][userID]
	if !ok {
		return domain.ErrNotFound
	}
	if p.LeftAt == nil {
		t := at
		p.LeftAt = &t
	}
	return nil
}

func (r *ParticipantRepo) SetRole(ctx context.Context, conversationID, userID string, role domain.Role) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	p, ok := r.db.participants[conversationID][userID]
	if !ok {
		return domain.ErrNotFound
	}
	p.Role = role
	return nil
}

func (r *ParticipantRepo) AdvanceReadCursor(ctx context.Context, conversationID, userID, messageID string, seq int64, at time.Time) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	p, ok := r.db.participants[conversationID][userID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.LeftAt != nil || seq <= p.LastReadSeq {
		return false, nil
	}
	mid := messageID
	t := at
	p.LastReadMessageID = &mid
	p.LastReadSeq = seq
	p.LastReadAt = &t
	return true, nil
}
