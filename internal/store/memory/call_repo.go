package memory

import (
	"context"

	"chatcore/internal/domain"
)

type CallRepo struct {
	db *DB
}

func NewCallRepo(db *DB) *CallRepo {
	return &CallRepo{db: db}
}

var _ domain.CallRepository = (*CallRepo)(nil)

func (r *CallRepo) Create(ctx context.Context, c *domain.CallSession) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, ok := r.db.calls[c.ID]; ok {
		return domain.ErrConflict
	}
	r.db.calls[c.ID] = c.Clone()
	return nil
}

func (r *CallRepo) Update(ctx context.Context, c *domain.CallSession) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, ok := r.db.calls[c.ID]; !ok {
		return domain.ErrNotFound
	}
	r.db.calls[c.ID] = c.Clone()
	return nil
}

func (r *CallRepo) GetByID(ctx context.Context, id string) (*domain.CallSession, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	c, ok := r.db.calls[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c.Clone(), nil
}

func (r *CallRepo) FindOpen(ctx context.Context, conversationID string) (*domain.CallSession, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	for _, c := range r.db.calls {
		if c.ConversationID == conversationID && !c.Status.Terminal() {
			return c.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}
