package memory

import (
	"context"
	"sort"
	"time"

	"chatcore/internal/domain"
)

type MessageRepo struct {
	db *DB
}

func NewMessageRepo(db *DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

func (r *MessageRepo) Create(ctx context.Context, m *domain.Message) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, ok := r.db.messages[m.ID]; ok {
		return domain.ErrConflict
	}
	ids := r.db.byConv[m.ConversationID]
	if n := len(ids); n > 0 && r.db.messages[ids[n-1]].Seq >= m.Seq {
		// (conversation_id, seq) is unique and strictly increasing.
		return domain.ErrConflict
	}
	r.db.messages[m.ID] = copyMessage(m)
	r.db.byConv[m.ConversationID] = append(ids, m.ID)
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	m, ok := r.db.messages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyMessage(m), nil
}

func (r *MessageRepo) MaxSeq(ctx context.Context, conversationID string) (int64, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	ids := r.db.byConv[conversationID]
	if len(ids) == 0 {
		return 0, nil
	}
	return r.db.messages[ids[len(ids)-1]].Seq, nil
}

func (r *MessageRepo) ListRange(ctx context.Context, conversationID string, afterSeq, uptoSeq int64, limit int) ([]*domain.Message, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	ids := r.db.byConv[conversationID]
	start := sort.Search(len(ids), func(i int) bool {
		return r.db.messages[ids[i]].Seq > afterSeq
	})

	var res []*domain.Message
	for _, id := range ids[start:] {
		m := r.db.messages[id]
		if uptoSeq > 0 && m.Seq > uptoSeq {
			break
		}
		if limit > 0 && len(res) >= limit {
			break
		}
		res = append(res, copyMessage(m))
	}
	return res, nil
}

func (r *MessageRepo) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	m, ok := r.db.messages[id]
	if !ok {
		return domain.ErrNotFound
	}
	if m.DeletedAt != nil {
		return domain.ErrAlreadyDeleted
	}
	t := editedAt
	m.Content = content
	m.EditedAt = &t
	return nil
}

func (r *MessageRepo) SoftDelete(ctx context.Context, id string, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	m, ok := r.db.messages[id]
	if !ok {
		return domain.ErrNotFound
	}
	if m.DeletedAt != nil {
		return domain.ErrAlreadyDeleted
	}
	t := at
	m.DeletedAt = &t
	m.Content = ""
	return nil
}

func (r *MessageRepo) AddDelivered(ctx context.Context, messageID, userID string, at time.Time) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	m, ok := r.db.messages[messageID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if _, exists := m.DeliveredTo[userID]; exists {
		return false, nil
	}
	if m.DeliveredTo == nil {
		m.DeliveredTo = make(map[string]time.Time)
	}
	m.DeliveredTo[userID] = at
	return true, nil
}

func (r *MessageRepo) AddRead(ctx context.Context, messageID, userID string, at time.Time) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	m, ok := r.db.messages[messageID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if _, exists := m.ReadBy[userID]; exists {
		return false, nil
	}
	if m.DeliveredTo == nil {
		m.DeliveredTo = make(map[string]time.Time)
	}
	if m.ReadBy == nil {
		m.ReadBy = make(map[string]time.Time)
	}
	if d, delivered := m.DeliveredTo[userID]; !delivered {
		m.DeliveredTo[userID] = at
	} else if d.After(at) {
		at = d
	}
	m.ReadBy[userID] = at
	return true, nil
}

func (r *MessageRepo) CountUnread(ctx context.Context, conversationID, userID string, afterSeq int64) (int, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()

	count := 0
	for _, id := range r.db.byConv[conversationID] {
		m := r.db.messages[id]
		if m.Seq <= afterSeq || m.SenderID == userID || m.DeletedAt != nil {
			continue
		}
		count++
	}
	return count, nil
}
