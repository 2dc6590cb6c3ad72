// Package memory is an in-process implementation of the repositories, used
// by tests and by DB_DRIVER=memory for local development.
package memory

import (
	"sync"
	"time"

	"chatcore/internal/domain"
)

// DB holds all tables behind a single mutex. Repositories hand out copies so
// callers never alias stored rows.
type DB struct {
	mu sync.RWMutex

	conversations map[string]*domain.Conversation
	directKeys    map[string]string
	participants  map[string]map[string]*domain.Participant // conversation -> user
	messages      map[string]*domain.Message
	byConv        map[string][]string // conversation -> message ids in seq order
	calls         map[string]*domain.CallSession
}

func New() *DB {
	return &DB{
		conversations: make(map[string]*domain.Conversation),
		directKeys:    make(map[string]string),
		participants:  make(map[string]map[string]*domain.Participant),
		messages:      make(map[string]*domain.Message),
		byConv:        make(map[string][]string),
		calls:         make(map[string]*domain.CallSession),
	}
}

func copyConversation(c *domain.Conversation) *domain.Conversation {
	cp := *c
	cp.ParticipantIDs = nil
	cp.AdminIDs = nil
	return &cp
}

func copyParticipant(p *domain.Participant) *domain.Participant {
	cp := *p
	return &cp
}

func copyMessage(m *domain.Message) *domain.Message {
	cp := *m
	cp.DeliveredTo = make(map[string]time.Time, len(m.DeliveredTo))
	for k, v := range m.DeliveredTo {
		cp.DeliveredTo[k] = v
	}
	cp.ReadBy = make(map[string]time.Time, len(m.ReadBy))
	for k, v := range m.ReadBy {
		cp.ReadBy[k] = v
	}
	if m.Attachment != nil {
		a := *m.Attachment
		cp.Attachment = &a
	}
	return &cp
}
