package service

import (
	"context"
	"sync"

	"chatcore/internal/domain"
)

// convLock is the per-conversation slot of the arena.
type convLock struct {
	// mu serializes appends and guards the sequence counter.
	mu     sync.Mutex
	seq    int64
	loaded bool

	// cursorMu serializes receipts and read-cursor updates.
	cursorMu sync.Mutex

	// memberMu serializes membership and role changes.
	memberMu sync.Mutex
}

// LockArena hands out per-conversation locks. The arena mutex is only held
// for the map lookup, never across an operation.
type LockArena struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

func NewLockArena() *LockArena {
	return &LockArena{locks: make(map[string]*convLock)}
}

func (a *LockArena) get(key string) *convLock {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.locks[key]
	if !ok {
		l = &convLock{}
		a.locks[key] = l
	}
	return l
}

// nextSeq reserves the next sequence number for the conversation. The caller
// must hold l.mu and call commit or reset afterwards.
func (l *convLock) nextSeq(ctx context.Context, messages domain.MessageRepository, conversationID string) (int64, error) {
	if !l.loaded {
		max, err := messages.MaxSeq(ctx, conversationID)
		if err != nil {
			return 0, err
		}
		l.seq = max
		l.loaded = true
	}
	return l.seq + 1, nil
}

func (l *convLock) commit(seq int64) {
	l.seq = seq
}

// reset forces a reload from storage after a failed insert.
func (l *convLock) reset() {
	l.loaded = false
}
