package service

import (
	"sync"
	"time"
)

type timerKind int

const (
	connectTimer timerKind = iota
	ringTimer
)

func (k timerKind) String() string {
	if k == connectTimer {
		return "connect"
	}
	return "ring"
}

type timerKey struct {
	callID string
	userID string
}

type scheduledTimer struct {
	t    *time.Timer
	gen  uint64
	kind timerKind
}

// callTimers holds at most one pending timeout per (call, invitee). Every
// scheduled timer gets a fresh generation; a firing timer must claim its
// generation before acting, so a timer cancelled after it already fired
// loses the claim and becomes a no-op.
type callTimers struct {
	mu     sync.Mutex
	gen    uint64
	timers map[timerKey]*scheduledTimer
}

func newCallTimers() *callTimers {
	return &callTimers{timers: make(map[timerKey]*scheduledTimer)}
}

// schedule replaces any pending timer for key.
func (ts *callTimers) schedule(key timerKey, kind timerKind, d time.Duration, fire func(gen uint64)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if old, ok := ts.timers[key]; ok {
		old.t.Stop()
	}
	ts.gen++
	gen := ts.gen
	ts.timers[key] = &scheduledTimer{
		t:    time.AfterFunc(d, func() { fire(gen) }),
		gen:  gen,
		kind: kind,
	}
}

// cancel stops the timer for key. It returns once the timer can no longer
// claim its generation.
func (ts *callTimers) cancel(key timerKey) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if st, ok := ts.timers[key]; ok {
		st.t.Stop()
		delete(ts.timers, key)
	}
}

func (ts *callTimers) cancelCall(callID string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	for key, st := range ts.timers {
		if key.callID == callID {
			st.t.Stop()
			delete(ts.timers, key)
		}
	}
}

// claim removes the timer for key if gen is still the pending generation.
func (ts *callTimers) claim(key timerKey, gen uint64) (timerKind, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	st, ok := ts.timers[key]
	if !ok || st.gen != gen {
		return 0, false
	}
	delete(ts.timers, key)
	return st.kind, true
}

func (ts *callTimers) stopAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	for key, st := range ts.timers {
		st.t.Stop()
		delete(ts.timers, key)
	}
}
