package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"chatcore/internal/domain"
)

const timerPersistTimeout = 5 * time.Second

type liveCall struct {
	mu      sync.Mutex
	session *domain.CallSession
}

// CallService drives call sessions through their lifecycle:
// initiated -> ringing -> active -> ended, or missed when nobody joins.
//
// Each call has its own mutex; per-invitee timeouts are cancellable timers
// and every invitee transition is a compare-and-swap on the invitee status.
type CallService struct {
	convs     *ConversationService
	calls     domain.CallRepository
	messages  *MessageService
	publisher Publisher
	notifier  OfflineNotifier
	locks     *LockArena
	timers    *callTimers
	now       func() time.Time

	RingTimeout    time.Duration
	ConnectTimeout time.Duration

	mu   sync.Mutex
	live map[string]*liveCall
}

func NewCallService(
	convs *ConversationService,
	calls domain.CallRepository,
	messages *MessageService,
	publisher Publisher,
	notifier OfflineNotifier,
	locks *LockArena,
	ringTimeout, connectTimeout time.Duration,
) *CallService {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &CallService{
		convs:          convs,
		calls:          calls,
		messages:       messages,
		publisher:      publisher,
		notifier:       notifier,
		locks:          locks,
		timers:         newCallTimers(),
		now:            func() time.Time { return time.Now().UTC() },
		RingTimeout:    ringTimeout,
		ConnectTimeout: connectTimeout,
		live:           make(map[string]*liveCall),
	}
}

// Start opens a call in the conversation and invites every other active
// participant. Only one open call per conversation is allowed.
func (s *CallService) Start(ctx context.Context, conversationID, initiatorID string, callType domain.CallType) (*domain.CallSession, error) {
	if callType != domain.CallAudio && callType != domain.CallVideo {
		return nil, fmt.Errorf("%w: unknown call type %q", domain.ErrInvalidInput, callType)
	}
	if _, err := s.convs.RequireActive(ctx, conversationID, initiatorID); err != nil {
		return nil, err
	}
	active, err := s.convs.ActiveParticipantIDs(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	var invitees []string
	for _, id := range active {
		if id != initiatorID {
			invitees = append(invitees, id)
		}
	}
	if len(invitees) == 0 {
		return nil, fmt.Errorf("%w: nobody to call", domain.ErrInvalidParticipants)
	}

	l := s.locks.get("call:" + conversationID)
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := s.calls.FindOpen(ctx, conversationID); err == nil {
		return nil, fmt.Errorf("%w: a call is already in progress", domain.ErrConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	now := s.now()
	c := &domain.CallSession{
		ID:             newID(),
		ConversationID: conversationID,
		InitiatorID:    initiatorID,
		CallType:       callType,
		Status:         domain.CallInitiated,
		Participants:   make(map[string]*domain.CallParticipant, len(active)),
		CreatedAt:      now,
	}
	c.Participants[initiatorID] = &domain.CallParticipant{UserID: initiatorID, Status: domain.InviteeJoined, RespondedAt: &now}
	for _, id := range invitees {
		c.Participants[id] = &domain.CallParticipant{UserID: id, Status: domain.InviteeInvited}
	}
	if err := s.calls.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}

	lc := &liveCall{session: c}
	s.mu.Lock()
	s.live[c.ID] = lc
	s.mu.Unlock()

	lc.mu.Lock()
	for _, id := range invitees {
		s.scheduleTimer(c.ID, id, connectTimer)
	}
	snap := c.Clone()
	s.publishState(snap)
	lc.mu.Unlock()

	s.journal(ctx, snap, fmt.Sprintf("%s call started", snap.CallType))

	online := make(map[string]struct{})
	for _, id := range s.publisher.OnlineUsers(conversationID) {
		online[id] = struct{}{}
	}
	var offline []string
	for _, id := range invitees {
		if _, ok := online[id]; !ok {
			offline = append(offline, id)
		}
	}
	s.notifier.NotifyOffline(ctx, offline, &domain.Event{
		Type:           domain.EventCallStateChanged,
		ConversationID: conversationID,
		Payload:        snap,
	})
	return snap, nil
}

// Get returns the call to any participant of its conversation.
func (s *CallService) Get(ctx context.Context, callID, userID string) (*domain.CallSession, error) {
	lc, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	lc.mu.Lock()
	snap := lc.session.Clone()
	lc.mu.Unlock()

	if _, ok := snap.Participants[userID]; !ok {
		if _, err := s.convs.member(ctx, snap.ConversationID, userID); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// Respond dispatches an invitee action: accept, decline or ack.
func (s *CallService) Respond(ctx context.Context, callID, userID, action string) (*domain.CallSession, error) {
	switch action {
	case "accept":
		return s.Accept(ctx, callID, userID)
	case "decline":
		return s.Decline(ctx, callID, userID)
	case "ack", "acknowledge":
		return s.Acknowledge(ctx, callID, userID)
	default:
		return nil, fmt.Errorf("%w: unknown call action %q", domain.ErrInvalidInput, action)
	}
}

// Acknowledge records that the invitee's client received the invite; the
// invitee starts ringing and its ring timeout begins.
func (s *CallService) Acknowledge(ctx context.Context, callID, userID string) (*domain.CallSession, error) {
	return s.ring(ctx, callID, userID, true)
}

// ring moves an invited participant to ringing, arming the ring timeout
// when arm is set.
func (s *CallService) ring(ctx context.Context, callID, userID string, arm bool) (*domain.CallSession, error) {
	return s.transition(ctx, callID, userID, func(c *domain.CallSession, p *domain.CallParticipant, now time.Time) (bool, error) {
		if !cas(p, domain.InviteeRinging, "", nil, domain.InviteeInvited) {
			return false, nil
		}
		s.timers.cancel(timerKey{callID, userID})
		if arm {
			s.scheduleTimer(callID, userID, ringTimer)
		}
		if c.Status == domain.CallInitiated {
			c.Status = domain.CallRinging
		}
		return true, nil
	})
}

// Accept joins the invitee to the call. An invite that was never
// acknowledged rings first, so observers always see invited, ringing, then
// joined. The first accept wins: invitees still ringing are released with
// reason answered, so their timers and any later response are no-ops.
// Repeated accepts, or an accept after the invitee already declined, change
// nothing.
func (s *CallService) Accept(ctx context.Context, callID, userID string) (*domain.CallSession, error) {
	if _, err := s.ring(ctx, callID, userID, false); err != nil {
		return nil, err
	}
	return s.transition(ctx, callID, userID, func(c *domain.CallSession, p *domain.CallParticipant, now time.Time) (bool, error) {
		s.timers.cancel(timerKey{callID, userID})
		if !cas(p, domain.InviteeJoined, "", &now, domain.InviteeRinging) {
			return false, nil
		}
		if c.Status != domain.CallActive {
			c.Status = domain.CallActive
			c.StartTime = &now
		}
		for id, other := range c.Participants {
			if other.Status.Pending() {
				s.timers.cancel(timerKey{callID, id})
				cas(other, domain.InviteeDeclined, domain.ReasonAnswered, &now, domain.InviteeInvited, domain.InviteeRinging)
			}
		}
		return true, nil
	})
}

func (s *CallService) Decline(ctx context.Context, callID, userID string) (*domain.CallSession, error) {
	return s.transition(ctx, callID, userID, func(c *domain.CallSession, p *domain.CallParticipant, now time.Time) (bool, error) {
		s.timers.cancel(timerKey{callID, userID})
		if !cas(p, domain.InviteeDeclined, domain.ReasonDeclined, &now, domain.InviteeInvited, domain.InviteeRinging) {
			return false, nil
		}
		settle(c, now)
		return true, nil
	})
}

// Cancel withdraws an unanswered call. Only the initiator may cancel.
func (s *CallService) Cancel(ctx context.Context, callID, userID string) (*domain.CallSession, error) {
	return s.transition(ctx, callID, userID, func(c *domain.CallSession, p *domain.CallParticipant, now time.Time) (bool, error) {
		if c.InitiatorID != userID {
			return false, domain.ErrPermissionDenied
		}
		if c.Status == domain.CallActive {
			return false, fmt.Errorf("%w: call already answered", domain.ErrConflict)
		}
		s.finish(c, domain.CallMissed, domain.ReasonCancelled, now)
		return true, nil
	})
}

// Leave drops userID from the call. An unanswered invitee leaving counts as
// a decline; the initiator leaving before anyone joined cancels the call.
func (s *CallService) Leave(ctx context.Context, callID, userID string) (*domain.CallSession, error) {
	return s.transition(ctx, callID, userID, func(c *domain.CallSession, p *domain.CallParticipant, now time.Time) (bool, error) {
		s.timers.cancel(timerKey{callID, userID})
		switch {
		case c.Status != domain.CallActive && userID == c.InitiatorID:
			s.finish(c, domain.CallMissed, domain.ReasonCancelled, now)
			return true, nil
		case cas(p, domain.InviteeDeclined, domain.ReasonDeclined, &now, domain.InviteeInvited, domain.InviteeRinging):
		case cas(p, domain.InviteeLeft, "", &now, domain.InviteeJoined):
		default:
			return false, nil
		}
		settle(c, now)
		return true, nil
	})
}

// End hangs up the call for everyone.
func (s *CallService) End(ctx context.Context, callID, userID string) (*domain.CallSession, error) {
	return s.transition(ctx, callID, userID, func(c *domain.CallSession, p *domain.CallParticipant, now time.Time) (bool, error) {
		if c.Status != domain.CallActive {
			if userID != c.InitiatorID {
				return false, domain.ErrPermissionDenied
			}
			s.finish(c, domain.CallMissed, domain.ReasonCancelled, now)
			return true, nil
		}
		if p.Status != domain.InviteeJoined {
			return false, domain.ErrPermissionDenied
		}
		s.finish(c, domain.CallEnded, domain.ReasonEnded, now)
		return true, nil
	})
}

// Stop cancels every pending timer. Calls stay persisted in their current state.
func (s *CallService) Stop() {
	s.timers.stopAll()
}

type transitionFunc func(c *domain.CallSession, p *domain.CallParticipant, now time.Time) (bool, error)

// transition runs fn on a copy of the call under the call mutex. If fn
// changed anything the copy is persisted, becomes the live state and is
// published before the mutex is released, so state events leave in commit
// order. Terminal calls are returned unchanged.
func (s *CallService) transition(ctx context.Context, callID, userID string, fn transitionFunc) (*domain.CallSession, error) {
	lc, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}

	lc.mu.Lock()
	if _, ok := lc.session.Participants[userID]; !ok {
		lc.mu.Unlock()
		return nil, domain.ErrNotAParticipant
	}
	if lc.session.Status.Terminal() {
		snap := lc.session.Clone()
		lc.mu.Unlock()
		return snap, nil
	}
	c := lc.session.Clone()
	p := c.Participants[userID]
	changed, err := fn(c, p, s.now())
	if err != nil || !changed {
		snap := lc.session.Clone()
		lc.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return snap, nil
	}
	snap, err := s.commitLocked(ctx, lc, c)
	if err != nil {
		lc.mu.Unlock()
		return nil, err
	}
	s.publishState(snap)
	lc.mu.Unlock()

	s.journalState(ctx, snap)
	return snap, nil
}

// commitLocked persists c and only then makes it the live state, dropping
// the call from the live set once terminal. If the write fails the live
// state is kept and its invitee timers are re-armed. The caller holds the
// call mutex.
func (s *CallService) commitLocked(ctx context.Context, lc *liveCall, c *domain.CallSession) (*domain.CallSession, error) {
	if err := s.calls.Update(ctx, c); err != nil {
		s.timers.cancelCall(c.ID)
		s.armTimers(lc.session)
		return nil, fmt.Errorf("update call: %w", err)
	}
	lc.session = c
	if c.Status.Terminal() {
		s.timers.cancelCall(c.ID)
		s.mu.Lock()
		delete(s.live, c.ID)
		s.mu.Unlock()
	}
	return c.Clone(), nil
}

// armTimers schedules the timeout of every invitee still waiting on c.
func (s *CallService) armTimers(c *domain.CallSession) {
	for id, p := range c.Participants {
		switch p.Status {
		case domain.InviteeInvited:
			s.scheduleTimer(c.ID, id, connectTimer)
		case domain.InviteeRinging:
			s.scheduleTimer(c.ID, id, ringTimer)
		}
	}
}

func (s *CallService) journalState(ctx context.Context, snap *domain.CallSession) {
	switch snap.Status {
	case domain.CallMissed:
		s.journal(ctx, snap, fmt.Sprintf("missed %s call", snap.CallType))
	case domain.CallEnded:
		s.journal(ctx, snap, fmt.Sprintf("%s call ended after %ds", snap.CallType, snap.DurationSeconds))
	}
}

func (s *CallService) scheduleTimer(callID, userID string, kind timerKind) {
	d := s.RingTimeout
	if kind == connectTimer {
		d = s.ConnectTimeout
	}
	s.timers.schedule(timerKey{callID, userID}, kind, d, func(gen uint64) {
		if err := s.expire(callID, userID, gen); err != nil && !errors.Is(err, domain.ErrStaleTimer) {
			log.Printf("call: %s timeout for %s in %s: %v", kind, userID, callID, err)
		}
	})
}

// expire applies an invitee timeout. A timer that lost the race against a
// response or a cancellation returns ErrStaleTimer and changes nothing.
func (s *CallService) expire(callID, userID string, gen uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), timerPersistTimeout)
	defer cancel()

	s.mu.Lock()
	lc, ok := s.live[callID]
	s.mu.Unlock()
	if !ok {
		return domain.ErrStaleTimer
	}

	lc.mu.Lock()
	kind, ok := s.timers.claim(timerKey{callID, userID}, gen)
	if !ok {
		lc.mu.Unlock()
		return domain.ErrStaleTimer
	}
	if lc.session.Status.Terminal() {
		lc.mu.Unlock()
		return domain.ErrStaleTimer
	}
	c := lc.session.Clone()
	p, ok := c.Participants[userID]
	if !ok {
		lc.mu.Unlock()
		return domain.ErrStaleTimer
	}

	now := s.now()
	swapped := false
	if kind == connectTimer {
		swapped = cas(p, domain.InviteeDeclined, domain.ReasonUnreachable, &now, domain.InviteeInvited)
	} else {
		swapped = cas(p, domain.InviteeDeclined, domain.ReasonTimeout, &now, domain.InviteeRinging)
	}
	if !swapped {
		lc.mu.Unlock()
		return domain.ErrStaleTimer
	}
	settle(c, now)
	snap, err := s.commitLocked(ctx, lc, c)
	if err != nil {
		lc.mu.Unlock()
		return err
	}
	s.publishState(snap)
	lc.mu.Unlock()

	s.journalState(ctx, snap)
	return nil
}

// load returns the live state of a call, reviving a persisted open call
// (and its invitee timers) when this process has not seen it yet.
func (s *CallService) load(ctx context.Context, callID string) (*liveCall, error) {
	s.mu.Lock()
	lc, ok := s.live[callID]
	s.mu.Unlock()
	if ok {
		return lc, nil
	}

	c, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return &liveCall{session: c}, nil
	}

	s.mu.Lock()
	if lc, ok := s.live[callID]; ok {
		s.mu.Unlock()
		return lc, nil
	}
	lc = &liveCall{session: c}
	s.live[callID] = lc
	s.mu.Unlock()

	lc.mu.Lock()
	s.armTimers(c)
	lc.mu.Unlock()
	return lc, nil
}

func (s *CallService) publishState(snap *domain.CallSession) {
	s.publisher.Publish(snap.ConversationID, &domain.Event{
		Type:           domain.EventCallStateChanged,
		ConversationID: snap.ConversationID,
		Payload:        snap,
	})
}

func (s *CallService) journal(ctx context.Context, snap *domain.CallSession, summary string) {
	if s.messages == nil {
		return
	}
	if _, err := s.messages.AppendCallEvent(ctx, snap.ConversationID, snap.InitiatorID, summary); err != nil {
		log.Printf("call: journal %s: %v", snap.ID, err)
	}
}

// finish moves the call to a terminal status. Unanswered invitees are
// declined with reason and joined participants leave.
func (s *CallService) finish(c *domain.CallSession, status domain.CallStatus, reason domain.DeclineReason, now time.Time) {
	s.timers.cancelCall(c.ID)
	for _, p := range c.Participants {
		if !cas(p, domain.InviteeDeclined, reason, &now, domain.InviteeInvited, domain.InviteeRinging) {
			cas(p, domain.InviteeLeft, reason, &now, domain.InviteeJoined)
		}
	}
	closeSession(c, status, now)
}

// settle derives the call status after an invitee transition.
func settle(c *domain.CallSession, now time.Time) {
	pending, joined := 0, 0
	for _, p := range c.Participants {
		switch {
		case p.Status.Pending():
			pending++
		case p.Status == domain.InviteeJoined:
			joined++
		}
	}
	if pending > 0 {
		return
	}
	switch c.Status {
	case domain.CallActive:
		if joined < 2 {
			for _, p := range c.Participants {
				cas(p, domain.InviteeLeft, domain.ReasonEnded, &now, domain.InviteeJoined)
			}
			closeSession(c, domain.CallEnded, now)
		}
	case domain.CallInitiated, domain.CallRinging:
		closeSession(c, domain.CallMissed, now)
	}
}

func closeSession(c *domain.CallSession, status domain.CallStatus, now time.Time) {
	c.Status = status
	c.EndTime = &now
	c.DurationSeconds = 0
	if status == domain.CallEnded && c.StartTime != nil {
		c.DurationSeconds = int64(now.Sub(*c.StartTime) / time.Second)
	}
}

// cas moves p to the target status only if it is currently one of from.
func cas(p *domain.CallParticipant, to domain.InviteeStatus, reason domain.DeclineReason, at *time.Time, from ...domain.InviteeStatus) bool {
	for _, f := range from {
		if p.Status == f {
			p.Status = to
			p.Reason = reason
			if at != nil {
				t := *at
				p.RespondedAt = &t
			}
			return true
		}
	}
	return false
}
