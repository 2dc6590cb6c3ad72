package service_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
	"chatcore/internal/service"
)

// flakyCalls fails every Update while fail is set.
type flakyCalls struct {
	domain.CallRepository
	fail atomic.Bool
}

func (r *flakyCalls) Update(ctx context.Context, c *domain.CallSession) error {
	if r.fail.Load() {
		return errors.New("disk full")
	}
	return r.CallRepository.Update(ctx, c)
}

func callStatus(t *testing.T, f *fixture, callID string) func() domain.CallStatus {
	return func() domain.CallStatus {
		c, err := f.calls.Get(context.Background(), callID, "alice")
		if err != nil {
			return ""
		}
		return c.Status
	}
}

func journal(t *testing.T, f *fixture, convID string) []string {
	t.Helper()
	msgs, err := f.messages.ListSince(context.Background(), convID, "alice", 0, 0)
	require.NoError(t, err)
	var res []string
	for _, m := range msgs {
		if m.Type == domain.MessageCallEvent {
			res = append(res, m.Content)
		}
	}
	return res
}

func TestCallStart(t *testing.T) {
	ctx := context.Background()

	t.Run("InvitesOtherParticipants", func(t *testing.T) {
		f := newFixture(t)
		c := f.group(t, "alice", "bob", "carol")

		call, err := f.calls.Start(ctx, c.ID, "alice", domain.CallVideo)
		require.NoError(t, err)
		assert.Equal(t, domain.CallInitiated, call.Status)
		assert.Equal(t, domain.InviteeJoined, call.Participants["alice"].Status)
		assert.Equal(t, domain.InviteeInvited, call.Participants["bob"].Status)
		assert.Equal(t, domain.InviteeInvited, call.Participants["carol"].Status)
		assert.Nil(t, call.EndTime)

		assert.Len(t, f.pub.ofType(domain.EventCallStateChanged), 1)
		assert.Equal(t, []string{"video call started"}, journal(t, f, c.ID))
	})

	t.Run("OneOpenCallPerConversation", func(t *testing.T) {
		f := newFixture(t)
		c := f.direct(t, "alice", "bob")

		call, err := f.calls.Start(ctx, c.ID, "alice", domain.CallAudio)
		require.NoError(t, err)
		_, err = f.calls.Start(ctx, c.ID, "bob", domain.CallAudio)
		assert.ErrorIs(t, err, domain.ErrConflict)

		_, err = f.calls.Cancel(ctx, call.ID, "alice")
		require.NoError(t, err)
		_, err = f.calls.Start(ctx, c.ID, "bob", domain.CallAudio)
		assert.NoError(t, err)
	})

	t.Run("Validation", func(t *testing.T) {
		f := newFixture(t)
		c := f.direct(t, "alice", "bob")

		_, err := f.calls.Start(ctx, c.ID, "mallory", domain.CallAudio)
		assert.ErrorIs(t, err, domain.ErrNotAParticipant)

		_, err = f.calls.Start(ctx, c.ID, "alice", "hologram")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		call, err := f.calls.Start(ctx, c.ID, "alice", domain.CallAudio)
		require.NoError(t, err)
		_, err = f.calls.Accept(ctx, call.ID, "mallory")
		assert.ErrorIs(t, err, domain.ErrNotAParticipant)
		_, err = f.calls.Respond(ctx, call.ID, "bob", "maybe")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestCallStateMachine(t *testing.T) {
	ctx := context.Background()

	t.Run("DeclineAndTimeoutMeansMissed", func(t *testing.T) {
		f := newFixture(t)
		f.calls.RingTimeout = 60 * time.Millisecond
		c := f.group(t, "alice", "x", "y")

		call, err := f.calls.Start(ctx, c.ID, "alice", domain.CallAudio)
		require.NoError(t, err)
		_, err = f.calls.Acknowledge(ctx, call.ID, "x")
		require.NoError(t, err)
		ringing, err := f.calls.Acknowledge(ctx, call.ID, "y")
		require.NoError(t, err)
		assert.Equal(t, domain.CallRinging, ringing.Status)

		_, err = f.calls.Decline(ctx, call.ID, "x")
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return callStatus(t, f, call.ID)() == domain.CallMissed }, time.Second, 10*time.Millisecond)

		final, err := f.calls.Get(ctx, call.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonDeclined, final.Participants["x"].Reason)
		assert.Equal(t, domain.InviteeDeclined, final.Participants["y"].Status)
		assert.Equal(t, domain.ReasonTimeout, final.Participants["y"].Reason)
		require.NotNil(t, final.EndTime)
		assert.Zero(t, final.DurationSeconds)
		assert.Contains(t, journal(t, f, c.ID), "missed audio call")
	})

	t.Run("AcceptCancelsOtherTimers", func(t *testing.T) {
		f := newFixture(t)
		f.calls.RingTimeout = 50 * time.Millisecond
		c := f.group(t, "alice", "x", "y")

		call, err := f.calls.Start(ctx, c.ID, "alice", domain.CallAudio)
		require.NoError(t, err)
		_, err = f.calls.Acknowledge(ctx, call.ID, "x")
		require.NoError(t, err)
		_, err = f.calls.Acknowledge(ctx, call.ID, "y")
		require.NoError(t, err)

		active, err := f.calls.Accept(ctx, call.ID, "x")
		require.NoError(t, err)
		assert.Equal(t, domain.CallActive, active.Status)
		assert.NotNil(t, active.StartTime)

		time.Sleep(150 * time.Millisecond)

		got, err := f.calls.Get(ctx, call.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, domain.CallActive, got.Status)
		assert.Equal(t, domain.ReasonAnswered, got.Participants["y"].Reason)

		late, err := f.calls.Accept(ctx, call.ID, "y")
		require.NoError(t, err)
		assert.Equal(t, domain.InviteeDeclined, late.Participants["y"].Status)

		again, err := f.calls.Accept(ctx, call.ID, "x")
		require.NoError(t, err)
		assert.Equal(t, domain.InviteeJoined, again.Participants["x"].Status)
		assert.Equal(t, active.StartTime, again.StartTime)
	})

	t.Run("RingTimeoutScenario", func(t *testing.T) {
		f := newFixture(t)
		f.calls.RingTimeout = 80 * time.Millisecond
		c := f.direct(t, "alice", "bob")

		call, err := f.calls.Start(ctx, c.ID, "alice", domain.CallAudio)
		require.NoError(t, err)
		_, err = f.calls.Acknowledge(ctx, call.ID, "bob")
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return callStatus(t, f, call.ID)() == domain.CallMissed }, time.Second, 10*time.Millisecond)
		final, err := f.calls.Get(ctx, call.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, domain.InviteeDeclined, final.Participants["bob"].Status)
		assert.Equal(t, domain.ReasonTimeout, final.Participants["bob"].Reason)

		// a response after the timeout changes nothing
		late, err := f.calls.Accept(ctx, call.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, domain.CallMissed, late.Status)
	})

	t.Run("UnacknowledgedInviteIsUnreachable", func(t *testing.T) {
		f := newFixture(t)
		f.calls.ConnectTimeout = 40 * time.Millisecond
		c := f.direct(t, "alice", "bob")

		call, err := f.calls.Start(ctx, c.ID, "alice", domain.CallAudio)
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return callStatus(t, f, call.ID)() == domain.CallMissed }, time.Second, 10*time.Millisecond)
		final, err := f.calls.Get(ctx, call.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, domain.ReasonUnreachable, final.Participants["bob"].Reason)
	})

	t.Run("CancelByInitiator", func(t *testing.T) {
		f := newFixture(t)
		c := f.group(t, "alice", "bob", "carol")

		call, err := f.calls.Start(ctx, c.ID, "alice", domain.CallAudio)
		require.NoError(t, err)
		_, err = f.calls.Decline(ctx, call.ID, "carol")
		require.NoError(t, err)

		_, err = f.calls.Cancel(ctx, call.ID, "bob")
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)

		cancelled, err := f.calls.Cancel(ctx, call.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, domain.CallMissed, cancelled.Status)
		assert.Equal(t, domain.ReasonCancelled, cancelled.Participants["bob"].Reason)
		assert.Equal(t, domain.ReasonDeclined, cancelled.Participants["carol"].Reason)
		require.NotNil(t, cancelled.EndTime)

		// terminal calls ignore further transitions and keep endTime
		again, err := f.calls.Cancel(ctx, call.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, cancelled.EndTime, again.EndTime)
	})

	t.Run("LeaveEndsActiveCall", func(t *testing.T) {
		f := newFixture(t)
		c := f.direct(t, "alice", "bob")

		call, err := f.calls.Start(ctx, c.ID, "alice", domain.CallVideo)
		require.NoError(t, err)
		_, err = f.calls.Accept(ctx, call.ID, "bob")
		require.NoError(t, err)

		_, err = f.calls.Cancel(ctx, call.ID, "alice")
		assert.ErrorIs(t, err, domain.ErrConflict)

		ended, err := f.calls.Leave(ctx, call.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, domain.CallEnded, ended.Status)
		assert.Equal(t, domain.InviteeLeft, ended.Participants["bob"].Status)
		assert.Equal(t, domain.InviteeLeft, ended.Participants["alice"].Status)
		require.NotNil(t, ended.EndTime)
		require.NotNil(t, ended.StartTime)
		assert.GreaterOrEqual(t, ended.DurationSeconds, int64(0))

		stored, err := f.repos.calls.GetByID(ctx, call.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.CallEnded, stored.Status)

		events := journal(t, f, c.ID)
		require.Len(t, events, 2)
		assert.Contains(t, events[1], "video call ended after")
	})

	t.Run("EndHangsUpForEveryone", func(t *testing.T) {
		f := newFixture(t)
		c := f.direct(t, "alice", "bob")

		call, err := f.calls.Start(ctx, c.ID, "alice", domain.CallAudio)
		require.NoError(t, err)

		_, err = f.calls.End(ctx, call.ID, "bob")
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)

		_, err = f.calls.Respond(ctx, call.ID, "bob", "accept")
		require.NoError(t, err)
		ended, err := f.calls.End(ctx, call.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, domain.CallEnded, ended.Status)
		assert.Equal(t, domain.ReasonEnded, ended.Participants["alice"].Reason)
	})

	t.Run("AnswerRacingTimerResolvesOnce", func(t *testing.T) {
		f := newFixture(t)
		f.calls.RingTimeout = time.Millisecond
		c := f.direct(t, "alice", "bob")

		for i := 0; i < 40; i++ {
			call, err := f.calls.Start(ctx, c.ID, "alice", domain.CallAudio)
			require.NoError(t, err)
			_, err = f.calls.Acknowledge(ctx, call.ID, "bob")
			require.NoError(t, err)
			_, err = f.calls.Accept(ctx, call.ID, "bob")
			require.NoError(t, err)

			got, err := f.calls.Get(ctx, call.ID, "bob")
			require.NoError(t, err)
			switch got.Status {
			case domain.CallActive:
				assert.Equal(t, domain.InviteeJoined, got.Participants["bob"].Status)
				_, err = f.calls.End(ctx, call.ID, "alice")
				require.NoError(t, err)
			case domain.CallMissed:
				assert.Equal(t, domain.ReasonTimeout, got.Participants["bob"].Reason)
			default:
				t.Fatalf("unexpected status %s", got.Status)
			}
		}
	})

	t.Run("ResumesAfterRestart", func(t *testing.T) {
		f := newFixture(t)
		c := f.direct(t, "alice", "bob")

		call, err := f.calls.Start(ctx, c.ID, "alice", domain.CallAudio)
		require.NoError(t, err)
		f.calls.Stop()

		restarted := service.NewCallService(f.convs, f.repos.calls, f.messages, f.pub, nil, service.NewLockArena(), time.Minute, time.Minute)
		t.Cleanup(restarted.Stop)

		active, err := restarted.Accept(ctx, call.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, domain.CallActive, active.Status)
	})

	t.Run("AcceptWithoutAckRingsFirst", func(t *testing.T) {
		f := newFixture(t)
		c := f.direct(t, "alice", "bob")

		call, err := f.calls.Start(ctx, c.ID, "alice", domain.CallAudio)
		require.NoError(t, err)
		active, err := f.calls.Accept(ctx, call.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, domain.InviteeJoined, active.Participants["bob"].Status)

		var seen []domain.CallStatus
		var bob []domain.InviteeStatus
		for _, ev := range f.pub.ofType(domain.EventCallStateChanged) {
			snap := ev.Payload.(*domain.CallSession)
			seen = append(seen, snap.Status)
			bob = append(bob, snap.Participants["bob"].Status)
		}
		assert.Equal(t, []domain.CallStatus{domain.CallInitiated, domain.CallRinging, domain.CallActive}, seen)
		assert.Equal(t, []domain.InviteeStatus{domain.InviteeInvited, domain.InviteeRinging, domain.InviteeJoined}, bob)
	})
}

func TestCallPersistFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("FailedWriteKeepsLiveState", func(t *testing.T) {
		f := newFixture(t)
		repo := &flakyCalls{CallRepository: f.repos.calls}
		calls := service.NewCallService(f.convs, repo, f.messages, f.pub, nil, service.NewLockArena(), time.Minute, time.Minute)
		t.Cleanup(calls.Stop)
		c := f.direct(t, "alice", "bob")

		call, err := calls.Start(ctx, c.ID, "alice", domain.CallAudio)
		require.NoError(t, err)

		repo.fail.Store(true)
		_, err = calls.Accept(ctx, call.ID, "bob")
		require.Error(t, err)

		got, err := calls.Get(ctx, call.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, domain.CallInitiated, got.Status)
		assert.Equal(t, domain.InviteeInvited, got.Participants["bob"].Status)
		assert.Len(t, f.pub.ofType(domain.EventCallStateChanged), 1)

		repo.fail.Store(false)
		active, err := calls.Accept(ctx, call.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, domain.CallActive, active.Status)

		stored, err := f.repos.calls.GetByID(ctx, call.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.CallActive, stored.Status)
	})

	t.Run("FailedTimeoutIsRetried", func(t *testing.T) {
		f := newFixture(t)
		repo := &flakyCalls{CallRepository: f.repos.calls}
		calls := service.NewCallService(f.convs, repo, f.messages, f.pub, nil, service.NewLockArena(), time.Minute, 30*time.Millisecond)
		t.Cleanup(calls.Stop)
		c := f.direct(t, "alice", "bob")

		call, err := calls.Start(ctx, c.ID, "alice", domain.CallAudio)
		require.NoError(t, err)
		repo.fail.Store(true)

		time.Sleep(100 * time.Millisecond)
		got, err := calls.Get(ctx, call.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, domain.CallInitiated, got.Status)

		repo.fail.Store(false)
		assert.Eventually(t, func() bool {
			got, err := f.repos.calls.GetByID(ctx, call.ID)
			return err == nil && got.Status == domain.CallMissed
		}, time.Second, 10*time.Millisecond)
	})
}
