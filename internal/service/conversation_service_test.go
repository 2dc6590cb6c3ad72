package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
	"chatcore/internal/service"
)

func TestCreateConversation(t *testing.T) {
	ctx := context.Background()

	t.Run("DirectIsIdempotent", func(t *testing.T) {
		f := newFixture(t)
		first := f.direct(t, "alice", "bob")

		again, err := f.convs.CreateConversation(ctx, service.ConversationCreateInput{
			Kind:           domain.KindDirect,
			ParticipantIDs: []string{"bob", "alice"},
		}, "bob")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		assert.ElementsMatch(t, []string{"alice", "bob"}, again.ParticipantIDs)
		assert.Empty(t, again.AdminIDs)
	})

	t.Run("DirectConcurrent", func(t *testing.T) {
		f := newFixture(t)
		ids := make([]string, 16)
		var wg sync.WaitGroup
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c, err := f.convs.CreateConversation(ctx, service.ConversationCreateInput{
					Kind:           domain.KindDirect,
					ParticipantIDs: []string{"alice", "bob"},
				}, "alice")
				if assert.NoError(t, err) {
					ids[i] = c.ID
				}
			}(i)
		}
		wg.Wait()
		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
	})

	t.Run("InvalidParticipants", func(t *testing.T) {
		f := newFixture(t)
		cases := []service.ConversationCreateInput{
			{Kind: domain.KindDirect, ParticipantIDs: []string{"alice", "bob", "carol"}},
			{Kind: domain.KindDirect, ParticipantIDs: []string{"alice"}},
			{Kind: domain.KindDirect, ParticipantIDs: []string{"alice", "alice"}},
			{Kind: domain.KindGroup, ParticipantIDs: []string{"alice", "bob", "bob"}},
			{Kind: domain.KindGroup, ParticipantIDs: []string{"bob", "carol"}},
			{Kind: domain.KindGroup, ParticipantIDs: []string{"alice", "a", "b", "c", "d", "e", "f", "g", "h"}},
		}
		for _, in := range cases {
			_, err := f.convs.CreateConversation(ctx, in, "alice")
			assert.ErrorIs(t, err, domain.ErrInvalidParticipants, "%v", in.ParticipantIDs)
		}
	})

	t.Run("UnknownKind", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.convs.CreateConversation(ctx, service.ConversationCreateInput{
			Kind:           "channel",
			ParticipantIDs: []string{"alice", "bob"},
		}, "alice")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("GroupCreatorIsAdmin", func(t *testing.T) {
		f := newFixture(t)
		c := f.group(t, "alice", "bob", "carol")
		assert.Equal(t, domain.KindGroup, c.Kind)
		assert.Equal(t, []string{"alice"}, c.AdminIDs)
		assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, c.ParticipantIDs)
	})
}

func TestParticipants(t *testing.T) {
	ctx := context.Background()

	t.Run("AddRequiresAdmin", func(t *testing.T) {
		f := newFixture(t)
		c := f.group(t, "alice", "bob")

		err := f.convs.AddParticipant(ctx, c.ID, "dave", "bob")
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)

		require.NoError(t, f.convs.AddParticipant(ctx, c.ID, "dave", "alice"))
		require.NoError(t, f.convs.AddParticipant(ctx, c.ID, "dave", "alice"))

		ids, err := f.convs.ActiveParticipantIDs(ctx, c.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob", "dave"}, ids)
	})

	t.Run("AddToDirectFails", func(t *testing.T) {
		f := newFixture(t)
		c := f.direct(t, "alice", "bob")
		err := f.convs.AddParticipant(ctx, c.ID, "carol", "alice")
		assert.ErrorIs(t, err, domain.ErrInvalidParticipants)
	})

	t.Run("OutsiderCannotAdd", func(t *testing.T) {
		f := newFixture(t)
		c := f.group(t, "alice", "bob")
		err := f.convs.AddParticipant(ctx, c.ID, "dave", "mallory")
		assert.ErrorIs(t, err, domain.ErrNotAParticipant)
	})

	t.Run("RemovePermissions", func(t *testing.T) {
		f := newFixture(t)
		c := f.group(t, "alice", "bob", "carol")

		err := f.convs.RemoveParticipant(ctx, c.ID, "carol", "bob")
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)

		require.NoError(t, f.convs.RemoveParticipant(ctx, c.ID, "bob", "bob"))
		require.NoError(t, f.convs.RemoveParticipant(ctx, c.ID, "carol", "alice"))
		assert.Equal(t, []string{c.ID + "/bob", c.ID + "/carol"}, f.pub.evicted)

		_, err = f.messages.Append(ctx, service.AppendInput{ConversationID: c.ID, SenderID: "bob", Content: "still here?"})
		assert.ErrorIs(t, err, domain.ErrNotAParticipant)

		// left_at is immutable
		p, err := f.repos.participants.Get(ctx, c.ID, "bob")
		require.NoError(t, err)
		leftAt := *p.LeftAt
		require.NoError(t, f.convs.RemoveParticipant(ctx, c.ID, "bob", "bob"))
		p, err = f.repos.participants.Get(ctx, c.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, leftAt, *p.LeftAt)

		err = f.convs.AddParticipant(ctx, c.ID, "bob", "alice")
		assert.ErrorIs(t, err, domain.ErrInvalidParticipants)
	})

	t.Run("LastAdminLeavingPromotesMember", func(t *testing.T) {
		f := newFixture(t)
		c := f.group(t, "alice", "bob", "carol")

		require.NoError(t, f.convs.RemoveParticipant(ctx, c.ID, "alice", "alice"))

		got, err := f.convs.GetConversation(ctx, c.ID, "bob")
		require.NoError(t, err)
		assert.Len(t, got.AdminIDs, 1)
		assert.NotContains(t, got.AdminIDs, "alice")
	})

	t.Run("SetRole", func(t *testing.T) {
		f := newFixture(t)
		c := f.group(t, "alice", "bob")

		err := f.convs.SetRole(ctx, c.ID, "alice", domain.RoleMember, "alice")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		err = f.convs.SetRole(ctx, c.ID, "bob", domain.RoleAdmin, "bob")
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)

		require.NoError(t, f.convs.SetRole(ctx, c.ID, "bob", domain.RoleAdmin, "alice"))
		require.NoError(t, f.convs.SetRole(ctx, c.ID, "alice", domain.RoleMember, "bob"))

		got, err := f.convs.GetConversation(ctx, c.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"bob"}, got.AdminIDs)
	})
}

func TestTouchActivityNeverRegresses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.direct(t, "alice", "bob")

	m1 := f.send(t, c.ID, "alice", "one")
	m2 := f.send(t, c.ID, "bob", "two")

	// a late update for an older message must not move the pointer back
	require.NoError(t, f.convs.TouchActivity(ctx, c.ID, m1.ID, m1.Seq, time.Now().Add(time.Hour)))

	got, err := f.convs.GetConversation(ctx, c.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageID)
	assert.Equal(t, m2.ID, *got.LastMessageID)
	assert.Equal(t, m2.Seq, got.LastMessageSeq)
}

func TestArchiveAndUnread(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.direct(t, "alice", "bob")

	f.send(t, c.ID, "alice", "one")
	m2 := f.send(t, c.ID, "alice", "two")
	f.send(t, c.ID, "alice", "three")

	n, err := f.convs.UnreadCount(ctx, c.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, f.messages.MarkRead(ctx, m2.ID, "bob", time.Time{}))
	n, err = f.convs.UnreadCount(ctx, c.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, f.convs.SetArchived(ctx, c.ID, "bob", true))
	require.NoError(t, f.convs.SetMuted(ctx, c.ID, "alice", true))
	got, err := f.convs.GetConversation(ctx, c.ID, "alice")
	require.NoError(t, err)
	assert.True(t, got.Archived)
	assert.True(t, got.Muted)

	err = f.convs.SetArchived(ctx, c.ID, "mallory", true)
	assert.ErrorIs(t, err, domain.ErrNotAParticipant)
}
