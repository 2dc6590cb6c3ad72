package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))
	// running it twice must be harmless
	require.NoError(t, Migrate(db))
	return db
}

func seedConversation(t *testing.T, db *sql.DB, id string, users ...string) {
	t.Helper()
	c := &domain.Conversation{
		ID:             id,
		Kind:           domain.KindGroup,
		CreatedBy:      users[0],
		LastActivityAt: t0,
		CreatedAt:      t0,
	}
	var parts []*domain.Participant
	for i, u := range users {
		role := domain.RoleMember
		if i == 0 {
			role = domain.RoleAdmin
		}
		parts = append(parts, &domain.Participant{ConversationID: id, UserID: u, Role: role, JoinedAt: t0})
	}
	require.NoError(t, NewConversationRepo(db).Create(context.Background(), c, parts))
}

func seedMessage(t *testing.T, db *sql.DB, convID, id string, seq int64) *domain.Message {
	t.Helper()
	m := &domain.Message{
		ID:             id,
		ConversationID: convID,
		Seq:            seq,
		SenderID:       "alice",
		Type:           domain.MessageText,
		Content:        "ciphertext",
		CreatedAt:      t0.Add(time.Duration(seq) * time.Second),
	}
	require.NoError(t, NewMessageRepo(db).Create(context.Background(), m))
	return m
}

func TestMessageRepo(t *testing.T) {
	ctx := context.Background()

	t.Run("SeqIsUniquePerConversation", func(t *testing.T) {
		db := openTestDB(t)
		seedConversation(t, db, "c1", "alice", "bob")
		seedConversation(t, db, "c2", "alice", "bob")
		repo := NewMessageRepo(db)

		seedMessage(t, db, "c1", "m1", 1)
		seedMessage(t, db, "c2", "m2", 1)

		err := repo.Create(ctx, &domain.Message{
			ID: "m3", ConversationID: "c1", Seq: 1, SenderID: "bob",
			Type: domain.MessageText, Content: "x", CreatedAt: t0,
		})
		assert.ErrorIs(t, err, domain.ErrConflict)

		top, err := repo.MaxSeq(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), top)
	})

	t.Run("ListRangeWithAttachments", func(t *testing.T) {
		db := openTestDB(t)
		seedConversation(t, db, "c1", "alice", "bob")
		repo := NewMessageRepo(db)

		for i := int64(1); i <= 4; i++ {
			seedMessage(t, db, "c1", fmt.Sprintf("m%d", i), i)
		}
		require.NoError(t, repo.Create(ctx, &domain.Message{
			ID: "m5", ConversationID: "c1", Seq: 5, SenderID: "bob", Type: domain.MessageImage,
			Content: "", CreatedAt: t0.Add(5 * time.Second),
			Attachment: &domain.Attachment{FileURL: "https://cdn.example/a.png", FileType: "image/png", FileSize: 42},
		}))

		page, err := repo.ListRange(ctx, "c1", 1, 0, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, []int64{2, 3}, []int64{page[0].Seq, page[1].Seq})

		tail, err := repo.ListRange(ctx, "c1", 3, 5, 0)
		require.NoError(t, err)
		require.Len(t, tail, 2)
		require.NotNil(t, tail[1].Attachment)
		assert.Equal(t, int64(42), tail[1].Attachment.FileSize)
	})

	t.Run("ReceiptsAreFirstWriteWins", func(t *testing.T) {
		db := openTestDB(t)
		seedConversation(t, db, "c1", "alice", "bob", "carol")
		repo := NewMessageRepo(db)
		seedMessage(t, db, "c1", "m1", 1)

		added, err := repo.AddDelivered(ctx, "m1", "bob", t0.Add(10*time.Second))
		require.NoError(t, err)
		assert.True(t, added)
		added, err = repo.AddDelivered(ctx, "m1", "bob", t0.Add(20*time.Second))
		require.NoError(t, err)
		assert.False(t, added)

		// read before the recorded delivery is clamped up to it
		added, err = repo.AddRead(ctx, "m1", "bob", t0.Add(5*time.Second))
		require.NoError(t, err)
		assert.True(t, added)
		added, err = repo.AddRead(ctx, "m1", "bob", t0.Add(30*time.Second))
		require.NoError(t, err)
		assert.False(t, added)

		// a read with no prior delivery records both
		added, err = repo.AddRead(ctx, "m1", "carol", t0.Add(7*time.Second))
		require.NoError(t, err)
		assert.True(t, added)

		m, err := repo.GetByID(ctx, "m1")
		require.NoError(t, err)
		assert.True(t, m.DeliveredTo["bob"].Equal(t0.Add(10*time.Second)))
		assert.True(t, m.ReadBy["bob"].Equal(t0.Add(10*time.Second)))
		assert.True(t, m.DeliveredTo["carol"].Equal(t0.Add(7*time.Second)))
		assert.True(t, m.ReadBy["carol"].Equal(t0.Add(7*time.Second)))
	})

	t.Run("EditAndDelete", func(t *testing.T) {
		db := openTestDB(t)
		seedConversation(t, db, "c1", "alice", "bob")
		repo := NewMessageRepo(db)
		seedMessage(t, db, "c1", "m1", 1)

		require.NoError(t, repo.UpdateContent(ctx, "m1", "edited", t0.Add(time.Minute)))
		require.NoError(t, repo.SoftDelete(ctx, "m1", t0.Add(2*time.Minute)))

		assert.ErrorIs(t, repo.UpdateContent(ctx, "m1", "again", t0), domain.ErrAlreadyDeleted)
		assert.ErrorIs(t, repo.SoftDelete(ctx, "m1", t0), domain.ErrAlreadyDeleted)
		assert.ErrorIs(t, repo.SoftDelete(ctx, "nope", t0), domain.ErrNotFound)

		m, err := repo.GetByID(ctx, "m1")
		require.NoError(t, err)
		assert.Empty(t, m.Content)
		require.NotNil(t, m.DeletedAt)
	})

	t.Run("CountUnreadSkipsOwnAndDeleted", func(t *testing.T) {
		db := openTestDB(t)
		seedConversation(t, db, "c1", "alice", "bob")
		repo := NewMessageRepo(db)
		seedMessage(t, db, "c1", "m1", 1)
		seedMessage(t, db, "c1", "m2", 2)
		seedMessage(t, db, "c1", "m3", 3)
		require.NoError(t, repo.SoftDelete(ctx, "m3", t0))

		n, err := repo.CountUnread(ctx, "c1", "bob", 1)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = repo.CountUnread(ctx, "c1", "alice", 0)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestConversationRepo(t *testing.T) {
	ctx := context.Background()

	t.Run("TouchActivityNeverRegresses", func(t *testing.T) {
		db := openTestDB(t)
		seedConversation(t, db, "c1", "alice", "bob")
		repo := NewConversationRepo(db)

		require.NoError(t, repo.TouchActivity(ctx, "c1", "m5", 5, t0.Add(5*time.Second)))
		// a late writer with an older message must not move anything back
		require.NoError(t, repo.TouchActivity(ctx, "c1", "m4", 4, t0.Add(4*time.Second)))

		c, err := repo.GetByID(ctx, "c1")
		require.NoError(t, err)
		require.NotNil(t, c.LastMessageID)
		assert.Equal(t, "m5", *c.LastMessageID)
		assert.Equal(t, int64(5), c.LastMessageSeq)
		assert.True(t, c.LastActivityAt.Equal(t0.Add(5*time.Second)))

		assert.ErrorIs(t, repo.TouchActivity(ctx, "missing", "m1", 1, t0), domain.ErrNotFound)
	})

	t.Run("DirectKeyIsUnique", func(t *testing.T) {
		db := openTestDB(t)
		repo := NewConversationRepo(db)
		key := "alice:bob"
		mk := func(id string) *domain.Conversation {
			return &domain.Conversation{ID: id, Kind: domain.KindDirect, CreatedBy: "alice", DirectKey: &key, LastActivityAt: t0, CreatedAt: t0}
		}

		require.NoError(t, repo.Create(ctx, mk("d1"), nil))
		assert.ErrorIs(t, repo.Create(ctx, mk("d2"), nil), domain.ErrConflict)

		c, err := repo.FindByDirectKey(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "d1", c.ID)
	})

	t.Run("SetFlags", func(t *testing.T) {
		db := openTestDB(t)
		seedConversation(t, db, "c1", "alice", "bob")
		repo := NewConversationRepo(db)

		yes := true
		require.NoError(t, repo.SetFlags(ctx, "c1", &yes, nil))
		c, err := repo.GetByID(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, c.Archived)
		assert.False(t, c.Muted)
	})
}

func TestParticipantRepo(t *testing.T) {
	ctx := context.Background()

	t.Run("ReadCursorMovesForwardOnly", func(t *testing.T) {
		db := openTestDB(t)
		seedConversation(t, db, "c1", "alice", "bob")
		repo := NewParticipantRepo(db)

		moved, err := repo.AdvanceReadCursor(ctx, "c1", "bob", "m3", 3, t0)
		require.NoError(t, err)
		assert.True(t, moved)

		moved, err = repo.AdvanceReadCursor(ctx, "c1", "bob", "m2", 2, t0)
		require.NoError(t, err)
		assert.False(t, moved)

		p, err := repo.Get(ctx, "c1", "bob")
		require.NoError(t, err)
		assert.Equal(t, int64(3), p.LastReadSeq)
		assert.Equal(t, "m3", *p.LastReadMessageID)

		_, err = repo.AdvanceReadCursor(ctx, "c1", "mallory", "m3", 3, t0)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("LeftParticipantCursorIsFrozen", func(t *testing.T) {
		db := openTestDB(t)
		seedConversation(t, db, "c1", "alice", "bob")
		repo := NewParticipantRepo(db)

		require.NoError(t, repo.MarkLeft(ctx, "c1", "bob", t0.Add(time.Minute)))
		// leaving twice keeps the first departure time
		require.NoError(t, repo.MarkLeft(ctx, "c1", "bob", t0.Add(time.Hour)))

		moved, err := repo.AdvanceReadCursor(ctx, "c1", "bob", "m1", 1, t0)
		require.NoError(t, err)
		assert.False(t, moved)

		p, err := repo.Get(ctx, "c1", "bob")
		require.NoError(t, err)
		require.NotNil(t, p.LeftAt)
		assert.True(t, p.LeftAt.Equal(t0.Add(time.Minute)))
		assert.Zero(t, p.LastReadSeq)
	})

	t.Run("AddAndList", func(t *testing.T) {
		db := openTestDB(t)
		seedConversation(t, db, "c1", "alice", "bob")
		repo := NewParticipantRepo(db)

		require.NoError(t, repo.Add(ctx, &domain.Participant{ConversationID: "c1", UserID: "carol", Role: domain.RoleMember, JoinedAt: t0.Add(time.Second)}))
		assert.ErrorIs(t, repo.Add(ctx, &domain.Participant{ConversationID: "c1", UserID: "carol", Role: domain.RoleMember, JoinedAt: t0}), domain.ErrConflict)
		require.NoError(t, repo.SetRole(ctx, "c1", "carol", domain.RoleAdmin))

		parts, err := repo.List(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, parts, 3)
		assert.Equal(t, "carol", parts[2].UserID)
		assert.Equal(t, domain.RoleAdmin, parts[2].Role)
	})
}

func TestCallRepo(t *testing.T) {
	ctx := context.Background()

	call := func(id string, status domain.CallStatus, created time.Time) *domain.CallSession {
		return &domain.CallSession{
			ID:             id,
			ConversationID: "c1",
			InitiatorID:    "alice",
			CallType:       domain.CallAudio,
			Status:         status,
			CreatedAt:      created,
			Participants: map[string]*domain.CallParticipant{
				"alice": {UserID: "alice", Status: domain.InviteeJoined},
				"bob":   {UserID: "bob", Status: domain.InviteeInvited},
			},
		}
	}

	t.Run("FindOpenIgnoresClosedCalls", func(t *testing.T) {
		db := openTestDB(t)
		seedConversation(t, db, "c1", "alice", "bob")
		repo := NewCallRepo(db)

		_, err := repo.FindOpen(ctx, "c1")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		require.NoError(t, repo.Create(ctx, call("k1", domain.CallEnded, t0)))
		require.NoError(t, repo.Create(ctx, call("k2", domain.CallMissed, t0.Add(time.Second))))
		_, err = repo.FindOpen(ctx, "c1")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		require.NoError(t, repo.Create(ctx, call("k3", domain.CallRinging, t0.Add(2*time.Second))))
		open, err := repo.FindOpen(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "k3", open.ID)
		assert.Len(t, open.Participants, 2)
	})

	t.Run("UpdatePersistsParticipants", func(t *testing.T) {
		db := openTestDB(t)
		seedConversation(t, db, "c1", "alice", "bob")
		repo := NewCallRepo(db)

		c := call("k1", domain.CallInitiated, t0)
		require.NoError(t, repo.Create(ctx, c))
		assert.ErrorIs(t, repo.Create(ctx, c), domain.ErrConflict)

		start := t0.Add(time.Second)
		c.Status = domain.CallActive
		c.StartTime = &start
		c.Participants["bob"].Status = domain.InviteeJoined
		c.Participants["bob"].RespondedAt = &start
		require.NoError(t, repo.Update(ctx, c))

		got, err := repo.GetByID(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, domain.CallActive, got.Status)
		require.NotNil(t, got.StartTime)
		assert.True(t, got.StartTime.Equal(start))
		assert.Equal(t, domain.InviteeJoined, got.Participants["bob"].Status)

		assert.ErrorIs(t, repo.Update(ctx, call("missing", domain.CallActive, t0)), domain.ErrNotFound)
	})
}
