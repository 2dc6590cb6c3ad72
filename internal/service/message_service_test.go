package service_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
	"chatcore/internal/service"
)

func TestAppend(t *testing.T) {
	ctx := context.Background()

	t.Run("ConcurrentAppendsGetDistinctIncreasingSeq", func(t *testing.T) {
		f := newFixture(t)
		c := f.group(t, "alice", "bob", "carol")
		senders := []string{"alice", "bob", "carol"}

		const n = 60
		seqs := make(chan int64, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				m, err := f.messages.Append(ctx, service.AppendInput{
					ConversationID: c.ID,
					SenderID:       senders[i%len(senders)],
					Content:        fmt.Sprintf("msg %d", i),
				})
				if assert.NoError(t, err) {
					seqs <- m.Seq
				}
			}(i)
		}
		wg.Wait()
		close(seqs)

		var got []int64
		for s := range seqs {
			got = append(got, s)
		}
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		require.Len(t, got, n)
		for i, s := range got {
			assert.Equal(t, int64(i+1), s)
		}

		// fan-out order matches log order
		var published []int64
		for _, ev := range f.pub.ofType(domain.EventMessageNew) {
			published = append(published, ev.Seq)
		}
		assert.Equal(t, got, published)
	})

	t.Run("SequencesAreScopedPerConversation", func(t *testing.T) {
		f := newFixture(t)
		c1 := f.direct(t, "alice", "bob")
		c2 := f.direct(t, "alice", "carol")

		assert.Equal(t, int64(1), f.send(t, c1.ID, "alice", "a").Seq)
		assert.Equal(t, int64(2), f.send(t, c1.ID, "bob", "b").Seq)
		assert.Equal(t, int64(1), f.send(t, c2.ID, "carol", "c").Seq)
	})

	t.Run("SharedStoreAcrossNodes", func(t *testing.T) {
		f := newFixture(t)
		c := f.direct(t, "alice", "bob")
		// a second node: same store, its own sequence cache
		other := service.NewMessageService(f.convs, f.repos.messages, mustEncryptor(t), f.pub, f.notifier, service.NewLockArena(), 50)

		a1 := f.send(t, c.ID, "alice", "from node a")
		b, err := other.Append(ctx, service.AppendInput{ConversationID: c.ID, SenderID: "bob", Content: "from node b"})
		require.NoError(t, err)
		a2 := f.send(t, c.ID, "alice", "node a again")

		assert.Equal(t, []int64{1, 2, 3}, []int64{a1.Seq, b.Seq, a2.Seq})
	})

	t.Run("Validation", func(t *testing.T) {
		f := newFixture(t)
		c := f.direct(t, "alice", "bob")

		_, err := f.messages.Append(ctx, service.AppendInput{ConversationID: c.ID, SenderID: "mallory", Content: "hi"})
		assert.ErrorIs(t, err, domain.ErrNotAParticipant)

		_, err = f.messages.Append(ctx, service.AppendInput{ConversationID: c.ID, SenderID: "alice"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		_, err = f.messages.Append(ctx, service.AppendInput{ConversationID: c.ID, SenderID: "alice", Type: "sticker", Content: "x"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		_, err = f.messages.Append(ctx, service.AppendInput{ConversationID: c.ID, SenderID: "alice", Type: domain.MessageImage})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		_, err = f.messages.Append(ctx, service.AppendInput{ConversationID: "missing", SenderID: "alice", Content: "x"})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("AttachmentAndReply", func(t *testing.T) {
		f := newFixture(t)
		c := f.direct(t, "alice", "bob")
		parent := f.send(t, c.ID, "alice", "look")

		m, err := f.messages.Append(ctx, service.AppendInput{
			ConversationID: c.ID,
			SenderID:       "bob",
			Type:           domain.MessageImage,
			ReplyToID:      &parent.ID,
			Attachment:     &domain.Attachment{FileURL: "https://cdn.example/p.png", FileType: "image/png", FileSize: 1024},
		})
		require.NoError(t, err)
		require.NotNil(t, m.Attachment)
		assert.Equal(t, "https://cdn.example/p.png", m.Attachment.FileURL)
		assert.Equal(t, parent.ID, *m.ReplyToID)

		other := f.direct(t, "bob", "carol")
		_, err = f.messages.Append(ctx, service.AppendInput{ConversationID: other.ID, SenderID: "bob", Content: "x", ReplyToID: &parent.ID})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("ArchivedPolicy", func(t *testing.T) {
		f := newFixture(t)
		c := f.direct(t, "alice", "bob")
		require.NoError(t, f.convs.SetArchived(ctx, c.ID, "alice", true))

		f.send(t, c.ID, "alice", "not enforced by default")

		f.messages.RejectPostsToArchived = true
		_, err := f.messages.Append(ctx, service.AppendInput{ConversationID: c.ID, SenderID: "alice", Content: "x"})
		assert.ErrorIs(t, err, domain.ErrConversationArchived)
	})

	t.Run("ContentIsEncryptedAtRest", func(t *testing.T) {
		f := newFixture(t)
		c := f.direct(t, "alice", "bob")
		m := f.send(t, c.ID, "alice", "secret plans")
		assert.Equal(t, "secret plans", m.Content)

		stored, err := f.repos.messages.GetByID(ctx, m.ID)
		require.NoError(t, err)
		assert.NotEqual(t, "secret plans", stored.Content)
	})

	t.Run("NotifiesOfflineParticipants", func(t *testing.T) {
		f := newFixture(t)
		notifier := new(MockNotifier)
		f.messages = service.NewMessageService(f.convs, f.repos.messages, mustEncryptor(t), f.pub, notifier, service.NewLockArena(), 50)

		c := f.group(t, "alice", "bob", "carol")
		f.pub.setOnline(c.ID, "alice", "bob")
		notifier.On("NotifyOffline", mock.Anything, []string{"carol"}, mock.MatchedBy(func(ev *domain.Event) bool {
			return ev.Type == domain.EventMessageNew && ev.Seq == 1
		})).Return().Once()

		f.send(t, c.ID, "alice", "hello")
		notifier.AssertExpectations(t)
	})
}

func TestReceipts(t *testing.T) {
	ctx := context.Background()

	t.Run("MarkDeliveredIsIdempotent", func(t *testing.T) {
		f := newFixture(t)
		c := f.direct(t, "alice", "bob")
		m := f.send(t, c.ID, "alice", "hi")

		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		require.NoError(t, f.messages.MarkDelivered(ctx, m.ID, "bob", at))
		require.NoError(t, f.messages.MarkDelivered(ctx, m.ID, "bob", at.Add(time.Minute)))
		require.NoError(t, f.messages.MarkDelivered(ctx, m.ID, "bob", at.Add(-time.Minute)))

		got, err := f.messages.Get(ctx, m.ID, "bob")
		require.NoError(t, err)
		assert.Equal(t, map[string]time.Time{"bob": at}, got.DeliveredTo)
		assert.Len(t, f.pub.ofType(domain.EventReceiptDelivered), 1)
	})

	t.Run("MarkReadSynthesizesDelivery", func(t *testing.T) {
		f := newFixture(t)
		c := f.direct(t, "alice", "bob")
		m := f.send(t, c.ID, "alice", "hi")

		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		require.NoError(t, f.messages.MarkRead(ctx, m.ID, "bob", at))
		require.NoError(t, f.messages.MarkRead(ctx, m.ID, "bob", at.Add(time.Hour)))

		got, err := f.messages.Get(ctx, m.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, map[string]time.Time{"bob": at}, got.ReadBy)
		assert.Equal(t, map[string]time.Time{"bob": at}, got.DeliveredTo)
	})

	t.Run("ReadNeverPrecedesDelivery", func(t *testing.T) {
		f := newFixture(t)
		c := f.direct(t, "alice", "bob")
		m := f.send(t, c.ID, "alice", "hi")

		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		require.NoError(t, f.messages.MarkDelivered(ctx, m.ID, "bob", at.Add(10*time.Second)))
		require.NoError(t, f.messages.MarkRead(ctx, m.ID, "bob", at.Add(5*time.Second)))

		got, err := f.messages.Get(ctx, m.ID, "alice")
		require.NoError(t, err)
		assert.False(t, got.ReadBy["bob"].Before(got.DeliveredTo["bob"]))
		assert.Equal(t, at.Add(10*time.Second), got.ReadBy["bob"])
	})

	t.Run("ReadCursorNeverRegresses", func(t *testing.T) {
		f := newFixture(t)
		c := f.direct(t, "alice", "bob")
		m1 := f.send(t, c.ID, "alice", "one")
		f.send(t, c.ID, "alice", "two")
		m3 := f.send(t, c.ID, "alice", "three")

		require.NoError(t, f.messages.MarkRead(ctx, m3.ID, "bob", time.Time{}))
		require.NoError(t, f.messages.MarkRead(ctx, m1.ID, "bob", time.Time{}))

		p, err := f.repos.participants.Get(ctx, c.ID, "bob")
		require.NoError(t, err)
		require.NotNil(t, p.LastReadMessageID)
		assert.Equal(t, m3.ID, *p.LastReadMessageID)
		assert.Equal(t, m3.Seq, p.LastReadSeq)

		reads := f.pub.ofType(domain.EventReceiptRead)
		require.Len(t, reads, 2)
		assert.Equal(t, m3.Seq, reads[1].Payload.(domain.ReceiptPayload).LastReadSeq)
	})

	t.Run("SenderReceiptsAreIgnored", func(t *testing.T) {
		f := newFixture(t)
		c := f.direct(t, "alice", "bob")
		m := f.send(t, c.ID, "alice", "hi")

		require.NoError(t, f.messages.MarkDelivered(ctx, m.ID, "alice", time.Time{}))
		require.NoError(t, f.messages.MarkRead(ctx, m.ID, "alice", time.Time{}))

		got, err := f.messages.Get(ctx, m.ID, "alice")
		require.NoError(t, err)
		assert.Empty(t, got.DeliveredTo)
		assert.Empty(t, got.ReadBy)
	})

	t.Run("LeftParticipantCannotAck", func(t *testing.T) {
		f := newFixture(t)
		c := f.group(t, "alice", "bob")
		m := f.send(t, c.ID, "alice", "hi")
		require.NoError(t, f.convs.RemoveParticipant(ctx, c.ID, "bob", "bob"))

		assert.ErrorIs(t, f.messages.MarkRead(ctx, m.ID, "bob", time.Time{}), domain.ErrNotAParticipant)
		assert.ErrorIs(t, f.messages.MarkDelivered(ctx, m.ID, "bob", time.Time{}), domain.ErrNotAParticipant)
	})
}

// Alice sends m1..m3; Bob syncs from scratch and reads up to m2.
func TestOfflineCatchUpAndReadScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.direct(t, "alice", "bob")

	m1 := f.send(t, c.ID, "alice", "m1")
	m2 := f.send(t, c.ID, "alice", "m2")
	m3 := f.send(t, c.ID, "alice", "m3")

	got, err := f.messages.ListSince(ctx, c.ID, "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{m1.ID, m2.ID, m3.ID}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{got[0].Content, got[1].Content, got[2].Content})

	require.NoError(t, f.messages.MarkRead(ctx, m2.ID, "bob", time.Time{}))

	p, err := f.repos.participants.Get(ctx, c.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, m2.ID, *p.LastReadMessageID)

	for _, id := range []string{m1.ID, m2.ID} {
		m, err := f.messages.Get(ctx, id, "bob")
		require.NoError(t, err)
		assert.Contains(t, m.ReadBy, "bob")
		assert.Contains(t, m.DeliveredTo, "bob")
	}
	last, err := f.messages.Get(ctx, m3.ID, "bob")
	require.NoError(t, err)
	assert.NotContains(t, last.ReadBy, "bob")
	assert.NotContains(t, last.DeliveredTo, "bob")
}

func TestFetchSince(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.direct(t, "alice", "bob")
	for i := 1; i <= 250; i++ {
		f.send(t, c.ID, "alice", fmt.Sprintf("m%d", i))
	}

	t.Run("ResumesWithoutGapsOrDuplicates", func(t *testing.T) {
		var after int64
		var all []int64
		for {
			page, err := f.messages.ListSince(ctx, c.ID, "bob", after, 40)
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			for _, m := range page {
				all = append(all, m.Seq)
			}
			after = page[len(page)-1].Seq
		}
		require.Len(t, all, 250)
		for i, s := range all {
			assert.Equal(t, int64(i+1), s)
		}
	})

	t.Run("LimitIsCapped", func(t *testing.T) {
		page, err := f.messages.ListSince(ctx, c.ID, "bob", 0, 1000)
		require.NoError(t, err)
		assert.Len(t, page, 50)
	})

	t.Run("SequenceIsRestartable", func(t *testing.T) {
		seq, err := f.messages.FetchSince(ctx, c.ID, "bob", 245, 0)
		require.NoError(t, err)

		collect := func() []int64 {
			var res []int64
			for m, err := range seq {
				require.NoError(t, err)
				res = append(res, m.Seq)
			}
			return res
		}
		first := collect()
		assert.Equal(t, []int64{246, 247, 248, 249, 250}, first)
		assert.Equal(t, first, collect())
	})

	t.Run("StopsEarly", func(t *testing.T) {
		seq, err := f.messages.FetchSince(ctx, c.ID, "bob", 0, -1)
		require.NoError(t, err)
		n := 0
		for range seq {
			n++
			if n == 3 {
				break
			}
		}
		assert.Equal(t, 3, n)
	})

	t.Run("Unbounded", func(t *testing.T) {
		seq, err := f.messages.FetchSince(ctx, c.ID, "bob", 100, -1)
		require.NoError(t, err)
		n := 0
		for _, err := range seq {
			require.NoError(t, err)
			n++
		}
		assert.Equal(t, 150, n)
	})

	t.Run("RequiresMembership", func(t *testing.T) {
		_, err := f.messages.FetchSince(ctx, c.ID, "mallory", 0, 10)
		assert.ErrorIs(t, err, domain.ErrNotAParticipant)
	})
}

func TestEditAndDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("OnlySenderEdits", func(t *testing.T) {
		f := newFixture(t)
		c := f.direct(t, "alice", "bob")
		m := f.send(t, c.ID, "alice", "helo")

		_, err := f.messages.Edit(ctx, m.ID, "bob", "hacked")
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)

		edited, err := f.messages.Edit(ctx, m.ID, "alice", "hello")
		require.NoError(t, err)
		assert.Equal(t, "hello", edited.Content)
		assert.NotNil(t, edited.EditedAt)
		assert.Equal(t, m.Seq, edited.Seq)
		assert.Len(t, f.pub.ofType(domain.EventMessageEdited), 1)

		_, err = f.messages.Edit(ctx, "missing", "alice", "x")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("SoftDeleteKeepsEnvelope", func(t *testing.T) {
		f := newFixture(t)
		c := f.direct(t, "alice", "bob")
		f.send(t, c.ID, "alice", "one")
		m := f.send(t, c.ID, "alice", "two")
		f.send(t, c.ID, "alice", "three")

		_, err := f.messages.SoftDelete(ctx, m.ID, "bob")
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)

		deleted, err := f.messages.SoftDelete(ctx, m.ID, "alice")
		require.NoError(t, err)
		assert.True(t, deleted.IsDeleted)
		assert.Empty(t, deleted.Content)

		_, err = f.messages.SoftDelete(ctx, m.ID, "alice")
		assert.ErrorIs(t, err, domain.ErrAlreadyDeleted)
		_, err = f.messages.Edit(ctx, m.ID, "alice", "again")
		assert.ErrorIs(t, err, domain.ErrAlreadyDeleted)

		all, err := f.messages.ListSince(ctx, c.ID, "bob", 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, m.ID, all[1].ID)
		assert.Equal(t, int64(2), all[1].Seq)
		assert.True(t, all[1].IsDeleted)
		assert.Empty(t, all[1].Content)
	})

	t.Run("FormerParticipantCannotEdit", func(t *testing.T) {
		f := newFixture(t)
		c := f.group(t, "alice", "bob")
		m := f.send(t, c.ID, "bob", "before leaving")
		require.NoError(t, f.convs.RemoveParticipant(ctx, c.ID, "bob", "bob"))

		_, err := f.messages.Edit(ctx, m.ID, "bob", "after leaving")
		assert.ErrorIs(t, err, domain.ErrNotAParticipant)
		assert.Empty(t, f.pub.ofType(domain.EventMessageEdited))
	})

	t.Run("GroupAdminDeletes", func(t *testing.T) {
		f := newFixture(t)
		c := f.group(t, "alice", "bob", "carol")
		m := f.send(t, c.ID, "bob", "spam")

		_, err := f.messages.SoftDelete(ctx, m.ID, "carol")
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)

		_, err = f.messages.SoftDelete(ctx, m.ID, "alice")
		require.NoError(t, err)
		assert.Len(t, f.pub.ofType(domain.EventMessageDeleted), 1)
	})
}

func TestForward(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := f.direct(t, "alice", "bob")
	dst := f.direct(t, "bob", "carol")
	m := f.send(t, src.ID, "alice", "pass it on")

	fwd, err := f.messages.Forward(ctx, m.ID, dst.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, dst.ID, fwd.ConversationID)
	assert.Equal(t, "pass it on", fwd.Content)
	require.NotNil(t, fwd.ForwardedFromID)
	assert.Equal(t, m.ID, *fwd.ForwardedFromID)

	_, err = f.messages.Forward(ctx, m.ID, dst.ID, "carol")
	assert.ErrorIs(t, err, domain.ErrNotAParticipant)
}
