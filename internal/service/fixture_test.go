package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
	"chatcore/internal/security"
	"chatcore/internal/service"
	"chatcore/internal/store/memory"
)

// recordingPublisher captures published events and lets tests control who is
// online.
type recordingPublisher struct {
	mu      sync.Mutex
	events  []*domain.Event
	online  map[string][]string
	evicted []string
	nextID  int64
}

func (p *recordingPublisher) Publish(conversationID string, ev *domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !ev.Ordered() {
		p.nextID++
		ev.EventID = p.nextID
	}
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) OnlineUsers(conversationID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.online[conversationID]
}

func (p *recordingPublisher) Evict(conversationID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.evicted = append(p.evicted, conversationID+"/"+userID)
}

func (p *recordingPublisher) setOnline(conversationID string, users ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.online == nil {
		p.online = make(map[string][]string)
	}
	p.online[conversationID] = users
}

func (p *recordingPublisher) ofType(t domain.EventType) []*domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	var res []*domain.Event
	for _, ev := range p.events {
		if ev.Type == t {
			res = append(res, ev)
		}
	}
	return res
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyOffline(ctx context.Context, userIDs []string, ev *domain.Event) {
	m.Called(ctx, userIDs, ev)
}

type fixture struct {
	convs    *service.ConversationService
	messages *service.MessageService
	calls    *service.CallService
	pub      *recordingPublisher
	notifier *MockNotifier
	repos    struct {
		participants *memory.ParticipantRepo
		messages     *memory.MessageRepo
		calls        *memory.CallRepo
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := memory.New()
	f := &fixture{pub: &recordingPublisher{}, notifier: new(MockNotifier)}
	f.notifier.On("NotifyOffline", mock.Anything, mock.Anything, mock.Anything).Return().Maybe()
	f.repos.participants = memory.NewParticipantRepo(db)
	f.repos.messages = memory.NewMessageRepo(db)
	f.repos.calls = memory.NewCallRepo(db)

	enc := mustEncryptor(t)
	locks := service.NewLockArena()
	f.convs = service.NewConversationService(memory.NewConversationRepo(db), f.repos.participants, f.repos.messages, f.pub, locks, 8)
	f.messages = service.NewMessageService(f.convs, f.repos.messages, enc, f.pub, f.notifier, locks, 50)
	f.calls = service.NewCallService(f.convs, f.repos.calls, f.messages, f.pub, f.notifier, locks, 30*time.Second, 15*time.Second)
	t.Cleanup(f.calls.Stop)
	return f
}

func (f *fixture) direct(t *testing.T, a, b string) *domain.Conversation {
	t.Helper()
	c, err := f.convs.CreateConversation(context.Background(), service.ConversationCreateInput{
		Kind:           domain.KindDirect,
		ParticipantIDs: []string{a, b},
	}, a)
	require.NoError(t, err)
	return c
}

func (f *fixture) group(t *testing.T, creator string, others ...string) *domain.Conversation {
	t.Helper()
	name := "team"
	c, err := f.convs.CreateConversation(context.Background(), service.ConversationCreateInput{
		Kind:           domain.KindGroup,
		Name:           &name,
		ParticipantIDs: append([]string{creator}, others...),
	}, creator)
	require.NoError(t, err)
	return c
}

func (f *fixture) send(t *testing.T, convID, sender, text string) *service.MessageView {
	t.Helper()
	m, err := f.messages.Append(context.Background(), service.AppendInput{
		ConversationID: convID,
		SenderID:       sender,
		Content:        text,
	})
	require.NoError(t, err)
	return m
}

func mustEncryptor(t *testing.T) *security.Encryptor {
	t.Helper()
	enc, err := security.NewEncryptor([]byte("test-encryption-key"), nil)
	require.NoError(t, err)
	return enc
}
