package service

import (
	"context"
	"log"

	"github.com/google/uuid"

	"chatcore/internal/domain"
)

// Publisher fans events out to live subscribers.
type Publisher interface {
	Publish(conversationID string, ev *domain.Event)
	OnlineUsers(conversationID string) []string
	Evict(conversationID, userID string)
}

// OfflineNotifier receives events for participants with no live connection.
type OfflineNotifier interface {
	NotifyOffline(ctx context.Context, userIDs []string, ev *domain.Event)
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// LogNotifier stands in for the push-notification bridge and only logs.
type LogNotifier struct{}

func (LogNotifier) NotifyOffline(ctx context.Context, userIDs []string, ev *domain.Event) {
	if len(userIDs) == 0 {
		return
	}
	log.Printf("notify: %s in %s for %d offline participant(s)", ev.Type, ev.ConversationID, len(userIDs))
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, *domain.Event) {}
func (nopPublisher) OnlineUsers(string) []string  { return nil }
func (nopPublisher) Evict(string, string)         {}
