package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
)

func envelope(t *testing.T, env relayEnvelope) string {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return string(data)
}

func TestRelayForwardsInOrder(t *testing.T) {
	h := NewHub()
	r := NewRedisRelay(nil, "chatcore:events", h)
	h.SetRelay(r)

	h.Publish("conv", msgEvent("conv", 1))
	h.Publish("conv", &domain.Event{Type: domain.EventTyping, ConversationID: "conv"})
	h.SendToUser("bob", map[string]string{"type": "ping"})

	require.Len(t, r.out, 3)
	first, second, third := <-r.out, <-r.out, <-r.out
	assert.Equal(t, r.node, first.Node)
	assert.Equal(t, int64(1), first.Event.Seq)
	assert.Equal(t, domain.EventTyping, second.Event.Type)
	assert.NotZero(t, second.Event.EventID)
	assert.Equal(t, "bob", third.UserID)
	assert.JSONEq(t, `{"type":"ping"}`, string(third.Payload))
}

func TestRelayReceive(t *testing.T) {
	h := NewHub()
	r := NewRedisRelay(nil, "chatcore:events", h)
	c, conn := newTestClient(t, h, "c1", "alice", 16)
	h.Subscribe("conv", c)

	r.receive(envelope(t, relayEnvelope{
		Node:           r.node,
		ConversationID: "conv",
		Event:          &domain.Event{Type: domain.EventTyping, ConversationID: "conv", EventID: 1},
	}))
	r.receive(envelope(t, relayEnvelope{
		Node:           "node-b",
		ConversationID: "conv",
		Event:          &domain.Event{Type: domain.EventReceiptRead, ConversationID: "conv", EventID: 5},
	}))
	r.receive(envelope(t, relayEnvelope{
		Node:    "node-b",
		UserID:  "alice",
		Payload: json.RawMessage(`{"type":"call.signal"}`),
	}))
	r.receive("not json")

	assert.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.frames) == 2
	}, time.Second, 5*time.Millisecond)

	evs := conn.events()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventReceiptRead, evs[0].Type)
	assert.Equal(t, "node-b", evs[0].Origin)
}
