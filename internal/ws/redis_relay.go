package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chatcore/internal/domain"
)

const relayQueueSize = 1024

type relayEnvelope struct {
	Node           string          `json:"node"`
	ConversationID string          `json:"conversation_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	Event          *domain.Event   `json:"event,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// RedisRelay mirrors hub traffic between nodes over a Redis pub/sub channel.
// Outgoing envelopes are published by one goroutine in enqueue order.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	node    string
	hub     *Hub
	out     chan relayEnvelope
}

func NewRedisRelay(rdb *redis.Client, channel string, hub *Hub) *RedisRelay {
	return &RedisRelay{
		rdb:     rdb,
		channel: channel,
		node:    uuid.NewString(),
		hub:     hub,
		out:     make(chan relayEnvelope, relayQueueSize),
	}
}

var _ Relay = (*RedisRelay)(nil)

// Start subscribes to the channel and runs the publish and receive loops
// until ctx is cancelled.
func (r *RedisRelay) Start(ctx context.Context) error {
	ps := r.rdb.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	go r.publishLoop(ctx)
	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.receive(msg.Payload)
			}
		}
	}()
	return nil
}

func (r *RedisRelay) Forward(conversationID string, ev *domain.Event) {
	r.enqueue(relayEnvelope{ConversationID: conversationID, Event: ev})
}

func (r *RedisRelay) ForwardUser(userID string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("relay: encode payload for %s: %v", userID, err)
		return
	}
	r.enqueue(relayEnvelope{UserID: userID, Payload: raw})
}

func (r *RedisRelay) enqueue(env relayEnvelope) {
	env.Node = r.node
	select {
	case r.out <- env:
	default:
		log.Printf("relay: queue full, dropping envelope for %s%s", env.ConversationID, env.UserID)
	}
}

func (r *RedisRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.out:
			data, err := json.Marshal(env)
			if err != nil {
				log.Printf("relay: encode envelope: %v", err)
				continue
			}
			if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
				log.Printf("relay: publish: %v", err)
			}
		}
	}
}

func (r *RedisRelay) receive(data string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		log.Printf("relay: decode envelope: %v", err)
		return
	}
	if env.Node == r.node {
		return
	}
	switch {
	case env.Event != nil && env.ConversationID != "":
		r.hub.deliverRemote(env.Node, env.ConversationID, env.Event)
	case env.UserID != "" && len(env.Payload) > 0:
		r.hub.sendLocal(env.UserID, env.Payload)
	}
}
