package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatcore/internal/domain"
	"chatcore/internal/security"
	"chatcore/internal/service"
)

type wsAuthError struct {
	status int
	msg    string
}

func (e wsAuthError) Error() string {
	return e.msg
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	if len(allowed) == 0 {
		return func(r *http.Request) bool {
			return false
		}
	}
	if _, ok := allowed["*"]; ok {
		return func(r *http.Request) bool {
			return true
		}
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			return false
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

func extractTokenFromWSRequest(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("Bearer "):])
		if token != "" {
			return token, nil
		}
	}

	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") {
			token := parts[1]
			if token != "" {
				return token, nil
			}
		}
	}

	return "", wsAuthError{status: http.StatusUnauthorized, msg: "missing bearer token"}
}

// inbound is a client frame. Fields are interpreted per Type.
type inbound struct {
	Type           string             `json:"type"`
	Ref            string             `json:"ref,omitempty"`
	ConversationID string             `json:"conversation_id"`
	MessageID      string             `json:"message_id"`
	CallID         string             `json:"call_id"`
	AfterSeq       int64              `json:"after_seq"`
	Content        string             `json:"content"`
	MessageType    domain.MessageType `json:"message_type"`
	ReplyToID      *string            `json:"reply_to_id"`
	Attachment     *domain.Attachment `json:"attachment"`
	Typing         *bool              `json:"typing"`
	TargetUserID   string             `json:"target_user_id"`
	SDP            json.RawMessage    `json:"sdp,omitempty"`
	Candidate      json.RawMessage    `json:"candidate,omitempty"`
}

// SignalPayload is relayed for WebRTC offer/answer/ICE frames.
type SignalPayload struct {
	Kind         string          `json:"kind"`
	SenderID     string          `json:"sender_id"`
	TargetUserID string          `json:"target_user_id"`
	SDP          json.RawMessage `json:"sdp,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
}

// Deps are the collaborators of the /ws endpoint.
type Deps struct {
	Hub            *Hub
	Tokens         *security.TokenService
	Conversations  *service.ConversationService
	Messages       *service.MessageService
	Calls          *service.CallService
	AllowedOrigins []string
	SendBuffer     int
}

// MakeHandler returns an HTTP handler for the /ws endpoint.
// Authenticates via Bearer token (Authorization header or Sec-WebSocket-Protocol), then dispatches frames:
//   - subscribe / unsubscribe      -> join a conversation's fan-out, with catch-up from after_seq
//   - message                      -> append to the log
//   - delivery_ack / read_ack      -> receipts
//   - typing                       -> fan-out only
//   - edit_message / delete_message
//   - call_ack / call_accept / call_decline / call_cancel / call_leave / call_end
//   - call_offer / call_answer / ice_candidate -> relayed to target_user_id
func MakeHandler(d Deps) http.HandlerFunc {
	checkOrigin := makeCheckOrigin(d.AllowedOrigins)
	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin,
		Subprotocols: []string{
			"bearer",
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !checkOrigin(r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		tokenStr, err := extractTokenFromWSRequest(r)
		if err != nil {
			var authErr wsAuthError
			if errors.As(err, &authErr) {
				http.Error(w, authErr.msg, authErr.status)
				return
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		userID, err := d.Tokens.UserID(tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		client := NewClient(uuid.NewString(), userID, conn, d.SendBuffer)
		s := &session{ctx: ctx, deps: d, client: client, userID: userID}
		client.SetRefill(s.refill)

		d.Hub.Register(client)
		go client.WritePump()
		defer func() {
			cancel()
			d.Hub.Unsubscribe(client.ID)
			client.Close()
		}()

		_ = client.Send(map[string]any{"type": "hello", "connection_id": client.ID, "user_id": userID})

		for {
			var frame inbound
			if err := conn.ReadJSON(&frame); err != nil {
				break
			}
			s.handle(ctx, &frame)
		}
	}
}

type session struct {
	ctx    context.Context
	deps   Deps
	client *Client
	userID string

	// syncMu serializes catch-ups on this connection.
	syncMu sync.Mutex
}

func (s *session) handle(ctx context.Context, f *inbound) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var (
		result any
		err    error
	)
	switch f.Type {
	case "subscribe":
		err = s.subscribe(ctx, f.ConversationID, f.AfterSeq)

	case "unsubscribe":
		s.deps.Hub.Leave(f.ConversationID, s.client.ID)

	case "message":
		result, err = s.deps.Messages.Append(ctx, service.AppendInput{
			ConversationID: f.ConversationID,
			SenderID:       s.userID,
			Type:           f.MessageType,
			Content:        f.Content,
			ReplyToID:      f.ReplyToID,
			Attachment:     f.Attachment,
		})

	case "delivery_ack":
		err = s.deps.Messages.MarkDelivered(ctx, f.MessageID, s.userID, time.Time{})

	case "read_ack":
		err = s.deps.Messages.MarkRead(ctx, f.MessageID, s.userID, time.Time{})

	case "typing":
		err = s.typing(ctx, f)

	case "edit_message":
		result, err = s.deps.Messages.Edit(ctx, f.MessageID, s.userID, f.Content)

	case "delete_message":
		result, err = s.deps.Messages.SoftDelete(ctx, f.MessageID, s.userID)

	case "call_ack":
		result, err = s.deps.Calls.Acknowledge(ctx, f.CallID, s.userID)
	case "call_accept":
		result, err = s.deps.Calls.Accept(ctx, f.CallID, s.userID)
	case "call_decline":
		result, err = s.deps.Calls.Decline(ctx, f.CallID, s.userID)
	case "call_cancel":
		result, err = s.deps.Calls.Cancel(ctx, f.CallID, s.userID)
	case "call_leave":
		result, err = s.deps.Calls.Leave(ctx, f.CallID, s.userID)
	case "call_end":
		result, err = s.deps.Calls.End(ctx, f.CallID, s.userID)

	case "call_offer", "call_answer", "ice_candidate":
		err = s.signal(ctx, f)

	default:
		log.Printf("ws: unknown frame type %q from user %s", f.Type, s.userID)
		err = fmt.Errorf("%w: unknown frame type", domain.ErrInvalidInput)
	}

	if err != nil {
		s.sendError(f, err)
		return
	}
	if f.Ref != "" {
		_ = s.client.Send(map[string]any{"type": "ok", "ref": f.Ref, "result": result})
	}
}

// subscribe joins the conversation and replays everything after afterSeq.
// Live events arriving meanwhile are held by the client and merged behind
// the backlog.
func (s *session) subscribe(ctx context.Context, conversationID string, afterSeq int64) error {
	if _, err := s.deps.Conversations.RequireActive(ctx, conversationID, s.userID); err != nil {
		return err
	}
	if afterSeq < 0 {
		afterSeq = 0
	}
	n, err := s.catchUp(ctx, conversationID, afterSeq, func() {
		s.deps.Hub.Subscribe(conversationID, s.client)
	})
	if err != nil {
		return err
	}
	return s.client.Send(map[string]any{"type": "subscribed", "conversation_id": conversationID, "backlog": n})
}

// refill is run by the client when a live message skips a sequence number,
// for example when another node's append is relayed late.
func (s *session) refill(conversationID string) {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	if _, err := s.catchUp(ctx, conversationID, -1, nil); err != nil {
		log.Printf("ws: refill %s for %s: %v", conversationID, s.client.ID, err)
	}
}

// catchUp streams stored messages after afterSeq into the client page by
// page, then flushes the live events held back meanwhile. A negative
// afterSeq resumes from the last sequence already queued. join, if set, runs
// once live events are being held. Any failure closes the connection so the
// peer reconnects instead of living with a gap.
func (s *session) catchUp(ctx context.Context, conversationID string, afterSeq int64, join func()) (int, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	if afterSeq < 0 {
		afterSeq = s.client.LastSeq(conversationID)
	}
	s.client.BeginSync(conversationID, afterSeq)
	if join != nil {
		join()
	}

	seq, err := s.deps.Messages.FetchSince(ctx, conversationID, s.userID, afterSeq, -1)
	if err != nil {
		s.client.Close()
		return 0, err
	}
	n := 0
	for m, err := range seq {
		if err == nil {
			err = s.client.Replay(ctx, &domain.Event{
				Type:           domain.EventMessageNew,
				ConversationID: conversationID,
				Seq:            m.Seq,
				Payload:        m,
			})
		}
		if err != nil {
			s.client.Close()
			return n, err
		}
		n++
	}
	return n, s.client.EndSync(conversationID)
}

func (s *session) typing(ctx context.Context, f *inbound) error {
	if _, err := s.deps.Conversations.RequireActive(ctx, f.ConversationID, s.userID); err != nil {
		return err
	}
	typing := true
	if f.Typing != nil {
		typing = *f.Typing
	}
	s.deps.Hub.Publish(f.ConversationID, &domain.Event{
		Type:           domain.EventTyping,
		ConversationID: f.ConversationID,
		Payload:        domain.TypingPayload{UserID: s.userID, Typing: typing},
	})
	return nil
}

// signal relays WebRTC negotiation between two active participants.
func (s *session) signal(ctx context.Context, f *inbound) error {
	if f.TargetUserID == "" || f.ConversationID == "" {
		return fmt.Errorf("%w: call signaling requires target_user_id and conversation_id", domain.ErrInvalidInput)
	}
	if _, err := s.deps.Conversations.RequireActive(ctx, f.ConversationID, s.userID); err != nil {
		return err
	}
	if _, err := s.deps.Conversations.RequireActive(ctx, f.ConversationID, f.TargetUserID); err != nil {
		return domain.ErrNotAParticipant
	}
	s.deps.Hub.SendToUser(f.TargetUserID, &domain.Event{
		Type:           domain.EventCallSignal,
		ConversationID: f.ConversationID,
		Payload: SignalPayload{
			Kind:         f.Type,
			SenderID:     s.userID,
			TargetUserID: f.TargetUserID,
			SDP:          f.SDP,
			Candidate:    f.Candidate,
		},
	})
	return nil
}

func (s *session) sendError(f *inbound, err error) {
	log.Printf("ws: %s from user %s: %v", f.Type, s.userID, err)
	_ = s.client.Send(map[string]any{
		"type":    "error",
		"ref":     f.Ref,
		"code":    ErrorCode(err),
		"message": err.Error(),
	})
}

// ErrorCode maps domain errors to stable client-facing codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotAParticipant):
		return "not_a_participant"
	case errors.Is(err, domain.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, domain.ErrInvalidParticipants):
		return "invalid_participants"
	case errors.Is(err, domain.ErrConversationArchived):
		return "conversation_archived"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrAlreadyDeleted):
		return "already_deleted"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}
