package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"chatcore/internal/domain"
	"chatcore/internal/service"
)

type messageCreateRequest struct {
	ConversationID string             `json:"conversation_id"`
	Type           domain.MessageType `json:"type"`
	Content        string             `json:"content"`
	ReplyToID      *string            `json:"reply_to_id"`
	Attachment     *domain.Attachment `json:"attachment"`
}

type messageEditRequest struct {
	Content string `json:"content"`
}

type forwardRequest struct {
	ConversationID string `json:"conversation_id"`
}

type ackRequest struct {
	MessageID string     `json:"message_id"`
	At        *time.Time `json:"at"`
}

type messagePage struct {
	Messages []*service.MessageView `json:"messages"`
	NextSeq  int64                  `json:"next_after"`
}

// @Summary      Send a message
// @Description  Append a message to the conversation log and fan it out.
// @Tags         messages
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        input body httpserver.messageCreateRequest true "Message input"
// @Success      201  {object}  service.MessageView
// @Failure      400  {object}  map[string]string
// @Failure      403  {object}  map[string]string
// @Router       /messages [post]
func handleCreateMessage(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messageCreateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		msg, err := msgSvc.Append(r.Context(), service.AppendInput{
			ConversationID: req.ConversationID,
			SenderID:       CurrentUserID(r),
			Type:           req.Type,
			Content:        req.Content,
			ReplyToID:      req.ReplyToID,
			Attachment:     req.Attachment,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

// handleListMessages serves GET /conversations/{id}/messages?after=<seq>&limit=N.
//
// @Summary      Fetch messages
// @Description  Messages with a sequence number greater than after, ascending.
// @Tags         messages
// @Produce      json
// @Security     BearerAuth
// @Param        conversationID path string true "Conversation ID"
// @Param        after query int false "Last sequence already held"
// @Param        limit query int false "Page size"
// @Success      200  {object}  httpserver.messagePage
// @Failure      400  {object}  map[string]string
// @Failure      403  {object}  map[string]string
// @Router       /conversations/{conversationID}/messages [get]
func handleListMessages(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var after int64
		if s := q.Get("after"); s != "" {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil || v < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid after"})
				return
			}
			after = v
		}
		limit := 0
		if s := q.Get("limit"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
				return
			}
			limit = v
		}

		msgs, err := msgSvc.ListSince(r.Context(), chi.URLParam(r, "conversationID"), CurrentUserID(r), after, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		next := after
		if n := len(msgs); n > 0 {
			next = msgs[n-1].Seq
		}
		writeJSON(w, http.StatusOK, messagePage{Messages: msgs, NextSeq: next})
	}
}

// @Summary      Get a message
// @Tags         messages
// @Produce      json
// @Security     BearerAuth
// @Param        messageID path string true "Message ID"
// @Success      200  {object}  service.MessageView
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /messages/{messageID} [get]
func handleGetMessage(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := msgSvc.Get(r.Context(), chi.URLParam(r, "messageID"), CurrentUserID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

// @Summary      Edit a message
// @Tags         messages
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        messageID path string true "Message ID"
// @Param        input body httpserver.messageEditRequest true "New content"
// @Success      200  {object}  service.MessageView
// @Failure      400  {object}  map[string]string
// @Failure      403  {object}  map[string]string
// @Failure      410  {object}  map[string]string
// @Router       /messages/{messageID} [patch]
func handleEditMessage(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messageEditRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		msg, err := msgSvc.Edit(r.Context(), chi.URLParam(r, "messageID"), CurrentUserID(r), req.Content)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

// @Summary      Delete a message
// @Description  Soft delete: the envelope and its sequence number stay in the log.
// @Tags         messages
// @Produce      json
// @Security     BearerAuth
// @Param        messageID path string true "Message ID"
// @Success      200  {object}  service.MessageView
// @Failure      403  {object}  map[string]string
// @Failure      410  {object}  map[string]string
// @Router       /messages/{messageID} [delete]
func handleDeleteMessage(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := msgSvc.SoftDelete(r.Context(), chi.URLParam(r, "messageID"), CurrentUserID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

// @Summary      Forward a message
// @Tags         messages
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        messageID path string true "Message ID"
// @Param        input body httpserver.forwardRequest true "Target conversation"
// @Success      201  {object}  service.MessageView
// @Failure      400  {object}  map[string]string
// @Failure      403  {object}  map[string]string
// @Router       /messages/{messageID}/forward [post]
func handleForwardMessage(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req forwardRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		msg, err := msgSvc.Forward(r.Context(), chi.URLParam(r, "messageID"), req.ConversationID, CurrentUserID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

// @Summary      Acknowledge delivery
// @Tags         receipts
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        input body httpserver.ackRequest true "Message to acknowledge"
// @Success      200  {object}  map[string]string
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /delivery-ack [post]
func handleDeliveryAck(msgSvc *service.MessageService) http.HandlerFunc {
	return handleAck(msgSvc.MarkDelivered)
}

// @Summary      Acknowledge read
// @Description  Marks the message and everything before it as read.
// @Tags         receipts
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        input body httpserver.ackRequest true "Message to acknowledge"
// @Success      200  {object}  map[string]string
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /read-ack [post]
func handleReadAck(msgSvc *service.MessageService) http.HandlerFunc {
	return handleAck(msgSvc.MarkRead)
}

func handleAck(mark func(ctx context.Context, messageID, userID string, at time.Time) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ackRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		var at time.Time
		if req.At != nil {
			at = req.At.UTC()
		}
		if err := mark(r.Context(), req.MessageID, CurrentUserID(r), at); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}
