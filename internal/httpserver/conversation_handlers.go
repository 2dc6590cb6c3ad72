package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"chatcore/internal/domain"
	"chatcore/internal/service"
)

type conversationCreateRequest struct {
	Kind           domain.ConversationKind `json:"kind"`
	Name           *string                 `json:"name"`
	ParticipantIDs []string                `json:"participant_ids"`
}

type conversationUpdateRequest struct {
	Archived *bool `json:"archived"`
	Muted    *bool `json:"muted"`
}

type participantAddRequest struct {
	UserID string `json:"user_id"`
}

type roleRequest struct {
	Role domain.Role `json:"role"`
}

type conversationResponse struct {
	*domain.Conversation
	UnreadCount int `json:"unread_count"`
}

// @Summary      Create a conversation
// @Description  Create a direct or group conversation. Direct conversations are deduplicated per pair.
// @Tags         conversations
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        input body httpserver.conversationCreateRequest true "Conversation input"
// @Success      201  {object}  domain.Conversation
// @Failure      400  {object}  map[string]string
// @Failure      403  {object}  map[string]string
// @Router       /conversations [post]
func handleCreateConversation(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req conversationCreateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		conv, err := convSvc.CreateConversation(r.Context(), service.ConversationCreateInput{
			Kind:           req.Kind,
			Name:           req.Name,
			ParticipantIDs: req.ParticipantIDs,
		}, CurrentUserID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, conv)
	}
}

// @Summary      List conversations
// @Description  Conversations of the current user, most recent activity first, with unread counts.
// @Tags         conversations
// @Produce      json
// @Security     BearerAuth
// @Success      200  {array}  httpserver.conversationResponse
// @Router       /conversations [get]
func handleListConversations(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := CurrentUserID(r)
		convs, err := convSvc.ListForUser(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		res := make([]conversationResponse, 0, len(convs))
		for _, c := range convs {
			unread, err := convSvc.UnreadCount(r.Context(), c.ID, userID)
			if err != nil {
				writeError(w, err)
				return
			}
			res = append(res, conversationResponse{Conversation: c, UnreadCount: unread})
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// @Summary      Get a conversation
// @Tags         conversations
// @Produce      json
// @Security     BearerAuth
// @Param        conversationID path string true "Conversation ID"
// @Success      200  {object}  domain.Conversation
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /conversations/{conversationID} [get]
func handleGetConversation(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := convSvc.GetConversation(r.Context(), chi.URLParam(r, "conversationID"), CurrentUserID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

// @Summary      Archive or mute a conversation
// @Tags         conversations
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        conversationID path string true "Conversation ID"
// @Param        input body httpserver.conversationUpdateRequest true "Flags to change"
// @Success      200  {object}  domain.Conversation
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /conversations/{conversationID} [patch]
func handleUpdateConversation(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req conversationUpdateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		convID, userID := chi.URLParam(r, "conversationID"), CurrentUserID(r)
		if req.Archived != nil {
			if err := convSvc.SetArchived(r.Context(), convID, userID, *req.Archived); err != nil {
				writeError(w, err)
				return
			}
		}
		if req.Muted != nil {
			if err := convSvc.SetMuted(r.Context(), convID, userID, *req.Muted); err != nil {
				writeError(w, err)
				return
			}
		}
		conv, err := convSvc.GetConversation(r.Context(), convID, userID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

// @Summary      List participants
// @Tags         conversations
// @Produce      json
// @Security     BearerAuth
// @Param        conversationID path string true "Conversation ID"
// @Success      200  {array}  domain.Participant
// @Failure      403  {object}  map[string]string
// @Router       /conversations/{conversationID}/participants [get]
func handleListParticipants(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts, err := convSvc.ListParticipants(r.Context(), chi.URLParam(r, "conversationID"), CurrentUserID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, parts)
	}
}

// @Summary      Add a participant
// @Description  Group admins add a user; a former participant rejoins.
// @Tags         conversations
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        conversationID path string true "Conversation ID"
// @Param        input body httpserver.participantAddRequest true "User to add"
// @Success      200  {object}  map[string]string
// @Failure      400  {object}  map[string]string
// @Failure      403  {object}  map[string]string
// @Router       /conversations/{conversationID}/participants [post]
func handleAddParticipant(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req participantAddRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := convSvc.AddParticipant(r.Context(), chi.URLParam(r, "conversationID"), req.UserID, CurrentUserID(r)); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

// @Summary      Remove a participant
// @Description  Admins remove others; anyone may remove themselves.
// @Tags         conversations
// @Produce      json
// @Security     BearerAuth
// @Param        conversationID path string true "Conversation ID"
// @Param        userID path string true "User ID"
// @Success      200  {object}  map[string]string
// @Failure      403  {object}  map[string]string
// @Router       /conversations/{conversationID}/participants/{userID} [delete]
func handleRemoveParticipant(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := convSvc.RemoveParticipant(r.Context(), chi.URLParam(r, "conversationID"), chi.URLParam(r, "userID"), CurrentUserID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

// @Summary      Change a participant role
// @Tags         conversations
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        conversationID path string true "Conversation ID"
// @Param        userID path string true "User ID"
// @Param        input body httpserver.roleRequest true "New role"
// @Success      200  {object}  map[string]string
// @Failure      400  {object}  map[string]string
// @Failure      403  {object}  map[string]string
// @Router       /conversations/{conversationID}/participants/{userID}/role [put]
func handleSetRole(convSvc *service.ConversationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req roleRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		err := convSvc.SetRole(r.Context(), chi.URLParam(r, "conversationID"), chi.URLParam(r, "userID"), req.Role, CurrentUserID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}
