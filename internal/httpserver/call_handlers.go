package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"chatcore/internal/domain"
	"chatcore/internal/service"
)

type callStartRequest struct {
	ConversationID string          `json:"conversation_id"`
	CallType       domain.CallType `json:"call_type"`
}

type callRespondRequest struct {
	Action string `json:"action"`
}

// @Summary      Start a call
// @Tags         calls
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        input body httpserver.callStartRequest true "Call input"
// @Success      201  {object}  domain.CallSession
// @Failure      400  {object}  map[string]string
// @Failure      403  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /calls/start [post]
func handleStartCall(callSvc *service.CallService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req callStartRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		call, err := callSvc.Start(r.Context(), req.ConversationID, CurrentUserID(r), req.CallType)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, call)
	}
}

// @Summary      Get a call
// @Tags         calls
// @Produce      json
// @Security     BearerAuth
// @Param        callID path string true "Call ID"
// @Success      200  {object}  domain.CallSession
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /calls/{callID} [get]
func handleGetCall(callSvc *service.CallService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		call, err := callSvc.Get(r.Context(), chi.URLParam(r, "callID"), CurrentUserID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, call)
	}
}

// @Summary      Respond to a call invite
// @Description  Action is one of accept, decline or ack.
// @Tags         calls
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        callID path string true "Call ID"
// @Param        input body httpserver.callRespondRequest true "Invitee action"
// @Success      200  {object}  domain.CallSession
// @Failure      400  {object}  map[string]string
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /calls/{callID}/respond [post]
func handleRespondCall(callSvc *service.CallService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req callRespondRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		call, err := callSvc.Respond(r.Context(), chi.URLParam(r, "callID"), CurrentUserID(r), req.Action)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, call)
	}
}

// handleCallAction serves the body-less call transitions.
//
// @Summary      Cancel, leave or end a call
// @Tags         calls
// @Produce      json
// @Security     BearerAuth
// @Param        callID path string true "Call ID"
// @Success      200  {object}  domain.CallSession
// @Failure      403  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /calls/{callID}/cancel [post]
// @Router       /calls/{callID}/leave [post]
// @Router       /calls/{callID}/end [post]
func handleCallAction(action func(ctx context.Context, callID, userID string) (*domain.CallSession, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		call, err := action(r.Context(), chi.URLParam(r, "callID"), CurrentUserID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, call)
	}
}
