package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"chatcore/internal/config"
	"chatcore/internal/domain"
	"chatcore/internal/security"
	"chatcore/internal/service"
	"chatcore/internal/ws"

	_ "chatcore/docs"
	httpSwagger "github.com/swaggo/http-swagger"
)

// Services bundles what the router exposes.
type Services struct {
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Calls         *service.CallService
	Hub           *ws.Hub
	Tokens        *security.TokenService
}

// NewRouter constructs the main HTTP router and wires routes and middleware.
func NewRouter(cfg *config.Config, svc Services) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if cfg.Debug {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "healthy",
			"connections": svc.Hub.Connections(),
		})
	})

	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/docs/doc.json"),
	))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(AuthMiddleware(svc.Tokens))

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", handleCreateConversation(svc.Conversations))
			r.Get("/", handleListConversations(svc.Conversations))
			r.Get("/{conversationID}", handleGetConversation(svc.Conversations))
			r.Patch("/{conversationID}", handleUpdateConversation(svc.Conversations))
			r.Get("/{conversationID}/participants", handleListParticipants(svc.Conversations))
			r.Post("/{conversationID}/participants", handleAddParticipant(svc.Conversations))
			r.Delete("/{conversationID}/participants/{userID}", handleRemoveParticipant(svc.Conversations))
			r.Put("/{conversationID}/participants/{userID}/role", handleSetRole(svc.Conversations))
			r.Get("/{conversationID}/messages", handleListMessages(svc.Messages))
		})

		r.Route("/messages", func(r chi.Router) {
			r.Post("/", handleCreateMessage(svc.Messages))
			r.Get("/{messageID}", handleGetMessage(svc.Messages))
			r.Patch("/{messageID}", handleEditMessage(svc.Messages))
			r.Delete("/{messageID}", handleDeleteMessage(svc.Messages))
			r.Post("/{messageID}/forward", handleForwardMessage(svc.Messages))
		})
		r.Post("/delivery-ack", handleDeliveryAck(svc.Messages))
		r.Post("/read-ack", handleReadAck(svc.Messages))

		r.Route("/calls", func(r chi.Router) {
			r.Post("/start", handleStartCall(svc.Calls))
			r.Get("/{callID}", handleGetCall(svc.Calls))
			r.Post("/{callID}/respond", handleRespondCall(svc.Calls))
			r.Post("/{callID}/cancel", handleCallAction(svc.Calls.Cancel))
			r.Post("/{callID}/leave", handleCallAction(svc.Calls.Leave))
			r.Post("/{callID}/end", handleCallAction(svc.Calls.End))
		})
	})

	r.Get("/ws", ws.MakeHandler(ws.Deps{
		Hub:            svc.Hub,
		Tokens:         svc.Tokens,
		Conversations:  svc.Conversations,
		Messages:       svc.Messages,
		Calls:          svc.Calls,
		AllowedOrigins: cfg.CORSOrigins,
		SendBuffer:     cfg.WSSendBuffer,
	}))

	return r
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNotAParticipant),
		errors.Is(err, domain.ErrPermissionDenied),
		errors.Is(err, domain.ErrConversationArchived):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidParticipants),
		errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrAlreadyDeleted):
		status = http.StatusGone
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
	}
	if status == http.StatusInternalServerError {
		log.Printf("http: %v", err)
		writeJSON(w, status, map[string]string{"error": "internal error", "code": ws.ErrorCode(err)})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": ws.ErrorCode(err)})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}
