package domain

import "errors"

// Sentinel errors for the application.
var (
	ErrNotFound           = errors.New("resource not found")
	ErrUnauthorized       = errors.New("unauthorized access")
	ErrConflict           = errors.New("resource already exists")
	ErrInvalidInput       = errors.New("invalid input")
	ErrDatabaseConnection = errors.New("database connection error")

	ErrNotAParticipant      = errors.New("not a participant in this conversation")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrInvalidParticipants  = errors.New("invalid participants")
	ErrConversationArchived = errors.New("conversation is archived")
	ErrAlreadyDeleted       = errors.New("message is already deleted")

	// ErrStaleTimer is returned internally when a ring or connect timer fires
	// after the invitee already reached a terminal status. Never surfaced.
	ErrStaleTimer = errors.New("stale call timer")

	// ErrDeliveryFailed is router-local: the event could not be queued on a
	// connection. It is logged, never returned to the sender.
	ErrDeliveryFailed = errors.New("event delivery failed")
)
