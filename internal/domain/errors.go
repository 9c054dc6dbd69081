package domain

import (
	"context"
	"errors"
)

// Error taxonomy shared by every component. Wrap with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrConnection        = errors.New("connection error")
	ErrRoomFull          = errors.New("room is full")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrTimeout           = errors.New("timeout")
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrRoomClosed        = errors.New("room is closed")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Code maps an error to the stable wire code sent to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrRoomFull):
		return "room_full"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRoomClosed):
		return "room_closed"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrConnection):
		return "connection"
	default:
		return "internal"
	}
}

var codeErrors = map[string]error{
	"permission_denied":  ErrPermissionDenied,
	"room_full":          ErrRoomFull,
	"unauthorized":       ErrUnauthorized,
	"timeout":            ErrTimeout,
	"validation":         ErrValidation,
	"not_found":          ErrNotFound,
	"room_closed":        ErrRoomClosed,
	"invalid_transition": ErrInvalidTransition,
	"connection":         ErrConnection,
}

// FromCode is the inverse of Code for errors decoded off the wire.
// Unknown codes map to nil so the caller can fall back to a generic error.
func FromCode(code string) error {
	return codeErrors[code]
}
