package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers rooms, messages and recipients that are absent
	// or belong to another tenant.
	ErrNotFound = errors.New("not found")
	// ErrAccessDenied: the caller is not a participant of the room.
	ErrAccessDenied = errors.New("access denied")
	// ErrForbidden: the caller may not perform the action at all.
	ErrForbidden                 = errors.New("forbidden")
	ErrRelationshipNotAuthorized = errors.New("relationship not authorized")
	ErrBadRequest                = errors.New("bad request")
	// ErrUnavailable: the durable store or the bus failed. Ephemeral
	// failures never surface.
	ErrUnavailable = errors.New("unavailable")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
