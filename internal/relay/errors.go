package relay

import (
	"context"
	"errors"
	"fmt"

	"relay-service/internal/registry"
	"relay-service/internal/repositories"
)

var (
	ErrRoomNotFound = repositories.ErrRoomNotFound
	ErrNotAMember   = repositories.ErrNotMember
	ErrTransport    = registry.ErrTransport

	ErrEmptyPayload     = errors.New("empty payload")
	ErrEmptyMessage     = ErrEmptyPayload
	ErrPersistence      = errors.New("persistence failure")
	ErrSelfRoom         = errors.New("cannot open a direct room with yourself")
	ErrIdentityMismatch = errors.New("user id does not match the connection identity")
	ErrUnbound          = errors.New("connection has no bound identity")
)

// Code maps an error to the code sent in error events.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, ErrNotAMember):
		return "not_a_member"
	case errors.Is(err, ErrEmptyPayload):
		return "empty_payload"
	case errors.Is(err, ErrSelfRoom):
		return "bad_request"
	case errors.Is(err, ErrIdentityMismatch):
		return "identity_mismatch"
	case errors.Is(err, ErrUnbound):
		return "unauthenticated"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	case errors.Is(err, ErrTransport):
		return "transport_failure"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "internal_error"
	}
}

// StoreError passes room and membership sentinels through and wraps every
// other store failure in ErrPersistence.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrNotAMember) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
