package ws

import (
	"errors"
	"fmt"

	"github.com/manpreetbhatti/whiteboard/backend/internal/db"
	"github.com/manpreetbhatti/whiteboard/backend/internal/passcode"
)

var (
	ErrValidation      = errors.New("invalid request")
	ErrRoomNotFound    = errors.New("whiteboard not found")
	ErrInvalidPasscode = errors.New("invalid passcode")
)

func errValidationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// classifyStoreError maps store and verifier errors onto the session
// taxonomy. Unknown errors pass through unchanged.
func classifyStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, db.ErrNotFound):
		return ErrRoomNotFound
	case errors.Is(err, passcode.ErrMismatch):
		return ErrInvalidPasscode
	default:
		return err
	}
}

// joinReason is the only detail a failed live join reveals.
func joinReason(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrInvalidPasscode):
		return ReasonInvalidPasscode
	default:
		return ReasonJoinFailed
	}
}
