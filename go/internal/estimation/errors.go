package estimation

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no active session or participant matches.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned when an input violates a field constraint.
	ErrInvalidArgument = errors.New("invalid argument")
)

func sessionNotFound(roomCode string) error {
	return fmt.Errorf("session %q: %w", roomCode, ErrNotFound)
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
