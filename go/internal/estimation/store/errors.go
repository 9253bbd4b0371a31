package store

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrRoomCodeTaken is returned when an active session already uses the room code.
	ErrRoomCodeTaken = errors.New("room code already in use by an active session")

	// ErrConnectionTaken is returned when another participant of the session
	// is already bound to the connection id.
	ErrConnectionTaken = errors.New("connection already bound to a participant of the session")
)
