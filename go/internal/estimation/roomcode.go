package estimation

import (
	"encoding/hex"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	roomCodeMaxLength     = 32
	displayNameMaxLength  = 50
	connectionIDMaxLength = 100
	estimateMaxLength     = 10
	unitMaxLength         = 50

	maxRoomCodeAttempts = 5
)

// NewRoomCode returns a random v4 uuid rendered as 32 lowercase hex digits.
func NewRoomCode() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func validRoomCode(code string) bool {
	return code != "" && len(code) <= roomCodeMaxLength
}

func validateField(name, value string, maxLength int) error {
	n := utf8.RuneCountInString(value)
	if n == 0 {
		return invalidArgument("%s is required", name)
	}
	if n > maxLength {
		return invalidArgument("%s exceeds %d characters", name, maxLength)
	}
	return nil
}
