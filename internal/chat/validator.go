package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

var (
	ErrEmptyMessage   = errors.New("message text is empty")
	ErrInvalidUTF8    = errors.New("message contains invalid UTF-8")
	ErrMessageTooLong = errors.New("message too long")
)

// ValidateMessage checks that a chat message meets content requirements.
// Whitespace-only text counts as empty.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrMessageTooLong, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return ErrInvalidUTF8
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrMessageTooLong, MaxTextChars)
	}
	return nil
}
