package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096
	MaxTextChars    = 2000
)

var (
	ErrEmptyMessage   = errors.New("chat: message text is empty")
	ErrMessageTooLong = errors.New("chat: message too long")
	ErrInvalidUTF8    = errors.New("chat: message contains invalid UTF-8")
)

// ValidateMessage checks an outgoing chat text. Whitespace-only text counts
// as empty.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if !utf8.ValidString(text) {
		return ErrInvalidUTF8
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: over %d bytes", ErrMessageTooLong, MaxMessageBytes)
	}
	if n := utf8.RuneCountInString(text); n > MaxTextChars {
		return fmt.Errorf("%w: %d characters, limit %d", ErrMessageTooLong, n, MaxTextChars)
	}
	return nil
}
