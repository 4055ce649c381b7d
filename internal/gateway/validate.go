package gateway

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Body limits. MaxBodyBytes caps raw payload size before any processing;
// MaxBodyRunes caps what survives after trimming.
const (
	MaxBodyBytes = 4096
	MaxBodyRunes = 2000
)

var (
	ErrBodyEmpty    = errors.New("gateway: message body is empty")
	ErrBodyTooLarge = errors.New("gateway: message body exceeds maximum length")
	ErrBodyInvalid  = errors.New("gateway: message body is not valid UTF-8")
)

// ValidateBody rejects empty, oversized, and malformed message bodies.
func ValidateBody(body string) error {
	if len(body) > MaxBodyBytes {
		return ErrBodyTooLarge
	}
	if !utf8.ValidString(body) {
		return ErrBodyInvalid
	}
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return ErrBodyEmpty
	}
	if utf8.RuneCountInString(trimmed) > MaxBodyRunes {
		return ErrBodyTooLarge
	}
	return nil
}
