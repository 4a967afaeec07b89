package message

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/johnvesslyalti/tars-chat/internal/domain"
)

const (
	MaxBodyBytes = 4096 // 4KB max payload
	MaxBodyChars = 2000 // max character count
)

// ValidateBody checks that a message body meets content requirements.
// Empty and whitespace-only bodies are rejected; a failed send stores
// nothing.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("message: empty body: %w", domain.ErrInvalidArgument)
	}
	if len(body) > MaxBodyBytes {
		return fmt.Errorf("message: body exceeds %d byte limit: %w", MaxBodyBytes, domain.ErrInvalidArgument)
	}
	if utf8.RuneCountInString(body) > MaxBodyChars {
		return fmt.Errorf("message: body exceeds %d character limit: %w", MaxBodyChars, domain.ErrInvalidArgument)
	}
	if !utf8.ValidString(body) {
		return fmt.Errorf("message: body contains invalid UTF-8: %w", domain.ErrInvalidArgument)
	}
	return nil
}
