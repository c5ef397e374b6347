package service

import (
	"errors"
	"fmt"
	"strings"

	"commission-engine/internal/store"
)

// ErrFatal marks failures that retrying cannot fix. Commissions that hit one
// are cancelled and routed to manual review.
var ErrFatal = errors.New("fatal error")

// ValidationError reports invalid input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalidField(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is or wraps a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// isTransient reports whether a payout failure is worth retrying
func isTransient(err error) bool {
	return err != nil && !errors.Is(err, ErrFatal) && !errors.Is(err, store.ErrResellerNotFound)
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalidField(field, "is required")
	}
	return nil
}
