package domain

import (
	"errors"
	"strings"
)

// FieldError describes one rejected field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// FieldErrors collects every problem found in a manifest so a client can fix
// them in one round trip.
type FieldErrors []FieldError

func (e FieldErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, fe := range e {
		msgs = append(msgs, fe.Error())
	}
	return "invalid resource: " + strings.Join(msgs, "; ")
}

// Is matches ErrInvalid.
func (e FieldErrors) Is(target error) bool {
	return target == ErrInvalid
}

// Fields returns the field errors carried by err, if any.
func Fields(err error) []FieldError {
	var fe FieldErrors
	if errors.As(err, &fe) {
		return fe
	}
	return nil
}
