package history

import (
	"errors"
	"net/http"
	"strings"

	"github.com/soulchat/chat-server/internal/message"
)

// Error codes returned by the service.
const (
	CodeNotFound   = "not_found"
	CodeForbidden  = "forbidden"
	CodeValidation = "validation"
	CodeInternal   = "internal"
)

// Error is a classified service failure. Message is safe to show to
// clients; Status is the HTTP status it maps to.
type Error struct {
	Code    string
	Message string
	Status  int
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Code + ": " + e.Message + ": " + e.cause.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func errNotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg, Status: http.StatusNotFound}
}

func errForbidden(msg string) *Error {
	return &Error{Code: CodeForbidden, Message: msg, Status: http.StatusForbidden}
}

func errValidation(msg string, cause error) *Error {
	return &Error{Code: CodeValidation, Message: msg, Status: http.StatusBadRequest, cause: cause}
}

func errInternal(cause error) *Error {
	return &Error{Code: CodeInternal, Message: "Something went wrong!", Status: http.StatusInternalServerError, cause: cause}
}

// IsCode reports whether err is a service Error with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// classify maps store errors onto the service taxonomy.
func classify(err error) *Error {
	switch {
	case errors.Is(err, message.ErrNotFound):
		return errNotFound("Message not found")
	case errors.Is(err, message.ErrForbidden):
		return errForbidden("Not authorized to delete this message")
	case errors.Is(err, message.ErrInvalidBody):
		return errValidation(strings.TrimPrefix(err.Error(), message.ErrInvalidBody.Error()+": "), err)
	default:
		return errInternal(err)
	}
}
