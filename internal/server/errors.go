package server

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a command failure so the boundary can map it to a
// response code without string matching.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindAuthorization
	KindNotFound
	KindConflict
	KindRateLimit
)

type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NewAuthorizationError(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Msg: fmt.Sprintf(format, args...)}
}

func NewNotFoundError(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func NewConflictError(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

func NewRateLimitError(format string, args ...any) *Error {
	return &Error{Kind: KindRateLimit, Msg: fmt.Sprintf(format, args...)}
}

// Kind returns the classification of err, or KindValidation with false if
// err is not a server error.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindValidation, false
}
