package core

import (
	"errors"
	"fmt"
)

type ErrorKind uint8

const (
	KindConnection ErrorKind = iota + 1
	KindParticipationCheck
	KindJoin
	KindLeave
	KindSend
	KindValidation
)

var (
	ErrConnection         = errors.New("connection error")
	ErrParticipationCheck = errors.New("participation check error")
	ErrJoin               = errors.New("join error")
	ErrLeave              = errors.New("leave error")
	ErrSend               = errors.New("send error")
	ErrValidation         = errors.New("validation error")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindConnection:
		return ErrConnection
	case KindParticipationCheck:
		return ErrParticipationCheck
	case KindJoin:
		return ErrJoin
	case KindLeave:
		return ErrLeave
	case KindSend:
		return ErrSend
	case KindValidation:
		return ErrValidation
	default:
		return nil
	}
}

// Error is what every I/O boundary hands back to the coordinator.
// errors.Is matches both the kind sentinel and the wrapped cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	s := e.Kind.sentinel()
	msg := "error"
	if s != nil {
		msg = s.Error()
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Retryable reports whether the user may simply try again.
func (e *Error) Retryable() bool {
	return e.Kind != KindValidation
}
