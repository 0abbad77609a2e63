package api

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by the part of the system that produced them.
type ErrorKind string

const (
	Transport   ErrorKind = "transport"
	Negotiation ErrorKind = "negotiation"
	Device      ErrorKind = "device"
	Detector    ErrorKind = "detector"
)

var (
	ErrMalformed = errors.New("malformed message")
	ErrClosed    = errors.New("closed")
)

// OpError is a classified failure of some operation.
type OpError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failed", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func Fail(kind ErrorKind, op string, err error) *OpError {
	return &OpError{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether any error in the chain is an *OpError of that kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *OpError
	return errors.As(err, &e) && e.Kind == kind
}
