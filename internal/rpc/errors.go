package rpc

import (
	"errors"
	"fmt"
)

// Code classifies an RPCError.
type Code int

const (
	CodeUnknown   Code = iota // Unclassified failure, including wrapped non-RPC errors
	CodeNoInvoker             // No provider available for the call
	CodeNetwork               // Transport could not reach the provider
	CodeTimeout               // Provider did not answer in time
	CodeBiz                   // Provider ran the method and it failed
	CodeForbidden             // Call rejected locally (e.g. circuit open)
	CodeLimited               // Call rejected by a rate limiter
)

func (c Code) String() string {
	switch c {
	case CodeNoInvoker:
		return "no_invoker"
	case CodeNetwork:
		return "network"
	case CodeTimeout:
		return "timeout"
	case CodeBiz:
		return "biz"
	case CodeForbidden:
		return "forbidden"
	case CodeLimited:
		return "limited"
	default:
		return "unknown"
	}
}

// RPCError is the single error kind returned by invokers and cluster
// strategies. It carries a human-readable message and an optional cause.
type RPCError struct {
	Code    Code
	Message string
	Cause   error
}

// ErrNoInvoker matches any RPCError with CodeNoInvoker via errors.Is.
var ErrNoInvoker = &RPCError{Code: CodeNoInvoker, Message: "no available invoker"}

func (e *RPCError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "rpc error: " + e.Code.String()
}

func (e *RPCError) Unwrap() error {
	return e.Cause
}

// Is reports code equality so callers can write errors.Is(err, rpc.ErrNoInvoker).
func (e *RPCError) Is(target error) bool {
	t, ok := target.(*RPCError)
	return ok && t.Code == e.Code
}

// NewError builds an RPCError with a formatted message.
func NewError(code Code, format string, args ...any) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NoInvokerError is returned when a call has no provider to go to.
func NoInvokerError(format string, args ...any) *RPCError {
	return NewError(CodeNoInvoker, format, args...)
}

// WrapError normalizes err into an *RPCError. RPC errors anywhere in the
// chain are returned as-is; anything else becomes CodeUnknown with the
// original message and err as the cause. nil stays nil, but a typed nil
// *RPCError inside a non-nil error is reported as CodeUnknown.
func WrapError(err error) *RPCError {
	if err == nil {
		return nil
	}
	var re *RPCError
	if errors.As(err, &re) {
		if re == nil {
			return &RPCError{Code: CodeUnknown, Message: fmt.Sprintf("empty %T error", err)}
		}
		return re
	}
	return &RPCError{Code: CodeUnknown, Message: err.Error(), Cause: err}
}

// CodeOf returns the code of the first RPCError in err's chain, or
// CodeUnknown.
func CodeOf(err error) Code {
	var re *RPCError
	if errors.As(err, &re) {
		return re.Code
	}
	return CodeUnknown
}

// IsNoInvoker reports whether err means no provider was available.
func IsNoInvoker(err error) bool {
	return CodeOf(err) == CodeNoInvoker
}

// IsBiz reports whether err is a business failure raised by the provider.
func IsBiz(err error) bool {
	return CodeOf(err) == CodeBiz
}

// ParseCode is the inverse of Code.String. Unrecognized names map to
// CodeUnknown.
func ParseCode(s string) Code {
	for c := CodeNoInvoker; c <= CodeLimited; c++ {
		if c.String() == s {
			return c
		}
	}
	return CodeUnknown
}
