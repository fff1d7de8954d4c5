package domain

import (
	"context"
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeFailedPrecond    ErrorCode = "FAILED_PRECONDITION"
	CodeInternal         ErrorCode = "INTERNAL"
	CodeCanceled         ErrorCode = "CANCELED"
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
	CodeRemote           ErrorCode = "REMOTE"
)

var (
	ErrFetch            = errors.New("catalog fetch failed")
	ErrInvalidCatalog   = errors.New("invalid catalog")
	ErrSessionNotFound  = errors.New("session not found")
	ErrTimeout          = errors.New("timed out")
	ErrCanceled         = errors.New("canceled")
	ErrUnknownTool      = errors.New("unknown tool")
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendQueueFull    = errors.New("send queue full")
	ErrInvalidRequest   = errors.New("invalid request")
)

type Error struct {
	Code      ErrorCode
	Op        string
	Message   string
	Cause     error
	Retryable bool
	Meta      map[string]string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:    code,
		Op:      op,
		Message: msg,
		Cause:   cause,
	}
}

func Wrap(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &Error{
			Code:      existing.Code,
			Op:        op,
			Message:   existing.Message,
			Cause:     existing.Cause,
			Retryable: existing.Retryable,
			Meta:      existing.Meta,
		}
	}
	return E(code, op, "", err)
}

// RemoteError is reported when the browser client explicitly answers a call
// with a failure. It is an expected outcome, not a transport fault.
type RemoteError struct {
	RequestID string
	Message   string
}

func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return "remote tool failed"
	}
	return "remote tool failed: " + e.Message
}

func CodeFrom(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code, true
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return CodeRemote, true
	}
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidCatalog):
		return CodeInvalidArgument, true
	case errors.Is(err, ErrUnknownTool), errors.Is(err, ErrSessionNotFound):
		return CodeNotFound, true
	case errors.Is(err, ErrFetch), errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrSendQueueFull):
		return CodeUnavailable, true
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeDeadlineExceeded, true
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return CodeCanceled, true
	default:
		return "", false
	}
}
