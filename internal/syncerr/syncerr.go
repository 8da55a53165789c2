// Package syncerr is the error taxonomy shared by the remote collaborators,
// the sync engine and the coordinator.
//
// Every failure that crosses a component boundary is classified by Code so
// that callers can pick a recovery policy:
//
//   - NETWORK: unreachable or timed out; direct writes are demoted to queued
//     operations, drains stop and retry later.
//   - AUTH: missing or expired session; drains pause without penalising
//     any operation.
//   - CONFLICT: the server changed the record after the local edit.
//   - MALFORMED_ID: an UPDATE/DELETE still addresses a temporary id; treated
//     as a no-op success.
//   - PERMANENT_FAILURE: retries exhausted; the operation was dropped.
//   - NOT_FOUND: the target record does not exist remotely.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Code categorizes sync errors.
type Code string

const (
	CodeNetwork   Code = "NETWORK"
	CodeAuth      Code = "AUTH"
	CodeConflict  Code = "CONFLICT"
	CodeMalformed Code = "MALFORMED_ID"
	CodePermanent Code = "PERMANENT_FAILURE"
	CodeNotFound  Code = "NOT_FOUND"
	CodeRemote    Code = "REMOTE"
)

// Error is a classified failure.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Op names the failing call ("insert", "drain", "refresh_session").
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(code Code, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" when the
// chain carries none. Transport-level failures are reported as CodeNetwork.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	if isTransport(err) {
		return CodeNetwork
	}
	return ""
}

// IsNetwork reports whether err means the remote could not be reached.
func IsNetwork(err error) bool { return CodeOf(err) == CodeNetwork }

// IsAuth reports whether err means the session is missing or expired.
func IsAuth(err error) bool { return CodeOf(err) == CodeAuth }

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool { return CodeOf(err) == CodeConflict }

// IsPermanent reports whether err is a permanently failed operation.
func IsPermanent(err error) bool { return CodeOf(err) == CodePermanent }

// IsNotFound reports whether err means the remote record does not exist.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsMalformedID reports whether err is a temporary-id addressing error.
func IsMalformedID(err error) bool { return CodeOf(err) == CodeMalformed }

func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
