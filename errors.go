// Package nvmf implements the NVMe-over-Fabrics RDMA transport core:
// a lock-free, single-threaded-per-queue-pair state machine that
// accepts remote NVMe queue pairs over RDMA, marshals NVMe capsules,
// and orchestrates bulk data transfer via one-sided RDMA Read/Write.
package nvmf

import (
	"errors"
	"fmt"
)

// Error represents a structured transport error with context.
type Error struct {
	Op    string    // operation that failed (e.g. "CREATE_QP", "POST_RECV")
	QPID  uint64    // queue-pair identifier (0 if not applicable)
	Code  ErrorCode // high-level error category
	Inner error     // wrapped error
	Msg   string    // human-readable message
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.QPID != 0 {
		parts = append(parts, fmt.Sprintf("qp=%d", e.QPID))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("nvmf: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("nvmf: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support based on error category.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode categorizes transport errors. The two classes named in
// the error-handling design (transport-fatal vs. protocol-per-request)
// are both represented here; protocol errors additionally carry an
// NVMe status code via ProtocolError.
type ErrorCode string

const (
	// Transport-fatal categories: the owning queue pair is destroyed.
	ErrCodeFatalCompletion    ErrorCode = "fatal completion status"
	ErrCodeUnexpectedOpcode   ErrorCode = "unexpected opcode on completion queue"
	ErrCodePostFailed         ErrorCode = "post_send/post_recv failed"
	ErrCodeDeviceRemoved      ErrorCode = "RDMA device removed"
	ErrCodeRegistrationFailed ErrorCode = "memory registration failed"
	ErrCodeQPCreateFailed     ErrorCode = "queue pair creation failed"

	// Non-fatal categories.
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodeNotFound          ErrorCode = "not found"
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewQPError creates a new queue-pair-scoped structured error.
func NewQPError(op string, qpID uint64, code ErrorCode, msg string) *Error {
	return &Error{Op: op, QPID: qpID, Code: code, Msg: msg}
}

// WrapError wraps an existing error with transport context.
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsFatal reports whether err belongs to the transport-fatal class
// (§7): its queue pair must be destroyed rather than completed with a
// protocol error.
func IsFatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case ErrCodeFatalCompletion, ErrCodeUnexpectedOpcode, ErrCodePostFailed,
		ErrCodeDeviceRemoved, ErrCodeRegistrationFailed, ErrCodeQPCreateFailed:
		return true
	default:
		return false
	}
}

// ProtocolError is a per-request protocol failure (§7): it never
// destroys the queue pair, only the failing request's completion
// carries a non-success NVMe status code.
type ProtocolError struct {
	StatusCode uint16
	Msg        string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("nvmf: protocol error: %s (status=0x%02x)", e.Msg, e.StatusCode)
}
