package docstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorCode standardizes storage failure semantics.
type ErrorCode string

const (
	// CodeConflict is an optimistic-lock violation or duplicate identifier.
	CodeConflict ErrorCode = "conflict"
	// CodeNotFound is a lookup miss when the caller demands existence.
	CodeNotFound ErrorCode = "not_found"
	// CodeUnavailable is a transient infrastructure failure, safe to retry.
	CodeUnavailable ErrorCode = "unavailable"
	// CodeUnknown is an uncategorized failure, not assumed retry-safe.
	CodeUnknown ErrorCode = "unknown"
)

// Error is the canonical storage error wrapper.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := strings.TrimSpace(e.Op)
	msg := strings.TrimSpace(e.Message)
	switch {
	case op != "" && msg != "":
		return fmt.Sprintf("%s: %s (%s)", op, msg, e.Code)
	case op != "":
		return fmt.Sprintf("%s (%s)", op, e.Code)
	case msg != "":
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a storage error with explicit code + operation.
func NewError(code ErrorCode, op, message string, cause error) error {
	return &Error{
		Code:    code,
		Op:      strings.TrimSpace(op),
		Message: strings.TrimSpace(message),
		Cause:   cause,
	}
}

// ConflictError reports an optimistic-lock violation or duplicate identifier.
// A missing row and a version mismatch are indistinguishable under races and
// are reported identically.
func ConflictError(op, message string) error {
	return NewError(CodeConflict, op, message, nil)
}

// NotFoundError reports a lookup miss, naming the table and identifier.
func NotFoundError(op, table string, id ID) error {
	return NewError(CodeNotFound, op, fmt.Sprintf("no row in %s with id %s", table, id), nil)
}

// IsCode checks whether err (or a wrapped err) carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var sErr *Error
	if !errors.As(err, &sErr) {
		return false
	}
	return sErr.Code == code
}

// CodeOf extracts the storage error code when available.
func CodeOf(err error) ErrorCode {
	var sErr *Error
	if !errors.As(err, &sErr) {
		return ""
	}
	return sErr.Code
}

// Classify maps driver-level failures into the storage taxonomy at the
// repository boundary. Errors already carrying a code pass through untouched.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var sErr *Error
	if errors.As(err, &sErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeUnavailable, op, err.Error(), err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := strings.TrimSpace(pgErr.Code)
		switch {
		case code == "23505":
			return NewError(CodeConflict, op, err.Error(), err) // unique_violation
		case code == "40001", code == "40P01", code == "55P03":
			return NewError(CodeUnavailable, op, err.Error(), err) // serialization/deadlock/lock_not_available
		case strings.HasPrefix(code, "08"):
			return NewError(CodeUnavailable, op, err.Error(), err) // connection_exception class
		}
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	if strings.Contains(msg, "duplicate key") || strings.Contains(msg, "already exists") {
		return NewError(CodeConflict, op, err.Error(), err)
	}

	// Transport failures are retry-safe only when the error type says so;
	// matching on message text would also catch things like a malformed
	// connection string.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewError(CodeUnavailable, op, err.Error(), err)
	}
	return NewError(CodeUnknown, op, err.Error(), err)
}
