package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Code classifies remote failures.
type Code int

const (
	CodeUnknown Code = iota
	CodeNotFound
	CodePermissionDenied
	CodePermissionPending
	CodeQuotaExceeded
	CodeUnavailable
	CodeInvalidArgument
	CodeConflict
)

var codeNames = map[Code]string{
	CodeUnknown:           "unknown",
	CodeNotFound:          "not_found",
	CodePermissionDenied:  "permission_denied",
	CodePermissionPending: "permission_pending",
	CodeQuotaExceeded:     "quota_exceeded",
	CodeUnavailable:       "unavailable",
	CodeInvalidArgument:   "invalid_argument",
	CodeConflict:          "conflict",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// ParseCode converts a code name such as "quota_exceeded" into a Code.
func ParseCode(s string) (Code, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range codeNames {
		if name == s {
			return c, nil
		}
	}
	return CodeUnknown, fmt.Errorf("unknown remote error code %q", s)
}

// Error is a classified remote failure.
type Error struct {
	Op   string
	Code Code
	Err  error
}

// NewError returns an Error for op.
func NewError(op string, code Code, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("remote %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("remote %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrPending is returned when a classified failure was swallowed: there is
// no result yet and the caller should try again later.
var ErrPending = errors.New("remote result pending")

// ErrMalformed marks a remote document that exists but cannot be parsed.
var ErrMalformed = errors.New("malformed remote document")

// CodeOf returns the Code of the first *Error in err's chain. Context
// deadlines and cancellations count as CodeUnavailable.
func CodeOf(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeUnavailable
	}
	return CodeUnknown
}

// IsTransient reports whether err is worth retrying without counting it
// against a mutation's retry budget.
func IsTransient(err error) bool {
	if errors.Is(err, ErrPending) {
		return true
	}
	return CodeOf(err) == CodeUnavailable
}
