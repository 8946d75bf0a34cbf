// internal/domain/errors.go
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can decide what to do with it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation marks malformed input. Nothing was mutated.
	KindValidation
	// KindEligibility marks an expected business-rule refusal.
	KindEligibility
	// KindConsistency marks an invariant that should be structurally impossible.
	KindConsistency
	// KindNotFound marks an unknown id.
	KindNotFound
	// KindBusy marks a lock or version conflict. Safe to retry.
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindEligibility:
		return "eligibility"
	case KindConsistency:
		return "consistency"
	case KindNotFound:
		return "not_found"
	case KindBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Sentinel values are compared with errors.Is.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrBookNotFound    = newError(KindNotFound, "BOOK_NOT_FOUND", "book not found")
	ErrShelfNotFound   = newError(KindNotFound, "SHELF_NOT_FOUND", "shelf not found")
	ErrStudentNotFound = newError(KindNotFound, "STUDENT_NOT_FOUND", "student not found")
	ErrLoanNotFound    = newError(KindNotFound, "LOAN_NOT_FOUND", "loan not found")

	ErrCapacityExceeded        = newError(KindEligibility, "CAPACITY_EXCEEDED", "shelf capacity exceeded")
	ErrStudentInactive         = newError(KindEligibility, "STUDENT_INACTIVE", "student is not active")
	ErrStudentLoanLimitReached = newError(KindEligibility, "STUDENT_LOAN_LIMIT_REACHED", "student has reached the maximum number of loans")
	ErrBookUnavailable         = newError(KindEligibility, "BOOK_UNAVAILABLE", "book is not available for loan")
	ErrLoanNotActive           = newError(KindEligibility, "LOAN_NOT_ACTIVE", "loan is not active")
	ErrNotPhysical             = newError(KindEligibility, "NOT_PHYSICAL", "book is not a physical book")
	ErrBookOnLoan              = newError(KindEligibility, "BOOK_ON_LOAN", "book has an open loan")
	ErrDuplicate               = newError(KindEligibility, "DUPLICATE", "a record with the same unique key already exists")

	ErrNegativeCount = newError(KindConsistency, "NEGATIVE_COUNT", "shelf count would become negative")
	ErrStatusDrift   = newError(KindConsistency, "STATUS_DRIFT", "book status does not match its loans")

	ErrBusy = newError(KindBusy, "BUSY", "resource is busy, retry later")
)

// ValidationError lists every problem found in one input.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

// Problems collects validation messages and turns them into an error.
type Problems []string

func (p *Problems) Addf(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

// Err returns nil when nothing was added.
func (p Problems) Err() error {
	if len(p) == 0 {
		return nil
	}
	return &ValidationError{Problems: append([]string(nil), p...)}
}

// KindOf reports the kind of err, or KindUnknown for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return KindValidation
	}
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind
	}
	return KindUnknown
}

// CodeOf returns the machine-readable code of err.
func CodeOf(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return "VALIDATION_FAILED"
	}
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Code
	}
	return "INTERNAL"
}

// IsRetryable is true only for Busy failures.
func IsRetryable(err error) bool {
	return KindOf(err) == KindBusy
}
