// internal/domain/loan.go
package domain

import (
	"time"

	"github.com/google/uuid"
)

// LoanStatus is the state of a loan. Returned and lost are terminal.
type LoanStatus string

const (
	LoanActive   LoanStatus = "active"
	LoanOverdue  LoanStatus = "overdue"
	LoanReturned LoanStatus = "returned"
	LoanLost     LoanStatus = "lost"
)

func (s LoanStatus) Valid() bool {
	switch s {
	case LoanActive, LoanOverdue, LoanReturned, LoanLost:
		return true
	}
	return false
}

// Open reports whether the loan still holds the book.
func (s LoanStatus) Open() bool {
	return s == LoanActive || s == LoanOverdue
}

// MaxLoanSpan is the longest allowed distance between loan and due date.
const MaxLoanSpan = 365 * 24 * time.Hour

// Loan records a book lent to a student.
type Loan struct {
	ID                  uuid.UUID  `json:"id" db:"id"`
	BookID              uuid.UUID  `json:"book_id" db:"book_id"`
	StudentID           uuid.UUID  `json:"student_id" db:"student_id"`
	LoanDate            time.Time  `json:"loan_date" db:"loan_date"`
	EstimatedReturnDate time.Time  `json:"estimated_return_date" db:"estimated_return_date"`
	ActualReturnDate    *time.Time `json:"actual_return_date,omitempty" db:"actual_return_date"`
	Status              LoanStatus `json:"status" db:"status"`
	RenewalCount        int        `json:"renewal_count" db:"renewal_count"`
	Notes               string     `json:"notes,omitempty" db:"notes"`
	Version             int        `json:"version" db:"version"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}

// Validate checks the row-level loan invariants.
func (l *Loan) Validate() error {
	var p Problems
	if !l.Status.Valid() {
		p.Addf("loan status must be 'active', 'returned', 'overdue', or 'lost'")
	}
	if !l.EstimatedReturnDate.After(l.LoanDate) {
		p.Addf("estimated return date must be after loan date")
	}
	if l.EstimatedReturnDate.Sub(l.LoanDate) > MaxLoanSpan {
		p.Addf("loan period cannot exceed 365 days")
	}
	if l.ActualReturnDate != nil && l.ActualReturnDate.Before(l.LoanDate) {
		p.Addf("actual return date cannot be before loan date")
	}
	if l.Status == LoanReturned && l.ActualReturnDate == nil {
		p.Addf("returned loans must have an actual return date")
	}
	if l.Status == LoanActive && l.ActualReturnDate != nil {
		p.Addf("active loans cannot have an actual return date")
	}
	if l.RenewalCount < 0 {
		p.Addf("renewal count cannot be negative")
	}
	return p.Err()
}
