// internal/membership/domain.go
package membership

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"librastock/internal/domain"
)

// NewStudent is the input for registering a borrower. Status defaults to active.
type NewStudent struct {
	Name   string               `json:"name"`
	Status domain.StudentStatus `json:"status,omitempty"`
}

func (n NewStudent) Validate() error {
	var p domain.Problems
	if strings.TrimSpace(n.Name) == "" {
		p.Addf("name is required and cannot be empty")
	}
	if n.Status != "" && !n.Status.Valid() {
		p.Addf("status must be 'active', 'inactive', or 'graduated'")
	}
	return p.Err()
}

// LoanSummary counts the loans of one student.
type LoanSummary struct {
	StudentID    uuid.UUID  `json:"student_id"`
	TotalLoans   int        `json:"total_loans"`
	CurrentLoans int        `json:"current_loans"`
	OverdueLoans int        `json:"overdue_loans"`
	LateReturns  int        `json:"late_returns"`
	LastLoanDate *time.Time `json:"last_loan_date,omitempty"`
}

func summarize(studentID uuid.UUID, loans []*domain.Loan) LoanSummary {
	s := LoanSummary{StudentID: studentID, TotalLoans: len(loans)}
	for _, l := range loans {
		if l.Status.Open() {
			s.CurrentLoans++
		}
		if l.Status == domain.LoanOverdue {
			s.OverdueLoans++
		}
		if l.ActualReturnDate != nil && l.ActualReturnDate.After(l.EstimatedReturnDate) {
			s.LateReturns++
		}
		if s.LastLoanDate == nil || l.LoanDate.After(*s.LastLoanDate) {
			d := l.LoanDate
			s.LastLoanDate = &d
		}
	}
	return s
}

type statusRequest struct {
	Status domain.StudentStatus `json:"status"`
}
