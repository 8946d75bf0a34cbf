// internal/circulation/domain.go
package circulation

import (
	"time"

	"github.com/google/uuid"

	"librastock/internal/domain"
)

// CreateLoanRequest asks for a book to be lent. Zero dates take their defaults.
type CreateLoanRequest struct {
	BookID    uuid.UUID  `json:"book_id"`
	StudentID uuid.UUID  `json:"student_id"`
	LoanDate  *time.Time `json:"loan_date,omitempty"`
	DueDate   *time.Time `json:"due_date,omitempty"`
	Notes     string     `json:"notes,omitempty"`
}

func (r CreateLoanRequest) Validate() error {
	var p domain.Problems
	if r.BookID == uuid.Nil {
		p.Addf("book_id is required")
	}
	if r.StudentID == uuid.Nil {
		p.Addf("student_id is required")
	}
	return p.Err()
}

// ChangeTypeRequest switches a book between physical and digital. ShelfID is
// required when the book becomes physical.
type ChangeTypeRequest struct {
	Type    domain.BookType `json:"book_type"`
	ShelfID *uuid.UUID      `json:"shelf_id,omitempty"`
}

type returnRequest struct {
	ReturnDate *time.Time `json:"return_date,omitempty"`
}

type renewRequest struct {
	DueDate time.Time `json:"due_date"`
}

type assignRequest struct {
	ShelfID uuid.UUID `json:"shelf_id"`
}

type maintenanceRequest struct {
	Maintenance bool `json:"maintenance"`
}

type sweepRequest struct {
	AsOf *time.Time `json:"as_of,omitempty"`
}

type sweepResponse struct {
	AsOf   time.Time `json:"as_of"`
	Marked int       `json:"marked_overdue"`
}
