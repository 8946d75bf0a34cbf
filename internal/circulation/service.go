// internal/circulation/service.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"librastock/internal/audit"
	"librastock/internal/domain"
	"librastock/internal/store"
)

// Service is the consistency engine. It is the only component that changes more
// than one aggregate in one operation, and every operation is atomic.
type Service interface {
	CreateLoan(ctx context.Context, req CreateLoanRequest) (*domain.Loan, error)
	ReturnBook(ctx context.Context, loanID uuid.UUID, returnDate *time.Time) (*domain.Loan, error)
	ReportLost(ctx context.Context, loanID uuid.UUID) (*domain.Loan, error)
	RenewLoan(ctx context.Context, loanID uuid.UUID, newDue time.Time) (*domain.Loan, error)
	SweepOverdue(ctx context.Context, asOf time.Time) (int, error)

	AddShelf(ctx context.Context, req domain.NewShelf) (*domain.Shelf, error)
	AddBook(ctx context.Context, req domain.NewBook) (*domain.Book, error)
	RemoveBook(ctx context.Context, bookID uuid.UUID) error
	AssignShelf(ctx context.Context, bookID, shelfID uuid.UUID) (*domain.Book, error)
	ChangeBookType(ctx context.Context, bookID uuid.UUID, req ChangeTypeRequest) (*domain.Book, error)
	SetMaintenance(ctx context.Context, bookID uuid.UUID, on bool) (*domain.Book, error)

	FindDrift(ctx context.Context) ([]store.Occupancy, error)
	RepairShelfCounts(ctx context.Context) (audit.Report, error)

	Book(ctx context.Context, id uuid.UUID) (*domain.Book, error)
	Loan(ctx context.Context, id uuid.UUID) (*domain.Loan, error)
}
