// Package store defines the persistence port the engine runs over. Adapters live in
// memstore (in-process) and sqlstore (Postgres, SQLite).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"librastock/internal/domain"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrConflict  = errors.New("concurrency conflict: version mismatch")
	ErrDuplicate = errors.New("unique constraint violated")
	ErrReadOnly  = errors.New("write attempted in a read-only unit of work")
)

// Translate maps adapter errors onto the domain taxonomy. notFound is returned for
// ErrNotFound; conflicts become Busy and unique violations Duplicate.
func Translate(err, notFound error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound) && notFound != nil:
		return notFound
	case errors.Is(err, ErrConflict):
		return fmt.Errorf("%w: %w", domain.ErrBusy, err)
	case errors.Is(err, ErrDuplicate):
		return fmt.Errorf("%w: %w", domain.ErrDuplicate, err)
	}
	return err
}

// Store runs units of work. Atomically commits every write made through the Tx or
// none of them; View never writes.
type Store interface {
	Atomically(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Occupancy compares a shelf's cached count with the number of physical books on it.
type Occupancy struct {
	ShelfID      uuid.UUID `db:"shelf_id" json:"shelf_id" yaml:"shelf_id"`
	LocationCode string    `db:"location_code" json:"location_code" yaml:"location_code"`
	Capacity     int       `db:"total_capacity" json:"total_capacity" yaml:"total_capacity"`
	Recorded     int       `db:"current_count" json:"recorded_count" yaml:"recorded_count"`
	Actual       int       `db:"actual_count" json:"actual_count" yaml:"actual_count"`
}

// Drifted reports whether the cached count disagrees with the books.
func (o Occupancy) Drifted() bool {
	return o.Recorded != o.Actual
}

// Tx is one unit of work. Updates and deletes are compare-and-swap on Version: a
// write against a stale version fails with ErrConflict, and a successful write
// advances the Version of the value passed in.
type Tx interface {
	Book(ctx context.Context, id uuid.UUID) (*domain.Book, error)
	InsertBook(ctx context.Context, b *domain.Book) error
	UpdateBook(ctx context.Context, b *domain.Book) error
	DeleteBook(ctx context.Context, b *domain.Book) error

	Shelf(ctx context.Context, id uuid.UUID) (*domain.Shelf, error)
	Shelves(ctx context.Context) ([]*domain.Shelf, error)
	InsertShelf(ctx context.Context, s *domain.Shelf) error
	UpdateShelf(ctx context.Context, s *domain.Shelf) error
	CountBooksOnShelf(ctx context.Context, shelfID uuid.UUID) (int, error)
	Occupancy(ctx context.Context) ([]Occupancy, error)

	Student(ctx context.Context, id uuid.UUID) (*domain.Student, error)
	InsertStudent(ctx context.Context, s *domain.Student) error
	UpdateStudent(ctx context.Context, s *domain.Student) error

	Loan(ctx context.Context, id uuid.UUID) (*domain.Loan, error)
	InsertLoan(ctx context.Context, l *domain.Loan) error
	UpdateLoan(ctx context.Context, l *domain.Loan) error
	// OpenLoanForBook returns the active or overdue loan of a book, or ErrNotFound.
	OpenLoanForBook(ctx context.Context, bookID uuid.UUID) (*domain.Loan, error)
	CountOpenLoans(ctx context.Context, studentID uuid.UUID) (int, error)
	LoansByStudent(ctx context.Context, studentID uuid.UUID) ([]*domain.Loan, error)
	// DueLoans returns active loans with no return date whose due date is before asOf.
	DueLoans(ctx context.Context, asOf time.Time) ([]*domain.Loan, error)

	AppendEvent(ctx context.Context, e *domain.Event) error
	Events(ctx context.Context, aggregateID uuid.UUID) ([]domain.Event, error)
}
