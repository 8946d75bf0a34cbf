// Package lending implements the loan lifecycle: eligibility, creation, return,
// renewal, loss and the overdue sweep.
//
//	active  -> overdue | returned | lost
//	overdue -> returned | lost
//
// returned and lost are terminal.
package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"librastock/internal/domain"
	"librastock/internal/store"
)

// Policy holds the lending limits.
type Policy struct {
	MaxLoans     int
	PhysicalDays int
	DigitalDays  int
}

// DefaultPolicy allows five open loans, 14 days for physical and 7 for digital books.
func DefaultPolicy() Policy {
	return Policy{MaxLoans: 5, PhysicalDays: 14, DigitalDays: 7}
}

// Validate checks that every limit is positive and periods fit the loan span.
func (p Policy) Validate() error {
	var probs domain.Problems
	maxDays := int(domain.MaxLoanSpan / (24 * time.Hour))
	if p.MaxLoans <= 0 {
		probs.Addf("max loans must be positive")
	}
	if p.PhysicalDays <= 0 || p.PhysicalDays > maxDays {
		probs.Addf("physical loan days must be between 1 and %d", maxDays)
	}
	if p.DigitalDays <= 0 || p.DigitalDays > maxDays {
		probs.Addf("digital loan days must be between 1 and %d", maxDays)
	}
	return probs.Err()
}

func (p Policy) days(t domain.BookType) int {
	if t == domain.BookDigital {
		return p.DigitalDays
	}
	return p.PhysicalDays
}

// Machine runs loan transitions inside a caller's unit of work. It writes only loans.
type Machine struct {
	policy Policy
	clock  domain.Clock
}

func New(policy Policy, clock domain.Clock) *Machine {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Machine{policy: policy, clock: clock}
}

func (m *Machine) Policy() Policy { return m.policy }

// CreateParams are the inputs of Create. Nil dates take their defaults.
type CreateParams struct {
	BookID    uuid.UUID
	StudentID uuid.UUID
	LoanDate  *time.Time
	DueDate   *time.Time
	Notes     string
}

// Eligible checks that the student is active and under the loan limit and that the
// book is available. An available book that already has an open loan is a
// consistency violation. It returns the loaded student and book.
func (m *Machine) Eligible(ctx context.Context, tx store.Tx, studentID, bookID uuid.UUID) (*domain.Student, *domain.Book, error) {
	student, err := tx.Student(ctx, studentID)
	if err != nil {
		return nil, nil, store.Translate(err, domain.ErrStudentNotFound)
	}
	book, err := tx.Book(ctx, bookID)
	if err != nil {
		return nil, nil, store.Translate(err, domain.ErrBookNotFound)
	}
	if student.Status != domain.StudentActive {
		return nil, nil, fmt.Errorf("student %s is %s: %w", student.ID, student.Status, domain.ErrStudentInactive)
	}
	open, err := tx.CountOpenLoans(ctx, studentID)
	if err != nil {
		return nil, nil, fmt.Errorf("count open loans: %w", err)
	}
	if open >= m.policy.MaxLoans {
		return nil, nil, fmt.Errorf("student %s has %d open loans: %w", student.ID, open, domain.ErrStudentLoanLimitReached)
	}
	if book.Status != domain.BookAvailable {
		return nil, nil, fmt.Errorf("book %s is %s: %w", book.ID, book.Status, domain.ErrBookUnavailable)
	}
	switch open, err := tx.OpenLoanForBook(ctx, book.ID); {
	case err == nil:
		return nil, nil, fmt.Errorf("book %s is available with open loan %s: %w", book.ID, open.ID, domain.ErrStatusDrift)
	case !errors.Is(err, store.ErrNotFound):
		return nil, nil, fmt.Errorf("load open loan of book %s: %w", book.ID, err)
	}
	return student, book, nil
}

// Create checks eligibility and inserts an active loan. It returns the loan and the
// book it was checked against; the book itself is not written.
func (m *Machine) Create(ctx context.Context, tx store.Tx, p CreateParams) (*domain.Loan, *domain.Book, error) {
	today := domain.Today(m.clock)

	var probs domain.Problems
	loanDate := today
	if p.LoanDate != nil {
		loanDate = domain.Day(*p.LoanDate)
		if loanDate.After(today) {
			probs.Addf("loan date cannot be in the future")
		}
	}
	if p.DueDate != nil {
		checkDue(&probs, loanDate, domain.Day(*p.DueDate))
	}
	if err := probs.Err(); err != nil {
		return nil, nil, err
	}

	_, book, err := m.Eligible(ctx, tx, p.StudentID, p.BookID)
	if err != nil {
		return nil, nil, err
	}

	due := domain.AddDays(loanDate, m.policy.days(book.Type))
	if p.DueDate != nil {
		due = domain.Day(*p.DueDate)
	}
	loan := &domain.Loan{
		ID:                  uuid.New(),
		BookID:              book.ID,
		StudentID:           p.StudentID,
		LoanDate:            loanDate,
		EstimatedReturnDate: due,
		Status:              domain.LoanActive,
		Notes:               p.Notes,
	}
	if err := loan.Validate(); err != nil {
		return nil, nil, err
	}
	if err := tx.InsertLoan(ctx, loan); err != nil {
		return nil, nil, fmt.Errorf("insert loan: %w", translateInsert(err))
	}
	return loan, book, nil
}

func translateInsert(err error) error {
	if errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("%w: %w", domain.ErrBookUnavailable, err)
	}
	return store.Translate(err, nil)
}

func checkDue(probs *domain.Problems, loanDate, due time.Time) {
	if !due.After(loanDate) {
		probs.Addf("estimated return date must be after loan date")
	}
	if due.Sub(loanDate) > domain.MaxLoanSpan {
		probs.Addf("loan period cannot exceed 365 days")
	}
}

func (m *Machine) load(ctx context.Context, tx store.Tx, loanID uuid.UUID) (*domain.Loan, error) {
	loan, err := tx.Loan(ctx, loanID)
	if err != nil {
		return nil, store.Translate(err, domain.ErrLoanNotFound)
	}
	return loan, nil
}

func (m *Machine) save(ctx context.Context, tx store.Tx, loan *domain.Loan) error {
	if err := loan.Validate(); err != nil {
		return err
	}
	if err := tx.UpdateLoan(ctx, loan); err != nil {
		return fmt.Errorf("update loan: %w", store.Translate(err, domain.ErrLoanNotFound))
	}
	return nil
}

// Return closes an active or overdue loan. The return date defaults to today and
// must fall between the loan date and today. It returns the status the loan had.
func (m *Machine) Return(ctx context.Context, tx store.Tx, loanID uuid.UUID, returnDate *time.Time) (*domain.Loan, domain.LoanStatus, error) {
	loan, err := m.load(ctx, tx, loanID)
	if err != nil {
		return nil, "", err
	}
	prev := loan.Status
	if !prev.Open() {
		return nil, "", fmt.Errorf("loan %s is %s: %w", loan.ID, loan.Status, domain.ErrLoanNotActive)
	}

	today := domain.Today(m.clock)
	day := today
	if returnDate != nil {
		day = domain.Day(*returnDate)
	}
	var probs domain.Problems
	if day.Before(loan.LoanDate) {
		probs.Addf("actual return date cannot be before loan date")
	}
	if day.After(today) {
		probs.Addf("return date cannot be in the future")
	}
	if err := probs.Err(); err != nil {
		return nil, "", err
	}

	loan.ActualReturnDate = &day
	loan.Status = domain.LoanReturned
	if err := m.save(ctx, tx, loan); err != nil {
		return nil, "", err
	}
	return loan, prev, nil
}

// Renew replaces the due date of an active loan and counts the renewal. Overdue
// loans cannot be renewed. It returns the previous due date.
func (m *Machine) Renew(ctx context.Context, tx store.Tx, loanID uuid.UUID, newDue time.Time) (*domain.Loan, time.Time, error) {
	loan, err := m.load(ctx, tx, loanID)
	if err != nil {
		return nil, time.Time{}, err
	}
	if loan.Status != domain.LoanActive {
		return nil, time.Time{}, fmt.Errorf("loan %s is %s: %w", loan.ID, loan.Status, domain.ErrLoanNotActive)
	}
	due := domain.Day(newDue)
	var probs domain.Problems
	checkDue(&probs, loan.LoanDate, due)
	if err := probs.Err(); err != nil {
		return nil, time.Time{}, err
	}

	prev := loan.EstimatedReturnDate
	loan.EstimatedReturnDate = due
	loan.RenewalCount++
	if err := m.save(ctx, tx, loan); err != nil {
		return nil, time.Time{}, err
	}
	return loan, prev, nil
}

// MarkLost moves an active or overdue loan to lost.
func (m *Machine) MarkLost(ctx context.Context, tx store.Tx, loanID uuid.UUID) (*domain.Loan, error) {
	loan, err := m.load(ctx, tx, loanID)
	if err != nil {
		return nil, err
	}
	if !loan.Status.Open() {
		return nil, fmt.Errorf("loan %s is %s: %w", loan.ID, loan.Status, domain.ErrLoanNotActive)
	}
	loan.Status = domain.LoanLost
	if err := m.save(ctx, tx, loan); err != nil {
		return nil, err
	}
	return loan, nil
}

// SweepOverdue marks every active loan due before asOf as overdue and returns the
// loans it changed. When only is given, loans outside it are left for a later sweep.
// A second sweep with the same date changes nothing.
func (m *Machine) SweepOverdue(ctx context.Context, tx store.Tx, asOf time.Time, only ...uuid.UUID) ([]*domain.Loan, error) {
	due, err := tx.DueLoans(ctx, domain.Day(asOf))
	if err != nil {
		return nil, fmt.Errorf("query due loans: %w", err)
	}
	var allowed map[uuid.UUID]bool
	if len(only) > 0 {
		allowed = make(map[uuid.UUID]bool, len(only))
		for _, id := range only {
			allowed[id] = true
		}
	}
	changed := make([]*domain.Loan, 0, len(due))
	for _, loan := range due {
		if allowed != nil && !allowed[loan.ID] {
			continue
		}
		loan.Status = domain.LoanOverdue
		if err := m.save(ctx, tx, loan); err != nil {
			return nil, err
		}
		changed = append(changed, loan)
	}
	return changed, nil
}
