package lending

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"librastock/internal/domain"
	"librastock/internal/store"
	"librastock/internal/store/memstore"
)

var today = time.Date(2026, 4, 10, 9, 30, 0, 0, time.UTC)

type fixture struct {
	s     *memstore.Store
	m     *Machine
	clock *domain.FixedClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := domain.NewFixedClock(today)
	return &fixture{s: memstore.New(), m: New(DefaultPolicy(), clock), clock: clock}
}

func (f *fixture) student(t *testing.T, status domain.StudentStatus) uuid.UUID {
	t.Helper()
	st := &domain.Student{ID: uuid.New(), Name: "Grace", Status: status}
	require.NoError(t, f.s.Atomically(context.Background(), func(tx store.Tx) error {
		return tx.InsertStudent(context.Background(), st)
	}))
	return st.ID
}

func (f *fixture) book(t *testing.T, typ domain.BookType, status domain.BookStatus) uuid.UUID {
	t.Helper()
	b := &domain.Book{ID: uuid.New(), Title: "SICP", Author: "Abelson", Type: typ, Status: status}
	if typ == domain.BookPhysical {
		shelf := uuid.New()
		b.ShelfID = &shelf
	}
	require.NoError(t, f.s.Atomically(context.Background(), func(tx store.Tx) error {
		return tx.InsertBook(context.Background(), b)
	}))
	return b.ID
}

func (f *fixture) create(p CreateParams) (*domain.Loan, error) {
	var loan *domain.Loan
	err := f.s.Atomically(context.Background(), func(tx store.Tx) error {
		var err error
		loan, _, err = f.m.Create(context.Background(), tx, p)
		return err
	})
	return loan, err
}

func (f *fixture) loan(t *testing.T, id uuid.UUID) *domain.Loan {
	t.Helper()
	var loan *domain.Loan
	require.NoError(t, f.s.View(context.Background(), func(tx store.Tx) error {
		var err error
		loan, err = tx.Loan(context.Background(), id)
		return err
	}))
	return loan
}

func TestDefaultDueDates(t *testing.T) {
	f := newFixture(t)
	st := f.student(t, domain.StudentActive)

	physical, err := f.create(CreateParams{BookID: f.book(t, domain.BookPhysical, domain.BookAvailable), StudentID: st})
	require.NoError(t, err)
	assert.Equal(t, domain.Day(today), physical.LoanDate)
	assert.Equal(t, domain.Day(today).AddDate(0, 0, 14), physical.EstimatedReturnDate)

	digital, err := f.create(CreateParams{BookID: f.book(t, domain.BookDigital, domain.BookAvailable), StudentID: st})
	require.NoError(t, err)
	assert.Equal(t, domain.Day(today).AddDate(0, 0, 7), digital.EstimatedReturnDate)
	assert.Equal(t, domain.LoanActive, digital.Status)
}

func TestCreateValidatesDates(t *testing.T) {
	f := newFixture(t)
	st := f.student(t, domain.StudentActive)
	book := f.book(t, domain.BookPhysical, domain.BookAvailable)

	tomorrow := today.AddDate(0, 0, 1)
	_, err := f.create(CreateParams{BookID: book, StudentID: st, LoanDate: &tomorrow})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	same := today
	_, err = f.create(CreateParams{BookID: book, StudentID: st, DueDate: &same})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	tooLong := today.AddDate(1, 0, 1)
	_, err = f.create(CreateParams{BookID: book, StudentID: st, DueDate: &tooLong})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	due := today.AddDate(0, 0, 30)
	loan, err := f.create(CreateParams{BookID: book, StudentID: st, DueDate: &due})
	require.NoError(t, err)
	assert.Equal(t, domain.Day(due), loan.EstimatedReturnDate)
}

func TestEligibility(t *testing.T) {
	f := newFixture(t)
	active := f.student(t, domain.StudentActive)

	_, err := f.create(CreateParams{BookID: f.book(t, domain.BookDigital, domain.BookAvailable), StudentID: f.student(t, domain.StudentGraduated)})
	assert.ErrorIs(t, err, domain.ErrStudentInactive)

	_, err = f.create(CreateParams{BookID: f.book(t, domain.BookDigital, domain.BookMaintenance), StudentID: active})
	assert.ErrorIs(t, err, domain.ErrBookUnavailable)

	_, err = f.create(CreateParams{BookID: uuid.New(), StudentID: active})
	assert.ErrorIs(t, err, domain.ErrBookNotFound)

	_, err = f.create(CreateParams{BookID: f.book(t, domain.BookDigital, domain.BookAvailable), StudentID: uuid.New()})
	assert.ErrorIs(t, err, domain.ErrStudentNotFound)
}

func TestSixthLoanIsRefused(t *testing.T) {
	f := newFixture(t)
	st := f.student(t, domain.StudentActive)
	for i := 0; i < 5; i++ {
		_, err := f.create(CreateParams{BookID: f.book(t, domain.BookDigital, domain.BookAvailable), StudentID: st})
		require.NoError(t, err)
	}
	_, err := f.create(CreateParams{BookID: f.book(t, domain.BookDigital, domain.BookAvailable), StudentID: st})
	assert.ErrorIs(t, err, domain.ErrStudentLoanLimitReached)
	assert.Equal(t, domain.KindEligibility, domain.KindOf(err))
}

func TestReturnTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	loan, err := f.create(CreateParams{BookID: f.book(t, domain.BookDigital, domain.BookAvailable), StudentID: f.student(t, domain.StudentActive)})
	require.NoError(t, err)

	ret := func(day *time.Time) (domain.LoanStatus, error) {
		var prev domain.LoanStatus
		err := f.s.Atomically(ctx, func(tx store.Tx) error {
			var err error
			_, prev, err = f.m.Return(ctx, tx, loan.ID, day)
			return err
		})
		return prev, err
	}

	before := today.AddDate(0, 0, -1)
	_, err = ret(&before)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	f.clock.Advance(72 * time.Hour)
	prev, err := ret(nil)
	require.NoError(t, err)
	assert.Equal(t, domain.LoanActive, prev)

	got := f.loan(t, loan.ID)
	assert.Equal(t, domain.LoanReturned, got.Status)
	require.NotNil(t, got.ActualReturnDate)
	assert.Equal(t, domain.Day(today).AddDate(0, 0, 3), *got.ActualReturnDate)

	_, err = ret(nil)
	assert.ErrorIs(t, err, domain.ErrLoanNotActive)
}

func TestRenewOnlyFromActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	loan, err := f.create(CreateParams{BookID: f.book(t, domain.BookPhysical, domain.BookAvailable), StudentID: f.student(t, domain.StudentActive)})
	require.NoError(t, err)

	renew := func(due time.Time) error {
		return f.s.Atomically(ctx, func(tx store.Tx) error {
			_, _, err := f.m.Renew(ctx, tx, loan.ID, due)
			return err
		})
	}

	require.NoError(t, renew(today.AddDate(0, 0, 28)))
	got := f.loan(t, loan.ID)
	assert.Equal(t, 1, got.RenewalCount)
	assert.Equal(t, domain.Day(today).AddDate(0, 0, 28), got.EstimatedReturnDate)

	assert.Equal(t, domain.KindValidation, domain.KindOf(renew(today.AddDate(2, 0, 0))))

	f.clock.Advance(60 * 24 * time.Hour)
	require.NoError(t, f.s.Atomically(ctx, func(tx store.Tx) error {
		_, err := f.m.SweepOverdue(ctx, tx, f.clock.Now())
		return err
	}))
	assert.ErrorIs(t, renew(today.AddDate(0, 0, 90)), domain.ErrLoanNotActive)
}

func TestMarkLost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	loan, err := f.create(CreateParams{BookID: f.book(t, domain.BookPhysical, domain.BookAvailable), StudentID: f.student(t, domain.StudentActive)})
	require.NoError(t, err)

	lose := func() error {
		return f.s.Atomically(ctx, func(tx store.Tx) error {
			_, err := f.m.MarkLost(ctx, tx, loan.ID)
			return err
		})
	}
	require.NoError(t, lose())
	assert.Equal(t, domain.LoanLost, f.loan(t, loan.ID).Status)
	assert.ErrorIs(t, lose(), domain.ErrLoanNotActive)
}

func TestSweepOverdueIsIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		f := newFixture(t)
		st := f.student(t, domain.StudentActive)

		n := rapid.IntRange(0, 5).Draw(rt, "loans")
		for i := 0; i < n; i++ {
			due := today.AddDate(0, 0, rapid.IntRange(1, 30).Draw(rt, "due"))
			_, err := f.create(CreateParams{BookID: f.book(t, domain.BookDigital, domain.BookAvailable), StudentID: st, DueDate: &due})
			require.NoError(rt, err)
		}
		asOf := today.AddDate(0, 0, rapid.IntRange(0, 40).Draw(rt, "asOf"))

		sweep := func() int {
			var changed []*domain.Loan
			require.NoError(rt, f.s.Atomically(ctx, func(tx store.Tx) error {
				var err error
				changed, err = f.m.SweepOverdue(ctx, tx, asOf)
				return err
			}))
			return len(changed)
		}
		first := sweep()
		assert.Equal(rt, 0, sweep())

		var overdue int
		require.NoError(rt, f.s.View(ctx, func(tx store.Tx) error {
			loans, err := tx.LoansByStudent(ctx, st)
			for _, l := range loans {
				if l.Status == domain.LoanOverdue {
					overdue++
					assert.True(rt, l.EstimatedReturnDate.Before(domain.Day(asOf)))
				}
			}
			return err
		}))
		assert.Equal(rt, first, overdue)
	})
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	err := Policy{MaxLoans: 0, PhysicalDays: 400, DigitalDays: 7}.Validate()
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestSweepOverdueOnlyTouchesGivenLoans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	st := f.student(t, domain.StudentActive)
	due := today.AddDate(0, 0, 3)
	first, err := f.create(CreateParams{BookID: f.book(t, domain.BookDigital, domain.BookAvailable), StudentID: st, DueDate: &due})
	require.NoError(t, err)
	second, err := f.create(CreateParams{BookID: f.book(t, domain.BookDigital, domain.BookAvailable), StudentID: st, DueDate: &due})
	require.NoError(t, err)

	asOf := today.AddDate(0, 0, 10)
	var changed []*domain.Loan
	require.NoError(t, f.s.Atomically(ctx, func(tx store.Tx) error {
		changed, err = f.m.SweepOverdue(ctx, tx, asOf, first.ID)
		return err
	}))
	require.Len(t, changed, 1)
	assert.Equal(t, first.ID, changed[0].ID)
	assert.Equal(t, domain.LoanOverdue, f.loan(t, first.ID).Status)
	assert.Equal(t, domain.LoanActive, f.loan(t, second.ID).Status)
}

func TestCreateRefusesAvailableBookWithOpenLoan(t *testing.T) {
	f := newFixture(t)
	book := f.book(t, domain.BookDigital, domain.BookAvailable)
	_, err := f.create(CreateParams{BookID: book, StudentID: f.student(t, domain.StudentActive)})
	require.NoError(t, err)

	// Create leaves the book untouched, so it still reads available
	_, err = f.create(CreateParams{BookID: book, StudentID: f.student(t, domain.StudentActive)})
	require.ErrorIs(t, err, domain.ErrStatusDrift)
	assert.Equal(t, domain.KindConsistency, domain.KindOf(err))
}
