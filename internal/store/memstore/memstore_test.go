package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librastock/internal/domain"
	"librastock/internal/store"
)

func seedShelf(t *testing.T, s *Store, code string, capacity int) *domain.Shelf {
	t.Helper()
	sh := &domain.Shelf{ID: uuid.New(), LocationCode: code, Section: "Science", Topic: "Physics", TotalCapacity: capacity}
	require.NoError(t, s.Atomically(context.Background(), func(tx store.Tx) error {
		return tx.InsertShelf(context.Background(), sh)
	}))
	return sh
}

func TestInsertAndRead(t *testing.T) {
	ctx := context.Background()
	s := New()
	sh := seedShelf(t, s, "A1", 3)
	assert.Equal(t, 1, sh.Version)

	err := s.View(ctx, func(tx store.Tx) error {
		got, err := tx.Shelf(ctx, sh.ID)
		require.NoError(t, err)
		assert.Equal(t, "A1", got.LocationCode)
		_, err = tx.Shelf(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := New()
	sh := seedShelf(t, s, "A1", 3)

	stale := *sh
	require.NoError(t, s.Atomically(ctx, func(tx store.Tx) error {
		sh.CurrentCount = 1
		return tx.UpdateShelf(ctx, sh)
	}))
	assert.Equal(t, 2, sh.Version)

	err := s.Atomically(ctx, func(tx store.Tx) error {
		stale.CurrentCount = 2
		return tx.UpdateShelf(ctx, &stale)
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestCommitDetectsInterleavedWriter(t *testing.T) {
	ctx := context.Background()
	s := New()
	sh := seedShelf(t, s, "A1", 3)

	err := s.Atomically(ctx, func(tx store.Tx) error {
		mine, err := tx.Shelf(ctx, sh.ID)
		if err != nil {
			return err
		}
		mine.CurrentCount = 1
		if err := tx.UpdateShelf(ctx, mine); err != nil {
			return err
		}
		// another unit of work commits first
		return s.Atomically(ctx, func(other store.Tx) error {
			theirs, err := other.Shelf(ctx, sh.ID)
			if err != nil {
				return err
			}
			theirs.CurrentCount = 2
			return other.UpdateShelf(ctx, theirs)
		})
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.Shelf(ctx, sh.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.CurrentCount)
		return nil
	}))
}

func TestReadYourWritesAndRollback(t *testing.T) {
	ctx := context.Background()
	s := New()
	sh := seedShelf(t, s, "A1", 3)
	boom := errors.New("boom")

	err := s.Atomically(ctx, func(tx store.Tx) error {
		b := &domain.Book{ID: uuid.New(), Title: "Dune", Author: "Herbert", Type: domain.BookPhysical, ShelfID: &sh.ID, Status: domain.BookAvailable}
		require.NoError(t, tx.InsertBook(ctx, b))
		n, err := tx.CountBooksOnShelf(ctx, sh.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		n, err := tx.CountBooksOnShelf(ctx, sh.ID)
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))
}

func TestUniqueKeys(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedShelf(t, s, "A1", 3)

	err := s.Atomically(ctx, func(tx store.Tx) error {
		return tx.InsertShelf(ctx, &domain.Shelf{ID: uuid.New(), LocationCode: "A1", Section: "x", Topic: "y", TotalCapacity: 1})
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	err = s.Atomically(ctx, func(tx store.Tx) error {
		for i := 0; i < 2; i++ {
			b := &domain.Book{ID: uuid.New(), ISBN: "9780306406157", Title: "t", Author: "a", Type: domain.BookDigital, Status: domain.BookAvailable}
			if err := tx.InsertBook(ctx, b); err != nil {
				return err
			}
		}
		return nil
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestOneOpenLoanPerBook(t *testing.T) {
	ctx := context.Background()
	s := New()
	bookID := uuid.New()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	loan := func() *domain.Loan {
		return &domain.Loan{ID: uuid.New(), BookID: bookID, StudentID: uuid.New(), LoanDate: day, EstimatedReturnDate: day.AddDate(0, 0, 14), Status: domain.LoanActive}
	}

	first := loan()
	require.NoError(t, s.Atomically(ctx, func(tx store.Tx) error { return tx.InsertLoan(ctx, first) }))
	err := s.Atomically(ctx, func(tx store.Tx) error { return tx.InsertLoan(ctx, loan()) })
	assert.ErrorIs(t, err, store.ErrDuplicate)

	require.NoError(t, s.Atomically(ctx, func(tx store.Tx) error {
		first.Status = domain.LoanReturned
		ret := day.AddDate(0, 0, 3)
		first.ActualReturnDate = &ret
		return tx.UpdateLoan(ctx, first)
	}))
	require.NoError(t, s.Atomically(ctx, func(tx store.Tx) error { return tx.InsertLoan(ctx, loan()) }))
}

func TestDueLoansAndOccupancy(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := seedShelf(t, s, "B2", 2)
	b := seedShelf(t, s, "A1", 2)
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Atomically(ctx, func(tx store.Tx) error {
		book := &domain.Book{ID: uuid.New(), Title: "t", Author: "a", Type: domain.BookPhysical, ShelfID: &a.ID, Status: domain.BookAvailable}
		if err := tx.InsertBook(ctx, book); err != nil {
			return err
		}
		for _, due := range []int{5, 10} {
			l := &domain.Loan{ID: uuid.New(), BookID: uuid.New(), StudentID: uuid.New(), LoanDate: day, EstimatedReturnDate: day.AddDate(0, 0, due), Status: domain.LoanActive}
			if err := tx.InsertLoan(ctx, l); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		due, err := tx.DueLoans(ctx, day.AddDate(0, 0, 7))
		require.NoError(t, err)
		assert.Len(t, due, 1)

		occ, err := tx.Occupancy(ctx)
		require.NoError(t, err)
		require.Len(t, occ, 2)
		assert.Equal(t, b.ID, occ[0].ShelfID)
		assert.Equal(t, 1, occ[1].Actual)
		assert.True(t, occ[1].Drifted())
		return nil
	}))
}

func TestViewIsReadOnly(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.View(ctx, func(tx store.Tx) error {
		return tx.InsertStudent(ctx, &domain.Student{ID: uuid.New(), Name: "Ada", Status: domain.StudentActive})
	})
	assert.ErrorIs(t, err, store.ErrReadOnly)
}

func TestEventsAreCommittedWithTheUnitOfWork(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := uuid.New()
	record := func(fail bool) error {
		return s.Atomically(ctx, func(tx store.Tx) error {
			if err := tx.AppendEvent(ctx, &domain.Event{AggregateID: id, AggregateType: domain.AggregateBook, EventType: "BookAdded", EventData: []byte(`{}`)}); err != nil {
				return err
			}
			if fail {
				return errors.New("abort")
			}
			return nil
		})
	}
	require.NoError(t, record(false))
	require.Error(t, record(true))
	require.NoError(t, record(false))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		events, err := tx.Events(ctx, id)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(1), events[0].ID)
		assert.Equal(t, int64(2), events[1].ID)
		return nil
	}))
}
