package sqlstore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librastock/internal/circulation"
	"librastock/internal/domain"
	"librastock/internal/lending"
	"librastock/internal/store"
	"librastock/internal/store/sqlstore"
)

var day = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

// backends returns a migrated SQLite store and, when LIBRASTOCK_TEST_POSTGRES_DSN is
// set, a Postgres one.
func backends(t *testing.T) map[string]*sqlstore.Store {
	t.Helper()
	out := map[string]*sqlstore.Store{}

	lite, err := sqlstore.Open(t.Context(), sqlstore.DriverSQLite, filepath.Join(t.TempDir(), "librastock.db"))
	require.NoError(t, err)
	t.Cleanup(func() { lite.Close() })
	require.NoError(t, lite.Migrate(t.Context()))
	out["sqlite"] = lite

	if dsn := os.Getenv("LIBRASTOCK_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := sqlstore.Open(t.Context(), sqlstore.DriverPgx, dsn, sqlstore.WithConnectTimeout(5*time.Second))
		require.NoError(t, err)
		t.Cleanup(func() { pg.Close() })
		require.NoError(t, pg.Migrate(t.Context()))
		out["postgres"] = pg
	}
	return out
}

func forEach(t *testing.T, fn func(t *testing.T, s *sqlstore.Store)) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

// code returns a location code unlikely to collide with rows left by earlier runs
// against a shared Postgres.
func code() string {
	id := uuid.New()
	return string(rune('A'+int(id[0])%26)) + string(rune('0'+int(id[1])%10)) + string(rune('0'+int(id[2])%10))
}

// isbn13 returns a random 978-prefixed ISBN-13 shape.
func isbn13() string {
	id := uuid.New()
	digits := []byte("978")
	for _, b := range id[:10] {
		digits = append(digits, '0'+b%10)
	}
	return string(digits)
}

func insertShelf(t *testing.T, s store.Store, capacity int) *domain.Shelf {
	t.Helper()
	ctx := t.Context()
	for {
		sh := &domain.Shelf{ID: uuid.New(), LocationCode: code(), Section: "Science", Topic: "Physics", TotalCapacity: capacity}
		err := s.Atomically(ctx, func(tx store.Tx) error { return tx.InsertShelf(ctx, sh) })
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		require.NoError(t, err)
		return sh
	}
}

func insertBook(t *testing.T, s store.Store, shelfID *uuid.UUID, isbn string) *domain.Book {
	t.Helper()
	ctx := t.Context()
	b := &domain.Book{ID: uuid.New(), ISBN: isbn, Title: "Opticks", Author: "Newton", Type: domain.BookDigital, Status: domain.BookAvailable}
	if shelfID != nil {
		b.Type, b.ShelfID = domain.BookPhysical, shelfID
	}
	require.NoError(t, s.Atomically(ctx, func(tx store.Tx) error { return tx.InsertBook(ctx, b) }))
	return b
}

func insertStudent(t *testing.T, s store.Store) *domain.Student {
	t.Helper()
	ctx := t.Context()
	st := &domain.Student{ID: uuid.New(), Name: "Ada", Status: domain.StudentActive}
	require.NoError(t, s.Atomically(ctx, func(tx store.Tx) error { return tx.InsertStudent(ctx, st) }))
	return st
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := sqlstore.Open(t.Context(), "mysql", "")
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestMigrateIsIdempotent(t *testing.T) {
	forEach(t, func(t *testing.T, s *sqlstore.Store) {
		require.NoError(t, s.Migrate(t.Context()))
	})
}

func TestBookRoundTrip(t *testing.T) {
	forEach(t, func(t *testing.T, s *sqlstore.Store) {
		ctx := t.Context()
		sh := insertShelf(t, s, 3)
		b := insertBook(t, s, &sh.ID, "")
		assert.Equal(t, 1, b.Version)

		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			got, err := tx.Book(ctx, b.ID)
			require.NoError(t, err)
			assert.Empty(t, got.ISBN)
			require.NotNil(t, got.ShelfID)
			assert.Equal(t, sh.ID, *got.ShelfID)
			assert.Equal(t, domain.BookPhysical, got.Type)
			assert.Equal(t, time.UTC, got.CreatedAt.Location())

			_, err = tx.Book(ctx, uuid.New())
			assert.ErrorIs(t, err, store.ErrNotFound)
			return nil
		}))

		d := insertBook(t, s, nil, "")
		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			got, err := tx.Book(ctx, d.ID)
			require.NoError(t, err)
			assert.Nil(t, got.ShelfID)
			return nil
		}))
	})
}

func TestUpdateIsCompareAndSwap(t *testing.T) {
	forEach(t, func(t *testing.T, s *sqlstore.Store) {
		ctx := t.Context()
		sh := insertShelf(t, s, 3)
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

		missing := &domain.Shelf{ID: uuid.New(), LocationCode: "Z9", Version: 1, TotalCapacity: 1}
		err = s.Atomically(ctx, func(tx store.Tx) error { return tx.UpdateShelf(ctx, missing) })
		assert.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			got, err := tx.Shelf(ctx, sh.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, got.CurrentCount)
			assert.Equal(t, 2, got.Version)
			return nil
		}))
	})
}

func TestUniqueKeysAreDuplicates(t *testing.T) {
	forEach(t, func(t *testing.T, s *sqlstore.Store) {
		ctx := t.Context()
		sh := insertShelf(t, s, 3)

		again := &domain.Shelf{ID: uuid.New(), LocationCode: sh.LocationCode, Section: "Arts", Topic: "Music", TotalCapacity: 2}
		err := s.Atomically(ctx, func(tx store.Tx) error { return tx.InsertShelf(ctx, again) })
		assert.ErrorIs(t, err, store.ErrDuplicate)

		isbn := isbn13()
		insertBook(t, s, nil, isbn)
		dup := &domain.Book{ID: uuid.New(), ISBN: isbn, Title: "Copy", Author: "Anon", Type: domain.BookDigital, Status: domain.BookAvailable}
		err = s.Atomically(ctx, func(tx store.Tx) error { return tx.InsertBook(ctx, dup) })
		assert.ErrorIs(t, err, store.ErrDuplicate)
	})
}

func TestFailedUnitLeavesNoTrace(t *testing.T) {
	forEach(t, func(t *testing.T, s *sqlstore.Store) {
		ctx := t.Context()
		sh := insertShelf(t, s, 3)
		boom := errors.New("boom")

		err := s.Atomically(ctx, func(tx store.Tx) error {
			sh.CurrentCount = 3
			if err := tx.UpdateShelf(ctx, sh); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			got, err := tx.Shelf(ctx, sh.ID)
			require.NoError(t, err)
			assert.Equal(t, 0, got.CurrentCount)
			assert.Equal(t, 1, got.Version)
			return nil
		}))
	})
}

func TestViewIsReadOnly(t *testing.T) {
	forEach(t, func(t *testing.T, s *sqlstore.Store) {
		ctx := t.Context()
		err := s.View(ctx, func(tx store.Tx) error {
			return tx.InsertStudent(ctx, &domain.Student{ID: uuid.New(), Name: "Eve", Status: domain.StudentActive})
		})
		assert.ErrorIs(t, err, store.ErrReadOnly)
	})
}

func TestOccupancyCountsPhysicalBooks(t *testing.T) {
	forEach(t, func(t *testing.T, s *sqlstore.Store) {
		ctx := t.Context()
		a := insertShelf(t, s, 5)
		b := insertShelf(t, s, 5)
		insertBook(t, s, &a.ID, "")
		insertBook(t, s, &a.ID, "")
		insertBook(t, s, nil, "")

		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			occ, err := tx.Occupancy(ctx)
			require.NoError(t, err)
			byShelf := map[uuid.UUID]store.Occupancy{}
			for _, o := range occ {
				byShelf[o.ShelfID] = o
			}
			assert.Equal(t, 2, byShelf[a.ID].Actual)
			assert.Equal(t, 0, byShelf[a.ID].Recorded)
			assert.True(t, byShelf[a.ID].Drifted())
			assert.Equal(t, a.LocationCode, byShelf[a.ID].LocationCode)
			assert.Equal(t, 0, byShelf[b.ID].Actual)
			assert.False(t, byShelf[b.ID].Drifted())

			n, err := tx.CountBooksOnShelf(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			return nil
		}))
	})
}

func TestLoanQueries(t *testing.T) {
	forEach(t, func(t *testing.T, s *sqlstore.Store) {
		ctx := t.Context()
		st := insertStudent(t, s)
		first := insertBook(t, s, nil, "")
		second := insertBook(t, s, nil, "")

		early := &domain.Loan{ID: uuid.New(), BookID: first.ID, StudentID: st.ID, LoanDate: day, EstimatedReturnDate: day.AddDate(0, 0, 7), Status: domain.LoanActive}
		late := &domain.Loan{ID: uuid.New(), BookID: second.ID, StudentID: st.ID, LoanDate: day.AddDate(0, 0, 1), EstimatedReturnDate: day.AddDate(0, 0, 30), Status: domain.LoanActive}
		require.NoError(t, s.Atomically(ctx, func(tx store.Tx) error {
			if err := tx.InsertLoan(ctx, late); err != nil {
				return err
			}
			return tx.InsertLoan(ctx, early)
		}))

		dup := &domain.Loan{ID: uuid.New(), BookID: first.ID, StudentID: st.ID, LoanDate: day, EstimatedReturnDate: day.AddDate(0, 0, 7), Status: domain.LoanActive}
		err := s.Atomically(ctx, func(tx store.Tx) error { return tx.InsertLoan(ctx, dup) })
		assert.ErrorIs(t, err, store.ErrDuplicate)

		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			open, err := tx.OpenLoanForBook(ctx, first.ID)
			require.NoError(t, err)
			assert.Equal(t, early.ID, open.ID)
			assert.True(t, day.Equal(open.LoanDate))
			assert.Nil(t, open.ActualReturnDate)

			n, err := tx.CountOpenLoans(ctx, st.ID)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			all, err := tx.LoansByStudent(ctx, st.ID)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, early.ID, all[0].ID)

			due, err := tx.DueLoans(ctx, day.AddDate(0, 0, 10))
			require.NoError(t, err)
			var mine []uuid.UUID
			for _, l := range due {
				if l.StudentID == st.ID {
					mine = append(mine, l.ID)
				}
			}
			assert.Equal(t, []uuid.UUID{early.ID}, mine)
			return nil
		}))

		returned := day.AddDate(0, 0, 3)
		require.NoError(t, s.Atomically(ctx, func(tx store.Tx) error {
			early.Status, early.ActualReturnDate = domain.LoanReturned, &returned
			return tx.UpdateLoan(ctx, early)
		}))
		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			_, err := tx.OpenLoanForBook(ctx, first.ID)
			assert.ErrorIs(t, err, store.ErrNotFound)
			got, err := tx.Loan(ctx, early.ID)
			require.NoError(t, err)
			require.NotNil(t, got.ActualReturnDate)
			assert.True(t, returned.Equal(*got.ActualReturnDate))
			return nil
		}))
	})
}

func TestEventsKeepOrder(t *testing.T) {
	forEach(t, func(t *testing.T, s *sqlstore.Store) {
		ctx := t.Context()
		id := uuid.New()
		require.NoError(t, s.Atomically(ctx, func(tx store.Tx) error {
			for _, typ := range []string{"First", "Second"} {
				e := &domain.Event{AggregateID: id, AggregateType: domain.AggregateLoan, EventType: typ, EventData: []byte(`{"n":1}`)}
				if err := tx.AppendEvent(ctx, e); err != nil {
					return err
				}
				assert.NotZero(t, e.ID)
			}
			return nil
		}))

		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			events, err := tx.Events(ctx, id)
			require.NoError(t, err)
			require.Len(t, events, 2)
			assert.Equal(t, "First", events[0].EventType)
			assert.Equal(t, "Second", events[1].EventType)
			assert.JSONEq(t, `{"n":1}`, string(events[0].EventData))
			return nil
		}))
	})
}

func TestEngineOverSQL(t *testing.T) {
	forEach(t, func(t *testing.T, s *sqlstore.Store) {
		ctx := context.Background()
		clock := domain.NewFixedClock(day.Add(10 * time.Hour))
		svc := circulation.NewService(circulation.Deps{Store: s, Clock: clock}, lending.DefaultPolicy())

		sh := insertShelf(t, s, 2)
		book, err := svc.AddBook(ctx, domain.NewBook{Title: "Principia", Author: "Newton", Type: domain.BookPhysical, ShelfID: &sh.ID})
		require.NoError(t, err)
		st := insertStudent(t, s)

		loan, err := svc.CreateLoan(ctx, circulation.CreateLoanRequest{BookID: book.ID, StudentID: st.ID})
		require.NoError(t, err)
		assert.Equal(t, domain.LoanActive, loan.Status)

		_, err = svc.CreateLoan(ctx, circulation.CreateLoanRequest{BookID: book.ID, StudentID: st.ID})
		assert.Equal(t, domain.KindEligibility, domain.KindOf(err))

		returned, err := svc.ReturnBook(ctx, loan.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, domain.LoanReturned, returned.Status)

		got, err := svc.Book(ctx, book.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.BookAvailable, got.Status)

		drift, err := svc.FindDrift(ctx)
		require.NoError(t, err)
		for _, d := range drift {
			assert.NotEqual(t, sh.ID, d.ShelfID)
		}
	})
}

func TestStatusDriftOverSQL(t *testing.T) {
	forEach(t, func(t *testing.T, s *sqlstore.Store) {
		ctx := context.Background()
		clock := domain.NewFixedClock(day.Add(10 * time.Hour))
		svc := circulation.NewService(circulation.Deps{Store: s, Clock: clock}, lending.DefaultPolicy())

		book, err := svc.AddBook(ctx, domain.NewBook{Title: "Elements", Author: "Euclid", Type: domain.BookDigital})
		require.NoError(t, err)
		loan, err := svc.CreateLoan(ctx, circulation.CreateLoanRequest{BookID: book.ID, StudentID: insertStudent(t, s).ID})
		require.NoError(t, err)

		force := func(status domain.BookStatus) {
			require.NoError(t, s.Atomically(ctx, func(tx store.Tx) error {
				b, err := tx.Book(ctx, book.ID)
				if err != nil {
					return err
				}
				b.Status = status
				return tx.UpdateBook(ctx, b)
			}))
		}

		force(domain.BookAvailable)
		_, err = svc.CreateLoan(ctx, circulation.CreateLoanRequest{BookID: book.ID, StudentID: insertStudent(t, s).ID})
		require.ErrorIs(t, err, domain.ErrStatusDrift)
		assert.Equal(t, domain.KindConsistency, domain.KindOf(err))

		force(domain.BookMaintenance)
		_, err = svc.ReturnBook(ctx, loan.ID, nil)
		require.ErrorIs(t, err, domain.ErrStatusDrift)
		got, err := svc.Loan(ctx, loan.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.LoanActive, got.Status)
	})
}
