package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"librastock/internal/circulation"
	"librastock/internal/domain"
	"librastock/internal/lock"
	"librastock/internal/membership"
	"librastock/internal/store"
)

// Target is the system the experiments run against.
type Target struct {
	Circulation circulation.Service
	Membership  membership.Service
	Store       store.Store
	Locks       *lock.Manager
}

// RegisterExperiments registers all predefined chaos experiments with the engine.
func (e *Engine) RegisterExperiments(t Target) {
	e.Register(
		ConcurrentLoanRace(t, 50),
		ShelfContention(t, 30),
		CountDriftRepair(t),
		LockStarvation(t),
	)
}

// fixture tracks what an experiment created so its metrics stay scoped to it.
type fixture struct {
	mu       sync.Mutex
	students []uuid.UUID
	shelves  []uuid.UUID
	books    []uuid.UUID
}

func (f *fixture) addStudent(id uuid.UUID) {
	f.mu.Lock()
	f.students = append(f.students, id)
	f.mu.Unlock()
}

// seedShelf adds a shelf under the first free location code in Z0..Z99.
func seedShelf(ctx context.Context, t Target, capacity int) (*domain.Shelf, error) {
	for i := 0; i < 100; i++ {
		shelf, err := t.Circulation.AddShelf(ctx, domain.NewShelf{
			LocationCode:  fmt.Sprintf("Z%d", i),
			Section:       "Chaos",
			Topic:         "Experiments",
			TotalCapacity: capacity,
		})
		if errors.Is(err, domain.ErrDuplicate) {
			continue
		}
		return shelf, err
	}
	return nil, errors.New("no free location code in Z0..Z99")
}

func (f *fixture) seedBooks(ctx context.Context, t Target, shelfID uuid.UUID, n int) error {
	for i := 0; i < n; i++ {
		book, err := t.Circulation.AddBook(ctx, domain.NewBook{
			Title:   fmt.Sprintf("Chaos Volume %d", i+1),
			Author:  "librastock",
			Type:    domain.BookPhysical,
			ShelfID: &shelfID,
		})
		if err != nil {
			return err
		}
		f.books = append(f.books, book.ID)
	}
	return nil
}

func (f *fixture) seedStudents(ctx context.Context, t Target, n int) error {
	for i := 0; i < n; i++ {
		st, err := t.Membership.RegisterStudent(ctx, membership.NewStudent{Name: fmt.Sprintf("chaos-%d", i)})
		if err != nil {
			return err
		}
		f.addStudent(st.ID)
	}
	return nil
}

// driftMetric counts shelves whose cached count disagrees with their books.
func driftMetric(t Target) Metric {
	return Metric{
		Name: "shelf_drift",
		Query: func(ctx context.Context) (float64, error) {
			drift, err := t.Circulation.FindDrift(ctx)
			return float64(len(drift)), err
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// overfullMetric counts shelves recording more books than they hold.
func overfullMetric(t Target) Metric {
	return Metric{
		Name: "overfull_shelves",
		Query: func(ctx context.Context) (float64, error) {
			var n int
			err := t.Store.View(ctx, func(tx store.Tx) error {
				shelves, err := tx.Shelves(ctx)
				if err != nil {
					return err
				}
				for _, s := range shelves {
					if s.CurrentCount < 0 || s.CurrentCount > s.TotalCapacity {
						n++
					}
				}
				return nil
			})
			return float64(n), err
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// doubleOpenMetric counts books with more than one open loan among the fixture's
// students.
func doubleOpenMetric(t Target, f *fixture) Metric {
	return Metric{
		Name: "double_open_loans",
		Query: func(ctx context.Context) (float64, error) {
			f.mu.Lock()
			students := append([]uuid.UUID(nil), f.students...)
			f.mu.Unlock()
			open := map[uuid.UUID]int{}
			err := t.Store.View(ctx, func(tx store.Tx) error {
				for _, id := range students {
					loans, err := tx.LoansByStudent(ctx, id)
					if err != nil {
						return err
					}
					for _, l := range loans {
						if l.Status.Open() {
							open[l.BookID]++
						}
					}
				}
				return nil
			})
			var doubled int
			for _, n := range open {
				if n > 1 {
					doubled++
				}
			}
			return float64(doubled), err
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

func counterMetric(name string, c *atomic.Int64, th Threshold) Metric {
	return Metric{
		Name:      name,
		Query:     func(context.Context) (float64, error) { return float64(c.Load()), nil },
		Threshold: th,
	}
}

// ConcurrentLoanRace fires concurrent CreateLoan calls for one book.
func ConcurrentLoanRace(t Target, concurrency int) Experiment {
	f := &fixture{}
	var winners atomic.Int64
	return Experiment{
		Name:       "concurrent-loan-race",
		Hypothesis: "Exactly one of many simultaneous loans for the same book succeeds",
		Setup: []Action{{
			Type:   "seed",
			Target: "circulation",
			Execute: func(ctx context.Context) error {
				shelf, err := seedShelf(ctx, t, 1)
				if err != nil {
					return err
				}
				if err := f.seedBooks(ctx, t, shelf.ID, 1); err != nil {
					return err
				}
				return f.seedStudents(ctx, t, concurrency)
			},
		}},
		SteadyState: []Metric{
			driftMetric(t),
			doubleOpenMetric(t, f),
			counterMetric("loan_winners", &winners, Threshold{Operator: "<=", Value: 1}),
		},
		Method: []Action{{
			Type:   "concurrent-requests",
			Target: "circulation",
			Execute: func(ctx context.Context) error {
				if len(f.books) == 0 {
					return errors.New("no book seeded")
				}
				var wg sync.WaitGroup
				var unexpected atomic.Int64
				for _, student := range f.students {
					wg.Add(1)
					go func(student uuid.UUID) {
						defer wg.Done()
						_, err := t.Circulation.CreateLoan(ctx, circulation.CreateLoanRequest{BookID: f.books[0], StudentID: student})
						switch {
						case err == nil:
							winners.Add(1)
						case domain.KindOf(err) == domain.KindEligibility, domain.IsRetryable(err):
						default:
							unexpected.Add(1)
						}
					}(student)
				}
				wg.Wait()
				if n := unexpected.Load(); n > 0 {
					return fmt.Errorf("%d loan attempts failed unexpectedly", n)
				}
				return nil
			},
		}},
		Validation: []Assertion{
			{Metric: "loan_winners", Condition: func(v float64) bool { return v == 1 }, Message: "exactly one loan should be created"},
			{Metric: "double_open_loans", Condition: func(v float64) bool { return v == 0 }, Message: "no book may have two open loans"},
			{Metric: "shelf_drift", Condition: func(v float64) bool { return v == 0 }, Message: "shelf counts must not drift"},
		},
		Duration:    3 * time.Second,
		SampleEvery: time.Second,
	}
}

// ShelfContention moves many books onto a nearly full shelf at once.
func ShelfContention(t Target, books int) Experiment {
	f := &fixture{}
	var target uuid.UUID
	var moved atomic.Int64
	const capacity = 5
	return Experiment{
		Name:       "shelf-contention",
		Hypothesis: "Concurrent reassignments never overfill a shelf or leave counts drifting",
		Setup: []Action{{
			Type:   "seed",
			Target: "placement",
			Execute: func(ctx context.Context) error {
				home, err := seedShelf(ctx, t, books)
				if err != nil {
					return err
				}
				dest, err := seedShelf(ctx, t, capacity)
				if err != nil {
					return err
				}
				target = dest.ID
				return f.seedBooks(ctx, t, home.ID, books)
			},
		}},
		SteadyState: []Metric{
			driftMetric(t),
			overfullMetric(t),
			counterMetric("books_moved", &moved, Threshold{Operator: "<=", Value: capacity}),
		},
		Method: []Action{{
			Type:   "concurrent-requests",
			Target: "placement",
			Execute: func(ctx context.Context) error {
				var wg sync.WaitGroup
				for _, id := range f.books {
					wg.Add(1)
					go func(id uuid.UUID) {
						defer wg.Done()
						if _, err := t.Circulation.AssignShelf(ctx, id, target); err == nil {
							moved.Add(1)
						}
					}(id)
				}
				wg.Wait()
				return nil
			},
		}},
		Validation: []Assertion{
			{Metric: "books_moved", Condition: func(v float64) bool { return v <= capacity }, Message: "no more books than the capacity may move"},
			{Metric: "overfull_shelves", Condition: func(v float64) bool { return v == 0 }, Message: "no shelf may exceed its capacity"},
			{Metric: "shelf_drift", Condition: func(v float64) bool { return v == 0 }, Message: "shelf counts must not drift"},
		},
		Duration:    2 * time.Second,
		SampleEvery: 500 * time.Millisecond,
	}
}

// CountDriftRepair corrupts a shelf count behind the engine's back and lets the
// auditor repair it.
func CountDriftRepair(t Target) Experiment {
	f := &fixture{}
	var shelfID uuid.UUID
	return Experiment{
		Name:       "shelf-count-drift",
		Hypothesis: "The auditor restores a corrupted shelf count",
		Setup: []Action{{
			Type:   "seed",
			Target: "ledger",
			Execute: func(ctx context.Context) error {
				shelf, err := seedShelf(ctx, t, 10)
				if err != nil {
					return err
				}
				shelfID = shelf.ID
				return f.seedBooks(ctx, t, shelf.ID, 3)
			},
		}},
		SteadyState: []Metric{driftMetric(t)},
		Method: []Action{{
			Type:   "corrupt-count",
			Target: "ledger",
			Execute: func(ctx context.Context) error {
				return t.Store.Atomically(ctx, func(tx store.Tx) error {
					shelf, err := tx.Shelf(ctx, shelfID)
					if err != nil {
						return err
					}
					shelf.CurrentCount = 7
					return tx.UpdateShelf(ctx, shelf)
				})
			},
		}},
		Rollback: []Action{{
			Type:   "repair",
			Target: "auditor",
			Execute: func(ctx context.Context) error {
				report, err := t.Circulation.RepairShelfCounts(ctx)
				if err != nil {
					return err
				}
				if len(report.Unrepaired) > 0 {
					return fmt.Errorf("%d shelves left unrepaired", len(report.Unrepaired))
				}
				return nil
			},
		}},
		Validation: []Assertion{
			{Metric: "shelf_drift", Condition: func(v float64) bool { return v == 0 }, Message: "drift should be repaired"},
		},
		Duration:    time.Second,
		SampleEvery: 250 * time.Millisecond,
	}
}

// LockStarvation holds a book lock while loans for it are requested.
func LockStarvation(t Target) Experiment {
	f := &fixture{}
	var busy, created atomic.Int64
	var release func()
	return Experiment{
		Name:       "book-lock-starvation",
		Hypothesis: "Requests for a locked book fail fast as busy and leave no partial state",
		Setup: []Action{{
			Type:   "seed",
			Target: "circulation",
			Execute: func(ctx context.Context) error {
				shelf, err := seedShelf(ctx, t, 1)
				if err != nil {
					return err
				}
				if err := f.seedBooks(ctx, t, shelf.ID, 1); err != nil {
					return err
				}
				return f.seedStudents(ctx, t, 5)
			},
		}},
		SteadyState: []Metric{
			driftMetric(t),
			doubleOpenMetric(t, f),
			counterMetric("loans_created", &created, Threshold{Operator: "==", Value: 0}),
			counterMetric("busy_refusals", &busy, Threshold{Operator: ">=", Value: 0}),
		},
		Method: []Action{
			{
				Type:   "hold-lock",
				Target: "lock-manager",
				Execute: func(ctx context.Context) error {
					if len(f.books) == 0 {
						return errors.New("no book seeded")
					}
					unlock, err := t.Locks.Acquire(ctx, lock.Book(f.books[0]))
					if err != nil {
						return err
					}
					release = unlock
					return nil
				},
			},
			{
				Type:   "requests",
				Target: "circulation",
				Execute: func(ctx context.Context) error {
					var wg sync.WaitGroup
					errs := make([]error, len(f.students))
					for i, student := range f.students {
						wg.Add(1)
						go func(i int, student uuid.UUID) {
							defer wg.Done()
							_, err := t.Circulation.CreateLoan(ctx, circulation.CreateLoanRequest{BookID: f.books[0], StudentID: student})
							switch {
							case err == nil:
								created.Add(1)
							case domain.IsRetryable(err):
								busy.Add(1)
							default:
								errs[i] = err
							}
						}(i, student)
					}
					wg.Wait()
					return errors.Join(errs...)
				},
			},
		},
		Rollback: []Action{{
			Type:   "release-lock",
			Target: "lock-manager",
			Execute: func(context.Context) error {
				if release != nil {
					release()
				}
				return nil
			},
		}},
		Validation: []Assertion{
			{Metric: "loans_created", Condition: func(v float64) bool { return v == 0 }, Message: "no loan may be created while the book is locked"},
			{Metric: "busy_refusals", Condition: func(v float64) bool { return v == float64(len(f.students)) }, Message: "every request should be refused as busy"},
			{Metric: "double_open_loans", Condition: func(v float64) bool { return v == 0 }, Message: "no book may have two open loans"},
		},
		Duration:    500 * time.Millisecond,
		SampleEvery: 100 * time.Millisecond,
	}
}
