// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"librastock/internal/audit"
	"librastock/internal/domain"
	"librastock/internal/journal"
	"librastock/internal/ledger"
	"librastock/internal/lending"
	"librastock/internal/lock"
	"librastock/internal/logging"
	"librastock/internal/placement"
	"librastock/internal/store"
)

// DefaultLockTimeout bounds lock acquisition when Deps.Locks is nil.
const DefaultLockTimeout = 2 * time.Second

// Deps are the collaborators of the engine. Only Store is required.
type Deps struct {
	Store   store.Store
	Locks   *lock.Manager
	Ledger  *ledger.Ledger
	Auditor *audit.Auditor
	Clock   domain.Clock
	Logger  logging.Logger
}

// service implements the Service interface.
type service struct {
	store    store.Store
	locks    *lock.Manager
	machine  *lending.Machine
	placer   *placement.Projector
	auditor  *audit.Auditor
	clock    domain.Clock
	log      logging.Logger
	tracer   trace.Tracer
	counters metrics
}

// NewService wires the engine over d.Store with the given lending policy.
func NewService(d Deps, policy lending.Policy) Service {
	if d.Logger == nil {
		d.Logger = logging.Discard
	}
	if d.Clock == nil {
		d.Clock = domain.SystemClock{}
	}
	if d.Locks == nil {
		d.Locks = lock.NewManager(DefaultLockTimeout)
	}
	if d.Ledger == nil {
		d.Ledger = ledger.New(d.Logger)
	}
	if d.Auditor == nil {
		d.Auditor = audit.New(d.Store, d.Locks, d.Ledger, audit.WithLogger(d.Logger))
	}
	return &service{
		store:    d.Store,
		locks:    d.Locks,
		machine:  lending.New(policy, d.Clock),
		placer:   placement.New(d.Ledger),
		auditor:  d.Auditor,
		clock:    d.Clock,
		log:      d.Logger,
		tracer:   otel.Tracer("librastock/circulation"),
		counters: newMetrics(d.Logger),
	}
}

// run holds the locks for keys while fn runs in one unit of work. Errors come back
// classified.
func (s *service) run(ctx context.Context, keys []lock.Key, fn func(ctx context.Context, tx store.Tx) error) error {
	unlock, err := s.locks.Acquire(ctx, keys...)
	if err != nil {
		return err
	}
	defer unlock()

	return s.classify(s.store.Atomically(ctx, func(tx store.Tx) error {
		return fn(ctx, tx)
	}))
}

func (s *service) classify(err error) error {
	if err == nil || domain.KindOf(err) != domain.KindUnknown {
		return err
	}
	return store.Translate(err, nil)
}

// finish records the outcome of op on the span and in the metrics.
func (s *service) finish(ctx context.Context, span trace.Span, op string, err error) {
	defer span.End()
	if err == nil {
		return
	}
	kind := domain.KindOf(err)
	span.SetAttributes(attribute.String("error.kind", kind.String()))
	s.counters.observe(ctx, op, err)
	switch kind {
	case domain.KindConsistency:
		s.log.Error("consistency violation", "operation", op, "error", err)
		span.SetStatus(codes.Error, err.Error())
	case domain.KindUnknown:
		s.log.Error("operation failed", "operation", op, "error", err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (s *service) CreateLoan(ctx context.Context, req CreateLoanRequest) (loan *domain.Loan, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.create_loan",
		trace.WithAttributes(
			attribute.String("book.id", req.BookID.String()),
			attribute.String("student.id", req.StudentID.String()),
		),
	)
	defer func() { s.finish(ctx, span, "create_loan", err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	keys := []lock.Key{lock.Book(req.BookID), lock.Student(req.StudentID)}
	err = s.run(ctx, keys, func(ctx context.Context, tx store.Tx) error {
		created, book, err := s.machine.Create(ctx, tx, lending.CreateParams{
			BookID:    req.BookID,
			StudentID: req.StudentID,
			LoanDate:  req.LoanDate,
			DueDate:   req.DueDate,
			Notes:     req.Notes,
		})
		if err != nil {
			return err
		}
		book.Status = domain.BookLoaned
		if err := tx.UpdateBook(ctx, book); err != nil {
			return fmt.Errorf("mark book loaned: %w", store.Translate(err, domain.ErrBookNotFound))
		}
		loan = created
		return journal.Record(ctx, tx, domain.AggregateLoan, created.ID, journal.LoanCreated, journal.LoanCreatedEvent{
			LoanID:    created.ID,
			BookID:    created.BookID,
			StudentID: created.StudentID,
			LoanDate:  created.LoanDate,
			DueDate:   created.EstimatedReturnDate,
		})
	})
	if errors.Is(err, store.ErrDuplicate) && !errors.Is(err, domain.ErrBookUnavailable) {
		// the open-loan unique key was taken at commit
		err = fmt.Errorf("%w: %w", domain.ErrBookUnavailable, err)
	}
	if err != nil {
		return nil, err
	}

	s.counters.loansCreated.Add(ctx, 1)
	span.SetAttributes(attribute.String("loan.id", loan.ID.String()))
	return loan, nil
}

// loanBook reads the book of a loan without locks. Loans never change books, so the
// id is safe to lock on.
func (s *service) loanBook(ctx context.Context, loanID uuid.UUID) (uuid.UUID, error) {
	var bookID uuid.UUID
	err := s.store.View(ctx, func(tx store.Tx) error {
		loan, err := tx.Loan(ctx, loanID)
		if err != nil {
			return store.Translate(err, domain.ErrLoanNotFound)
		}
		bookID = loan.BookID
		return nil
	})
	return bookID, err
}

// setBookStatus moves the book of a loan to status. A book that is not marked loaned
// fails the unit of work and is left as found for an operator.
func (s *service) setBookStatus(ctx context.Context, tx store.Tx, loan *domain.Loan, status domain.BookStatus) (*domain.Book, error) {
	book, err := tx.Book(ctx, loan.BookID)
	if err != nil {
		return nil, fmt.Errorf("load book of loan %s: %w", loan.ID, store.Translate(err, domain.ErrBookNotFound))
	}
	if book.Status != domain.BookLoaned {
		return nil, fmt.Errorf("book %s of loan %s is %s: %w", book.ID, loan.ID, book.Status, domain.ErrStatusDrift)
	}
	book.Status = status
	if err := tx.UpdateBook(ctx, book); err != nil {
		return nil, fmt.Errorf("set book %s: %w", status, store.Translate(err, domain.ErrBookNotFound))
	}
	return book, nil
}

func (s *service) ReturnBook(ctx context.Context, loanID uuid.UUID, returnDate *time.Time) (loan *domain.Loan, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.return_book",
		trace.WithAttributes(attribute.String("loan.id", loanID.String())),
	)
	defer func() { s.finish(ctx, span, "return_book", err) }()

	bookID, err := s.loanBook(ctx, loanID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("book.id", bookID.String()))

	err = s.run(ctx, []lock.Key{lock.Loan(loanID), lock.Book(bookID)}, func(ctx context.Context, tx store.Tx) error {
		returned, prev, err := s.machine.Return(ctx, tx, loanID, returnDate)
		if err != nil {
			return err
		}
		if _, err := s.setBookStatus(ctx, tx, returned, domain.BookAvailable); err != nil {
			return err
		}
		loan = returned
		return journal.Record(ctx, tx, domain.AggregateLoan, returned.ID, journal.BookReturned, journal.BookReturnedEvent{
			LoanID:     returned.ID,
			BookID:     returned.BookID,
			ReturnDate: *returned.ActualReturnDate,
			WasOverdue: prev == domain.LoanOverdue,
		})
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// ReportLost marks the loan and its book lost. The shelf slot stays occupied.
func (s *service) ReportLost(ctx context.Context, loanID uuid.UUID) (loan *domain.Loan, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.report_lost",
		trace.WithAttributes(attribute.String("loan.id", loanID.String())),
	)
	defer func() { s.finish(ctx, span, "report_lost", err) }()

	bookID, err := s.loanBook(ctx, loanID)
	if err != nil {
		return nil, err
	}

	err = s.run(ctx, []lock.Key{lock.Loan(loanID), lock.Book(bookID)}, func(ctx context.Context, tx store.Tx) error {
		lost, err := s.machine.MarkLost(ctx, tx, loanID)
		if err != nil {
			return err
		}
		book, err := s.setBookStatus(ctx, tx, lost, domain.BookLost)
		if err != nil {
			return err
		}
		loan = lost
		return journal.Record(ctx, tx, domain.AggregateLoan, lost.ID, journal.BookReportedLost, journal.BookReportedLostEvent{
			LoanID:  lost.ID,
			BookID:  book.ID,
			ShelfID: book.ShelfID,
		})
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

func (s *service) RenewLoan(ctx context.Context, loanID uuid.UUID, newDue time.Time) (loan *domain.Loan, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.renew_loan",
		trace.WithAttributes(attribute.String("loan.id", loanID.String())),
	)
	defer func() { s.finish(ctx, span, "renew_loan", err) }()

	err = s.run(ctx, []lock.Key{lock.Loan(loanID)}, func(ctx context.Context, tx store.Tx) error {
		renewed, prev, err := s.machine.Renew(ctx, tx, loanID, newDue)
		if err != nil {
			return err
		}
		loan = renewed
		return journal.Record(ctx, tx, domain.AggregateLoan, renewed.ID, journal.LoanRenewed, journal.LoanRenewedEvent{
			LoanID:       renewed.ID,
			PreviousDue:  prev,
			DueDate:      renewed.EstimatedReturnDate,
			RenewalCount: renewed.RenewalCount,
		})
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// SweepOverdue locks the loans due before asOf (today when zero) and marks them
// overdue in one unit of work. Only locked loans are written; loans that become due
// after the read wait for the next sweep.
func (s *service) SweepOverdue(ctx context.Context, asOf time.Time) (n int, err error) {
	if asOf.IsZero() {
		asOf = s.clock.Now()
	}
	ctx, span := s.tracer.Start(ctx, "circulation.sweep_overdue",
		trace.WithAttributes(attribute.String("as_of", domain.Day(asOf).Format(time.DateOnly))),
	)
	defer func() { s.finish(ctx, span, "sweep_overdue", err) }()

	var (
		ids  []uuid.UUID
		keys []lock.Key
	)
	err = s.store.View(ctx, func(tx store.Tx) error {
		due, err := tx.DueLoans(ctx, domain.Day(asOf))
		if err != nil {
			return err
		}
		for _, l := range due {
			ids = append(ids, l.ID)
			keys = append(keys, lock.Loan(l.ID))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("read due loans: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	err = s.run(ctx, keys, func(ctx context.Context, tx store.Tx) error {
		changed, err := s.machine.SweepOverdue(ctx, tx, asOf, ids...)
		if err != nil {
			return err
		}
		for _, l := range changed {
			if err := journal.Record(ctx, tx, domain.AggregateLoan, l.ID, journal.LoansMarkedOverdue,
				journal.LoanMarkedOverdueEvent{LoanID: l.ID, AsOf: domain.Day(asOf)}); err != nil {
				return err
			}
		}
		n = len(changed)
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.counters.overdue.Add(ctx, int64(n))
	span.SetAttributes(attribute.Int("loans.marked", n))
	if n > 0 {
		s.log.Info("marked loans overdue", "count", n, "as_of", domain.Day(asOf).Format(time.DateOnly))
	}
	return n, nil
}

func (s *service) AddShelf(ctx context.Context, req domain.NewShelf) (shelf *domain.Shelf, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.add_shelf",
		trace.WithAttributes(attribute.String("shelf.location", req.LocationCode)),
	)
	defer func() { s.finish(ctx, span, "add_shelf", err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	shelf = &domain.Shelf{
		ID:            uuid.New(),
		LocationCode:  req.LocationCode,
		Section:       req.Section,
		Topic:         req.Topic,
		TotalCapacity: req.TotalCapacity,
	}
	err = s.run(ctx, []lock.Key{lock.Shelf(shelf.ID)}, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertShelf(ctx, shelf); err != nil {
			return fmt.Errorf("insert shelf: %w", store.Translate(err, nil))
		}
		return journal.Record(ctx, tx, domain.AggregateShelf, shelf.ID, journal.ShelfAdded, journal.ShelfAddedEvent{
			ShelfID:       shelf.ID,
			LocationCode:  shelf.LocationCode,
			TotalCapacity: shelf.TotalCapacity,
		})
	})
	if err != nil {
		return nil, err
	}
	return shelf, nil
}

// AddBook validates and places a new book. A physical book without a shelf is
// refused before anything is written.
func (s *service) AddBook(ctx context.Context, req domain.NewBook) (book *domain.Book, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.add_book",
		trace.WithAttributes(attribute.String("book.type", string(req.Type))),
	)
	defer func() { s.finish(ctx, span, "add_book", err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	book = &domain.Book{
		ID:      uuid.New(),
		ISBN:    domain.NormalizeISBN(req.ISBN),
		Title:   req.Title,
		Author:  req.Author,
		Type:    req.Type,
		ShelfID: req.ShelfID,
		Status:  domain.BookAvailable,
	}
	keys := []lock.Key{lock.Book(book.ID)}
	if book.ShelfID != nil {
		keys = append(keys, lock.Shelf(*book.ShelfID))
	}
	err = s.run(ctx, keys, func(ctx context.Context, tx store.Tx) error {
		if err := s.placer.Place(ctx, tx, book); err != nil {
			return err
		}
		return journal.Record(ctx, tx, domain.AggregateBook, book.ID, journal.BookAdded, journal.BookAddedEvent{
			BookID:  book.ID,
			Type:    book.Type,
			ShelfID: book.ShelfID,
		})
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("book.id", book.ID.String()))
	return book, nil
}

// currentShelf reads the shelf of a book without locks. Callers lock it and check it
// again inside the unit of work.
func (s *service) currentShelf(ctx context.Context, bookID uuid.UUID) (*uuid.UUID, error) {
	var shelfID *uuid.UUID
	err := s.store.View(ctx, func(tx store.Tx) error {
		book, err := tx.Book(ctx, bookID)
		if err != nil {
			return store.Translate(err, domain.ErrBookNotFound)
		}
		shelfID = book.ShelfID
		return nil
	})
	return shelfID, err
}

// placementKeys locks the book and every shelf the change touches.
func placementKeys(bookID uuid.UUID, shelves ...*uuid.UUID) []lock.Key {
	keys := []lock.Key{lock.Book(bookID)}
	for _, id := range shelves {
		if id != nil {
			keys = append(keys, lock.Shelf(*id))
		}
	}
	return keys
}

// errShelfMoved is returned when a book changed shelves between the unlocked read
// and the locked write.
var errShelfMoved = fmt.Errorf("book moved while waiting for locks: %w", domain.ErrBusy)

func sameShelf(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *service) AssignShelf(ctx context.Context, bookID, shelfID uuid.UUID) (book *domain.Book, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.assign_shelf",
		trace.WithAttributes(
			attribute.String("book.id", bookID.String()),
			attribute.String("shelf.id", shelfID.String()),
		),
	)
	defer func() { s.finish(ctx, span, "assign_shelf", err) }()

	from, err := s.currentShelf(ctx, bookID)
	if err != nil {
		return nil, err
	}
	err = s.run(ctx, placementKeys(bookID, from, &shelfID), func(ctx context.Context, tx store.Tx) error {
		change, err := s.placer.AssignShelf(ctx, tx, bookID, shelfID)
		if err != nil {
			return err
		}
		if !sameShelf(change.From, from) {
			return errShelfMoved
		}
		book = change.Book
		if !change.Moved() {
			return nil
		}
		return journal.Record(ctx, tx, domain.AggregateBook, bookID, journal.BookShelved, journal.BookShelvedEvent{
			BookID: bookID,
			From:   change.From,
			To:     change.To,
		})
	})
	if err != nil {
		return nil, err
	}
	return book, nil
}

func (s *service) ChangeBookType(ctx context.Context, bookID uuid.UUID, req ChangeTypeRequest) (book *domain.Book, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.change_book_type",
		trace.WithAttributes(
			attribute.String("book.id", bookID.String()),
			attribute.String("book.type", string(req.Type)),
		),
	)
	defer func() { s.finish(ctx, span, "change_book_type", err) }()

	from, err := s.currentShelf(ctx, bookID)
	if err != nil {
		return nil, err
	}
	err = s.run(ctx, placementKeys(bookID, from, req.ShelfID), func(ctx context.Context, tx store.Tx) error {
		change, err := s.placer.ChangeBookType(ctx, tx, bookID, req.Type, req.ShelfID)
		if err != nil {
			return err
		}
		if !sameShelf(change.From, from) {
			return errShelfMoved
		}
		book = change.Book
		if change.FromType == req.Type && !change.Moved() {
			return nil
		}
		return journal.Record(ctx, tx, domain.AggregateBook, bookID, journal.BookTypeChanged, journal.BookTypeChangedEvent{
			BookID:  bookID,
			From:    change.FromType,
			To:      req.Type,
			ShelfID: change.To,
		})
	})
	if err != nil {
		return nil, err
	}
	return book, nil
}

// RemoveBook deletes a book that has no open loan and releases its shelf slot.
func (s *service) RemoveBook(ctx context.Context, bookID uuid.UUID) (err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.remove_book",
		trace.WithAttributes(attribute.String("book.id", bookID.String())),
	)
	defer func() { s.finish(ctx, span, "remove_book", err) }()

	from, err := s.currentShelf(ctx, bookID)
	if err != nil {
		return err
	}
	return s.run(ctx, placementKeys(bookID, from), func(ctx context.Context, tx store.Tx) error {
		open, err := tx.OpenLoanForBook(ctx, bookID)
		switch {
		case err == nil:
			return fmt.Errorf("book %s is on loan %s: %w", bookID, open.ID, domain.ErrBookOnLoan)
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("check open loan: %w", err)
		}
		removed, err := s.placer.Remove(ctx, tx, bookID)
		if err != nil {
			return err
		}
		if !sameShelf(removed.ShelfID, from) {
			return errShelfMoved
		}
		return journal.Record(ctx, tx, domain.AggregateBook, bookID, journal.BookRemoved, journal.BookRemovedEvent{
			BookID:  bookID,
			ShelfID: removed.ShelfID,
		})
	})
}

// SetMaintenance moves an available book into maintenance, or back out of it.
func (s *service) SetMaintenance(ctx context.Context, bookID uuid.UUID, on bool) (book *domain.Book, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.set_maintenance",
		trace.WithAttributes(
			attribute.String("book.id", bookID.String()),
			attribute.Bool("maintenance", on),
		),
	)
	defer func() { s.finish(ctx, span, "set_maintenance", err) }()

	from, to := domain.BookAvailable, domain.BookMaintenance
	if !on {
		from, to = to, from
	}
	err = s.run(ctx, []lock.Key{lock.Book(bookID)}, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.Book(ctx, bookID)
		if err != nil {
			return store.Translate(err, domain.ErrBookNotFound)
		}
		if b.Status == to {
			book = b
			return nil
		}
		if b.Status != from {
			return fmt.Errorf("book %s is %s: %w", b.ID, b.Status, domain.ErrBookUnavailable)
		}
		b.Status = to
		if err := tx.UpdateBook(ctx, b); err != nil {
			return fmt.Errorf("update book status: %w", store.Translate(err, domain.ErrBookNotFound))
		}
		book = b
		return journal.Record(ctx, tx, domain.AggregateBook, b.ID, journal.BookMaintenanceChanged,
			journal.BookMaintenanceChangedEvent{BookID: b.ID, Status: to})
	})
	if err != nil {
		return nil, err
	}
	return book, nil
}

func (s *service) FindDrift(ctx context.Context) ([]store.Occupancy, error) {
	return s.auditor.FindDrift(ctx)
}

func (s *service) RepairShelfCounts(ctx context.Context) (audit.Report, error) {
	return s.auditor.Repair(ctx)
}

func (s *service) Book(ctx context.Context, id uuid.UUID) (*domain.Book, error) {
	var book *domain.Book
	err := s.store.View(ctx, func(tx store.Tx) error {
		b, err := tx.Book(ctx, id)
		if err != nil {
			return store.Translate(err, domain.ErrBookNotFound)
		}
		book = b
		return nil
	})
	return book, err
}

func (s *service) Loan(ctx context.Context, id uuid.UUID) (*domain.Loan, error) {
	var loan *domain.Loan
	err := s.store.View(ctx, func(tx store.Tx) error {
		l, err := tx.Loan(ctx, id)
		if err != nil {
			return store.Translate(err, domain.ErrLoanNotFound)
		}
		loan = l
		return nil
	})
	return loan, err
}
