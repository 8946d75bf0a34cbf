package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"librastock/internal/domain"
	"librastock/internal/store"
)

const (
	bookColumns    = `id, COALESCE(isbn, '') AS isbn, title, author, book_type, shelf_id, status, version, created_at, updated_at`
	shelfColumns   = `id, location_code, section, main_topic, total_capacity, current_count, version, created_at, updated_at`
	studentColumns = `id, name, status, version, created_at, updated_at`
	loanColumns    = `id, book_id, student_id, loan_date, estimated_return_date, actual_return_date, status, renewal_count, notes, version, created_at, updated_at`
	eventColumns   = `id, aggregate_id, aggregate_type, event_type, event_data, created_at`
)

var loanFields = []interface{}{
	"id", "book_id", "student_id", "loan_date", "estimated_return_date", "actual_return_date",
	"status", "renewal_count", "notes", "version", "created_at", "updated_at",
}

type tx struct {
	s        *Store
	tx       *sqlx.Tx
	readOnly bool
}

func (t *tx) writable() error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	return nil
}

func (t *tx) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return translate(t.tx.GetContext(ctx, dest, t.tx.Rebind(query), args...))
}

func (t *tx) selectAll(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return translate(t.tx.SelectContext(ctx, dest, t.tx.Rebind(query), args...))
}

func (t *tx) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
	return res, translate(err)
}

// swap runs a versioned UPDATE or DELETE. No affected row means the row is gone or
// someone else advanced its version.
func (t *tx) swap(ctx context.Context, table string, id uuid.UUID, query string, args ...interface{}) error {
	res, err := t.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = t.get(ctx, &exists, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if exists == 0 {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

func utc(ts ...*time.Time) {
	for _, t := range ts {
		if t != nil && !t.IsZero() {
			*t = t.UTC()
		}
	}
}

func nullISBN(isbn string) interface{} {
	if isbn == "" {
		return nil
	}
	return isbn
}

func fixBook(b *domain.Book) *domain.Book {
	utc(&b.CreatedAt, &b.UpdatedAt)
	return b
}

func fixShelf(sh *domain.Shelf) *domain.Shelf {
	utc(&sh.CreatedAt, &sh.UpdatedAt)
	return sh
}

func fixLoan(l *domain.Loan) *domain.Loan {
	utc(&l.LoanDate, &l.EstimatedReturnDate, l.ActualReturnDate, &l.CreatedAt, &l.UpdatedAt)
	return l
}

func (t *tx) Book(ctx context.Context, id uuid.UUID) (*domain.Book, error) {
	var b domain.Book
	if err := t.get(ctx, &b, `SELECT `+bookColumns+` FROM books WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return fixBook(&b), nil
}

func (t *tx) InsertBook(ctx context.Context, b *domain.Book) error {
	now := t.s.now()
	_, err := t.exec(ctx, `INSERT INTO books (id, isbn, title, author, book_type, shelf_id, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		b.ID, nullISBN(b.ISBN), b.Title, b.Author, string(b.Type), b.ShelfID, string(b.Status), now, now)
	if err != nil {
		return err
	}
	b.Version, b.CreatedAt, b.UpdatedAt = 1, now, now
	return nil
}

func (t *tx) UpdateBook(ctx context.Context, b *domain.Book) error {
	now := t.s.now()
	err := t.swap(ctx, "books", b.ID, `UPDATE books
		SET isbn = ?, title = ?, author = ?, book_type = ?, shelf_id = ?, status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		nullISBN(b.ISBN), b.Title, b.Author, string(b.Type), b.ShelfID, string(b.Status), now, b.ID, b.Version)
	if err != nil {
		return err
	}
	b.Version++
	b.UpdatedAt = now
	return nil
}

func (t *tx) DeleteBook(ctx context.Context, b *domain.Book) error {
	return t.swap(ctx, "books", b.ID, `DELETE FROM books WHERE id = ? AND version = ?`, b.ID, b.Version)
}

func (t *tx) Shelf(ctx context.Context, id uuid.UUID) (*domain.Shelf, error) {
	var sh domain.Shelf
	if err := t.get(ctx, &sh, `SELECT `+shelfColumns+` FROM shelves WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return fixShelf(&sh), nil
}

func (t *tx) Shelves(ctx context.Context) ([]*domain.Shelf, error) {
	var out []*domain.Shelf
	if err := t.selectAll(ctx, &out, `SELECT `+shelfColumns+` FROM shelves ORDER BY location_code`); err != nil {
		return nil, err
	}
	for _, sh := range out {
		fixShelf(sh)
	}
	return out, nil
}

func (t *tx) InsertShelf(ctx context.Context, sh *domain.Shelf) error {
	now := t.s.now()
	_, err := t.exec(ctx, `INSERT INTO shelves (id, location_code, section, main_topic, total_capacity, current_count, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		sh.ID, sh.LocationCode, sh.Section, sh.Topic, sh.TotalCapacity, sh.CurrentCount, now, now)
	if err != nil {
		return err
	}
	sh.Version, sh.CreatedAt, sh.UpdatedAt = 1, now, now
	return nil
}

func (t *tx) UpdateShelf(ctx context.Context, sh *domain.Shelf) error {
	now := t.s.now()
	err := t.swap(ctx, "shelves", sh.ID, `UPDATE shelves
		SET location_code = ?, section = ?, main_topic = ?, total_capacity = ?, current_count = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		sh.LocationCode, sh.Section, sh.Topic, sh.TotalCapacity, sh.CurrentCount, now, sh.ID, sh.Version)
	if err != nil {
		return err
	}
	sh.Version++
	sh.UpdatedAt = now
	return nil
}

func (t *tx) CountBooksOnShelf(ctx context.Context, shelfID uuid.UUID) (int, error) {
	var n int
	err := t.get(ctx, &n, `SELECT COUNT(*) FROM books WHERE shelf_id = ? AND book_type = ?`, shelfID, string(domain.BookPhysical))
	return n, err
}

// Occupancy joins every shelf with a count of the physical books pointing at it.
func (t *tx) Occupancy(ctx context.Context) ([]store.Occupancy, error) {
	query, args, err := t.s.builder.
		From(goqu.T("shelves").As("s")).
		LeftJoin(goqu.T("books").As("b"), goqu.On(goqu.Ex{
			"b.shelf_id":  goqu.I("s.id"),
			"b.book_type": string(domain.BookPhysical),
		})).
		Select(
			goqu.I("s.id").As("shelf_id"),
			goqu.I("s.location_code").As("location_code"),
			goqu.I("s.total_capacity").As("total_capacity"),
			goqu.I("s.current_count").As("current_count"),
			goqu.COUNT(goqu.I("b.id")).As("actual_count"),
		).
		GroupBy(goqu.I("s.id"), goqu.I("s.location_code"), goqu.I("s.total_capacity"), goqu.I("s.current_count")).
		Order(goqu.I("s.location_code").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build occupancy query: %w", err)
	}
	out := []store.Occupancy{}
	if err := translate(t.tx.SelectContext(ctx, &out, query, args...)); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *tx) Student(ctx context.Context, id uuid.UUID) (*domain.Student, error) {
	var st domain.Student
	if err := t.get(ctx, &st, `SELECT `+studentColumns+` FROM students WHERE id = ?`, id); err != nil {
		return nil, err
	}
	utc(&st.CreatedAt, &st.UpdatedAt)
	return &st, nil
}

func (t *tx) InsertStudent(ctx context.Context, st *domain.Student) error {
	now := t.s.now()
	_, err := t.exec(ctx, `INSERT INTO students (id, name, status, version, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?)`,
		st.ID, st.Name, string(st.Status), now, now)
	if err != nil {
		return err
	}
	st.Version, st.CreatedAt, st.UpdatedAt = 1, now, now
	return nil
}

func (t *tx) UpdateStudent(ctx context.Context, st *domain.Student) error {
	now := t.s.now()
	err := t.swap(ctx, "students", st.ID, `UPDATE students
		SET name = ?, status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		st.Name, string(st.Status), now, st.ID, st.Version)
	if err != nil {
		return err
	}
	st.Version++
	st.UpdatedAt = now
	return nil
}

func (t *tx) Loan(ctx context.Context, id uuid.UUID) (*domain.Loan, error) {
	var l domain.Loan
	if err := t.get(ctx, &l, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return fixLoan(&l), nil
}

func (t *tx) InsertLoan(ctx context.Context, l *domain.Loan) error {
	now := t.s.now()
	_, err := t.exec(ctx, `INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		l.ID, l.BookID, l.StudentID, l.LoanDate.UTC(), l.EstimatedReturnDate.UTC(), utcPtr(l.ActualReturnDate),
		string(l.Status), l.RenewalCount, l.Notes, now, now)
	if err != nil {
		return err
	}
	l.Version, l.CreatedAt, l.UpdatedAt = 1, now, now
	return nil
}

func (t *tx) UpdateLoan(ctx context.Context, l *domain.Loan) error {
	now := t.s.now()
	err := t.swap(ctx, "loans", l.ID, `UPDATE loans
		SET estimated_return_date = ?, actual_return_date = ?, status = ?, renewal_count = ?, notes = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		l.EstimatedReturnDate.UTC(), utcPtr(l.ActualReturnDate), string(l.Status), l.RenewalCount, l.Notes, now, l.ID, l.Version)
	if err != nil {
		return err
	}
	l.Version++
	l.UpdatedAt = now
	return nil
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func (t *tx) loans(ctx context.Context, where ...goqu.Expression) ([]*domain.Loan, error) {
	query, args, err := t.s.builder.
		From("loans").
		Select(loanFields...).
		Where(where...).
		Order(goqu.C("loan_date").Asc(), goqu.C("id").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build loan query: %w", err)
	}
	var out []*domain.Loan
	if err := translate(t.tx.SelectContext(ctx, &out, query, args...)); err != nil {
		return nil, err
	}
	for _, l := range out {
		fixLoan(l)
	}
	return out, nil
}

var openStatuses = []string{string(domain.LoanActive), string(domain.LoanOverdue)}

func (t *tx) OpenLoanForBook(ctx context.Context, bookID uuid.UUID) (*domain.Loan, error) {
	open, err := t.loans(ctx, goqu.Ex{"book_id": bookID.String(), "status": openStatuses})
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, store.ErrNotFound
	}
	return open[0], nil
}

func (t *tx) CountOpenLoans(ctx context.Context, studentID uuid.UUID) (int, error) {
	query, args, err := t.s.builder.
		From("loans").
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.Ex{"student_id": studentID.String(), "status": openStatuses}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}
	var n int
	if err := translate(t.tx.GetContext(ctx, &n, query, args...)); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *tx) LoansByStudent(ctx context.Context, studentID uuid.UUID) ([]*domain.Loan, error) {
	return t.loans(ctx, goqu.Ex{"student_id": studentID.String()})
}

func (t *tx) DueLoans(ctx context.Context, asOf time.Time) ([]*domain.Loan, error) {
	return t.loans(ctx,
		goqu.Ex{"status": string(domain.LoanActive), "actual_return_date": nil},
		goqu.C("estimated_return_date").Lt(asOf.UTC()),
	)
}

type eventRow struct {
	ID            int64     `db:"id"`
	AggregateID   uuid.UUID `db:"aggregate_id"`
	AggregateType string    `db:"aggregate_type"`
	EventType     string    `db:"event_type"`
	EventData     []byte    `db:"event_data"`
	CreatedAt     time.Time `db:"created_at"`
}

func (t *tx) AppendEvent(ctx context.Context, e *domain.Event) error {
	if err := t.writable(); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.s.now()
	}
	var id int64
	err := t.get(ctx, &id, `INSERT INTO events (aggregate_id, aggregate_type, event_type, event_data, created_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id`,
		e.AggregateID, e.AggregateType, e.EventType, string(e.EventData), e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.EventType, err)
	}
	e.ID = id
	return nil
}

func (t *tx) Events(ctx context.Context, aggregateID uuid.UUID) ([]domain.Event, error) {
	var rows []eventRow
	err := t.selectAll(ctx, &rows, `SELECT `+eventColumns+` FROM events WHERE aggregate_id = ? ORDER BY id`, aggregateID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Event{
			ID:            r.ID,
			AggregateID:   r.AggregateID,
			AggregateType: r.AggregateType,
			EventType:     r.EventType,
			EventData:     r.EventData,
			CreatedAt:     r.CreatedAt.UTC(),
		})
	}
	return out, nil
}
