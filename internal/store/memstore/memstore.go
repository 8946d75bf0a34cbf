// Package memstore is an in-process Store. Units of work read a consistent view of
// committed rows plus their own writes, and commit with optimistic version checks.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"librastock/internal/domain"
	"librastock/internal/store"
)

type table[T any] struct {
	rows    map[uuid.UUID]T
	version func(*T) int
	clone   func(T) T
}

func newTable[T any](version func(*T) int, clone func(T) T) table[T] {
	return table[T]{rows: make(map[uuid.UUID]T), version: version, clone: clone}
}

// write is a staged row. value is nil for deletes; base is the committed version
// the write was made against, 0 for inserts.
type write[T any] struct {
	base  int
	value *T
}

type writes[T any] map[uuid.UUID]*write[T]

// Store keeps the four aggregates and the journal in memory.
type Store struct {
	mu       sync.RWMutex
	books    table[domain.Book]
	shelves  table[domain.Shelf]
	students table[domain.Student]
	loans    table[domain.Loan]
	events   []domain.Event
	nextID   int64
	now      func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		books:    newTable(func(b *domain.Book) int { return b.Version }, cloneBook),
		shelves:  newTable(func(s *domain.Shelf) int { return s.Version }, func(s domain.Shelf) domain.Shelf { return s }),
		students: newTable(func(s *domain.Student) int { return s.Version }, func(s domain.Student) domain.Student { return s }),
		loans:    newTable(func(l *domain.Loan) int { return l.Version }, cloneLoan),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func cloneBook(b domain.Book) domain.Book {
	if b.ShelfID != nil {
		id := *b.ShelfID
		b.ShelfID = &id
	}
	return b
}

func cloneLoan(l domain.Loan) domain.Loan {
	if l.ActualReturnDate != nil {
		d := *l.ActualReturnDate
		l.ActualReturnDate = &d
	}
	return l
}

// Atomically runs fn and commits its writes if fn returns nil.
func (s *Store) Atomically(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := s.begin(false)
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(t)
}

// View runs fn against a read-only unit of work.
func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(s.begin(true))
}

func (s *Store) Close() error { return nil }

func (s *Store) begin(readOnly bool) *tx {
	return &tx{
		s:        s,
		readOnly: readOnly,
		books:    writes[domain.Book]{},
		shelves:  writes[domain.Shelf]{},
		students: writes[domain.Student]{},
		loans:    writes[domain.Loan]{},
	}
}

func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := verify(&s.books, t.books); err != nil {
		return fmt.Errorf("book: %w", err)
	}
	if err := verify(&s.shelves, t.shelves); err != nil {
		return fmt.Errorf("shelf: %w", err)
	}
	if err := verify(&s.students, t.students); err != nil {
		return fmt.Errorf("student: %w", err)
	}
	if err := verify(&s.loans, t.loans); err != nil {
		return fmt.Errorf("loan: %w", err)
	}
	if err := s.checkUnique(t); err != nil {
		return err
	}

	apply(&s.books, t.books)
	apply(&s.shelves, t.shelves)
	apply(&s.students, t.students)
	apply(&s.loans, t.loans)
	for _, e := range t.events {
		s.nextID++
		e.ID = s.nextID
		s.events = append(s.events, e)
	}
	return nil
}

// checkUnique enforces the unique ISBN, unique location code and one open loan per
// book rules over the state the commit would produce.
func (s *Store) checkUnique(t *tx) error {
	if len(t.books) > 0 {
		seen := map[string]uuid.UUID{}
		for id, b := range merged(&s.books, t.books) {
			if b.ISBN == "" {
				continue
			}
			if other, ok := seen[b.ISBN]; ok && other != id {
				return fmt.Errorf("isbn %s: %w", b.ISBN, store.ErrDuplicate)
			}
			seen[b.ISBN] = id
		}
	}
	if len(t.shelves) > 0 {
		seen := map[string]uuid.UUID{}
		for id, sh := range merged(&s.shelves, t.shelves) {
			if other, ok := seen[sh.LocationCode]; ok && other != id {
				return fmt.Errorf("location code %s: %w", sh.LocationCode, store.ErrDuplicate)
			}
			seen[sh.LocationCode] = id
		}
	}
	if len(t.loans) > 0 {
		open := map[uuid.UUID]uuid.UUID{}
		for id, l := range merged(&s.loans, t.loans) {
			if !l.Status.Open() {
				continue
			}
			if other, ok := open[l.BookID]; ok && other != id {
				return fmt.Errorf("open loan for book %s: %w", l.BookID, store.ErrDuplicate)
			}
			open[l.BookID] = id
		}
	}
	return nil
}

func verify[T any](t *table[T], w writes[T]) error {
	for id, wr := range w {
		cur, ok := t.rows[id]
		if wr.base == 0 {
			if ok {
				return store.ErrConflict
			}
			continue
		}
		if !ok || t.version(&cur) != wr.base {
			return store.ErrConflict
		}
	}
	return nil
}

func apply[T any](t *table[T], w writes[T]) {
	for id, wr := range w {
		if wr.value == nil {
			delete(t.rows, id)
			continue
		}
		t.rows[id] = t.clone(*wr.value)
	}
}

// get reads id through the staged writes. Caller holds at least the read lock.
func get[T any](t *table[T], w writes[T], id uuid.UUID) (*T, bool) {
	if wr, ok := w[id]; ok {
		if wr.value == nil {
			return nil, false
		}
		v := t.clone(*wr.value)
		return &v, true
	}
	cur, ok := t.rows[id]
	if !ok {
		return nil, false
	}
	v := t.clone(cur)
	return &v, true
}

// merged is the committed table with w applied. Caller holds at least the read lock.
func merged[T any](t *table[T], w writes[T]) map[uuid.UUID]*T {
	out := make(map[uuid.UUID]*T, len(t.rows)+len(w))
	for id, row := range t.rows {
		v := t.clone(row)
		out[id] = &v
	}
	for id, wr := range w {
		if wr.value == nil {
			delete(out, id)
			continue
		}
		v := t.clone(*wr.value)
		out[id] = &v
	}
	return out
}

func stage[T any](t *table[T], w writes[T], id uuid.UUID, base int, value *T) {
	var staged *T
	if value != nil {
		v := t.clone(*value)
		staged = &v
	}
	if wr, ok := w[id]; ok {
		wr.value = staged
		return
	}
	w[id] = &write[T]{base: base, value: staged}
}

type tx struct {
	s        *Store
	readOnly bool
	books    writes[domain.Book]
	shelves  writes[domain.Shelf]
	students writes[domain.Student]
	loans    writes[domain.Loan]
	events   []domain.Event
}

func (t *tx) writable() error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	return nil
}

// insertRow stages a new row after checking the id is free.
func insertRow[T any](t *tx, tb *table[T], w writes[T], id uuid.UUID, value *T) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.s.mu.RLock()
	_, exists := get(tb, w, id)
	t.s.mu.RUnlock()
	if exists {
		return store.ErrDuplicate
	}
	stage(tb, w, id, 0, value)
	return nil
}

// updateRow checks the caller's version against the current row and stages value.
// It returns the committed version to record as the write's base.
func updateRow[T any](t *tx, tb *table[T], w writes[T], id uuid.UUID, version int, value func() *T) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.s.mu.RLock()
	cur, ok := get(tb, w, id)
	var base int
	if committed, found := tb.rows[id]; found {
		base = tb.version(&committed)
	}
	t.s.mu.RUnlock()
	if !ok {
		return store.ErrNotFound
	}
	if tb.version(cur) != version {
		return store.ErrConflict
	}
	if wr, staged := w[id]; staged {
		base = wr.base
	}
	stage(tb, w, id, base, value())
	return nil
}

func (t *tx) Book(_ context.Context, id uuid.UUID) (*domain.Book, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	b, ok := get(&t.s.books, t.books, id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return b, nil
}

func (t *tx) InsertBook(_ context.Context, b *domain.Book) error {
	now := t.s.now()
	b.Version, b.CreatedAt, b.UpdatedAt = 1, now, now
	return insertRow(t, &t.s.books, t.books, b.ID, b)
}

func (t *tx) UpdateBook(_ context.Context, b *domain.Book) error {
	return updateRow(t, &t.s.books, t.books, b.ID, b.Version, func() *domain.Book {
		b.Version++
		b.UpdatedAt = t.s.now()
		return b
	})
}

func (t *tx) DeleteBook(_ context.Context, b *domain.Book) error {
	return updateRow(t, &t.s.books, t.books, b.ID, b.Version, func() *domain.Book { return nil })
}

func (t *tx) Shelf(_ context.Context, id uuid.UUID) (*domain.Shelf, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	sh, ok := get(&t.s.shelves, t.shelves, id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return sh, nil
}

func (t *tx) Shelves(_ context.Context) ([]*domain.Shelf, error) {
	t.s.mu.RLock()
	rows := merged(&t.s.shelves, t.shelves)
	t.s.mu.RUnlock()
	out := make([]*domain.Shelf, 0, len(rows))
	for _, sh := range rows {
		out = append(out, sh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocationCode < out[j].LocationCode })
	return out, nil
}

func (t *tx) InsertShelf(_ context.Context, sh *domain.Shelf) error {
	now := t.s.now()
	sh.Version, sh.CreatedAt, sh.UpdatedAt = 1, now, now
	return insertRow(t, &t.s.shelves, t.shelves, sh.ID, sh)
}

func (t *tx) UpdateShelf(_ context.Context, sh *domain.Shelf) error {
	return updateRow(t, &t.s.shelves, t.shelves, sh.ID, sh.Version, func() *domain.Shelf {
		sh.Version++
		sh.UpdatedAt = t.s.now()
		return sh
	})
}

func (t *tx) CountBooksOnShelf(_ context.Context, shelfID uuid.UUID) (int, error) {
	t.s.mu.RLock()
	books := merged(&t.s.books, t.books)
	t.s.mu.RUnlock()
	n := 0
	for _, b := range books {
		if b.OnShelf(shelfID) {
			n++
		}
	}
	return n, nil
}

func (t *tx) Occupancy(_ context.Context) ([]store.Occupancy, error) {
	t.s.mu.RLock()
	shelves := merged(&t.s.shelves, t.shelves)
	books := merged(&t.s.books, t.books)
	t.s.mu.RUnlock()

	actual := make(map[uuid.UUID]int, len(shelves))
	for _, b := range books {
		if b.Physical() && b.ShelfID != nil {
			actual[*b.ShelfID]++
		}
	}
	out := make([]store.Occupancy, 0, len(shelves))
	for id, sh := range shelves {
		out = append(out, store.Occupancy{
			ShelfID:      id,
			LocationCode: sh.LocationCode,
			Capacity:     sh.TotalCapacity,
			Recorded:     sh.CurrentCount,
			Actual:       actual[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocationCode < out[j].LocationCode })
	return out, nil
}

func (t *tx) Student(_ context.Context, id uuid.UUID) (*domain.Student, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	st, ok := get(&t.s.students, t.students, id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return st, nil
}

func (t *tx) InsertStudent(_ context.Context, st *domain.Student) error {
	now := t.s.now()
	st.Version, st.CreatedAt, st.UpdatedAt = 1, now, now
	return insertRow(t, &t.s.students, t.students, st.ID, st)
}

func (t *tx) UpdateStudent(_ context.Context, st *domain.Student) error {
	return updateRow(t, &t.s.students, t.students, st.ID, st.Version, func() *domain.Student {
		st.Version++
		st.UpdatedAt = t.s.now()
		return st
	})
}

func (t *tx) Loan(_ context.Context, id uuid.UUID) (*domain.Loan, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	l, ok := get(&t.s.loans, t.loans, id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return l, nil
}

func (t *tx) InsertLoan(_ context.Context, l *domain.Loan) error {
	now := t.s.now()
	l.Version, l.CreatedAt, l.UpdatedAt = 1, now, now
	return insertRow(t, &t.s.loans, t.loans, l.ID, l)
}

func (t *tx) UpdateLoan(_ context.Context, l *domain.Loan) error {
	return updateRow(t, &t.s.loans, t.loans, l.ID, l.Version, func() *domain.Loan {
		l.Version++
		l.UpdatedAt = t.s.now()
		return l
	})
}

func (t *tx) loansWhere(keep func(*domain.Loan) bool) []*domain.Loan {
	t.s.mu.RLock()
	loans := merged(&t.s.loans, t.loans)
	t.s.mu.RUnlock()
	var out []*domain.Loan
	for _, l := range loans {
		if keep(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LoanDate.Equal(out[j].LoanDate) {
			return out[i].LoanDate.Before(out[j].LoanDate)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (t *tx) OpenLoanForBook(_ context.Context, bookID uuid.UUID) (*domain.Loan, error) {
	open := t.loansWhere(func(l *domain.Loan) bool { return l.BookID == bookID && l.Status.Open() })
	if len(open) == 0 {
		return nil, store.ErrNotFound
	}
	return open[0], nil
}

func (t *tx) CountOpenLoans(_ context.Context, studentID uuid.UUID) (int, error) {
	open := t.loansWhere(func(l *domain.Loan) bool { return l.StudentID == studentID && l.Status.Open() })
	return len(open), nil
}

func (t *tx) LoansByStudent(_ context.Context, studentID uuid.UUID) ([]*domain.Loan, error) {
	return t.loansWhere(func(l *domain.Loan) bool { return l.StudentID == studentID }), nil
}

func (t *tx) DueLoans(_ context.Context, asOf time.Time) ([]*domain.Loan, error) {
	return t.loansWhere(func(l *domain.Loan) bool {
		return l.Status == domain.LoanActive && l.ActualReturnDate == nil && l.EstimatedReturnDate.Before(asOf)
	}), nil
}

func (t *tx) AppendEvent(_ context.Context, e *domain.Event) error {
	if err := t.writable(); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.s.now()
	}
	t.events = append(t.events, *e)
	return nil
}

func (t *tx) Events(_ context.Context, aggregateID uuid.UUID) ([]domain.Event, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	var out []domain.Event
	for _, e := range t.s.events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	for _, e := range t.events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	return out, nil
}
