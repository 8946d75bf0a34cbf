// Package placement keeps book shelf assignments and shelf counts in step.
package placement

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"librastock/internal/domain"
	"librastock/internal/ledger"
	"librastock/internal/store"
)

// Change describes one placement edit. From and To are the shelves before and after.
type Change struct {
	Book     *domain.Book
	From, To *uuid.UUID
	FromType domain.BookType
}

// Moved reports whether the book changed shelves.
func (c Change) Moved() bool {
	switch {
	case c.From == nil && c.To == nil:
		return false
	case c.From == nil || c.To == nil:
		return true
	}
	return *c.From != *c.To
}

// Projector applies shelf assignment changes through the Ledger.
type Projector struct {
	ledger *ledger.Ledger
}

func New(l *ledger.Ledger) *Projector {
	return &Projector{ledger: l}
}

// Place stores a new book and counts it against its shelf.
func (p *Projector) Place(ctx context.Context, tx store.Tx, book *domain.Book) error {
	if err := book.CheckPlacement(); err != nil {
		return err
	}
	if book.Physical() {
		if _, err := p.ledger.TryAdjust(ctx, tx, *book.ShelfID, 1); err != nil {
			return err
		}
	}
	if err := tx.InsertBook(ctx, book); err != nil {
		return fmt.Errorf("insert book: %w", store.Translate(err, nil))
	}
	return nil
}

// Remove deletes a book and releases its shelf slot.
func (p *Projector) Remove(ctx context.Context, tx store.Tx, bookID uuid.UUID) (*domain.Book, error) {
	book, err := p.load(ctx, tx, bookID)
	if err != nil {
		return nil, err
	}
	if book.Physical() && book.ShelfID != nil {
		if _, err := p.ledger.TryAdjust(ctx, tx, *book.ShelfID, -1); err != nil {
			return nil, err
		}
	}
	if err := tx.DeleteBook(ctx, book); err != nil {
		return nil, fmt.Errorf("delete book: %w", store.Translate(err, domain.ErrBookNotFound))
	}
	return book, nil
}

// AssignShelf moves a physical book to shelfID. Assigning the current shelf is a no-op.
func (p *Projector) AssignShelf(ctx context.Context, tx store.Tx, bookID, shelfID uuid.UUID) (Change, error) {
	book, err := p.load(ctx, tx, bookID)
	if err != nil {
		return Change{}, err
	}
	if !book.Physical() {
		return Change{}, fmt.Errorf("book %s is %s: %w", book.ID, book.Type, domain.ErrNotPhysical)
	}
	change := Change{Book: book, From: book.ShelfID, To: &shelfID, FromType: book.Type}
	if !change.Moved() {
		return change, nil
	}
	if err := p.move(ctx, tx, book, change.From, change.To); err != nil {
		return Change{}, err
	}
	return change, nil
}

// ChangeBookType switches a book between physical and digital. Becoming physical
// needs a shelf in the same call; becoming digital releases the shelf.
func (p *Projector) ChangeBookType(ctx context.Context, tx store.Tx, bookID uuid.UUID, newType domain.BookType, shelfID *uuid.UUID) (Change, error) {
	if !newType.Valid() {
		var probs domain.Problems
		probs.Addf("book type must be %q or %q", domain.BookPhysical, domain.BookDigital)
		return Change{}, probs.Err()
	}
	book, err := p.load(ctx, tx, bookID)
	if err != nil {
		return Change{}, err
	}

	var probs domain.Problems
	if newType == domain.BookPhysical && shelfID == nil && book.ShelfID == nil {
		probs.Addf("physical books must be assigned to a shelf")
	}
	if newType == domain.BookDigital && shelfID != nil {
		probs.Addf("digital books cannot be assigned to a shelf")
	}
	if err := probs.Err(); err != nil {
		return Change{}, err
	}

	if book.Type == newType {
		if newType == domain.BookPhysical && shelfID != nil {
			return p.AssignShelf(ctx, tx, bookID, *shelfID)
		}
		return Change{Book: book, From: book.ShelfID, To: book.ShelfID, FromType: book.Type}, nil
	}

	change := Change{Book: book, From: book.ShelfID, FromType: book.Type}
	if newType == domain.BookPhysical {
		change.To = shelfID
		if change.To == nil {
			change.To = book.ShelfID
		}
	}
	book.Type = newType
	if err := p.move(ctx, tx, book, change.From, change.To); err != nil {
		return Change{}, err
	}
	return change, nil
}

// move releases from, claims to and saves the book. Any failure leaves the unit of
// work to be discarded by the caller.
func (p *Projector) move(ctx context.Context, tx store.Tx, book *domain.Book, from, to *uuid.UUID) error {
	if from != nil {
		if _, err := p.ledger.TryAdjust(ctx, tx, *from, -1); err != nil {
			return err
		}
	}
	if to != nil {
		if _, err := p.ledger.TryAdjust(ctx, tx, *to, 1); err != nil {
			if from != nil {
				if _, undo := p.ledger.TryAdjust(ctx, tx, *from, 1); undo != nil {
					return fmt.Errorf("%w (undo release: %v)", err, undo)
				}
			}
			return err
		}
	}
	book.ShelfID = to
	if err := book.CheckPlacement(); err != nil {
		return err
	}
	if err := tx.UpdateBook(ctx, book); err != nil {
		return fmt.Errorf("update book placement: %w", store.Translate(err, domain.ErrBookNotFound))
	}
	return nil
}

func (p *Projector) load(ctx context.Context, tx store.Tx, bookID uuid.UUID) (*domain.Book, error) {
	book, err := tx.Book(ctx, bookID)
	if err != nil {
		return nil, store.Translate(err, domain.ErrBookNotFound)
	}
	return book, nil
}
