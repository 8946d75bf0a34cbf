// internal/domain/book.go
package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BookType distinguishes shelved books from the digital collection.
type BookType string

const (
	BookPhysical BookType = "physical"
	BookDigital  BookType = "digital"
)

func (t BookType) Valid() bool {
	return t == BookPhysical || t == BookDigital
}

// BookStatus is owned by the engine once the book exists.
type BookStatus string

const (
	BookAvailable   BookStatus = "available"
	BookLoaned      BookStatus = "loaned"
	BookMaintenance BookStatus = "maintenance"
	BookLost        BookStatus = "lost"
)

func (s BookStatus) Valid() bool {
	switch s {
	case BookAvailable, BookLoaned, BookMaintenance, BookLost:
		return true
	}
	return false
}

// Book is a catalogued title copy.
type Book struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	ISBN      string     `json:"isbn,omitempty" db:"isbn"`
	Title     string     `json:"title" db:"title"`
	Author    string     `json:"author" db:"author"`
	Type      BookType   `json:"book_type" db:"book_type"`
	ShelfID   *uuid.UUID `json:"shelf_id,omitempty" db:"shelf_id"`
	Status    BookStatus `json:"status" db:"status"`
	Version   int        `json:"version" db:"version"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Physical reports whether the book occupies a shelf slot.
func (b *Book) Physical() bool {
	return b.Type == BookPhysical
}

// OnShelf reports whether b is a physical book placed on shelfID.
func (b *Book) OnShelf(shelfID uuid.UUID) bool {
	return b.Physical() && b.ShelfID != nil && *b.ShelfID == shelfID
}

// NewBook is the input for adding a book to the catalog.
type NewBook struct {
	ISBN    string     `json:"isbn,omitempty"`
	Title   string     `json:"title"`
	Author  string     `json:"author"`
	Type    BookType   `json:"book_type"`
	ShelfID *uuid.UUID `json:"shelf_id,omitempty"`
}

var (
	isbn10Pattern = regexp.MustCompile(`^[0-9]{9}[0-9X]$`)
	isbn13Pattern = regexp.MustCompile(`^97[89][0-9]{9}[0-9X]$`)
	isbnStrip     = strings.NewReplacer("-", "", " ", "")
)

// NormalizeISBN strips hyphens and spaces.
func NormalizeISBN(isbn string) string {
	return isbnStrip.Replace(strings.TrimSpace(isbn))
}

// ValidISBN accepts ISBN-10 and 978/979 ISBN-13 shapes.
func ValidISBN(isbn string) bool {
	clean := NormalizeISBN(isbn)
	switch len(clean) {
	case 10:
		return isbn10Pattern.MatchString(clean)
	case 13:
		return isbn13Pattern.MatchString(clean)
	}
	return false
}

// Validate checks field formats and the type/shelf invariant.
func (n NewBook) Validate() error {
	var p Problems
	if strings.TrimSpace(n.Title) == "" {
		p.Addf("title is required and cannot be empty")
	}
	if strings.TrimSpace(n.Author) == "" {
		p.Addf("author is required and cannot be empty")
	}
	if n.ISBN != "" && !ValidISBN(n.ISBN) {
		p.Addf("ISBN must be in valid format (10 or 13 digits, last digit can be X)")
	}
	switch {
	case !n.Type.Valid():
		p.Addf("book type must be %q or %q", BookPhysical, BookDigital)
	case n.Type == BookPhysical && n.ShelfID == nil:
		p.Addf("physical books must be assigned to a shelf")
	case n.Type == BookDigital && n.ShelfID != nil:
		p.Addf("digital books cannot be assigned to a shelf")
	}
	return p.Err()
}

// CheckPlacement verifies the stored shape of a book.
func (b *Book) CheckPlacement() error {
	var p Problems
	if !b.Type.Valid() {
		p.Addf("book type must be %q or %q", BookPhysical, BookDigital)
	}
	if !b.Status.Valid() {
		p.Addf("unknown book status %q", b.Status)
	}
	if b.Type == BookPhysical && b.ShelfID == nil {
		p.Addf("physical books must be assigned to a shelf")
	}
	if b.Type == BookDigital && b.ShelfID != nil {
		p.Addf("digital books cannot be assigned to a shelf")
	}
	return p.Err()
}
