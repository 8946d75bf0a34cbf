// internal/domain/shelf.go
package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Shelf holds physical books. CurrentCount is a cache of the number of physical
// books whose ShelfID points here.
type Shelf struct {
	ID            uuid.UUID `json:"id" db:"id"`
	LocationCode  string    `json:"location_code" db:"location_code"`
	Section       string    `json:"section" db:"section"`
	Topic         string    `json:"main_topic" db:"main_topic"`
	TotalCapacity int       `json:"total_capacity" db:"total_capacity"`
	CurrentCount  int       `json:"current_count" db:"current_count"`
	Version       int       `json:"version" db:"version"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// HasCapacity reports whether one more book fits.
func (s *Shelf) HasCapacity() bool {
	return s.CurrentCount < s.TotalCapacity
}

// Available is the number of free slots.
func (s *Shelf) Available() int {
	return s.TotalCapacity - s.CurrentCount
}

// NewShelf is the input for adding a shelf.
type NewShelf struct {
	LocationCode  string `json:"location_code"`
	Section       string `json:"section"`
	Topic         string `json:"main_topic"`
	TotalCapacity int    `json:"total_capacity"`
}

var locationCodePattern = regexp.MustCompile(`^[A-Z][0-9]{1,2}$`)

// Validate checks the shelf fields.
func (n NewShelf) Validate() error {
	var p Problems
	if !locationCodePattern.MatchString(n.LocationCode) {
		p.Addf("location code must be a letter followed by 1-2 digits (e.g., A1, B12)")
	}
	if strings.TrimSpace(n.Section) == "" {
		p.Addf("section cannot be empty")
	}
	if strings.TrimSpace(n.Topic) == "" {
		p.Addf("main topic cannot be empty")
	}
	if n.TotalCapacity <= 0 {
		p.Addf("total capacity must be a positive integer")
	}
	return p.Err()
}
