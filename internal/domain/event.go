// internal/domain/event.go
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Aggregate type names used in the journal.
const (
	AggregateBook    = "book"
	AggregateShelf   = "shelf"
	AggregateStudent = "student"
	AggregateLoan    = "loan"
)

// Event is a journal entry appended in the same unit of work as the change it records.
type Event struct {
	ID            int64           `json:"id" db:"id"`
	AggregateID   uuid.UUID       `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string          `json:"aggregate_type" db:"aggregate_type"`
	EventType     string          `json:"event_type" db:"event_type"`
	EventData     json.RawMessage `json:"event_data" db:"event_data"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}
