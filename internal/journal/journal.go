// Package journal records domain events in the same unit of work as the state change
// they describe.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"librastock/internal/domain"
	"librastock/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	LoanCreated            = "LoanCreated"
	BookReturned           = "BookReturned"
	BookReportedLost       = "BookReportedLost"
	LoanRenewed            = "LoanRenewed"
	LoansMarkedOverdue     = "LoansMarkedOverdue"
	BookShelved            = "BookShelved"
	BookTypeChanged        = "BookTypeChanged"
	BookAdded              = "BookAdded"
	BookRemoved            = "BookRemoved"
	BookMaintenanceChanged = "BookMaintenanceChanged"
	ShelfAdded             = "ShelfAdded"
	ShelfCountRepaired     = "ShelfCountRepaired"
	StudentRegistered      = "StudentRegistered"
	StudentStatusChanged   = "StudentStatusChanged"
)

// LoanCreatedEvent is recorded against the loan.
type LoanCreatedEvent struct {
	LoanID    uuid.UUID `json:"loan_id"`
	BookID    uuid.UUID `json:"book_id"`
	StudentID uuid.UUID `json:"student_id"`
	LoanDate  time.Time `json:"loan_date"`
	DueDate   time.Time `json:"due_date"`
}

// BookReturnedEvent is recorded against the loan.
type BookReturnedEvent struct {
	LoanID     uuid.UUID `json:"loan_id"`
	BookID     uuid.UUID `json:"book_id"`
	ReturnDate time.Time `json:"return_date"`
	WasOverdue bool      `json:"was_overdue"`
}

type BookReportedLostEvent struct {
	LoanID  uuid.UUID  `json:"loan_id"`
	BookID  uuid.UUID  `json:"book_id"`
	ShelfID *uuid.UUID `json:"shelf_id,omitempty"`
}

type LoanRenewedEvent struct {
	LoanID       uuid.UUID `json:"loan_id"`
	PreviousDue  time.Time `json:"previous_due"`
	DueDate      time.Time `json:"due_date"`
	RenewalCount int       `json:"renewal_count"`
}

type LoanMarkedOverdueEvent struct {
	LoanID uuid.UUID `json:"loan_id"`
	AsOf   time.Time `json:"as_of"`
}

// BookShelvedEvent covers placement, reassignment and removal from a shelf.
type BookShelvedEvent struct {
	BookID uuid.UUID  `json:"book_id"`
	From   *uuid.UUID `json:"from,omitempty"`
	To     *uuid.UUID `json:"to,omitempty"`
}

type BookTypeChangedEvent struct {
	BookID  uuid.UUID       `json:"book_id"`
	From    domain.BookType `json:"from"`
	To      domain.BookType `json:"to"`
	ShelfID *uuid.UUID      `json:"shelf_id,omitempty"`
}

type BookAddedEvent struct {
	BookID  uuid.UUID       `json:"book_id"`
	Type    domain.BookType `json:"book_type"`
	ShelfID *uuid.UUID      `json:"shelf_id,omitempty"`
}

type BookRemovedEvent struct {
	BookID  uuid.UUID  `json:"book_id"`
	ShelfID *uuid.UUID `json:"shelf_id,omitempty"`
}

type BookMaintenanceChangedEvent struct {
	BookID uuid.UUID         `json:"book_id"`
	Status domain.BookStatus `json:"status"`
}

type ShelfAddedEvent struct {
	ShelfID       uuid.UUID `json:"shelf_id"`
	LocationCode  string    `json:"location_code"`
	TotalCapacity int       `json:"total_capacity"`
}

type ShelfCountRepairedEvent struct {
	ShelfID  uuid.UUID `json:"shelf_id"`
	Recorded int       `json:"recorded"`
	Actual   int       `json:"actual"`
}

type StudentRegisteredEvent struct {
	StudentID uuid.UUID `json:"student_id"`
	Name      string    `json:"name"`
}

type StudentStatusChangedEvent struct {
	StudentID uuid.UUID            `json:"student_id"`
	From      domain.StudentStatus `json:"from"`
	To        domain.StudentStatus `json:"to"`
}

var tracer = otel.Tracer("librastock/journal")

// Record encodes payload and appends it to the unit of work.
func Record(ctx context.Context, tx store.Tx, aggregateType string, aggregateID uuid.UUID, eventType string, payload any) error {
	ctx, span := tracer.Start(ctx, "journal.record",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.String("event.type", eventType),
		),
	)
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	e := &domain.Event{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     data,
	}
	if err := tx.AppendEvent(ctx, e); err != nil {
		return fmt.Errorf("append %s: %w", eventType, err)
	}
	return nil
}

// Load returns the events of one aggregate in append order.
func Load(ctx context.Context, tx store.Tx, aggregateID uuid.UUID) ([]domain.Event, error) {
	ctx, span := tracer.Start(ctx, "journal.load",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID.String())),
	)
	defer span.End()

	events, err := tx.Events(ctx, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// Decode unpacks an event payload into v.
func Decode(e domain.Event, v any) error {
	if err := json.Unmarshal(e.EventData, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.EventType, err)
	}
	return nil
}
