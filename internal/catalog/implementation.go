// internal/catalog/implementation.go
package catalog

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"librastock/internal/domain"
	"librastock/internal/journal"
	"librastock/internal/store"
)

// service implements the Service interface.
type service struct {
	store  store.Store
	tracer trace.Tracer
}

// NewService creates a catalog reader over s. It never writes.
func NewService(s store.Store) Service {
	return &service{
		store:  s,
		tracer: otel.Tracer("librastock/catalog"),
	}
}

// GetBook retrieves a book by its ID.
func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*domain.Book, error) {
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

// GetShelf retrieves a shelf by its ID.
func (s *service) GetShelf(ctx context.Context, id uuid.UUID) (*domain.Shelf, error) {
	var shelf *domain.Shelf
	err := s.store.View(ctx, func(tx store.Tx) error {
		sh, err := tx.Shelf(ctx, id)
		if err != nil {
			return store.Translate(err, domain.ErrShelfNotFound)
		}
		shelf = sh
		return nil
	})
	return shelf, err
}

// ListShelves returns every shelf ordered by location code.
func (s *service) ListShelves(ctx context.Context) ([]*domain.Shelf, error) {
	var shelves []*domain.Shelf
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		shelves, err = tx.Shelves(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list shelves: %w", err)
	}
	return shelves, nil
}

func (s *service) Utilization(ctx context.Context, minAvailable int) ([]ShelfUtilization, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.utilization",
		trace.WithAttributes(attribute.Int("min_available", minAvailable)),
	)
	defer span.End()

	shelves, err := s.ListShelves(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]ShelfUtilization, 0, len(shelves))
	for _, sh := range shelves {
		if sh.Available() < minAvailable {
			continue
		}
		rows = append(rows, utilizationOf(sh))
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].AvailableSpace > rows[j].AvailableSpace
	})
	span.SetAttributes(attribute.Int("shelves", len(rows)))
	return rows, nil
}

func (s *service) Capacity(ctx context.Context) (CapacityReport, error) {
	rows, err := s.Utilization(ctx, 0)
	if err != nil {
		return CapacityReport{}, err
	}
	return summarize(rows), nil
}

// History returns the journal of one aggregate, oldest first.
func (s *service) History(ctx context.Context, aggregateID uuid.UUID) ([]domain.Event, error) {
	var events []domain.Event
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		events, err = journal.Load(ctx, tx, aggregateID)
		return err
	})
	return events, err
}
