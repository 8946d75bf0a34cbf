// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"

	"librastock/internal/domain"
)

// Service is the read side for books and shelves.
type Service interface {
	GetBook(ctx context.Context, id uuid.UUID) (*domain.Book, error)
	GetShelf(ctx context.Context, id uuid.UUID) (*domain.Shelf, error)
	ListShelves(ctx context.Context) ([]*domain.Shelf, error)
	// Utilization lists shelves with at least minAvailable free slots, emptiest first.
	Utilization(ctx context.Context, minAvailable int) ([]ShelfUtilization, error)
	Capacity(ctx context.Context) (CapacityReport, error)
	History(ctx context.Context, aggregateID uuid.UUID) ([]domain.Event, error)
}
