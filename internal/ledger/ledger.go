// Package ledger owns the shelf capacity invariant: 0 <= CurrentCount <= TotalCapacity.
package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"librastock/internal/domain"
	"librastock/internal/logging"
	"librastock/internal/store"
)

// Ledger adjusts shelf occupancy counts inside a caller's unit of work. The caller
// holds the shelf lock; the store rejects a stale write, so each check-and-write is
// atomic.
type Ledger struct {
	log logging.Logger
}

func New(log logging.Logger) *Ledger {
	if log == nil {
		log = logging.Discard
	}
	return &Ledger{log: log}
}

func (l *Ledger) load(ctx context.Context, tx store.Tx, shelfID uuid.UUID) (*domain.Shelf, error) {
	shelf, err := tx.Shelf(ctx, shelfID)
	if err != nil {
		return nil, store.Translate(err, domain.ErrShelfNotFound)
	}
	return shelf, nil
}

// TryAdjust applies CurrentCount += delta if the result stays within capacity.
func (l *Ledger) TryAdjust(ctx context.Context, tx store.Tx, shelfID uuid.UUID, delta int) (*domain.Shelf, error) {
	shelf, err := l.load(ctx, tx, shelfID)
	if err != nil {
		return nil, err
	}
	next := shelf.CurrentCount + delta
	switch {
	case next < 0:
		l.log.Error("shelf count would become negative",
			"shelf_id", shelfID, "current_count", shelf.CurrentCount, "delta", delta)
		return nil, fmt.Errorf("shelf %s: %w", shelf.LocationCode, domain.ErrNegativeCount)
	case next > shelf.TotalCapacity:
		return nil, fmt.Errorf("shelf %s holds %d of %d: %w",
			shelf.LocationCode, shelf.CurrentCount, shelf.TotalCapacity, domain.ErrCapacityExceeded)
	}
	shelf.CurrentCount = next
	if err := tx.UpdateShelf(ctx, shelf); err != nil {
		return nil, fmt.Errorf("update shelf count: %w", store.Translate(err, domain.ErrShelfNotFound))
	}
	return shelf, nil
}

// HasCapacity reports whether one more book fits on the shelf.
func (l *Ledger) HasCapacity(ctx context.Context, tx store.Tx, shelfID uuid.UUID) (bool, error) {
	shelf, err := l.load(ctx, tx, shelfID)
	if err != nil {
		return false, err
	}
	return shelf.HasCapacity(), nil
}

// Reconcile overwrites CurrentCount with a recomputed value. It refuses values
// outside [0, TotalCapacity].
func (l *Ledger) Reconcile(ctx context.Context, tx store.Tx, shelfID uuid.UUID, actual int) (*domain.Shelf, error) {
	shelf, err := l.load(ctx, tx, shelfID)
	if err != nil {
		return nil, err
	}
	if actual < 0 {
		return nil, fmt.Errorf("shelf %s: %w", shelf.LocationCode, domain.ErrNegativeCount)
	}
	if actual > shelf.TotalCapacity {
		return nil, fmt.Errorf("shelf %s has %d books for %d slots: %w",
			shelf.LocationCode, actual, shelf.TotalCapacity, domain.ErrCapacityExceeded)
	}
	if shelf.CurrentCount == actual {
		return shelf, nil
	}
	shelf.CurrentCount = actual
	if err := tx.UpdateShelf(ctx, shelf); err != nil {
		return nil, fmt.Errorf("reconcile shelf count: %w", store.Translate(err, domain.ErrShelfNotFound))
	}
	return shelf, nil
}
