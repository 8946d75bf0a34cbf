// Package audit finds and repairs drift between cached shelf counts and the books
// actually placed on each shelf.
package audit

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"librastock/internal/domain"
	"librastock/internal/journal"
	"librastock/internal/ledger"
	"librastock/internal/lock"
	"librastock/internal/logging"
	"librastock/internal/store"
	"librastock/internal/telemetry"
)

// Report is the outcome of one repair pass.
type Report struct {
	Drift      []store.Occupancy `json:"drift" yaml:"drift"`
	Repaired   []store.Occupancy `json:"repaired" yaml:"repaired"`
	Unrepaired []store.Occupancy `json:"unrepaired,omitempty" yaml:"unrepaired,omitempty"`
}

// Auditor reads occupancy without locks and writes each correction under the shelf lock.
type Auditor struct {
	store   store.Store
	locks   *lock.Manager
	ledger  *ledger.Ledger
	log     logging.Logger
	limiter *rate.Limiter
	tracer  trace.Tracer
	fixed   metric.Int64Counter
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithLimiter throttles repairs to the limiter's rate.
func WithLimiter(l *rate.Limiter) Option {
	return func(a *Auditor) { a.limiter = l }
}

func WithLogger(log logging.Logger) Option {
	return func(a *Auditor) { a.log = log }
}

func New(s store.Store, locks *lock.Manager, l *ledger.Ledger, opts ...Option) *Auditor {
	a := &Auditor{
		store:  s,
		locks:  locks,
		ledger: l,
		log:    logging.Discard,
		tracer: otel.Tracer("librastock/audit"),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.fixed = telemetry.Counter(otel.Meter("librastock/audit"), a.log,
		"librastock.audit.repairs", "shelf counts overwritten by the auditor")
	return a
}

// FindDrift returns the shelves whose recorded count differs from the books on them.
func (a *Auditor) FindDrift(ctx context.Context) ([]store.Occupancy, error) {
	ctx, span := a.tracer.Start(ctx, "audit.find_drift")
	defer span.End()

	var occupancy []store.Occupancy
	err := a.store.View(ctx, func(tx store.Tx) error {
		var err error
		occupancy, err = tx.Occupancy(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read occupancy: %w", err)
	}

	var drift []store.Occupancy
	for _, o := range occupancy {
		if o.Drifted() {
			drift = append(drift, o)
		}
	}
	span.SetAttributes(
		attribute.Int("shelves.checked", len(occupancy)),
		attribute.Int("shelves.drifted", len(drift)),
	)
	return drift, nil
}

// Repair overwrites each drifted count with the recomputed one. A shelf holding more
// books than its capacity is reported as unrepaired.
func (a *Auditor) Repair(ctx context.Context) (Report, error) {
	ctx, span := a.tracer.Start(ctx, "audit.repair")
	defer span.End()

	drift, err := a.FindDrift(ctx)
	if err != nil {
		return Report{}, err
	}
	report := Report{Drift: drift}

	for _, d := range drift {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return report, err
			}
		}
		fixed, err := a.repairShelf(ctx, d)
		switch {
		case err == nil:
			if fixed != nil {
				report.Repaired = append(report.Repaired, *fixed)
			}
		case errors.Is(err, domain.ErrCapacityExceeded), errors.Is(err, domain.ErrNegativeCount):
			a.log.Error("shelf holds more books than its capacity",
				"shelf_id", d.ShelfID, "location_code", d.LocationCode,
				"capacity", d.Capacity, "actual_count", d.Actual)
			report.Unrepaired = append(report.Unrepaired, d)
		case errors.Is(err, domain.ErrShelfNotFound):
		case domain.IsRetryable(err):
			a.log.Warn("shelf busy, leaving repair for the next pass", "shelf_id", d.ShelfID, "error", err)
		default:
			return report, fmt.Errorf("repair shelf %s: %w", d.LocationCode, err)
		}
	}

	a.fixed.Add(ctx, int64(len(report.Repaired)))
	span.SetAttributes(
		attribute.Int("shelves.repaired", len(report.Repaired)),
		attribute.Int("shelves.unrepaired", len(report.Unrepaired)),
	)
	if len(report.Repaired) > 0 {
		a.log.Info("repaired shelf counts", "repaired", len(report.Repaired))
	}
	return report, nil
}

// repairShelf recounts under the shelf lock. It returns nil when the drift has gone.
func (a *Auditor) repairShelf(ctx context.Context, d store.Occupancy) (*store.Occupancy, error) {
	unlock, err := a.locks.Acquire(ctx, lock.Shelf(d.ShelfID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var fixed *store.Occupancy
	err = a.store.Atomically(ctx, func(tx store.Tx) error {
		actual, err := tx.CountBooksOnShelf(ctx, d.ShelfID)
		if err != nil {
			return fmt.Errorf("count books: %w", err)
		}
		shelf, err := tx.Shelf(ctx, d.ShelfID)
		if err != nil {
			return store.Translate(err, domain.ErrShelfNotFound)
		}
		if shelf.CurrentCount == actual {
			return nil
		}
		recorded := shelf.CurrentCount
		if _, err := a.ledger.Reconcile(ctx, tx, d.ShelfID, actual); err != nil {
			return err
		}
		fixed = &store.Occupancy{
			ShelfID:      shelf.ID,
			LocationCode: shelf.LocationCode,
			Capacity:     shelf.TotalCapacity,
			Recorded:     recorded,
			Actual:       actual,
		}
		return journal.Record(ctx, tx, domain.AggregateShelf, shelf.ID, journal.ShelfCountRepaired,
			journal.ShelfCountRepairedEvent{ShelfID: shelf.ID, Recorded: recorded, Actual: actual})
	})
	if err != nil {
		return nil, store.Translate(err, nil)
	}
	return fixed, nil
}
