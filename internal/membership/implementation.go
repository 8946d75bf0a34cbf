// internal/membership/implementation.go
package membership

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"librastock/internal/domain"
	"librastock/internal/journal"
	"librastock/internal/lock"
	"librastock/internal/logging"
	"librastock/internal/store"
)

// ErrRateLimited is returned when registrations arrive faster than the limiter allows.
var ErrRateLimited = fmt.Errorf("registration rate limit exceeded: %w", domain.ErrBusy)

// service implements the Service interface.
type service struct {
	store       store.Store
	locks       *lock.Manager
	rateLimiter *rate.Limiter
	log         logging.Logger
	tracer      trace.Tracer
}

// Option configures the membership service.
type Option func(*service)

// WithRegistrationLimit refuses registrations beyond the limiter's rate.
func WithRegistrationLimit(l *rate.Limiter) Option {
	return func(s *service) { s.rateLimiter = l }
}

func WithLogger(log logging.Logger) Option {
	return func(s *service) { s.log = log }
}

// NewService creates a new membership service instance. Status changes take the
// student lock so they serialize with loan creation.
func NewService(s store.Store, locks *lock.Manager, opts ...Option) Service {
	svc := &service{
		store:  s,
		locks:  locks,
		log:    logging.Discard,
		tracer: otel.Tracer("librastock/membership"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// RegisterStudent creates a new student.
func (s *service) RegisterStudent(ctx context.Context, req NewStudent) (*domain.Student, error) {
	ctx, span := s.tracer.Start(ctx, "membership.register_student")
	defer span.End()

	if s.rateLimiter != nil && !s.rateLimiter.Allow() {
		return nil, ErrRateLimited
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	student := &domain.Student{ID: uuid.New(), Name: req.Name, Status: req.Status}
	if student.Status == "" {
		student.Status = domain.StudentActive
	}
	span.SetAttributes(attribute.String("student.id", student.ID.String()))

	err := s.store.Atomically(ctx, func(tx store.Tx) error {
		if err := tx.InsertStudent(ctx, student); err != nil {
			return fmt.Errorf("insert student: %w", store.Translate(err, nil))
		}
		return journal.Record(ctx, tx, domain.AggregateStudent, student.ID, journal.StudentRegistered,
			journal.StudentRegisteredEvent{StudentID: student.ID, Name: student.Name})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("student registered", "student_id", student.ID)
	return student, nil
}

// GetStudent retrieves a student by their ID.
func (s *service) GetStudent(ctx context.Context, id uuid.UUID) (*domain.Student, error) {
	var student *domain.Student
	err := s.store.View(ctx, func(tx store.Tx) error {
		st, err := tx.Student(ctx, id)
		if err != nil {
			return store.Translate(err, domain.ErrStudentNotFound)
		}
		student = st
		return nil
	})
	return student, err
}

// SetStatus changes a student's status. Open loans are left as they are; the new
// status only gates future loans.
func (s *service) SetStatus(ctx context.Context, id uuid.UUID, status domain.StudentStatus) (*domain.Student, error) {
	ctx, span := s.tracer.Start(ctx, "membership.set_status",
		trace.WithAttributes(
			attribute.String("student.id", id.String()),
			attribute.String("student.status", string(status)),
		),
	)
	defer span.End()

	if !status.Valid() {
		var p domain.Problems
		p.Addf("status must be 'active', 'inactive', or 'graduated'")
		return nil, p.Err()
	}

	unlock, err := s.locks.Acquire(ctx, lock.Student(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var student *domain.Student
	err = s.store.Atomically(ctx, func(tx store.Tx) error {
		st, err := tx.Student(ctx, id)
		if err != nil {
			return store.Translate(err, domain.ErrStudentNotFound)
		}
		student = st
		if st.Status == status {
			return nil
		}
		from := st.Status
		st.Status = status
		if err := tx.UpdateStudent(ctx, st); err != nil {
			return fmt.Errorf("update student: %w", store.Translate(err, domain.ErrStudentNotFound))
		}
		return journal.Record(ctx, tx, domain.AggregateStudent, st.ID, journal.StudentStatusChanged,
			journal.StudentStatusChangedEvent{StudentID: st.ID, From: from, To: status})
	})
	if err != nil {
		return nil, store.Translate(err, nil)
	}
	return student, nil
}

// LoanSummary counts current, overdue and late loans of a student.
func (s *service) LoanSummary(ctx context.Context, id uuid.UUID) (LoanSummary, error) {
	var summary LoanSummary
	err := s.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.Student(ctx, id); err != nil {
			return store.Translate(err, domain.ErrStudentNotFound)
		}
		loans, err := tx.LoansByStudent(ctx, id)
		if err != nil {
			return fmt.Errorf("load loans: %w", err)
		}
		summary = summarize(id, loans)
		return nil
	})
	return summary, err
}
