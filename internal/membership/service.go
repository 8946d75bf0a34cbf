// internal/membership/service.go
package membership

import (
	"context"

	"github.com/google/uuid"

	"librastock/internal/domain"
)

// Service manages the borrowers the engine checks eligibility against.
type Service interface {
	RegisterStudent(ctx context.Context, req NewStudent) (*domain.Student, error)
	GetStudent(ctx context.Context, id uuid.UUID) (*domain.Student, error)
	SetStatus(ctx context.Context, id uuid.UUID, status domain.StudentStatus) (*domain.Student, error)
	LoanSummary(ctx context.Context, id uuid.UUID) (LoanSummary, error)
}
