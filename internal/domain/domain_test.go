package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidISBN(t *testing.T) {
	tests := []struct {
		isbn string
		want bool
	}{
		{"0-306-40615-2", true},
		{"080442957X", true},
		{"978-3-16-148410-0", true},
		{"9791234567896", true},
		{" 978 0 306 40615 7 ", true},
		{"9771234567898", false},
		{"08044X9570", false},
		{"97800000000X", false},
		{"12345678901", false},
		{"12345", false},
		{"   ", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.isbn), func(t *testing.T) {
			assert.Equal(t, tt.want, ValidISBN(tt.isbn))
		})
	}
}

func TestNormalizeISBN(t *testing.T) {
	assert.Equal(t, "9780306406157", NormalizeISBN(" 978-0-306 40615-7 "))
	assert.Equal(t, "080442957X", NormalizeISBN("0-8044-2957-X"))
	assert.Empty(t, NormalizeISBN("  "))
}

func TestNewBookValidate(t *testing.T) {
	shelf := uuid.New()
	ok := NewBook{Title: "Dune", Author: "Herbert", Type: BookPhysical, ShelfID: &shelf}
	require.NoError(t, ok.Validate())

	blankISBN := ok
	blankISBN.ISBN = "   "
	assert.Error(t, blankISBN.Validate())

	unshelved := ok
	unshelved.ShelfID = nil
	assert.ErrorContains(t, unshelved.Validate(), "physical books must be assigned to a shelf")

	shelvedDigital := ok
	shelvedDigital.Type = BookDigital
	assert.ErrorContains(t, shelvedDigital.Validate(), "digital books cannot be assigned to a shelf")

	err := NewBook{Title: " ", Type: "audio"}.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 3)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestLocationCodes(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"A1", true},
		{"B12", true},
		{"Z99", true},
		{"a1", false},
		{"A123", false},
		{"AA1", false},
		{"A", false},
		{"1A", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := NewShelf{LocationCode: tt.code, Section: "Science", Topic: "Biology", TotalCapacity: 10}.Validate()
			assert.Equal(t, tt.want, err == nil, "validate %q: %v", tt.code, err)
		})
	}
}

func TestNewShelfValidate(t *testing.T) {
	err := NewShelf{LocationCode: "A1", Section: " ", Topic: "", TotalCapacity: 0}.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 3)
	assert.Contains(t, verr.Problems, "total capacity must be a positive integer")
}

func TestLoanValidate(t *testing.T) {
	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	returned := start.AddDate(0, 0, 3)
	early := start.AddDate(0, 0, -1)

	tests := []struct {
		name    string
		edit    func(l *Loan)
		problem string
	}{
		{name: "valid"},
		{name: "365 days", edit: func(l *Loan) { l.EstimatedReturnDate = start.AddDate(0, 0, 365) }},
		{name: "366 days", edit: func(l *Loan) { l.EstimatedReturnDate = start.AddDate(0, 0, 366) }, problem: "loan period cannot exceed 365 days"},
		{name: "due on loan day", edit: func(l *Loan) { l.EstimatedReturnDate = start }, problem: "estimated return date must be after loan date"},
		{name: "returned without date", edit: func(l *Loan) { l.Status = LoanReturned }, problem: "returned loans must have an actual return date"},
		{name: "returned", edit: func(l *Loan) { l.Status, l.ActualReturnDate = LoanReturned, &returned }},
		{name: "active with return date", edit: func(l *Loan) { l.ActualReturnDate = &returned }, problem: "active loans cannot have an actual return date"},
		{name: "returned before loan", edit: func(l *Loan) { l.Status, l.ActualReturnDate = LoanReturned, &early }, problem: "actual return date cannot be before loan date"},
		{name: "overdue", edit: func(l *Loan) { l.Status = LoanOverdue }},
		{name: "unknown status", edit: func(l *Loan) { l.Status = "borrowed" }, problem: "loan status must be"},
		{name: "negative renewals", edit: func(l *Loan) { l.RenewalCount = -1 }, problem: "renewal count cannot be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &Loan{
				ID:                  uuid.New(),
				BookID:              uuid.New(),
				StudentID:           uuid.New(),
				LoanDate:            start,
				EstimatedReturnDate: start.AddDate(0, 0, 14),
				Status:              LoanActive,
			}
			if tt.edit != nil {
				tt.edit(l)
			}
			err := l.Validate()
			if tt.problem == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.problem)
		})
	}
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("book %s: %w", uuid.New(), ErrStatusDrift)
	assert.Equal(t, KindConsistency, KindOf(wrapped))
	assert.Equal(t, "STATUS_DRIFT", CodeOf(wrapped))
	assert.ErrorIs(t, wrapped, ErrStatusDrift)
	assert.NotErrorIs(t, wrapped, ErrBookUnavailable)

	busy := fmt.Errorf("acquire: %w", ErrBusy)
	assert.True(t, IsRetryable(busy))
	assert.False(t, IsRetryable(ErrBookUnavailable))

	plain := errors.New("disk full")
	assert.Equal(t, KindUnknown, KindOf(plain))
	assert.Equal(t, "INTERNAL", CodeOf(plain))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestDays(t *testing.T) {
	late := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), Day(late))
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), AddDays(late, 14))

	clock := NewFixedClock(time.Date(2026, 12, 31, 18, 0, 0, 0, time.UTC))
	clock.Advance(12 * time.Hour)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), Today(clock))
}
