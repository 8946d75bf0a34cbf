// internal/catalog/domain.go
package catalog

import (
	"math"

	"github.com/google/uuid"

	"librastock/internal/domain"
)

// UtilizationStatus buckets a shelf by how full it is.
type UtilizationStatus string

const (
	StatusEmpty      UtilizationStatus = "Empty"
	StatusAvailable  UtilizationStatus = "Available"
	StatusHalfFull   UtilizationStatus = "Half Full"
	StatusNearlyFull UtilizationStatus = "Nearly Full"
	StatusFull       UtilizationStatus = "Full"
)

// ShelfUtilization is one row of the utilization report.
type ShelfUtilization struct {
	ShelfID        uuid.UUID         `json:"shelf_id"`
	LocationCode   string            `json:"location_code"`
	Section        string            `json:"section"`
	Topic          string            `json:"main_topic"`
	TotalCapacity  int               `json:"total_capacity"`
	CurrentCount   int               `json:"current_count"`
	Percentage     float64           `json:"utilization_percentage"`
	AvailableSpace int               `json:"available_space"`
	Status         UtilizationStatus `json:"status"`
}

// CapacityReport summarizes utilization across every shelf.
type CapacityReport struct {
	TotalShelves      int     `json:"total_shelves"`
	TotalCapacity     int     `json:"total_capacity"`
	TotalBooks        int     `json:"total_books"`
	AvailableSpace    int     `json:"total_available_space"`
	AveragePercentage float64 `json:"avg_utilization"`
	FullShelves       int     `json:"full_shelves"`
	NearlyFullShelves int     `json:"nearly_full_shelves"`
	EmptyShelves      int     `json:"empty_shelves"`
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func utilizationOf(s *domain.Shelf) ShelfUtilization {
	ratio := float64(s.CurrentCount) / float64(s.TotalCapacity)
	status := StatusAvailable
	switch {
	case s.CurrentCount == 0:
		status = StatusEmpty
	case s.CurrentCount >= s.TotalCapacity:
		status = StatusFull
	case ratio > 0.8:
		status = StatusNearlyFull
	case ratio > 0.5:
		status = StatusHalfFull
	}
	return ShelfUtilization{
		ShelfID:        s.ID,
		LocationCode:   s.LocationCode,
		Section:        s.Section,
		Topic:          s.Topic,
		TotalCapacity:  s.TotalCapacity,
		CurrentCount:   s.CurrentCount,
		Percentage:     round2(ratio * 100),
		AvailableSpace: s.Available(),
		Status:         status,
	}
}

func summarize(rows []ShelfUtilization) CapacityReport {
	var r CapacityReport
	var pct float64
	for _, u := range rows {
		r.TotalShelves++
		r.TotalCapacity += u.TotalCapacity
		r.TotalBooks += u.CurrentCount
		r.AvailableSpace += u.AvailableSpace
		pct += u.Percentage
		switch u.Status {
		case StatusFull:
			r.FullShelves++
		case StatusNearlyFull:
			r.NearlyFullShelves++
		case StatusEmpty:
			r.EmptyShelves++
		}
	}
	if r.TotalShelves > 0 {
		r.AveragePercentage = round2(pct / float64(r.TotalShelves))
	}
	return r
}
