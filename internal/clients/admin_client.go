package clients

import (
	"context"
	"net/http"
	"time"

	"librastock/internal/audit"
	"librastock/internal/catalog"
	"librastock/internal/store"
)

// SweepResult is the answer of the overdue sweep endpoint.
type SweepResult struct {
	AsOf   time.Time `json:"as_of" yaml:"as_of"`
	Marked int       `json:"marked_overdue" yaml:"marked_overdue"`
}

// AdminClient drives the operator endpoints under /api/v1/admin.
type AdminClient struct {
	*base
}

func NewAdminClient(baseURL string, opts ...Option) *AdminClient {
	return &AdminClient{base: newBase(baseURL, opts...)}
}

// Sweep marks loans due before asOf overdue. A nil asOf lets the server use today.
func (c *AdminClient) Sweep(ctx context.Context, asOf *time.Time) (SweepResult, error) {
	var out SweepResult
	req := struct {
		AsOf *time.Time `json:"as_of,omitempty"`
	}{AsOf: asOf}
	err := c.do(ctx, http.MethodPost, "/api/v1/admin/sweep", req, &out)
	return out, err
}

func (c *AdminClient) Drift(ctx context.Context) ([]store.Occupancy, error) {
	var out []store.Occupancy
	err := c.do(ctx, http.MethodGet, "/api/v1/admin/drift", nil, &out)
	return out, err
}

func (c *AdminClient) Repair(ctx context.Context) (audit.Report, error) {
	var out audit.Report
	err := c.do(ctx, http.MethodPost, "/api/v1/admin/repair", nil, &out)
	return out, err
}

// Capacity reads the library-wide shelf capacity report. It needs no token.
func (c *AdminClient) Capacity(ctx context.Context) (catalog.CapacityReport, error) {
	var out catalog.CapacityReport
	err := c.do(ctx, http.MethodGet, "/api/v1/shelves/capacity", nil, &out)
	return out, err
}
