package audit

import (
	"context"
	"time"
)

// Scheduler runs Repair on a fixed interval until its context ends.
type Scheduler struct {
	auditor  *Auditor
	interval time.Duration
}

func NewScheduler(a *Auditor, interval time.Duration) *Scheduler {
	return &Scheduler{auditor: a, interval: interval}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := s.auditor.Repair(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.auditor.log.Warn("scheduled repair failed", "error", err)
				continue
			}
			if len(report.Unrepaired) > 0 {
				s.auditor.log.Warn("scheduled repair left shelves drifted", "unrepaired", len(report.Unrepaired))
			}
		}
	}
}
