package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a crawl run.
type RunStatus string

// Run statuses.
const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunSummary is written when a run finishes.
type RunSummary struct {
	FinishedAt time.Time
	Status     RunStatus
	Pages      int64
	Downloads  int64
	Error      string
}

// StartRun records the start of a crawl run.
func (s *Store) StartRun(ctx context.Context, runID uuid.UUID, startURL string, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, start_url, started_at, status)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status`, s.runs)
	if _, err := s.pool.Exec(ctx, query, runID, startURL, startedAt, RunRunning); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun marks a run as completed with its totals.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, sum RunSummary) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, pages = $3, downloads = $4, error_message = $5
WHERE id = $6`, s.runs)
	tag, err := s.pool.Exec(ctx, query, sum.FinishedAt, sum.Status, sum.Pages, sum.Downloads, nullable(sum.Error), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run: run %s not found", runID)
	}
	return nil
}
