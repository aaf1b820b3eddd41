package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldnotes-dev/setfarm/internal/models"
)

// StepsByStatus returns every step across all runs in the given status,
// regardless of run status; Medic filters by run status itself since
// different checks care about different run states.
func (s *Store) StepsByStatus(ctx context.Context, status models.StepStatus) ([]*models.Step, error) {
	rows, err := s.db.QueryContext(ctx, stepSelectSQL+` WHERE status = ?`, status)
	if err != nil {
		return nil, fmt.Errorf("steps by status: %w", err)
	}
	defer rows.Close()

	var out []*models.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// StoriesByStatus returns every story across all runs in the given status.
func (s *Store) StoriesByStatus(ctx context.Context, status models.StoryStatus) ([]*models.Story, error) {
	rows, err := s.db.QueryContext(ctx, storySelectSQL+` WHERE status = ?`, status)
	if err != nil {
		return nil, fmt.Errorf("stories by status: %w", err)
	}
	defer rows.Close()

	var out []*models.Story
	for rows.Next() {
		story, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, story)
	}
	return out, rows.Err()
}

// NonTerminalStepCount counts a run's steps still in waiting, pending or
// running. Zero means the run has nothing left to do but isn't marked
// done (the dead_run signal, spec §4.6).
func (s *Store) NonTerminalStepCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM steps
		WHERE run_id = ? AND status IN (?, ?, ?)
	`, runID, models.StepStatusWaiting, models.StepStatusPending, models.StepStatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count non-terminal steps: %w", err)
	}
	return n, nil
}

// LastStepTransition returns the most recent updated_at across a run's
// steps, used by the stalled_run check (spec §4.6).
func (s *Store) LastStepTransition(ctx context.Context, runID string) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(updated_at), CURRENT_TIMESTAMP) FROM steps WHERE run_id = ?
	`, runID).Scan(&raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("last step transition: %w", err)
	}
	// COALESCE loses the column's DATETIME affinity, so the driver returns
	// the raw text rather than auto-converting. updated_at is always written
	// by CURRENT_TIMESTAMP, so both MAX(updated_at) and the fallback come
	// back in sqlite's "YYYY-MM-DD HH:MM:SS" form; RFC3339 is accepted too.
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05", raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("last step transition: parse %q: %w", raw, err)
	}
	return t, nil
}

// PendingStoryCount counts a run's stories still pending or running,
// used by the failed_run_resumable check (spec §4.6).
func (s *Store) PendingStoryCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stories
		WHERE run_id = ? AND status IN (?, ?)
	`, runID, models.StoryStatusPending, models.StoryStatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending stories: %w", err)
	}
	return n, nil
}

// FailedStepForRun returns the run's failed step, if any: ResumeRun's
// target (spec §4.6 failed_run_resumable).
func (s *Store) FailedStepForRun(ctx context.Context, runID string) (*models.Step, error) {
	row := s.db.QueryRowContext(ctx, stepSelectSQL+` WHERE run_id = ? AND status = ? ORDER BY step_index DESC LIMIT 1`, runID, models.StepStatusFailed)
	return scanStep(row)
}
