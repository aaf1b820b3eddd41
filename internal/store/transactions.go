package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fieldnotes-dev/setfarm/internal/models"
)

// SeedRun materializes one waiting step row per entry in spec.Steps, in
// pipeline order, then makes the first step pending. Atomic: either every
// step is inserted or none is (spec §4.3 "seed a run's steps").
func (s *Store) SeedRun(ctx context.Context, runID string, spec *models.WorkflowSpec) ([]*models.Step, error) {
	var steps []*models.Step
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for i, stepSpec := range spec.Steps {
			step, err := s.insertStepTx(ctx, tx, runID, i, stepSpec)
			if err != nil {
				return err
			}
			steps = append(steps, step)
		}
		if len(steps) == 0 {
			return fmt.Errorf("workflow %s declares no steps", spec.WorkflowID)
		}
		steps[0].Status = models.StepStatusPending
		if err := s.updateStepStatusTx(ctx, tx, steps[0].ID, models.StepStatusPending); err != nil {
			return err
		}
		return s.insertEventTx(ctx, tx, runID, steps[0].ID, models.EventStepPending, steps[0].StepID)
	})
	if err != nil {
		return nil, fmt.Errorf("seed run: %w", err)
	}
	return steps, nil
}

// ClaimNextForRole implements claim(agent_id) for the step half of spec
// §4.2: the highest-priority pending step assigned to agentID, ordered by
// (run.created_at, step_index). Loop steps are never claimed here: a
// pending loop step's work is its stories, which ClaimNextStory hands out;
// internal/claim tries this first and ClaimNextStory second.
func (s *Store) ClaimNextForRole(ctx context.Context, agentID string) (*models.Step, error) {
	var claimed *models.Step
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, stepSelectSQL+`
			JOIN runs ON runs.id = steps.run_id
			WHERE steps.agent_id = ? AND steps.status = ? AND runs.status = ? AND steps.type != ?
			ORDER BY runs.created_at ASC, steps.step_index ASC
			LIMIT 1
		`, agentID, models.StepStatusPending, models.RunStatusRunning, models.StepTypeLoop)
		step, err := scanStep(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.updateStepStatusTx(ctx, tx, step.ID, models.StepStatusRunning); err != nil {
			return err
		}
		step.Status = models.StepStatusRunning
		if err := s.insertEventTx(ctx, tx, step.RunID, step.ID, models.EventStepClaimed, agentID); err != nil {
			return err
		}
		claimed = step
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim next for role: %w", err)
	}
	return claimed, nil
}

// ClaimNextStory implements the story half of claim(agent_id): the
// highest-priority pending story belonging to a loop step assigned to
// agentID, ordered by (run.created_at, step_index, story_index). A story
// parked with pending_verify set is only claimable by its loop step's
// verify_step role, never by the worker role that produced it (spec §4.4's
// two-phase cycle).
func (s *Store) ClaimNextStory(ctx context.Context, agentID string) (*models.Story, error) {
	var claimed *models.Story
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, storySelectSQL+`
			JOIN steps ON steps.id = stories.step_id
			JOIN runs ON runs.id = stories.run_id
			LEFT JOIN steps AS verify_steps
				ON verify_steps.run_id = stories.run_id AND verify_steps.step_id = steps.loop_verify_step
			WHERE stories.status = ? AND runs.status = ?
				AND (
					(stories.pending_verify = 0 AND steps.agent_id = ?)
					OR (stories.pending_verify = 1 AND verify_steps.agent_id = ?)
				)
			ORDER BY runs.created_at ASC, steps.step_index ASC, stories.story_index ASC
			LIMIT 1
		`, models.StoryStatusPending, models.RunStatusRunning, agentID, agentID)
		story, err := scanStory(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.updateStoryStatusTx(ctx, tx, story.ID, models.StoryStatusRunning); err != nil {
			return err
		}
		story.Status = models.StoryStatusRunning
		if err := s.setCurrentStoryTx(ctx, tx, story.StepID, story.ID); err != nil {
			return err
		}
		if err := s.insertEventTx(ctx, tx, story.RunID, story.StepID, models.EventStoryClaimed, story.StoryID); err != nil {
			return err
		}
		claimed = story
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim next story: %w", err)
	}
	return claimed, nil
}

// HasUnclaimedWork implements peek(agent_id): a pure read, no transaction,
// no side effects (spec §4.2).
func (s *Store) HasUnclaimedWork(ctx context.Context, agentID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM steps
		JOIN runs ON runs.id = steps.run_id
		WHERE steps.agent_id = ? AND steps.status = ? AND runs.status = ? AND steps.type != ?
	`, agentID, models.StepStatusPending, models.RunStatusRunning, models.StepTypeLoop).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("peek steps: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stories
		JOIN steps ON steps.id = stories.step_id
		JOIN runs ON runs.id = stories.run_id
		LEFT JOIN steps AS verify_steps
			ON verify_steps.run_id = stories.run_id AND verify_steps.step_id = steps.loop_verify_step
		WHERE stories.status = ? AND runs.status = ?
			AND (
				(stories.pending_verify = 0 AND steps.agent_id = ?)
				OR (stories.pending_verify = 1 AND verify_steps.agent_id = ?)
			)
	`, models.StoryStatusPending, models.RunStatusRunning, agentID, agentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("peek stories: %w", err)
	}
	return n > 0, nil
}

// CompleteStep implements the step half of complete(unit_id, raw_output):
// stores the parsed output, transitions the step to done, advances the
// run's cursor to the next step (or marks the run done), all atomically
// (spec §4.2, §4.3 "Advancement").
func (s *Store) CompleteStep(ctx context.Context, stepID, rawOutput string, outputValues map[string]string) (nextStep *models.Step, runDone bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, stepSelectSQL+`WHERE id = ?`, stepID)
		step, serr := scanStep(row)
		if serr != nil {
			return serr
		}
		if err := s.completeStepTx(ctx, tx, stepID, rawOutput, outputValues); err != nil {
			return err
		}
		if err := s.insertEventTx(ctx, tx, step.RunID, step.ID, models.EventStepDone, ""); err != nil {
			return err
		}

		nrow := tx.QueryRowContext(ctx, stepSelectSQL+`WHERE run_id = ? AND step_index = ?`, step.RunID, step.StepIndex+1)
		next, nerr := scanStep(nrow)
		if nerr == sql.ErrNoRows {
			if err := s.setRunStatusTx(ctx, tx, step.RunID, models.RunStatusDone); err != nil {
				return err
			}
			runDone = true
			return s.insertEventTx(ctx, tx, step.RunID, "", models.EventRunDone, "")
		}
		if nerr != nil {
			return nerr
		}
		if err := s.updateStepStatusTx(ctx, tx, next.ID, models.StepStatusPending); err != nil {
			return err
		}
		next.Status = models.StepStatusPending
		nextStep = next
		return s.insertEventTx(ctx, tx, step.RunID, next.ID, models.EventStepPending, next.StepID)
	})
	if err != nil {
		return nil, false, fmt.Errorf("complete step: %w", err)
	}
	return nextStep, runDone, nil
}

// CompleteStory implements the story half of complete(unit_id, raw_output).
// When verifyEach is requested and this completion is from the worker
// role (not yet verified), the story is parked back in pending with
// PendingVerify set rather than marked verified (spec §4.4's two-phase
// cycle).
func (s *Store) CompleteStory(ctx context.Context, storyID, rawOutput string, outputValues map[string]string, needsVerify bool) (*models.Story, error) {
	var result *models.Story
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, storySelectSQL+`WHERE id = ?`, storyID)
		story, serr := scanStory(row)
		if serr != nil {
			return serr
		}

		status := models.StoryStatusVerified
		pendingVerify := false
		if needsVerify {
			status = models.StoryStatusPending
			pendingVerify = true
		}
		if err := s.completeStoryTx(ctx, tx, storyID, rawOutput, outputValues, status, pendingVerify); err != nil {
			return err
		}
		story.Status = status
		story.Output = rawOutput
		story.OutputValues = outputValues
		story.PendingVerify = pendingVerify
		result = story

		kind := models.EventStoryDone
		if pendingVerify {
			kind = models.EventStepDone
		}
		return s.insertEventTx(ctx, tx, story.RunID, story.StepID, kind, story.StoryID)
	})
	if err != nil {
		return nil, fmt.Errorf("complete story: %w", err)
	}
	return result, nil
}

// FailStep implements fail(unit_id, reason) for steps (spec §4.2):
// increments retry_count; below budget, returns to pending; at or above
// budget, fails the step and, per policy, fails the run.
func (s *Store) FailStep(ctx context.Context, stepID, reason string, retryBudget int, failRunOnExhaust bool) (failed bool, runFailed bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, stepSelectSQL+`WHERE id = ?`, stepID)
		step, serr := scanStep(row)
		if serr != nil {
			return serr
		}

		if step.RetryCount+1 < retryBudget {
			if err := s.bumpStepRetryTx(ctx, tx, stepID, models.StepStatusPending); err != nil {
				return err
			}
			return s.insertEventTx(ctx, tx, step.RunID, step.ID, models.EventStepFail, reason)
		}

		if err := s.bumpStepRetryTx(ctx, tx, stepID, models.StepStatusFailed); err != nil {
			return err
		}
		failed = true
		if err := s.insertEventTx(ctx, tx, step.RunID, step.ID, models.EventStepFailed, reason); err != nil {
			return err
		}
		if failRunOnExhaust {
			if err := s.setRunStatusTx(ctx, tx, step.RunID, models.RunStatusFailed); err != nil {
				return err
			}
			runFailed = true
			return s.insertEventTx(ctx, tx, step.RunID, "", models.EventRunFailed, reason)
		}
		return nil
	})
	if err != nil {
		return false, false, fmt.Errorf("fail step: %w", err)
	}
	return failed, runFailed, nil
}

// FailStory implements fail(unit_id, reason) for stories (spec §4.2): same
// retry/budget shape as FailStep but terminal state is skipped, not failed,
// and never propagates to the run.
func (s *Store) FailStory(ctx context.Context, storyID, reason string, retryBudget int) (skipped bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, storySelectSQL+`WHERE id = ?`, storyID)
		story, serr := scanStory(row)
		if serr != nil {
			return serr
		}

		if story.RetryCount+1 < retryBudget {
			if err := s.bumpStoryRetryTx(ctx, tx, storyID, models.StoryStatusPending); err != nil {
				return err
			}
			return s.insertEventTx(ctx, tx, story.RunID, story.StepID, models.EventStoryFail, reason)
		}

		if err := s.bumpStoryRetryTx(ctx, tx, storyID, models.StoryStatusSkipped); err != nil {
			return err
		}
		skipped = true
		return s.insertEventTx(ctx, tx, story.RunID, story.StepID, models.EventStorySkipped, reason)
	})
	if err != nil {
		return false, fmt.Errorf("fail story: %w", err)
	}
	return skipped, nil
}

// FinishLoopStep transitions a loop step to done once every story is
// verified or skipped, and advances the run exactly as CompleteStep does
// (spec §4.4 "Loop completion").
func (s *Store) FinishLoopStep(ctx context.Context, stepID string) (nextStep *models.Step, runDone bool, err error) {
	return s.CompleteStep(ctx, stepID, "", map[string]string{})
}

// ResetStep is Medic's remediation for stuck_step / claimed_but_stuck
// (spec §4.6): returns a running step to pending and bumps
// abandoned_count, without touching retry_count (Open Question resolution
// 2 in SPEC_FULL.md §9).
func (s *Store) ResetStep(ctx context.Context, stepID string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, stepSelectSQL+`WHERE id = ?`, stepID)
		step, serr := scanStep(row)
		if serr != nil {
			return serr
		}
		if err := s.bumpStepAbandonedTx(ctx, tx, stepID, models.StepStatusPending); err != nil {
			return err
		}
		return s.insertEventTx(ctx, tx, step.RunID, step.ID, models.EventMedicAction, "reset_step")
	})
	if err != nil {
		return fmt.Errorf("reset step: %w", err)
	}
	return nil
}

// ResetStory is Medic's remediation for orphaned_story (spec §4.6).
func (s *Store) ResetStory(ctx context.Context, storyID string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, storySelectSQL+`WHERE id = ?`, storyID)
		story, serr := scanStory(row)
		if serr != nil {
			return serr
		}
		if err := s.bumpStoryAbandonedTx(ctx, tx, storyID, models.StoryStatusPending); err != nil {
			return err
		}
		return s.insertEventTx(ctx, tx, story.RunID, story.StepID, models.EventMedicAction, "reset_story")
	})
	if err != nil {
		return fmt.Errorf("reset story: %w", err)
	}
	return nil
}

// FailStepForAbandon is Medic's remediation once a stuck step exhausts its
// abandon budget (spec §4.6's "after 5 abandons -> step failed -> run
// failed"). Unlike FailStep, this never touches retry_count.
func (s *Store) FailStepForAbandon(ctx context.Context, stepID, reason string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, stepSelectSQL+`WHERE id = ?`, stepID)
		step, serr := scanStep(row)
		if serr != nil {
			return serr
		}
		if err := s.updateStepStatusTx(ctx, tx, stepID, models.StepStatusFailed); err != nil {
			return err
		}
		if err := s.insertEventTx(ctx, tx, step.RunID, step.ID, models.EventStepFailed, reason); err != nil {
			return err
		}
		if err := s.setRunStatusTx(ctx, tx, step.RunID, models.RunStatusFailed); err != nil {
			return err
		}
		return s.insertEventTx(ctx, tx, step.RunID, "", models.EventRunFailed, reason)
	})
	if err != nil {
		return fmt.Errorf("fail step for abandon: %w", err)
	}
	return nil
}

// SkipStory is Medic's remediation once an orphaned story exhausts its
// abandon budget (spec §4.6's "after 5 abandons -> story skipped").
func (s *Store) SkipStory(ctx context.Context, storyID string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, storySelectSQL+`WHERE id = ?`, storyID)
		story, serr := scanStory(row)
		if serr != nil {
			return serr
		}
		if err := s.updateStoryStatusTx(ctx, tx, storyID, models.StoryStatusSkipped); err != nil {
			return err
		}
		return s.insertEventTx(ctx, tx, story.RunID, story.StepID, models.EventMedicAction, "skip_story")
	})
	if err != nil {
		return fmt.Errorf("skip story: %w", err)
	}
	return nil
}

// MarkRunFailed is Medic's remediation for dead_run (spec §4.6).
func (s *Store) MarkRunFailed(ctx context.Context, runID, reason string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.setRunStatusTx(ctx, tx, runID, models.RunStatusFailed); err != nil {
			return err
		}
		return s.insertEventTx(ctx, tx, runID, "", models.EventRunFailed, reason)
	})
	if err != nil {
		return fmt.Errorf("mark run failed: %w", err)
	}
	return nil
}

// ResumeRun is Medic's remediation for failed_run_resumable (spec §4.6):
// resets the run's failed step to pending, clears its retry_count (the one
// case where retry_count does reset, the explicit resume_run per Open
// Question resolution 2), marks the run running again, and bumps
// meta.resume_count.
func (s *Store) ResumeRun(ctx context.Context, runID, failedStepID string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE steps SET status = ?, retry_count = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?
		`, models.StepStatusPending, failedStepID)
		if err != nil {
			return err
		}
		if err := s.setRunStatusTx(ctx, tx, runID, models.RunStatusRunning); err != nil {
			return err
		}

		runRow := tx.QueryRowContext(ctx, `SELECT meta FROM runs WHERE id = ?`, runID)
		var metaJSON string
		if err := runRow.Scan(&metaJSON); err != nil {
			return err
		}
		meta, err := decodeMeta(metaJSON)
		if err != nil {
			return err
		}
		meta["resume_count"] = incrementDecimal(meta["resume_count"])
		if err := s.setRunMetaTx(ctx, tx, runID, meta); err != nil {
			return err
		}
		return s.insertEventTx(ctx, tx, runID, failedStepID, models.EventMedicAction, "resume_run")
	})
	if err != nil {
		return fmt.Errorf("resume run: %w", err)
	}
	return nil
}

func decodeMeta(raw string) (map[string]string, error) {
	meta := map[string]string{}
	if raw == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

func incrementDecimal(s string) string {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			n = 0
			break
		}
		n = n*10 + int(c-'0')
	}
	n++
	return fmt.Sprintf("%d", n)
}
