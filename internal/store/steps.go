package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fieldnotes-dev/setfarm/internal/models"
)

// insertStepTx inserts one waiting step row for a run, in pipeline order.
func (s *Store) insertStepTx(ctx context.Context, tx *sql.Tx, runID string, index int, spec models.StepSpec) (*models.Step, error) {
	step := &models.Step{
		ID:        newID("step"),
		RunID:     runID,
		StepIndex: index,
		StepID:    spec.StepID,
		AgentID:   spec.AgentID,
		Type:      spec.Type,
		Status:    models.StepStatusWaiting,
		OutputValues: map[string]string{},
	}
	if spec.Loop != nil {
		step.LoopConfig = &models.LoopConfig{
			SourceStep: spec.Loop.SourceStep,
			Workers:    spec.Loop.WorkersOrDefault(),
			VerifyStep: spec.Loop.VerifyStep,
			VerifyEach: spec.Loop.VerifyEach,
		}
	}
	outJSON, _ := json.Marshal(step.OutputValues)

	var loopSource, loopVerify string
	var loopWorkers int
	var loopVerifyEach bool
	if step.LoopConfig != nil {
		loopSource = step.LoopConfig.SourceStep
		loopWorkers = step.LoopConfig.Workers
		loopVerify = step.LoopConfig.VerifyStep
		loopVerifyEach = step.LoopConfig.VerifyEach
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO steps (
			id, run_id, step_index, step_id, agent_id, type, status,
			output_values, loop_source_step, loop_workers, loop_verify_step, loop_verify_each
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, step.ID, step.RunID, step.StepIndex, step.StepID, step.AgentID, step.Type, step.Status,
		string(outJSON), loopSource, loopWorkers, loopVerify, loopVerifyEach)
	if err != nil {
		return nil, fmt.Errorf("insert step: %w", err)
	}
	return step, nil
}

// GetStep loads one step by id.
func (s *Store) GetStep(ctx context.Context, id string) (*models.Step, error) {
	row := s.db.QueryRowContext(ctx, stepSelectSQL+` WHERE id = ?`, id)
	return scanStep(row)
}

// StepAtIndex loads the step at a given cursor position within a run.
func (s *Store) StepAtIndex(ctx context.Context, runID string, index int) (*models.Step, error) {
	row := s.db.QueryRowContext(ctx, stepSelectSQL+` WHERE run_id = ? AND step_index = ?`, runID, index)
	return scanStep(row)
}

// StepAtIndexByStepID loads a run's step by its spec-declared step_id
// rather than its numeric cursor position; used by the Loop Engine to
// look up a loop step's source_step.
func (s *Store) StepAtIndexByStepID(ctx context.Context, runID, stepID string) (*models.Step, error) {
	row := s.db.QueryRowContext(ctx, stepSelectSQL+` WHERE run_id = ? AND step_id = ?`, runID, stepID)
	return scanStep(row)
}

// ListSteps returns every step of a run in pipeline order.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]*models.Step, error) {
	rows, err := s.db.QueryContext(ctx, stepSelectSQL+` WHERE run_id = ? ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
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

// ClaimableStepsForAgent returns pending steps assigned to agentID, loop
// steps included, least recently updated first. Peek and claim use their
// own queries in transactions.go.
func (s *Store) ClaimableStepsForAgent(ctx context.Context, agentID string) ([]*models.Step, error) {
	rows, err := s.db.QueryContext(ctx, stepSelectSQL+`
		WHERE agent_id = ? AND status = ?
		ORDER BY updated_at ASC
	`, agentID, models.StepStatusPending)
	if err != nil {
		return nil, fmt.Errorf("claimable steps: %w", err)
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

const stepSelectSQL = `
	SELECT steps.id, steps.run_id, steps.step_index, steps.step_id, steps.agent_id, steps.type, steps.status,
		steps.retry_count, steps.abandoned_count, steps.updated_at, steps.input, steps.output, steps.output_values,
		steps.loop_source_step, steps.loop_workers, steps.loop_verify_step, steps.loop_verify_each, steps.current_story_id
	FROM steps
`

func scanStep(row rowScanner) (*models.Step, error) {
	var st models.Step
	var outValuesJSON string
	var loopSource, loopVerify string
	var loopWorkers int
	var loopVerifyEach bool

	err := row.Scan(
		&st.ID, &st.RunID, &st.StepIndex, &st.StepID, &st.AgentID, &st.Type, &st.Status,
		&st.RetryCount, &st.AbandonedCount, &st.UpdatedAt, &st.Input, &st.Output, &outValuesJSON,
		&loopSource, &loopWorkers, &loopVerify, &loopVerifyEach, &st.CurrentStoryID,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan step: %w", err)
	}
	if err := json.Unmarshal([]byte(outValuesJSON), &st.OutputValues); err != nil {
		return nil, fmt.Errorf("unmarshal step output_values: %w", err)
	}
	if loopSource != "" {
		st.LoopConfig = &models.LoopConfig{
			SourceStep: loopSource,
			Workers:    loopWorkers,
			VerifyStep: loopVerify,
			VerifyEach: loopVerifyEach,
		}
	}
	return &st, nil
}

func (s *Store) updateStepStatusTx(ctx context.Context, tx *sql.Tx, stepID string, status models.StepStatus) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE steps SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, stepID)
	return err
}

func (s *Store) completeStepTx(ctx context.Context, tx *sql.Tx, stepID, output string, outputValues map[string]string) error {
	outJSON, err := json.Marshal(outputValues)
	if err != nil {
		return fmt.Errorf("marshal output values: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE steps SET status = ?, output = ?, output_values = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, models.StepStatusDone, output, string(outJSON), stepID)
	return err
}

func (s *Store) bumpStepRetryTx(ctx context.Context, tx *sql.Tx, stepID string, status models.StepStatus) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE steps SET status = ?, retry_count = retry_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, stepID)
	return err
}

func (s *Store) bumpStepAbandonedTx(ctx context.Context, tx *sql.Tx, stepID string, status models.StepStatus) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE steps SET status = ?, abandoned_count = abandoned_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, stepID)
	return err
}

func (s *Store) setCurrentStoryTx(ctx context.Context, tx *sql.Tx, stepID, storyID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE steps SET current_story_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, storyID, stepID)
	return err
}
