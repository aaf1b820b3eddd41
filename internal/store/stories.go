package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fieldnotes-dev/setfarm/internal/models"
)

// insertStoryTx materializes one story row from a StoryRecord parsed out of
// a loop step's source STORIES_JSON (spec §4.4).
func (s *Store) insertStoryTx(ctx context.Context, tx *sql.Tx, runID, stepID string, index int, rec models.StoryRecord) (*models.Story, error) {
	story := &models.Story{
		ID:           newID("story"),
		RunID:        runID,
		StepID:       stepID,
		StoryID:      rec.StoryID,
		StoryIndex:   index,
		Title:        rec.Title,
		Input:        rec.Input,
		Status:       models.StoryStatusPending,
		OutputValues: map[string]string{},
	}
	outJSON, _ := json.Marshal(story.OutputValues)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO stories (id, run_id, step_id, story_id, story_index, title, input, status, output_values)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, story.ID, story.RunID, story.StepID, story.StoryID, story.StoryIndex, story.Title, story.Input, story.Status, string(outJSON))
	if err != nil {
		return nil, fmt.Errorf("insert story: %w", err)
	}
	return story, nil
}

// MaterializeStories inserts one pending story row per record, in
// declared order, atomically (spec §4.4 step 2).
func (s *Store) MaterializeStories(ctx context.Context, runID, stepID string, records []models.StoryRecord) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for i, rec := range records {
			if _, err := s.insertStoryTx(ctx, tx, runID, stepID, i, rec); err != nil {
				return err
			}
		}
		return s.insertEventTx(ctx, tx, runID, stepID, models.EventStepPending, fmt.Sprintf("materialized %d stories", len(records)))
	})
	if err != nil {
		return fmt.Errorf("materialize stories: %w", err)
	}
	return nil
}

// GetStory loads one story by id.
func (s *Store) GetStory(ctx context.Context, id string) (*models.Story, error) {
	row := s.db.QueryRowContext(ctx, storySelectSQL+` WHERE id = ?`, id)
	return scanStory(row)
}

// ListStories returns every story of a loop step, in declared order.
func (s *Store) ListStories(ctx context.Context, stepID string) ([]*models.Story, error) {
	rows, err := s.db.QueryContext(ctx, storySelectSQL+` WHERE step_id = ? ORDER BY story_index ASC`, stepID)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
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

// ClaimableStoriesForStep returns pending stories of a loop step, in
// declared order: the fan-out claim candidate set from spec §4.4.
func (s *Store) ClaimableStoriesForStep(ctx context.Context, stepID string) ([]*models.Story, error) {
	rows, err := s.db.QueryContext(ctx, storySelectSQL+`
		WHERE step_id = ? AND status = ?
		ORDER BY story_index ASC
	`, stepID, models.StoryStatusPending)
	if err != nil {
		return nil, fmt.Errorf("claimable stories: %w", err)
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

// CountStoriesByStatus tallies a loop step's stories by status, used to
// decide loop completion (spec §4.4: done once every story is verified or
// skipped).
func (s *Store) CountStoriesByStatus(ctx context.Context, stepID string) (map[models.StoryStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM stories WHERE step_id = ? GROUP BY status
	`, stepID)
	if err != nil {
		return nil, fmt.Errorf("count stories: %w", err)
	}
	defer rows.Close()

	counts := map[models.StoryStatus]int{}
	for rows.Next() {
		var status models.StoryStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan story count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

const storySelectSQL = `
	SELECT stories.id, stories.run_id, stories.step_id, stories.story_id, stories.story_index, stories.title, stories.input, stories.status,
		stories.output, stories.output_values, stories.retry_count, stories.abandoned_count, stories.pending_verify, stories.updated_at
	FROM stories
`

func scanStory(row rowScanner) (*models.Story, error) {
	var st models.Story
	var outValuesJSON string
	var pendingVerify int

	err := row.Scan(
		&st.ID, &st.RunID, &st.StepID, &st.StoryID, &st.StoryIndex, &st.Title, &st.Input, &st.Status,
		&st.Output, &outValuesJSON, &st.RetryCount, &st.AbandonedCount, &pendingVerify, &st.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan story: %w", err)
	}
	if err := json.Unmarshal([]byte(outValuesJSON), &st.OutputValues); err != nil {
		return nil, fmt.Errorf("unmarshal story output_values: %w", err)
	}
	st.PendingVerify = pendingVerify != 0
	return &st, nil
}

func (s *Store) updateStoryStatusTx(ctx context.Context, tx *sql.Tx, storyID string, status models.StoryStatus) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE stories SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, storyID)
	return err
}

func (s *Store) completeStoryTx(ctx context.Context, tx *sql.Tx, storyID, output string, outputValues map[string]string, status models.StoryStatus, pendingVerify bool) error {
	outJSON, err := json.Marshal(outputValues)
	if err != nil {
		return fmt.Errorf("marshal output values: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE stories SET status = ?, output = ?, output_values = ?, pending_verify = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, output, string(outJSON), boolToInt(pendingVerify), storyID)
	return err
}

func (s *Store) bumpStoryRetryTx(ctx context.Context, tx *sql.Tx, storyID string, status models.StoryStatus) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE stories SET status = ?, retry_count = retry_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, storyID)
	return err
}

func (s *Store) bumpStoryAbandonedTx(ctx context.Context, tx *sql.Tx, storyID string, status models.StoryStatus) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE stories SET status = ?, abandoned_count = abandoned_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, storyID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
