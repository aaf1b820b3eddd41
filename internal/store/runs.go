package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fieldnotes-dev/setfarm/internal/models"
)

// CreateRun inserts a new run in the running state and returns it.
func (s *Store) CreateRun(ctx context.Context, workflowID, task string) (*models.Run, error) {
	run := &models.Run{
		ID:         newID("run"),
		WorkflowID: workflowID,
		Task:       task,
		Status:     models.RunStatusRunning,
		Meta:       map[string]string{},
	}
	metaJSON, err := json.Marshal(run.Meta)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, workflow_id, task, status, meta)
			VALUES (?, ?, ?, ?, ?)
		`, run.ID, run.WorkflowID, run.Task, run.Status, string(metaJSON))
		if err != nil {
			return err
		}
		return s.insertEventTx(ctx, tx, run.ID, "", models.EventRunCreated, task)
	})
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return s.GetRun(ctx, run.ID)
}

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, task, status, created_at, updated_at, meta
		FROM runs WHERE id = ?
	`, id)
	return scanRun(row)
}

// ListRuns returns runs, optionally filtered by status, newest first.
func (s *Store) ListRuns(ctx context.Context, status models.RunStatus) ([]*models.Run, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, workflow_id, task, status, created_at, updated_at, meta
			FROM runs ORDER BY created_at DESC
		`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, workflow_id, task, status, created_at, updated_at, meta
			FROM runs WHERE status = ? ORDER BY created_at DESC
		`, status)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var r models.Run
	var metaJSON string
	if err := row.Scan(&r.ID, &r.WorkflowID, &r.Task, &r.Status, &r.CreatedAt, &r.UpdatedAt, &metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &r.Meta); err != nil {
		return nil, fmt.Errorf("unmarshal run meta: %w", err)
	}
	return &r, nil
}

func (s *Store) setRunStatusTx(ctx context.Context, tx *sql.Tx, runID string, status models.RunStatus) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, runID)
	return err
}

// SetRunMeta merges one key into a run's meta map, atomically.
func (s *Store) SetRunMeta(ctx context.Context, runID, key, value string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT meta FROM runs WHERE id = ?`, runID)
		var metaJSON string
		if err := row.Scan(&metaJSON); err != nil {
			return err
		}
		meta := map[string]string{}
		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
				return fmt.Errorf("unmarshal meta: %w", err)
			}
		}
		meta[key] = value
		return s.setRunMetaTx(ctx, tx, runID, meta)
	})
	if err != nil {
		return fmt.Errorf("set run meta: %w", err)
	}
	return nil
}

func (s *Store) setRunMetaTx(ctx context.Context, tx *sql.Tx, runID string, meta map[string]string) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET meta = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, string(metaJSON), runID)
	return err
}
