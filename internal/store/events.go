package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fieldnotes-dev/setfarm/internal/models"
)

// insertEventTx appends one event row. The engine never reads events back
// (spec §3: "write-only from the engine's perspective"); ListEvents is not
// called by the engine, only by tests.
func (s *Store) insertEventTx(ctx context.Context, tx *sql.Tx, runID, stepID, kind, detail string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (event_kind, run_id, step_id, detail) VALUES (?, ?, ?, ?)
	`, kind, runID, stepID, detail)
	return err
}

// ListEvents returns every event for a run in chronological order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, event_kind, run_id, step_id, detail
		FROM events WHERE run_id = ? ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.Ts, &e.EventKind, &e.RunID, &e.StepID, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
