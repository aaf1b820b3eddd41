package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fieldnotes-dev/setfarm/internal/models"
)

// RecordMedicCheck persists one watchdog pass's findings as an audit row,
// then prunes to the last 500 rows (spec §3).
func (s *Store) RecordMedicCheck(ctx context.Context, summary string, findings []models.MedicFinding) (*models.MedicCheck, error) {
	actionsTaken := 0
	for _, f := range findings {
		if f.Remediated {
			actionsTaken++
		}
	}
	findingsJSON, err := json.Marshal(findings)
	if err != nil {
		return nil, fmt.Errorf("marshal findings: %w", err)
	}

	check := &models.MedicCheck{
		IssuesFound:  len(findings),
		ActionsTaken: actionsTaken,
		Summary:      summary,
		Findings:     findings,
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO medic_checks (issues_found, actions_taken, summary, findings_json)
			VALUES (?, ?, ?, ?)
		`, check.IssuesFound, check.ActionsTaken, check.Summary, string(findingsJSON))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		check.ID = id
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record medic check: %w", err)
	}
	if err := s.pruneMedicChecks(ctx); err != nil {
		return nil, err
	}
	return check, nil
}

// ListMedicChecks returns the most recent medic audit rows, newest first,
// bounded by limit.
func (s *Store) ListMedicChecks(ctx context.Context, limit int) ([]*models.MedicCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, checked_at, issues_found, actions_taken, summary, findings_json
		FROM medic_checks ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list medic checks: %w", err)
	}
	defer rows.Close()

	var out []*models.MedicCheck
	for rows.Next() {
		var c models.MedicCheck
		var findingsJSON string
		if err := rows.Scan(&c.ID, &c.CheckedAt, &c.IssuesFound, &c.ActionsTaken, &c.Summary, &findingsJSON); err != nil {
			return nil, fmt.Errorf("scan medic check: %w", err)
		}
		if err := json.Unmarshal([]byte(findingsJSON), &c.Findings); err != nil {
			return nil, fmt.Errorf("unmarshal findings: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
