package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fieldnotes-dev/setfarm/internal/models"
)

// archiveDoc is the shape of <data-dir>/runs/<run-id>.json. Nothing in the
// engine reads it back (spec §6): it exists purely for human inspection.
type archiveDoc struct {
	Run     *models.Run      `json:"run"`
	Steps   []*models.Step   `json:"steps"`
	Stories []*models.Story  `json:"stories,omitempty"`
}

// ArchiveRun writes a snapshot of a finished run to disk. Called by the
// Step Engine when a run reaches done; runs that end failed are not
// archived.
func ArchiveRun(dataDir string, run *models.Run, steps []*models.Step, stories []*models.Story) error {
	runsDir := filepath.Join(dataDir, "runs")
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return fmt.Errorf("create runs dir: %w", err)
	}

	doc := archiveDoc{Run: run, Steps: steps, Stories: stories}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal archive: %w", err)
	}

	path := filepath.Join(runsDir, run.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write archive %s: %w", path, err)
	}
	return nil
}
