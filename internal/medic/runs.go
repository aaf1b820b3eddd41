package medic

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldnotes-dev/setfarm/internal/engineerr"
	"github.com/fieldnotes-dev/setfarm/internal/models"
)

// checkRuns implements the dead_run, stalled_run and failed_run_resumable
// rows of spec §4.6's table.
func (m *Medic) checkRuns(ctx context.Context) ([]models.MedicFinding, error) {
	var findings []models.MedicFinding

	running, err := m.store.ListRuns(ctx, models.RunStatusRunning)
	if err != nil {
		return nil, engineerr.New(engineerr.Internal, err)
	}
	for _, run := range running {
		if f, ok, err := m.checkDeadRun(ctx, run); err != nil {
			return nil, err
		} else if ok {
			findings = append(findings, f)
			continue // dead_run already failed it; skip stalled_run for this pass
		}
		if f, ok, err := m.checkStalledRun(ctx, run); err != nil {
			return nil, err
		} else if ok {
			findings = append(findings, f)
		}
	}

	failed, err := m.store.ListRuns(ctx, models.RunStatusFailed)
	if err != nil {
		return nil, engineerr.New(engineerr.Internal, err)
	}
	for _, run := range failed {
		f, ok, err := m.checkFailedRunResumable(ctx, run)
		if err != nil {
			return nil, err
		}
		if ok {
			findings = append(findings, f)
		}
	}

	return findings, nil
}

func (m *Medic) checkDeadRun(ctx context.Context, run *models.Run) (models.MedicFinding, bool, error) {
	n, err := m.store.NonTerminalStepCount(ctx, run.ID)
	if err != nil {
		return models.MedicFinding{}, false, engineerr.New(engineerr.Internal, err)
	}
	if n > 0 {
		return models.MedicFinding{}, false, nil
	}

	reason := "run running with no steps left in waiting/pending/running"
	if err := m.store.MarkRunFailed(ctx, run.ID, reason); err != nil {
		return models.MedicFinding{}, false, engineerr.New(engineerr.Internal, err)
	}
	return models.MedicFinding{
		Check:      "dead_run",
		RunID:      run.ID,
		Severity:   models.SeverityCritical,
		Action:     models.ActionFailRun,
		Remediated: true,
		Detail:     reason,
	}, true, nil
}

func (m *Medic) checkStalledRun(ctx context.Context, run *models.Run) (models.MedicFinding, bool, error) {
	last, err := m.store.LastStepTransition(ctx, run.ID)
	if err != nil {
		return models.MedicFinding{}, false, engineerr.New(engineerr.Internal, err)
	}
	timeout := m.maxRoleTimeout(run.WorkflowID)
	if m.now().Sub(last) <= 2*timeout {
		return models.MedicFinding{}, false, nil
	}
	return models.MedicFinding{
		Check:      "stalled_run",
		RunID:      run.ID,
		Severity:   models.SeverityWarning,
		Action:     models.ActionNone,
		Remediated: false,
		Detail:     fmt.Sprintf("no step transition since %s", last.Format(time.RFC3339)),
	}, true, nil
}

func (m *Medic) checkFailedRunResumable(ctx context.Context, run *models.Run) (models.MedicFinding, bool, error) {
	pending, err := m.store.PendingStoryCount(ctx, run.ID)
	if err != nil {
		return models.MedicFinding{}, false, engineerr.New(engineerr.Internal, err)
	}
	if pending == 0 {
		return models.MedicFinding{}, false, nil
	}

	if run.ResumeCount() >= resumeBound {
		return models.MedicFinding{
			Check:      "failed_run_resumable",
			RunID:      run.ID,
			Severity:   models.SeverityWarning,
			Action:     models.ActionNone,
			Remediated: false,
			Detail:     fmt.Sprintf("resume bound reached (%d)", run.ResumeCount()),
		}, true, nil
	}
	if last, ok := run.Meta["last_resume_at"]; ok {
		if t, err := parseTime(last); err == nil && m.now().Sub(t) < resumeCooldown {
			return models.MedicFinding{}, false, nil
		}
	}

	failedStep, err := m.store.FailedStepForRun(ctx, run.ID)
	if err != nil {
		return models.MedicFinding{}, false, nil // no failed step to resume from; nothing to do
	}

	if err := m.store.ResumeRun(ctx, run.ID, failedStep.ID); err != nil {
		return models.MedicFinding{}, false, engineerr.New(engineerr.Internal, err)
	}
	if err := m.store.SetRunMeta(ctx, run.ID, "last_resume_at", m.now().Format(time.RFC3339)); err != nil {
		return models.MedicFinding{}, false, engineerr.New(engineerr.Internal, err)
	}

	return models.MedicFinding{
		Check:      "failed_run_resumable",
		RunID:      run.ID,
		StepID:     failedStep.ID,
		Severity:   models.SeverityInfo,
		Action:     models.ActionResumeRun,
		Remediated: true,
		Detail:     fmt.Sprintf("resumed (resume_count now %d)", run.ResumeCount()+1),
	}, true, nil
}
