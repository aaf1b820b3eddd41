package medic

import (
	"context"
	"fmt"

	"github.com/fieldnotes-dev/setfarm/internal/engineerr"
	"github.com/fieldnotes-dev/setfarm/internal/models"
)

// checkStuckSteps implements the stuck_step and claimed_but_stuck rows of
// spec §4.6's table: a running step whose run is still running, aged past
// one of two thresholds, gets reset to pending with abandoned_count
// bumped, or, past the abandon bound, fails the step and the run.
func (m *Medic) checkStuckSteps(ctx context.Context) ([]models.MedicFinding, error) {
	steps, err := m.store.StepsByStatus(ctx, models.StepStatusRunning)
	if err != nil {
		return nil, engineerr.New(engineerr.Internal, err)
	}

	var findings []models.MedicFinding
	now := m.now()
	for _, step := range steps {
		run, err := m.store.GetRun(ctx, step.RunID)
		if err != nil {
			continue // run deleted out from under us; nothing to reconcile
		}
		if run.Status != models.RunStatusRunning {
			continue
		}

		age := now.Sub(step.UpdatedAt)
		timeout := m.maxRoleTimeout(run.WorkflowID)

		var check string
		switch {
		case age > timeout+stuckStepGrace:
			check = "stuck_step"
		case age > claimedButStuckAge && age < timeout:
			check = "claimed_but_stuck"
		default:
			continue
		}

		finding, err := m.remediateStuckStep(ctx, step, check)
		if err != nil {
			return nil, err
		}
		findings = append(findings, finding)
	}
	return findings, nil
}

func (m *Medic) remediateStuckStep(ctx context.Context, step *models.Step, check string) (models.MedicFinding, error) {
	finding := models.MedicFinding{
		Check:  check,
		RunID:  step.RunID,
		StepID: step.ID,
	}

	if err := m.store.ResetStep(ctx, step.ID); err != nil {
		return finding, engineerr.New(engineerr.Internal, err)
	}
	updated, err := m.store.GetStep(ctx, step.ID)
	if err != nil {
		return finding, engineerr.New(engineerr.Internal, err)
	}

	if updated.AbandonedCount < abandonBound {
		finding.Severity = models.SeverityWarning
		finding.Action = models.ActionResetStep
		finding.Remediated = true
		finding.Detail = fmt.Sprintf("abandoned_count=%d", updated.AbandonedCount)
		return finding, nil
	}

	reason := fmt.Sprintf("step abandoned %d times (%s)", updated.AbandonedCount, check)
	if err := m.store.FailStepForAbandon(ctx, step.ID, reason); err != nil {
		return finding, engineerr.New(engineerr.Internal, err)
	}
	finding.Severity = models.SeverityCritical
	finding.Action = models.ActionFailRun
	finding.Remediated = true
	finding.Detail = reason
	return finding, nil
}
