package crongateway

import (
	"context"
	"time"

	"github.com/fieldnotes-dev/setfarm/internal/models"
)

// RecreateCronJobs creates the jobs for spec: one per single step, one per
// worker (Workers of them) for every loop step, plus one for a loop step's
// verifier role if declared; a loop step's worker jobs are staggered by
// CronAnchor per spec §4.4's "avoid
// thundering herds". Used both by run creation and by Medic's startup
// restore and stalled_crons remediation.
func RecreateCronJobs(ctx context.Context, gw Gateway, spec *models.WorkflowSpec) error {
	interval := spec.Settings.CronInterval()
	anchor := spec.Settings.CronAnchor()

	for _, step := range spec.Steps {
		if step.Type != models.StepTypeLoop {
			if err := createRoleJob(ctx, gw, spec.WorkflowID, step.AgentID, 1, interval, anchor); err != nil {
				return err
			}
			continue
		}
		workers := step.Loop.WorkersOrDefault()
		for n := 1; n <= workers; n++ {
			if err := createRoleJob(ctx, gw, spec.WorkflowID, step.AgentID, n, interval, anchor); err != nil {
				return err
			}
		}
		if step.Loop.VerifyStep != "" {
			if verifyStep, ok := spec.StepByID(step.Loop.VerifyStep); ok {
				if err := createRoleJob(ctx, gw, spec.WorkflowID, verifyStep.AgentID, 1, interval, anchor); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func createRoleJob(ctx context.Context, gw Gateway, workflowID, role string, shard int, interval, anchor time.Duration) error {
	_, err := gw.CreateJob(ctx, Job{
		Name:       JobName(workflowID, role, shard),
		IntervalMS: interval.Milliseconds(),
		AnchorMS:   anchor.Milliseconds() * int64(shard-1),
		AgentID:    role,
		Enabled:    true,
	})
	return err
}
