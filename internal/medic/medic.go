// Package medic implements the watchdog pass from spec §4.6: a fixed
// battery of checks over every running run, each with a bounded
// auto-remediation policy, recorded as a MedicCheck audit row. Medic acts
// only through Store transactions and the Gateway interface, never
// directly on files.
package medic

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldnotes-dev/setfarm/internal/crongateway"
	"github.com/fieldnotes-dev/setfarm/internal/engineerr"
	"github.com/fieldnotes-dev/setfarm/internal/models"
	"github.com/fieldnotes-dev/setfarm/internal/specload"
	"github.com/fieldnotes-dev/setfarm/internal/stepengine"
	"github.com/fieldnotes-dev/setfarm/internal/store"
)

const (
	claimedButStuckAge  = 10 * time.Minute
	stuckStepGrace      = 5 * time.Minute
	orphanedStoryAge    = 30 * time.Minute
	abandonBound        = 5
	resumeBound         = 3
	resumeCooldown      = 10 * time.Minute
	stalledCronsFactor  = 3
	stalledCronsCooldown = 15 * time.Minute
)

type Medic struct {
	store   *store.Store
	specs   *specload.Loader
	engine  *stepengine.Engine
	gateway crongateway.Gateway
	now     func() time.Time
}

func New(st *store.Store, specs *specload.Loader, engine *stepengine.Engine, gw crongateway.Gateway) *Medic {
	return &Medic{store: st, specs: specs, engine: engine, gateway: gw, now: time.Now}
}

// Run performs one watchdog pass: every check in spec §4.6's table, in
// order, and persists the findings as one MedicCheck row.
func (m *Medic) Run(ctx context.Context) (*models.MedicCheck, error) {
	var findings []models.MedicFinding

	stepFindings, err := m.checkStuckSteps(ctx)
	if err != nil {
		return nil, err
	}
	findings = append(findings, stepFindings...)

	storyFindings, err := m.checkOrphanedStories(ctx)
	if err != nil {
		return nil, err
	}
	findings = append(findings, storyFindings...)

	runFindings, err := m.checkRuns(ctx)
	if err != nil {
		return nil, err
	}
	findings = append(findings, runFindings...)

	cronFindings, err := m.checkCrons(ctx)
	if err != nil {
		return nil, err
	}
	findings = append(findings, cronFindings...)

	for _, f := range findings {
		slog.Info("medic finding", "check", f.Check, "severity", f.Severity, "run_id", f.RunID, "step_id", f.StepID, "story_id", f.StoryID, "action", f.Action, "remediated", f.Remediated)
	}

	summary := fmt.Sprintf("%d issues found", len(findings))
	check, err := m.store.RecordMedicCheck(ctx, summary, findings)
	if err != nil {
		return nil, engineerr.New(engineerr.Internal, err)
	}
	return check, nil
}

// maxRoleTimeout resolves the timeout bound for the workflow behind a
// given run, falling back to the default if the spec can't be loaded
// (e.g. it was since removed) so a watchdog pass never hard-fails on one
// bad run.
func (m *Medic) maxRoleTimeout(workflowID string) time.Duration {
	spec, err := m.specs.Load(workflowID)
	if err != nil {
		return models.DefaultMaxRoleTimeout
	}
	return spec.Settings.MaxRoleTimeout()
}

func (m *Medic) cronInterval(workflowID string) time.Duration {
	spec, err := m.specs.Load(workflowID)
	if err != nil {
		return models.DefaultCronInterval
	}
	return spec.Settings.CronInterval()
}

// StartupRestore recreates cron jobs for any run still running that has
// no jobs registered for its workflow: a crash-recovery step for the
// external scheduler (spec §4.6's closing note). Idempotent: a workflow
// that already has jobs is left untouched.
func (m *Medic) StartupRestore(ctx context.Context) error {
	jobs, err := m.gateway.ListJobs(ctx)
	if err != nil {
		return engineerr.New(engineerr.UpstreamError, err)
	}
	present := map[string]bool{}
	for _, job := range jobs {
		if wf := workflowFromJobName(job.Name); wf != "" {
			present[wf] = true
		}
	}

	running, err := m.store.ListRuns(ctx, models.RunStatusRunning)
	if err != nil {
		return engineerr.New(engineerr.Internal, err)
	}
	seen := map[string]bool{}
	for _, run := range running {
		if present[run.WorkflowID] || seen[run.WorkflowID] {
			continue
		}
		seen[run.WorkflowID] = true

		spec, err := m.specs.Load(run.WorkflowID)
		if err != nil {
			continue // spec no longer resolvable; nothing safe to recreate
		}
		if err := crongateway.RecreateCronJobs(ctx, m.gateway, spec); err != nil {
			return engineerr.New(engineerr.UpstreamError, err)
		}
	}
	return nil
}
