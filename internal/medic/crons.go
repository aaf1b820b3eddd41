package medic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fieldnotes-dev/setfarm/internal/crongateway"
	"github.com/fieldnotes-dev/setfarm/internal/engineerr"
	"github.com/fieldnotes-dev/setfarm/internal/models"
)

// checkCrons implements the orphaned_crons and stalled_crons rows of spec
// §4.6's table. The startup cron-restore duty is StartupRestore's, not
// this function's. A failed
// gateway call here is logged and skipped rather than aborting the whole
// watchdog pass (spec §7's propagation policy for UpstreamError).
func (m *Medic) checkCrons(ctx context.Context) ([]models.MedicFinding, error) {
	jobs, err := m.gateway.ListJobs(ctx)
	if err != nil {
		slog.Warn("medic: cron gateway unreachable, skipping cron checks", "err", err)
		return nil, nil
	}

	running, err := m.store.ListRuns(ctx, models.RunStatusRunning)
	if err != nil {
		return nil, engineerr.New(engineerr.Internal, err)
	}
	runningWorkflows := map[string][]*models.Run{}
	for _, run := range running {
		runningWorkflows[run.WorkflowID] = append(runningWorkflows[run.WorkflowID], run)
	}

	jobWorkflows := map[string]bool{}
	for _, job := range jobs {
		if wf := workflowFromJobName(job.Name); wf != "" {
			jobWorkflows[wf] = true
		}
	}

	var findings []models.MedicFinding

	for wf := range jobWorkflows {
		if _, ok := runningWorkflows[wf]; ok {
			continue
		}
		prefix := "setfarm/" + wf + "/"
		if err := m.gateway.DeleteJobsByPrefix(ctx, prefix); err != nil {
			slog.Warn("medic: failed to delete orphaned cron jobs", "workflow_id", wf, "err", err)
			continue
		}
		findings = append(findings, models.MedicFinding{
			Check:      "orphaned_crons",
			Severity:   models.SeverityWarning,
			Action:     models.ActionDeleteCronJobs,
			Remediated: true,
			Detail:     fmt.Sprintf("deleted jobs for workflow %s (0 running runs)", wf),
		})
	}

	for wf, runs := range runningWorkflows {
		f, ok, err := m.checkStalledCrons(ctx, wf, runs)
		if err != nil {
			return nil, err
		}
		if ok {
			findings = append(findings, f)
		}
	}

	return findings, nil
}

func (m *Medic) checkStalledCrons(ctx context.Context, workflowID string, runs []*models.Run) (models.MedicFinding, bool, error) {
	var totalPending int
	var latestClaim time.Time
	for _, run := range runs {
		n, err := m.store.PendingStoryCount(ctx, run.ID)
		if err != nil {
			return models.MedicFinding{}, false, engineerr.New(engineerr.Internal, err)
		}
		totalPending += n

		last, err := m.store.LastStepTransition(ctx, run.ID)
		if err != nil {
			return models.MedicFinding{}, false, engineerr.New(engineerr.Internal, err)
		}
		if last.After(latestClaim) {
			latestClaim = last
		}
	}
	if totalPending == 0 {
		return models.MedicFinding{}, false, nil
	}

	threshold := stalledCronsFactor * m.cronInterval(workflowID)
	if m.now().Sub(latestClaim) <= threshold {
		return models.MedicFinding{}, false, nil
	}

	representative := runs[0]
	if last, ok := representative.Meta["last_cron_fix_at"]; ok {
		if t, err := parseTime(last); err == nil && m.now().Sub(t) < stalledCronsCooldown {
			return models.MedicFinding{}, false, nil
		}
	}

	prefix := "setfarm/" + workflowID + "/"
	if err := m.gateway.DeleteJobsByPrefix(ctx, prefix); err != nil {
		slog.Warn("medic: failed to clear stalled cron jobs", "workflow_id", workflowID, "err", err)
		return models.MedicFinding{}, false, nil
	}
	spec, err := m.specs.Load(workflowID)
	if err != nil {
		slog.Warn("medic: spec no longer resolvable, cannot recreate stalled cron jobs", "workflow_id", workflowID, "err", err)
		return models.MedicFinding{}, false, nil
	}
	if err := crongateway.RecreateCronJobs(ctx, m.gateway, spec); err != nil {
		slog.Warn("medic: failed to recreate stalled cron jobs", "workflow_id", workflowID, "err", err)
		return models.MedicFinding{}, false, nil
	}
	if err := m.store.SetRunMeta(ctx, representative.ID, "last_cron_fix_at", m.now().Format(time.RFC3339)); err != nil {
		return models.MedicFinding{}, false, engineerr.New(engineerr.Internal, err)
	}

	return models.MedicFinding{
		Check:      "stalled_crons",
		RunID:      representative.ID,
		Severity:   models.SeverityWarning,
		Action:     models.ActionRecreateCrons,
		Remediated: true,
		Detail:     fmt.Sprintf("%d pending stories, no claim since %s", totalPending, latestClaim.Format(time.RFC3339)),
	}, true, nil
}

func workflowFromJobName(name string) string {
	parts := strings.Split(name, "/")
	if len(parts) < 2 || parts[0] != "setfarm" {
		return ""
	}
	return parts[1]
}
