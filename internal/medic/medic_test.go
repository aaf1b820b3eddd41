package medic

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldnotes-dev/setfarm/internal/crongateway"
	"github.com/fieldnotes-dev/setfarm/internal/loopengine"
	"github.com/fieldnotes-dev/setfarm/internal/models"
	"github.com/fieldnotes-dev/setfarm/internal/specload"
	"github.com/fieldnotes-dev/setfarm/internal/stepengine"
	"github.com/fieldnotes-dev/setfarm/internal/store"
)

type harness struct {
	store   *store.Store
	specs   *specload.Loader
	engine  *stepengine.Engine
	gateway *crongateway.FakeGateway
	medic   *Medic
	dataDir string
	clock   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dataDir := t.TempDir()
	st, err := store.Open(filepath.Join(dataDir, "setfarm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	specDir := filepath.Join(dataDir, "specs")
	require.NoError(t, os.MkdirAll(specDir, 0o755))
	specs := specload.NewLoader(specDir)

	gw := crongateway.NewFakeGateway()
	loops := loopengine.New(st)
	engine := stepengine.New(st, specs, loops, gw, dataDir)
	m := New(st, specs, engine, gw)

	h := &harness{store: st, specs: specs, engine: engine, gateway: gw, medic: m, dataDir: dataDir, clock: time.Now()}
	m.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) writeSpec(t *testing.T, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(h.dataDir, "specs", name), []byte(body), 0o644))
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

// S5: medic resets a stuck step.
func TestScenarioS5MedicResetsStuckStep(t *testing.T) {
	h := newHarness(t)
	h.writeSpec(t, "x.yaml", `
id: x
steps:
  - id: plan
    agent: p
    outputs: [SUMMARY]
`)
	ctx := context.Background()
	run, err := h.engine.CreateRun(ctx, "x", "task")
	require.NoError(t, err)

	claimed, err := h.store.ClaimNextForRole(ctx, "p")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	h.advance(models.DefaultMaxRoleTimeout + stuckStepGrace + time.Minute)

	check, err := h.medic.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, check.IssuesFound)
	require.Equal(t, 1, check.ActionsTaken)

	step, err := h.store.GetStep(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, models.StepStatusPending, step.Status)
	require.Equal(t, 1, step.AbandonedCount)

	loadedRun, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusRunning, loadedRun.Status)
}

func TestStuckStepFailsAfterFiveAbandons(t *testing.T) {
	h := newHarness(t)
	h.writeSpec(t, "x.yaml", `
id: x
steps:
  - id: plan
    agent: p
    outputs: [SUMMARY]
`)
	ctx := context.Background()
	run, err := h.engine.CreateRun(ctx, "x", "task")
	require.NoError(t, err)

	var stepID string
	for i := 0; i < abandonBound; i++ {
		claimed, err := h.store.ClaimNextForRole(ctx, "p")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		stepID = claimed.ID

		h.advance(models.DefaultMaxRoleTimeout + stuckStepGrace + time.Minute)
		_, err = h.medic.Run(ctx)
		require.NoError(t, err)
	}

	step, err := h.store.GetStep(ctx, stepID)
	require.NoError(t, err)
	require.Equal(t, models.StepStatusFailed, step.Status)
	require.Equal(t, abandonBound, step.AbandonedCount)

	loadedRun, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusFailed, loadedRun.Status)
}

// S6: orphaned story skipped after five abandons, loop progresses.
func TestScenarioS6OrphanedStorySkippedAfterFiveAbandons(t *testing.T) {
	h := newHarness(t)
	h.writeSpec(t, "x.yaml", `
id: x
steps:
  - id: plan
    agent: p
    outputs: [STORIES_JSON]
  - id: dev
    agent: developer
    type: loop
    loop:
      source_step: plan
      workers: 1
`)
	ctx := context.Background()
	run, err := h.engine.CreateRun(ctx, "x", "task")
	require.NoError(t, err)

	planStep, err := h.store.ClaimNextForRole(ctx, "p")
	require.NoError(t, err)
	raw := `STORIES_JSON: [{"story_id":"a","title":"A","input":"do A"}]`
	next, runDone, err := h.store.CompleteStep(ctx, planStep.ID, raw, map[string]string{"STORIES_JSON": `[{"story_id":"a","title":"A","input":"do A"}]`})
	require.NoError(t, err)
	require.NoError(t, h.engine.AdvanceAfterStepComplete(ctx, run.ID, next, runDone))

	var storyID string
	for i := 0; i < abandonBound; i++ {
		story, err := h.store.ClaimNextStory(ctx, "developer")
		require.NoError(t, err)
		require.NotNil(t, story)
		storyID = story.ID

		h.advance(orphanedStoryAge + time.Minute)
		_, err = h.medic.Run(ctx)
		require.NoError(t, err)
	}

	story, err := h.store.GetStory(ctx, storyID)
	require.NoError(t, err)
	require.Equal(t, models.StoryStatusSkipped, story.Status)
	require.Equal(t, abandonBound, story.AbandonedCount)

	loopStep, err := h.store.GetStep(ctx, next.ID)
	require.NoError(t, err)
	require.Equal(t, models.StepStatusDone, loopStep.Status, "loop should finish once its only story is skipped")

	loadedRun, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusDone, loadedRun.Status)
}

func TestDeadRunMarkedFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, err := h.store.CreateRun(ctx, "x", "task")
	require.NoError(t, err)
	// A run with zero steps has nothing non-terminal: medic should flag it.
	check, err := h.medic.Run(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, check.IssuesFound, 1)

	loaded, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusFailed, loaded.Status)
}

func TestResumeRunRespectsBoundAndCooldown(t *testing.T) {
	h := newHarness(t)
	h.writeSpec(t, "x.yaml", `
id: x
steps:
  - id: plan
    agent: p
    outputs: [STORIES_JSON]
  - id: dev
    agent: developer
    type: loop
    loop:
      source_step: plan
      workers: 1
    retry_budget: 1
`)
	ctx := context.Background()
	run, err := h.engine.CreateRun(ctx, "x", "task")
	require.NoError(t, err)

	planStep, err := h.store.ClaimNextForRole(ctx, "p")
	require.NoError(t, err)
	raw := `[{"story_id":"a","title":"A","input":"do A"}]`
	next, runDone, err := h.store.CompleteStep(ctx, planStep.ID, "STORIES_JSON: "+raw, map[string]string{"STORIES_JSON": raw})
	require.NoError(t, err)
	require.NoError(t, h.engine.AdvanceAfterStepComplete(ctx, run.ID, next, runDone))

	// Fail the loop step itself directly via Store, simulating exhausted
	// retries at the step level (e.g. a bad STORIES_JSON on a retried plan),
	// leaving one pending story behind so failed_run_resumable fires.
	_, _, err = h.store.FailStep(ctx, next.ID, "forced failure", 1, true)
	require.NoError(t, err)

	loadedRun, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusFailed, loadedRun.Status)

	// First resume succeeds and clears retry_count.
	firstFinding, applied, err := h.medic.checkFailedRunResumable(ctx, loadedRun)
	require.NoError(t, err)
	require.True(t, applied)
	require.True(t, firstFinding.Remediated)
	afterFirst, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, 1, afterFirst.ResumeCount())
	require.Equal(t, models.RunStatusRunning, afterFirst.Status)

	// A second call within the cooldown window, even after re-failing the
	// run, must not resume again.
	_, _, err = h.store.FailStep(ctx, next.ID, "forced failure again", 1, true)
	require.NoError(t, err)
	stillFailed, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	_, appliedAgain, err := h.medic.checkFailedRunResumable(ctx, stillFailed)
	require.NoError(t, err)
	require.False(t, appliedAgain, "cooldown should block an immediate second resume")

	// Past the cooldown, and still under the resume bound, resuming again
	// is allowed.
	h.advance(resumeCooldown + time.Minute)
	stillFailed2, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	thirdFinding, appliedThird, err := h.medic.checkFailedRunResumable(ctx, stillFailed2)
	require.NoError(t, err)
	require.True(t, appliedThird)
	require.True(t, thirdFinding.Remediated)
	afterThird, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, 2, afterThird.ResumeCount())
}

func TestResumeRunStopsAtBound(t *testing.T) {
	h := newHarness(t)
	h.writeSpec(t, "x.yaml", `
id: x
steps:
  - id: plan
    agent: p
    outputs: [STORIES_JSON]
  - id: dev
    agent: developer
    type: loop
    loop:
      source_step: plan
      workers: 1
    retry_budget: 1
`)
	ctx := context.Background()
	run, err := h.engine.CreateRun(ctx, "x", "task")
	require.NoError(t, err)

	planStep, err := h.store.ClaimNextForRole(ctx, "p")
	require.NoError(t, err)
	raw := `[{"story_id":"a","title":"A","input":"do A"}]`
	next, runDone, err := h.store.CompleteStep(ctx, planStep.ID, "STORIES_JSON: "+raw, map[string]string{"STORIES_JSON": raw})
	require.NoError(t, err)
	require.NoError(t, h.engine.AdvanceAfterStepComplete(ctx, run.ID, next, runDone))

	_, _, err = h.store.FailStep(ctx, next.ID, "forced failure", 1, true)
	require.NoError(t, err)
	require.NoError(t, h.store.SetRunMeta(ctx, run.ID, "resume_count", "3"))

	loaded, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, resumeBound, loaded.ResumeCount())
	require.Equal(t, models.RunStatusFailed, loaded.Status)

	finding, applied, err := h.medic.checkFailedRunResumable(ctx, loaded)
	require.NoError(t, err)
	require.True(t, applied, "the check still fires to report the bound, even though it won't act")
	require.False(t, finding.Remediated, "a run at the resume bound must never resume again")

	unchanged, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, resumeBound, unchanged.ResumeCount())
	require.Equal(t, models.RunStatusFailed, unchanged.Status)
}

func TestOrphanedCronsDeletedWhenNoRunsLeft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.gateway.CreateJob(ctx, crongateway.Job{Name: "setfarm/ghost/planner"})
	require.NoError(t, err)

	check, err := h.medic.Run(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, check.ActionsTaken, 1)

	jobs, err := h.gateway.ListJobs(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestStartupRestoreRecreatesJobsForRunningWorkflows(t *testing.T) {
	h := newHarness(t)
	h.writeSpec(t, "x.yaml", `
id: x
steps:
  - id: plan
    agent: p
    outputs: [SUMMARY]
`)
	ctx := context.Background()
	run, err := h.store.CreateRun(ctx, "x", "task")
	require.NoError(t, err)
	spec, err := h.specs.Load("x")
	require.NoError(t, err)
	_, err = h.store.SeedRun(ctx, run.ID, spec)
	require.NoError(t, err)

	require.NoError(t, h.medic.StartupRestore(ctx))

	jobs, err := h.gateway.ListJobs(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, jobs)
}
