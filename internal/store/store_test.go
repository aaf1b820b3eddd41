package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldnotes-dev/setfarm/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "setfarm.db")
	st, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func singleStepSpec(workflowID string) *models.WorkflowSpec {
	return &models.WorkflowSpec{
		WorkflowID: workflowID,
		Steps: []models.StepSpec{
			{StepID: "plan", AgentID: "planner", Type: models.StepTypeSingle, RequiredOutputs: []string{"SUMMARY"}},
		},
	}
}

func twoStepSpec(workflowID string) *models.WorkflowSpec {
	return &models.WorkflowSpec{
		WorkflowID: workflowID,
		Steps: []models.StepSpec{
			{StepID: "plan", AgentID: "planner", Type: models.StepTypeSingle, RequiredOutputs: []string{"SUMMARY"}},
			{StepID: "dev", AgentID: "developer", Type: models.StepTypeSingle, RequiredOutputs: []string{"CODE"}},
		},
	}
}

func TestOpenRunsMigrationsIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "setfarm.db")
	st, err := Open(path)
	require.NoError(t, err)
	st.Close()

	st2, err := Open(path)
	require.NoError(t, err)
	defer st2.Close()
}

func TestSeedRunSeedsStepsAndMakesFirstPending(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "wf", "do it")
	require.NoError(t, err)

	steps, err := st.SeedRun(ctx, run.ID, twoStepSpec("wf"))
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, models.StepStatusPending, steps[0].Status)

	loaded, err := st.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, models.StepStatusPending, loaded[0].Status)
	require.Equal(t, models.StepStatusWaiting, loaded[1].Status)
}

func TestSeedRunRejectsEmptySpec(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "wf", "do it")
	require.NoError(t, err)

	_, err = st.SeedRun(ctx, run.ID, &models.WorkflowSpec{WorkflowID: "wf"})
	require.Error(t, err)
}

func TestClaimNextForRoleIsFIFOAcrossRuns(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run1, err := st.CreateRun(ctx, "wf", "first")
	require.NoError(t, err)
	_, err = st.SeedRun(ctx, run1.ID, singleStepSpec("wf"))
	require.NoError(t, err)

	run2, err := st.CreateRun(ctx, "wf", "second")
	require.NoError(t, err)
	_, err = st.SeedRun(ctx, run2.ID, singleStepSpec("wf"))
	require.NoError(t, err)

	claimed, err := st.ClaimNextForRole(ctx, "planner")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, run1.ID, claimed.RunID)
	require.Equal(t, models.StepStatusRunning, claimed.Status)
}

func TestClaimNextForRoleReturnsNilWhenNothingEligible(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	claimed, err := st.ClaimNextForRole(ctx, "nobody")
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestClaimNextForRoleDisjointUnderConcurrency(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "wf", "task")
	require.NoError(t, err)
	spec := &models.WorkflowSpec{
		WorkflowID: "wf",
		Steps: []models.StepSpec{
			{StepID: "plan", AgentID: "planner", Type: models.StepTypeSingle, RequiredOutputs: []string{"SUMMARY"}},
		},
	}
	_, err = st.SeedRun(ctx, run.ID, spec)
	require.NoError(t, err)

	// Only one pending step exists; two concurrent claims must not both
	// succeed (Testable Property 1: at-most-one claim).
	results := make(chan *models.Step, 2)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			step, err := st.ClaimNextForRole(ctx, "planner")
			results <- step
			errs <- err
		}()
	}
	var claimedCount int
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
		if s := <-results; s != nil {
			claimedCount++
		}
	}
	require.Equal(t, 1, claimedCount)
}

func TestHasUnclaimedWorkPeekIsReadOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	has, err := st.HasUnclaimedWork(ctx, "planner")
	require.NoError(t, err)
	require.False(t, has)

	run, err := st.CreateRun(ctx, "wf", "task")
	require.NoError(t, err)
	_, err = st.SeedRun(ctx, run.ID, singleStepSpec("wf"))
	require.NoError(t, err)

	has, err = st.HasUnclaimedWork(ctx, "planner")
	require.NoError(t, err)
	require.True(t, has)

	// Peek must not have claimed anything.
	step, err := st.StepAtIndex(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Equal(t, models.StepStatusPending, step.Status)
}

func TestCompleteStepAdvancesCursorAndFinishesRun(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "wf", "task")
	require.NoError(t, err)
	steps, err := st.SeedRun(ctx, run.ID, twoStepSpec("wf"))
	require.NoError(t, err)

	next, runDone, err := st.CompleteStep(ctx, steps[0].ID, "SUMMARY: ok", map[string]string{"SUMMARY": "ok"})
	require.NoError(t, err)
	require.False(t, runDone)
	require.NotNil(t, next)
	require.Equal(t, "dev", next.StepID)
	require.Equal(t, models.StepStatusPending, next.Status)

	_, runDone, err = st.CompleteStep(ctx, next.ID, "CODE: done", map[string]string{"CODE": "done"})
	require.NoError(t, err)
	require.True(t, runDone)

	loadedRun, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusDone, loadedRun.Status)
}

func TestFailStepBelowBudgetReturnsToPending(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "wf", "task")
	require.NoError(t, err)
	steps, err := st.SeedRun(ctx, run.ID, singleStepSpec("wf"))
	require.NoError(t, err)

	failed, runFailed, err := st.FailStep(ctx, steps[0].ID, "oops", 3, true)
	require.NoError(t, err)
	require.False(t, failed)
	require.False(t, runFailed)

	loaded, err := st.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.StepStatusPending, loaded.Status)
	require.Equal(t, 1, loaded.RetryCount)
}

func TestFailStepExhaustsBudgetAndFailsRun(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "wf", "task")
	require.NoError(t, err)
	steps, err := st.SeedRun(ctx, run.ID, singleStepSpec("wf"))
	require.NoError(t, err)

	budget := 3
	for i := 0; i < budget-1; i++ {
		failed, runFailed, err := st.FailStep(ctx, steps[0].ID, "oops", budget, true)
		require.NoError(t, err)
		require.False(t, failed)
		require.False(t, runFailed)
	}
	failed, runFailed, err := st.FailStep(ctx, steps[0].ID, "oops", budget, true)
	require.NoError(t, err)
	require.True(t, failed)
	require.True(t, runFailed)

	loaded, err := st.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.StepStatusFailed, loaded.Status)
	require.Equal(t, budget, loaded.RetryCount)

	loadedRun, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusFailed, loadedRun.Status)
}

func TestMaterializeStoriesPreservesOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "wf", "task")
	require.NoError(t, err)
	spec := &models.WorkflowSpec{
		WorkflowID: "wf",
		Steps: []models.StepSpec{
			{StepID: "plan", AgentID: "planner", Type: models.StepTypeSingle, RequiredOutputs: []string{"STORIES_JSON"}},
			{StepID: "dev", AgentID: "developer", Type: models.StepTypeLoop, Loop: &models.LoopSpec{SourceStep: "plan", Workers: 2}},
		},
	}
	steps, err := st.SeedRun(ctx, run.ID, spec)
	require.NoError(t, err)

	records := []models.StoryRecord{
		{StoryID: "a", Title: "A", Input: "do A"},
		{StoryID: "b", Title: "B", Input: "do B"},
		{StoryID: "c", Title: "C", Input: "do C"},
	}
	require.NoError(t, st.MaterializeStories(ctx, run.ID, steps[1].ID, records))

	stories, err := st.ListStories(ctx, steps[1].ID)
	require.NoError(t, err)
	require.Len(t, stories, len(records))
	for i, rec := range records {
		require.Equal(t, rec.StoryID, stories[i].StoryID)
		require.Equal(t, i, stories[i].StoryIndex)
		require.Equal(t, models.StoryStatusPending, stories[i].Status)
	}
}

func TestClaimNextStoryDisjointAcrossTwoWorkers(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "wf", "task")
	require.NoError(t, err)
	spec := &models.WorkflowSpec{
		WorkflowID: "wf",
		Steps: []models.StepSpec{
			{StepID: "plan", AgentID: "planner", Type: models.StepTypeSingle, RequiredOutputs: []string{"STORIES_JSON"}},
			{StepID: "dev", AgentID: "developer", Type: models.StepTypeLoop, Loop: &models.LoopSpec{SourceStep: "plan", Workers: 2}},
		},
	}
	steps, err := st.SeedRun(ctx, run.ID, spec)
	require.NoError(t, err)
	require.NoError(t, st.MaterializeStories(ctx, run.ID, steps[1].ID, []models.StoryRecord{
		{StoryID: "a", Title: "A", Input: "do A"},
		{StoryID: "b", Title: "B", Input: "do B"},
	}))

	first, err := st.ClaimNextStory(ctx, "developer")
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := st.ClaimNextStory(ctx, "developer")
	require.NoError(t, err)
	require.NotNil(t, second)

	require.NotEqual(t, first.ID, second.ID)
	require.ElementsMatch(t, []string{"a", "b"}, []string{first.StoryID, second.StoryID})

	third, err := st.ClaimNextStory(ctx, "developer")
	require.NoError(t, err)
	require.Nil(t, third)
}

func TestResetStepBumpsAbandonedNotRetry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "wf", "task")
	require.NoError(t, err)
	steps, err := st.SeedRun(ctx, run.ID, singleStepSpec("wf"))
	require.NoError(t, err)

	claimed, err := st.ClaimNextForRole(ctx, "planner")
	require.NoError(t, err)
	require.Equal(t, steps[0].ID, claimed.ID)

	require.NoError(t, st.ResetStep(ctx, claimed.ID))

	loaded, err := st.GetStep(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, models.StepStatusPending, loaded.Status)
	require.Equal(t, 1, loaded.AbandonedCount)
	require.Equal(t, 0, loaded.RetryCount)
}

func TestResumeRunClearsRetryCountAndBumpsResumeCount(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "wf", "task")
	require.NoError(t, err)
	steps, err := st.SeedRun(ctx, run.ID, singleStepSpec("wf"))
	require.NoError(t, err)

	_, _, err = st.FailStep(ctx, steps[0].ID, "bad", 1, true)
	require.NoError(t, err)

	failedStep, err := st.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.StepStatusFailed, failedStep.Status)

	require.NoError(t, st.ResumeRun(ctx, run.ID, steps[0].ID))

	resumedStep, err := st.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.StepStatusPending, resumedStep.Status)
	require.Equal(t, 0, resumedStep.RetryCount)

	resumedRun, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusRunning, resumedRun.Status)
	require.Equal(t, 1, resumedRun.ResumeCount())
}

func TestRecordMedicCheckPrunesToLast500(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 505; i++ {
		_, err := st.RecordMedicCheck(ctx, "pass", nil)
		require.NoError(t, err)
	}

	checks, err := st.ListMedicChecks(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, checks, 500)
}

func TestClaimNextStoryRoutesPendingVerifyToVerifierRole(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "wf", "task")
	require.NoError(t, err)
	spec := &models.WorkflowSpec{
		WorkflowID: "wf",
		Steps: []models.StepSpec{
			{StepID: "plan", AgentID: "planner", Type: models.StepTypeSingle, RequiredOutputs: []string{"STORIES_JSON"}},
			{StepID: "dev", AgentID: "developer", Type: models.StepTypeLoop, Loop: &models.LoopSpec{SourceStep: "plan", VerifyEach: true, VerifyStep: "verify"}},
			{StepID: "verify", AgentID: "reviewer", Type: models.StepTypeSingle, RequiredOutputs: []string{"NOTE"}},
		},
	}
	steps, err := st.SeedRun(ctx, run.ID, spec)
	require.NoError(t, err)
	require.NoError(t, st.MaterializeStories(ctx, run.ID, steps[1].ID, []models.StoryRecord{{StoryID: "a", Title: "A", Input: "do A"}}))

	story, err := st.ClaimNextStory(ctx, "developer")
	require.NoError(t, err)
	require.NotNil(t, story)

	updated, err := st.CompleteStory(ctx, story.ID, "CODE: x", map[string]string{"CODE": "x"}, true)
	require.NoError(t, err)
	require.True(t, updated.PendingVerify)

	// The worker role must never re-claim its own pending-verify story.
	again, err := st.ClaimNextStory(ctx, "developer")
	require.NoError(t, err)
	require.Nil(t, again)

	// The verifier role named by loop_verify_step claims it instead.
	claimed, err := st.ClaimNextStory(ctx, "reviewer")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, story.ID, claimed.ID)
	require.Equal(t, models.StoryStatusRunning, claimed.Status)
}

func TestCompleteStoryVerifyEachParksBackToPending(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "wf", "task")
	require.NoError(t, err)
	spec := &models.WorkflowSpec{
		WorkflowID: "wf",
		Steps: []models.StepSpec{
			{StepID: "plan", AgentID: "planner", Type: models.StepTypeSingle, RequiredOutputs: []string{"STORIES_JSON"}},
			{StepID: "dev", AgentID: "developer", Type: models.StepTypeLoop, Loop: &models.LoopSpec{SourceStep: "plan", VerifyEach: true, VerifyStep: "verify"}},
		},
	}
	steps, err := st.SeedRun(ctx, run.ID, spec)
	require.NoError(t, err)
	require.NoError(t, st.MaterializeStories(ctx, run.ID, steps[1].ID, []models.StoryRecord{{StoryID: "a", Title: "A", Input: "do A"}}))

	story, err := st.ClaimNextStory(ctx, "developer")
	require.NoError(t, err)

	updated, err := st.CompleteStory(ctx, story.ID, "CODE: x", map[string]string{"CODE": "x"}, true)
	require.NoError(t, err)
	require.Equal(t, models.StoryStatusPending, updated.Status)
	require.True(t, updated.PendingVerify)

	reloaded, err := st.GetStory(ctx, story.ID)
	require.NoError(t, err)
	require.Equal(t, models.StoryStatusPending, reloaded.Status)
	require.True(t, reloaded.PendingVerify)
}
