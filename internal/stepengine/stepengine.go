// Package stepengine owns run creation and the pipeline cursor: seeding a
// run's steps from a WorkflowSpec, and terminating a run once its last
// step is done (spec §4.3). The state machine itself (waiting -> pending
// -> running -> done/failed) lives in internal/store's transactions; this
// package is the thin orchestration around it that also drives loop-step
// materialization and run archiving.
package stepengine

import (
	"context"
	"fmt"

	"github.com/fieldnotes-dev/setfarm/internal/crongateway"
	"github.com/fieldnotes-dev/setfarm/internal/engineerr"
	"github.com/fieldnotes-dev/setfarm/internal/loopengine"
	"github.com/fieldnotes-dev/setfarm/internal/models"
	"github.com/fieldnotes-dev/setfarm/internal/specload"
	"github.com/fieldnotes-dev/setfarm/internal/store"
)

type Engine struct {
	store   *store.Store
	specs   *specload.Loader
	loops   *loopengine.Engine
	gateway crongateway.Gateway
	dataDir string
}

func New(st *store.Store, specs *specload.Loader, loops *loopengine.Engine, gw crongateway.Gateway, dataDir string) *Engine {
	return &Engine{store: st, specs: specs, loops: loops, gateway: gw, dataDir: dataDir}
}

// CreateRun validates the named workflow, creates the run row, seeds its
// steps, and, if the first step is a loop step, materializes its
// stories immediately (spec §4.3 "seed a run's steps", §4.4 "invoked when
// a loop step first becomes pending").
func (e *Engine) CreateRun(ctx context.Context, workflowID, task string) (*models.Run, error) {
	spec, err := e.specs.Load(workflowID)
	if err != nil {
		return nil, engineerr.New(engineerr.SpecError, err)
	}
	if err := specload.Validate(spec); err != nil {
		return nil, engineerr.New(engineerr.SpecError, err)
	}

	run, err := e.store.CreateRun(ctx, workflowID, task)
	if err != nil {
		return nil, engineerr.New(engineerr.Internal, err)
	}

	steps, err := e.store.SeedRun(ctx, run.ID, spec)
	if err != nil {
		return nil, engineerr.New(engineerr.Internal, err)
	}

	if err := e.maybeStartLoop(ctx, spec, steps[0]); err != nil {
		return nil, err
	}
	if err := e.ensureCronJobs(ctx, spec); err != nil {
		return nil, err
	}
	return run, nil
}

// ensureCronJobs creates jobs for spec's workflow if none exist yet (spec
// §4.5 Lifecycle: "idempotent" on run start).
func (e *Engine) ensureCronJobs(ctx context.Context, spec *models.WorkflowSpec) error {
	jobs, err := e.gateway.ListJobs(ctx)
	if err != nil {
		return engineerr.New(engineerr.UpstreamError, err)
	}
	prefix := "setfarm/" + spec.WorkflowID + "/"
	for _, job := range jobs {
		if len(job.Name) >= len(prefix) && job.Name[:len(prefix)] == prefix {
			return nil // already scheduled for this workflow
		}
	}
	if err := crongateway.RecreateCronJobs(ctx, e.gateway, spec); err != nil {
		return engineerr.New(engineerr.UpstreamError, err)
	}
	return nil
}

// AdvanceAfterStepComplete is called by internal/claim once a step
// transitions to done; it materializes the newly-pending next step's loop
// stories, if any, and archives the run when it reaches a terminal state.
func (e *Engine) AdvanceAfterStepComplete(ctx context.Context, runID string, next *models.Step, runDone bool) error {
	if next != nil {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return engineerr.New(engineerr.NotFound, err)
		}
		spec, err := e.specs.Load(run.WorkflowID)
		if err != nil {
			return engineerr.New(engineerr.SpecError, err)
		}
		if err := e.maybeStartLoop(ctx, spec, next); err != nil {
			return err
		}
		// StartLoop may itself finish the loop step (e.g. an empty
		// STORIES_JSON) and, if that was the run's last step, mark the run
		// done without going through the runDone return value above.
		if !runDone {
			run, err = e.store.GetRun(ctx, runID)
			if err != nil {
				return engineerr.New(engineerr.NotFound, err)
			}
			runDone = run.Status != models.RunStatusRunning
		}
	}
	if runDone {
		return e.Archive(ctx, runID)
	}
	return nil
}

func (e *Engine) maybeStartLoop(ctx context.Context, spec *models.WorkflowSpec, step *models.Step) error {
	if step.Type != models.StepTypeLoop {
		return nil
	}
	stepSpec, ok := spec.StepByID(step.StepID)
	if !ok {
		return engineerr.Newf(engineerr.SpecError, "workflow %s has no step %s", spec.WorkflowID, step.StepID)
	}
	if err := e.loops.StartLoop(ctx, step, stepSpec); err != nil {
		return err
	}
	return nil
}

// AfterStoryComplete is called by internal/claim once a story reaches a
// terminal state; if that was the loop step's last outstanding story, the
// loop step itself completes and the pipeline advances exactly as it
// would for an ordinary step completion.
func (e *Engine) AfterStoryComplete(ctx context.Context, story *models.Story) error {
	loopDone, next, runDone, err := e.loops.AfterStoryComplete(ctx, story)
	if err != nil {
		return err
	}
	if !loopDone {
		return nil
	}
	return e.AdvanceAfterStepComplete(ctx, story.RunID, next, runDone)
}

// Archive snapshots a finished run to disk for human inspection (spec §6).
func (e *Engine) Archive(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return engineerr.New(engineerr.NotFound, err)
	}
	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return engineerr.New(engineerr.Internal, err)
	}

	var stories []*models.Story
	for _, step := range steps {
		if step.Type != models.StepTypeLoop {
			continue
		}
		ss, err := e.store.ListStories(ctx, step.ID)
		if err != nil {
			return engineerr.New(engineerr.Internal, err)
		}
		stories = append(stories, ss...)
	}

	if err := store.ArchiveRun(e.dataDir, run, steps, stories); err != nil {
		return engineerr.New(engineerr.Internal, fmt.Errorf("archive run %s: %w", runID, err))
	}
	return nil
}
