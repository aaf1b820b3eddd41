// Package claim implements the four-operation contract between agents and
// the engine (spec §4.2): peek, claim, complete, fail. It is a thin layer
// over internal/store's compound transactions plus internal/protocol's
// output parser and internal/resolve's input resolution. The Claim
// Protocol itself carries no state of its own.
package claim

import (
	"context"
	"fmt"

	"github.com/fieldnotes-dev/setfarm/internal/engineerr"
	"github.com/fieldnotes-dev/setfarm/internal/models"
	"github.com/fieldnotes-dev/setfarm/internal/protocol"
	"github.com/fieldnotes-dev/setfarm/internal/resolve"
	"github.com/fieldnotes-dev/setfarm/internal/specload"
	"github.com/fieldnotes-dev/setfarm/internal/stepengine"
	"github.com/fieldnotes-dev/setfarm/internal/store"
)

// Service is the claim protocol, bound to one store, one spec loader (the
// engine process resolves a run's WorkflowSpec by workflow_id on every
// call rather than caching it across CLI invocations) and the step engine,
// which it calls into after a completion to advance the pipeline cursor.
type Service struct {
	store  *store.Store
	specs  *specload.Loader
	engine *stepengine.Engine
}

func New(st *store.Store, specs *specload.Loader, engine *stepengine.Engine) *Service {
	return &Service{store: st, specs: specs, engine: engine}
}

// Peek implements peek(agent_id): HAS_WORK or NO_WORK, no side effects.
func (s *Service) Peek(ctx context.Context, agentID string) (bool, error) {
	has, err := s.store.HasUnclaimedWork(ctx, agentID)
	if err != nil {
		return false, engineerr.New(engineerr.Internal, err)
	}
	return has, nil
}

// ClaimedUnit is what claim(agent_id) hands back to the CLI layer. StepID
// carries the claimed unit's row id: a step's, or a story's when IsStory
// is set.
type ClaimedUnit struct {
	StepID  string
	RunID   string
	Input   string
	IsStory bool
}

// Claim implements claim(agent_id): tries a pending step first, then a
// pending story, since both are eligible units for the same role and the
// spec does not prioritize one kind over the other; ties break on
// (run.created_at, step_index, story_index) inside the store query itself.
func (s *Service) Claim(ctx context.Context, agentID string) (*ClaimedUnit, error) {
	step, err := s.store.ClaimNextForRole(ctx, agentID)
	if err != nil {
		return nil, engineerr.New(engineerr.Internal, err)
	}
	if step != nil {
		input, err := s.resolveStepInput(ctx, step)
		if err != nil {
			return nil, err
		}
		return &ClaimedUnit{StepID: step.ID, RunID: step.RunID, Input: input}, nil
	}

	story, err := s.store.ClaimNextStory(ctx, agentID)
	if err != nil {
		return nil, engineerr.New(engineerr.Internal, err)
	}
	if story == nil {
		return nil, nil
	}
	return &ClaimedUnit{StepID: story.ID, RunID: story.RunID, Input: story.Input, IsStory: true}, nil
}

func (s *Service) resolveStepInput(ctx context.Context, step *models.Step) (string, error) {
	run, err := s.store.GetRun(ctx, step.RunID)
	if err != nil {
		return "", engineerr.New(engineerr.NotFound, err)
	}
	spec, err := s.specs.Load(run.WorkflowID)
	if err != nil {
		return "", engineerr.New(engineerr.SpecError, err)
	}
	stepSpec, ok := spec.StepByID(step.StepID)
	if !ok {
		return "", engineerr.Newf(engineerr.SpecError, "workflow %s has no step %s", run.WorkflowID, step.StepID)
	}

	prior, err := s.store.ListSteps(ctx, step.RunID)
	if err != nil {
		return "", engineerr.New(engineerr.Internal, err)
	}
	outputs := resolve.Outputs{}
	var order []string
	for _, p := range prior {
		if p.StepIndex >= step.StepIndex {
			break
		}
		outputs[p.StepID] = p.OutputValues
		order = append(order, p.StepID)
	}

	input, err := resolve.ResolveInput(stepSpec, outputs, order)
	if err != nil {
		return "", engineerr.New(engineerr.SpecError, err)
	}
	return input, nil
}

// Complete implements complete(unit_id, raw_output) (spec §4.2). isStory
// distinguishes which half of the union unit_id addresses; the CLI layer
// tells the two apart by the id's "story_" prefix.
func (s *Service) Complete(ctx context.Context, unitID string, isStory bool, rawOutput string) error {
	kvs := protocol.Parse(rawOutput)
	values := protocol.ToMap(kvs)

	if isStory {
		return s.completeStory(ctx, unitID, rawOutput, values)
	}
	return s.completeStep(ctx, unitID, rawOutput, values)
}

func (s *Service) completeStep(ctx context.Context, stepID, rawOutput string, values map[string]string) error {
	step, err := s.store.GetStep(ctx, stepID)
	if err != nil {
		return engineerr.New(engineerr.NotFound, err)
	}
	run, err := s.store.GetRun(ctx, step.RunID)
	if err != nil {
		return engineerr.New(engineerr.NotFound, err)
	}
	// Testable Property 6: a step no longer running (already done, or its
	// run already failed out from under it) has nothing left to advance.
	// complete is a no-op, not an error.
	if run.Status != models.RunStatusRunning || step.Status != models.StepStatusRunning {
		return nil
	}
	spec, err := s.specs.Load(run.WorkflowID)
	if err != nil {
		return engineerr.New(engineerr.SpecError, err)
	}
	stepSpec, ok := spec.StepByID(step.StepID)
	if !ok {
		return engineerr.Newf(engineerr.SpecError, "workflow %s has no step %s", run.WorkflowID, step.StepID)
	}

	if missing := protocol.MissingRequired(values, stepSpec.RequiredOutputs); len(missing) > 0 {
		return s.failStep(ctx, step, stepSpec, fmt.Sprintf("missing required outputs: %v", missing))
	}

	next, runDone, err := s.store.CompleteStep(ctx, stepID, rawOutput, values)
	if err != nil {
		return engineerr.New(engineerr.Internal, err)
	}
	return s.engine.AdvanceAfterStepComplete(ctx, step.RunID, next, runDone)
}

func (s *Service) completeStory(ctx context.Context, storyID, rawOutput string, values map[string]string) error {
	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return engineerr.New(engineerr.NotFound, err)
	}
	step, err := s.store.GetStep(ctx, story.StepID)
	if err != nil {
		return engineerr.New(engineerr.NotFound, err)
	}
	run, err := s.store.GetRun(ctx, step.RunID)
	if err != nil {
		return engineerr.New(engineerr.NotFound, err)
	}
	// Same idempotency guard as completeStep: a story no longer running
	// (already verified/skipped, or its run already failed) has nothing
	// left to do.
	if run.Status != models.RunStatusRunning || story.Status != models.StoryStatusRunning {
		return nil
	}
	spec, err := s.specs.Load(run.WorkflowID)
	if err != nil {
		return engineerr.New(engineerr.SpecError, err)
	}
	stepSpec, ok := spec.StepByID(step.StepID)
	if !ok {
		return engineerr.Newf(engineerr.SpecError, "workflow %s has no step %s", run.WorkflowID, step.StepID)
	}

	if missing := protocol.MissingRequired(values, stepSpec.RequiredOutputs); len(missing) > 0 {
		return s.failStory(ctx, story, stepSpec, fmt.Sprintf("missing required outputs: %v", missing))
	}

	// verify_each: a story that just came from the worker role (not yet
	// PendingVerify) needs a second pass from verify_step before it's done;
	// a story completed by the verifier (already PendingVerify) is final.
	needsVerify := step.LoopConfig != nil && step.LoopConfig.VerifyEach && !story.PendingVerify
	updated, err := s.store.CompleteStory(ctx, storyID, rawOutput, values, needsVerify)
	if err != nil {
		return engineerr.New(engineerr.Internal, err)
	}
	if needsVerify {
		return nil
	}
	return s.engine.AfterStoryComplete(ctx, updated)
}

// Fail implements fail(unit_id, reason) (spec §4.2).
func (s *Service) Fail(ctx context.Context, unitID string, isStory bool, reason string) error {
	if isStory {
		story, err := s.store.GetStory(ctx, unitID)
		if err != nil {
			return engineerr.New(engineerr.NotFound, err)
		}
		step, err := s.store.GetStep(ctx, story.StepID)
		if err != nil {
			return engineerr.New(engineerr.NotFound, err)
		}
		run, err := s.store.GetRun(ctx, step.RunID)
		if err != nil {
			return engineerr.New(engineerr.NotFound, err)
		}
		spec, err := s.specs.Load(run.WorkflowID)
		if err != nil {
			return engineerr.New(engineerr.SpecError, err)
		}
		stepSpec, ok := spec.StepByID(step.StepID)
		if !ok {
			return engineerr.Newf(engineerr.SpecError, "workflow %s has no step %s", run.WorkflowID, step.StepID)
		}
		return s.failStory(ctx, story, stepSpec, reason)
	}

	step, err := s.store.GetStep(ctx, unitID)
	if err != nil {
		return engineerr.New(engineerr.NotFound, err)
	}
	run, err := s.store.GetRun(ctx, step.RunID)
	if err != nil {
		return engineerr.New(engineerr.NotFound, err)
	}
	spec, err := s.specs.Load(run.WorkflowID)
	if err != nil {
		return engineerr.New(engineerr.SpecError, err)
	}
	stepSpec, ok := spec.StepByID(step.StepID)
	if !ok {
		return engineerr.Newf(engineerr.SpecError, "workflow %s has no step %s", run.WorkflowID, step.StepID)
	}
	return s.failStep(ctx, step, stepSpec, reason)
}

func (s *Service) failStep(ctx context.Context, step *models.Step, spec models.StepSpec, reason string) error {
	_, _, err := s.store.FailStep(ctx, step.ID, reason, spec.RetryBudgetOrDefault(), true)
	if err != nil {
		return engineerr.New(engineerr.Internal, err)
	}
	return nil
}

func (s *Service) failStory(ctx context.Context, story *models.Story, spec models.StepSpec, reason string) error {
	skipped, err := s.store.FailStory(ctx, story.ID, reason, spec.RetryBudgetOrDefault())
	if err != nil {
		return engineerr.New(engineerr.Internal, err)
	}
	if !skipped {
		return nil
	}
	updated, err := s.store.GetStory(ctx, story.ID)
	if err != nil {
		return engineerr.New(engineerr.NotFound, err)
	}
	return s.engine.AfterStoryComplete(ctx, updated)
}
