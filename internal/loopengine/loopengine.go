// Package loopengine implements the fan-out half of a loop step (spec
// §4.4): materializing Story rows from a source step's STORIES_JSON
// output, and deciding when every story has reached a terminal state so
// the loop step itself can complete.
package loopengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fieldnotes-dev/setfarm/internal/engineerr"
	"github.com/fieldnotes-dev/setfarm/internal/models"
	"github.com/fieldnotes-dev/setfarm/internal/store"
)

const storiesJSONKey = "STORIES_JSON"

type Engine struct {
	store *store.Store
}

func New(st *store.Store) *Engine {
	return &Engine{store: st}
}

// StartLoop fetches the source step's declared STORIES_JSON output,
// extracts the array of {story_id, title, input} records, and
// materializes one pending Story row per record, in declared order (spec
// §4.4 steps 1-2). An empty array completes the loop immediately (spec
// §4.4 edge case); a parse failure fails the loop step.
func (e *Engine) StartLoop(ctx context.Context, step *models.Step, spec models.StepSpec) error {
	if step.LoopConfig == nil {
		return engineerr.Newf(engineerr.SpecError, "step %s is type loop but has no loop config", step.StepID)
	}

	source, err := e.store.StepAtIndexByStepID(ctx, step.RunID, step.LoopConfig.SourceStep)
	if err != nil {
		return engineerr.New(engineerr.NotFound, err)
	}

	raw, ok := source.OutputValues[storiesJSONKey]
	if !ok {
		return e.failLoop(ctx, step, spec, fmt.Sprintf("source step %s declared no %s output", source.StepID, storiesJSONKey))
	}

	var records []models.StoryRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return e.failLoop(ctx, step, spec, fmt.Sprintf("parse %s: %v", storiesJSONKey, err))
	}

	if len(records) == 0 {
		_, _, err := e.store.FinishLoopStep(ctx, step.ID)
		if err != nil {
			return engineerr.New(engineerr.Internal, err)
		}
		return nil
	}

	if err := e.store.MaterializeStories(ctx, step.RunID, step.ID, records); err != nil {
		return engineerr.New(engineerr.Internal, err)
	}
	return nil
}

func (e *Engine) failLoop(ctx context.Context, step *models.Step, spec models.StepSpec, reason string) error {
	slog.Warn("loop step failed to start", "run_id", step.RunID, "step_id", step.StepID, "reason", reason)
	if _, _, err := e.store.FailStep(ctx, step.ID, reason, spec.RetryBudgetOrDefault(), true); err != nil {
		return engineerr.New(engineerr.Internal, err)
	}
	return nil
}

// AfterStoryComplete checks whether every story of story's owning loop
// step has reached verified or skipped; if so it finishes the loop step
// (spec §4.4 "Loop completion") and returns the Step Engine's usual
// advancement result so the caller can materialize the next step's loop,
// if any, exactly as it would for an ordinary step completion.
func (e *Engine) AfterStoryComplete(ctx context.Context, story *models.Story) (loopDone bool, next *models.Step, runDone bool, err error) {
	counts, err := e.store.CountStoriesByStatus(ctx, story.StepID)
	if err != nil {
		return false, nil, false, engineerr.New(engineerr.Internal, err)
	}

	total := 0
	finished := 0
	for status, n := range counts {
		total += n
		if status == models.StoryStatusVerified || status == models.StoryStatusSkipped {
			finished += n
		}
	}
	if total == 0 || finished < total {
		return false, nil, false, nil
	}

	next, runDone, err = e.store.FinishLoopStep(ctx, story.StepID)
	if err != nil {
		return false, nil, false, engineerr.New(engineerr.Internal, err)
	}
	return true, next, runDone, nil
}
