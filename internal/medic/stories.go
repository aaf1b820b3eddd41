package medic

import (
	"context"
	"fmt"

	"github.com/fieldnotes-dev/setfarm/internal/engineerr"
	"github.com/fieldnotes-dev/setfarm/internal/models"
)

// checkOrphanedStories implements the orphaned_story row of spec §4.6's
// table: a running story aged past 30 minutes gets reset to pending with
// abandoned_count bumped, or, past the abandon bound, skipped, and the
// loop step's completion is re-checked in case skipping it finishes the
// loop.
func (m *Medic) checkOrphanedStories(ctx context.Context) ([]models.MedicFinding, error) {
	stories, err := m.store.StoriesByStatus(ctx, models.StoryStatusRunning)
	if err != nil {
		return nil, engineerr.New(engineerr.Internal, err)
	}

	var findings []models.MedicFinding
	now := m.now()
	for _, story := range stories {
		age := now.Sub(story.UpdatedAt)
		if age <= orphanedStoryAge {
			continue
		}

		finding, err := m.remediateOrphanedStory(ctx, story)
		if err != nil {
			return nil, err
		}
		findings = append(findings, finding)
	}
	return findings, nil
}

func (m *Medic) remediateOrphanedStory(ctx context.Context, story *models.Story) (models.MedicFinding, error) {
	finding := models.MedicFinding{
		Check:   "orphaned_story",
		RunID:   story.RunID,
		StepID:  story.StepID,
		StoryID: story.ID,
	}

	if err := m.store.ResetStory(ctx, story.ID); err != nil {
		return finding, engineerr.New(engineerr.Internal, err)
	}
	updated, err := m.store.GetStory(ctx, story.ID)
	if err != nil {
		return finding, engineerr.New(engineerr.Internal, err)
	}

	if updated.AbandonedCount < abandonBound {
		finding.Severity = models.SeverityWarning
		finding.Action = models.ActionResetStory
		finding.Remediated = true
		finding.Detail = fmt.Sprintf("abandoned_count=%d", updated.AbandonedCount)
		return finding, nil
	}

	if err := m.store.SkipStory(ctx, story.ID); err != nil {
		return finding, engineerr.New(engineerr.Internal, err)
	}
	finding.Severity = models.SeverityCritical
	finding.Action = models.ActionSkipStory
	finding.Remediated = true
	finding.Detail = fmt.Sprintf("abandoned_count=%d, skipped", updated.AbandonedCount)

	skipped, err := m.store.GetStory(ctx, story.ID)
	if err != nil {
		return finding, engineerr.New(engineerr.Internal, err)
	}
	if err := m.engine.AfterStoryComplete(ctx, skipped); err != nil {
		return finding, err
	}
	return finding, nil
}
