package specload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldnotes-dev/setfarm/internal/models"
)

func writeSpecFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
}

func TestLoaderLoadsAndCaches(t *testing.T) {
	dir := t.TempDir()
	writeSpecFile(t, dir, "x.yaml", `
id: x
name: Example
steps:
  - id: plan
    agent: planner
    outputs: [SUMMARY]
`)
	loader := NewLoader(dir)
	spec, err := loader.Load("x")
	require.NoError(t, err)
	assert.Equal(t, "x", spec.WorkflowID)
	require.Len(t, spec.Steps, 1)
	assert.Equal(t, "plan", spec.Steps[0].StepID)

	// Remove the file; cached lookups must still succeed without rereading.
	require.NoError(t, os.Remove(filepath.Join(dir, "x.yaml")))
	spec2, err := loader.Load("x")
	require.NoError(t, err)
	assert.Same(t, spec, spec2)
}

func TestLoaderUnknownWorkflow(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(dir)
	_, err := loader.Load("missing")
	assert.Error(t, err)
}

func TestLoaderRejectsSpecMissingID(t *testing.T) {
	dir := t.TempDir()
	writeSpecFile(t, dir, "bad.yaml", `
name: no id here
steps: []
`)
	loader := NewLoader(dir)
	_, err := loader.Load("anything")
	assert.Error(t, err)
}

func TestValidateRequiresSteps(t *testing.T) {
	err := Validate(&models.WorkflowSpec{WorkflowID: "x"})
	assert.Error(t, err)
}

func TestValidateRejectsDuplicateStepID(t *testing.T) {
	spec := &models.WorkflowSpec{
		WorkflowID: "x",
		Steps: []models.StepSpec{
			{StepID: "plan", AgentID: "planner"},
			{StepID: "plan", AgentID: "developer"},
		},
	}
	assert.Error(t, Validate(spec))
}

func TestValidateRejectsStepWithNoAgent(t *testing.T) {
	spec := &models.WorkflowSpec{
		WorkflowID: "x",
		Steps:      []models.StepSpec{{StepID: "plan"}},
	}
	assert.Error(t, Validate(spec))
}

func TestValidateRejectsLoopWithoutConfig(t *testing.T) {
	spec := &models.WorkflowSpec{
		WorkflowID: "x",
		Steps:      []models.StepSpec{{StepID: "dev", AgentID: "developer", Type: models.StepTypeLoop}},
	}
	assert.Error(t, Validate(spec))
}

func TestValidateRejectsDanglingSourceStep(t *testing.T) {
	spec := &models.WorkflowSpec{
		WorkflowID: "x",
		Steps: []models.StepSpec{
			{StepID: "dev", AgentID: "developer", Type: models.StepTypeLoop, Loop: &models.LoopSpec{SourceStep: "nope"}},
		},
	}
	assert.Error(t, Validate(spec))
}

func TestValidateAcceptsWellFormedLoop(t *testing.T) {
	spec := &models.WorkflowSpec{
		WorkflowID: "x",
		Steps: []models.StepSpec{
			{StepID: "plan", AgentID: "planner", Type: models.StepTypeSingle, RequiredOutputs: []string{"STORIES_JSON"}},
			{StepID: "dev", AgentID: "developer", Type: models.StepTypeLoop, Loop: &models.LoopSpec{SourceStep: "plan"}},
		},
	}
	assert.NoError(t, Validate(spec))
}
