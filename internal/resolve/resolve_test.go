package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldnotes-dev/setfarm/internal/models"
)

func TestTemplateBareToken(t *testing.T) {
	outputs := Outputs{"plan": {"SUMMARY": "build a thing"}}
	got := Template("do: {{SUMMARY}}", outputs, []string{"plan"})
	assert.Equal(t, "do: build a thing", got)
}

func TestTemplateQualifiedToken(t *testing.T) {
	outputs := Outputs{
		"plan":   {"SUMMARY": "from plan"},
		"review": {"SUMMARY": "from review"},
	}
	got := Template("{{plan.SUMMARY}} / {{review.SUMMARY}}", outputs, []string{"plan", "review"})
	assert.Equal(t, "from plan / from review", got)
}

func TestTemplateMissingTokenLiteral(t *testing.T) {
	got := Template("need: {{NEVER_SET}}", Outputs{}, nil)
	assert.Equal(t, "need: [missing: NEVER_SET]", got)
}

func TestTemplateMissingQualifiedToken(t *testing.T) {
	got := Template("{{plan.MISSING}}", Outputs{"plan": {}}, []string{"plan"})
	assert.Equal(t, "[missing: plan.MISSING]", got)
}

func TestTemplateLastStepShadowsEarlierOnCollision(t *testing.T) {
	outputs := Outputs{
		"plan":   {"SUMMARY": "early"},
		"review": {"SUMMARY": "late"},
	}
	got := Template("{{SUMMARY}}", outputs, []string{"plan", "review"})
	assert.Equal(t, "late", got)
}

func TestResolveInputUsesTemplateByDefault(t *testing.T) {
	spec := models.StepSpec{InputTemplate: "hello {{NAME}}"}
	outputs := Outputs{"a": {"NAME": "world"}}
	got, err := ResolveInput(spec, outputs, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)
}

func TestResolveInputUsesScriptWhenDeclared(t *testing.T) {
	spec := models.StepSpec{InputScript: `
		function render(outputs)
			return "rendered:" .. outputs.a.NAME
		end
	`}
	outputs := Outputs{"a": {"NAME": "world"}}
	got, err := ResolveInput(spec, outputs, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, "rendered:world", got)
}

func TestRenderScriptRejectsNonStringReturn(t *testing.T) {
	_, err := RenderScript(`function render(outputs) return 42 end`, Outputs{})
	require.Error(t, err)
}

func TestRenderScriptSandboxBlocksLoad(t *testing.T) {
	_, err := RenderScript(`load("return 1")() function render(outputs) return "x" end`, Outputs{})
	require.Error(t, err)
}

func TestRenderScriptDeterministic(t *testing.T) {
	script := `function render(outputs) return outputs.a.NAME .. "!" end`
	outputs := Outputs{"a": {"NAME": "same"}}
	first, err := RenderScript(script, outputs)
	require.NoError(t, err)
	second, err := RenderScript(script, outputs)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
