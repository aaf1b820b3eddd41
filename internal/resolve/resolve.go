// Package resolve computes the fully resolved input string for a step or
// story claim (spec §4.2 "Input-resolution rule"): substitute a step's
// declared input template with values taken from declared outputs of
// earlier steps in the same run, or, for steps that declare an
// input_script, run a sandboxed Lua render(outputs) function instead.
package resolve

import (
	"fmt"
	"regexp"

	"github.com/fieldnotes-dev/setfarm/internal/models"
)

// Outputs is the declared-output lookup a template or script renders
// against: stepID -> (key -> value), covering the steps before the one
// being resolved in the run.
type Outputs map[string]map[string]string

var tokenPattern = regexp.MustCompile(`\{\{([A-Za-z0-9_.]+)\}\}`)

// Template substitutes every {{KEY}} or {{stepID.KEY}} token in tmpl.
// A bare {{KEY}} is resolved against every known step's outputs, last
// writer in step order wins on a collision. Unresolved tokens become the
// literal `[missing: KEY]` marker the spec requires rather than an error,
// so a malformed or incomplete pipeline still produces a single
// deterministic failure the agent can react to.
func Template(tmpl string, outputs Outputs, order []string) string {
	flat := flatten(outputs, order)
	return tokenPattern.ReplaceAllStringFunc(tmpl, func(tok string) string {
		key := tokenPattern.FindStringSubmatch(tok)[1]
		if stepID, plainKey, ok := splitQualified(key); ok {
			if v, ok := outputs[stepID][plainKey]; ok {
				return v
			}
			return fmt.Sprintf("[missing: %s]", key)
		}
		if v, ok := flat[key]; ok {
			return v
		}
		return fmt.Sprintf("[missing: %s]", key)
	})
}

// flatten merges every step's output map in pipeline order, so a later
// step's output shadows an earlier step's output of the same key name.
func flatten(outputs Outputs, order []string) map[string]string {
	flat := map[string]string{}
	for _, stepID := range order {
		for k, v := range outputs[stepID] {
			flat[k] = v
		}
	}
	return flat
}

func splitQualified(token string) (stepID, key string, ok bool) {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return token[:i], token[i+1:], true
		}
	}
	return "", "", false
}

// ResolveInput picks the template or script path for a step spec and
// returns the fully resolved input string.
func ResolveInput(spec models.StepSpec, outputs Outputs, order []string) (string, error) {
	if spec.InputScript != "" {
		return RenderScript(spec.InputScript, outputs)
	}
	return Template(spec.InputTemplate, outputs, order), nil
}
