// Package specload ingests WorkflowSpec YAML files: os.ReadFile +
// yaml.Unmarshal, indexed by workflow_id rather than by filename. Unset
// fields are left zero; the models' *OrDefault accessors supply defaults.
package specload

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/fieldnotes-dev/setfarm/internal/models"
)

// Loader resolves a workflow_id to its parsed WorkflowSpec, reading from a
// directory of *.yaml/*.yml files. It caches each spec by workflow_id for
// the Loader's lifetime (files changed afterwards are not re-read), so that
// an engine process that calls Load many times in one CLI invocation (e.g.
// resolving inputs across a run's whole step history) does not re-parse
// and re-validate the same file repeatedly.
type Loader struct {
	dir string

	mu    sync.Mutex
	cache map[string]*models.WorkflowSpec
}

func NewLoader(dir string) *Loader {
	return &Loader{dir: dir, cache: map[string]*models.WorkflowSpec{}}
}

// Load returns the WorkflowSpec whose declared id matches workflowID,
// scanning dir the first time it's needed and caching afterward.
func (l *Loader) Load(workflowID string) (*models.WorkflowSpec, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if spec, ok := l.cache[workflowID]; ok {
		return spec, nil
	}

	all, err := l.loadAllLocked()
	if err != nil {
		return nil, err
	}
	spec, ok := all[workflowID]
	if !ok {
		return nil, fmt.Errorf("no workflow spec with id %q in %s", workflowID, l.dir)
	}
	return spec, nil
}

func (l *Loader) loadAllLocked() (map[string]*models.WorkflowSpec, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read spec dir %s: %w", l.dir, err)
	}

	out := map[string]*models.WorkflowSpec{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		spec, err := parseFile(filepath.Join(l.dir, name))
		if err != nil {
			return nil, err
		}
		if spec.WorkflowID == "" {
			return nil, fmt.Errorf("%s: workflow spec missing id", name)
		}
		out[spec.WorkflowID] = spec
		l.cache[spec.WorkflowID] = spec
	}
	return out, nil
}

func parseFile(path string) (*models.WorkflowSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec file %s: %w", path, err)
	}

	var spec models.WorkflowSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse spec YAML %s: %w", path, err)
	}
	return &spec, nil
}

// Validate checks structural invariants a WorkflowSpec must satisfy before
// a run can be seeded from it.
func Validate(spec *models.WorkflowSpec) error {
	if spec.WorkflowID == "" {
		return fmt.Errorf("workflow spec must have an id")
	}
	if len(spec.Steps) == 0 {
		return fmt.Errorf("workflow %s declares no steps", spec.WorkflowID)
	}
	seen := map[string]bool{}
	for _, step := range spec.Steps {
		if step.StepID == "" {
			return fmt.Errorf("workflow %s has a step with no id", spec.WorkflowID)
		}
		if seen[step.StepID] {
			return fmt.Errorf("workflow %s has duplicate step id %q", spec.WorkflowID, step.StepID)
		}
		seen[step.StepID] = true
		if step.AgentID == "" {
			return fmt.Errorf("workflow %s step %q has no agent", spec.WorkflowID, step.StepID)
		}
		if step.Type == models.StepTypeLoop && step.Loop == nil {
			return fmt.Errorf("workflow %s step %q is type loop but declares no loop config", spec.WorkflowID, step.StepID)
		}
		if step.Loop != nil {
			if _, ok := spec.StepByID(step.Loop.SourceStep); !ok {
				return fmt.Errorf("workflow %s step %q loop source_step %q not found", spec.WorkflowID, step.StepID, step.Loop.SourceStep)
			}
		}
	}
	return nil
}
