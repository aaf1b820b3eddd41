package models

import "time"

// StepType distinguishes a single-agent step from one that fans out over
// a list of stories (spec §3).
type StepType string

const (
	StepTypeSingle StepType = "single"
	StepTypeLoop   StepType = "loop"
)

// WorkflowSpec is the value the (out-of-scope) YAML/Lua ingester produces:
// an ordered pipeline of steps, each assigned to a role.
type WorkflowSpec struct {
	WorkflowID string        `yaml:"id"`
	Name       string        `yaml:"name"`
	Steps      []StepSpec    `yaml:"steps"`
	Settings   SpecSettings  `yaml:"settings"`
}

// StepSpec is the declarative definition of one pipeline stage.
type StepSpec struct {
	StepID          string   `yaml:"id"`
	AgentID         string   `yaml:"agent"`
	Type            StepType `yaml:"type"`
	InputTemplate   string   `yaml:"input,omitempty"`
	InputScript     string   `yaml:"input_script,omitempty"`
	RequiredOutputs []string `yaml:"outputs"`
	RetryBudget     int      `yaml:"retry_budget,omitempty"`
	Loop            *LoopSpec `yaml:"loop,omitempty"`
}

// LoopSpec configures fan-out for a loop step (spec §4.4).
type LoopSpec struct {
	SourceStep string `yaml:"source_step"`
	Workers    int    `yaml:"workers,omitempty"`
	VerifyStep string `yaml:"verify_step,omitempty"`
	VerifyEach bool   `yaml:"verify_each,omitempty"`
}

// SpecSettings holds workflow-wide defaults used by the cron gateway and
// medic (spec §4.5, §4.6).
type SpecSettings struct {
	CronIntervalMS   int64 `yaml:"cron_interval_ms,omitempty"`
	CronAnchorMS     int64 `yaml:"cron_anchor_ms,omitempty"`
	MaxRoleTimeoutMS int64 `yaml:"max_role_timeout_ms,omitempty"`
}

const (
	DefaultRetryBudget     = 3
	DefaultLoopWorkers     = 3
	DefaultCronInterval    = 5 * time.Minute
	DefaultCronAnchor      = 40 * time.Second
	DefaultMaxRoleTimeout  = 15 * time.Minute
)

// CronInterval returns the configured interval, or the default.
func (s SpecSettings) CronInterval() time.Duration {
	if s.CronIntervalMS <= 0 {
		return DefaultCronInterval
	}
	return time.Duration(s.CronIntervalMS) * time.Millisecond
}

// CronAnchor returns the configured per-shard stagger offset, or the default.
func (s SpecSettings) CronAnchor() time.Duration {
	if s.CronAnchorMS <= 0 {
		return DefaultCronAnchor
	}
	return time.Duration(s.CronAnchorMS) * time.Millisecond
}

// MaxRoleTimeout returns the configured agent timeout bound, or the default.
func (s SpecSettings) MaxRoleTimeout() time.Duration {
	if s.MaxRoleTimeoutMS <= 0 {
		return DefaultMaxRoleTimeout
	}
	return time.Duration(s.MaxRoleTimeoutMS) * time.Millisecond
}

// StepByID returns the step spec with the given id, if any.
func (w *WorkflowSpec) StepByID(id string) (StepSpec, bool) {
	for _, s := range w.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return StepSpec{}, false
}

// RetryBudgetOrDefault returns the configured retry budget, or the default.
func (s StepSpec) RetryBudgetOrDefault() int {
	if s.RetryBudget <= 0 {
		return DefaultRetryBudget
	}
	return s.RetryBudget
}

// WorkersOrDefault returns the configured loop worker count, or the default.
func (l LoopSpec) WorkersOrDefault() int {
	if l.Workers <= 0 {
		return DefaultLoopWorkers
	}
	return l.Workers
}
