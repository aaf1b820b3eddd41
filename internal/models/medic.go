package models

import "time"

// MedicSeverity classifies a medic finding (spec §4.6).
type MedicSeverity string

const (
	SeverityInfo     MedicSeverity = "info"
	SeverityWarning  MedicSeverity = "warning"
	SeverityCritical MedicSeverity = "critical"
)

// MedicActionKind is what a medic finding did about a problem.
type MedicActionKind string

const (
	ActionNone           MedicActionKind = "none"
	ActionResetStep      MedicActionKind = "reset_step"
	ActionFailStep       MedicActionKind = "fail_step"
	ActionResetStory     MedicActionKind = "reset_story"
	ActionSkipStory      MedicActionKind = "skip_story"
	ActionFailRun        MedicActionKind = "fail_run"
	ActionDeleteCronJobs MedicActionKind = "delete_cron_jobs"
	ActionRecreateCrons  MedicActionKind = "recreate_cron_jobs"
	ActionResumeRun      MedicActionKind = "resume_run"
)

// MedicFinding is one issue discovered during a watchdog pass.
type MedicFinding struct {
	Check      string          `json:"check"`
	Severity   MedicSeverity   `json:"severity"`
	RunID      string          `json:"run_id,omitempty"`
	StepID     string          `json:"step_id,omitempty"`
	StoryID    string          `json:"story_id,omitempty"`
	Action     MedicActionKind `json:"action"`
	Remediated bool            `json:"remediated"`
	Detail     string          `json:"detail,omitempty"`
}

// MedicCheck is the audit row for one watchdog pass (spec §3).
type MedicCheck struct {
	ID           int64
	CheckedAt    time.Time
	IssuesFound  int
	ActionsTaken int
	Summary      string
	Findings     []MedicFinding
}
