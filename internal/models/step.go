package models

import "time"

// StepStatus is the lifecycle state of a Step (spec §3, §4.3).
type StepStatus string

const (
	StepStatusWaiting StepStatus = "waiting"
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusDone    StepStatus = "done"
	StepStatusFailed  StepStatus = "failed"
)

// LoopConfig mirrors models.LoopSpec but carries the resolved values a Step
// row needs at runtime.
type LoopConfig struct {
	SourceStep string
	Workers    int
	VerifyStep string
	VerifyEach bool
}

// Step is one stage of a run.
type Step struct {
	ID              string
	RunID           string
	StepIndex       int
	StepID          string
	AgentID         string
	Type            StepType
	Status          StepStatus
	RetryCount      int
	AbandonedCount  int
	UpdatedAt       time.Time
	Input           string
	Output          string
	OutputValues    map[string]string
	LoopConfig      *LoopConfig
	CurrentStoryID  string
}
