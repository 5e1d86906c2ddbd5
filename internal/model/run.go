package model

import "time"

// RunStatus is the status of an ExecutionRun.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further steps will execute.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// StepOutcome records how one step attempt ended.
type StepOutcome string

const (
	OutcomeSuccess StepOutcome = "success"
	OutcomeFailed  StepOutcome = "failed"
	OutcomeRetried StepOutcome = "retried"
	OutcomeSkipped StepOutcome = "skipped"
)

// StepResult is one entry of a run's step log.
type StepResult struct {
	Index    int         `json:"index"`
	Type     StepType    `json:"type"`
	Outcome  StepOutcome `json:"outcome"`
	Attempts int         `json:"attempts"`
	Error    string      `json:"error,omitempty"`
	At       time.Time   `json:"at"`
}

// ExecutionRun is one execution of an AutomationRule for one WorkflowEvent.
//
// Created by the trigger engine; owned and mutated solely by the execution
// engine until terminal. ResumeAt is set while the run is suspended in a
// wait step.
type ExecutionRun struct {
	ID          string        `json:"id"`
	RuleID      string        `json:"ruleId"`
	TenantID    string        `json:"tenantId"`
	Event       WorkflowEvent `json:"event"`
	CurrentStep int           `json:"currentStep"`
	Status      RunStatus     `json:"status"`
	ResumeAt    *time.Time    `json:"resumeAt,omitempty"`
	StepResults []StepResult  `json:"stepResults"`
	StepsTaken  int           `json:"stepsTaken"`
	LastError   string        `json:"lastError,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// WorkflowKind names the orchestrator's durable workflows.
type WorkflowKind string

const (
	WorkflowFullSync        WorkflowKind = "full_sync"
	WorkflowIncrementalSync WorkflowKind = "incremental_sync"
)

// WorkflowStatus is the journal status of an orchestrator workflow run.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowCancelled WorkflowStatus = "cancelled"
	WorkflowFailed    WorkflowStatus = "failed"
)

// EntityResult is the per-entity outcome of a sync workflow.
type EntityResult struct {
	Entity      string        `json:"entity"`
	RecordCount int64         `json:"recordCount"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
	Skipped     bool          `json:"skipped,omitempty"`
	Cancelled   bool          `json:"cancelled,omitempty"`
}

// WorkflowRun is the journal row of an orchestrator workflow. State holds
// the checkpoint the workflow resumes from after a restart.
type WorkflowRun struct {
	ID        string         `json:"id"`
	Kind      WorkflowKind   `json:"kind"`
	TenantID  string         `json:"tenantId"`
	Status    WorkflowStatus `json:"status"`
	Entities  []string       `json:"entities"`
	Notify    bool           `json:"notify"`
	NextIndex int            `json:"nextIndex"`
	Results   []EntityResult `json:"results"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}
