package models

import (
	"encoding/json"
	"time"
)

type ExecutionStatus string

const (
	RunningExecutionStatus ExecutionStatus = "running"
	SuccessExecutionStatus ExecutionStatus = "success"
	FailedExecutionStatus  ExecutionStatus = "failed"
)

// TriggerKind is the reason a run started.
type TriggerKind string

const (
	ScheduleTrigger TriggerKind = "schedule"
	ManualTrigger   TriggerKind = "manual"
	EventTrigger    TriggerKind = "event"
)

// Valid reports whether k is one of the known trigger kinds.
func (k TriggerKind) Valid() bool {
	switch k {
	case ScheduleTrigger, ManualTrigger, EventTrigger:
		return true
	}
	return false
}

// WorkflowExecution is one run of a workflow. Status goes from running to
// success or failed exactly once.
type WorkflowExecution struct {
	ID           string          `json:"id" db:"id"`
	WorkflowID   int64           `json:"workflow_id" db:"workflow_id"`
	TriggeredBy  TriggerKind     `json:"triggered_by" db:"triggered_by"`
	TriggerData  TriggerContext  `json:"trigger_data" db:"trigger_data"`
	Status       ExecutionStatus `json:"status" db:"status"`
	StartedAt    time.Time       `json:"started_at" db:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	Result       json.RawMessage `json:"result,omitempty" db:"result"`
	ErrorMessage string          `json:"error,omitempty" db:"error_message"`
}
