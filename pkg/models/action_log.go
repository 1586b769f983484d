package models

import (
	"encoding/json"
	"time"
)

type ActionLogStatus string

const (
	PendingActionLogStatus ActionLogStatus = "pending"
	SuccessActionLogStatus ActionLogStatus = "success"
	FailedActionLogStatus  ActionLogStatus = "failed"
)

// ActionLog is the durable record of one attempted action within an execution.
// It is written as pending before the handler runs, so a crash mid-handler
// leaves a pending row behind.
type ActionLog struct {
	ID           string          `json:"id" db:"id"`                               // Log ID (UUID)
	ExecutionID  string          `json:"execution_id" db:"execution_id"`           // Parent execution
	ActionIndex  int             `json:"action_index" db:"action_index"`           // 0-based position in the workflow
	ActionType   ActionType      `json:"action_type" db:"action_type"`             // Declared type tag
	ActionConfig json.RawMessage `json:"action_config" db:"action_config"`         // Snapshot of the action definition
	Status       ActionLogStatus `json:"status" db:"status"`                       // pending, success or failed
	Result       json.RawMessage `json:"result,omitempty" db:"result"`             // Handler output
	ErrorMessage string          `json:"error,omitempty" db:"error_message"`       // Failure message
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`               // When the attempt started
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"` // Nullable end time
}
