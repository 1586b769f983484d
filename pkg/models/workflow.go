package models

import "time"

// Workflow is an ordered list of actions plus an active flag.
type Workflow struct {
	ID        int64      `json:"id" db:"id"`                 // Unique identifier (PostgreSQL auto-increment)
	Name      string     `json:"name" db:"name"`             // Descriptive name (e.g., "QualifyInboundLead")
	IsActive  bool       `json:"is_active" db:"is_active"`   // Inactive workflows are never executed
	Actions   ActionList `json:"actions" db:"actions"`       // Ordered action definitions (JSONB)
	CreatedAt time.Time  `json:"created_at" db:"created_at"` // Creation timestamp
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"` // Last update timestamp
}
