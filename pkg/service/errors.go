package service

import (
	"fmt"

	"github.com/leadflow/leadflow/pkg/actions"
	"github.com/pkg/errors"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrWorkflowInactive = errors.New("workflow is inactive")
	ErrInvalidTrigger   = errors.New("invalid trigger kind; must be 'schedule', 'manual' or 'event'")
	ErrPoolStopped      = errors.New("worker pool stopped")

	// ErrUnknownActionType is raised by the dispatcher for a type tag
	// no handler recognizes.
	ErrUnknownActionType = actions.ErrUnknownActionType
)

// IsPermanent reports whether re-running the workflow cannot change the outcome.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrWorkflowInactive) ||
		errors.Is(err, ErrInvalidTrigger) ||
		actions.IsPermanent(err)
}

// workflowError carries the workflow id while matching one of the sentinels.
type workflowError struct {
	id     int64
	reason string
	kind   error
}

func (e *workflowError) Error() string {
	return fmt.Sprintf("workflow %d %s", e.id, e.reason)
}

func (e *workflowError) Is(target error) bool {
	return target == e.kind
}

func workflowNotFound(id int64) error {
	return &workflowError{id: id, reason: "could not be found", kind: ErrWorkflowNotFound}
}

func workflowInactive(id int64) error {
	return &workflowError{id: id, reason: "is inactive", kind: ErrWorkflowInactive}
}
